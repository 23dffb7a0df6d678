// Package api exposes the engine over HTTP. Remote workers pull work
// through the claim endpoint and report back through the assignment
// endpoints; everything else is plan submission and read-only inspection.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/hiveplan/hive/internal/dispatch"
	"github.com/hiveplan/hive/internal/monitor"
	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/plan"
	"github.com/hiveplan/hive/internal/task"
)

// Config tunes the HTTP surface.
type Config struct {
	ClaimTTL time.Duration // lease granted to pull workers (default 2m)
}

// Server wires the engine components to their HTTP routes.
type Server struct {
	store      persistence.Store
	ingestor   *plan.Ingestor
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	cfg        Config
}

func NewServer(store persistence.Store, ingestor *plan.Ingestor, dispatcher *dispatch.Dispatcher, mon *monitor.Monitor, cfg Config) *Server {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	return &Server{
		store:      store,
		ingestor:   ingestor,
		dispatcher: dispatcher,
		monitor:    mon,
		cfg:        cfg,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/plans", func(r chi.Router) {
			r.Post("/", s.handleIngestPlan)
			r.Get("/", s.handleListPlans)
			r.Get("/{id}", s.handleGetPlan)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
		})
		r.Route("/assignments", func(r chi.Router) {
			r.Post("/claim", s.handleClaim)
			r.Post("/{id}/heartbeat", s.handleHeartbeat)
			r.Post("/{id}/complete", s.handleComplete)
			r.Post("/{id}/fail", s.handleFail)
		})
		r.Get("/metrics", s.handleMetrics)
		r.Get("/events", s.handleListEvents)
	})

	return r
}

func (s *Server) handleIngestPlan(w http.ResponseWriter, r *http.Request) {
	var req plan.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &task.MalformedPlanError{Reason: "invalid JSON: " + err.Error()})
		return
	}

	// A resubmitted source request replays the original receipt; report
	// that as 200 rather than 201.
	status := http.StatusCreated
	if req.SourceRequestID != "" {
		if _, err := s.store.GetPlanBySourceRequest(r.Context(), req.SourceRequestID); err == nil {
			status = http.StatusOK
		}
	}

	receipt, err := s.ingestor.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, receipt)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	plans, err := s.store.ListPlans(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.store.GetPlan(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	subtasks, err := s.store.ListTasks(r.Context(), task.Filter{PlanID: id})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Plan     *task.Plan   `json:"plan"`
		Subtasks []*task.Task `json:"subtasks"`
	}{p, subtasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec plan.SubtaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, r, &task.MalformedPlanError{Reason: "invalid JSON: " + err.Error()})
		return
	}
	t, err := s.ingestor.IngestTask(r.Context(), spec, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	f := task.Filter{
		PlanID: r.URL.Query().Get("plan_id"),
		Type:   r.URL.Query().Get("type"),
		Limit:  queryInt(r, "limit", 100),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := task.Status(v)
		if !st.Valid() {
			writeJSON(w, http.StatusBadRequest, errBody("unknown status "+strconv.Quote(v)))
			return
		}
		f.Status = st
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errBody("since must be RFC3339"))
			return
		}
		f.Since = since
	}

	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.CancelTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type claimRequest struct {
	WorkerID     string   `json:"worker_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid JSON: "+err.Error()))
		return
	}
	if req.WorkerID == "" {
		writeJSON(w, http.StatusBadRequest, errBody("worker_id is required"))
		return
	}

	a, err := s.store.ClaimNextTask(r.Context(), req.WorkerID, req.Capabilities, s.cfg.ClaimTTL)
	if errors.Is(err, task.ErrNoCandidate) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	a, err := s.dispatcher.Heartbeat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// applyView is the wire shape of an outcome application.
type applyView struct {
	Applied bool       `json:"applied"`
	Retried bool       `json:"retried"`
	Task    *task.Task `json:"task,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Result json.RawMessage `json:"result,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid JSON: "+err.Error()))
		return
	}
	res, err := s.dispatcher.ReportComplete(r.Context(), chi.URLParam(r, "id"), body.Result)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, applyView{Applied: res.Applied, Retried: res.Retried, Task: res.Task})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid JSON: "+err.Error()))
		return
	}
	res, err := s.dispatcher.ReportFailed(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, applyView{Applied: res.Applied, Retried: res.Retried, Task: res.Task})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.monitor.Metrics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.monitor.RecentEvents(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.monitor.Health(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if report.Level == task.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeError maps domain errors onto HTTP statuses. Unclassified errors are
// 500s and get logged; the client sees a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var malformed *task.MalformedPlanError
	var conflict *task.SynchronizationConflict
	switch {
	case errors.As(err, &malformed):
		writeJSON(w, http.StatusBadRequest, errBody(malformed.Error()))
	case errors.Is(err, task.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errBody(err.Error()))
	case errors.Is(err, task.ErrLeaseReleased):
		writeJSON(w, http.StatusConflict, errBody(err.Error()))
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errBody(err.Error()))
	default:
		log.Ctx(r.Context()).Error().Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errBody("internal error"))
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
