package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hiveplan/hive/internal/dispatch"
	"github.com/hiveplan/hive/internal/events"
	"github.com/hiveplan/hive/internal/monitor"
	"github.com/hiveplan/hive/internal/outcome"
	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/plan"
	"github.com/hiveplan/hive/internal/task"
)

type apiHarness struct {
	router http.Handler
	store  *persistence.SQLiteStore
}

func newAPIHarness(t *testing.T, th monitor.Thresholds) *apiHarness {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg := dispatch.NewRegistry(bus)
	sync := outcome.NewSynchronizer(store, bus, plan.NewResolver(store),
		outcome.RetryPolicy{Kind: outcome.RetryFixed}, outcome.PlanContinue)

	reports := dispatch.NewReportQueue(16, sync, reg)
	repCtx, repCancel := context.WithCancel(context.Background())
	reports.Start(repCtx)
	t.Cleanup(func() {
		repCancel()
		reports.Stop()
	})

	d := dispatch.NewDispatcher(store, reg, reports, dispatch.Options{LeaseTTL: time.Minute})
	ingestor := plan.NewIngestor(store, bus, 3)
	mon := monitor.New(store, th)

	srv := NewServer(store, ingestor, d, mon, Config{ClaimTTL: time.Minute})
	return &apiHarness{router: srv.Router(), store: store}
}

// do runs one request through the router and decodes the JSON response.
func (h *apiHarness) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s returned invalid JSON (%d): %s", method, path, rec.Code, rec.Body.String())
		}
	}
	return rec
}

func planBody(sourceID string, subtasks ...plan.SubtaskSpec) plan.Request {
	return plan.Request{SourceRequestID: sourceID, Subtasks: subtasks}
}

func spec(tempID, taskType string, deps ...string) plan.SubtaskSpec {
	return plan.SubtaskSpec{
		TempID:    tempID,
		Type:      taskType,
		Payload:   json.RawMessage(`{}`),
		DependsOn: deps,
	}
}

func TestIngestPlanEndpoint(t *testing.T) {
	h := newAPIHarness(t, monitor.Thresholds{})

	var receipt plan.Receipt
	rec := h.do(t, http.MethodPost, "/api/v1/plans", planBody("", spec("a", "fetch"), spec("b", "parse", "a")), &receipt)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if receipt.PlanID == "" || len(receipt.TaskIDs) != 2 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	var view struct {
		Plan     *task.Plan   `json:"plan"`
		Subtasks []*task.Task `json:"subtasks"`
	}
	rec = h.do(t, http.MethodGet, "/api/v1/plans/"+receipt.PlanID, nil, &view)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(view.Subtasks) != 2 {
		t.Errorf("expected 2 subtasks in the breakdown, got %d", len(view.Subtasks))
	}
	if view.Plan.Status != task.PlanPending {
		t.Errorf("expected a pending plan, got %v", view.Plan.Status)
	}
}

func TestIngestPlanRejectsCycle(t *testing.T) {
	h := newAPIHarness(t, monitor.Thresholds{})

	var body map[string]string
	rec := h.do(t, http.MethodPost, "/api/v1/plans", planBody("", spec("a", "fetch", "b"), spec("b", "parse", "a")), &body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a cyclic plan, got %d", rec.Code)
	}
	if !strings.Contains(body["error"], "cycle") {
		t.Errorf("expected cycle in error, got %q", body["error"])
	}
}

func TestIngestPlanReplaysDuplicateSubmission(t *testing.T) {
	h := newAPIHarness(t, monitor.Thresholds{})
	req := planBody("req-42", spec("a", "fetch"))

	var first plan.Receipt
	if rec := h.do(t, http.MethodPost, "/api/v1/plans", req, &first); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first submission, got %d", rec.Code)
	}

	var second plan.Receipt
	rec := h.do(t, http.MethodPost, "/api/v1/plans", req, &second)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", rec.Code)
	}
	if second.PlanID != first.PlanID {
		t.Errorf("replay should return the original plan id: %s vs %s", second.PlanID, first.PlanID)
	}
}

func TestPullWorkerLifecycle(t *testing.T) {
	h := newAPIHarness(t, monitor.Thresholds{})

	var created task.Task
	rec := h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"type": "fetch", "payload": map[string]any{"url": "x"}}, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if created.Status != task.StatusQueued {
		t.Fatalf("standalone task should be queued, got %v", created.Status)
	}

	var a task.Assignment
	rec = h.do(t, http.MethodPost, "/api/v1/assignments/claim", claimRequest{WorkerID: "remote-1"}, &a)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on claim, got %d: %s", rec.Code, rec.Body.String())
	}
	if a.TaskID != created.ID {
		t.Fatalf("claimed the wrong task: %s", a.TaskID)
	}

	var beat task.Assignment
	if rec := h.do(t, http.MethodPost, "/api/v1/assignments/"+a.ID+"/heartbeat", map[string]any{}, &beat); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on heartbeat, got %d", rec.Code)
	}
	if beat.CancelRequested {
		t.Error("no cancellation was requested")
	}

	var applied applyView
	rec = h.do(t, http.MethodPost, "/api/v1/assignments/"+a.ID+"/complete", map[string]any{"result": map[string]any{"ok": true}}, &applied)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on complete, got %d: %s", rec.Code, rec.Body.String())
	}
	if !applied.Applied || applied.Task.Status != task.StatusCompleted {
		t.Errorf("unexpected apply view: %+v", applied)
	}

	// Queue is empty now.
	if rec := h.do(t, http.MethodPost, "/api/v1/assignments/claim", claimRequest{WorkerID: "remote-1"}, nil); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 with an empty queue, got %d", rec.Code)
	}

	var m task.Metrics
	if rec := h.do(t, http.MethodGet, "/api/v1/metrics", nil, &m); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on metrics, got %d", rec.Code)
	}
	if m.Completed != 1 {
		t.Errorf("expected 1 completed in metrics, got %d", m.Completed)
	}
}

func TestClaimFiltersByCapability(t *testing.T) {
	h := newAPIHarness(t, monitor.Thresholds{})
	h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"type": "fetch"}, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/assignments/claim", claimRequest{WorkerID: "w", Capabilities: []string{"parse"}}, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for a capability mismatch, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/assignments/claim", claimRequest{WorkerID: "w", Capabilities: []string{"parse", "fetch"}}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for a matching capability, got %d", rec.Code)
	}
}

func TestHeartbeatOnReleasedLease(t *testing.T) {
	h := newAPIHarness(t, monitor.Thresholds{})
	h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"type": "fetch"}, nil)

	var a task.Assignment
	h.do(t, http.MethodPost, "/api/v1/assignments/claim", claimRequest{WorkerID: "w"}, &a)
	h.do(t, http.MethodPost, "/api/v1/assignments/"+a.ID+"/complete", map[string]any{}, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/assignments/"+a.ID+"/heartbeat", map[string]any{}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 heartbeating a settled lease, got %d", rec.Code)
	}
}

func TestCancelTaskEndpoint(t *testing.T) {
	h := newAPIHarness(t, monitor.Thresholds{})

	var created task.Task
	h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"type": "fetch"}, &created)

	var cancelled task.Task
	rec := h.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/cancel", nil, &cancelled)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if cancelled.Status != task.StatusCancelled {
		t.Errorf("expected cancelled, got %v", cancelled.Status)
	}

	if rec := h.do(t, http.MethodPost, "/api/v1/tasks/nope/cancel", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown task, got %d", rec.Code)
	}
}

func TestListTasksFilters(t *testing.T) {
	h := newAPIHarness(t, monitor.Thresholds{})
	h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"type": "fetch"}, nil)
	h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"type": "parse"}, nil)

	var tasks []*task.Task
	rec := h.do(t, http.MethodGet, "/api/v1/tasks?status=queued", nil, &tasks)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(tasks) != 2 {
		t.Errorf("expected 2 queued tasks, got %d", len(tasks))
	}

	tasks = nil
	if rec := h.do(t, http.MethodGet, "/api/v1/tasks?status=queued&type=parse", nil, &tasks); rec.Code != http.StatusOK || len(tasks) != 1 {
		t.Errorf("expected exactly the parse task, got %d tasks (status %d)", len(tasks), rec.Code)
	}

	if rec := h.do(t, http.MethodGet, "/api/v1/tasks?status=bogus", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown status, got %d", rec.Code)
	}
}

func TestHealthzReportsCritical(t *testing.T) {
	h := newAPIHarness(t, monitor.Thresholds{QueueDepthWarning: 1, QueueDepthCritical: 1})

	var report task.HealthReport
	if rec := h.do(t, http.MethodGet, "/healthz", nil, &report); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on an idle pipeline, got %d", rec.Code)
	}
	if report.Level != task.HealthHealthy {
		t.Errorf("expected healthy, got %v", report.Level)
	}

	h.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"type": "fetch"}, nil)

	rec := h.do(t, http.MethodGet, "/healthz", nil, &report)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when critical, got %d", rec.Code)
	}
	if report.Level != task.HealthCritical {
		t.Errorf("expected critical, got %v", report.Level)
	}
}

func TestListEventsEndpoint(t *testing.T) {
	h := newAPIHarness(t, monitor.Thresholds{})

	h.do(t, http.MethodPost, "/api/v1/plans", planBody("", spec("a", "fetch")), nil)

	var evs []*persistence.EventRecord
	if rec := h.do(t, http.MethodGet, "/api/v1/events?limit=10", nil, &evs); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(evs) == 0 {
		t.Fatal("expected ingestion to leave events in the log")
	}
	types := make(map[string]bool, len(evs))
	for _, ev := range evs {
		types[ev.Type] = true
	}
	if !types[persistence.EventPlanIngested] || !types[persistence.EventTaskQueued] {
		t.Errorf("event log missing ingestion entries, got %v", types)
	}
}
