package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hiveplan/hive/internal/events"
	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/task"
)

// SubtaskSpec is one subtask in a submitted plan. TempID is the caller's
// name for the subtask; depends_on refers to other TempIDs in the same
// request.
type SubtaskSpec struct {
	TempID     string          `json:"temp_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Priority   *int            `json:"priority,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

// Request is a plan submission.
type Request struct {
	SourceRequestID string        `json:"source_request_id,omitempty"`
	Priority        int           `json:"priority"`
	Subtasks        []SubtaskSpec `json:"subtasks"`
}

// Receipt maps the caller's temp ids to the persisted task ids.
type Receipt struct {
	PlanID  string            `json:"plan_id"`
	TaskIDs map[string]string `json:"task_ids"`
}

// Ingestor validates plan submissions and persists them atomically. A plan
// is accepted whole or rejected whole; there is no partial ingestion.
type Ingestor struct {
	store             persistence.Store
	bus               *events.Bus
	defaultMaxRetries int
}

// NewIngestor creates a plan ingestor.
func NewIngestor(store persistence.Store, bus *events.Bus, defaultMaxRetries int) *Ingestor {
	return &Ingestor{
		store:             store,
		bus:               bus,
		defaultMaxRetries: defaultMaxRetries,
	}
}

// planNamespace scopes deterministic ids derived from source request ids, so
// a retried submission maps to the same plan and task ids.
var planNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("hiveplan"))

func derivePlanID(sourceRequestID string) string {
	if sourceRequestID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(planNamespace, []byte("plan:"+sourceRequestID)).String()
}

func deriveTaskID(sourceRequestID, tempID string) string {
	if sourceRequestID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(planNamespace, []byte("task:"+sourceRequestID+":"+tempID)).String()
}

// Ingest validates and persists a plan. Structural problems (no subtasks,
// duplicate or unknown temp ids, cycles) return MalformedPlanError and leave
// nothing behind. Resubmitting the same SourceRequestID returns the original
// receipt instead of a second plan.
func (i *Ingestor) Ingest(ctx context.Context, req Request) (*Receipt, error) {
	if len(req.Subtasks) == 0 {
		return nil, &task.MalformedPlanError{Reason: "plan has no subtasks"}
	}

	g := NewGraph()
	for _, spec := range req.Subtasks {
		if spec.TempID == "" {
			return nil, &task.MalformedPlanError{Reason: "subtask without temp_id"}
		}
		if spec.Type == "" {
			return nil, &task.MalformedPlanError{Reason: fmt.Sprintf("subtask %q has no type", spec.TempID)}
		}
		if err := g.Add(spec.TempID, spec.DependsOn); err != nil {
			return nil, &task.MalformedPlanError{Reason: err.Error()}
		}
	}

	order, err := g.Validate()
	if err != nil {
		return nil, &task.MalformedPlanError{Reason: err.Error()}
	}

	now := time.Now().UTC().Truncate(time.Second)
	planID := derivePlanID(req.SourceRequestID)

	taskIDs := make(map[string]string, len(req.Subtasks))
	for _, spec := range req.Subtasks {
		taskIDs[spec.TempID] = deriveTaskID(req.SourceRequestID, spec.TempID)
	}

	specByTemp := make(map[string]SubtaskSpec, len(req.Subtasks))
	for _, spec := range req.Subtasks {
		specByTemp[spec.TempID] = spec
	}

	// Build rows in validated order so each dependency row precedes its
	// dependents inside the insert transaction.
	tasks := make([]*task.Task, 0, len(order))
	for _, tempID := range order {
		spec := specByTemp[tempID]
		t := &task.Task{
			ID:         taskIDs[tempID],
			PlanID:     planID,
			Type:       spec.Type,
			Status:     task.StatusPending,
			Priority:   req.Priority,
			Payload:    spec.Payload,
			MaxRetries: i.defaultMaxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if spec.Priority != nil {
			t.Priority = *spec.Priority
		}
		if spec.MaxRetries != nil {
			t.MaxRetries = *spec.MaxRetries
		}
		for _, depTemp := range spec.DependsOn {
			t.DependsOn = append(t.DependsOn, taskIDs[depTemp])
		}
		if len(t.DependsOn) == 0 {
			t.Status = task.StatusQueued
		}
		tasks = append(tasks, t)
	}

	// SubtaskIDs keep the caller's submission order, independent of the
	// insert order.
	p := &task.Plan{
		ID:              planID,
		SourceRequestID: req.SourceRequestID,
		Status:          task.PlanPending,
		CreatedAt:       now,
	}
	for _, spec := range req.Subtasks {
		p.SubtaskIDs = append(p.SubtaskIDs, taskIDs[spec.TempID])
	}

	if err := i.store.CreatePlan(ctx, p, tasks); err != nil {
		if errors.Is(err, persistence.ErrDuplicatePlan) {
			return i.replayReceipt(ctx, req, taskIDs)
		}
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	log.Ctx(ctx).Info().
		Str("plan_id", planID).
		Str("source_request_id", req.SourceRequestID).
		Int("subtasks", len(tasks)).
		Msg("plan ingested")

	i.bus.Publish(events.TopicPlan, events.PlanIngestedEvent{
		PlanID:          planID,
		SourceRequestID: req.SourceRequestID,
		TaskCount:       len(tasks),
		Timestamp:       now,
	})
	for _, t := range tasks {
		if t.Status == task.StatusQueued {
			i.bus.Publish(events.TopicTask, events.TaskQueuedEvent{
				ID:        t.ID,
				PlanID:    planID,
				Timestamp: now,
			})
		}
	}

	return &Receipt{PlanID: planID, TaskIDs: taskIDs}, nil
}

// replayReceipt rebuilds the receipt for a plan that already exists. Ids are
// derived from the source request, so a matching resubmission reproduces the
// original mapping; a mismatched one is rejected.
func (i *Ingestor) replayReceipt(ctx context.Context, req Request, taskIDs map[string]string) (*Receipt, error) {
	existing, err := i.store.GetPlanBySourceRequest(ctx, req.SourceRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve duplicate plan: %w", err)
	}

	known := make(map[string]bool, len(existing.SubtaskIDs))
	for _, id := range existing.SubtaskIDs {
		known[id] = true
	}
	if len(taskIDs) != len(existing.SubtaskIDs) {
		return nil, &task.MalformedPlanError{
			Reason: fmt.Sprintf("source request %s already ingested with a different shape", req.SourceRequestID),
		}
	}
	for _, id := range taskIDs {
		if !known[id] {
			return nil, &task.MalformedPlanError{
				Reason: fmt.Sprintf("source request %s already ingested with a different shape", req.SourceRequestID),
			}
		}
	}

	log.Ctx(ctx).Debug().
		Str("plan_id", existing.ID).
		Str("source_request_id", req.SourceRequestID).
		Msg("duplicate plan submission replayed")

	return &Receipt{PlanID: existing.ID, TaskIDs: taskIDs}, nil
}

// IngestTask persists a standalone task outside any plan. Dependencies refer
// to existing task ids. The task enters the queue immediately when it has no
// dependencies; otherwise it waits as pending and is promoted when they
// complete.
func (i *Ingestor) IngestTask(ctx context.Context, spec SubtaskSpec, priority int) (*task.Task, error) {
	if spec.Type == "" {
		return nil, &task.MalformedPlanError{Reason: "task has no type"}
	}

	now := time.Now().UTC().Truncate(time.Second)
	t := &task.Task{
		ID:         uuid.NewString(),
		Type:       spec.Type,
		Status:     task.StatusPending,
		Priority:   priority,
		Payload:    spec.Payload,
		DependsOn:  spec.DependsOn,
		MaxRetries: i.defaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if spec.Priority != nil {
		t.Priority = *spec.Priority
	}
	if spec.MaxRetries != nil {
		t.MaxRetries = *spec.MaxRetries
	}
	if len(t.DependsOn) == 0 {
		t.Status = task.StatusQueued
	}

	if err := i.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	// Dependencies may already be satisfied.
	if t.Status == task.StatusPending {
		promoted, err := i.store.PromoteReady(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if promoted {
			t.Status = task.StatusQueued
		}
	}

	log.Ctx(ctx).Info().
		Str("task_id", t.ID).
		Str("type", t.Type).
		Msg("task ingested")

	if t.Status == task.StatusQueued {
		i.bus.Publish(events.TopicTask, events.TaskQueuedEvent{
			ID:        t.ID,
			Timestamp: now,
		})
	}

	return t, nil
}
