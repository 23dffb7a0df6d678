package outcome

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hiveplan/hive/internal/events"
	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/plan"
	"github.com/hiveplan/hive/internal/task"
)

// immediateRetry removes the backoff so tests can reclaim right away.
var immediateRetry = RetryPolicy{Kind: RetryFixed, Base: 0, Cap: 0}

func newSynchronizer(t *testing.T, retry RetryPolicy, pol PlanPolicy) (*Synchronizer, *persistence.SQLiteStore, *events.Bus) {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	bus := events.NewBus()
	t.Cleanup(func() {
		bus.Close()
		store.Close()
	})
	return NewSynchronizer(store, bus, plan.NewResolver(store), retry, pol), store, bus
}

func makeTask(t *testing.T, store *persistence.SQLiteStore, id string, maxRetries int, deps ...string) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	status := task.StatusQueued
	if len(deps) > 0 {
		status = task.StatusPending
	}
	tk := &task.Task{
		ID:         id,
		Type:       "generic",
		Status:     status,
		Payload:    json.RawMessage(`{}`),
		DependsOn:  deps,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("failed to create task %s: %v", id, err)
	}
}

// lease claims the given task and opens a lease for it.
func lease(t *testing.T, store *persistence.SQLiteStore, id string) *task.Assignment {
	t.Helper()
	ctx := context.Background()
	if err := store.ClaimTask(ctx, id, time.Now()); err != nil {
		t.Fatalf("failed to claim %s: %v", id, err)
	}
	a, err := store.CreateAssignment(ctx, id, "test-worker", time.Minute)
	if err != nil {
		t.Fatalf("failed to lease %s: %v", id, err)
	}
	if err := store.StartAssignment(ctx, a.ID); err != nil {
		t.Fatalf("failed to start %s: %v", id, err)
	}
	return a
}

func drainTypes(ch <-chan events.Event) map[string]int {
	types := make(map[string]int)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return types
			}
			types[e.EventType()]++
		case <-time.After(50 * time.Millisecond):
			return types
		}
	}
}

func TestApplyCompletionPromotesDependents(t *testing.T) {
	s, store, bus := newSynchronizer(t, DefaultRetryPolicy(), PlanContinue)
	ctx := context.Background()
	taskCh := bus.Subscribe(events.TopicTask, 32)

	makeTask(t, store, "root", 3)
	makeTask(t, store, "next", 3, "root")

	a := lease(t, store, "root")
	res, err := s.Apply(ctx, task.Report{
		AssignmentID: a.ID,
		TaskID:       "root",
		WorkerID:     "test-worker",
		Outcome:      task.OutcomeCompleted,
		Result:       json.RawMessage(`{"ok":true}`),
	})
	if err != nil {
		t.Fatalf("failed to apply completion: %v", err)
	}
	if !res.Applied {
		t.Fatal("first report should apply")
	}
	if res.Task.Status != task.StatusCompleted {
		t.Errorf("root should be completed, got %v", res.Task.Status)
	}

	next, err := store.GetTask(ctx, "next")
	if err != nil {
		t.Fatalf("failed to get dependent: %v", err)
	}
	if next.Status != task.StatusQueued {
		t.Errorf("dependent should be promoted to queued, got %v", next.Status)
	}

	types := drainTypes(taskCh)
	if types[events.EventTypeTaskCompleted] != 1 {
		t.Errorf("expected one completion event, got %d", types[events.EventTypeTaskCompleted])
	}
	if types[events.EventTypeTaskUnblocked] != 1 {
		t.Errorf("expected one unblock event, got %d", types[events.EventTypeTaskUnblocked])
	}
}

func TestApplyIdempotent(t *testing.T) {
	s, store, bus := newSynchronizer(t, DefaultRetryPolicy(), PlanContinue)
	ctx := context.Background()
	taskCh := bus.Subscribe(events.TopicTask, 32)

	makeTask(t, store, "once", 3)
	a := lease(t, store, "once")

	rep := task.Report{AssignmentID: a.ID, TaskID: "once", Outcome: task.OutcomeCompleted}
	if _, err := s.Apply(ctx, rep); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	res, err := s.Apply(ctx, rep)
	if err != nil {
		t.Fatalf("duplicate report should not error: %v", err)
	}
	if res.Applied {
		t.Fatal("duplicate report must be a no-op")
	}

	types := drainTypes(taskCh)
	if types[events.EventTypeTaskCompleted] != 1 {
		t.Errorf("duplicate report must not publish again, got %d completion events",
			types[events.EventTypeTaskCompleted])
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	s, store, _ := newSynchronizer(t, immediateRetry, PlanContinue)
	ctx := context.Background()

	makeTask(t, store, "flaky", 2)

	// Failures one and two are absorbed by the retry budget.
	for want := 1; want <= 2; want++ {
		a := lease(t, store, "flaky")
		res, err := s.Apply(ctx, task.Report{
			AssignmentID: a.ID,
			TaskID:       "flaky",
			Outcome:      task.OutcomeFailed,
			Reason:       "boom",
		})
		if err != nil {
			t.Fatalf("failure %d: %v", want, err)
		}
		if !res.Retried {
			t.Fatalf("failure %d should retry", want)
		}
		if res.Task.RetryCount != want {
			t.Fatalf("failure %d: retry count %d", want, res.Task.RetryCount)
		}
		if res.Task.Status != task.StatusQueued {
			t.Fatalf("failure %d: status %v", want, res.Task.Status)
		}
	}

	// The third failure exhausts the budget.
	a := lease(t, store, "flaky")
	res, err := s.Apply(ctx, task.Report{
		AssignmentID: a.ID,
		TaskID:       "flaky",
		Outcome:      task.OutcomeFailed,
		Reason:       "boom",
	})
	if err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if res.Retried {
		t.Fatal("exhausted budget must not retry")
	}
	if res.Task.Status != task.StatusFailed {
		t.Errorf("task should be failed, got %v", res.Task.Status)
	}
	if res.Task.RetryCount != 2 {
		t.Errorf("retry count must not exceed the budget, got %d", res.Task.RetryCount)
	}
}

func TestLeaseExpiryCountsAsFailure(t *testing.T) {
	s, store, bus := newSynchronizer(t, immediateRetry, PlanContinue)
	ctx := context.Background()
	taskCh := bus.Subscribe(events.TopicTask, 32)

	makeTask(t, store, "silent", 2)
	a := lease(t, store, "silent")

	res, err := s.Apply(ctx, task.Report{
		AssignmentID: a.ID,
		TaskID:       "silent",
		WorkerID:     "test-worker",
		Outcome:      task.OutcomeExpired,
	})
	if err != nil {
		t.Fatalf("failed to apply expiry: %v", err)
	}
	if !res.Retried {
		t.Fatal("expired lease should requeue within the retry budget")
	}
	if res.Task.RetryCount != 1 {
		t.Errorf("expiry must consume one retry, got %d", res.Task.RetryCount)
	}

	types := drainTypes(taskCh)
	if types[events.EventTypeLeaseExpired] != 1 {
		t.Errorf("expected a lease expiry event, got %v", types)
	}
	if types[events.EventTypeTaskRetrying] != 1 {
		t.Errorf("expected a retrying event, got %v", types)
	}
}

func TestFailFastCancelsSiblings(t *testing.T) {
	s, store, bus := newSynchronizer(t, immediateRetry, PlanFailFast)
	ctx := context.Background()
	taskCh := bus.Subscribe(events.TopicTask, 32)

	ing := plan.NewIngestor(store, bus, 0)
	receipt, err := ing.Ingest(ctx, plan.Request{
		Subtasks: []plan.SubtaskSpec{
			{TempID: "a", Type: "generic"},
			{TempID: "b", Type: "generic"},
			{TempID: "c", Type: "generic"},
		},
	})
	if err != nil {
		t.Fatalf("failed to ingest: %v", err)
	}

	a := lease(t, store, receipt.TaskIDs["a"])
	res, err := s.Apply(ctx, task.Report{
		AssignmentID: a.ID,
		TaskID:       receipt.TaskIDs["a"],
		Outcome:      task.OutcomeFailed,
		Reason:       "fatal",
	})
	if err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	if res.Task.Status != task.StatusFailed {
		t.Fatalf("task a should fail terminally, got %v", res.Task.Status)
	}

	for _, temp := range []string{"b", "c"} {
		got, err := store.GetTask(ctx, receipt.TaskIDs[temp])
		if err != nil {
			t.Fatalf("failed to get %s: %v", temp, err)
		}
		if got.Status != task.StatusCancelled {
			t.Errorf("sibling %s should be cancelled under fail-fast, got %v", temp, got.Status)
		}
	}

	p, err := store.GetPlan(ctx, receipt.PlanID)
	if err != nil {
		t.Fatalf("failed to get plan: %v", err)
	}
	if p.Status != task.PlanFailed {
		t.Errorf("plan should be failed, got %v", p.Status)
	}
	if p.CompletedAt == nil {
		t.Error("fail-fast should settle the plan")
	}

	types := drainTypes(taskCh)
	if types[events.EventTypeTaskCancelled] != 2 {
		t.Errorf("expected two sibling cancellation events, got %v", types)
	}
}

func TestContinueOnErrorBlocksOnlyDescendants(t *testing.T) {
	s, store, bus := newSynchronizer(t, immediateRetry, PlanContinue)
	ctx := context.Background()

	ing := plan.NewIngestor(store, bus, 0)
	receipt, err := ing.Ingest(ctx, plan.Request{
		Subtasks: []plan.SubtaskSpec{
			{TempID: "a", Type: "generic"},
			{TempID: "b", Type: "generic", DependsOn: []string{"a"}},
			{TempID: "c", Type: "generic"},
		},
	})
	if err != nil {
		t.Fatalf("failed to ingest: %v", err)
	}

	a := lease(t, store, receipt.TaskIDs["a"])
	if _, err := s.Apply(ctx, task.Report{
		AssignmentID: a.ID,
		TaskID:       receipt.TaskIDs["a"],
		Outcome:      task.OutcomeFailed,
		Reason:       "fatal",
	}); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}

	descendant, err := store.GetTask(ctx, receipt.TaskIDs["b"])
	if err != nil {
		t.Fatalf("failed to get descendant: %v", err)
	}
	if descendant.Status != task.StatusBlocked {
		t.Errorf("descendant should be blocked, got %v", descendant.Status)
	}

	sibling, err := store.GetTask(ctx, receipt.TaskIDs["c"])
	if err != nil {
		t.Fatalf("failed to get sibling: %v", err)
	}
	if sibling.Status != task.StatusQueued {
		t.Errorf("independent sibling should keep running, got %v", sibling.Status)
	}

	p, err := store.GetPlan(ctx, receipt.PlanID)
	if err != nil {
		t.Fatalf("failed to get plan: %v", err)
	}
	if p.Status != task.PlanFailed {
		t.Errorf("plan with a terminal failure reports failed, got %v", p.Status)
	}
}

func TestPlanStatusEdgesPublished(t *testing.T) {
	s, store, bus := newSynchronizer(t, immediateRetry, PlanContinue)
	ctx := context.Background()
	planCh := bus.Subscribe(events.TopicPlan, 32)

	ing := plan.NewIngestor(store, bus, 0)
	receipt, err := ing.Ingest(ctx, plan.Request{
		Subtasks: []plan.SubtaskSpec{{TempID: "only", Type: "generic"}},
	})
	if err != nil {
		t.Fatalf("failed to ingest: %v", err)
	}

	a := lease(t, store, receipt.TaskIDs["only"])
	if _, err := s.Apply(ctx, task.Report{
		AssignmentID: a.ID,
		TaskID:       receipt.TaskIDs["only"],
		Outcome:      task.OutcomeCompleted,
	}); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}

	var settled bool
	for {
		select {
		case e := <-planCh:
			sc, ok := e.(events.PlanStatusChangedEvent)
			if ok && sc.To == task.PlanCompleted {
				if !sc.Settled {
					t.Error("completion edge should be marked settled")
				}
				settled = true
			}
		case <-time.After(100 * time.Millisecond):
			if !settled {
				t.Fatal("expected a plan completion edge")
			}
			return
		}
	}
}

func TestCancellationReport(t *testing.T) {
	s, store, bus := newSynchronizer(t, immediateRetry, PlanContinue)
	ctx := context.Background()
	taskCh := bus.Subscribe(events.TopicTask, 32)

	makeTask(t, store, "stopme", 3)
	a := lease(t, store, "stopme")
	if _, err := store.CancelTask(ctx, "stopme"); err != nil {
		t.Fatalf("failed to request cancel: %v", err)
	}

	res, err := s.Apply(ctx, task.Report{
		AssignmentID: a.ID,
		TaskID:       "stopme",
		Outcome:      task.OutcomeCancelled,
		Reason:       "worker observed cancellation",
	})
	if err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	if res.Task.Status != task.StatusCancelled {
		t.Errorf("task should be cancelled, got %v", res.Task.Status)
	}

	types := drainTypes(taskCh)
	if types[events.EventTypeTaskCancelled] != 1 {
		t.Errorf("expected a cancellation event, got %v", types)
	}
}
