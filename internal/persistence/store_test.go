package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hiveplan/hive/internal/task"
)

// testStore opens an in-memory store torn down with the test.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// newTask builds a task fixture with sane defaults.
func newTask(id string, status task.Status) *task.Task {
	now := time.Now().UTC().Truncate(time.Second)
	return &task.Task{
		ID:         id,
		Type:       "generic",
		Status:     status,
		Priority:   0,
		Payload:    json.RawMessage(`{}`),
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func mustCreate(t *testing.T, store *SQLiteStore, tasks ...*task.Task) {
	t.Helper()
	ctx := context.Background()
	for _, tk := range tasks {
		if err := store.CreateTask(ctx, tk); err != nil {
			t.Fatalf("failed to create task %s: %v", tk.ID, err)
		}
	}
}

func TestCreateAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	dep := newTask("dep-1", task.StatusCompleted)
	tk := newTask("task-1", task.StatusPending)
	tk.Priority = 7
	tk.Payload = json.RawMessage(`{"cmd":"build"}`)
	tk.DependsOn = []string{"dep-1"}
	mustCreate(t, store, dep, tk)

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.ID != "task-1" {
		t.Errorf("ID mismatch: got %s, want task-1", got.ID)
	}
	if got.Status != task.StatusPending {
		t.Errorf("Status mismatch: got %v, want pending", got.Status)
	}
	if got.Priority != 7 {
		t.Errorf("Priority mismatch: got %d, want 7", got.Priority)
	}
	if string(got.Payload) != `{"cmd":"build"}` {
		t.Errorf("Payload mismatch: got %s", got.Payload)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "dep-1" {
		t.Errorf("DependsOn mismatch: got %v", got.DependsOn)
	}
	if got.PlanID != "" {
		t.Errorf("standalone task should have empty plan id, got %q", got.PlanID)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), "nope")
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateTaskDanglingDependency(t *testing.T) {
	store := testStore(t)

	tk := newTask("dangling", task.StatusPending)
	tk.DependsOn = []string{"ghost"}
	err := store.CreateTask(context.Background(), tk)
	if err == nil {
		t.Fatal("expected error for dependency on non-existent task, got nil")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("expected dangling dependency error, got: %v", err)
	}
}

func TestReadyTasksDependencyGating(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	done := newTask("done", task.StatusCompleted)
	open := newTask("open", task.StatusRunning)
	ready := newTask("ready", task.StatusQueued)
	ready.DependsOn = []string{"done"}
	gated := newTask("gated", task.StatusPending)
	gated.DependsOn = []string{"done", "open"}
	mustCreate(t, store, done, open, ready, gated)

	got, err := store.ReadyTasks(ctx, 10, time.Now())
	if err != nil {
		t.Fatalf("failed to query ready tasks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 ready task, got %d", len(got))
	}
	if got[0].ID != "ready" {
		t.Errorf("expected task 'ready', got %s", got[0].ID)
	}

	ok, err := store.IsReady(ctx, "gated", time.Now())
	if err != nil {
		t.Fatalf("failed to check readiness: %v", err)
	}
	if ok {
		t.Error("task with an incomplete dependency should not be ready")
	}
}

func TestReadyTasksOrdering(t *testing.T) {
	store := testStore(t)

	base := time.Now().UTC().Truncate(time.Second).Add(-time.Minute)
	low := newTask("low", task.StatusQueued)
	low.CreatedAt = base
	lateHigh := newTask("late-high", task.StatusQueued)
	lateHigh.Priority = 5
	lateHigh.CreatedAt = base.Add(10 * time.Second)
	earlyHigh := newTask("early-high", task.StatusQueued)
	earlyHigh.Priority = 5
	earlyHigh.CreatedAt = base.Add(5 * time.Second)
	mustCreate(t, store, low, lateHigh, earlyHigh)

	got, err := store.ReadyTasks(context.Background(), 10, time.Now())
	if err != nil {
		t.Fatalf("failed to query ready tasks: %v", err)
	}
	var ids []string
	for _, tk := range got {
		ids = append(ids, tk.ID)
	}
	want := []string{"early-high", "late-high", "low"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d tasks, got %v", len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestReadyTasksHonorsBackoff(t *testing.T) {
	store := testStore(t)

	future := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	tk := newTask("cooling", task.StatusQueued)
	tk.AvailableAt = &future
	mustCreate(t, store, tk)

	got, err := store.ReadyTasks(context.Background(), 10, time.Now())
	if err != nil {
		t.Fatalf("failed to query ready tasks: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("task in backoff should not be ready, got %v", got[0].ID)
	}

	got, err = store.ReadyTasks(context.Background(), 10, future.Add(time.Second))
	if err != nil {
		t.Fatalf("failed to query ready tasks: %v", err)
	}
	if len(got) != 1 {
		t.Fatal("task past its backoff should be ready")
	}
}

func TestClaimTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("claim-me", task.StatusQueued))

	if err := store.ClaimTask(ctx, "claim-me", time.Now()); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}

	got, err := store.GetTask(ctx, "claim-me")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != task.StatusAssigned {
		t.Errorf("claimed task should be assigned, got %v", got.Status)
	}

	err = store.ClaimTask(ctx, "claim-me", time.Now())
	if !errors.Is(err, task.ErrNoCandidate) {
		t.Fatalf("second claim should lose with ErrNoCandidate, got %v", err)
	}
}

func TestClaimTaskConcurrent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("contested", task.StatusQueued))

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.ClaimTask(ctx, "contested", time.Now()); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("exactly one racer should win the claim, got %d", won)
	}
}

func TestClaimTaskRespectsDependencies(t *testing.T) {
	store := testStore(t)

	blocker := newTask("blocker", task.StatusRunning)
	tk := newTask("guarded", task.StatusQueued)
	tk.DependsOn = []string{"blocker"}
	mustCreate(t, store, blocker, tk)

	err := store.ClaimTask(context.Background(), "guarded", time.Now())
	if !errors.Is(err, task.ErrNoCandidate) {
		t.Fatalf("claim on a gated task must fail, got %v", err)
	}
}

func TestReleaseClaim(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("bounce", task.StatusQueued))
	if err := store.ClaimTask(ctx, "bounce", time.Now()); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if err := store.ReleaseClaim(ctx, "bounce"); err != nil {
		t.Fatalf("failed to release claim: %v", err)
	}

	got, err := store.GetTask(ctx, "bounce")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Errorf("released task should be queued again, got %v", got.Status)
	}

	var conflict *task.SynchronizationConflict
	err = store.ReleaseClaim(ctx, "bounce")
	if !errors.As(err, &conflict) {
		t.Fatalf("releasing an unclaimed task should conflict, got %v", err)
	}
}

func TestPromoteReady(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	dep := newTask("pr-dep", task.StatusRunning)
	tk := newTask("pr-task", task.StatusPending)
	tk.DependsOn = []string{"pr-dep"}
	mustCreate(t, store, dep, tk)

	promoted, err := store.PromoteReady(ctx, "pr-task")
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if promoted {
		t.Fatal("task with running dependency must not promote")
	}

	// Settle the dependency directly for the fixture.
	if _, err := store.db.ExecContext(ctx, `UPDATE tasks SET status = 'completed' WHERE id = 'pr-dep'`); err != nil {
		t.Fatalf("failed to complete dependency: %v", err)
	}

	promoted, err = store.PromoteReady(ctx, "pr-task")
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if !promoted {
		t.Fatal("task with all dependencies completed should promote")
	}

	promoted, err = store.PromoteReady(ctx, "pr-task")
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if promoted {
		t.Fatal("second promote should be a no-op")
	}
}

func TestReadyDependents(t *testing.T) {
	store := testStore(t)

	a := newTask("rd-a", task.StatusCompleted)
	b := newTask("rd-b", task.StatusCompleted)
	c := newTask("rd-c", task.StatusPending)
	c.DependsOn = []string{"rd-a", "rd-b"}
	d := newTask("rd-d", task.StatusPending)
	d.DependsOn = []string{"rd-a", "rd-open"}
	open := newTask("rd-open", task.StatusRunning)
	mustCreate(t, store, a, b, open, c, d)

	ids, err := store.ReadyDependents(context.Background(), "rd-a")
	if err != nil {
		t.Fatalf("failed to query ready dependents: %v", err)
	}
	if len(ids) != 1 || ids[0] != "rd-c" {
		t.Fatalf("expected only rd-c ready, got %v", ids)
	}
}

func TestCancelTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("cx-queued", task.StatusQueued))
	got, err := store.CancelTask(ctx, "cx-queued")
	if err != nil {
		t.Fatalf("failed to cancel queued task: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Errorf("queued task should cancel outright, got %v", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("cancelled task should have completed_at set")
	}

	mustCreate(t, store, newTask("cx-running", task.StatusQueued))
	if err := store.ClaimTask(ctx, "cx-running", time.Now()); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	got, err = store.CancelTask(ctx, "cx-running")
	if err != nil {
		t.Fatalf("failed to cancel in-flight task: %v", err)
	}
	if got.Status != task.StatusAssigned {
		t.Errorf("in-flight task keeps its status until the lease settles, got %v", got.Status)
	}
	if !got.CancelRequested {
		t.Error("in-flight task should carry the cancellation flag")
	}

	// Terminal tasks are left alone.
	again, err := store.CancelTask(ctx, "cx-queued")
	if err != nil {
		t.Fatalf("cancel of terminal task should be a no-op: %v", err)
	}
	if again.Status != task.StatusCancelled {
		t.Errorf("terminal status must not change, got %v", again.Status)
	}
}

func TestCancelledTaskNeverReady(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("cx-ready", task.StatusQueued))
	if _, err := store.CancelTask(ctx, "cx-ready"); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}

	got, err := store.ReadyTasks(ctx, 10, time.Now())
	if err != nil {
		t.Fatalf("failed to query ready tasks: %v", err)
	}
	if len(got) != 0 {
		t.Fatal("cancelled task must not appear in the ready set")
	}
	if err := store.ClaimTask(ctx, "cx-ready", time.Now()); !errors.Is(err, task.ErrNoCandidate) {
		t.Fatalf("claim on cancelled task must fail, got %v", err)
	}
}

func TestBlockDependentsTransitive(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := newTask("bd-a", task.StatusFailed)
	b := newTask("bd-b", task.StatusPending)
	b.DependsOn = []string{"bd-a"}
	c := newTask("bd-c", task.StatusPending)
	c.DependsOn = []string{"bd-b"}
	unrelated := newTask("bd-x", task.StatusPending)
	mustCreate(t, store, a, b, c, unrelated)

	blocked, err := store.BlockDependents(ctx, "bd-a")
	if err != nil {
		t.Fatalf("failed to block dependents: %v", err)
	}
	if len(blocked) != 2 {
		t.Fatalf("expected 2 blocked tasks, got %v", blocked)
	}
	for _, id := range []string{"bd-b", "bd-c"} {
		got, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("failed to get %s: %v", id, err)
		}
		if got.Status != task.StatusBlocked {
			t.Errorf("%s should be blocked, got %v", id, got.Status)
		}
	}
	got, err := store.GetTask(ctx, "bd-x")
	if err != nil {
		t.Fatalf("failed to get bd-x: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("unrelated task must stay pending, got %v", got.Status)
	}
}

func TestCountActive(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store,
		newTask("ca-1", task.StatusQueued),
		newTask("ca-2", task.StatusRunning),
		newTask("ca-3", task.StatusAssigned),
		newTask("ca-4", task.StatusCompleted),
	)

	n, err := store.CountActive(ctx)
	if err != nil {
		t.Fatalf("failed to count active: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 active tasks, got %d", n)
	}
}

func TestListTasksFilter(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	q1 := newTask("lt-1", task.StatusQueued)
	q1.Type = "crawl"
	q2 := newTask("lt-2", task.StatusQueued)
	q2.Type = "index"
	done := newTask("lt-3", task.StatusCompleted)
	done.Type = "crawl"
	mustCreate(t, store, q1, q2, done)

	got, err := store.ListTasks(ctx, task.Filter{Status: task.StatusQueued})
	if err != nil {
		t.Fatalf("failed to list by status: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 queued tasks, got %d", len(got))
	}

	got, err = store.ListTasks(ctx, task.Filter{Type: "crawl"})
	if err != nil {
		t.Fatalf("failed to list by type: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 crawl tasks, got %d", len(got))
	}

	got, err = store.ListTasks(ctx, task.Filter{Status: task.StatusQueued, Limit: 1})
	if err != nil {
		t.Fatalf("failed to list with limit: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected limit to cap results at 1, got %d", len(got))
	}
}
