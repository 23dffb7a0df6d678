package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hiveplan/hive/internal/events"
	"github.com/hiveplan/hive/internal/outcome"
	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/plan"
	"github.com/hiveplan/hive/internal/task"
)

func newSweepHarness(t *testing.T) (*Sweeper, *persistence.SQLiteStore, *Registry, *events.Bus) {
	t.Helper()
	store := newDispatchStore(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	reg := NewRegistry(bus)
	sync := outcome.NewSynchronizer(store, bus, plan.NewResolver(store),
		outcome.RetryPolicy{Kind: outcome.RetryFixed}, outcome.PlanContinue)
	return NewSweeper(store, sync, reg, time.Minute), store, reg, bus
}

// expireLease opens a lease that is already past its deadline.
func expireLease(t *testing.T, store *persistence.SQLiteStore, taskID, workerID string) *task.Assignment {
	t.Helper()
	createClaimed(t, store, taskID)
	a, err := store.CreateAssignment(context.Background(), taskID, workerID, -time.Second)
	if err != nil {
		t.Fatalf("failed to lease %s: %v", taskID, err)
	}
	return a
}

func TestSweepReclaimsExpiredLeases(t *testing.T) {
	sweeper, store, _, bus := newSweepHarness(t)
	ctx := context.Background()
	taskCh := bus.Subscribe(events.TopicTask, 32)

	expireLease(t, store, "t1", "w1")

	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed lease, got %d", n)
	}

	got, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Errorf("expired task should be requeued, got %v", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expiry should consume one retry, got %d", got.RetryCount)
	}

	var sawExpiry bool
	timeout := time.After(200 * time.Millisecond)
	for !sawExpiry {
		select {
		case e := <-taskCh:
			if e.EventType() == events.EventTypeLeaseExpired {
				sawExpiry = true
			}
		case <-timeout:
			t.Fatal("expected a lease expiry event")
		}
	}

	// Nothing left to reclaim.
	n, err = sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep should find nothing, got %d", n)
	}
}

func TestSweepFailsTaskWithoutBudget(t *testing.T) {
	sweeper, store, _, _ := newSweepHarness(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	tk := &task.Task{
		ID:        "doomed",
		Type:      "generic",
		Status:    task.StatusQueued,
		Payload:   []byte(`{}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateTask(ctx, tk); err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if err := store.ClaimTask(ctx, "doomed", time.Now()); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if _, err := store.CreateAssignment(ctx, "doomed", "w1", -time.Second); err != nil {
		t.Fatalf("failed to lease: %v", err)
	}

	if _, err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	got, err := store.GetTask(ctx, "doomed")
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("task without retry budget should fail, got %v", got.Status)
	}
	if !strings.Contains(got.Failure, "lease expired") {
		t.Errorf("failure should name the timeout, got %q", got.Failure)
	}
}

func TestSweepFreesWorkerSlot(t *testing.T) {
	sweeper, store, reg, _ := newSweepHarness(t)
	ctx := context.Background()

	if err := reg.Register(Worker{ID: "w1", Slots: 1}, &stubDeliverer{}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	expireLease(t, store, "t1", "w1")
	if err := reg.reserve("w1", "t1"); err != nil {
		t.Fatalf("failed to reserve: %v", err)
	}

	if _, err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if got := reg.ActiveCount("w1"); got != 0 {
		t.Errorf("sweep should free the slot, got %d occupied", got)
	}
}

func TestSweepSkipsLiveLeases(t *testing.T) {
	sweeper, store, _, _ := newSweepHarness(t)
	ctx := context.Background()

	createClaimed(t, store, "alive")
	if _, err := store.CreateAssignment(ctx, "alive", "w1", time.Hour); err != nil {
		t.Fatalf("failed to lease: %v", err)
	}

	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 0 {
		t.Errorf("live lease must not be reclaimed, got %d", n)
	}

	got, err := store.GetTask(ctx, "alive")
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Status != task.StatusAssigned {
		t.Errorf("live task should keep its claim, got %v", got.Status)
	}
}
