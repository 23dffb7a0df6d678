package plan

import (
	"context"
	"testing"
	"time"

	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/task"
)

// completeTask drives one task through claim, lease, and completion.
func completeTask(t *testing.T, store *persistence.SQLiteStore, id string) {
	t.Helper()
	ctx := context.Background()
	if err := store.ClaimTask(ctx, id, time.Now()); err != nil {
		t.Fatalf("failed to claim %s: %v", id, err)
	}
	a, err := store.CreateAssignment(ctx, id, "test-worker", time.Minute)
	if err != nil {
		t.Fatalf("failed to lease %s: %v", id, err)
	}
	if _, err := store.CompleteAssignment(ctx, a.ID, nil); err != nil {
		t.Fatalf("failed to complete %s: %v", id, err)
	}
}

func TestResolverReadyTasks(t *testing.T) {
	ing, store, _ := newIngestor(t)
	ctx := context.Background()

	receipt, err := ing.Ingest(ctx, chainRequest("res-1"))
	if err != nil {
		t.Fatalf("failed to ingest: %v", err)
	}

	r := NewResolver(store)
	ready, err := r.ReadyTasks(ctx, 10)
	if err != nil {
		t.Fatalf("failed to query ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != receipt.TaskIDs["fetch"] {
		t.Fatalf("only the root should be ready, got %v", ready)
	}

	ok, err := r.IsReady(ctx, receipt.TaskIDs["parse"])
	if err != nil {
		t.Fatalf("failed to check readiness: %v", err)
	}
	if ok {
		t.Error("task with an open dependency must not be ready")
	}
}

func TestPromoteDependentsDiamond(t *testing.T) {
	ing, store, _ := newIngestor(t)
	ctx := context.Background()

	// A -> {B, C} -> D
	receipt, err := ing.Ingest(ctx, Request{
		Subtasks: []SubtaskSpec{
			{TempID: "a", Type: "crawl"},
			{TempID: "b", Type: "extract", DependsOn: []string{"a"}},
			{TempID: "c", Type: "extract", DependsOn: []string{"a"}},
			{TempID: "d", Type: "notify", DependsOn: []string{"b", "c"}},
		},
	})
	if err != nil {
		t.Fatalf("failed to ingest: %v", err)
	}
	r := NewResolver(store)

	completeTask(t, store, receipt.TaskIDs["a"])
	promoted, err := r.PromoteDependents(ctx, receipt.TaskIDs["a"])
	if err != nil {
		t.Fatalf("failed to promote: %v", err)
	}
	if len(promoted) != 2 {
		t.Fatalf("completing the root should promote both branches, got %v", promoted)
	}

	// D stays gated until both branches complete.
	completeTask(t, store, receipt.TaskIDs["b"])
	promoted, err = r.PromoteDependents(ctx, receipt.TaskIDs["b"])
	if err != nil {
		t.Fatalf("failed to promote: %v", err)
	}
	if len(promoted) != 0 {
		t.Fatalf("join must wait for the second branch, got %v", promoted)
	}

	completeTask(t, store, receipt.TaskIDs["c"])
	promoted, err = r.PromoteDependents(ctx, receipt.TaskIDs["c"])
	if err != nil {
		t.Fatalf("failed to promote: %v", err)
	}
	if len(promoted) != 1 || promoted[0] != receipt.TaskIDs["d"] {
		t.Fatalf("join should promote once both branches complete, got %v", promoted)
	}

	got, err := store.GetTask(ctx, receipt.TaskIDs["d"])
	if err != nil {
		t.Fatalf("failed to get join task: %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Errorf("promoted join should be queued, got %v", got.Status)
	}
}
