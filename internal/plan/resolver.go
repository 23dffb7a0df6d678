package plan

import (
	"context"
	"time"

	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/task"
)

// Resolver answers readiness questions for the scheduler. All checks run as
// single set-based queries in the store; readiness is never computed by
// walking tasks one at a time.
type Resolver struct {
	store persistence.Store
}

// NewResolver creates a dependency resolver over the store.
func NewResolver(store persistence.Store) *Resolver {
	return &Resolver{store: store}
}

// ReadyTasks returns up to limit tasks whose dependencies are all completed,
// ordered by priority then age.
func (r *Resolver) ReadyTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	return r.store.ReadyTasks(ctx, limit, time.Now())
}

// IsReady reports whether one task is currently dispatchable.
func (r *Resolver) IsReady(ctx context.Context, id string) (bool, error) {
	return r.store.IsReady(ctx, id, time.Now())
}

// PromoteDependents finds dependents of a just-completed task whose last
// outstanding dependency that completion satisfied, and moves them from
// pending to queued. Returns the promoted ids.
func (r *Resolver) PromoteDependents(ctx context.Context, completedID string) ([]string, error) {
	candidates, err := r.store.ReadyDependents(ctx, completedID)
	if err != nil {
		return nil, err
	}

	var promoted []string
	for _, id := range candidates {
		ok, err := r.store.PromoteReady(ctx, id)
		if err != nil {
			return promoted, err
		}
		if ok {
			promoted = append(promoted, id)
		}
	}
	return promoted, nil
}
