// Package scheduler drives the claim loop. On every tick the queen measures
// free capacity, pulls ready tasks in priority order, claims each one with a
// conditional update, and hands the claim to the dispatcher. The store is
// the only arbiter: a claim that races away is skipped, never retried inside
// the same tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hiveplan/hive/internal/events"
	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/plan"
	"github.com/hiveplan/hive/internal/task"
)

// Dispatcher hands a claimed task to a worker. A DispatchError means no
// worker could take the task; any other error aborts the tick.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *task.Task) (*task.Assignment, error)
}

// Config tunes the queen's loop.
type Config struct {
	MaxConcurrent int           // in-flight task ceiling (default 4)
	TickInterval  time.Duration // fallback tick cadence (default 1s)
}

// Queen owns scheduling. It never executes tasks itself; it only converts
// ready tasks into claims and claims into deliveries.
type Queen struct {
	store      persistence.Store
	resolver   *plan.Resolver
	dispatcher Dispatcher
	bus        *events.Bus
	cfg        Config
}

func NewQueen(store persistence.Store, resolver *plan.Resolver, dispatcher Dispatcher, bus *events.Bus, cfg Config) *Queen {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Queen{
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		bus:        bus,
		cfg:        cfg,
	}
}

// TickResult summarizes one scheduling pass.
type TickResult struct {
	Capacity int
	Ready    int
	Claimed  int
}

// Run ticks on a fixed interval and additionally wakes early when the bus
// announces new work or freed capacity. Returns when the context ends.
func (q *Queen) Run(ctx context.Context) error {
	taskCh := q.bus.Subscribe(events.TopicTask, 64)
	planCh := q.bus.Subscribe(events.TopicPlan, 16)
	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()

	log.Ctx(ctx).Info().
		Int("max_concurrent", q.cfg.MaxConcurrent).
		Dur("tick_interval", q.cfg.TickInterval).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
		case e, ok := <-taskCh:
			if !ok {
				taskCh = nil
				continue
			}
			if !wakesScheduler(e.EventType()) {
				continue
			}
		case e, ok := <-planCh:
			if !ok {
				planCh = nil
				continue
			}
			if e.EventType() != events.EventTypePlanIngested {
				continue
			}
		}

		if _, err := q.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Ctx(ctx).Error().Err(err).Msg("scheduling tick failed")
		}
	}
}

// wakesScheduler reports whether a task event can change what a tick would
// find: new queued work or freed capacity.
func wakesScheduler(eventType string) bool {
	switch eventType {
	case events.EventTypeTaskQueued, events.EventTypeTaskUnblocked,
		events.EventTypeTaskCompleted, events.EventTypeTaskFailed,
		events.EventTypeTaskCancelled:
		return true
	}
	return false
}

// Tick runs one scheduling pass: capacity, ready set, claim, dispatch. A
// store error aborts the remaining batch; tasks already claimed in this
// tick keep their claims and the lease sweep recovers them if the process
// dies before they are delivered.
func (q *Queen) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	active, err := q.store.CountActive(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to count active tasks: %w", err)
	}
	res.Capacity = q.cfg.MaxConcurrent - active
	if res.Capacity <= 0 {
		return res, nil
	}

	ready, err := q.resolver.ReadyTasks(ctx, res.Capacity)
	if err != nil {
		return res, fmt.Errorf("failed to list ready tasks: %w", err)
	}
	res.Ready = len(ready)

	for _, t := range ready {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if t.Status == task.StatusPending {
			promoted, err := q.store.PromoteReady(ctx, t.ID)
			if err != nil {
				return res, fmt.Errorf("failed to promote task %s: %w", t.ID, err)
			}
			if !promoted {
				continue
			}
			q.bus.Publish(events.TopicTask, events.TaskQueuedEvent{
				ID:        t.ID,
				PlanID:    t.PlanID,
				Timestamp: time.Now().UTC(),
			})
		}

		if err := q.store.ClaimTask(ctx, t.ID, time.Now()); err != nil {
			if errors.Is(err, task.ErrNoCandidate) {
				continue // another consumer won the claim
			}
			return res, fmt.Errorf("failed to claim task %s: %w", t.ID, err)
		}

		a, err := q.dispatcher.Dispatch(ctx, t)
		if err != nil {
			q.returnClaim(ctx, t.ID)
			var de *task.DispatchError
			if errors.As(err, &de) {
				log.Ctx(ctx).Warn().
					Str("task_id", t.ID).
					Str("reason", de.Reason).
					Msg("no worker took the task, claim returned")
				continue
			}
			return res, fmt.Errorf("failed to dispatch task %s: %w", t.ID, err)
		}

		q.bus.Publish(events.TopicTask, events.TaskClaimedEvent{
			ID:        t.ID,
			WorkerID:  a.WorkerID,
			Timestamp: time.Now().UTC(),
		})
		res.Claimed++
	}

	q.bus.Publish(events.TopicScheduler, events.SchedulerTickEvent{
		Capacity:  res.Capacity,
		Ready:     res.Ready,
		Claimed:   res.Claimed,
		Timestamp: time.Now().UTC(),
	})
	return res, nil
}

func (q *Queen) returnClaim(ctx context.Context, taskID string) {
	if err := q.store.ReleaseClaim(ctx, taskID); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("task_id", taskID).
			Msg("failed to return claim to the queue")
	}
}
