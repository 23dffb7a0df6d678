package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/hiveplan/hive/internal/events"
	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/plan"
	"github.com/hiveplan/hive/internal/task"
)

// Synchronizer applies worker outcome reports to the store and fans the
// consequences out: dependent promotion, downstream blocking, plan policy,
// and bus notifications. Reports are idempotent; applying the same report
// twice changes nothing.
type Synchronizer struct {
	store      persistence.Store
	bus        *events.Bus
	resolver   *plan.Resolver
	retry      RetryPolicy
	planPolicy PlanPolicy
	locks      *taskLocks
}

// NewSynchronizer creates an outcome synchronizer.
func NewSynchronizer(store persistence.Store, bus *events.Bus, resolver *plan.Resolver, retry RetryPolicy, planPolicy PlanPolicy) *Synchronizer {
	return &Synchronizer{
		store:      store,
		bus:        bus,
		resolver:   resolver,
		retry:      retry,
		planPolicy: planPolicy,
		locks:      newTaskLocks(),
	}
}

// conflictBackoff retries transactions that lost a conditional-update race.
// Conflicts resolve in one or two re-reads; anything persistent is a bug
// surfaced by the retry cap.
func (s *Synchronizer) conflictBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(25*time.Millisecond), 5), ctx)
}

// Apply processes one outcome report. The per-task lock serializes racing
// reports in-process; the store's conditional updates guard everything else.
func (s *Synchronizer) Apply(ctx context.Context, rep task.Report) (*persistence.ApplyResult, error) {
	a, err := s.store.GetAssignment(ctx, rep.AssignmentID)
	if err != nil {
		return nil, err
	}

	s.locks.Lock(a.TaskID)
	defer s.locks.Unlock(a.TaskID)

	switch rep.Outcome {
	case task.OutcomeCompleted:
		return s.applyCompletion(ctx, rep, a.TaskID)
	case task.OutcomeFailed, task.OutcomeExpired:
		return s.applyFailure(ctx, rep, a.TaskID)
	case task.OutcomeCancelled:
		return s.applyCancellation(ctx, rep, a.TaskID)
	default:
		return nil, fmt.Errorf("unknown outcome %q for assignment %s", rep.Outcome, rep.AssignmentID)
	}
}

func (s *Synchronizer) applyCompletion(ctx context.Context, rep task.Report, taskID string) (*persistence.ApplyResult, error) {
	var res *persistence.ApplyResult
	op := func() error {
		r, err := s.store.CompleteAssignment(ctx, rep.AssignmentID, rep.Result)
		if err != nil {
			var conflict *task.SynchronizationConflict
			if errors.As(err, &conflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}
	if err := backoff.Retry(op, s.conflictBackoff(ctx)); err != nil {
		return nil, err
	}
	if !res.Applied {
		log.Ctx(ctx).Debug().Str("task_id", taskID).Msg("duplicate completion report ignored")
		return res, nil
	}

	now := time.Now()
	s.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
		ID:        taskID,
		PlanID:    res.Task.PlanID,
		Timestamp: now,
	})

	// Completion may satisfy the last dependency of waiting tasks.
	promoted, err := s.resolver.PromoteDependents(ctx, taskID)
	if err != nil {
		return res, fmt.Errorf("failed to promote dependents of %s: %w", taskID, err)
	}
	for _, id := range promoted {
		s.bus.Publish(events.TopicTask, events.TaskUnblockedEvent{ID: id, Timestamp: now})
	}

	s.publishPlanTransition(res.Task.PlanID, res.PlanWas, res.PlanNow, res.PlanSettled, now)

	log.Ctx(ctx).Info().
		Str("task_id", taskID).
		Int("unblocked", len(promoted)).
		Msg("task completed")
	return res, nil
}

func (s *Synchronizer) applyFailure(ctx context.Context, rep task.Report, taskID string) (*persistence.ApplyResult, error) {
	expired := rep.Outcome == task.OutcomeExpired
	reason := rep.Reason
	if reason == "" && expired {
		reason = (&task.WorkerTimeoutError{AssignmentID: rep.AssignmentID, TaskID: taskID}).Error()
	}

	var res *persistence.ApplyResult
	op := func() error {
		t, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return backoff.Permanent(err)
		}

		// The retry decision and backoff come from the snapshot we read;
		// the store verifies the snapshot is still current.
		retry := t.RetryCount < t.MaxRetries && !t.CancelRequested
		retryAt := time.Now().Add(s.retry.Delay(t.ID, t.RetryCount+1))

		r, err := s.store.FailAssignment(ctx, rep.AssignmentID, reason, retry, retryAt, t.RetryCount, expired)
		if err != nil {
			var conflict *task.SynchronizationConflict
			if errors.As(err, &conflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}
	if err := backoff.Retry(op, s.conflictBackoff(ctx)); err != nil {
		return nil, err
	}
	if !res.Applied {
		log.Ctx(ctx).Debug().Str("task_id", taskID).Msg("duplicate failure report ignored")
		return res, nil
	}

	now := time.Now()
	if expired {
		s.bus.Publish(events.TopicTask, events.LeaseExpiredEvent{
			AssignmentID: rep.AssignmentID,
			ID:           taskID,
			WorkerID:     rep.WorkerID,
			Timestamp:    now,
		})
	}

	switch {
	case res.Retried:
		var nextAt time.Time
		if res.Task.AvailableAt != nil {
			nextAt = *res.Task.AvailableAt
		}
		s.bus.Publish(events.TopicTask, events.TaskRetryingEvent{
			ID:        taskID,
			PlanID:    res.Task.PlanID,
			Attempt:   res.Task.RetryCount,
			NextAt:    nextAt,
			Reason:    reason,
			Timestamp: now,
		})
		log.Ctx(ctx).Warn().
			Str("task_id", taskID).
			Int("attempt", res.Task.RetryCount).
			Int("max_retries", res.Task.MaxRetries).
			Str("reason", reason).
			Msg("task failed, retrying")

	case res.Task.Status == task.StatusCancelled:
		s.bus.Publish(events.TopicTask, events.TaskCancelledEvent{
			ID:        taskID,
			PlanID:    res.Task.PlanID,
			Timestamp: now,
		})

	default:
		s.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:        taskID,
			PlanID:    res.Task.PlanID,
			Reason:    reason,
			Timestamp: now,
		})
		log.Ctx(ctx).Error().
			Str("task_id", taskID).
			Str("reason", reason).
			Msg("task failed terminally")
		if err := s.failureFanout(ctx, res.Task, now); err != nil {
			return res, err
		}
	}

	s.publishPlanTransition(res.Task.PlanID, res.PlanWas, res.PlanNow, res.PlanSettled, now)
	if res.Task.PlanID != "" && s.planPolicy == PlanFailFast && res.Task.Status == task.StatusFailed {
		// The sibling sweep above may have moved the plan again.
		if p, err := s.store.GetPlan(ctx, res.Task.PlanID); err == nil && p.Status != res.PlanNow {
			s.publishPlanTransition(p.ID, res.PlanNow, p.Status, p.CompletedAt != nil, now)
		}
	}
	return res, nil
}

// failureFanout blocks descendants of a terminal failure and, under the
// fail-fast policy, withdraws the plan's remaining work.
func (s *Synchronizer) failureFanout(ctx context.Context, t *task.Task, now time.Time) error {
	blocked, err := s.store.BlockDependents(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("failed to block dependents of %s: %w", t.ID, err)
	}
	for _, id := range blocked {
		s.bus.Publish(events.TopicTask, events.TaskBlockedEvent{
			ID:         id,
			UpstreamID: t.ID,
			Timestamp:  now,
		})
	}

	if t.PlanID == "" || s.planPolicy != PlanFailFast {
		return nil
	}

	cancelled, flagged, err := s.store.CancelPlanSiblings(ctx, t.PlanID)
	if err != nil {
		return fmt.Errorf("failed to cancel plan %s siblings: %w", t.PlanID, err)
	}
	for _, id := range cancelled {
		s.bus.Publish(events.TopicTask, events.TaskCancelledEvent{
			ID:        id,
			PlanID:    t.PlanID,
			Timestamp: now,
		})
	}
	for _, id := range flagged {
		s.bus.Publish(events.TopicTask, events.TaskCancelRequestedEvent{ID: id, Timestamp: now})
	}
	if len(cancelled)+len(flagged) > 0 {
		log.Ctx(ctx).Warn().
			Str("plan_id", t.PlanID).
			Int("cancelled", len(cancelled)).
			Int("flagged", len(flagged)).
			Msg("plan fail-fast withdrew remaining subtasks")
	}
	return nil
}

func (s *Synchronizer) applyCancellation(ctx context.Context, rep task.Report, taskID string) (*persistence.ApplyResult, error) {
	var res *persistence.ApplyResult
	op := func() error {
		r, err := s.store.CancelAssignment(ctx, rep.AssignmentID, rep.Reason)
		if err != nil {
			var conflict *task.SynchronizationConflict
			if errors.As(err, &conflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}
	if err := backoff.Retry(op, s.conflictBackoff(ctx)); err != nil {
		return nil, err
	}
	if !res.Applied {
		return res, nil
	}

	now := time.Now()
	s.bus.Publish(events.TopicTask, events.TaskCancelledEvent{
		ID:        taskID,
		PlanID:    res.Task.PlanID,
		Timestamp: now,
	})
	s.publishPlanTransition(res.Task.PlanID, res.PlanWas, res.PlanNow, res.PlanSettled, now)
	return res, nil
}

func (s *Synchronizer) publishPlanTransition(planID string, was, now task.PlanStatus, settled bool, at time.Time) {
	if planID == "" || was == now {
		return
	}
	s.bus.Publish(events.TopicPlan, events.PlanStatusChangedEvent{
		PlanID:    planID,
		From:      was,
		To:        now,
		Settled:   settled,
		Timestamp: at,
	})
}
