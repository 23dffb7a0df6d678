package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/task"
)

// Options configures the dispatcher.
type Options struct {
	LeaseTTL         time.Duration // lease duration granted per delivery (default 2m)
	RenewOnHeartbeat bool          // heartbeats extend the lease deadline, not just liveness
	Retry            RetryConfig   // delivery retry budget
}

// Dispatcher opens leases for claimed tasks and delivers them to workers.
// Every delivery runs through the worker's circuit breaker; a delivery that
// cannot land releases the lease again so the caller can return the claim.
// It is also the worker-facing surface for heartbeats and outcome reports.
type Dispatcher struct {
	store    persistence.Store
	registry *Registry
	reports  *ReportQueue
	breakers *breakerRegistry
	opts     Options
}

func NewDispatcher(store persistence.Store, registry *Registry, reports *ReportQueue, opts Options) *Dispatcher {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry = DefaultRetryConfig()
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		reports:  reports,
		breakers: newBreakerRegistry(),
		opts:     opts,
	}
}

// Assign hands a claimed task to the named worker and returns the lease.
// An unknown worker, a capability mismatch, a full worker, or a failed
// delivery yields a DispatchError; the task keeps its claimed status so the
// caller decides whether to return it to the queue.
func (d *Dispatcher) Assign(ctx context.Context, t *task.Task, workerID string) (*task.Assignment, error) {
	w, ok := d.registry.Get(workerID)
	if !ok {
		return nil, &task.DispatchError{TaskID: t.ID, Reason: fmt.Sprintf("unknown worker %s", workerID)}
	}
	if !w.Accepts(t.Type) {
		return nil, &task.DispatchError{TaskID: t.ID, Reason: fmt.Sprintf("worker %s does not accept %q tasks", workerID, t.Type)}
	}
	if err := d.registry.reserve(workerID, t.ID); err != nil {
		return nil, &task.DispatchError{TaskID: t.ID, Reason: err.Error()}
	}

	a, err := d.assignReserved(ctx, t, workerID)
	if err != nil {
		d.registry.Release(workerID, t.ID)
		return nil, err
	}
	return a, nil
}

// Dispatch picks a worker for a claimed task and assigns it. Workers whose
// delivery fails are skipped and the next candidate is tried; when no
// candidate remains the claim is left for the caller to unwind.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Task) (*task.Assignment, error) {
	tried := make(map[string]bool)
	for {
		workerID, err := d.registry.reserveFor(t.Type, t.ID, tried)
		if err != nil {
			return nil, &task.DispatchError{TaskID: t.ID, Reason: err.Error()}
		}

		a, err := d.assignReserved(ctx, t, workerID)
		if err == nil {
			return a, nil
		}
		d.registry.Release(workerID, t.ID)

		var de *task.DispatchError
		if !errors.As(err, &de) {
			return nil, err
		}
		tried[workerID] = true
		log.Ctx(ctx).Warn().
			Str("task_id", t.ID).
			Str("worker_id", workerID).
			Str("reason", de.Reason).
			Msg("delivery failed, trying next worker")
	}
}

// assignReserved opens the lease and delivers it. The caller has already
// reserved a slot on the worker and releases it if an error comes back.
func (d *Dispatcher) assignReserved(ctx context.Context, t *task.Task, workerID string) (*task.Assignment, error) {
	a, err := d.store.CreateAssignment(ctx, t.ID, workerID, d.opts.LeaseTTL)
	if err != nil {
		return nil, err
	}

	deliver, ok := d.registry.delivererOf(workerID)
	if !ok {
		// Worker deregistered between reserve and delivery.
		d.abort(ctx, a.ID)
		return nil, &task.DispatchError{TaskID: t.ID, Reason: fmt.Sprintf("worker %s went away", workerID)}
	}

	if err := deliverWithRetry(ctx, deliver, a, d.breakers.get(workerID), d.opts.Retry); err != nil {
		d.abort(ctx, a.ID)
		return nil, &task.DispatchError{TaskID: t.ID, Reason: fmt.Sprintf("delivery to %s failed: %v", workerID, err)}
	}

	log.Ctx(ctx).Debug().
		Str("task_id", t.ID).
		Str("worker_id", workerID).
		Str("assignment_id", a.ID).
		Msg("task dispatched")
	return a, nil
}

func (d *Dispatcher) abort(ctx context.Context, assignmentID string) {
	if err := d.store.AbortAssignment(ctx, assignmentID); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("assignment_id", assignmentID).
			Msg("failed to abort undelivered assignment")
	}
}

// Start records that the worker began executing the assignment.
func (d *Dispatcher) Start(ctx context.Context, assignmentID string) error {
	return d.store.StartAssignment(ctx, assignmentID)
}

// Heartbeat records worker liveness for the assignment. The lease deadline
// moves only when RenewOnHeartbeat is enabled.
func (d *Dispatcher) Heartbeat(ctx context.Context, assignmentID string) (*task.Assignment, error) {
	return d.store.HeartbeatAssignment(ctx, assignmentID, d.opts.RenewOnHeartbeat, d.opts.LeaseTTL)
}

// ReportComplete forwards a success report through the report queue.
func (d *Dispatcher) ReportComplete(ctx context.Context, assignmentID string, result json.RawMessage) (*persistence.ApplyResult, error) {
	return d.report(ctx, assignmentID, task.OutcomeCompleted, result, "")
}

// ReportFailed forwards a failure report through the report queue.
func (d *Dispatcher) ReportFailed(ctx context.Context, assignmentID, reason string) (*persistence.ApplyResult, error) {
	return d.report(ctx, assignmentID, task.OutcomeFailed, nil, reason)
}

// ReportCancelled forwards a cancellation observation through the report
// queue.
func (d *Dispatcher) ReportCancelled(ctx context.Context, assignmentID, reason string) (*persistence.ApplyResult, error) {
	return d.report(ctx, assignmentID, task.OutcomeCancelled, nil, reason)
}

func (d *Dispatcher) report(ctx context.Context, assignmentID string, outcome task.Outcome, result json.RawMessage, reason string) (*persistence.ApplyResult, error) {
	a, err := d.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	return d.reports.Submit(ctx, task.Report{
		AssignmentID: assignmentID,
		TaskID:       a.TaskID,
		WorkerID:     a.WorkerID,
		Outcome:      outcome,
		Result:       result,
		Reason:       reason,
	})
}

// ReleaseSlot frees the slot a task held on a worker once its lease is
// settled. Reports and the lease sweeper call this after applying an
// outcome.
func (d *Dispatcher) ReleaseSlot(workerID, taskID string) {
	d.registry.Release(workerID, taskID)
}
