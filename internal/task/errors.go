package task

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the store and matched with errors.Is.
var (
	// ErrNotFound indicates the referenced task, plan, or assignment does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoCandidate indicates a claim attempt found no eligible task.
	ErrNoCandidate = errors.New("no claimable task")

	// ErrLeaseReleased indicates an operation on an assignment whose lease
	// has already been closed.
	ErrLeaseReleased = errors.New("lease already released")
)

// MalformedPlanError rejects a plan submission whose structure is invalid
// (cycle, dangling reference, duplicate key). Nothing is persisted.
type MalformedPlanError struct {
	Reason string
}

func (e *MalformedPlanError) Error() string {
	return fmt.Sprintf("malformed plan: %s", e.Reason)
}

// DispatchError indicates a claimed task could not be handed to any worker;
// the task is returned to queued and picked up on a later tick.
type DispatchError struct {
	TaskID string
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch task %s: %s", e.TaskID, e.Reason)
}

// WorkerTimeoutError indicates a lease expired without a heartbeat or report.
// Treated as a failure outcome subject to the retry policy.
type WorkerTimeoutError struct {
	AssignmentID string
	TaskID       string
}

func (e *WorkerTimeoutError) Error() string {
	return fmt.Sprintf("assignment %s for task %s: lease expired without report", e.AssignmentID, e.TaskID)
}

// WorkerReportedError wraps a failure explicitly reported by a worker.
type WorkerReportedError struct {
	TaskID string
	Reason string
}

func (e *WorkerReportedError) Error() string {
	return fmt.Sprintf("worker reported failure for task %s: %s", e.TaskID, e.Reason)
}

// SynchronizationConflict indicates a conditional status update lost a race
// (zero rows affected). Retried internally, never surfaced to callers.
type SynchronizationConflict struct {
	TaskID string
	From   Status
	To     Status
}

func (e *SynchronizationConflict) Error() string {
	return fmt.Sprintf("task %s: concurrent update lost transition %s -> %s", e.TaskID, e.From, e.To)
}
