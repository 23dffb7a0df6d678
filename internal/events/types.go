package events

import (
	"time"

	"github.com/hiveplan/hive/internal/task"
)

// Event is implemented by everything the bus carries.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask      = "task"
	TopicPlan      = "plan"
	TopicWorker    = "worker"
	TopicScheduler = "scheduler"
)

// Event type constants
const (
	EventTypePlanIngested        = "plan.ingested"
	EventTypePlanStatusChanged   = "plan.status_changed"
	EventTypeTaskQueued          = "task.queued"
	EventTypeTaskClaimed         = "task.claimed"
	EventTypeTaskStarted         = "task.started"
	EventTypeTaskCompleted       = "task.completed"
	EventTypeTaskRetrying        = "task.retrying"
	EventTypeTaskFailed          = "task.failed"
	EventTypeTaskBlocked         = "task.blocked"
	EventTypeTaskUnblocked       = "task.unblocked"
	EventTypeTaskCancelRequested = "task.cancel_requested"
	EventTypeTaskCancelled       = "task.cancelled"
	EventTypeLeaseExpired        = "task.lease_expired"
	EventTypeWorkerRegistered    = "worker.registered"
	EventTypeWorkerStopped       = "worker.stopped"
	EventTypeSchedulerTick       = "scheduler.tick"
)

// PlanIngestedEvent is published when a plan and its subtasks are persisted.
type PlanIngestedEvent struct {
	PlanID          string
	SourceRequestID string
	TaskCount       int
	Timestamp       time.Time
}

func (e PlanIngestedEvent) EventType() string { return EventTypePlanIngested }
func (e PlanIngestedEvent) TaskID() string    { return "" }

// PlanStatusChangedEvent is published when the recomputed plan status moves.
// Settled marks the edge where every subtask reached a terminal state.
type PlanStatusChangedEvent struct {
	PlanID    string
	From      task.PlanStatus
	To        task.PlanStatus
	Settled   bool
	Timestamp time.Time
}

func (e PlanStatusChangedEvent) EventType() string { return EventTypePlanStatusChanged }
func (e PlanStatusChangedEvent) TaskID() string    { return "" }

// TaskQueuedEvent is published when a task becomes dispatchable.
type TaskQueuedEvent struct {
	ID        string
	PlanID    string
	Timestamp time.Time
}

func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) TaskID() string    { return e.ID }

// TaskClaimedEvent is published when the scheduler wins the claim on a task.
type TaskClaimedEvent struct {
	ID        string
	WorkerID  string
	Timestamp time.Time
}

func (e TaskClaimedEvent) EventType() string { return EventTypeTaskClaimed }
func (e TaskClaimedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a worker begins executing a task.
type TaskStartedEvent struct {
	ID           string
	AssignmentID string
	WorkerID     string
	Timestamp    time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task reaches completed.
type TaskCompletedEvent struct {
	ID        string
	PlanID    string
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when a failure is absorbed by the retry
// budget and the task returns to the queue.
type TaskRetryingEvent struct {
	ID        string
	PlanID    string
	Attempt   int
	NextAt    time.Time
	Reason    string
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails terminally.
type TaskFailedEvent struct {
	ID        string
	PlanID    string
	Reason    string
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskBlockedEvent is published when an upstream terminal failure makes a
// task permanently unrunnable.
type TaskBlockedEvent struct {
	ID         string
	PlanID     string
	UpstreamID string
	Timestamp  time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }

// TaskUnblockedEvent is published when a task's last outstanding dependency
// completes. The scheduler treats it as a wake-up.
type TaskUnblockedEvent struct {
	ID        string
	PlanID    string
	Timestamp time.Time
}

func (e TaskUnblockedEvent) EventType() string { return EventTypeTaskUnblocked }
func (e TaskUnblockedEvent) TaskID() string    { return e.ID }

// TaskCancelRequestedEvent is published when cancellation is requested for a
// task already in flight.
type TaskCancelRequestedEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskCancelRequestedEvent) EventType() string { return EventTypeTaskCancelRequested }
func (e TaskCancelRequestedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task settles as cancelled.
type TaskCancelledEvent struct {
	ID        string
	PlanID    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// LeaseExpiredEvent is published when the sweep reclaims a lease whose
// worker stopped reporting.
type LeaseExpiredEvent struct {
	AssignmentID string
	ID           string
	WorkerID     string
	Timestamp    time.Time
}

func (e LeaseExpiredEvent) EventType() string { return EventTypeLeaseExpired }
func (e LeaseExpiredEvent) TaskID() string    { return e.ID }

// WorkerRegisteredEvent is published when a worker joins the dispatch pool.
type WorkerRegisteredEvent struct {
	WorkerID     string
	Capabilities []string
	Slots        int
	Timestamp    time.Time
}

func (e WorkerRegisteredEvent) EventType() string { return EventTypeWorkerRegistered }
func (e WorkerRegisteredEvent) TaskID() string    { return "" }

// WorkerStoppedEvent is published when a worker leaves the dispatch pool.
type WorkerStoppedEvent struct {
	WorkerID  string
	Timestamp time.Time
}

func (e WorkerStoppedEvent) EventType() string { return EventTypeWorkerStopped }
func (e WorkerStoppedEvent) TaskID() string    { return "" }

// SchedulerTickEvent summarizes one dispatch pass.
type SchedulerTickEvent struct {
	Capacity  int
	Ready     int
	Claimed   int
	Timestamp time.Time
}

func (e SchedulerTickEvent) EventType() string { return EventTypeSchedulerTick }
func (e SchedulerTickEvent) TaskID() string    { return "" }
