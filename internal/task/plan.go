package task

import "time"

// PlanStatus is the derived aggregate state of an execution plan. It is never
// set directly: the store recomputes it from subtask statuses inside the same
// transaction as every subtask transition.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"   // no subtask has started
	PlanRunning   PlanStatus = "running"   // at least one subtask in flight
	PlanCompleted PlanStatus = "completed" // every subtask completed
	PlanFailed    PlanStatus = "failed"    // at least one subtask failed terminally
	PlanCancelled PlanStatus = "cancelled" // settled with cancellations and no failures
)

// Plan is a root unit of work decomposed into dependent subtasks.
type Plan struct {
	ID              string     `json:"id"`
	SourceRequestID string     `json:"source_request_id,omitempty"`
	SubtaskIDs      []string   `json:"subtask_ids"` // submission order, not topological
	Status          PlanStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"` // set when every subtask is terminal
}

// StatusCounts is a per-status tally of a plan's subtasks.
type StatusCounts map[Status]int

// Total returns the number of subtasks across all statuses.
func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Settled reports whether every subtask is in a terminal status.
func (c StatusCounts) Settled() bool {
	return c[StatusPending]+c[StatusQueued]+c[StatusAssigned]+c[StatusRunning] == 0
}

// DerivePlanStatus reduces subtask status counts to the plan's aggregate
// status. A terminal subtask failure (failed or blocked) makes the plan
// failed immediately, even while siblings are still in flight.
func DerivePlanStatus(c StatusCounts) PlanStatus {
	if c[StatusFailed] > 0 || c[StatusBlocked] > 0 {
		return PlanFailed
	}
	if !c.Settled() {
		if c[StatusAssigned]+c[StatusRunning]+c[StatusCompleted]+c[StatusCancelled] == 0 {
			return PlanPending
		}
		return PlanRunning
	}
	if c[StatusCancelled] > 0 {
		return PlanCancelled
	}
	return PlanCompleted
}
