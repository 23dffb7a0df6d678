package task

import (
	"encoding/json"
	"time"
)

// Assignment is a time-bounded lease binding a task to a worker. At most one
// active assignment (ReleasedAt == nil) exists per task; the store enforces
// this with an atomic claim.
type Assignment struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	WorkerID        string          `json:"worker_id"`
	LeasedAt        time.Time       `json:"leased_at"`
	HeartbeatAt     time.Time       `json:"heartbeat_at"`
	LeaseExpiresAt  time.Time       `json:"lease_expires_at"`
	ReleasedAt      *time.Time      `json:"released_at,omitempty"`
	Outcome         Outcome         `json:"outcome,omitempty"`
	TaskType        string          `json:"task_type,omitempty"` // denormalized for workers
	Payload         json.RawMessage `json:"payload,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"` // cancellation flag, surfaced on heartbeats
}

// Active reports whether the lease is still open.
func (a *Assignment) Active() bool { return a.ReleasedAt == nil }

// Expired reports whether the lease deadline has passed at the given instant.
func (a *Assignment) Expired(now time.Time) bool {
	return a.Active() && now.After(a.LeaseExpiresAt)
}

// Outcome is a worker's verdict on an assignment.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"   // lease sweep, counted as a failure
	OutcomeCancelled Outcome = "cancelled" // cancellation observed mid-flight
	OutcomeAborted   Outcome = "aborted"   // dispatch unwound, no retry consumed
)

// Report carries a worker's outcome for an assignment to the synchronizer.
// Delivery is at-least-once; application is idempotent.
type Report struct {
	AssignmentID string          `json:"assignment_id"`
	TaskID       string          `json:"task_id"`
	WorkerID     string          `json:"worker_id"`
	Outcome      Outcome         `json:"outcome"`
	Result       json.RawMessage `json:"result,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}
