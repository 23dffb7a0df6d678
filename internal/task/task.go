package task

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a task in its lifecycle.
// Stored as text and exposed over the API, so the values are stable strings.
type Status string

const (
	StatusPending   Status = "pending"   // Waiting for dependencies
	StatusQueued    Status = "queued"    // Dependencies satisfied, eligible for claim
	StatusAssigned  Status = "assigned"  // Claimed, lease issued
	StatusRunning   Status = "running"   // Worker reported start
	StatusCompleted Status = "completed" // Finished successfully
	StatusFailed    Status = "failed"    // Retry budget exhausted
	StatusBlocked   Status = "blocked"   // An upstream dependency failed terminally
	StatusCancelled Status = "cancelled" // Withdrawn before completion
)

// allowedTransitions is the authoritative edge set of the task state machine.
// Every conditional status update in the store checks against it.
var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusQueued, StatusBlocked, StatusCancelled},
	StatusQueued:   {StatusAssigned, StatusBlocked, StatusCancelled},
	StatusAssigned: {StatusRunning, StatusQueued, StatusFailed, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusQueued, StatusCancelled},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusAssigned, StatusRunning,
		StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a settled state that is never re-opened.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Task is the atomic schedulable unit. Payload and Result are opaque to the
// engine; only workers interpret them.
type Task struct {
	ID               string          `json:"id"`
	PlanID           string          `json:"plan_id,omitempty"` // empty for standalone tasks
	Type             string          `json:"type"`              // routing tag matched against worker capabilities
	Status           Status          `json:"status"`
	Priority         int             `json:"priority"` // higher dispatched first
	Payload          json.RawMessage `json:"payload,omitempty"`
	DependsOn        []string        `json:"depends_on,omitempty"`
	AssignedWorkerID string          `json:"assigned_worker_id,omitempty"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	AvailableAt      *time.Time      `json:"available_at,omitempty"` // retry backoff gate
	CancelRequested  bool            `json:"cancel_requested,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Failure          string          `json:"failure,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	if t.AvailableAt != nil {
		at := *t.AvailableAt
		c.AvailableAt = &at
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		c.CompletedAt = &ct
	}
	return &c
}

// Filter narrows ListTasks results. Zero values mean "any".
type Filter struct {
	Status Status
	PlanID string
	Type   string
	Since  time.Time
	Limit  int
}
