package outcome

import (
	"hash/fnv"
	"strconv"
	"time"
)

// RetryKind selects how retry delays grow across attempts.
type RetryKind string

const (
	// RetryFixed waits the same base delay before every attempt.
	RetryFixed RetryKind = "fixed"
	// RetryExponential doubles the delay per attempt up to the cap.
	RetryExponential RetryKind = "exponential"
)

// PlanPolicy selects how a plan reacts to a terminal subtask failure.
type PlanPolicy string

const (
	// PlanFailFast cancels the plan's remaining subtasks on the first
	// terminal failure.
	PlanFailFast PlanPolicy = "fail_fast"
	// PlanContinue lets independent subtasks keep running; only
	// descendants of the failure are blocked.
	PlanContinue PlanPolicy = "continue_on_error"
)

// RetryPolicy computes the backoff before a failed task re-enters the queue.
type RetryPolicy struct {
	Kind RetryKind
	Base time.Duration
	Cap  time.Duration
}

// DefaultRetryPolicy doubles from 5s up to 5m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Kind: RetryExponential,
		Base: 5 * time.Second,
		Cap:  5 * time.Minute,
	}
}

// Delay returns the backoff before the given attempt (1-based). The jitter
// term is a hash of task id and attempt: deterministic for tests and replay,
// but still spreading simultaneous failures apart.
func (p RetryPolicy) Delay(taskID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base
	if p.Kind == RetryExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.Cap > 0 && d >= p.Cap {
				d = p.Cap
				break
			}
		}
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}

	if d > 0 {
		h := fnv.New32a()
		h.Write([]byte(taskID))
		h.Write([]byte(strconv.Itoa(attempt)))
		jitter := time.Duration(h.Sum32()%256) * (d / 4) / 256
		d += jitter
	}
	return d
}
