package task

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestStatusValid(t *testing.T) {
	valid := []Status{
		StatusPending, StatusQueued, StatusAssigned, StatusRunning,
		StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("status %q should be valid", s)
		}
	}
	for _, s := range []Status{"", "PENDING", "done", "retrying"} {
		if s.Valid() {
			t.Errorf("status %q should be invalid", s)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to queued", StatusPending, StatusQueued, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to running skips claim", StatusPending, StatusRunning, false},
		{"queued to assigned", StatusQueued, StatusAssigned, true},
		{"queued to completed skips execution", StatusQueued, StatusCompleted, false},
		{"assigned to running", StatusAssigned, StatusRunning, true},
		{"assigned back to queued on lease expiry", StatusAssigned, StatusQueued, true},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to queued for retry", StatusRunning, StatusQueued, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"completed is terminal", StatusCompleted, StatusQueued, false},
		{"failed is terminal", StatusFailed, StatusQueued, false},
		{"cancelled is terminal", StatusCancelled, StatusPending, false},
		{"blocked is terminal", StatusBlocked, StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// TestTerminalStatesHaveNoExits verifies that no transition re-opens a
// terminal task, for every possible target status.
func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []Status{
		StatusPending, StatusQueued, StatusAssigned, StatusRunning,
		StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if from.CanTransitionTo(to) {
				t.Errorf("terminal status %s must not transition to %s", from, to)
			}
		}
	}
}

// TestTransitionChainsEndTerminal walks random legal transition chains and
// verifies they only ever stop at a terminal status, never dead-end in a
// live state with no exit.
func TestTransitionChainsEndTerminal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := StatusPending
		steps := rapid.IntRange(1, 16).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			next := allowedTransitions[s]
			if len(next) == 0 {
				if !s.Terminal() {
					rt.Fatalf("live status %s has no outgoing transitions", s)
				}
				return
			}
			s = rapid.SampledFrom(next).Draw(rt, "next")
			if !s.Valid() {
				rt.Fatalf("transition produced unknown status %q", s)
			}
		}
	})
}

func TestTaskClone(t *testing.T) {
	at := time.Now()
	orig := &Task{
		ID:          "t1",
		DependsOn:   []string{"a", "b"},
		Payload:     []byte(`{"k":1}`),
		AvailableAt: &at,
	}
	c := orig.Clone()

	c.DependsOn[0] = "mutated"
	c.Payload[2] = 'x'
	*c.AvailableAt = at.Add(time.Hour)

	if orig.DependsOn[0] != "a" {
		t.Error("clone shares DependsOn backing array")
	}
	if string(orig.Payload) != `{"k":1}` {
		t.Error("clone shares Payload backing array")
	}
	if !orig.AvailableAt.Equal(at) {
		t.Error("clone shares AvailableAt pointer")
	}
}
