package task

import "testing"

func TestDerivePlanStatus(t *testing.T) {
	tests := []struct {
		name   string
		counts StatusCounts
		want   PlanStatus
	}{
		{
			name:   "all pending",
			counts: StatusCounts{StatusPending: 3},
			want:   PlanPending,
		},
		{
			name:   "pending and queued only",
			counts: StatusCounts{StatusPending: 2, StatusQueued: 1},
			want:   PlanPending,
		},
		{
			name:   "one running",
			counts: StatusCounts{StatusPending: 1, StatusRunning: 1, StatusCompleted: 1},
			want:   PlanRunning,
		},
		{
			name:   "partial completion still running",
			counts: StatusCounts{StatusQueued: 1, StatusCompleted: 2},
			want:   PlanRunning,
		},
		{
			name:   "all completed",
			counts: StatusCounts{StatusCompleted: 4},
			want:   PlanCompleted,
		},
		{
			name:   "terminal failure overrides in-flight siblings",
			counts: StatusCounts{StatusFailed: 1, StatusRunning: 2},
			want:   PlanFailed,
		},
		{
			name:   "blocked descendant counts as failure",
			counts: StatusCounts{StatusCompleted: 1, StatusFailed: 1, StatusBlocked: 2},
			want:   PlanFailed,
		},
		{
			name:   "settled with cancellations and no failures",
			counts: StatusCounts{StatusCompleted: 2, StatusCancelled: 1},
			want:   PlanCancelled,
		},
		{
			name:   "cancelled mix with failure is failed",
			counts: StatusCounts{StatusCancelled: 2, StatusFailed: 1},
			want:   PlanFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DerivePlanStatus(tt.counts); got != tt.want {
				t.Errorf("DerivePlanStatus(%v) = %s, want %s", tt.counts, got, tt.want)
			}
		})
	}
}

func TestStatusCountsSettled(t *testing.T) {
	if (StatusCounts{StatusRunning: 1, StatusCompleted: 5}).Settled() {
		t.Error("counts with a running task must not be settled")
	}
	if !(StatusCounts{StatusCompleted: 2, StatusFailed: 1, StatusCancelled: 1}).Settled() {
		t.Error("counts with only terminal statuses must be settled")
	}
}
