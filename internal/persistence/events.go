package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Event types recorded in the task_events log. The log is the durable
// history behind the metrics window; the in-process bus carries the same
// notifications to live subscribers.
const (
	EventTaskCreated     = "task_created"
	EventTaskQueued      = "task_queued"
	EventTaskClaimed     = "task_claimed"
	EventLeaseIssued     = "lease_issued"
	EventTaskStarted     = "task_started"
	EventTaskRequeued    = "task_requeued"
	EventTaskRetrying    = "task_retrying"
	EventTaskCompleted   = "task_completed"
	EventTaskFailed      = "task_failed"
	EventTaskBlocked     = "task_blocked"
	EventTaskCancelled   = "task_cancelled"
	EventCancelRequested = "cancel_requested"
	EventLeaseExpired    = "lease_expired"
	EventLeaseAborted    = "lease_aborted"
	EventPlanIngested    = "plan_ingested"
	EventPlanCompleted   = "plan_completed"
	EventPlanFailed      = "plan_failed"
	EventPlanCancelled   = "plan_cancelled"
)

// EventRecord is one row of the durable event log.
type EventRecord struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	PlanID    string    `json:"plan_id,omitempty"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func appendEventTx(ctx context.Context, tx *sql.Tx, taskID, planID, eventType, detail string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, plan_id, event_type, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, planID, eventType, detail, now)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return nil
}

// ListEvents returns the most recent log entries, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, plan_id, event_type, detail, created_at
		FROM task_events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.TaskID, &e.PlanID, &e.Type, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// OutcomeCounts tallies terminal outcomes recorded since the window start.
// Error rate and throughput derive from these.
func (s *SQLiteStore) OutcomeCounts(ctx context.Context, since time.Time) (completed, failed int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM task_events
		WHERE event_type IN (?, ?) AND created_at >= ?
		GROUP BY event_type
	`, EventTaskCompleted, EventTaskFailed, since.UTC().Truncate(time.Second))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query outcome counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return 0, 0, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		switch typ {
		case EventTaskCompleted:
			completed = n
		case EventTaskFailed:
			failed = n
		}
	}
	return completed, failed, rows.Err()
}

// StuckTaskCount counts running tasks whose lease heartbeat is older than
// the cutoff. These are workers that stopped reporting without the lease
// having expired yet.
func (s *SQLiteStore) StuckTaskCount(ctx context.Context, heartbeatBefore time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks t
		JOIN assignments a ON a.task_id = t.id AND a.released_at IS NULL
		WHERE t.status = 'running' AND a.heartbeat_at < ?
	`, heartbeatBefore.UTC().Truncate(time.Second)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stuck tasks: %w", err)
	}
	return n, nil
}
