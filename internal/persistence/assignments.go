package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hiveplan/hive/internal/task"
)

const assignmentCols = `a.id, a.task_id, a.worker_id, a.leased_at, a.heartbeat_at,
	a.lease_expires_at, a.released_at, a.outcome, t.type, t.payload, t.cancel_requested`

func scanAssignment(r rowScanner) (*task.Assignment, error) {
	var a task.Assignment
	var releasedAt sql.NullTime
	var outcome sql.NullString
	var cancelRequested int
	var payload []byte
	err := r.Scan(&a.ID, &a.TaskID, &a.WorkerID, &a.LeasedAt, &a.HeartbeatAt,
		&a.LeaseExpiresAt, &releasedAt, &outcome, &a.TaskType, &payload, &cancelRequested)
	if err != nil {
		return nil, err
	}
	if releasedAt.Valid {
		rt := releasedAt.Time
		a.ReleasedAt = &rt
	}
	a.Outcome = task.Outcome(outcome.String)
	a.Payload = payload
	a.CancelRequested = cancelRequested != 0
	return &a, nil
}

// insertAssignmentTx creates the lease row. The partial unique index on
// active assignments makes a second open lease for the same task impossible.
func insertAssignmentTx(ctx context.Context, tx *sql.Tx, t *task.Task, workerID string, now time.Time, ttl time.Duration) (*task.Assignment, error) {
	a := &task.Assignment{
		ID:             ulid.Make().String(),
		TaskID:         t.ID,
		WorkerID:       workerID,
		LeasedAt:       now,
		HeartbeatAt:    now,
		LeaseExpiresAt: now.Add(ttl).Truncate(time.Second),
		TaskType:       t.Type,
		Payload:        t.Payload,
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO assignments (id, task_id, worker_id, leased_at, heartbeat_at, lease_expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.TaskID, a.WorkerID, a.LeasedAt, a.HeartbeatAt, a.LeaseExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert assignment for task %s: %w", t.ID, err)
	}
	return a, nil
}

// CreateAssignment issues a lease binding an already-claimed task to a
// worker. Push-mode counterpart of ClaimNextTask.
func (s *SQLiteStore) CreateAssignment(ctx context.Context, taskID, workerID string, ttl time.Duration) (*task.Assignment, error) {
	var a *task.Assignment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks t WHERE t.id = ?`, taskID)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, task.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load task: %w", err)
		}
		if t.Status != task.StatusAssigned {
			return &task.SynchronizationConflict{TaskID: taskID, From: task.StatusAssigned, To: task.StatusAssigned}
		}

		now := nowUTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assigned_worker_id = ?, updated_at = ? WHERE id = ?
		`, workerID, now, taskID); err != nil {
			return fmt.Errorf("failed to record worker on task %s: %w", taskID, err)
		}

		a, err = insertAssignmentTx(ctx, tx, t, workerID, now, ttl)
		if err != nil {
			return err
		}
		return appendEventTx(ctx, tx, taskID, t.PlanID, EventLeaseIssued, "worker "+workerID, now)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// StartAssignment marks the leased task running once the worker picks it up.
func (s *SQLiteStore) StartAssignment(ctx context.Context, assignmentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getAssignmentTx(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if !a.Active() {
			return fmt.Errorf("assignment %s: %w", assignmentID, task.ErrLeaseReleased)
		}

		now := nowUTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'assigned'
		`, now, a.TaskID)
		if err != nil {
			return fmt.Errorf("failed to mark task %s running: %w", a.TaskID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return &task.SynchronizationConflict{TaskID: a.TaskID, From: task.StatusAssigned, To: task.StatusRunning}
		}

		planID, err := planIDOfTx(ctx, tx, a.TaskID)
		if err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, a.TaskID, planID, EventTaskStarted, "", now); err != nil {
			return err
		}
		return recomputePlanTx(ctx, tx, planID, now, nil)
	})
}

// HeartbeatAssignment records worker liveness. The lease deadline moves only
// when renew is set; otherwise heartbeats keep the task out of the stuck
// count without extending total runtime.
func (s *SQLiteStore) HeartbeatAssignment(ctx context.Context, assignmentID string, renew bool, ttl time.Duration) (*task.Assignment, error) {
	var out *task.Assignment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowUTC()
		var res sql.Result
		var err error
		if renew {
			res, err = tx.ExecContext(ctx, `
				UPDATE assignments SET heartbeat_at = ?, lease_expires_at = ?
				WHERE id = ? AND released_at IS NULL
			`, now, now.Add(ttl).Truncate(time.Second), assignmentID)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE assignments SET heartbeat_at = ? WHERE id = ? AND released_at IS NULL
			`, now, assignmentID)
		}
		if err != nil {
			return fmt.Errorf("failed to heartbeat assignment %s: %w", assignmentID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			if _, err := getAssignmentTx(ctx, tx, assignmentID); err != nil {
				return err
			}
			return fmt.Errorf("assignment %s: %w", assignmentID, task.ErrLeaseReleased)
		}
		out, err = getAssignmentTx(ctx, tx, assignmentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAssignment retrieves one assignment with its task's type and payload.
func (s *SQLiteStore) GetAssignment(ctx context.Context, id string) (*task.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assignmentCols+` FROM assignments a JOIN tasks t ON t.id = a.task_id WHERE a.id = ?
	`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query assignment: %w", err)
	}
	return a, nil
}

func getAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (*task.Assignment, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+assignmentCols+` FROM assignments a JOIN tasks t ON t.id = a.task_id WHERE a.id = ?
	`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query assignment: %w", err)
	}
	return a, nil
}

// ExpiredAssignments returns open leases whose deadline has passed, oldest
// first. The sweep turns each into a timeout failure.
func (s *SQLiteStore) ExpiredAssignments(ctx context.Context, now time.Time) ([]*task.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assignmentCols+` FROM assignments a
		JOIN tasks t ON t.id = a.task_id
		WHERE a.released_at IS NULL AND a.lease_expires_at < ?
		ORDER BY a.lease_expires_at ASC
	`, now.UTC().Truncate(time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired assignments: %w", err)
	}
	defer rows.Close()

	var out []*task.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActiveAssignments returns every open lease.
func (s *SQLiteStore) ListActiveAssignments(ctx context.Context) ([]*task.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assignmentCols+` FROM assignments a
		JOIN tasks t ON t.id = a.task_id
		WHERE a.released_at IS NULL
		ORDER BY a.leased_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active assignments: %w", err)
	}
	defer rows.Close()

	var out []*task.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// releaseAssignmentTx closes the lease with its outcome.
func releaseAssignmentTx(ctx context.Context, tx *sql.Tx, assignmentID string, outcome task.Outcome, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE assignments SET released_at = ?, outcome = ? WHERE id = ? AND released_at IS NULL
	`, now, outcome, assignmentID)
	if err != nil {
		return fmt.Errorf("failed to release assignment %s: %w", assignmentID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("assignment %s: %w", assignmentID, task.ErrLeaseReleased)
	}
	return nil
}

// CompleteAssignment applies a success outcome. Idempotency is keyed on the
// lease: a report against an already-released assignment is a no-op, which
// also covers late reports arriving after a lease-expiry retry reassigned
// the task elsewhere.
func (s *SQLiteStore) CompleteAssignment(ctx context.Context, assignmentID string, result []byte) (*ApplyResult, error) {
	var out ApplyResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getAssignmentTx(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if !a.Active() {
			return s.fillNoop(ctx, tx, &out, a.TaskID)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks t WHERE t.id = ?`, a.TaskID)
		t, err := scanTask(row)
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", a.TaskID, err)
		}

		now := nowUTC()
		if t.Status.Terminal() {
			// Settled through another path while the lease was open.
			if err := releaseAssignmentTx(ctx, tx, assignmentID, task.OutcomeCompleted, now); err != nil {
				return err
			}
			out.Task = t
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', result = ?, failure = '',
				completed_at = ?, available_at = NULL, updated_at = ?
			WHERE id = ? AND status IN ('assigned', 'running')
		`, result, now, now, t.ID)
		if err != nil {
			return fmt.Errorf("failed to complete task %s: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return &task.SynchronizationConflict{TaskID: t.ID, From: t.Status, To: task.StatusCompleted}
		}

		if err := releaseAssignmentTx(ctx, tx, assignmentID, task.OutcomeCompleted, now); err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, t.ID, t.PlanID, EventTaskCompleted, "", now); err != nil {
			return err
		}

		var pr planRecompute
		if err := recomputePlanTx(ctx, tx, t.PlanID, now, &pr); err != nil {
			return err
		}
		out.Applied = true
		out.Task = t
		out.fill(&pr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.finishApply(ctx, &out)
}

// FailAssignment applies a failure outcome. The caller decides retry versus
// terminal from the retry budget and supplies the backoff instant. The
// expectedRetryCount acts as an optimistic version check: a mismatch means
// a concurrent update won and the caller must re-read and retry.
// expired marks lease-timeout failures for the event history.
func (s *SQLiteStore) FailAssignment(ctx context.Context, assignmentID, reason string, retry bool, retryAt time.Time, expectedRetryCount int, expired bool) (*ApplyResult, error) {
	var out ApplyResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getAssignmentTx(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if !a.Active() {
			return s.fillNoop(ctx, tx, &out, a.TaskID)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks t WHERE t.id = ?`, a.TaskID)
		t, err := scanTask(row)
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", a.TaskID, err)
		}

		now := nowUTC()
		if t.Status.Terminal() {
			if err := releaseAssignmentTx(ctx, tx, assignmentID, task.OutcomeFailed, now); err != nil {
				return err
			}
			out.Task = t
			return nil
		}

		if t.CancelRequested {
			return s.settleCancelledTx(ctx, tx, &out, t, assignmentID, reason, now)
		}

		if t.RetryCount != expectedRetryCount {
			return &task.SynchronizationConflict{TaskID: t.ID, From: t.Status, To: task.StatusQueued}
		}

		outcome := task.OutcomeFailed
		if expired {
			outcome = task.OutcomeExpired
			if err := appendEventTx(ctx, tx, t.ID, t.PlanID, EventLeaseExpired, "worker "+a.WorkerID, now); err != nil {
				return err
			}
		}

		if retry {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'queued', retry_count = retry_count + 1,
					available_at = ?, assigned_worker_id = '', failure = ?, updated_at = ?
				WHERE id = ? AND status IN ('assigned', 'running') AND retry_count = ?
			`, retryAt.UTC().Truncate(time.Second), reason, now, t.ID, expectedRetryCount)
			if err != nil {
				return fmt.Errorf("failed to requeue task %s: %w", t.ID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return &task.SynchronizationConflict{TaskID: t.ID, From: t.Status, To: task.StatusQueued}
			}
			if err := appendEventTx(ctx, tx, t.ID, t.PlanID, EventTaskRetrying,
				fmt.Sprintf("attempt %d of %d", expectedRetryCount+1, t.MaxRetries), now); err != nil {
				return err
			}
			out.Retried = true
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'failed', failure = ?, completed_at = ?,
					available_at = NULL, updated_at = ?
				WHERE id = ? AND status IN ('assigned', 'running') AND retry_count = ?
			`, reason, now, now, t.ID, expectedRetryCount)
			if err != nil {
				return fmt.Errorf("failed to fail task %s: %w", t.ID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return &task.SynchronizationConflict{TaskID: t.ID, From: t.Status, To: task.StatusFailed}
			}
			if err := appendEventTx(ctx, tx, t.ID, t.PlanID, EventTaskFailed, reason, now); err != nil {
				return err
			}
		}

		if err := releaseAssignmentTx(ctx, tx, assignmentID, outcome, now); err != nil {
			return err
		}

		var pr planRecompute
		if err := recomputePlanTx(ctx, tx, t.PlanID, now, &pr); err != nil {
			return err
		}
		out.Applied = true
		out.Task = t
		out.fill(&pr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.finishApply(ctx, &out)
}

// CancelAssignment settles a lease whose worker observed the cancellation
// flag and stopped.
func (s *SQLiteStore) CancelAssignment(ctx context.Context, assignmentID, reason string) (*ApplyResult, error) {
	var out ApplyResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getAssignmentTx(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if !a.Active() {
			return s.fillNoop(ctx, tx, &out, a.TaskID)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks t WHERE t.id = ?`, a.TaskID)
		t, err := scanTask(row)
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", a.TaskID, err)
		}

		now := nowUTC()
		if t.Status.Terminal() {
			if err := releaseAssignmentTx(ctx, tx, assignmentID, task.OutcomeCancelled, now); err != nil {
				return err
			}
			out.Task = t
			return nil
		}
		return s.settleCancelledTx(ctx, tx, &out, t, assignmentID, reason, now)
	})
	if err != nil {
		return nil, err
	}
	return s.finishApply(ctx, &out)
}

// AbortAssignment unwinds a lease whose delivery never reached the worker.
// Only the lease is released; the task keeps its claimed status and its
// retry budget so the caller can hand it to another worker or return it to
// the queue.
func (s *SQLiteStore) AbortAssignment(ctx context.Context, assignmentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getAssignmentTx(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if !a.Active() {
			return nil
		}
		now := nowUTC()
		if err := releaseAssignmentTx(ctx, tx, assignmentID, task.OutcomeAborted, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assigned_worker_id = '', updated_at = ?
			WHERE id = ? AND status = 'assigned'
		`, now, a.TaskID); err != nil {
			return fmt.Errorf("failed to detach task %s: %w", a.TaskID, err)
		}
		planID, err := planIDOfTx(ctx, tx, a.TaskID)
		if err != nil {
			return err
		}
		return appendEventTx(ctx, tx, a.TaskID, planID, EventLeaseAborted, "delivery failed", now)
	})
}

// settleCancelledTx moves an in-flight task to cancelled and closes its lease.
func (s *SQLiteStore) settleCancelledTx(ctx context.Context, tx *sql.Tx, out *ApplyResult, t *task.Task, assignmentID, reason string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', failure = ?, completed_at = ?,
			available_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('assigned', 'running')
	`, reason, now, now, t.ID)
	if err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &task.SynchronizationConflict{TaskID: t.ID, From: t.Status, To: task.StatusCancelled}
	}
	if err := releaseAssignmentTx(ctx, tx, assignmentID, task.OutcomeCancelled, now); err != nil {
		return err
	}
	if err := appendEventTx(ctx, tx, t.ID, t.PlanID, EventTaskCancelled, reason, now); err != nil {
		return err
	}
	var pr planRecompute
	if err := recomputePlanTx(ctx, tx, t.PlanID, now, &pr); err != nil {
		return err
	}
	out.Applied = true
	out.Task = t
	out.fill(&pr)
	return nil
}

// fillNoop records the idempotent no-op result for a released lease.
func (s *SQLiteStore) fillNoop(ctx context.Context, tx *sql.Tx, out *ApplyResult, taskID string) error {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks t WHERE t.id = ?`, taskID)
	t, err := scanTask(row)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	out.Task = t
	return nil
}

func (r *ApplyResult) fill(pr *planRecompute) {
	r.PlanWas = pr.was
	r.PlanNow = pr.now
	r.PlanSettled = pr.settled
}

// finishApply reloads the post-transaction task snapshot for the caller.
func (s *SQLiteStore) finishApply(ctx context.Context, out *ApplyResult) (*ApplyResult, error) {
	if !out.Applied || out.Task == nil {
		return out, nil
	}
	t, err := s.GetTask(ctx, out.Task.ID)
	if err != nil {
		return nil, err
	}
	out.Task = t
	return out, nil
}
