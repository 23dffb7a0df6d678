package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hiveplan/hive/internal/task"
)

const taskCols = `t.id, t.plan_id, t.type, t.status, t.priority, t.payload,
	t.retry_count, t.max_retries, t.assigned_worker_id, t.available_at,
	t.cancel_requested, t.created_at, t.updated_at, t.completed_at, t.result, t.failure`

// depGuard is the readiness condition: no dependency edge pointing at a task
// that is not completed. Written against the bare tasks table so it works in
// both SELECT (with alias t) and UPDATE (no alias) statements via aliasRef.
func depGuard(aliasRef string) string {
	return `NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on_task_id
		WHERE d.task_id = ` + aliasRef + ` AND dep.status != 'completed')`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Truncate(time.Second)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*task.Task, error) {
	var t task.Task
	var planID sql.NullString
	var availableAt, completedAt sql.NullTime
	var cancelRequested int
	var payload, result []byte
	err := r.Scan(&t.ID, &planID, &t.Type, &t.Status, &t.Priority, &payload,
		&t.RetryCount, &t.MaxRetries, &t.AssignedWorkerID, &availableAt,
		&cancelRequested, &t.CreatedAt, &t.UpdatedAt, &completedAt, &result, &t.Failure)
	if err != nil {
		return nil, err
	}
	t.PlanID = planID.String
	t.Payload = payload
	t.Result = result
	t.CancelRequested = cancelRequested != 0
	if availableAt.Valid {
		at := availableAt.Time
		t.AvailableAt = &at
	}
	if completedAt.Valid {
		ct := completedAt.Time
		t.CompletedAt = &ct
	}
	return &t, nil
}

// insertTaskTx writes a task row and its dependency edges. Dependencies must
// reference existing rows (or rows inserted earlier in the same transaction).
// seq preserves submission order for plan subtasks.
func insertTaskTx(ctx context.Context, tx *sql.Tx, t *task.Task, seq int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, plan_id, plan_seq, type, status, priority, payload,
			retry_count, max_retries, assigned_worker_id, available_at,
			cancel_requested, created_at, updated_at, completed_at, result, failure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, nullStr(t.PlanID), seq, t.Type, t.Status, t.Priority, []byte(t.Payload),
		t.RetryCount, t.MaxRetries, t.AssignedWorkerID, nullTime(t.AvailableAt),
		boolInt(t.CancelRequested), t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
		[]byte(t.Result), t.Failure)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}

	for _, depID := range t.DependsOn {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)
		`, t.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateTask persists a standalone task. Tasks belonging to a plan are
// written atomically by CreatePlan instead.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *task.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertTaskTx(ctx, tx, t, 0); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, t.ID, t.PlanID, EventTaskCreated, string(t.Status), t.CreatedAt)
	})
}

// GetTask retrieves a task by ID, including its dependency edges.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks t WHERE t.id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_task_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		t.DependsOn = append(t.DependsOn, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	q := `SELECT ` + taskCols + ` FROM tasks t WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND t.status = ?`
		args = append(args, f.Status)
	}
	if f.PlanID != "" {
		q += ` AND t.plan_id = ?`
		args = append(args, f.PlanID)
	}
	if f.Type != "" {
		q += ` AND t.type = ?`
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		q += ` AND t.updated_at >= ?`
		args = append(args, f.Since.UTC().Truncate(time.Second))
	}
	q += ` ORDER BY t.created_at ASC, t.id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	if err := s.attachDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// attachDependencies loads dependency edges for a batch of tasks in one query.
func (s *SQLiteStore) attachDependencies(ctx context.Context, tasks []*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[string]*task.Task, len(tasks))
	args := make([]any, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		args = append(args, t.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_task_id FROM task_dependencies
		WHERE task_id IN (`+placeholders(len(args))+`)
		ORDER BY task_id, depends_on_task_id
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to query dependency batch: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		if t, ok := byID[taskID]; ok {
			t.DependsOn = append(t.DependsOn, depID)
		}
	}
	return rows.Err()
}

// CountByStatus tallies all tasks grouped by status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (task.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(task.StatusCounts)
	for rows.Next() {
		var status task.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountActive returns the number of tasks currently claimed or executing.
// Used by the scheduler to compute remaining dispatch capacity.
func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status IN ('assigned', 'running')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tasks: %w", err)
	}
	return n, nil
}

// ReadyTasks returns up to limit dispatchable tasks: pending or queued, past
// any retry backoff, with every dependency completed. One batch query; the
// dependency check is a correlated anti-join, not a per-task walk. Ordered by
// priority (higher first) then creation time.
func (s *SQLiteStore) ReadyTasks(ctx context.Context, limit int, now time.Time) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskCols+` FROM tasks t
		WHERE t.status IN ('pending', 'queued')
		  AND t.cancel_requested = 0
		  AND (t.available_at IS NULL OR t.available_at <= ?)
		  AND `+depGuard("t.id")+`
		ORDER BY t.priority DESC, t.created_at ASC, t.id ASC
		LIMIT ?
	`, now.UTC().Truncate(time.Second), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ready task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// IsReady reports whether the task is pending/queued with all dependencies
// completed and past any retry backoff.
func (s *SQLiteStore) IsReady(ctx context.Context, id string, now time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM tasks t
		WHERE t.id = ?
		  AND t.status IN ('pending', 'queued')
		  AND t.cancel_requested = 0
		  AND (t.available_at IS NULL OR t.available_at <= ?)
		  AND `+depGuard("t.id"),
		id, now.UTC().Truncate(time.Second)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check readiness: %w", err)
	}
	return true, nil
}

// ReadyDependents returns dependents of a just-completed task whose remaining
// dependencies are all completed.
func (s *SQLiteStore) ReadyDependents(ctx context.Context, completedID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.task_id FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE d.depends_on_task_id = ?
		  AND t.status = 'pending'
		  AND t.cancel_requested = 0
		  AND `+depGuard("t.id")+`
		ORDER BY t.priority DESC, t.created_at ASC
	`, completedID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready dependents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dependent: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PromoteReady moves a pending task to queued iff every dependency is
// completed. Returns false when the conditional update finds nothing to do
// (already promoted by a concurrent caller, or not actually ready).
func (s *SQLiteStore) PromoteReady(ctx context.Context, id string) (bool, error) {
	promoted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowUTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'queued', updated_at = ?
			WHERE id = ? AND status = 'pending' AND cancel_requested = 0
			  AND `+depGuard("tasks.id"),
			now, id)
		if err != nil {
			return fmt.Errorf("failed to promote task %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		promoted = true
		planID, err := planIDOfTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, id, planID, EventTaskQueued, "", now); err != nil {
			return err
		}
		return recomputePlanTx(ctx, tx, planID, now, nil)
	})
	return promoted, err
}

// planIDOfTx resolves a task's plan id inside a transaction; empty for
// standalone tasks.
func planIDOfTx(ctx context.Context, tx *sql.Tx, taskID string) (string, error) {
	var planID sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT plan_id FROM tasks WHERE id = ?`, taskID).Scan(&planID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve plan for task %s: %w", taskID, err)
	}
	return planID.String, nil
}

// ClaimTask atomically moves a queued task to assigned. This single
// conditional update is what prevents double-dispatch: two schedulers racing
// on the same task see exactly one row affected between them. The losing
// claim returns ErrNoCandidate. The dependency guard makes a claim on a
// not-actually-ready task impossible regardless of caller state.
func (s *SQLiteStore) ClaimTask(ctx context.Context, id string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now = now.UTC().Truncate(time.Second)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'assigned', updated_at = ?
			WHERE id = ? AND status = 'queued' AND cancel_requested = 0
			  AND (available_at IS NULL OR available_at <= ?)
			  AND `+depGuard("tasks.id"),
			now, id, now)
		if err != nil {
			return fmt.Errorf("failed to claim task %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("claim task %s: %w", id, task.ErrNoCandidate)
		}
		planID, err := planIDOfTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, id, planID, EventTaskClaimed, "", now); err != nil {
			return err
		}
		return recomputePlanTx(ctx, tx, planID, now, nil)
	})
}

// ReleaseClaim returns an assigned task to queued after a failed dispatch
// handoff so the next tick can retry it.
func (s *SQLiteStore) ReleaseClaim(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowUTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'queued', assigned_worker_id = '', updated_at = ?
			WHERE id = ? AND status = 'assigned'
		`, now, id)
		if err != nil {
			return fmt.Errorf("failed to release claim on task %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n != 1 {
			return &task.SynchronizationConflict{TaskID: id, From: task.StatusAssigned, To: task.StatusQueued}
		}
		planID, err := planIDOfTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, id, planID, EventTaskRequeued, "dispatch returned", now); err != nil {
			return err
		}
		return recomputePlanTx(ctx, tx, planID, now, nil)
	})
}

// ClaimNextTask claims the highest-priority ready task matching the worker's
// capabilities and issues a lease in the same transaction. Used by pull
// workers; the task is marked running because the lease holder already has
// it. Returns ErrNoCandidate when nothing is claimable.
func (s *SQLiteStore) ClaimNextTask(ctx context.Context, workerID string, capabilities []string, ttl time.Duration) (*task.Assignment, error) {
	var a *task.Assignment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowUTC()
		q := `
			SELECT ` + taskCols + ` FROM tasks t
			WHERE t.status = 'queued'
			  AND t.cancel_requested = 0
			  AND (t.available_at IS NULL OR t.available_at <= ?)
			  AND ` + depGuard("t.id")
		args := []any{now}
		if len(capabilities) > 0 {
			q += ` AND t.type IN (` + placeholders(len(capabilities)) + `)`
			for _, c := range capabilities {
				args = append(args, c)
			}
		}
		q += ` ORDER BY t.priority DESC, t.created_at ASC, t.id ASC LIMIT 1`

		row := tx.QueryRowContext(ctx, q, args...)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return task.ErrNoCandidate
		}
		if err != nil {
			return fmt.Errorf("failed to select claim candidate: %w", err)
		}

		// The immediate transaction holds the write lock, so the selected
		// row cannot change underneath us; the status condition stays as a
		// guard all the same.
		for _, step := range []task.Status{task.StatusAssigned, task.StatusRunning} {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, assigned_worker_id = ?, updated_at = ? WHERE id = ? AND status = ?
			`, step, workerID, now, t.ID, t.Status)
			if err != nil {
				return fmt.Errorf("failed to claim task %s: %w", t.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if n != 1 {
				return task.ErrNoCandidate
			}
			t.Status = step
		}

		a, err = insertAssignmentTx(ctx, tx, t, workerID, now, ttl)
		if err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, t.ID, t.PlanID, EventTaskClaimed, "worker "+workerID, now); err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, t.ID, t.PlanID, EventTaskStarted, "", now); err != nil {
			return err
		}
		return recomputePlanTx(ctx, tx, t.PlanID, now, nil)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CancelTask withdraws a task. Pending/queued tasks cancel immediately;
// assigned/running tasks get the cancellation flag and settle when their
// lease closes. Cancelling a terminal task is a no-op.
func (s *SQLiteStore) CancelTask(ctx context.Context, id string) (*task.Task, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks t WHERE t.id = ?`, id)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, task.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load task: %w", err)
		}

		now := nowUTC()
		switch t.Status {
		case task.StatusPending, task.StatusQueued:
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'cancelled', cancel_requested = 1,
					completed_at = ?, updated_at = ?
				WHERE id = ? AND status = ?
			`, now, now, id, t.Status)
			if err != nil {
				return fmt.Errorf("failed to cancel task %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return &task.SynchronizationConflict{TaskID: id, From: t.Status, To: task.StatusCancelled}
			}
			if err := appendEventTx(ctx, tx, id, t.PlanID, EventTaskCancelled, "", now); err != nil {
				return err
			}
			return recomputePlanTx(ctx, tx, t.PlanID, now, nil)
		case task.StatusAssigned, task.StatusRunning:
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?
			`, now, id); err != nil {
				return fmt.Errorf("failed to flag cancellation on task %s: %w", id, err)
			}
			return appendEventTx(ctx, tx, id, t.PlanID, EventCancelRequested, "", now)
		default:
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// BlockDependents marks the transitive descendants of a terminally failed
// task as blocked. Only pending/queued descendants are touched; anything
// already in flight settles through its own lease.
func (s *SQLiteStore) BlockDependents(ctx context.Context, failedID string) ([]string, error) {
	var blocked []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			WITH RECURSIVE downstream(id) AS (
				SELECT task_id FROM task_dependencies WHERE depends_on_task_id = ?
				UNION
				SELECT d.task_id FROM task_dependencies d
				JOIN downstream ds ON d.depends_on_task_id = ds.id
			)
			SELECT t.id, COALESCE(t.plan_id, '') FROM tasks t
			JOIN downstream ds ON t.id = ds.id
			WHERE t.status IN ('pending', 'queued')
			ORDER BY t.id
		`, failedID)
		if err != nil {
			return fmt.Errorf("failed to query downstream tasks: %w", err)
		}
		type victim struct{ id, planID string }
		var victims []victim
		for rows.Next() {
			var v victim
			if err := rows.Scan(&v.id, &v.planID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan downstream task: %w", err)
			}
			victims = append(victims, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating downstream tasks: %w", err)
		}

		now := nowUTC()
		plans := make(map[string]bool)
		for _, v := range victims {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'blocked', completed_at = ?, updated_at = ?
				WHERE id = ? AND status IN ('pending', 'queued')
			`, now, now, v.id)
			if err != nil {
				return fmt.Errorf("failed to block task %s: %w", v.id, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			blocked = append(blocked, v.id)
			plans[v.planID] = true
			if err := appendEventTx(ctx, tx, v.id, v.planID, EventTaskBlocked, "upstream "+failedID+" failed", now); err != nil {
				return err
			}
		}
		for planID := range plans {
			if err := recomputePlanTx(ctx, tx, planID, now, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocked, nil
}

// CancelPlanSiblings implements the fail-fast plan policy: cancel every
// pending/queued subtask of the plan and flag cancellation on anything in
// flight. Returns the ids cancelled outright and the ids flagged.
func (s *SQLiteStore) CancelPlanSiblings(ctx context.Context, planID string) ([]string, []string, error) {
	var cancelled, flagged []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowUTC()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, status FROM tasks
			WHERE plan_id = ? AND status IN ('pending', 'queued', 'assigned', 'running')
			ORDER BY id
		`, planID)
		if err != nil {
			return fmt.Errorf("failed to query plan siblings: %w", err)
		}
		type sibling struct {
			id     string
			status task.Status
		}
		var siblings []sibling
		for rows.Next() {
			var sb sibling
			if err := rows.Scan(&sb.id, &sb.status); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan sibling: %w", err)
			}
			siblings = append(siblings, sb)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating siblings: %w", err)
		}

		for _, sb := range siblings {
			switch sb.status {
			case task.StatusPending, task.StatusQueued:
				res, err := tx.ExecContext(ctx, `
					UPDATE tasks SET status = 'cancelled', cancel_requested = 1,
						completed_at = ?, updated_at = ?
					WHERE id = ? AND status = ?
				`, now, now, sb.id, sb.status)
				if err != nil {
					return fmt.Errorf("failed to cancel sibling %s: %w", sb.id, err)
				}
				if n, _ := res.RowsAffected(); n != 1 {
					continue
				}
				cancelled = append(cancelled, sb.id)
				if err := appendEventTx(ctx, tx, sb.id, planID, EventTaskCancelled, "plan fail-fast", now); err != nil {
					return err
				}
			case task.StatusAssigned, task.StatusRunning:
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?
				`, now, sb.id); err != nil {
					return fmt.Errorf("failed to flag sibling %s: %w", sb.id, err)
				}
				flagged = append(flagged, sb.id)
				if err := appendEventTx(ctx, tx, sb.id, planID, EventCancelRequested, "plan fail-fast", now); err != nil {
					return err
				}
			}
		}
		return recomputePlanTx(ctx, tx, planID, now, nil)
	})
	if err != nil {
		return nil, nil, err
	}
	return cancelled, flagged, nil
}
