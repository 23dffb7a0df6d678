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

// ErrDuplicatePlan indicates a plan with the same source_request_id already
// exists; the ingestor resolves it to the original receipt.
var ErrDuplicatePlan = errors.New("plan with this source request already exists")

// planRecompute captures what a plan recompute observed and wrote, so outcome
// transactions can report status transitions without a second query.
type planRecompute struct {
	was     task.PlanStatus
	now     task.PlanStatus
	settled bool
}

// CreatePlan persists the plan row and all subtasks atomically. Tasks must be
// ordered so every dependency precedes its dependents (the ingestor's
// topological order); seq positions are taken from each task's position in
// the plan's SubtaskIDs list so submission order survives.
func (s *SQLiteStore) CreatePlan(ctx context.Context, p *task.Plan, tasks []*task.Task) error {
	seqByID := make(map[string]int, len(p.SubtaskIDs))
	for i, id := range p.SubtaskIDs {
		seqByID[id] = i
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plans (id, source_request_id, status, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?)
		`, p.ID, p.SourceRequestID, p.Status, p.CreatedAt, nullTime(p.CompletedAt))
		if err != nil {
			if strings.Contains(err.Error(), "idx_plans_source_request") ||
				strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("plan %s: %w", p.ID, ErrDuplicatePlan)
			}
			return fmt.Errorf("failed to insert plan %s: %w", p.ID, err)
		}

		for _, t := range tasks {
			if err := insertTaskTx(ctx, tx, t, seqByID[t.ID]); err != nil {
				return err
			}
		}

		return appendEventTx(ctx, tx, "", p.ID, EventPlanIngested,
			fmt.Sprintf("%d subtasks", len(tasks)), p.CreatedAt)
	})
}

// GetPlan retrieves a plan with its subtask ids in submission order.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*task.Plan, error) {
	return s.getPlanBy(ctx, `WHERE id = ?`, id)
}

// GetPlanBySourceRequest looks a plan up by the caller-supplied request id.
func (s *SQLiteStore) GetPlanBySourceRequest(ctx context.Context, sourceRequestID string) (*task.Plan, error) {
	if sourceRequestID == "" {
		return nil, fmt.Errorf("plan lookup: %w", task.ErrNotFound)
	}
	return s.getPlanBy(ctx, `WHERE source_request_id = ?`, sourceRequestID)
}

func (s *SQLiteStore) getPlanBy(ctx context.Context, where string, arg any) (*task.Plan, error) {
	var p task.Plan
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_request_id, status, created_at, completed_at FROM plans `+where,
		arg).Scan(&p.ID, &p.SourceRequestID, &p.Status, &p.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %v: %w", arg, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query plan: %w", err)
	}
	if completedAt.Valid {
		ct := completedAt.Time
		p.CompletedAt = &ct
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE plan_id = ? ORDER BY plan_seq ASC
	`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan subtasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("failed to scan subtask id: %w", err)
		}
		p.SubtaskIDs = append(p.SubtaskIDs, taskID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subtask ids: %w", err)
	}
	return &p, nil
}

// ListPlans returns the most recently created plans.
func (s *SQLiteStore) ListPlans(ctx context.Context, limit int) ([]*task.Plan, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_request_id, status, created_at, completed_at
		FROM plans ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []*task.Plan
	for rows.Next() {
		var p task.Plan
		var completedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.SourceRequestID, &p.Status, &p.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		if completedAt.Valid {
			ct := completedAt.Time
			p.CompletedAt = &ct
		}
		plans = append(plans, &p)
	}
	return plans, rows.Err()
}

// recomputePlanTx re-derives the plan's aggregate status from its subtask
// statuses and persists it. It runs inside the same transaction as every
// subtask transition so the stored value can never drift from the reduction.
// No-op for standalone tasks (empty planID).
func recomputePlanTx(ctx context.Context, tx *sql.Tx, planID string, now time.Time, out *planRecompute) error {
	if planID == "" {
		return nil
	}

	var was task.PlanStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM plans WHERE id = ?`, planID).Scan(&was)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("plan %s: %w", planID, task.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load plan status: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE plan_id = ? GROUP BY status
	`, planID)
	if err != nil {
		return fmt.Errorf("failed to count plan subtasks: %w", err)
	}
	counts := make(task.StatusCounts)
	for rows.Next() {
		var status task.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan subtask count: %w", err)
		}
		counts[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating subtask counts: %w", err)
	}

	derived := task.DerivePlanStatus(counts)
	settled := counts.Settled()

	if settled {
		_, err = tx.ExecContext(ctx, `
			UPDATE plans SET status = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?
		`, derived, now, planID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE plans SET status = ? WHERE id = ?`, derived, planID)
	}
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}

	if was != derived {
		switch derived {
		case task.PlanCompleted:
			err = appendEventTx(ctx, tx, "", planID, EventPlanCompleted, "", now)
		case task.PlanFailed:
			err = appendEventTx(ctx, tx, "", planID, EventPlanFailed, "", now)
		case task.PlanCancelled:
			err = appendEventTx(ctx, tx, "", planID, EventPlanCancelled, "", now)
		}
		if err != nil {
			return err
		}
	}

	if out != nil {
		out.was = was
		out.now = derived
		out.settled = settled
	}
	return nil
}
