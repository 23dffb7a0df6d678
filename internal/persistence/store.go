package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/hiveplan/hive/internal/task"
)

// ApplyResult describes what a single outcome transaction did: whether the
// transition applied (false means the task was already terminal and the call
// was an idempotent no-op), whether a failure turned into a retry, and the
// plan recompute that happened in the same transaction.
type ApplyResult struct {
	Applied     bool
	Retried     bool
	Task        *task.Task
	PlanWas     task.PlanStatus // empty when the task has no plan
	PlanNow     task.PlanStatus
	PlanSettled bool
}

// Store is the durable source of truth. Conditional updates on task status
// are the only serialization primitive shared across components.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error)
	CountByStatus(ctx context.Context) (task.StatusCounts, error)
	CountActive(ctx context.Context) (int, error)
	CancelTask(ctx context.Context, id string) (*task.Task, error)

	// Readiness (dependency resolution)
	ReadyTasks(ctx context.Context, limit int, now time.Time) ([]*task.Task, error)
	IsReady(ctx context.Context, id string, now time.Time) (bool, error)
	ReadyDependents(ctx context.Context, completedID string) ([]string, error)
	PromoteReady(ctx context.Context, id string) (bool, error)

	// Claim and lease lifecycle
	ClaimTask(ctx context.Context, id string, now time.Time) error
	ReleaseClaim(ctx context.Context, id string) error
	ClaimNextTask(ctx context.Context, workerID string, capabilities []string, ttl time.Duration) (*task.Assignment, error)
	CreateAssignment(ctx context.Context, taskID, workerID string, ttl time.Duration) (*task.Assignment, error)
	StartAssignment(ctx context.Context, assignmentID string) error
	HeartbeatAssignment(ctx context.Context, assignmentID string, renew bool, ttl time.Duration) (*task.Assignment, error)
	GetAssignment(ctx context.Context, id string) (*task.Assignment, error)
	ExpiredAssignments(ctx context.Context, now time.Time) ([]*task.Assignment, error)
	ListActiveAssignments(ctx context.Context) ([]*task.Assignment, error)

	// Outcome application (each call is one transaction, plan recompute included)
	CompleteAssignment(ctx context.Context, assignmentID string, result []byte) (*ApplyResult, error)
	FailAssignment(ctx context.Context, assignmentID, reason string, retry bool, retryAt time.Time, expectedRetryCount int, expired bool) (*ApplyResult, error)
	CancelAssignment(ctx context.Context, assignmentID, reason string) (*ApplyResult, error)
	AbortAssignment(ctx context.Context, assignmentID string) error

	// Plan failure policies
	BlockDependents(ctx context.Context, failedID string) ([]string, error)
	CancelPlanSiblings(ctx context.Context, planID string) (cancelled []string, flagged []string, err error)

	// Plans
	CreatePlan(ctx context.Context, p *task.Plan, tasks []*task.Task) error
	GetPlan(ctx context.Context, id string) (*task.Plan, error)
	GetPlanBySourceRequest(ctx context.Context, sourceRequestID string) (*task.Plan, error)
	ListPlans(ctx context.Context, limit int) ([]*task.Plan, error)

	// Monitoring
	StuckTaskCount(ctx context.Context, heartbeatBefore time.Time) (int, error)
	OutcomeCounts(ctx context.Context, since time.Time) (completed int, failed int, err error)
	ListEvents(ctx context.Context, limit int) ([]*EventRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore backs Store with a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a SQLite-backed store at the given path, creating
// parent directories as needed. Enables WAL mode, foreign keys, and a busy
// timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return openStore(ctx, connStr)
}

// NewMemoryStore creates an in-memory store for testing. Uses a per-call
// unique shared-cache name so parallel tests get isolated databases while
// multiple connections within one store still see the same data.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem_%d?mode=memory&cache=shared", time.Now().UnixNano())
	return openStore(ctx, connStr)
}

func openStore(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite does not honor _foreign_keys in the conn string.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One writer plus one reader; SQLite serializes writes anyway and a
	// second connection keeps read queries from deadlocking against a
	// long transaction.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside an immediate-mode transaction, retrying the whole
// transaction on SQLITE_BUSY with capped exponential backoff.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	op := func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// isBusy detects SQLITE_BUSY / locked-database errors that are worth a
// transaction-level retry.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// nowUTC truncates to whole seconds: datetime values are stored as text and
// compared lexicographically, so every bound time must use the same precision.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
