package persistence

import (
	"context"
)

// initSchema creates the tables and indexes on first open.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		source_request_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_plans_source_request
		ON plans(source_request_id) WHERE source_request_id != '';

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		plan_id TEXT REFERENCES plans(id) ON DELETE CASCADE,
		plan_seq INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		assigned_worker_id TEXT NOT NULL DEFAULT '',
		available_at DATETIME,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME,
		result BLOB,
		failure TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority DESC, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(plan_id);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_task_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_task_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on
		ON task_dependencies(depends_on_task_id);

	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		worker_id TEXT NOT NULL,
		leased_at DATETIME NOT NULL,
		heartbeat_at DATETIME NOT NULL,
		lease_expires_at DATETIME NOT NULL,
		released_at DATETIME,
		outcome TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_active
		ON assignments(task_id) WHERE released_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_assignments_expiry
		ON assignments(lease_expires_at) WHERE released_at IS NULL;

	CREATE TABLE IF NOT EXISTS task_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL DEFAULT '',
		plan_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);
	CREATE INDEX IF NOT EXISTS idx_task_events_window ON task_events(event_type, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
