// Package storage holds the persistence backends of the board service:
// the SQLite relational store, the Azure Table preference store and the
// Redis board snapshot cache.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"prism-board/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	full_name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	preferences TEXT
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS statuses (
	id TEXT PRIMARY KEY,
	board_id TEXT NOT NULL,
	name TEXT NOT NULL,
	position REAL NOT NULL DEFAULT 0,
	is_default INTEGER NOT NULL DEFAULT 0,
	is_terminal INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS labels (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	board_id TEXT NOT NULL,
	creator_id TEXT NOT NULL,
	agent_creator_id TEXT REFERENCES agents(id),
	title TEXT NOT NULL,
	description TEXT,
	description_text TEXT NOT NULL DEFAULT '',
	status_id TEXT NOT NULL REFERENCES statuses(id),
	priority TEXT NOT NULL DEFAULT 'none',
	due_date TEXT,
	position REAL NOT NULL,
	parent_id TEXT REFERENCES tasks(id),
	completed_at TEXT,
	cover_type TEXT,
	cover_value TEXT,
	cover_size TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_assignees (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	user_id TEXT REFERENCES users(id),
	agent_id TEXT REFERENCES agents(id),
	CHECK ((user_id IS NULL) != (agent_id IS NULL)),
	UNIQUE (task_id, user_id),
	UNIQUE (task_id, agent_id)
);

CREATE TABLE IF NOT EXISTS task_watchers (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	user_id TEXT REFERENCES users(id),
	agent_id TEXT REFERENCES agents(id),
	CHECK ((user_id IS NULL) != (agent_id IS NULL)),
	UNIQUE (task_id, user_id),
	UNIQUE (task_id, agent_id)
);

CREATE TABLE IF NOT EXISTS task_labels (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	label_id TEXT NOT NULL REFERENCES labels(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, label_id)
);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	filename TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS checklist_items (
	id TEXT PRIMARY KEY,
	checklist_id TEXT NOT NULL,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	position REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS custom_fields (
	id TEXT PRIMARY KEY,
	board_id TEXT NOT NULL,
	name TEXT NOT NULL,
	position REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS reactions (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	emoji TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activity (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	task_id TEXT REFERENCES tasks(id) ON DELETE SET NULL,
	user_id TEXT NOT NULL,
	agent_id TEXT,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	changes TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	actor_id TEXT,
	project_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	title TEXT NOT NULL,
	message TEXT NOT NULL,
	data TEXT,
	is_read INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhooks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	url TEXT NOT NULL,
	secret TEXT NOT NULL DEFAULT '',
	events TEXT NOT NULL DEFAULT '[]',
	is_active INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_tasks_board ON tasks(board_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status_id, position);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id, position);
CREATE INDEX IF NOT EXISTS idx_statuses_board ON statuses(board_id);
CREATE INDEX IF NOT EXISTS idx_checklist_items_checklist ON checklist_items(checklist_id, position);
CREATE INDEX IF NOT EXISTS idx_custom_fields_board ON custom_fields(board_id, position);
CREATE INDEX IF NOT EXISTS idx_reactions_entity ON reactions(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_activity_task ON activity(task_id);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_webhooks_project ON webhooks(project_id);
`

// querier is the part of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries implements domain.Tx over a connection or a transaction.
type Queries struct {
	q querier
}

// DB wraps the SQLite database. Outside RunInTx every query runs in
// autocommit mode.
type DB struct {
	*sql.DB
	*Queries
}

var _ domain.Store = (*DB)(nil)

// Open opens or creates the database at path. SQLite allows a single
// writer, so the pool is limited to one connection.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{DB: db, Queries: &Queries{q: db}}, nil
}

// Init creates the schema.
func (db *DB) Init() error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RunInTx runs fn in one transaction and commits when fn returns nil.
func (db *DB) RunInTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Queries{q: tx}); err != nil {
		_ = tx.Rollback()
		return conflict(err)
	}
	if err := tx.Commit(); err != nil {
		return conflict(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// conflict marks lock contention so callers can retry.
func conflict(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
	}
	return err
}

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
