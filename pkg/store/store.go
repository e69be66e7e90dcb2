// Package store owns the durable state of the network: users, workers,
// tasks, credit transactions and sessions live in a single embedded
// sqlite database. All multi-entity mutations run inside serializable
// transactions so a task settlement can never half-commit.
package store

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUserExists     = errors.New("user already exists")
	ErrWorkerNotFound = errors.New("worker not found")
	ErrTaskNotFound   = errors.New("task not found")
	// ErrTaskNotPending is returned when an assignment races and loses.
	ErrTaskNotPending = errors.New("task is not pending")
	// ErrTaskNotActive is returned when an outcome is reported for a task
	// that is already terminal or was never assigned.
	ErrTaskNotActive   = errors.New("task is not active")
	ErrWorkerMismatch  = errors.New("task is assigned to a different worker")
	ErrSessionNotFound = errors.New("session not found")
)

// Store is the sqlite-backed ledger store
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path.
// Pass ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection keeps Go's pool from
	// fighting over it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		credits REAL NOT NULL DEFAULT 0 CHECK (credits >= 0),
		reputation REAL NOT NULL DEFAULT 1.0,
		total_earned REAL NOT NULL DEFAULT 0,
		total_spent REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT,
		hostname TEXT NOT NULL,
		cpu_cores INTEGER NOT NULL DEFAULT 0,
		gpu_info TEXT NOT NULL DEFAULT '[]',
		memory_bytes INTEGER NOT NULL DEFAULT 0,
		storage_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('online','offline','busy','disabled')),
		reputation REAL NOT NULL DEFAULT 1.0,
		total_tasks_completed INTEGER NOT NULL DEFAULT 0,
		total_tasks_failed INTEGER NOT NULL DEFAULT 0,
		total_earnings REAL NOT NULL DEFAULT 0,
		auth_token TEXT NOT NULL UNIQUE,
		last_heartbeat INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workers_status_heartbeat ON workers(status, last_heartbeat);
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('inference','training','fine-tuning')),
		status TEXT NOT NULL CHECK (status IN ('pending','assigned','running','completed','failed','verified')),
		priority INTEGER NOT NULL DEFAULT 0,
		input_data TEXT,
		result_data TEXT,
		credits_estimate REAL NOT NULL DEFAULT 0,
		assigned_worker_id TEXT,
		output_hash TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority DESC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(assigned_worker_id, status);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('earn','spend','deposit','withdraw')),
		amount REAL NOT NULL,
		balance_after REAL NOT NULL,
		task_id TEXT,
		description TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at DESC);
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// queryer is satisfied by both *sql.DB and *sql.Tx so row helpers and
// ledger primitives can run standalone or inside a settlement.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
