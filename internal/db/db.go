// Package db keeps adw's sqlite side tables: a run index, trigger dedup
// fingerprints and the shared port lease table.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloud-shuttle/adw/internal/state"
	_ "github.com/glebarez/go-sqlite"
)

// Store manages database operations
type Store struct {
	DB *sql.DB
}

// RunSummary is one row of the run index
type RunSummary struct {
	RunID        string
	IssueNumber  string
	BranchName   string
	WorktreePath string
	ServerPort   int
	ClientPort   int
	LastStage    string
	CreatedAt    int64
	UpdatedAt    int64
}

// Open opens a SQLite database at the given path, creating its directory
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them;
	// dispatchers and stage processes share this file.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{DB: db}
	if err := store.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// InitSchema creates the database schema
func (s *Store) InitSchema() error {
	schema := `
	-- One row per run, mirrored from the run record on every save
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		issue_number TEXT,
		branch_name TEXT,
		worktree_path TEXT,
		server_port INTEGER DEFAULT 0,
		client_port INTEGER DEFAULT 0,
		last_stage TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Last trigger occurrence acted on, per dispatcher scope and item
	CREATE TABLE IF NOT EXISTS trigger_dedup (
		scope TEXT NOT NULL,
		item_key TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, item_key)
	);

	-- Port pairs handed out to runs
	CREATE TABLE IF NOT EXISTS port_leases (
		run_id TEXT PRIMARY KEY,
		server_port INTEGER NOT NULL UNIQUE,
		client_port INTEGER NOT NULL UNIQUE,
		leased_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at DESC);
	`

	_, err := s.DB.Exec(schema)
	return err
}

// IndexRun upserts the run index row for rec
func (s *Store) IndexRun(ctx context.Context, rec state.Record) error {
	now := time.Now().Unix()
	updated := rec.UpdatedAt.Unix()
	if rec.UpdatedAt.IsZero() {
		updated = now
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (run_id, issue_number, branch_name, worktree_path,
		                  server_port, client_port, last_stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			issue_number = excluded.issue_number,
			branch_name = excluded.branch_name,
			worktree_path = excluded.worktree_path,
			server_port = excluded.server_port,
			client_port = excluded.client_port,
			last_stage = excluded.last_stage,
			updated_at = excluded.updated_at
	`, rec.RunID, rec.IssueNumber, rec.BranchName, rec.WorktreePath,
		rec.ServerPort, rec.ClientPort, rec.LastStage, now, updated)
	if err != nil {
		return fmt.Errorf("indexing run %s: %w", rec.RunID, err)
	}
	return nil
}

// ListRuns returns indexed runs, most recently updated first.
// A limit of zero returns every row.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `
		SELECT run_id, COALESCE(issue_number, ''), COALESCE(branch_name, ''),
		       COALESCE(worktree_path, ''), server_port, client_port,
		       COALESCE(last_stage, ''), created_at, updated_at
		FROM runs
		ORDER BY updated_at DESC, run_id ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.IssueNumber, &r.BranchName, &r.WorktreePath,
			&r.ServerPort, &r.ClientPort, &r.LastStage, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
