package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/me/wdlharness/pkg/executor"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: an in-memory database exists per connection, and the
	// pragmas below are per connection too.
	db.SetMaxOpenConns(1)

	// Concurrent harness processes may share the file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Open opens and migrates the store at dbPath.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// Get returns the cached workflow, or nil when there is none. A hit records
// the time of use.
func (s *SQLiteStore) Get(ctx context.Context, executorName, key string) (*executor.CachedWorkflow, error) {
	s.logger.Debug("sql", "op", "select", "table", "workflow_cache", "executor", executorName, "key", key)

	var wf executor.CachedWorkflow
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT executor, cache_key, workflow_id, source, created_at
		 FROM workflow_cache WHERE executor = ? AND cache_key = ?`, executorName, key,
	).Scan(&wf.Executor, &wf.Key, &wf.WorkflowID, &wf.Source, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if _, err := s.db.ExecContext(ctx,
		`UPDATE workflow_cache SET last_used_at = ? WHERE executor = ? AND cache_key = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), executorName, key,
	); err != nil {
		s.logger.Warn("record cache use failed", "error", err)
	}
	return &wf, nil
}

// Put inserts or replaces an entry.
func (s *SQLiteStore) Put(ctx context.Context, wf *executor.CachedWorkflow) error {
	s.logger.Debug("sql", "op", "upsert", "table", "workflow_cache", "executor", wf.Executor, "key", wf.Key)

	created := wf.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_cache (executor, cache_key, workflow_id, source, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(executor, cache_key) DO UPDATE SET
		   workflow_id = excluded.workflow_id,
		   source = excluded.source,
		   created_at = excluded.created_at`,
		wf.Executor, wf.Key, wf.WorkflowID, wf.Source,
		created.UTC().Format(time.RFC3339Nano), "",
	)
	return err
}

// List returns all entries, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*executor.CachedWorkflow, error) {
	s.logger.Debug("sql", "op", "select", "table", "workflow_cache")

	rows, err := s.db.QueryContext(ctx,
		`SELECT executor, cache_key, workflow_id, source, created_at
		 FROM workflow_cache ORDER BY created_at, cache_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*executor.CachedWorkflow
	for rows.Next() {
		var wf executor.CachedWorkflow
		var createdAt string
		if err := rows.Scan(&wf.Executor, &wf.Key, &wf.WorkflowID, &wf.Source, &createdAt); err != nil {
			return nil, err
		}
		wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &wf)
	}
	return out, rows.Err()
}

// Delete removes one entry.
func (s *SQLiteStore) Delete(ctx context.Context, executorName, key string) (bool, error) {
	s.logger.Debug("sql", "op", "delete", "table", "workflow_cache", "executor", executorName, "key", key)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_cache WHERE executor = ? AND cache_key = ?`, executorName, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Clear removes every entry and returns how many were removed.
func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	s.logger.Debug("sql", "op", "delete", "table", "workflow_cache")

	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_cache`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
