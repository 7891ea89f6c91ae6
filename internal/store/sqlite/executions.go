// Package sqlite implements the execution store on a local SQLite database.
// WAL mode keeps the record durable across process suspension, the exact
// window where resumability matters.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawstream/internal/store"
)

// ExecutionStore persists execution records in a SQLite table.
type ExecutionStore struct {
	db *sql.DB
}

var _ store.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore opens (or creates) the database at dbPath and ensures
// the schema exists.
func NewExecutionStore(dbPath string) (*ExecutionStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &ExecutionStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("execution store opened", "backend", "sqlite", "path", dbPath)
	return s, nil
}

func (s *ExecutionStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			session_key TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *ExecutionStore) Put(ctx context.Context, rec store.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (session_key, execution_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET execution_id = excluded.execution_id, created_at = excluded.created_at`,
		rec.SessionKey, rec.ExecutionID, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put execution record: %w", err)
	}
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, sessionKey string) (store.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_key, execution_id, created_at FROM executions WHERE session_key = ?`, sessionKey)
	return scanRecord(row)
}

func (s *ExecutionStore) Delete(ctx context.Context, sessionKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("delete execution record: %w", err)
	}
	return nil
}

func (s *ExecutionStore) FindPrefix(ctx context.Context, prefix string, maxAge time.Duration) ([]store.ExecutionRecord, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, execution_id, created_at FROM executions
		 WHERE session_key LIKE ? || '%' AND created_at > ?
		 ORDER BY created_at DESC`, prefix, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find executions: %w", err)
	}
	defer rows.Close()

	var out []store.ExecutionRecord
	for rows.Next() {
		var rec store.ExecutionRecord
		var createdMs int64
		if err := rows.Scan(&rec.SessionKey, &rec.ExecutionID, &createdMs); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ExecutionStore) DeleteStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE created_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *ExecutionStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (store.ExecutionRecord, error) {
	var rec store.ExecutionRecord
	var createdMs int64
	if err := row.Scan(&rec.SessionKey, &rec.ExecutionID, &createdMs); err != nil {
		if err == sql.ErrNoRows {
			return store.ExecutionRecord{}, store.ErrNotFound
		}
		return store.ExecutionRecord{}, err
	}
	rec.CreatedAt = time.UnixMilli(createdMs)
	return rec, nil
}
