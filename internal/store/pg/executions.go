// Package pg implements the execution store on Postgres (managed mode),
// using database/sql over the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/clawstream/internal/store"
)

// OpenDB creates a pooled database/sql connection to Postgres.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("postgres connected", "dsn_len", len(dsn))
	return db, nil
}

// ExecutionStore persists execution records in Postgres.
type ExecutionStore struct {
	db *sql.DB
}

var _ store.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore connects and ensures the schema exists.
func NewExecutionStore(dsn string) (*ExecutionStore, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}

	s := &ExecutionStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *ExecutionStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS executions (
		session_key TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`)
	return err
}

func (s *ExecutionStore) Put(ctx context.Context, rec store.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (session_key, execution_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_key) DO UPDATE SET execution_id = EXCLUDED.execution_id, created_at = EXCLUDED.created_at`,
		rec.SessionKey, rec.ExecutionID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("put execution record: %w", err)
	}
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, sessionKey string) (store.ExecutionRecord, error) {
	var rec store.ExecutionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT session_key, execution_id, created_at FROM executions WHERE session_key = $1`,
		sessionKey).Scan(&rec.SessionKey, &rec.ExecutionID, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return store.ExecutionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.ExecutionRecord{}, fmt.Errorf("get execution record: %w", err)
	}
	return rec, nil
}

func (s *ExecutionStore) Delete(ctx context.Context, sessionKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE session_key = $1`, sessionKey); err != nil {
		return fmt.Errorf("delete execution record: %w", err)
	}
	return nil
}

func (s *ExecutionStore) FindPrefix(ctx context.Context, prefix string, maxAge time.Duration) ([]store.ExecutionRecord, error) {
	cutoff := time.Now().Add(-maxAge)
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, execution_id, created_at FROM executions
		 WHERE session_key LIKE $1 || '%' AND created_at > $2
		 ORDER BY created_at DESC`, prefix, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find executions: %w", err)
	}
	defer rows.Close()

	var out []store.ExecutionRecord
	for rows.Next() {
		var rec store.ExecutionRecord
		if err := rows.Scan(&rec.SessionKey, &rec.ExecutionID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ExecutionStore) DeleteStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE created_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *ExecutionStore) Close() error { return s.db.Close() }
