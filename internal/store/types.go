// Package store defines durable persistence for in-flight execution records.
// The record is the only resource shared across process lifetimes: it must be
// written before any event from a new stream is dispatched, and removed only
// after clean completion or exhausted resume attempts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record exists for a session key.
var ErrNotFound = errors.New("execution record not found")

// DefaultStaleness is how long an execution record stays resumable.
// Records older than this are garbage, even if never cleanly completed.
const DefaultStaleness = 10 * time.Minute

// ExecutionRecord ties a session to its in-flight backend run.
type ExecutionRecord struct {
	ExecutionID string    `json:"execution_id"`
	SessionKey  string    `json:"session_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stale reports whether the record is older than maxAge at the given instant.
func (r ExecutionRecord) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.CreatedAt) > maxAge
}

// ExecutionStore persists execution records keyed by session key.
// Implementations are safe for concurrent use; multiple sessions in one
// process share a single store.
type ExecutionStore interface {
	// Put inserts or replaces the record for rec.SessionKey.
	Put(ctx context.Context, rec ExecutionRecord) error

	// Get returns the record for sessionKey, or ErrNotFound.
	Get(ctx context.Context, sessionKey string) (ExecutionRecord, error)

	// Delete removes the record for sessionKey. Deleting a missing record
	// is not an error.
	Delete(ctx context.Context, sessionKey string) error

	// FindPrefix returns records whose session key starts with prefix and
	// that are younger than maxAge, newest first.
	FindPrefix(ctx context.Context, prefix string, maxAge time.Duration) ([]ExecutionRecord, error)

	// DeleteStale removes records older than maxAge and reports how many
	// were removed.
	DeleteStale(ctx context.Context, maxAge time.Duration) (int, error)

	Close() error
}

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Config selects and configures a store backend.
type Config struct {
	// Mode: "file" (default), "sqlite", or "postgres".
	Mode string

	// FilePath is the JSON file path for file mode
	// (default ~/.clawstream/executions.json).
	FilePath string

	// SQLitePath is the database path for sqlite mode.
	SQLitePath string

	// PostgresDSN is the connection string for postgres mode.
	PostgresDSN string
}
