// Package file implements the execution store on a single JSON file
// (standalone mode). Writes are atomic: marshal to a temp file, then rename.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawstream/internal/store"
)

// ExecutionStore is a mutex-guarded JSON file of session → record.
type ExecutionStore struct {
	path string

	mu      sync.Mutex
	records map[string]store.ExecutionRecord
}

var _ store.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore loads (or creates) the store file at path.
func NewExecutionStore(path string) (*ExecutionStore, error) {
	s := &ExecutionStore{
		path:    path,
		records: make(map[string]store.ExecutionRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ExecutionStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read execution store: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		// A corrupt store file means lost resumability, not a dead client.
		slog.Warn("execution store corrupt, starting empty", "path", s.path, "error", err)
		s.records = make(map[string]store.ExecutionRecord)
	}
	return nil
}

// save writes the full map atomically. Must be called with s.mu held.
func (s *ExecutionStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write execution store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename execution store: %w", err)
	}
	return nil
}

func (s *ExecutionStore) Put(_ context.Context, rec store.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionKey] = rec
	return s.save()
}

func (s *ExecutionStore) Get(_ context.Context, sessionKey string) (store.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionKey]
	if !ok {
		return store.ExecutionRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *ExecutionStore) Delete(_ context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[sessionKey]; !ok {
		return nil
	}
	delete(s.records, sessionKey)
	return s.save()
}

func (s *ExecutionStore) FindPrefix(_ context.Context, prefix string, maxAge time.Duration) ([]store.ExecutionRecord, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.ExecutionRecord
	for key, rec := range s.records {
		if !strings.HasPrefix(key, prefix) || rec.Stale(now, maxAge) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *ExecutionStore) DeleteStale(_ context.Context, maxAge time.Duration) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if rec.Stale(now, maxAge) {
			delete(s.records, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save()
}

func (s *ExecutionStore) Close() error { return nil }
