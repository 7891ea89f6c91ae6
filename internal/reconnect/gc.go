package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawstream/internal/store"
)

// DefaultGCSchedule sweeps stale execution records every five minutes.
const DefaultGCSchedule = "*/5 * * * *"

// Sweeper periodically deletes execution records older than the staleness
// window. Records outlive their usefulness when a process dies mid-resume
// and nothing ever completes or exhausts them.
type Sweeper struct {
	store     store.ExecutionStore
	expr      string
	staleness time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	running bool
}

// NewSweeper validates the cron expression and builds a sweeper.
func NewSweeper(s store.ExecutionStore, expr string, staleness time.Duration) (*Sweeper, error) {
	if expr == "" {
		expr = DefaultGCSchedule
	}
	if staleness <= 0 {
		staleness = store.DefaultStaleness
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid gc cron expression: %s", expr)
	}
	return &Sweeper{store: s, expr: expr, staleness: staleness}, nil
}

// Start launches the sweep loop. Calling Start on a running sweeper is a
// no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	go s.loop(s.stop)
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
}

func (s *Sweeper) loop(stop chan struct{}) {
	for {
		next, err := gronx.NextTickAfter(s.expr, time.Now(), false)
		if err != nil {
			slog.Error("gc: failed to compute next sweep", "expr", s.expr, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.Sweep(context.Background())
	}
}

// Sweep removes stale records once, immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	n, err := s.store.DeleteStale(ctx, s.staleness)
	if err != nil {
		slog.Warn("gc: sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("gc: removed stale execution records", "count", n)
	}
}
