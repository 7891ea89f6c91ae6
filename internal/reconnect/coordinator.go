// Package reconnect recovers dropped streams. It persists one execution
// record per in-flight backend run and, when the transport gives up, resumes
// the run through the resume endpoint and replays the buffered events.
package reconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/clawstream/internal/backoff"
	"github.com/nextlevelbuilder/clawstream/internal/store"
	"github.com/nextlevelbuilder/clawstream/internal/tracing"
	"github.com/nextlevelbuilder/clawstream/internal/transport"
	"github.com/nextlevelbuilder/clawstream/pkg/protocol"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 16 * time.Second
)

// Config wires a coordinator to its store, endpoint, and event consumers.
type Config struct {
	Store          store.ExecutionStore
	ResumeEndpoint string
	HTTPClient     *http.Client
	Tokens         transport.TokenProvider
	Headers        map[string]string

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Staleness   time.Duration

	// Apply receives each replayed event in order.
	Apply func(protocol.Event)
	// BeginReplay is called once before a successful resume batch is
	// applied, so the consumer can rewind partial turn state.
	BeginReplay func()
	// OnResumed is called after a replay completes cleanly.
	OnResumed func()

	// Tracing, when set, records a span per resume round.
	Tracing *tracing.Provider
}

func (c *Config) setDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Staleness <= 0 {
		c.Staleness = store.DefaultStaleness
	}
}

// Coordinator tracks one session's in-flight execution and owns its resume
// loop. Only one resume may run per session at a time.
type Coordinator struct {
	cfg Config

	group singleflight.Group

	mu           sync.Mutex
	sessionKey   string
	executionID  string
	reconnecting bool
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{cfg: cfg}
}

// StreamStarted records the execution id in memory and durable storage.
// It must complete before any further event from the stream is dispatched,
// so a crash between stream start and first event still has something to
// resume.
func (c *Coordinator) StreamStarted(ctx context.Context, sessionKey, executionID string) error {
	rec := store.ExecutionRecord{
		ExecutionID: executionID,
		SessionKey:  sessionKey,
		CreatedAt:   time.Now(),
	}
	if err := c.cfg.Store.Put(ctx, rec); err != nil {
		return fmt.Errorf("persist execution record: %w", err)
	}
	c.mu.Lock()
	c.sessionKey = sessionKey
	c.executionID = executionID
	c.reconnecting = false
	c.mu.Unlock()
	slog.Debug("stream started", "session", sessionKey, "execution", executionID)
	return nil
}

// Adopt takes over a previously persisted record without rewriting it, for
// crash/suspend recovery.
func (c *Coordinator) Adopt(rec store.ExecutionRecord) {
	c.mu.Lock()
	c.sessionKey = rec.SessionKey
	c.executionID = rec.ExecutionID
	c.reconnecting = false
	c.mu.Unlock()
}

// StreamCompleted clears the execution record after a clean finish.
func (c *Coordinator) StreamCompleted(ctx context.Context) {
	c.mu.Lock()
	key := c.sessionKey
	c.sessionKey = ""
	c.executionID = ""
	c.mu.Unlock()
	if key == "" {
		return
	}
	if err := c.cfg.Store.Delete(ctx, key); err != nil {
		slog.Warn("failed to clear execution record", "session", key, "error", err)
	}
}

// StreamFailed runs the resume loop for the current execution. It returns
// nil when a resume round succeeded and its batch was replayed, and the
// original error when no execution is known or every round failed. A call
// while a resume is already in flight joins the ongoing one.
func (c *Coordinator) StreamFailed(ctx context.Context, origErr error) error {
	c.mu.Lock()
	sessionKey, executionID := c.sessionKey, c.executionID
	if executionID == "" {
		c.mu.Unlock()
		return origErr
	}
	if c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	c.reconnecting = true
	c.mu.Unlock()

	// singleflight collapses any racing duplicate that slipped past the
	// flag check; both callers observe the same loop outcome.
	_, err, _ := c.group.Do(sessionKey, func() (any, error) {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()
		return nil, c.resumeLoop(ctx, sessionKey, executionID, origErr)
	})
	return err
}

func (c *Coordinator) resumeLoop(ctx context.Context, sessionKey, executionID string, origErr error) error {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return origErr
		}
		// The first round fires immediately; waiting before it would only
		// delay recovery from a transient blip.
		if attempt > 1 {
			delay := backoff.Delay(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt-1)
			select {
			case <-ctx.Done():
				return origErr
			case <-time.After(delay):
			}
		}

		rctx := ctx
		var span trace.Span
		if c.cfg.Tracing != nil {
			rctx, span = c.cfg.Tracing.StartResume(ctx, executionID, attempt)
		}
		events, err := c.fetchResume(rctx, executionID)
		if span != nil {
			tracing.EndWithError(span, err)
		}
		if err != nil {
			slog.Warn("resume round failed",
				"session", sessionKey, "attempt", attempt, "error", err)
			continue
		}

		if c.cfg.BeginReplay != nil {
			c.cfg.BeginReplay()
		}
		replayed := 0
		for _, evt := range events {
			if evt.Kind == protocol.EventCustom && evt.Name == protocol.SignalExecutionMeta {
				// Re-registering the execution mid-replay would hand the
				// run to a second coordinator.
				continue
			}
			if c.cfg.Apply != nil {
				c.cfg.Apply(evt)
			}
			replayed++
		}
		slog.Info("stream resumed", "session", sessionKey, "attempt", attempt, "events", replayed)

		c.StreamCompleted(ctx)
		if c.cfg.OnResumed != nil {
			c.cfg.OnResumed()
		}
		return nil
	}

	slog.Error("resume attempts exhausted", "session", sessionKey, "error", origErr)
	c.StreamCompleted(ctx)
	return origErr
}

func (c *Coordinator) fetchResume(ctx context.Context, executionID string) ([]protocol.Event, error) {
	body, err := json.Marshal(protocol.ResumeRequest{ExecutionID: executionID, Cursor: 0})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ResumeEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if c.cfg.Tokens != nil {
		token, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resume token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &transport.HTTPStatusError{StatusCode: resp.StatusCode}
	}
	return protocol.DecodeAll(resp.Body)
}

// Resumable looks up a young execution record for the session prefix, for
// recovery after a crash or suspend where the failure was never observed.
func (c *Coordinator) Resumable(ctx context.Context, sessionPrefix string) (store.ExecutionRecord, bool, error) {
	recs, err := c.cfg.Store.FindPrefix(ctx, sessionPrefix, c.cfg.Staleness)
	if err != nil {
		return store.ExecutionRecord{}, false, err
	}
	if len(recs) == 0 {
		return store.ExecutionRecord{}, false, nil
	}
	return recs[0], true, nil
}
