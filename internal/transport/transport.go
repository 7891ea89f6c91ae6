// Package transport opens one streaming request against the chat endpoint
// and decodes its incremental body into events, retrying the whole request
// on connection-level failure until the first event is delivered.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawstream/internal/backoff"
	"github.com/nextlevelbuilder/clawstream/pkg/protocol"
)

// Defaults for the request retry tier.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// ErrAborted is returned by Run when the stream was stopped locally.
var ErrAborted = errors.New("stream aborted")

// TokenProvider supplies the current bearer token on demand. It may refresh
// internally and may return "" for anonymous sessions.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a fixed token ("" = anonymous).
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Config tunes a Stream.
type Config struct {
	MaxRetries int           // full-request retries (default 3)
	BaseDelay  time.Duration // backoff base (default 1s)
	MaxDelay   time.Duration // backoff cap (default 30s)
	Client     *http.Client  // default http.DefaultClient
	Tokens     TokenProvider // nil = anonymous
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
}

// HTTPStatusError reports a non-2xx response from the stream endpoint.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Stream is one logical streaming request. Create with New, run once with
// Run, stop with Abort. A Stream is not reusable.
type Stream struct {
	cfg      Config
	endpoint string
	body     []byte
	headers  map[string]string

	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted bool
}

// New prepares a stream against endpoint with the given JSON request body.
func New(cfg Config, endpoint string, body []byte, headers map[string]string) *Stream {
	cfg.setDefaults()
	return &Stream{cfg: cfg, endpoint: endpoint, body: body, headers: headers}
}

// Abort stops the stream immediately. Idempotent; no events are delivered
// after it returns. Already-delivered events are not rolled back.
func (s *Stream) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return
	}
	s.aborted = true
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Stream) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Run opens the request and invokes onEvent synchronously for each decoded
// event, preserving arrival order. It blocks until the stream terminates and
// returns nil on clean end-of-body, ErrAborted after Abort, or the terminal
// error once retries are exhausted.
//
// The whole request is retried only while no event has been delivered yet:
// live events carry no sequence numbers, so re-requesting after delivery
// would duplicate them. Mid-stream failures are terminal here and belong to
// the resume tier.
func (s *Stream) Run(ctx context.Context, onEvent func(protocol.Event)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return ErrAborted
	}
	s.cancel = cancel
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if !backoff.Wait(ctx.Done(), s.cfg.BaseDelay, s.cfg.MaxDelay, attempt-1) {
				return s.terminalErr(ctx.Err())
			}
			slog.Debug("retrying stream request", "endpoint", s.endpoint, "attempt", attempt)
		}

		delivered, err := s.once(ctx, onEvent)
		if err == nil {
			return nil
		}
		if delivered {
			// Events already reached the reducer; re-requesting would
			// duplicate them. Terminal for this tier.
			return s.terminalErr(err)
		}
		lastErr = err
		if ctx.Err() != nil {
			return s.terminalErr(ctx.Err())
		}
		slog.Debug("stream request failed", "endpoint", s.endpoint, "attempt", attempt, "error", err)
	}
	return s.terminalErr(fmt.Errorf("stream failed after %d attempts: %w", s.cfg.MaxRetries, lastErr))
}

func (s *Stream) terminalErr(err error) error {
	if s.isAborted() {
		return ErrAborted
	}
	return err
}

// once performs one full request. delivered reports whether any event
// reached onEvent.
func (s *Stream) once(ctx context.Context, onEvent func(protocol.Event)) (delivered bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(s.body))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	if s.cfg.Tokens != nil {
		token, err := s.cfg.Tokens.Token(ctx)
		if err != nil {
			return false, fmt.Errorf("fetch token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	scanner := protocol.NewScanner(resp.Body)
	for {
		payload, ok := scanner.Next()
		if !ok {
			break
		}
		evt, perr := protocol.ParseEvent([]byte(payload))
		if perr != nil {
			// One bad frame must not abort an otherwise-healthy stream.
			slog.Debug("dropping undecodable frame", "error", perr)
			continue
		}
		if s.isAborted() {
			return delivered, ErrAborted
		}
		onEvent(evt)
		delivered = true
	}
	if err := scanner.Err(); err != nil {
		return delivered, fmt.Errorf("read stream: %w", err)
	}
	return delivered, nil
}
