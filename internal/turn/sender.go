// Package turn composes outbound user turns and wires one session's
// transport, reconnection coordinator, and reducer together. One sender per
// session; one active stream at a time.
package turn

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawstream/internal/reconnect"
	"github.com/nextlevelbuilder/clawstream/internal/tracing"
	"github.com/nextlevelbuilder/clawstream/internal/reducer"
	"github.com/nextlevelbuilder/clawstream/internal/store"
	"github.com/nextlevelbuilder/clawstream/internal/transport"
	"github.com/nextlevelbuilder/clawstream/pkg/protocol"
)

// ErrRateLimited is returned when a send exceeds the per-session budget.
var ErrRateLimited = errors.New("send rate limit exceeded")

// ErrRecovered marks a resume triggered by crash recovery rather than an
// observed stream failure.
var ErrRecovered = errors.New("stream recovered after restart")

// Attachment is one binary input to a multimodal turn.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// Config wires a sender.
type Config struct {
	SessionKey string
	ThreadID   string

	ChatEndpoint   string
	CancelEndpoint string
	HTTPClient     *http.Client
	Tokens         transport.TokenProvider
	Headers        map[string]string

	Turn protocol.TurnState

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// RatePerMinute/RateBurst bound outbound sends. Zero disables limiting.
	RatePerMinute int
	RateBurst     int

	Reducer     *reducer.Reducer
	Coordinator *reconnect.Coordinator
	Tracing     *tracing.Provider
}

// Sender runs outbound turns for one session.
type Sender struct {
	cfg     Config
	limiter *rate.Limiter

	mu          sync.Mutex
	history     []protocol.TurnMessage
	active      *transport.Stream
	executionID string
}

// NewSender creates a sender. Reducer and Coordinator are required.
func NewSender(cfg Config) *Sender {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.ThreadID == "" {
		cfg.ThreadID = store.GenNewID()
	}
	s := &Sender{cfg: cfg}
	if cfg.RatePerMinute > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), burst)
	}
	return s
}

// Send opens a stream for a new user turn and blocks until the turn reaches
// a terminal state: clean completion, successful resume, local stop, or an
// unrecoverable error. A previous active stream is aborted first.
func (s *Sender) Send(ctx context.Context, text string, attachments []Attachment) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return ErrRateLimited
	}
	runID := store.GenNewID()
	if s.cfg.Tracing == nil {
		return s.send(ctx, runID, text, attachments)
	}
	ctx, span := s.cfg.Tracing.StartTurn(ctx, s.cfg.SessionKey, runID)
	err := s.send(ctx, runID, text, attachments)
	tracing.EndWithError(span, err)
	return err
}

func (s *Sender) send(ctx context.Context, runID, text string, attachments []Attachment) error {
	userMsg := composeUserMessage(text, attachments)

	s.mu.Lock()
	if s.active != nil {
		s.active.Abort()
		s.active = nil
	}
	s.history = append(s.history, userMsg)
	req := protocol.TurnRequest{
		ThreadID: s.cfg.ThreadID,
		RunID:    runID,
		Messages: append([]protocol.TurnMessage(nil), s.history...),
		State:    s.cfg.Turn,
	}
	s.mu.Unlock()

	s.cfg.Reducer.AppendUserMessage(userMsg.ID, text, attachmentImages(attachments))
	s.cfg.Reducer.NewTurn()

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	stream := transport.New(transport.Config{
		Client:     s.cfg.HTTPClient,
		Tokens:     s.cfg.Tokens,
		MaxRetries: s.cfg.MaxRetries,
		BaseDelay:  s.cfg.BaseDelay,
		MaxDelay:   s.cfg.MaxDelay,
	}, s.cfg.ChatEndpoint, body, s.cfg.Headers)

	s.mu.Lock()
	s.active = stream
	s.mu.Unlock()

	runErr := stream.Run(ctx, func(evt protocol.Event) {
		s.dispatch(ctx, evt)
	})

	s.mu.Lock()
	if s.active == stream {
		s.active = nil
	}
	s.mu.Unlock()

	switch {
	case runErr == nil:
		s.cfg.Coordinator.StreamCompleted(ctx)
		s.recordAssistantTurn()
		return nil
	case errors.Is(runErr, transport.ErrAborted):
		s.cfg.Reducer.MarkStopped()
		return nil
	default:
		if err := s.cfg.Coordinator.StreamFailed(ctx, runErr); err != nil {
			return err
		}
		s.recordAssistantTurn()
		return nil
	}
}

// dispatch routes one live event. The execution record must be durable
// before anything after the meta event reaches the reducer.
func (s *Sender) dispatch(ctx context.Context, evt protocol.Event) {
	if evt.Kind == protocol.EventCustom && evt.Name == protocol.SignalExecutionMeta {
		var meta protocol.ExecutionMeta
		if err := protocol.DecodeSignal(evt.Value, &meta); err != nil || meta.ExecutionID == "" {
			slog.Warn("unusable execution_meta signal", "error", err)
			return
		}
		s.mu.Lock()
		s.executionID = meta.ExecutionID
		s.mu.Unlock()
		if err := s.cfg.Coordinator.StreamStarted(ctx, s.cfg.SessionKey, meta.ExecutionID); err != nil {
			slog.Error("failed to persist execution record", "error", err)
		}
		return
	}
	s.cfg.Reducer.Apply(evt)
}

// recordAssistantTurn appends the finished assistant reply to the outbound
// history so the next turn carries it.
func (s *Sender) recordAssistantTurn() {
	snap := s.cfg.Reducer.Snapshot()
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		m := snap.Messages[i]
		if m.Role != reducer.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Text) == "" {
			return
		}
		s.mu.Lock()
		s.history = append(s.history, protocol.TurnMessage{
			ID:   m.ID,
			Role: protocol.RoleAssistant,
			Text: m.Text,
		})
		s.mu.Unlock()
		return
	}
}

// Stop aborts the active stream immediately and notifies the backend to
// cancel server-side work without waiting for it. Idempotent.
func (s *Sender) Stop() {
	s.mu.Lock()
	active := s.active
	s.active = nil
	executionID := s.executionID
	s.mu.Unlock()

	if active != nil {
		active.Abort()
	}
	if executionID != "" && s.cfg.CancelEndpoint != "" {
		go s.cancelRemote(executionID)
	}
}

func (s *Sender) cancelRemote(executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body, err := json.Marshal(protocol.CancelRequest{ExecutionID: executionID})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.CancelEndpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Tokens != nil {
		if token, err := s.cfg.Tokens.Token(ctx); err == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		slog.Debug("cancel notification failed", "error", err)
		return
	}
	resp.Body.Close()
}

// ResumeWatch recovers an in-flight run after a crash or suspend: if a
// young execution record exists for the session, adopt it and run the resume
// loop as if a failure had just been observed.
func (s *Sender) ResumeWatch(ctx context.Context) (bool, error) {
	rec, ok, err := s.cfg.Coordinator.Resumable(ctx, s.cfg.SessionKey)
	if err != nil || !ok {
		return false, err
	}
	s.cfg.Coordinator.Adopt(rec)
	s.mu.Lock()
	s.executionID = rec.ExecutionID
	s.mu.Unlock()

	s.cfg.Reducer.NewTurn()
	if err := s.cfg.Coordinator.StreamFailed(ctx, ErrRecovered); err != nil {
		return true, err
	}
	s.recordAssistantTurn()
	return true, nil
}

// History returns a copy of the outbound message list.
func (s *Sender) History() []protocol.TurnMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.TurnMessage(nil), s.history...)
}

func composeUserMessage(text string, attachments []Attachment) protocol.TurnMessage {
	msg := protocol.TurnMessage{
		ID:   store.GenNewID(),
		Role: protocol.RoleUser,
		Text: text,
	}
	if len(attachments) == 0 {
		return msg
	}
	parts := make([]protocol.ContentPart, 0, len(attachments)+1)
	parts = append(parts, protocol.ContentPart{Type: protocol.PartText, Text: text})
	for _, a := range attachments {
		parts = append(parts, protocol.ContentPart{
			Type:     protocol.PartBinary,
			MimeType: a.MimeType,
			Data:     base64.StdEncoding.EncodeToString(a.Data),
			Filename: a.Filename,
		})
	}
	msg.Parts = parts
	return msg
}

func attachmentImages(attachments []Attachment) []protocol.ImageRef {
	var images []protocol.ImageRef
	for _, a := range attachments {
		if !strings.HasPrefix(a.MimeType, "image/") {
			continue
		}
		images = append(images, protocol.ImageRef{
			MimeType: a.MimeType,
			Data:     base64.StdEncoding.EncodeToString(a.Data),
		})
	}
	return images
}
