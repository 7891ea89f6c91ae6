package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	filestore "github.com/nextlevelbuilder/clawstream/internal/store/file"
	"github.com/nextlevelbuilder/clawstream/pkg/protocol"
)

func newTestStore(t *testing.T) *filestore.ExecutionStore {
	t.Helper()
	s, err := filestore.NewExecutionStore(filepath.Join(t.TempDir(), "executions.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func readJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func replayBody(events ...string) string {
	out := ""
	for _, e := range events {
		out += "data: " + e + "\n"
	}
	return out + "data: [DONE]\n"
}

func TestStreamFailedReplaysAndClearsRecord(t *testing.T) {
	st := newTestStore(t)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var req protocol.ResumeRequest
		if err := readJSON(r, &req); err != nil {
			t.Errorf("bad resume request: %v", err)
		}
		if req.ExecutionID != "exec-1" || req.Cursor != 0 {
			t.Errorf("resume request = %+v", req)
		}
		fmt.Fprint(w, replayBody(
			`{"type":"RUN_STARTED","sequenceNumber":1}`,
			`{"type":"CUSTOM","name":"execution_meta","value":{"executionId":"exec-1"},"sequenceNumber":2}`,
			`{"type":"TEXT_MESSAGE_START","messageId":"m1","sequenceNumber":3}`,
			`{"type":"RUN_FINISHED","sequenceNumber":4}`,
		))
	}))
	defer srv.Close()

	var applied []protocol.Event
	var replayStarts, resumed int
	c := New(Config{
		Store:          st,
		ResumeEndpoint: srv.URL,
		Apply:          func(e protocol.Event) { applied = append(applied, e) },
		BeginReplay:    func() { replayStarts++ },
		OnResumed:      func() { resumed++ },
	})

	ctx := context.Background()
	if err := c.StreamStarted(ctx, "agent:main:cli:sess1", "exec-1"); err != nil {
		t.Fatal(err)
	}

	if err := c.StreamFailed(ctx, errors.New("connection reset")); err != nil {
		t.Fatalf("StreamFailed: %v", err)
	}

	if replayStarts != 1 || resumed != 1 {
		t.Errorf("replayStarts=%d resumed=%d", replayStarts, resumed)
	}
	if len(applied) != 3 {
		t.Fatalf("applied %d events, want 3 (execution_meta suppressed)", len(applied))
	}
	for _, e := range applied {
		if e.Kind == protocol.EventCustom && e.Name == protocol.SignalExecutionMeta {
			t.Error("execution_meta replayed through the apply path")
		}
	}
	if _, err := st.Get(ctx, "agent:main:cli:sess1"); err == nil {
		t.Error("record not cleared after successful resume")
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("resume requests = %d, want 1", n)
	}
}

func TestStreamFailedNoExecutionReturnsOriginalError(t *testing.T) {
	c := New(Config{Store: newTestStore(t), ResumeEndpoint: "http://unreachable.invalid"})
	orig := errors.New("boom")
	if err := c.StreamFailed(context.Background(), orig); !errors.Is(err, orig) {
		t.Fatalf("err = %v, want original", err)
	}
}

func TestStreamFailedExhaustionSurfacesOriginalError(t *testing.T) {
	st := newTestStore(t)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{
		Store:          st,
		ResumeEndpoint: srv.URL,
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
	})

	ctx := context.Background()
	if err := c.StreamStarted(ctx, "agent:main:cli:sess1", "exec-1"); err != nil {
		t.Fatal(err)
	}

	orig := errors.New("connection reset")
	if err := c.StreamFailed(ctx, orig); !errors.Is(err, orig) {
		t.Fatalf("err = %v, want original error", err)
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("resume rounds = %d, want 3", n)
	}
	if _, err := st.Get(ctx, "agent:main:cli:sess1"); err == nil {
		t.Error("record not cleared after exhaustion")
	}
}

func TestStreamFailedReentrantIsNoOp(t *testing.T) {
	st := newTestStore(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, replayBody(`{"type":"RUN_FINISHED","sequenceNumber":1}`))
	}))
	defer srv.Close()

	c := New(Config{Store: st, ResumeEndpoint: srv.URL})
	ctx := context.Background()
	if err := c.StreamStarted(ctx, "agent:main:cli:sess1", "exec-1"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.StreamFailed(ctx, errors.New("reset")) }()

	// Wait until the first call is inside its resume round.
	deadline := time.After(time.Second)
	for {
		c.mu.Lock()
		busy := c.reconnecting
		c.mu.Unlock()
		if busy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first StreamFailed never started reconnecting")
		case <-time.After(2 * time.Millisecond):
		}
	}

	if err := c.StreamFailed(ctx, errors.New("reset again")); err != nil {
		t.Fatalf("re-entrant call = %v, want nil", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first call = %v", err)
	}
}

func TestStreamFailedCancelledContext(t *testing.T) {
	st := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{Store: st, ResumeEndpoint: srv.URL, BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.StreamStarted(ctx, "agent:main:cli:sess1", "exec-1"); err != nil {
		t.Fatal(err)
	}
	cancel()

	orig := errors.New("reset")
	start := time.Now()
	if err := c.StreamFailed(ctx, orig); !errors.Is(err, orig) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not stop the backoff loop promptly")
	}
}

func TestResumableFindsYoungRecord(t *testing.T) {
	st := newTestStore(t)
	c := New(Config{Store: st, ResumeEndpoint: "http://unused.invalid"})

	ctx := context.Background()
	if err := c.StreamStarted(ctx, "agent:main:cli:sess1", "exec-9"); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := c.Resumable(ctx, "agent:main:cli:")
	if err != nil || !ok {
		t.Fatalf("Resumable = %v, %v", ok, err)
	}
	if rec.ExecutionID != "exec-9" {
		t.Errorf("execution = %q", rec.ExecutionID)
	}

	if _, ok, _ := c.Resumable(ctx, "agent:other:"); ok {
		t.Error("found record under wrong prefix")
	}
}

func TestStreamCompletedClearsRecord(t *testing.T) {
	st := newTestStore(t)
	c := New(Config{Store: st, ResumeEndpoint: "http://unused.invalid"})

	ctx := context.Background()
	if err := c.StreamStarted(ctx, "agent:main:cli:sess1", "exec-1"); err != nil {
		t.Fatal(err)
	}
	c.StreamCompleted(ctx)
	if _, err := st.Get(ctx, "agent:main:cli:sess1"); err == nil {
		t.Error("record survived clean completion")
	}

	// A later failure has nothing to resume.
	orig := errors.New("reset")
	if err := c.StreamFailed(ctx, orig); !errors.Is(err, orig) {
		t.Errorf("err = %v, want original", err)
	}
}

func TestSweeperValidatesSchedule(t *testing.T) {
	st := newTestStore(t)
	if _, err := NewSweeper(st, "not a cron", 0); err == nil {
		t.Fatal("invalid expression accepted")
	}
	sw, err := NewSweeper(st, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	sw.Start()
	sw.Start()
	sw.Stop()
	sw.Stop()
}

func TestSweepRemovesStaleRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	c := New(Config{Store: st, ResumeEndpoint: "http://unused.invalid"})
	if err := c.StreamStarted(ctx, "agent:main:cli:old", "exec-old"); err != nil {
		t.Fatal(err)
	}

	sw, err := NewSweeper(st, DefaultGCSchedule, time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	sw.Sweep(ctx)

	if _, err := st.Get(ctx, "agent:main:cli:old"); err == nil {
		t.Error("stale record survived sweep")
	}
}
