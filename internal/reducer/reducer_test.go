package reducer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawstream/pkg/protocol"
)

func seqPtr(n int64) *int64 { return &n }

func applyAll(r *Reducer, events []protocol.Event) {
	for _, e := range events {
		r.Apply(e)
	}
}

func simpleTurn() []protocol.Event {
	return []protocol.Event{
		{Kind: protocol.EventRunStarted},
		{Kind: protocol.EventTextStart, MessageID: "m1"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: "Hi"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: " there"},
		{Kind: protocol.EventTextEnd, MessageID: "m1"},
		{Kind: protocol.EventRunFinished},
	}
}

func TestSimpleTextTurn(t *testing.T) {
	r := New(Config{})
	applyAll(r, simpleTurn())

	s := r.Snapshot()
	if len(s.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(s.Messages))
	}
	m := s.Messages[0]
	if m.Role != RoleAssistant {
		t.Errorf("role = %q, want assistant", m.Role)
	}
	if m.Text != "Hi there" {
		t.Errorf("text = %q, want %q", m.Text, "Hi there")
	}
	if m.IsStreaming {
		t.Error("message still streaming after run finished")
	}
	if s.AgentStatus != StatusIdle {
		t.Errorf("status = %q, want idle", s.AgentStatus)
	}
}

func TestToolCallLifecycle(t *testing.T) {
	r := New(Config{})
	applyAll(r, []protocol.Event{
		{Kind: protocol.EventRunStarted},
		{Kind: protocol.EventToolCallStart, ToolCallID: "t1", ToolName: "web_search"},
		{Kind: protocol.EventToolCallArgs, ToolCallID: "t1", Delta: `{"qu`},
		{Kind: protocol.EventToolCallArgs, ToolCallID: "t1", Delta: `ery":"go"}`},
		{Kind: protocol.EventToolCallEnd, ToolCallID: "t1"},
	})

	s := r.Snapshot()
	if len(s.Messages) != 1 || len(s.Messages[0].ToolExecutions) != 1 {
		t.Fatalf("expected one message with one tool execution, got %+v", s.Messages)
	}
	te := s.Messages[0].ToolExecutions[0]
	if te.AccumulatedArgs != `{"query":"go"}` {
		t.Errorf("accumulated args = %q", te.AccumulatedArgs)
	}
	if te.IsComplete {
		t.Error("tool complete before result")
	}

	r.Apply(protocol.Event{Kind: protocol.EventToolCallResult, ToolCallID: "t1", Result: "3 hits"})
	te = r.Snapshot().Messages[0].ToolExecutions[0]
	if !te.IsComplete {
		t.Error("tool not complete after result")
	}
	if te.Result != "3 hits" {
		t.Errorf("result = %q", te.Result)
	}
	if te.ToolName != "web_search" {
		t.Errorf("tool name = %q", te.ToolName)
	}
}

func TestStatusTransitions(t *testing.T) {
	r := New(Config{})

	r.Apply(protocol.Event{Kind: protocol.EventRunStarted})
	if got := r.Snapshot().AgentStatus; got != StatusThinking {
		t.Fatalf("after run started: %q", got)
	}

	r.Apply(protocol.Event{Kind: protocol.EventTextStart, MessageID: "m1"})
	if got := r.Snapshot().AgentStatus; got != StatusResponding {
		t.Fatalf("after text start: %q", got)
	}

	r.Apply(protocol.Event{Kind: protocol.EventToolCallStart, ToolCallID: "t1", ToolName: "web_search"})
	s := r.Snapshot()
	if s.AgentStatus != StatusThinking {
		t.Fatalf("after tool start: %q", s.AgentStatus)
	}
	if s.ActivityLabel != "Searching the web" {
		t.Errorf("label = %q", s.ActivityLabel)
	}

	r.Apply(protocol.Event{Kind: protocol.EventRunFinished})
	s = r.Snapshot()
	if s.AgentStatus != StatusIdle || s.ActivityLabel != "" {
		t.Errorf("after run finished: status=%q label=%q", s.AgentStatus, s.ActivityLabel)
	}
}

func TestRunErrorAppendsErrorMessage(t *testing.T) {
	r := New(Config{})
	applyAll(r, []protocol.Event{
		{Kind: protocol.EventRunStarted},
		{Kind: protocol.EventTextStart, MessageID: "m1"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: "partial"},
		{Kind: protocol.EventRunError, ErrorMessage: "model overloaded"},
	})

	s := r.Snapshot()
	if len(s.Messages) != 2 {
		t.Fatalf("expected partial message plus error, got %d messages", len(s.Messages))
	}
	if s.Messages[0].Text != "partial" || s.Messages[0].IsStreaming {
		t.Errorf("partial text not flushed on error: %+v", s.Messages[0])
	}
	last := s.Messages[1]
	if last.Role != RoleError || last.Text != "model overloaded" {
		t.Errorf("error message = %+v", last)
	}
	if s.AgentStatus != StatusIdle {
		t.Errorf("status = %q, want idle", s.AgentStatus)
	}
}

func TestInterruptIgnoredWhileOutstanding(t *testing.T) {
	r := New(Config{})
	first := json.RawMessage(`{"interrupts":[{"id":"i1","name":"approve_write"}]}`)
	second := json.RawMessage(`{"interrupts":[{"id":"i2","name":"approve_exec"}]}`)

	r.Apply(protocol.Event{Kind: protocol.EventCustom, Name: protocol.SignalInterrupt, Value: first})
	r.Apply(protocol.Event{Kind: protocol.EventCustom, Name: protocol.SignalInterrupt, Value: second})

	s := r.Snapshot()
	if s.PendingApproval == nil || s.PendingApproval.ID != "i1" {
		t.Fatalf("pending approval = %+v, want i1", s.PendingApproval)
	}

	got := r.ResolveApproval()
	if got == nil || got.ID != "i1" {
		t.Fatalf("resolved = %+v", got)
	}
	if r.Snapshot().PendingApproval != nil {
		t.Fatal("approval not cleared")
	}

	r.Apply(protocol.Event{Kind: protocol.EventCustom, Name: protocol.SignalInterrupt, Value: second})
	if s := r.Snapshot(); s.PendingApproval == nil || s.PendingApproval.ID != "i2" {
		t.Fatalf("second interrupt not accepted after resolve: %+v", s.PendingApproval)
	}
}

func TestReplayAfterDropIsExactlyOnce(t *testing.T) {
	r := New(Config{})
	r.AppendUserMessage("u1", "hello", nil)
	r.NewTurn()

	// Live delivery drops after five events.
	live := []protocol.Event{
		{Kind: protocol.EventRunStarted},
		{Kind: protocol.EventTextStart, MessageID: "m1"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: "Hello"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: " wor"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: "ld"},
	}
	applyAll(r, live)

	replay := make([]protocol.Event, len(live))
	copy(replay, live)
	for i := range replay {
		replay[i].Seq = seqPtr(int64(i + 1))
	}
	replay = append(replay,
		protocol.Event{Kind: protocol.EventTextEnd, MessageID: "m1", Seq: seqPtr(6)},
		protocol.Event{Kind: protocol.EventRunFinished, Seq: seqPtr(7)},
	)

	r.BeginReplay()
	applyAll(r, replay)

	s := r.Snapshot()
	if len(s.Messages) != 2 {
		t.Fatalf("expected user + assistant, got %d messages", len(s.Messages))
	}
	if s.Messages[1].Text != "Hello world" {
		t.Errorf("text = %q, want %q", s.Messages[1].Text, "Hello world")
	}
	if s.AgentStatus != StatusIdle {
		t.Errorf("status = %q", s.AgentStatus)
	}

	// A second delivery of the same batch is fully deduplicated.
	applyAll(r, replay)
	s2 := r.Snapshot()
	if len(s2.Messages) != 2 || s2.Messages[1].Text != "Hello world" {
		t.Errorf("duplicate batch changed state: %+v", s2.Messages)
	}
}

func TestAtMostOneStreamingMessage(t *testing.T) {
	r := New(Config{})
	applyAll(r, []protocol.Event{
		{Kind: protocol.EventRunStarted},
		{Kind: protocol.EventTextStart, MessageID: "m1"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: "one"},
		{Kind: protocol.EventTextEnd, MessageID: "m1"},
		{Kind: protocol.EventToolCallStart, ToolCallID: "t1", ToolName: "exec"},
		{Kind: protocol.EventToolCallResult, ToolCallID: "t1", Result: "ok"},
		{Kind: protocol.EventTextStart, MessageID: "m2"},
		{Kind: protocol.EventTextContent, MessageID: "m2", Delta: "two"},
	})

	s := r.Snapshot()
	streaming := 0
	for _, m := range s.Messages {
		if m.IsStreaming {
			streaming++
			if m.ID != "m2" {
				t.Errorf("streaming message is %q, want m2", m.ID)
			}
		}
	}
	if streaming != 1 {
		t.Fatalf("streaming messages = %d, want 1", streaming)
	}
}

func TestFlushThrottling(t *testing.T) {
	r := New(Config{Clock: NewManualClock()})
	applyAll(r, []protocol.Event{
		{Kind: protocol.EventRunStarted},
		{Kind: protocol.EventTextStart, MessageID: "m1"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: "buffered"},
	})

	if got := r.Snapshot().Messages[0].Text; got != "" {
		t.Fatalf("delta visible before flush: %q", got)
	}
	r.Flush()
	if got := r.Snapshot().Messages[0].Text; got != "buffered" {
		t.Fatalf("after flush: %q", got)
	}
}

func TestFlushTimerDrivenByClock(t *testing.T) {
	clock := NewManualClock()
	r := New(Config{Clock: clock})
	r.Start()
	defer r.Close()

	applyAll(r, []protocol.Event{
		{Kind: protocol.EventRunStarted},
		{Kind: protocol.EventTextStart, MessageID: "m1"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: "tick"},
	})

	clock.Tick()
	deadline := time.After(time.Second)
	for {
		if r.Snapshot().Messages[0].Text == "tick" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("flush never happened after tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestArtifactSignals(t *testing.T) {
	var got []ArtifactSignal
	r := New(Config{Sink: SinkFunc(func(s ArtifactSignal) { got = append(got, s) })})

	applyAll(r, []protocol.Event{
		{Kind: protocol.EventRunStarted},
		{Kind: protocol.EventToolCallStart, ToolCallID: "t1", ToolName: "render_diagram"},
		{Kind: protocol.EventToolCallResult, ToolCallID: "t1", Result: "graph TD; a-->b"},
		{Kind: protocol.EventToolCallStart, ToolCallID: "t2", ToolName: "extract_document"},
		{Kind: protocol.EventToolCallResult, ToolCallID: "t2", Result: "done",
			Metadata: json.RawMessage(`{"extractionId":"ex-9"}`)},
		{Kind: protocol.EventRunFinished},
	})

	if len(got) != 3 {
		t.Fatalf("signals = %d, want 3 (%+v)", len(got), got)
	}
	if got[0].Kind != ArtifactDiagram || got[0].Result != "graph TD; a-->b" {
		t.Errorf("diagram signal = %+v", got[0])
	}
	if got[1].Kind != ArtifactExtraction || got[1].ExtractionID != "ex-9" {
		t.Errorf("extraction signal = %+v", got[1])
	}
	if got[2].Kind != ArtifactRunCompleted || len(got[2].ToolSnapshots) != 2 {
		t.Errorf("run completed signal = %+v", got[2])
	}
}

func TestCompletionMetadataSetsUsage(t *testing.T) {
	r := New(Config{})
	applyAll(r, []protocol.Event{
		{Kind: protocol.EventRunStarted},
		{Kind: protocol.EventTextStart, MessageID: "m1"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: "answer"},
		{Kind: protocol.EventCustom, Name: protocol.SignalCompletionMetadata,
			Value: json.RawMessage(`{"promptTokens":10,"completionTokens":5,"totalTokens":15,"model":"sonnet"}`)},
		{Kind: protocol.EventTextEnd, MessageID: "m1"},
		{Kind: protocol.EventRunFinished},
	})

	u := r.Snapshot().Messages[0].TokenUsage
	if u == nil {
		t.Fatal("no token usage")
	}
	if u.Estimated {
		t.Error("backend-reported usage flagged estimated")
	}
	if u.TotalTokens != 15 || u.Model != "sonnet" {
		t.Errorf("usage = %+v", u)
	}
}

func TestUsageEstimatedWhenUnreported(t *testing.T) {
	r := New(Config{})
	r.AppendUserMessage("u1", "what is two plus two", nil)
	r.NewTurn()
	applyAll(r, simpleTurn())

	u := r.Snapshot().Messages[1].TokenUsage
	if u == nil {
		t.Fatal("no estimated usage after run finished")
	}
	if !u.Estimated {
		t.Error("local estimate not flagged")
	}
	if u.CompletionTokens <= 0 || u.TotalTokens < u.CompletionTokens {
		t.Errorf("usage = %+v", u)
	}
}

func TestWarningSignalAppendsMessage(t *testing.T) {
	r := New(Config{})
	r.Apply(protocol.Event{Kind: protocol.EventCustom, Name: protocol.SignalWarning,
		Value: json.RawMessage(`{"message":"context truncated"}`)})

	s := r.Snapshot()
	if len(s.Messages) != 1 || s.Messages[0].Role != RoleWarning {
		t.Fatalf("messages = %+v", s.Messages)
	}
	if s.Messages[0].Text != "context truncated" {
		t.Errorf("text = %q", s.Messages[0].Text)
	}
}

func TestReasoningAndProgressAttachToTurnMessage(t *testing.T) {
	r := New(Config{})
	applyAll(r, []protocol.Event{
		{Kind: protocol.EventRunStarted},
		{Kind: protocol.EventCustom, Name: protocol.SignalReasoningDelta,
			Value: json.RawMessage(`{"delta":"considering"}`)},
		{Kind: protocol.EventCustom, Name: protocol.SignalBrowserProgress,
			Value: json.RawMessage(`{"message":"opening page","step":"navigate"}`)},
		{Kind: protocol.EventCustom, Name: protocol.SignalCodeExecutionStep,
			Value: json.RawMessage(`{"message":"running cell 1"}`)},
		{Kind: protocol.EventTextStart, MessageID: "m1"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: "done"},
		{Kind: protocol.EventTextEnd, MessageID: "m1"},
		{Kind: protocol.EventRunFinished},
	})

	s := r.Snapshot()
	if len(s.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(s.Messages))
	}
	m := s.Messages[0]
	if m.ID != "m1" || m.Text != "done" {
		t.Errorf("message = %+v", m)
	}
	if m.ReasoningText != "considering" {
		t.Errorf("reasoning = %q", m.ReasoningText)
	}
	if len(m.SubAgentProgress) != 2 {
		t.Fatalf("progress entries = %+v", m.SubAgentProgress)
	}
	if m.SubAgentProgress[0].Kind != "browser" || m.SubAgentProgress[1].Kind != "code_step" {
		t.Errorf("progress kinds = %+v", m.SubAgentProgress)
	}
}

func TestStreamStoppedSignalGoesIdle(t *testing.T) {
	r := New(Config{})
	applyAll(r, []protocol.Event{
		{Kind: protocol.EventRunStarted},
		{Kind: protocol.EventTextStart, MessageID: "m1"},
		{Kind: protocol.EventTextContent, MessageID: "m1", Delta: "cut "},
		{Kind: protocol.EventCustom, Name: protocol.SignalStreamStopped},
	})

	s := r.Snapshot()
	if s.AgentStatus != StatusIdle {
		t.Errorf("status = %q", s.AgentStatus)
	}
	if s.Messages[0].IsStreaming {
		t.Error("message still streaming after stop signal")
	}
	if s.Messages[0].Text != "cut " {
		t.Errorf("text not flushed on stop: %q", s.Messages[0].Text)
	}
}

func TestOnChangeFires(t *testing.T) {
	var calls int
	r := New(Config{OnChange: func() { calls++ }})
	applyAll(r, simpleTurn())
	if calls == 0 {
		t.Fatal("OnChange never fired")
	}
}
