// Package reducer owns the session state: it folds the typed event stream
// into messages, tool executions, agent status, and pending user decisions.
// Apply must be called from a single logical sequence; the internal mutex
// exists only to coordinate with the flush timer and snapshot readers.
package reducer

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawstream/pkg/protocol"
)

// DefaultFlushInterval bounds how often buffered text deltas reach state.
const DefaultFlushInterval = 50 * time.Millisecond

// Config wires the reducer's collaborators and tunables.
type Config struct {
	FlushInterval time.Duration
	Clock         Clock
	Sink          ArtifactSink
	Labels        *LabelCatalog
	// OnChange is invoked after every state mutation, outside the lock.
	// Renderers use it to re-read Snapshot.
	OnChange func()

	DedupeSize int

	// DiagramTool and ExtractionTool are the tool names whose results feed
	// the artifact subsystem.
	DiagramTool     string
	ExtractionTool  string
	ExtractionIDKey string
}

func (c *Config) setDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	if c.Labels == nil {
		c.Labels = NewLabelCatalog()
	}
	if c.DiagramTool == "" {
		c.DiagramTool = "render_diagram"
	}
	if c.ExtractionTool == "" {
		c.ExtractionTool = "extract_document"
	}
	if c.ExtractionIDKey == "" {
		c.ExtractionIDKey = "extractionId"
	}
}

// Reducer applies events to session state.
type Reducer struct {
	cfg Config

	mu       sync.Mutex
	messages []*Message
	status   AgentStatus
	label    string

	pendingApproval      *protocol.Interrupt
	pendingAuthorization *protocol.OAuthElicitation

	// current is the assistant message accumulating this run's output.
	current          *Message
	currentSynthetic bool

	pending    strings.Builder
	pendingFor *Message

	toolIndex map[string]*ToolExecution
	runTools  []*ToolExecution

	promptText string

	// turnMark is the transcript length at the start of the current logical
	// turn. BeginReplay rewinds to it before a resume batch is applied.
	turnMark int

	seen *dedupeSet

	started bool
	stopCh  chan struct{}
}

// New creates a reducer with empty state.
func New(cfg Config) *Reducer {
	cfg.setDefaults()
	return &Reducer{
		cfg:       cfg,
		status:    StatusIdle,
		toolIndex: map[string]*ToolExecution{},
		seen:      newDedupeSet(cfg.DedupeSize),
	}
}

// Start launches the flush timer. Safe to call once per reducer.
func (r *Reducer) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	stop := make(chan struct{})
	r.stopCh = stop
	ticker := r.cfg.Clock.NewTicker(r.cfg.FlushInterval)
	r.mu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				r.Flush()
			case <-stop:
				return
			}
		}
	}()
}

// Close stops the flush timer and performs a final flush.
func (r *Reducer) Close() {
	r.mu.Lock()
	if r.started {
		r.started = false
		close(r.stopCh)
	}
	r.mu.Unlock()
	r.Flush()
}

// NewTurn resets the replay dedupe window and marks the turn boundary. The
// orchestrator calls it after appending the outbound user message.
func (r *Reducer) NewTurn() {
	r.mu.Lock()
	r.seen.Reset()
	r.turnMark = len(r.messages)
	r.mu.Unlock()
}

// BeginReplay rewinds state to the start of the current turn. Live events
// carry no sequence numbers, so a resume replay of the same turn would
// otherwise double-apply everything delivered before the stream dropped;
// rewinding lets the full replay reconstruct the turn exactly once.
func (r *Reducer) BeginReplay() {
	r.mu.Lock()
	r.pending.Reset()
	if r.turnMark <= len(r.messages) {
		r.messages = r.messages[:r.turnMark]
	}
	for _, te := range r.runTools {
		delete(r.toolIndex, te.ID)
	}
	r.runTools = nil
	r.current = nil
	r.currentSynthetic = false
	r.pendingFor = nil
	r.status = StatusThinking
	r.label = "Thinking"
	r.seen.Reset()
	r.mu.Unlock()
	r.notify()
}

// Apply folds one event into state. Events carrying a replay sequence number
// are applied at most once per turn.
func (r *Reducer) Apply(evt protocol.Event) {
	r.mu.Lock()
	if key, ok := evt.DedupeKey(); ok && r.seen.Seen(key) {
		r.mu.Unlock()
		return
	}
	signals := r.applyLocked(evt)
	r.mu.Unlock()

	for _, s := range signals {
		if r.cfg.Sink != nil {
			r.cfg.Sink.OnArtifact(s)
		}
	}
	r.notify()
}

func (r *Reducer) applyLocked(evt protocol.Event) []ArtifactSignal {
	switch evt.Kind {
	case protocol.EventRunStarted:
		r.status = StatusThinking
		r.label = "Thinking"
		r.runTools = nil

	case protocol.EventTextStart:
		r.beginTextLocked(evt.MessageID)

	case protocol.EventTextContent:
		if r.pendingFor == nil || (evt.MessageID != "" && r.pendingFor.ID != evt.MessageID && !r.currentSynthetic) {
			r.beginTextLocked(evt.MessageID)
		}
		r.pending.WriteString(evt.Delta)

	case protocol.EventTextEnd:
		r.flushLocked()
		if r.current != nil {
			r.current.IsStreaming = false
		}
		r.pendingFor = nil

	case protocol.EventToolCallStart:
		r.status = StatusThinking
		r.label = r.cfg.Labels.LabelFor(evt.ToolName)
		msg := r.ensureCurrentLocked()
		te := &ToolExecution{ID: evt.ToolCallID, ToolName: evt.ToolName, Status: "running"}
		msg.ToolExecutions = append(msg.ToolExecutions, te)
		r.toolIndex[evt.ToolCallID] = te
		r.runTools = append(r.runTools, te)

	case protocol.EventToolCallArgs:
		te := r.toolLocked(evt.ToolCallID)
		te.AccumulatedArgs += evt.Delta
		if label, ok := r.cfg.Labels.Refine(te.ToolName, te.AccumulatedArgs); ok {
			r.label = label
		}

	case protocol.EventToolCallEnd:
		// Args are complete; the execution stays open until its result.
		r.toolLocked(evt.ToolCallID)

	case protocol.EventToolCallResult:
		te := r.toolLocked(evt.ToolCallID)
		te.Result = evt.Result
		te.Images = append(te.Images, evt.Images...)
		te.Metadata = evt.Metadata
		if evt.Status != "" {
			te.Status = evt.Status
		} else {
			te.Status = "completed"
		}
		te.IsComplete = true
		return r.artifactsForResultLocked(te)

	case protocol.EventRunFinished:
		r.flushLocked()
		snapshots := r.finishRunLocked()
		return []ArtifactSignal{{Kind: ArtifactRunCompleted, ToolSnapshots: snapshots}}

	case protocol.EventRunError:
		r.flushLocked()
		if r.current != nil {
			r.current.IsStreaming = false
		}
		text := evt.ErrorMessage
		if text == "" {
			text = "agent run failed"
		}
		r.messages = append(r.messages, &Message{ID: uuid.NewString(), Role: RoleError, Text: text})
		r.endRunLocked()

	case protocol.EventCustom:
		r.applySignalLocked(evt)
	}
	return nil
}

// beginTextLocked routes TEXT_MESSAGE_START: adopt a tool-only container from
// the same run, or open a fresh assistant message.
func (r *Reducer) beginTextLocked(messageID string) {
	if r.current != nil && r.current.ID == messageID {
		r.current.IsStreaming = true
		r.pendingFor = r.current
		r.status = StatusResponding
		return
	}
	if r.current != nil && r.currentSynthetic && r.current.Text == "" {
		r.current.ID = messageID
		r.currentSynthetic = false
		r.current.IsStreaming = true
		r.pendingFor = r.current
		r.status = StatusResponding
		return
	}
	r.flushLocked()
	if r.current != nil {
		r.current.IsStreaming = false
	}
	id := messageID
	if id == "" {
		id = uuid.NewString()
	}
	msg := &Message{ID: id, Role: RoleAssistant, IsStreaming: true}
	r.messages = append(r.messages, msg)
	r.current = msg
	r.currentSynthetic = messageID == ""
	r.pendingFor = msg
	r.status = StatusResponding
}

// ensureCurrentLocked returns the run's assistant container, creating a
// synthetic one when tool or reasoning events arrive before any text.
func (r *Reducer) ensureCurrentLocked() *Message {
	if r.current != nil {
		return r.current
	}
	msg := &Message{ID: uuid.NewString(), Role: RoleAssistant}
	r.messages = append(r.messages, msg)
	r.current = msg
	r.currentSynthetic = true
	return msg
}

// toolLocked resolves a tool call id, creating a placeholder execution when
// events for an unseen id arrive out of order.
func (r *Reducer) toolLocked(id string) *ToolExecution {
	if te, ok := r.toolIndex[id]; ok {
		return te
	}
	msg := r.ensureCurrentLocked()
	te := &ToolExecution{ID: id, Status: "running"}
	msg.ToolExecutions = append(msg.ToolExecutions, te)
	r.toolIndex[id] = te
	r.runTools = append(r.runTools, te)
	return te
}

func (r *Reducer) artifactsForResultLocked(te *ToolExecution) []ArtifactSignal {
	var out []ArtifactSignal
	switch te.ToolName {
	case r.cfg.DiagramTool:
		if te.Result != "" {
			out = append(out, ArtifactSignal{
				Kind:       ArtifactDiagram,
				ToolCallID: te.ID,
				ToolName:   te.ToolName,
				Result:     te.Result,
				Metadata:   te.Metadata,
			})
		}
	case r.cfg.ExtractionTool:
		if id := extractionID(te.Metadata, r.cfg.ExtractionIDKey); id != "" {
			out = append(out, ArtifactSignal{
				Kind:         ArtifactExtraction,
				ToolCallID:   te.ID,
				ToolName:     te.ToolName,
				Result:       te.Result,
				Metadata:     te.Metadata,
				ExtractionID: id,
			})
		}
	}
	return out
}

func extractionID(metadata json.RawMessage, key string) string {
	if len(metadata) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(metadata, &m); err != nil {
		return ""
	}
	id, _ := m[key].(string)
	return id
}

// finishRunLocked closes out a successful run: estimates usage when the
// backend reported none, and returns tool snapshots for the run-completed
// artifact signal.
func (r *Reducer) finishRunLocked() []ToolExecution {
	if r.current != nil {
		r.current.IsStreaming = false
		if r.current.TokenUsage == nil {
			r.current.TokenUsage = estimateUsage(r.promptText, r.current.Text)
		}
	}
	snapshots := make([]ToolExecution, len(r.runTools))
	for i, te := range r.runTools {
		snapshots[i] = *te
	}
	r.endRunLocked()
	return snapshots
}

func (r *Reducer) endRunLocked() {
	r.status = StatusIdle
	r.label = ""
	r.current = nil
	r.currentSynthetic = false
	r.pendingFor = nil
}

func (r *Reducer) applySignalLocked(evt protocol.Event) {
	switch evt.Name {
	case protocol.SignalExecutionMeta:
		// Routed by the orchestrator before it reaches us.

	case protocol.SignalThinkingStatus:
		var p protocol.ThinkingStatus
		if err := protocol.DecodeSignal(evt.Value, &p); err != nil {
			return
		}
		r.status = StatusThinking
		if p.Label != "" {
			r.label = p.Label
		} else {
			r.label = "Thinking"
		}

	case protocol.SignalReasoningDelta:
		var p protocol.ReasoningDelta
		if err := protocol.DecodeSignal(evt.Value, &p); err != nil {
			return
		}
		r.ensureCurrentLocked().ReasoningText += p.Delta

	case protocol.SignalStreamStopped:
		r.flushLocked()
		if r.current != nil {
			r.current.IsStreaming = false
		}
		r.endRunLocked()

	case protocol.SignalCompletionMetadata:
		var p protocol.CompletionMetadata
		if err := protocol.DecodeSignal(evt.Value, &p); err != nil {
			return
		}
		msg := r.current
		if msg == nil {
			msg = r.lastAssistantLocked()
		}
		if msg != nil {
			msg.TokenUsage = &TokenUsage{
				PromptTokens:     p.PromptTokens,
				CompletionTokens: p.CompletionTokens,
				TotalTokens:      p.TotalTokens,
				Model:            p.Model,
			}
		}

	case protocol.SignalInterrupt:
		if r.pendingApproval != nil {
			return
		}
		var p protocol.InterruptPayload
		if err := protocol.DecodeSignal(evt.Value, &p); err != nil || len(p.Interrupts) == 0 {
			return
		}
		first := p.Interrupts[0]
		r.pendingApproval = &first

	case protocol.SignalOAuthElicitation:
		if r.pendingAuthorization != nil {
			return
		}
		var p protocol.OAuthElicitation
		if err := protocol.DecodeSignal(evt.Value, &p); err != nil {
			return
		}
		r.pendingAuthorization = &p

	case protocol.SignalWarning:
		var p protocol.WarningPayload
		if err := protocol.DecodeSignal(evt.Value, &p); err != nil || p.Message == "" {
			return
		}
		r.messages = append(r.messages, &Message{ID: uuid.NewString(), Role: RoleWarning, Text: p.Message})

	case protocol.SignalBrowserProgress:
		r.appendProgressLocked("browser", evt.Value)
	case protocol.SignalResearchProgress:
		r.appendProgressLocked("research", evt.Value)
	case protocol.SignalCodeExecutionStep:
		r.appendProgressLocked("code_step", evt.Value)
	case protocol.SignalCodeExecutionTaskList:
		r.appendProgressLocked("code_task_list", evt.Value)
	case protocol.SignalCodeExecutionResult:
		r.appendProgressLocked("code_result", evt.Value)

	case protocol.SignalNodeStart, protocol.SignalNodeStop,
		protocol.SignalHandoff, protocol.SignalHandoffComplete:
		var p protocol.HandoffStep
		if err := protocol.DecodeSignal(evt.Value, &p); err != nil {
			return
		}
		msg := r.ensureCurrentLocked()
		msg.HandoffSteps = append(msg.HandoffSteps, HandoffStep{
			Phase:   evt.Name,
			Node:    p.Node,
			Target:  p.Target,
			Message: p.Message,
		})

	default:
		slog.Debug("ignoring unknown signal", "name", evt.Name)
	}
}

func (r *Reducer) appendProgressLocked(kind string, value json.RawMessage) {
	var p protocol.Progress
	if err := protocol.DecodeSignal(value, &p); err != nil {
		return
	}
	msg := r.ensureCurrentLocked()
	msg.SubAgentProgress = append(msg.SubAgentProgress, ProgressEntry{
		Kind:    kind,
		Step:    p.Step,
		Message: p.Message,
		Done:    p.Done,
	})
}

func (r *Reducer) lastAssistantLocked() *Message {
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Role == RoleAssistant {
			return r.messages[i]
		}
	}
	return nil
}

// AppendUserMessage records an outbound user turn in the transcript.
func (r *Reducer) AppendUserMessage(id, text string, images []protocol.ImageRef) {
	r.mu.Lock()
	r.promptText = text
	r.messages = append(r.messages, &Message{ID: id, Role: RoleUser, Text: text, Images: images})
	r.mu.Unlock()
	r.notify()
}

// MarkStopped flushes and returns the session to idle after a local stop.
func (r *Reducer) MarkStopped() {
	r.mu.Lock()
	r.flushLocked()
	if r.current != nil {
		r.current.IsStreaming = false
	}
	r.endRunLocked()
	r.mu.Unlock()
	r.notify()
}

// Reset clears all session state, as when the conversation view closes.
func (r *Reducer) Reset() {
	r.mu.Lock()
	r.flushLocked()
	r.messages = nil
	r.status = StatusIdle
	r.label = ""
	r.pendingApproval = nil
	r.pendingAuthorization = nil
	r.current = nil
	r.currentSynthetic = false
	r.pendingFor = nil
	r.pending.Reset()
	r.toolIndex = map[string]*ToolExecution{}
	r.runTools = nil
	r.promptText = ""
	r.turnMark = 0
	r.seen.Reset()
	r.mu.Unlock()
	r.notify()
}

// ResolveApproval clears the pending approval and returns it, if any.
func (r *Reducer) ResolveApproval() *protocol.Interrupt {
	r.mu.Lock()
	p := r.pendingApproval
	r.pendingApproval = nil
	r.mu.Unlock()
	if p != nil {
		r.notify()
	}
	return p
}

// ResolveAuthorization clears the pending authorization and returns it, if any.
func (r *Reducer) ResolveAuthorization() *protocol.OAuthElicitation {
	r.mu.Lock()
	p := r.pendingAuthorization
	r.pendingAuthorization = nil
	r.mu.Unlock()
	if p != nil {
		r.notify()
	}
	return p
}

// Flush moves buffered text deltas into the streaming message.
func (r *Reducer) Flush() {
	r.mu.Lock()
	changed := r.flushLocked()
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

func (r *Reducer) flushLocked() bool {
	if r.pending.Len() == 0 {
		return false
	}
	if r.pendingFor != nil {
		r.pendingFor.Text += r.pending.String()
	}
	r.pending.Reset()
	return true
}

func (r *Reducer) notify() {
	if r.cfg.OnChange != nil {
		r.cfg.OnChange()
	}
}

// Snapshot returns a deep copy of the session state for read-only rendering.
func (r *Reducer) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := State{
		AgentStatus:   r.status,
		ActivityLabel: r.label,
	}
	if r.pendingApproval != nil {
		p := *r.pendingApproval
		s.PendingApproval = &p
	}
	if r.pendingAuthorization != nil {
		p := *r.pendingAuthorization
		s.PendingAuthorization = &p
	}
	s.Messages = make([]Message, len(r.messages))
	for i, m := range r.messages {
		cp := *m
		if len(m.ToolExecutions) > 0 {
			cp.ToolExecutions = make([]*ToolExecution, len(m.ToolExecutions))
			for j, te := range m.ToolExecutions {
				t := *te
				cp.ToolExecutions[j] = &t
			}
		}
		cp.Images = append([]protocol.ImageRef(nil), m.Images...)
		cp.SubAgentProgress = append([]ProgressEntry(nil), m.SubAgentProgress...)
		cp.HandoffSteps = append([]HandoffStep(nil), m.HandoffSteps...)
		if m.TokenUsage != nil {
			u := *m.TokenUsage
			cp.TokenUsage = &u
		}
		s.Messages[i] = cp
	}
	return s
}
