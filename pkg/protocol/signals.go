package protocol

import "encoding/json"

// Signal names recognized inside the CUSTOM envelope.
// Unrecognized names are ignored by consumers, never rejected, so the
// backend can ship new signals ahead of client releases.
const (
	// SignalExecutionMeta announces the backend execution id for the run.
	// It must never be replayed through the reducer on resume: re-registering
	// an execution id mid-resume would corrupt the one-coordinator-per-
	// execution invariant.
	SignalExecutionMeta = "execution_meta"

	SignalThinkingStatus     = "thinking_status"
	SignalReasoningDelta     = "reasoning_delta"
	SignalStreamStopped      = "stream_stopped"
	SignalCompletionMetadata = "completion_metadata"
	SignalInterrupt          = "interrupt"
	SignalWarning            = "warning"

	// Sub-agent progress.
	SignalBrowserProgress  = "browser_progress"
	SignalResearchProgress = "research_progress"

	// Code execution.
	SignalCodeExecutionStep     = "code_execution_step"
	SignalCodeExecutionTaskList = "code_execution_task_list"
	SignalCodeExecutionResult   = "code_execution_result"

	// External authorization.
	SignalOAuthElicitation = "oauth_elicitation"

	// Multi-agent handoff lifecycle.
	SignalNodeStart       = "node_start"
	SignalNodeStop        = "node_stop"
	SignalHandoff         = "handoff"
	SignalHandoffComplete = "handoff_complete"
)

// ExecutionMeta is the value of an execution_meta signal.
type ExecutionMeta struct {
	ExecutionID string `json:"executionId"`
}

// Interrupt is one entry of an interrupt signal's list: a request for an
// explicit user approval before the backend proceeds.
type Interrupt struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	ToolName string          `json:"toolName,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// InterruptPayload is the value of an interrupt signal.
type InterruptPayload struct {
	Interrupts []Interrupt `json:"interrupts"`
}

// OAuthElicitation is the value of an oauth_elicitation signal: the backend
// needs the user to complete an external authorization flow.
type OAuthElicitation struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	URL      string `json:"url"`
	Message  string `json:"message,omitempty"`
}

// CompletionMetadata is the value of a completion_metadata signal.
type CompletionMetadata struct {
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	Model            string `json:"model,omitempty"`
}

// Progress is the value of a browser/research progress or code-execution
// signal: a short status line from a sub-agent.
type Progress struct {
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
	Done    bool   `json:"done,omitempty"`
}

// HandoffStep is the value of a handoff lifecycle signal.
type HandoffStep struct {
	Node    string `json:"node"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message,omitempty"`
}

// WarningPayload is the value of a warning signal.
type WarningPayload struct {
	Message string `json:"message"`
}

// ThinkingStatus is the value of a thinking_status signal.
type ThinkingStatus struct {
	Label string `json:"label,omitempty"`
}

// ReasoningDelta is the value of a reasoning_delta signal.
type ReasoningDelta struct {
	Delta string `json:"delta"`
}

// DecodeSignal unmarshals a signal value into out. A missing value decodes
// as the zero payload rather than an error: several signals (stream_stopped)
// carry no body at all.
func DecodeSignal(value json.RawMessage, out any) error {
	if len(value) == 0 {
		return nil
	}
	return json.Unmarshal(value, out)
}
