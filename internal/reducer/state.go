package reducer

import (
	"encoding/json"

	"github.com/nextlevelbuilder/clawstream/pkg/protocol"
)

// Role identifies who a session message belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
	RoleWarning   Role = "warning"
)

// AgentStatus is the coarse activity state shown alongside the transcript.
type AgentStatus string

const (
	StatusIdle       AgentStatus = "idle"
	StatusThinking   AgentStatus = "thinking"
	StatusResponding AgentStatus = "responding"
)

// TokenUsage records prompt/completion token counts for a completed message.
// Estimated is set when the counts were derived locally rather than reported
// by the backend.
type TokenUsage struct {
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	Model            string `json:"model,omitempty"`
	Estimated        bool   `json:"estimated,omitempty"`
}

// ProgressEntry is one step reported by a long-running sub-agent activity
// such as browsing, research, or code execution.
type ProgressEntry struct {
	Kind    string `json:"kind"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// HandoffStep records a multi-agent routing transition within a turn.
type HandoffStep struct {
	Phase   string `json:"phase"`
	Node    string `json:"node,omitempty"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message,omitempty"`
}

// ToolExecution tracks a single tool call from start through result.
type ToolExecution struct {
	ID              string              `json:"id"`
	ToolName        string              `json:"toolName"`
	AccumulatedArgs string              `json:"accumulatedArgs,omitempty"`
	Result          string              `json:"result,omitempty"`
	Status          string              `json:"status,omitempty"`
	Images          []protocol.ImageRef `json:"images,omitempty"`
	Metadata        json.RawMessage     `json:"metadata,omitempty"`
	IsComplete      bool                `json:"isComplete"`
}

// Message is one transcript entry. Assistant messages accumulate streamed
// text, tool executions, and reasoning for the duration of a turn.
type Message struct {
	ID               string              `json:"id"`
	Role             Role                `json:"role"`
	Text             string              `json:"text"`
	IsStreaming      bool                `json:"isStreaming"`
	ToolExecutions   []*ToolExecution    `json:"toolExecutions,omitempty"`
	ReasoningText    string              `json:"reasoningText,omitempty"`
	Images           []protocol.ImageRef `json:"images,omitempty"`
	TokenUsage       *TokenUsage         `json:"tokenUsage,omitempty"`
	SubAgentProgress []ProgressEntry     `json:"subAgentProgress,omitempty"`
	HandoffSteps     []HandoffStep       `json:"handoffSteps,omitempty"`
}

// State is a point-in-time view of the session. Snapshot returns copies so
// renderers never observe a message mid-mutation.
type State struct {
	Messages             []Message
	AgentStatus          AgentStatus
	ActivityLabel        string
	PendingApproval      *protocol.Interrupt
	PendingAuthorization *protocol.OAuthElicitation
}
