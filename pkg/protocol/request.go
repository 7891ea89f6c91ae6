package protocol

import "encoding/json"

// Message roles on the outbound wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part types for multimodal turns.
const (
	PartText   = "text"
	PartBinary = "binary"
)

// ContentPart is one element of a structured message content list.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "binary"
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64 inline payload
	Filename string `json:"filename,omitempty"`
}

// TurnMessage is one entry of the outbound message list. Content is either a
// plain string or a []ContentPart; marshalling picks whichever is set.
type TurnMessage struct {
	ID    string
	Role  string
	Text  string
	Parts []ContentPart
}

// MarshalJSON emits plain-string content when no parts are present, and the
// structured part list otherwise. Multimodal composition happens only in the
// send orchestrator; everything else sees opaque content.
func (m TurnMessage) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		Content any    `json:"content"`
	}
	w := wire{ID: m.ID, Role: m.Role}
	if len(m.Parts) > 0 {
		w.Content = m.Parts
	} else {
		w.Content = m.Text
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts both content forms.
func (m *TurnMessage) UnmarshalJSON(data []byte) error {
	var w struct {
		ID      string          `json:"id"`
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.ID, m.Role = w.ID, w.Role
	if len(w.Content) == 0 {
		return nil
	}
	if w.Content[0] == '[' {
		return json.Unmarshal(w.Content, &m.Parts)
	}
	return json.Unmarshal(w.Content, &m.Text)
}

// TurnState carries per-turn model parameters.
type TurnState struct {
	ModelID     string  `json:"modelId,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	RequestKind string  `json:"requestKind,omitempty"`
}

// TurnRequest starts a new stream for a user turn.
type TurnRequest struct {
	ThreadID string        `json:"threadId"`
	RunID    string        `json:"runId"`
	Messages []TurnMessage `json:"messages"`
	State    TurnState     `json:"state"`
}

// ResumeRequest replays the buffered event log for an execution.
// Cursor is always 0 in the current design: full replay from the start of
// buffering rather than an incremental offset.
type ResumeRequest struct {
	ExecutionID string `json:"executionId"`
	Cursor      int64  `json:"cursor"`
}

// CancelRequest asks the backend to stop server-side work for an execution.
// Delivery is best-effort; the client never waits on it.
type CancelRequest struct {
	ExecutionID string `json:"executionId"`
}
