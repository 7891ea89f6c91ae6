// Package protocol defines the wire format for the agent event stream:
// the typed event union delivered over SSE, the generic signal envelope,
// and the outbound turn/resume request shapes.
// This package is importable by external renderers and other clients.
package protocol

import (
	"encoding/json"
	"strconv"
)

// EventKind identifies one member of the event union.
type EventKind string

// Lifecycle event kinds.
const (
	EventRunStarted     EventKind = "RUN_STARTED"
	EventRunFinished    EventKind = "RUN_FINISHED"
	EventRunError       EventKind = "RUN_ERROR"
	EventTextStart      EventKind = "TEXT_MESSAGE_START"
	EventTextContent    EventKind = "TEXT_MESSAGE_CONTENT"
	EventTextEnd        EventKind = "TEXT_MESSAGE_END"
	EventToolCallStart  EventKind = "TOOL_CALL_START"
	EventToolCallArgs   EventKind = "TOOL_CALL_ARGS"
	EventToolCallEnd    EventKind = "TOOL_CALL_END"
	EventToolCallResult EventKind = "TOOL_CALL_RESULT"

	// EventCustom is the generic signal envelope. Meaning is carried by
	// Name/Value rather than a dedicated kind.
	EventCustom EventKind = "CUSTOM"
)

// Event is one decoded stream event. Only the fields relevant to Kind are
// populated; the rest stay zero.
type Event struct {
	Kind EventKind `json:"type"`

	// Seq is the replay sequence number. It is set only on events delivered
	// via the resume endpoint and is used for at-most-once application.
	// Live events never carry it.
	Seq *int64 `json:"sequenceNumber,omitempty"`

	// Run lifecycle.
	ThreadID string `json:"threadId,omitempty"`
	RunID    string `json:"runId,omitempty"`

	// Text message events.
	MessageID string `json:"messageId,omitempty"`
	Delta     string `json:"delta,omitempty"`

	// Tool call events.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolCallName,omitempty"`
	Result     string          `json:"result,omitempty"`
	Images     []ImageRef      `json:"images,omitempty"`
	Status     string          `json:"status,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`

	// RUN_ERROR.
	ErrorMessage string `json:"message,omitempty"`
	ErrorCode    string `json:"code,omitempty"`

	// CUSTOM signal envelope.
	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ImageRef is an image attached to a tool result.
type ImageRef struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64 inline payload
}

// knownKinds is the closed set of event kinds this client understands.
var knownKinds = map[EventKind]struct{}{
	EventRunStarted:     {},
	EventRunFinished:    {},
	EventRunError:       {},
	EventTextStart:      {},
	EventTextContent:    {},
	EventTextEnd:        {},
	EventToolCallStart:  {},
	EventToolCallArgs:   {},
	EventToolCallEnd:    {},
	EventToolCallResult: {},
	EventCustom:         {},
}

// ParseEvent decodes one frame payload into an Event.
// A payload with an unknown "type" returns ErrUnknownEventKind so callers can
// drop the frame without aborting the stream; undecodable JSON returns a
// *MalformedFrameError.
func ParseEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, &MalformedFrameError{Payload: data, Err: err}
	}
	if evt.Kind == "" {
		return Event{}, &MalformedFrameError{Payload: data, Err: ErrMissingEventKind}
	}
	if _, ok := knownKinds[evt.Kind]; !ok {
		return evt, ErrUnknownEventKind
	}
	return evt, nil
}

// DedupeKey returns the replay deduplication key for the event, and whether
// the event is deduplicatable at all. Live events (no sequence number) are
// never deduplicated.
func (e Event) DedupeKey() (string, bool) {
	if e.Seq == nil {
		return "", false
	}
	return strconv.FormatInt(*e.Seq, 10) + "|" + string(e.Kind), true
}
