package reducer

import "encoding/json"

// ArtifactKind classifies an artifact signal emitted by the reducer.
type ArtifactKind string

const (
	// ArtifactDiagram fires when the diagram tool completes with output.
	ArtifactDiagram ArtifactKind = "diagram"
	// ArtifactExtraction fires when the document extraction tool completes
	// and its result metadata carries an extraction id.
	ArtifactExtraction ArtifactKind = "extraction"
	// ArtifactRunCompleted fires once per finished run with snapshots of
	// every tool execution the run performed.
	ArtifactRunCompleted ArtifactKind = "run_completed"
)

// ArtifactSignal is a side-channel notification for consumers that materialize
// artifacts (rendered diagrams, extracted documents) outside the transcript.
type ArtifactSignal struct {
	Kind         ArtifactKind
	ToolCallID   string
	ToolName     string
	Result       string
	Metadata     json.RawMessage
	ExtractionID string
	// ToolSnapshots is populated only for ArtifactRunCompleted.
	ToolSnapshots []ToolExecution
}

// ArtifactSink receives artifact signals. Implementations must not block:
// signals are delivered synchronously from the event path.
type ArtifactSink interface {
	OnArtifact(ArtifactSignal)
}

// SinkFunc adapts a function to an ArtifactSink.
type SinkFunc func(ArtifactSignal)

func (f SinkFunc) OnArtifact(s ArtifactSignal) { f(s) }
