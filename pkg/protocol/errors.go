package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by frame/event decoding.
var (
	// ErrUnknownEventKind marks an event whose "type" is outside the closed
	// union. Callers drop the frame; one unrecognized kind must not abort an
	// otherwise-healthy stream.
	ErrUnknownEventKind = errors.New("unknown event kind")

	// ErrMissingEventKind marks a payload with no "type" field at all.
	ErrMissingEventKind = errors.New("missing event kind")
)

// MalformedFrameError wraps a decode failure for one `data:` payload.
type MalformedFrameError struct {
	Payload []byte
	Err     error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame (%d bytes): %v", len(e.Payload), e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }
