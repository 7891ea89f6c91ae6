package protocol

import (
	"bufio"
	"io"
	"strings"
)

// doneSentinel is emitted by some backends before closing the body. It is
// ignored: end of stream is signaled by the body ending, not by the sentinel.
const doneSentinel = "[DONE]"

// maxFrameSize caps a single SSE line (1MB). Frames carry one JSON event;
// anything larger is a broken stream.
const maxFrameSize = 1 << 20

// Scanner frames an incremental SSE response body into event payloads.
//
// The body is UTF-8 text, newline-delimited:
//
//	: keep-alive          → ignored
//	data: <payload>       → one event payload
//	data: [DONE]          → ignored
//	anything else         → ignored
//
// A partial trailing line at end-of-stream is yielded if and only if it
// matches the data: form (bufio returns the final unterminated token).
type Scanner struct {
	scanner *bufio.Scanner
}

// NewScanner wraps an incremental response body.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Scanner{scanner: s}
}

// Next advances to the next event payload. It returns ok=false at end of
// stream or on a read error (see Err).
func (s *Scanner) Next() (payload string, ok bool) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == doneSentinel {
			continue
		}
		return data, true
	}
	return "", false
}

// Err returns the first non-EOF error encountered while reading.
func (s *Scanner) Err() error {
	return s.scanner.Err()
}

// DecodeAll reads every event payload from r and parses each into an Event,
// silently dropping frames that fail to decode or carry unknown kinds.
// Used by the resume path, where the response is a buffered batch in the
// same wire form as the live stream.
func DecodeAll(r io.Reader) ([]Event, error) {
	var events []Event
	s := NewScanner(r)
	for {
		payload, ok := s.Next()
		if !ok {
			break
		}
		evt, err := ParseEvent([]byte(payload))
		if err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, s.Err()
}
