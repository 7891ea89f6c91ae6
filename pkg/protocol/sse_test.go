package protocol

import (
	"strings"
	"testing"
)

func TestScanner_SkipsCommentsAndBlankLines(t *testing.T) {
	body := ": keep-alive\n\ndata: {\"type\":\"RUN_STARTED\"}\n: another comment\ndata: {\"type\":\"RUN_FINISHED\"}\n"
	s := NewScanner(strings.NewReader(body))

	first, ok := s.Next()
	if !ok {
		t.Fatal("expected first payload")
	}
	if first != `{"type":"RUN_STARTED"}` {
		t.Errorf("unexpected first payload: %q", first)
	}

	second, ok := s.Next()
	if !ok {
		t.Fatal("expected second payload")
	}
	if second != `{"type":"RUN_FINISHED"}` {
		t.Errorf("unexpected second payload: %q", second)
	}

	if _, ok := s.Next(); ok {
		t.Error("expected end of stream")
	}
}

func TestScanner_IgnoresDoneSentinel(t *testing.T) {
	body := "data: {\"type\":\"RUN_FINISHED\"}\ndata: [DONE]\n"
	s := NewScanner(strings.NewReader(body))

	if _, ok := s.Next(); !ok {
		t.Fatal("expected one payload")
	}
	if _, ok := s.Next(); ok {
		t.Error("[DONE] should not be yielded as a payload")
	}
}

func TestScanner_IgnoresNonMatchingLines(t *testing.T) {
	body := "event: message\nid: 42\ndata: {\"type\":\"RUN_STARTED\"}\n"
	s := NewScanner(strings.NewReader(body))

	payload, ok := s.Next()
	if !ok {
		t.Fatal("expected a payload")
	}
	if payload != `{"type":"RUN_STARTED"}` {
		t.Errorf("unexpected payload: %q", payload)
	}
}

func TestScanner_PartialTrailingLine(t *testing.T) {
	// No trailing newline: the final record still counts when it matches
	// the data: form.
	body := "data: {\"type\":\"RUN_STARTED\"}\ndata: {\"type\":\"RUN_FINISHED\"}"
	s := NewScanner(strings.NewReader(body))

	var got []string
	for {
		p, ok := s.Next()
		if !ok {
			break
		}
		got = append(got, p)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(got))
	}

	// A partial line that does not match the data: form is dropped.
	s = NewScanner(strings.NewReader("data: {\"type\":\"RUN_STARTED\"}\ndat"))
	got = nil
	for {
		p, ok := s.Next()
		if !ok {
			break
		}
		got = append(got, p)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(got))
	}
}

func TestDecodeAll_DropsMalformedFrames(t *testing.T) {
	body := "data: {\"type\":\"RUN_STARTED\"}\ndata: {not json\ndata: {\"type\":\"SOMETHING_NEW\"}\ndata: {\"type\":\"RUN_FINISHED\"}\n"
	events, err := DecodeAll(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 decoded events, got %d", len(events))
	}
	if events[0].Kind != EventRunStarted || events[1].Kind != EventRunFinished {
		t.Errorf("unexpected kinds: %v, %v", events[0].Kind, events[1].Kind)
	}
}
