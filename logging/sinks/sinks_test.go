package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"skirmish/netplay/logging"
)

func TestConsoleSinkFormatsEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsole(&buf)

	err := sink.Write(logging.Event{
		Type:     logging.EventType("session.ended"),
		Turn:     12,
		Actor:    logging.EntityRef{ID: "session-1", Kind: logging.EntityKindSession},
		Targets:  []logging.EntityRef{{ID: "peer-2", Kind: logging.EntityKindPeer}},
		Severity: logging.SeverityWarn,
		Payload:  map[string]any{"winner": 1},
	})
	if err != nil {
		t.Fatalf("console write failed: %v", err)
	}

	line := buf.String()
	for _, want := range []string{
		"[session.ended]",
		"turn=12",
		"actor=session:session-1",
		"severity=warn",
		"targets=peer:peer-2",
		`payload={"winner":1}`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("console output missing %q: %s", want, line)
		}
	}
}

func TestJSONSinkEmitsOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, 0)

	events := []logging.Event{
		{Type: logging.EventType("sync.diff_broadcast"), Turn: 3, SessionID: "s-1", Time: time.Unix(50, 0).UTC()},
		{Type: logging.EventType("sync.snapshot_pushed"), Turn: 4, SessionID: "s-1", Time: time.Unix(51, 0).UTC()},
	}
	for _, event := range events {
		if err := sink.Write(event); err != nil {
			t.Fatalf("json write failed: %v", err)
		}
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("json close failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if decoded["type"] != "sync.diff_broadcast" {
		t.Fatalf("unexpected type field %v", decoded["type"])
	}
	if decoded["turn"] != float64(3) {
		t.Fatalf("unexpected turn field %v", decoded["turn"])
	}
	if decoded["sessionId"] != "s-1" {
		t.Fatalf("unexpected sessionId field %v", decoded["sessionId"])
	}
}

func TestMemorySinkIsolatesStoredEvents(t *testing.T) {
	sink := NewMemory()

	extra := map[string]any{"key": "original"}
	if err := sink.Write(logging.Event{Type: logging.EventType("test.memory"), Extra: extra}); err != nil {
		t.Fatalf("memory write failed: %v", err)
	}
	extra["key"] = "mutated"

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(events))
	}
	if events[0].Extra["key"] != "original" {
		t.Fatalf("stored event shares caller map: %v", events[0].Extra)
	}

	events[0].Extra["key"] = "tampered"
	fresh := sink.Events()
	if fresh[0].Extra["key"] != "original" {
		t.Fatalf("returned slice shares internal state: %v", fresh[0].Extra)
	}

	sink.Reset()
	if got := sink.Events(); len(got) != 0 {
		t.Fatalf("expected reset to clear events, got %d", len(got))
	}
}
