package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Warn("visible", Int("n", 3), Err(errors.New("boom")))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal(lines[0], &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["message"] != "visible" || m["comp"] != "test" || m["n"] != float64(3) {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["error"] == nil && m["err"] == nil {
		t.Fatalf("expected error field: %v", m)
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Info("no panic")

	nop := Nop()
	if nop.IsZero() {
		t.Fatal("Nop logger should not report IsZero")
	}
	nop.Error("dropped")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if got := parseLevel("warning", LevelInfo); got != LevelWarn {
		t.Fatalf("parseLevel(warning) = %v", got)
	}
	if got := parseLevel("bogus", LevelInfo); got != LevelInfo {
		t.Fatalf("parseLevel(bogus) = %v", got)
	}
}
