package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	// Must not panic.
	l.Info("ignored", String("k", "v"))
}

func TestWithFieldsAreApplied(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := New(zerolog.New(&buf)).With(String("comp", "reminder"))
	l.Warn("fired", String("task_id", "t1"), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "reminder" || m["task_id"] != "t1" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["message"] != "fired" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"nope", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "pewtask.log")

	svc, log := NewService(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	child := log.With(String("comp", "tracker"))
	child.Debug("hidden")
	child.Info("task added", String("task_id", "01J"))

	first := svc.file
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if svc.file != first {
		t.Fatal("same path reopened the log file")
	}
	child.Debug("now visible")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d: %q", len(lines), data)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatal(err)
	}
	if m["comp"] != "tracker" || m["task_id"] != "01J" || m["message"] != "task added" {
		t.Fatalf("entry = %v", m)
	}
	if !strings.Contains(lines[1], "now visible") {
		t.Fatalf("second line = %q", lines[1])
	}
}

func TestErrNilIsSkipped(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	New(zerolog.New(&buf)).Info("ok", Err(nil))
	if strings.Contains(buf.String(), `"err"`) {
		t.Fatalf("nil error logged: %q", buf.String())
	}
}
