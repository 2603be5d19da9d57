package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	log.Info("day settled", Int64("user", 42), Err(errors.New("boom")), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if m["comp"] != "scheduler" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["user"] != float64(42) {
		t.Fatalf("user = %v", m["user"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v", m["err"])
	}
	if m["message"] != "day settled" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("info must not be enabled at warn")
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn missing: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop is an explicit logger, not zero")
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
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRenderOpsLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"x","message":"send failed","user":7,"err":"timeout"}`)
	got := renderOpsLine(line)
	want := "[WARN] send failed\n- err=timeout\n- user=7"
	if got != want {
		t.Fatalf("renderOpsLine = %q, want %q", got, want)
	}
	if got := renderOpsLine([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("non-json = %q", got)
	}
}
