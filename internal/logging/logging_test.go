package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestNewJSONIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With(String("tenant", "acme")).Info(context.Background(), "runner started",
		Int("scenarios", 3),
		Err(errors.New("boom")),
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if rec["tenant"] != "acme" {
		t.Fatalf("tenant = %v, want acme", rec["tenant"])
	}
	if rec["scenarios"] != float64(3) {
		t.Fatalf("scenarios = %v, want 3", rec["scenarios"])
	}
	if rec["error"] != "boom" {
		t.Fatalf("error = %v, want boom", rec["error"])
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Debug(context.Background(), "hidden")
	log.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}
	log.Warn(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Fatalf("expected warn output")
	}
}

func TestEnsureRequestIDIsStable(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" {
		t.Fatalf("expected generated request id")
	}
	_, again := EnsureRequestID(ctx)
	if again != id {
		t.Fatalf("request id changed: %q -> %q", id, again)
	}
}

func TestLoggerFromContextFallback(t *testing.T) {
	if LoggerFromContext(context.Background(), nil) == nil {
		t.Fatalf("expected noop fallback")
	}
	l := Noop()
	ctx := ContextWithLogger(context.Background(), l)
	if got := LoggerFromContext(ctx, nil); got != l {
		t.Fatalf("LoggerFromContext returned %v, want stored logger", got)
	}
}
