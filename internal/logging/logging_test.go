package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" {
		t.Error("expected empty request ID on fresh context")
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("RequestID = %q, want req-123", got)
	}
}

func TestL_FallsBackToDefault(t *testing.T) {
	if L(context.Background()) == nil {
		t.Fatal("L returned nil logger")
	}
}

func TestL_UsesContextLogger(t *testing.T) {
	logger := Discard()
	ctx := WithLogger(context.Background(), logger)
	if L(ctx) != logger {
		t.Error("L did not return the context logger")
	}
}
