package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*SlogLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewSlogLogger(slog.New(h)), &buf
}

func TestSlogLoggerLevelsWriteExpectedOutput(t *testing.T) {
	log, buf := newTestLogger(t)
	ctx := context.Background()

	log.Debug(ctx, "dropped", "kind", "message.status")
	log.Info(ctx, "connected", "attempt", 2)
	log.Warn(ctx, "malformed", "bytes", 17)
	log.Error(ctx, "rollback", "labels", 3)

	out := buf.String()
	tests := []struct {
		level string
		msg   string
		attr  string
	}{
		{"DEBUG", "dropped", "kind=message.status"},
		{"INFO", "connected", "attempt=2"},
		{"WARN", "malformed", "bytes=17"},
		{"ERROR", "rollback", "labels=3"},
	}
	for _, tc := range tests {
		if !strings.Contains(out, "level="+tc.level) {
			t.Fatalf("expected level=%s in output:\n%s", tc.level, out)
		}
		if !strings.Contains(out, "msg="+tc.msg) {
			t.Fatalf("expected msg=%s in output:\n%s", tc.msg, out)
		}
		if !strings.Contains(out, tc.attr) {
			t.Fatalf("expected %s in output:\n%s", tc.attr, out)
		}
	}
}

func TestSlogLoggerWithAddsAttributes(t *testing.T) {
	log, buf := newTestLogger(t)
	log.With("connector", "main", "component", "store").Info(context.Background(), "hello", "k", "v")

	out := buf.String()
	for _, s := range []string{"level=INFO", "msg=hello", "connector=main", "component=store", "k=v"} {
		if !strings.Contains(out, s) {
			t.Fatalf("expected %q in output, got:\n%s", s, out)
		}
	}
}

func TestNewSelectsHandler(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown", "n", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("expected json output, got %s", out)
	}

	if _, err := New(&buf, "loud", "text"); err == nil {
		t.Fatalf("expected unsupported level error")
	}
	if _, err := New(&buf, "info", "xml"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestOrNop(t *testing.T) {
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Fatalf("expected Nop for nil logger")
	}
	log, _ := newTestLogger(t)
	if OrNop(log) != Logger(log) {
		t.Fatalf("expected logger to pass through")
	}
	Nop{}.With("a", 1).Error(context.Background(), "ignored")
}
