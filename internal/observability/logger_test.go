package observability

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
)

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	prevFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prev)
		log.SetFlags(prevFlags)
	}()
	fn()
	return buf.String()
}

func TestStdLoggerFormatsFields(t *testing.T) {
	out := captureOutput(t, func() {
		StdLogger{}.Info("connection lost",
			Field{Key: "connect_id", Value: "conn-1"},
			Field{Key: "attempt", Value: 3},
			Field{Key: "error", Value: errors.New("dial refused")},
		)
	})
	if !strings.Contains(out, "INFO connection lost") {
		t.Fatalf("missing level and message: %q", out)
	}
	if !strings.Contains(out, `connect_id="conn-1"`) {
		t.Fatalf("string fields should be quoted: %q", out)
	}
	if !strings.Contains(out, "attempt=3") {
		t.Fatalf("missing numeric field: %q", out)
	}
	if !strings.Contains(out, `error="dial refused"`) {
		t.Fatalf("missing error field: %q", out)
	}
}

func TestStdLoggerDebugGatedByVerbose(t *testing.T) {
	quiet := captureOutput(t, func() {
		StdLogger{}.Debug("noise")
	})
	if quiet != "" {
		t.Fatalf("expected debug suppressed, got %q", quiet)
	}
	verbose := captureOutput(t, func() {
		StdLogger{Verbose: true}.Debug("noise")
	})
	if !strings.Contains(verbose, "DEBUG noise") {
		t.Fatalf("expected debug emitted, got %q", verbose)
	}
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	SetLogger(StdLogger{})
	SetLogger(nil)
	out := captureOutput(t, func() {
		Log().Error("should not appear")
	})
	if out != "" {
		t.Fatalf("expected noop logger, got %q", out)
	}
}
