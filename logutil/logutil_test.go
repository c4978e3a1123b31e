package logutil

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestHandleWritesToOutAndFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := New(&buf, nil, false)
	logger := slog.New(h)
	logger.Info("loaded segment", "base", "0x400000")

	out := buf.String()
	if !strings.Contains(out, "INFO:") {
		t.Fatalf("output %q missing level prefix", out)
	}
	if !strings.Contains(out, "loaded segment") {
		t.Fatalf("output %q missing message", out)
	}
	if !strings.Contains(out, "base=0x400000") {
		t.Fatalf("output %q missing formatted attr", out)
	}
}

func TestHandleNilOutDoesNotPanic(t *testing.T) {
	h := New(nil, nil, false)
	if err := h.Handle(context.Background(), slog.Record{Message: "hello", Level: slog.LevelDebug}); err != nil {
		t.Fatalf("Handle with nil out: %v", err)
	}
}

func TestSetDebugMirrorsToStderr(t *testing.T) {
	var buf bytes.Buffer
	h := New(&buf, nil, false)
	h.SetDebug(true)
	if !h.debug {
		t.Fatalf("SetDebug(true) did not take effect")
	}
}
