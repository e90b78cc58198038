package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandleWritesMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.DisableTimestamp = true

	log := slog.New(NewPrettyHandler(&buf, &opts))
	log.Info("peer connected", "addr", "10.0.0.1:6881")

	out := buf.String()
	if !strings.Contains(out, "peer connected") {
		t.Fatalf("output = %q, missing message", out)
	}
	if !strings.Contains(out, "10.0.0.1:6881") {
		t.Fatalf("output = %q, missing attribute value", out)
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.SlogOpts.Level = slog.LevelWarn

	h := NewPrettyHandler(&buf, &opts)
	if h.Enabled(nil, slog.LevelDebug) {
		t.Fatal("debug should not be enabled when level is Warn")
	}
	if !h.Enabled(nil, slog.LevelError) {
		t.Fatal("error should be enabled when level is Warn")
	}
}

func TestWithAttrsAndGroupNesting(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.DisableTimestamp = true

	base := NewPrettyHandler(&buf, &opts)
	h := base.WithGroup("scheduler").WithAttrs([]slog.Attr{slog.Int("blocks", 4)})

	log := slog.New(h)
	log.Info("scheduling")

	if !strings.Contains(buf.String(), "scheduling") {
		t.Fatalf("output = %q, missing message", buf.String())
	}
}

func TestNewReturnsUsableLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo)
	log.Info("hello")

	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("output = %q, missing message", buf.String())
	}
}
