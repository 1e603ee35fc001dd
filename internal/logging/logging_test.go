package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("run", "abc").WithGroup("pair").Info("matched", "source", 3, "target", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked at info level: %q", out)
	}
	for _, want := range []string{"[INFO] matched", "run=abc", "pair.source=3", "pair.target=2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRunHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "info", "json")

	LogRunStart(logger, "stack", "r1", 12, "out.tif", nil)
	LogRunError(logger, "stack", "r1", time.Second, errors.New("boom"), nil)

	out := buf.String()
	if !strings.Contains(out, `"msg":"run started"`) || !strings.Contains(out, `"error":"boom"`) {
		t.Fatalf("unexpected json output %q", out)
	}
}
