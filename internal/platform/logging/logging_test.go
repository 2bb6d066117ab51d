package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewFiltersBelowLevel(t *testing.T) {
	t.Parallel()
	buf := &bytes.Buffer{}
	logger := New("warn", buf)
	logger.Info().Msg("hidden")
	logger.Warn().Str("room", "r1").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line leaked through warn level: %s", out)
	}
	if !strings.Contains(out, `"room":"r1"`) || !strings.Contains(out, "shown") {
		t.Fatalf("expected structured warn line, got %s", out)
	}
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	t.Parallel()
	buf := &bytes.Buffer{}
	logger := New("chatty", buf)
	logger.Debug().Msg("debug")
	logger.Info().Msg("info")
	if strings.Contains(buf.String(), `"message":"debug"`) || !strings.Contains(buf.String(), `"message":"info"`) {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
