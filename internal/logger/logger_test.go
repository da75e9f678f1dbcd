package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	l.WithFields(map[string]interface{}{"doc_id": 3}).Debug("flattened").Send()

	var event map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if event["service"] != "xmlflat" || event["msg"] != "flattened" || event["doc_id"] != float64(3) {
		t.Errorf("unexpected event: %v", event)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "warn", Output: &buf})

	l.Info("hidden").Send()
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
	l.Warn("shown").Send()
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn should pass, got %q", buf.String())
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Output: &buf})

	z := l.Component("ingest")
	z.Info().Msg("split")
	if !strings.Contains(buf.String(), `"component":"ingest"`) {
		t.Errorf("component field missing: %q", buf.String())
	}
}

func TestLogRun(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Output: &buf})

	l.LogRun("01J", "in.xml", 3, 1, 1, time.Second)
	if !strings.Contains(buf.String(), `"level":"warn"`) || !strings.Contains(buf.String(), `"failed":1`) {
		t.Errorf("unexpected run log: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): got %v, want %v", in, got, want)
		}
	}
}
