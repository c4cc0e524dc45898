package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)
	l.Info("Session", "hidden %d", 1)
	l.Warn("Session", "shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line written at WARN: %q", out)
	}
	if !strings.Contains(out, "[WARN] [Session] shown 2") {
		t.Fatalf("unexpected output: %q", out)
	}

	buf.Reset()
	l.SetLevel(SILENT)
	l.Error("Session", "nothing")
	if buf.Len() != 0 {
		t.Fatalf("silent logger wrote %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{"debug": DEBUG, "INFO": INFO, "Warning": WARN, "error": ERROR, "none": SILENT}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
