package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestProductionLogsJSONAtInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("production", &buf)
	l.Debug().Msg("hidden")
	l.Info().Str("ticket_id", "T-1").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatal("debug line logged in production")
	}
	if !strings.Contains(out, `"ticket_id":"T-1"`) || !strings.Contains(out, `"service":"ticket-documents"`) {
		t.Fatalf("output = %q", out)
	}
}

func TestDevelopmentLogsDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("development", &buf)
	l.Debug().Msg("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("output = %q", buf.String())
	}
}
