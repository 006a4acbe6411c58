package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jfmyers9/playmidi/internal/history"
)

func TestPrintHistory(t *testing.T) {
	now := time.Date(2026, 5, 4, 20, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	if err := printHistory(&buf, nil, now); err != nil {
		t.Fatalf("printHistory: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "No history yet" {
		t.Errorf("empty history = %q", got)
	}

	buf.Reset()
	err := printHistory(&buf, []history.Entry{
		{
			Source:         "/music/gymnopedie.mid",
			Backend:        "sequencer",
			Duration:       185 * time.Second,
			LoadedAt:       now.Add(-10 * time.Minute),
			PlayCount:      2,
			CompletedCount: 1,
			LastState:      "stopped",
		},
	}, now)
	if err != nil {
		t.Fatalf("printHistory: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "LOADED") {
		t.Errorf("header = %q", lines[0])
	}
	fields := strings.Fields(lines[1])
	want := []string{"10", "minutes", "ago", "gymnopedie.mid", "03:05", "2", "1", "stopped", "sequencer"}
	if strings.Join(fields, " ") != strings.Join(want, " ") {
		t.Errorf("row = %q, want %q", fields, want)
	}
}
