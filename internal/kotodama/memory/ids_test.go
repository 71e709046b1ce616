package memory_test

import (
	"testing"
	"time"

	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
)

func TestCompareMessageIDs(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		// Discord snowflakes of different lengths.
		{"99999999999999999", "100000000000000000", -1},
		{"1234567890123456789", "1234567890123456789", 0},
		{"1234567890123456790", "1234567890123456789", 1},
		// Slack timestamps.
		{"1712345678.000200", "1712345678.000100", 1},
		{"1712345678.9", "1712345679.000001", -1},
		{"1712345678.5", "1712345678.50", 0},
		// Leading zeros.
		{"007", "7", 0},
		// Non-numeric ids fall back to string order.
		{"$abc:matrix.org", "$abd:matrix.org", -1},
		{"", "1", -1},
	}
	for _, tt := range tests {
		if got := memory.CompareMessageIDs(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareMessageIDs(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSummaryID(t *testing.T) {
	now := time.UnixMilli(1717171717171)
	id := memory.SummaryID(now)
	if id != "__summary__1717171717171" {
		t.Errorf("SummaryID = %q", id)
	}
	if !memory.IsSummaryID(id) {
		t.Error("IsSummaryID(SummaryID) = false")
	}
	if memory.IsSummaryID("1717171717171") {
		t.Error("plain id reported as summary")
	}
}

func TestNewTurnID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := memory.NewTurnID()
		if seen[id] {
			t.Fatalf("duplicate turn id %s", id)
		}
		seen[id] = true
	}
}
