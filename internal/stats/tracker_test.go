package stats

import (
	"strings"
	"testing"
	"time"
)

func TestTrackerFirstReportPrimesBaselines(t *testing.T) {
	tracker := NewTracker()
	spans := tracker.NewStat(StatSpansReceived)
	spans.Incr(10)

	now := time.Now()
	if reports := tracker.Report(now); len(reports) != 0 {
		t.Errorf("Expected empty first report, got %d entries", len(reports))
	}

	spans.Incr(5)
	reports := tracker.Report(now.Add(time.Second))
	if len(reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(reports))
	}
	if reports[0].delta != 5 {
		t.Errorf("Expected delta 5, got %d", reports[0].delta)
	}
}

func TestTrackerReusesStat(t *testing.T) {
	tracker := NewTracker()
	a := tracker.NewStat(StatBytesSent)
	b := tracker.NewStat(StatBytesSent)

	a.Incr(1)
	b.Incr(1)

	now := time.Now()
	tracker.Report(now)
	reports := tracker.Report(now.Add(time.Second))
	if len(reports) != 1 {
		t.Fatalf("Expected 1 report for shared stat, got %d", len(reports))
	}
	if reports[0].delta != 0 {
		t.Errorf("Expected delta 0 after flush, got %d", reports[0].delta)
	}
}

func TestReportsSortedAndSummarized(t *testing.T) {
	tracker := NewTracker()
	tracker.NewStat(StatSpansReceived).Incr(2)
	tracker.NewStat(StatBatchesForwarded).Incr(1)

	now := time.Now()
	tracker.Report(now)
	reports := tracker.Report(now.Add(time.Second))
	if len(reports) != 2 {
		t.Fatalf("Expected 2 reports, got %d", len(reports))
	}
	// "batches" sorts before "spans"
	if reports[0].statType != StatBatchesForwarded {
		t.Errorf("Expected batches first, got %v", reports[0].statType)
	}

	summary := Summary(reports)
	if !strings.Contains(summary, "batches") || !strings.Contains(summary, "spans") {
		t.Errorf("Summary missing stats: %s", summary)
	}
}
