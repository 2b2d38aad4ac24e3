package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Tracker owns the stats of one tail session.
type Tracker struct {
	mu    sync.Mutex
	stats map[int]*stat
}

type StatReport struct {
	statType StatType

	delta uint64
	dur   time.Duration
}

func NewTracker() *Tracker {
	return &Tracker{
		stats: make(map[int]*stat),
	}
}

func (t *Tracker) NewStat(statType StatType) Stat {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.stats[int(statType)]; ok {
		return existing
	}
	newStat := &stat{statType: statType}
	t.stats[int(statType)] = newStat
	return newStat
}

// Report returns the delta since the previous report for every stat. The
// first call only primes the baselines and returns nothing.
func (t *Tracker) Report(now time.Time) []StatReport {
	t.mu.Lock()
	stats := make([]*stat, 0, len(t.stats))
	for _, s := range t.stats {
		stats = append(stats, s)
	}
	t.mu.Unlock()

	reports := make([]StatReport, 0, len(stats))
	for _, s := range stats {
		s.lastReportMut.Lock()

		if s.lastReportTime.IsZero() {
			// handle initialization
			s.lastReportTime = now
			s.lastReportValue = s.value.Load()
			s.lastReportMut.Unlock()
			continue
		}

		currValue := s.value.Load()
		reports = append(reports, StatReport{
			statType: s.statType,
			delta:    currValue - s.lastReportValue,
			dur:      now.Sub(s.lastReportTime),
		})

		s.lastReportTime = now
		s.lastReportValue = currValue

		s.lastReportMut.Unlock()
	}

	sort.Slice(reports, func(i, j int) bool {
		return strings.Compare(reports[i].statType.desc(), reports[j].statType.desc()) < 0
	})

	return reports
}

func (r *StatReport) Report() string {
	return fmt.Sprintf("%d %s (%4.2f %s/sec)",
		r.delta, r.statType.desc(),
		float64(r.delta)/r.dur.Seconds()/r.statType.factor(), r.statType.unit(),
	)
}

// Summary joins a report slice into one log-friendly line.
func Summary(reports []StatReport) string {
	parts := make([]string, 0, len(reports))
	for i := range reports {
		parts = append(parts, reports[i].Report())
	}
	return strings.Join(parts, ", ")
}
