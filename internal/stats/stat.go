// Package stats tracks throughput counters for a tail session and turns
// them into per-interval delta reports.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

type Stat interface {
	Incr(delta uint64)
}

type stat struct {
	statType StatType

	value atomic.Uint64

	lastReportMut   sync.Mutex
	lastReportValue uint64
	lastReportTime  time.Time
}

func (s *stat) Incr(delta uint64) {
	s.value.Add(delta)
}

type StatType int

const (
	StatSpansReceived StatType = iota
	StatRecordsDropped
	StatBatchesForwarded
	StatBytesSent
	StatBytesSentZ
)

func (s StatType) desc() string {
	switch s {
	case StatSpansReceived:
		return "spans"
	case StatRecordsDropped:
		return "dropped"
	case StatBatchesForwarded:
		return "batches"
	case StatBytesSent:
		return "bytes"
	case StatBytesSentZ:
		return "bytesZ"
	default:
		return "unknown"
	}
}

func (s StatType) unit() string {
	switch s {
	case StatBytesSent, StatBytesSentZ:
		return "KiB"
	case StatSpansReceived:
		return "spans"
	case StatRecordsDropped:
		return "records"
	case StatBatchesForwarded:
		return "batches"
	default:
		return ""
	}
}

func (s StatType) factor() float64 {
	switch s {
	case StatBytesSent, StatBytesSentZ:
		return 1024.0
	default:
		return 1.0
	}
}
