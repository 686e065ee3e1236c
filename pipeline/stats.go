package pipeline

import (
	"sync/atomic"
	"time"
)

// Stats holds the pipeline counters. They only ever grow.
type Stats struct {
	Received             atomic.Int64
	ReceiveErrors        atomic.Int64
	Succeeded            atomic.Int64
	AuthFailures         atomic.Int64
	ProcessingFailures   atomic.Int64
	Timeouts             atomic.Int64
	AuthorizationMissing atomic.Int64
	DeadLettered         atomic.Int64
}

func (s *Stats) record(o Outcome) {
	switch o {
	case OutcomeSuccess:
		s.Succeeded.Add(1)
	case OutcomeAuthFailure:
		s.AuthFailures.Add(1)
	case OutcomeProcessingFailure:
		s.ProcessingFailures.Add(1)
	case OutcomeTimeout:
		s.Timeouts.Add(1)
	case OutcomeAuthorizationMissing:
		s.AuthorizationMissing.Add(1)
	}
}

// AccumulatorSnapshot is a point-in-time copy of one accumulator's counters.
type AccumulatorSnapshot struct {
	Flushes       int64 `json:"flushes"`
	Entries       int64 `json:"entries"`
	FailedEntries int64 `json:"failed_entries"`
	Duplicates    int64 `json:"duplicates"`
}

func (c *accumulatorCounters) snapshot() AccumulatorSnapshot {
	return AccumulatorSnapshot{
		Flushes:       c.flushes.Load(),
		Entries:       c.entries.Load(),
		FailedEntries: c.failedEntries.Load(),
		Duplicates:    c.duplicates.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of all pipeline counters.
type StatsSnapshot struct {
	StartedAt            time.Time           `json:"started_at"`
	InFlight             int64               `json:"in_flight"`
	Received             int64               `json:"received"`
	ReceiveErrors        int64               `json:"receive_errors"`
	Succeeded            int64               `json:"succeeded"`
	AuthFailures         int64               `json:"auth_failures"`
	ProcessingFailures   int64               `json:"processing_failures"`
	Timeouts             int64               `json:"timeouts"`
	AuthorizationMissing int64               `json:"authorization_missing"`
	DeadLettered         int64               `json:"dead_lettered"`
	Delete               AccumulatorSnapshot `json:"delete"`
	Visibility           AccumulatorSnapshot `json:"visibility"`
	Retry                AccumulatorSnapshot `json:"retry"`
}
