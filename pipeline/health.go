package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// HealthGate tracks the signals that decide whether the pipeline should keep
// running: the number of outstanding messages against its ceiling, progress
// made on them, and the recent downstream failure ratio. Once unhealthy, it
// stays unhealthy.
//
// All methods are safe for concurrent use.
type HealthGate struct {
	maxOutstanding  int64
	receiveBatch    int64
	stallTimeout    time.Duration
	maxFailureRatio float64
	clock           func() time.Time

	inFlight     atomic.Int64
	lastProgress atomic.Int64

	mu        sync.Mutex
	window    []bool
	windowPos int
	windowLen int
	failures  int
	tripped   bool
	reason    string
}

func newHealthGate(opts *Options) *HealthGate {
	g := &HealthGate{
		maxOutstanding:  int64(opts.maxOutstandingMessages),
		receiveBatch:    int64(opts.maxReceiveMessages),
		stallTimeout:    opts.stallTimeout,
		maxFailureRatio: opts.maxFailureRatio,
		clock:           opts.clock,
	}

	if opts.maxFailureRatio > 0 {
		g.window = make([]bool, opts.failureWindow)
	}

	g.lastProgress.Store(g.clock().UnixNano())

	return g
}

// AllowReceive reports whether receiving another full batch keeps the
// outstanding count within its ceiling.
func (g *HealthGate) AllowReceive() bool {
	return g.inFlight.Load()+g.receiveBatch <= g.maxOutstanding
}

// Acquire records n newly received messages.
func (g *HealthGate) Acquire(n int) {
	g.inFlight.Add(int64(n))
}

// Release records n messages that were acknowledged or handed back to the
// queue.
func (g *HealthGate) Release(n int) {
	g.inFlight.Add(-int64(n))
	g.lastProgress.Store(g.clock().UnixNano())
}

// InFlight returns the number of outstanding messages.
func (g *HealthGate) InFlight() int64 {
	return g.inFlight.Load()
}

// RecordOutcome adds a downstream call result to the failure window.
func (g *HealthGate) RecordOutcome(success bool) {
	if g.window == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.windowLen == len(g.window) {
		if !g.window[g.windowPos] {
			g.failures--
		}
	} else {
		g.windowLen++
	}

	g.window[g.windowPos] = success
	if !success {
		g.failures++
	}

	g.windowPos = (g.windowPos + 1) % len(g.window)
}

// Trip marks the gate unhealthy.
func (g *HealthGate) Trip(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.trip(reason)
}

func (g *HealthGate) trip(reason string) {
	if g.tripped {
		return
	}

	g.tripped = true
	g.reason = reason
}

// Unhealthy evaluates all signals and reports whether the pipeline must
// stop.
func (g *HealthGate) Unhealthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.tripped {
		return true
	}

	if g.stallTimeout > 0 && !g.AllowReceive() {
		idle := g.clock().Sub(time.Unix(0, g.lastProgress.Load()))
		if idle >= g.stallTimeout {
			g.trip(fmt.Sprintf("%d messages outstanding with no progress for %s", g.inFlight.Load(), idle.Round(time.Second)))
			return true
		}
	}

	if g.window != nil && g.windowLen == len(g.window) {
		ratio := float64(g.failures) / float64(g.windowLen)
		if ratio > g.maxFailureRatio {
			g.trip(fmt.Sprintf("downstream failure ratio %.2f over the last %d calls exceeds %.2f", ratio, g.windowLen, g.maxFailureRatio))
			return true
		}
	}

	return false
}

// Reason describes why the gate tripped, or "" while healthy.
func (g *HealthGate) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.reason
}
