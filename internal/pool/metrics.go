package pool

import (
	"sync"
	"time"
)

// MetricsAccum is spec §3's per-Block metrics accumulator: a census of how
// many connections currently sit in each state, a waiter count, and rolling
// averages of how long a connection spends in each transitional state.
// A Block's MetricsAccum rolls its deltas up into the Pool's own
// MetricsAccum (SPEC_FULL.md's SUPPLEMENTED FEATURES: "MetricsAccum's
// parent-chaining... adopted"), giving the scheduler a pool-wide demand
// signal without re-walking every block on every tick.
type MetricsAccum struct {
	mu      sync.Mutex
	census  [numConnStates]int64
	waiting int64

	avgConnecting    rollingAverage
	avgReconnecting  rollingAverage
	avgDisconnecting rollingAverage
	avgActive        rollingAverage
	avgIdle          rollingAverage

	parent *MetricsAccum
}

func newMetricsAccum(parent *MetricsAccum) *MetricsAccum {
	return &MetricsAccum{parent: parent}
}

// censusDelta adjusts the gauge for one state by delta and propagates the
// same delta to the parent accumulator, if any.
func (m *MetricsAccum) censusDelta(s ConnState, delta int64) {
	m.mu.Lock()
	m.census[s] += delta
	m.mu.Unlock()
	if m.parent != nil {
		m.parent.censusDelta(s, delta)
	}
}

func (m *MetricsAccum) waitingDelta(delta int64) {
	m.mu.Lock()
	m.waiting += delta
	m.mu.Unlock()
	if m.parent != nil {
		m.parent.waitingDelta(delta)
	}
}

// recordTransitionDuration folds d into the rolling average for the state
// the connection is *leaving* (the state that had a meaningful duration:
// Connecting, Reconnecting, Disconnecting, Active, Idle are all timed on
// exit) and propagates to the parent.
func (m *MetricsAccum) recordTransitionDuration(from ConnState, d time.Duration) {
	m.mu.Lock()
	switch from {
	case StateConnecting:
		m.avgConnecting.add(d)
	case StateReconnecting:
		m.avgReconnecting.add(d)
	case StateDisconnecting:
		m.avgDisconnecting.add(d)
	case StateActive:
		m.avgActive.add(d)
	case StateIdle:
		m.avgIdle.add(d)
	}
	m.mu.Unlock()
	if m.parent != nil {
		m.parent.recordTransitionDuration(from, d)
	}
}

// Snapshot is a point-in-time, safe-to-serialize read of a MetricsAccum.
type Snapshot struct {
	Connecting    int64
	Reconnecting  int64
	Disconnecting int64
	Idle          int64
	Active        int64
	Failed        int64
	Closed        int64
	Waiting       int64

	AvgConnectingMs    int64
	AvgReconnectingMs  int64
	AvgDisconnectingMs int64
	AvgActiveMs        int64
	AvgIdleMs          int64
}

// Snapshot returns the current metrics, safe for serialization into the
// API/dashboard surface or a Prometheus scrape callback.
func (m *MetricsAccum) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Connecting:         m.census[StateConnecting],
		Reconnecting:       m.census[StateReconnecting],
		Disconnecting:      m.census[StateDisconnecting],
		Idle:               m.census[StateIdle],
		Active:             m.census[StateActive],
		Failed:             m.census[StateFailed],
		Closed:             m.census[StateClosed],
		Waiting:            m.waiting,
		AvgConnectingMs:    m.avgConnecting.avg().Milliseconds(),
		AvgReconnectingMs:  m.avgReconnecting.avg().Milliseconds(),
		AvgDisconnectingMs: m.avgDisconnecting.avg().Milliseconds(),
		AvgActiveMs:        m.avgActive.avg().Milliseconds(),
		AvgIdleMs:          m.avgIdle.avg().Milliseconds(),
	}
}

// InUse returns the number of connections counting toward the pool's
// capacity budget (spec §3's invariant).
func (s Snapshot) InUse() int64 {
	return s.Connecting + s.Reconnecting + s.Disconnecting + s.Idle + s.Active
}
