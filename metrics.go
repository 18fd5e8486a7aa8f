package evloop

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the work-callback latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks dispatch and worker activity for one Loop. Every field is
// independently atomic so a concurrent Snapshot never takes a lock on the
// dispatch thread's hot path.
type Metrics struct {
	// Dispatch counters, one per source kind dispatched.
	FdDispatches     atomic.Uint64
	TimerDispatches  atomic.Uint64
	TickerDispatches atomic.Uint64
	SignalDispatches atomic.Uint64
	WorkDispatches   atomic.Uint64
	IdleDispatches   atomic.Uint64

	// Queue statistics.
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Worker (off-thread) callback latency.
	TotalWorkLatencyNs atomic.Uint64
	WorkOpCount        atomic.Uint64
	WorkErrors         atomic.Uint64

	// Latency histogram buckets (cumulative counts), over worker callback
	// duration: LatencyBuckets[i] holds the count of work items that
	// completed in <= LatencyBuckets[i] nanoseconds.
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Loop lifecycle.
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a fresh metrics instance, stamping StartTime now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordDispatch increments the per-kind dispatch counter.
func (m *Metrics) RecordDispatch(kind string) {
	switch kind {
	case "fd_handler":
		m.FdDispatches.Add(1)
	case "timer":
		m.TimerDispatches.Add(1)
	case "ticker":
		m.TickerDispatches.Add(1)
	case "signal":
		m.SignalDispatches.Add(1)
	case "work":
		m.WorkDispatches.Add(1)
	case "idle":
		m.IdleDispatches.Add(1)
	}
}

// RecordWork records a completed off-thread work callback.
func (m *Metrics) RecordWork(latencyNs uint64, success bool) {
	if !success {
		m.WorkErrors.Add(1)
	}
	m.TotalWorkLatencyNs.Add(latencyNs)
	m.WorkOpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordQueueDepth records a point-in-time event-queue depth sample.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// Stop marks the loop as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics plus
// derived statistics.
type MetricsSnapshot struct {
	FdDispatches     uint64
	TimerDispatches  uint64
	TickerDispatches uint64
	SignalDispatches uint64
	WorkDispatches   uint64
	IdleDispatches   uint64
	TotalDispatches  uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgWorkLatencyNs uint64
	WorkLatencyP50Ns  uint64
	WorkLatencyP99Ns  uint64
	WorkLatencyP999Ns uint64
	LatencyHistogram  [numLatencyBuckets]uint64

	WorkErrors uint64
	ErrorRate  float64

	UptimeNs uint64
}

// Snapshot copies the current counters and computes derived statistics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		FdDispatches:     m.FdDispatches.Load(),
		TimerDispatches:  m.TimerDispatches.Load(),
		TickerDispatches: m.TickerDispatches.Load(),
		SignalDispatches: m.SignalDispatches.Load(),
		WorkDispatches:   m.WorkDispatches.Load(),
		IdleDispatches:   m.IdleDispatches.Load(),
		MaxQueueDepth:    m.MaxQueueDepth.Load(),
		WorkErrors:       m.WorkErrors.Load(),
	}
	snap.TotalDispatches = snap.FdDispatches + snap.TimerDispatches + snap.TickerDispatches +
		snap.SignalDispatches + snap.WorkDispatches + snap.IdleDispatches

	if qc := m.QueueDepthCount.Load(); qc > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(qc)
	}

	opCount := m.WorkOpCount.Load()
	if opCount > 0 {
		snap.AvgWorkLatencyNs = m.TotalWorkLatencyNs.Load() / opCount
		snap.ErrorRate = float64(snap.WorkErrors) / float64(opCount) * 100.0
	}

	start := m.StartTime.Load()
	if stop := m.StopTime.Load(); stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.WorkLatencyP50Ns = m.calculatePercentile(0.50)
		snap.WorkLatencyP99Ns = m.calculatePercentile(0.99)
		snap.WorkLatencyP999Ns = m.calculatePercentile(0.999)
	}
	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.WorkOpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter (useful for tests).
func (m *Metrics) Reset() {
	m.FdDispatches.Store(0)
	m.TimerDispatches.Store(0)
	m.TickerDispatches.Store(0)
	m.SignalDispatches.Store(0)
	m.WorkDispatches.Store(0)
	m.IdleDispatches.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalWorkLatencyNs.Store(0)
	m.WorkOpCount.Store(0)
	m.WorkErrors.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer is a pluggable metrics-collection sink. An Observer configured
// via WithObserver replaces the loop's default MetricsObserver, so the
// loop's internal Metrics are then not updated.
type Observer interface {
	ObserveDispatch(kind string)
	ObserveWork(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards every observation. Pass it to WithObserver to turn
// metrics collection off; the default when none is configured is a
// MetricsObserver.
type NoOpObserver struct{}

func (NoOpObserver) ObserveDispatch(string)         {}
func (NoOpObserver) ObserveWork(uint64, bool)       {}
func (NoOpObserver) ObserveQueueDepth(uint32)       {}

// MetricsObserver adapts a *Metrics into an Observer.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDispatch(kind string)       { o.metrics.RecordDispatch(kind) }
func (o *MetricsObserver) ObserveWork(latencyNs uint64, success bool) {
	o.metrics.RecordWork(latencyNs, success)
}
func (o *MetricsObserver) ObserveQueueDepth(depth uint32) { o.metrics.RecordQueueDepth(depth) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
