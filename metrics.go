package dxrt

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the inference-latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for the
// scheduler service as a whole: scheduling outcomes, memory-arena
// pressure, and device faults, alongside an inference-latency histogram.
type Metrics struct {
	// Scheduling outcomes
	Scheduled atomic.Uint64 // SCHEDULE_INFERENCE requests admitted
	Completed atomic.Uint64 // requests completed with status == 0
	Failed    atomic.Uint64 // requests that ended in a device error
	Retried   atomic.Uint64 // requests re-enqueued after EBUSY/EAGAIN

	// Memory arena
	Allocations atomic.Uint64 // GET_MEMORY / GET_MEMORY_FOR_MODEL calls that succeeded
	OutOfMemory atomic.Uint64 // calls that returned -1 for lack of space
	BytesInUse  atomic.Uint64 // last-observed total allocated bytes, across devices

	// Faults and recovery
	DeviceFaults     atomic.Uint64 // DeviceResponseFault occurrences
	ForcedRecoveries atomic.Uint64 // watchdog-issued RECOVERY commands

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // cumulative inference latency in nanoseconds
	OpCount        atomic.Uint64 // completions counted toward average latency

	// LatencyHistogram holds cumulative counts: bucket[i] is the count of
	// completions with latency <= LatencyBuckets[i].
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // service start timestamp (UnixNano)
	StopTime  atomic.Int64 // service stop timestamp (UnixNano), 0 while running
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSchedule records one admitted SCHEDULE_INFERENCE request.
func (m *Metrics) RecordSchedule() {
	m.Scheduled.Add(1)
}

// RecordCompletion records one finished request, successful or not, with
// its measured inference latency.
func (m *Metrics) RecordCompletion(latencyNs uint64, success bool) {
	if success {
		m.Completed.Add(1)
	} else {
		m.Failed.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRetry records one EBUSY/EAGAIN requeue.
func (m *Metrics) RecordRetry() {
	m.Retried.Add(1)
}

// RecordAllocation records the outcome of one memory-arena request.
func (m *Metrics) RecordAllocation(success bool) {
	if success {
		m.Allocations.Add(1)
	} else {
		m.OutOfMemory.Add(1)
	}
}

// RecordBytesInUse updates the last-observed allocated-bytes gauge.
func (m *Metrics) RecordBytesInUse(bytes uint64) {
	m.BytesInUse.Store(bytes)
}

// RecordDeviceFault records one DeviceResponseFault occurrence.
func (m *Metrics) RecordDeviceFault() {
	m.DeviceFaults.Add(1)
}

// RecordForcedRecovery records one watchdog-issued RECOVERY command.
func (m *Metrics) RecordForcedRecovery() {
	m.ForcedRecoveries.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// Stop marks the service stopped for the purposes of uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics.
type MetricsSnapshot struct {
	Scheduled uint64
	Completed uint64
	Failed    uint64
	Retried   uint64

	Allocations uint64
	OutOfMemory uint64
	BytesInUse  uint64

	DeviceFaults     uint64
	ForcedRecoveries uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	ErrorRate float64 // percentage of completed requests that failed
}

// Snapshot takes a point-in-time copy of the metrics, deriving averages,
// percentiles and the error rate.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Scheduled:        m.Scheduled.Load(),
		Completed:        m.Completed.Load(),
		Failed:           m.Failed.Load(),
		Retried:          m.Retried.Load(),
		Allocations:      m.Allocations.Load(),
		OutOfMemory:      m.OutOfMemory.Load(),
		BytesInUse:       m.BytesInUse.Load(),
		DeviceFaults:     m.DeviceFaults.Load(),
		ForcedRecoveries: m.ForcedRecoveries.Load(),
	}

	snap.TotalOps = snap.Completed + snap.Failed
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.Failed) / float64(snap.TotalOps) * 100.0
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHistogram[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHistogram[i-1].Load()
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

// Observer allows pluggable metrics collection, wired the same way the
// teacher wires its I/O Observer: a facade-adjacent component calls one
// method per event instead of poking Metrics fields directly.
type Observer interface {
	ObserveSchedule()
	ObserveCompletion(latencyNs uint64, success bool)
	ObserveRetry()
	ObserveAllocation(success bool)
	ObserveDeviceFault()
	ObserveForcedRecovery()
}

// NoOpObserver is a no-op Observer, the default when no metrics sink is
// configured.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSchedule()                {}
func (NoOpObserver) ObserveCompletion(uint64, bool)  {}
func (NoOpObserver) ObserveRetry()                   {}
func (NoOpObserver) ObserveAllocation(bool)          {}
func (NoOpObserver) ObserveDeviceFault()             {}
func (NoOpObserver) ObserveForcedRecovery()          {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSchedule() { o.metrics.RecordSchedule() }

func (o *MetricsObserver) ObserveCompletion(latencyNs uint64, success bool) {
	o.metrics.RecordCompletion(latencyNs, success)
}

func (o *MetricsObserver) ObserveRetry() { o.metrics.RecordRetry() }

func (o *MetricsObserver) ObserveAllocation(success bool) { o.metrics.RecordAllocation(success) }

func (o *MetricsObserver) ObserveDeviceFault() { o.metrics.RecordDeviceFault() }

func (o *MetricsObserver) ObserveForcedRecovery() { o.metrics.RecordForcedRecovery() }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
