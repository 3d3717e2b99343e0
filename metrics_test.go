package dxrt

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordCompletion(1_000_000, true)
	m.RecordCompletion(2_000_000, true)
	m.RecordCompletion(500_000, false)

	snap = m.Snapshot()
	if snap.Completed != 2 {
		t.Errorf("Completed = %d, want 2", snap.Completed)
	}
	if snap.Failed != 1 {
		t.Errorf("Failed = %d, want 1", snap.Failed)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("ErrorRate = %.1f, want ~%.1f", snap.ErrorRate, expectedErrorRate)
	}
}

func TestMetricsAllocationAndFaults(t *testing.T) {
	m := NewMetrics()

	m.RecordAllocation(true)
	m.RecordAllocation(true)
	m.RecordAllocation(false)
	m.RecordDeviceFault()
	m.RecordForcedRecovery()
	m.RecordRetry()

	snap := m.Snapshot()
	if snap.Allocations != 2 {
		t.Errorf("Allocations = %d, want 2", snap.Allocations)
	}
	if snap.OutOfMemory != 1 {
		t.Errorf("OutOfMemory = %d, want 1", snap.OutOfMemory)
	}
	if snap.DeviceFaults != 1 {
		t.Errorf("DeviceFaults = %d, want 1", snap.DeviceFaults)
	}
	if snap.ForcedRecoveries != 1 {
		t.Errorf("ForcedRecoveries = %d, want 1", snap.ForcedRecoveries)
	}
	if snap.Retried != 1 {
		t.Errorf("Retried = %d, want 1", snap.Retried)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordCompletion(1_000_000, true)
	m.RecordCompletion(2_000_000, true)

	snap := m.Snapshot()
	want := uint64(1_500_000)
	if snap.AvgLatencyNs != want {
		t.Errorf("AvgLatencyNs = %d, want %d", snap.AvgLatencyNs, want)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)
	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("UptimeNs = %d, want >= 10ms", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)
	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("uptime advanced after Stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveSchedule()
	observer.ObserveCompletion(1_000_000, true)
	observer.ObserveRetry()
	observer.ObserveAllocation(true)
	observer.ObserveDeviceFault()
	observer.ObserveForcedRecovery()

	m := NewMetrics()
	mo := NewMetricsObserver(m)

	mo.ObserveSchedule()
	mo.ObserveCompletion(1_000_000, true)
	mo.ObserveCompletion(2_000_000, false)

	snap := m.Snapshot()
	if snap.Scheduled != 1 {
		t.Errorf("Scheduled = %d, want 1", snap.Scheduled)
	}
	if snap.Completed != 1 {
		t.Errorf("Completed = %d, want 1", snap.Completed)
	}
	if snap.Failed != 1 {
		t.Errorf("Failed = %d, want 1", snap.Failed)
	}
}

func TestMetricsHistogramPercentiles(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordCompletion(500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordCompletion(5_000_000, true) // 5ms
	}
	m.RecordCompletion(50_000_000, true) // 50ms, the P99 tail

	snap := m.Snapshot()
	if snap.TotalOps != 100 {
		t.Errorf("TotalOps = %d, want 100", snap.TotalOps)
	}
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("LatencyP50Ns = %d, want in [100us, 1ms]", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("LatencyP99Ns = %d, want in [5ms, 100ms]", snap.LatencyP99Ns)
	}

	var totalInBuckets uint64
	for _, c := range snap.LatencyHistogram {
		totalInBuckets += c
	}
	if totalInBuckets == 0 {
		t.Error("expected histogram buckets to be populated")
	}
}
