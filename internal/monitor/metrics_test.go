package monitor

import (
	"testing"
	"time"
)

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(100)
	for _, ms := range []float64{10, 20, 30, 40, 50} {
		h.Record(ms)
	}

	stats := h.Stats()
	if stats.Count != 5 {
		t.Fatalf("Count = %d, want 5", stats.Count)
	}
	if stats.Min != 10 || stats.Max != 50 {
		t.Errorf("Min/Max = %v/%v, want 10/50", stats.Min, stats.Max)
	}
	if stats.Avg != 30 {
		t.Errorf("Avg = %v, want 30", stats.Avg)
	}
	if stats.P50 != 30 {
		t.Errorf("P50 = %v, want 30", stats.P50)
	}
}

func TestLatencyHistogramSlidingWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, ms := range []float64{1, 2, 3, 100} {
		h.Record(ms)
	}
	stats := h.Stats()
	if stats.Count != 3 {
		t.Fatalf("Count = %d, want window size 3", stats.Count)
	}
	if stats.Min != 2 {
		t.Errorf("Min = %v, oldest sample should have been evicted", stats.Min)
	}
}

func TestPipelineCounters(t *testing.T) {
	m := NewPipelineMetrics()
	m.SignalAccepted(5 * time.Millisecond)
	m.SignalAccepted(10 * time.Millisecond)
	m.SignalRejected()
	m.JobSucceeded(100 * time.Millisecond)
	m.JobFailed()
	m.JobRetried()

	snap := m.GetSnapshot()
	if snap.SignalsAccepted != 2 || snap.SignalsRejected != 1 {
		t.Errorf("signals = %d/%d, want 2 accepted, 1 rejected", snap.SignalsAccepted, snap.SignalsRejected)
	}
	if snap.JobsSucceeded != 1 || snap.JobsFailed != 1 || snap.JobsRetried != 1 {
		t.Errorf("jobs = %d/%d/%d, want 1/1/1", snap.JobsSucceeded, snap.JobsFailed, snap.JobsRetried)
	}
	if snap.IngressLatency.Count != 2 {
		t.Errorf("ingress latency samples = %d, want 2", snap.IngressLatency.Count)
	}
}
