package pool

import (
	"testing"
	"time"

	"multisocks/internal/proxyspec"
)

func descriptors(weights ...int) []proxyspec.ProxyDescriptor {
	out := make([]proxyspec.ProxyDescriptor, len(weights))
	for i, w := range weights {
		out[i] = proxyspec.ProxyDescriptor{ID: i, Scheme: proxyspec.SOCKS5, Host: "127.0.0.1", Port: 1080, Weight: w}
	}
	return out
}

func TestPickDistributesByWeight(t *testing.T) {
	p := New(descriptors(3, 1), 3)

	counts := map[int]int{}
	for i := 0; i < 4000; i++ {
		id, err := p.Pick()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[id]++
	}

	if counts[0] < 2900 || counts[0] > 3100 {
		t.Fatalf("proxy 0 count out of range: %d", counts[0])
	}
	if counts[1] < 900 || counts[1] > 1100 {
		t.Fatalf("proxy 1 count out of range: %d", counts[1])
	}
}

func TestFMaxExclusion(t *testing.T) {
	p := New(descriptors(1), 3)

	for i := 0; i < 3; i++ {
		p.ReportOutcome(0, OutcomeTransportFailure, 0)
	}

	if _, err := p.Pick(); err != ErrNoHealthyProxy {
		t.Fatalf("expected ErrNoHealthyProxy after F_MAX failures, got %v", err)
	}
}

func TestReportSuccessResetsFailures(t *testing.T) {
	p := New(descriptors(1), 3)

	p.ReportOutcome(0, OutcomeTransportFailure, 0)
	p.ReportOutcome(0, OutcomeTransportFailure, 0)
	p.ReportOutcome(0, OutcomeSuccess, 50*time.Millisecond)

	if _, err := p.Pick(); err != nil {
		t.Fatalf("unexpected error after recovery: %v", err)
	}

	snap := p.Snapshot()
	if snap[0].Health.ConsecutiveFailures != 0 {
		t.Fatalf("expected failures reset, got %d", snap[0].Health.ConsecutiveFailures)
	}
	if snap[0].Health.AvgLatencyMs != 50 {
		t.Fatalf("expected latency sample recorded, got %f", snap[0].Health.AvgLatencyMs)
	}
}

func TestSetActiveCountClamps(t *testing.T) {
	p := New(descriptors(1, 1, 1), 3)

	p.SetActiveCount(0)
	if p.ActiveCount() != 1 {
		t.Fatalf("expected clamp to 1, got %d", p.ActiveCount())
	}

	p.SetActiveCount(100)
	if p.ActiveCount() != 3 {
		t.Fatalf("expected clamp to len(descriptors), got %d", p.ActiveCount())
	}
}

func TestSetActiveIDsRestrictsSelectionToExactIDs(t *testing.T) {
	p := New(descriptors(1, 1, 1), 3)

	// Restrict to the two highest-id proxies, the opposite of what a
	// naive id<k prefix would select.
	p.SetActiveIDs([]int{2, 1})

	if p.ActiveCount() != 2 {
		t.Fatalf("expected active count 2, got %d", p.ActiveCount())
	}

	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		id, err := p.Pick()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[id] = true
	}
	if seen[0] {
		t.Fatalf("expected id 0 to be excluded from the active set, but it was picked")
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("expected both ids 1 and 2 to be picked, got %v", seen)
	}
}

func TestSetActiveIDsEmptyFallsBackToFullSet(t *testing.T) {
	p := New(descriptors(1, 1, 1), 3)
	p.SetActiveIDs([]int{2})

	p.SetActiveIDs(nil)

	if p.ActiveCount() != 3 {
		t.Fatalf("expected fallback to full descriptor set, got %d", p.ActiveCount())
	}
}

func TestInFlightReleasedExactlyOnce(t *testing.T) {
	p := New(descriptors(1), 3)

	p.AcquireInFlight(0)
	p.ReleaseInFlight(0)
	p.ReleaseInFlight(0) // should not underflow

	snap := p.Snapshot()
	if snap[0].Health.InFlight != 0 {
		t.Fatalf("expected in_flight 0, got %d", snap[0].Health.InFlight)
	}
}

func TestMetricsAggregatesInFlightAndLatency(t *testing.T) {
	p := New(descriptors(1, 1), 3)

	p.AcquireInFlight(0)
	p.AcquireInFlight(1)
	p.ReportOutcome(0, OutcomeSuccess, 100*time.Millisecond)

	m := p.Metrics()
	if m.ActiveSessions != 2 {
		t.Fatalf("expected 2 active sessions, got %d", m.ActiveSessions)
	}
	if m.LatencyMs != 100 {
		t.Fatalf("expected latency 100ms, got %d", m.LatencyMs)
	}
}

func TestMetricsLatencyUnknownWhenNoSamples(t *testing.T) {
	p := New(descriptors(1), 3)

	m := p.Metrics()
	if m.LatencyMs != -1 {
		t.Fatalf("expected latency -1 when no sample recorded, got %d", m.LatencyMs)
	}
}

func TestEmptyPoolReturnsNoHealthyProxy(t *testing.T) {
	p := New(nil, 3)
	if _, err := p.Pick(); err != ErrNoHealthyProxy {
		t.Fatalf("expected ErrNoHealthyProxy for empty pool, got %v", err)
	}
}
