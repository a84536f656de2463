// Package pool holds the weighted, health-tracked set of upstream proxies
// (spec.md §4.3): selection, outcome reporting, and the serialization point
// that every mutator of the health table goes through.
package pool

import (
	"errors"
	"sync"
	"time"

	"multisocks/internal/proxyspec"
	"multisocks/internal/shared/types"
)

// ErrNoHealthyProxy is returned by Pick when a full sweep of the active
// window finds no eligible proxy.
var ErrNoHealthyProxy = errors.New("pool: no healthy proxy available")

// Outcome is what a session reports back after attempting a descriptor.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeHandshakeFailure
	OutcomeTransportFailure
)

// Health is the mutable, per-proxy state the pool owns (spec.md §3).
type Health struct {
	Alive               bool
	ConsecutiveFailures uint32
	LastCheck           time.Time
	AvgLatencyMs        float64 // 0 until first successful sample
	MeasuredBWBps       float64
	InFlight            uint32
	NextProbeAt         time.Time
}

// Status is a read-only snapshot of one proxy's descriptor and health,
// exposed for operational visibility (SPEC_FULL.md §4.3).
type Status struct {
	Descriptor proxyspec.ProxyDescriptor
	Health     Health
}

const (
	defaultFMax = 3

	backoffBase = 30 * time.Second
	backoffCap  = 10 * time.Minute
)

// Pool holds an immutable descriptor set and the one mutable health table
// that every selection/outcome/probe/optimizer decision serializes through
// (spec.md §5: "the pool's health table is the sole mutable shared
// structure"). The mutex is never held across I/O.
type Pool struct {
	mu sync.Mutex

	descriptors []proxyspec.ProxyDescriptor // immutable, id-ordered, no lock needed
	health      []Health                    // indexed by descriptor ID, guarded by mu
	rrCursor    uint64
	activeIDs   []int // ranked subset of descriptor IDs selection is restricted to
	fMax        uint32
}

// New builds a pool over descriptors, all initially alive and active.
func New(descriptors []proxyspec.ProxyDescriptor, fMax int) *Pool {
	if fMax <= 0 {
		fMax = defaultFMax
	}
	health := make([]Health, len(descriptors))
	activeIDs := make([]int, len(descriptors))
	for i := range health {
		health[i] = Health{Alive: true}
		activeIDs[i] = descriptors[i].ID
	}
	return &Pool{
		descriptors: descriptors,
		health:      health,
		activeIDs:   activeIDs,
		fMax:        uint32(fMax),
	}
}

func (p *Pool) Len() int { return len(p.descriptors) }

// Descriptor returns the immutable descriptor for id. Descriptors never
// change after load, so this needs no lock.
func (p *Pool) Descriptor(id int) proxyspec.ProxyDescriptor {
	return p.descriptors[id]
}

// SetActiveCount restricts selection to the first k descriptors in
// id order, clamped to [1, len(descriptors)] per spec.md §9 Open
// Question (c). This is the startup/no-ranking default; once the
// auto-optimizer has a throughput ranking it calls SetActiveIDs instead.
func (p *Pool) SetActiveCount(k int) {
	if k < 1 {
		k = 1
	}
	if k > len(p.descriptors) {
		k = len(p.descriptors)
	}
	ids := make([]int, k)
	for i := 0; i < k; i++ {
		ids[i] = p.descriptors[i].ID
	}
	p.mu.Lock()
	p.activeIDs = ids
	p.mu.Unlock()
}

// SetActiveIDs restricts selection to exactly ids, in the given order
// (spec.md §4.6 step 4: "the selector immediately restricts to the top-k
// by measured throughput"). An empty ids falls back to the full
// descriptor set rather than leaving the pool with nothing to pick from.
func (p *Pool) SetActiveIDs(ids []int) {
	if len(ids) == 0 {
		p.SetActiveCount(len(p.descriptors))
		return
	}
	cp := make([]int, len(ids))
	copy(cp, ids)
	p.mu.Lock()
	p.activeIDs = cp
	p.mu.Unlock()
}

func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeIDs)
}

// isEligibleLocked reports whether descriptor id may currently be picked.
// Caller must hold p.mu.
func (p *Pool) isEligibleLocked(id int) bool {
	h := &p.health[id]
	return h.Alive && h.ConsecutiveFailures < p.fMax
}

// Pick selects the next proxy id by weighted interleaved round robin
// (spec.md §4.3): the active window is expanded into a virtual sequence
// where descriptor i appears Weight_i times; rr_cursor advances modulo the
// total weight on every attempt. A non-eligible slot costs one more
// advance, bounded by a single full sweep of the total weight.
func (p *Pool) Pick() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, id := range p.activeIDs {
		total += p.descriptors[id].Weight
	}
	if total == 0 {
		return -1, ErrNoHealthyProxy
	}

	for attempt := 0; attempt < total; attempt++ {
		slot := p.rrCursor % uint64(total)
		p.rrCursor++
		id := p.slotToProxyLocked(slot, total)
		if p.isEligibleLocked(id) {
			return id, nil
		}
	}
	return -1, ErrNoHealthyProxy
}

// slotToProxyLocked maps a slot in [0, total) to the descriptor whose
// weighted block contains it. Caller must hold p.mu.
func (p *Pool) slotToProxyLocked(slot uint64, total int) int {
	cumulative := 0
	for _, id := range p.activeIDs {
		cumulative += p.descriptors[id].Weight
		if slot < uint64(cumulative) {
			return id
		}
	}
	// total was computed from the same activeIDs; unreachable.
	return p.activeIDs[len(p.activeIDs)-1]
}

// AcquireInFlight increments the in-flight counter for id. Paired with
// ReleaseInFlight.
func (p *Pool) AcquireInFlight(id int) {
	p.mu.Lock()
	p.health[id].InFlight++
	p.mu.Unlock()
}

func (p *Pool) ReleaseInFlight(id int) {
	p.mu.Lock()
	if p.health[id].InFlight > 0 {
		p.health[id].InFlight--
	}
	p.mu.Unlock()
}

// ReportOutcome applies a session's result to id's health state
// (spec.md §4.3).
func (p *Pool) ReportOutcome(id int, outcome Outcome, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := &p.health[id]
	switch outcome {
	case OutcomeSuccess:
		h.ConsecutiveFailures = 0
		h.Alive = true
		updateEMA(h, latency)
	case OutcomeHandshakeFailure, OutcomeTransportFailure:
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= p.fMax {
			h.Alive = false
			h.NextProbeAt = time.Now().Add(backoff(h.ConsecutiveFailures, p.fMax))
		}
	}
}

// updateEMA smooths latency with the same 0.7/0.3 factors as the original
// proxy health model. Caller must hold p.mu.
func updateEMA(h *Health, latency time.Duration) {
	ms := float64(latency.Milliseconds())
	if h.AvgLatencyMs == 0 {
		h.AvgLatencyMs = ms
	} else {
		h.AvgLatencyMs = h.AvgLatencyMs*0.7 + ms*0.3
	}
}

func backoff(consecutiveFailures, fMax uint32) time.Duration {
	k := consecutiveFailures - fMax
	d := backoffBase * time.Duration(1<<k)
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// MarkProbeResult flips a proxy's health from an independent background
// probe (spec.md §4.3 health probe task).
func (p *Pool) MarkProbeResult(id int, alive bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &p.health[id]
	h.LastCheck = time.Now()
	if alive {
		h.Alive = true
		h.ConsecutiveFailures = 0
		updateEMA(h, latency)
	}
}

// DueForProbe reports whether id's backoff window has elapsed.
func (p *Pool) DueForProbe(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &p.health[id]
	return h.NextProbeAt.IsZero() || !time.Now().Before(h.NextProbeAt)
}

// Snapshot copies out every descriptor/health pair for observability.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, len(p.descriptors))
	for i, d := range p.descriptors {
		out[i] = Status{Descriptor: d, Health: p.health[i]}
	}
	return out
}

// RecordBandwidth stores the optimizer's latest per-proxy throughput sample.
func (p *Pool) RecordBandwidth(id int, bps float64) {
	p.mu.Lock()
	p.health[id].MeasuredBWBps = bps
	p.mu.Unlock()
}

// Metrics aggregates the pool's health table into the runtime counters
// surfaced for operational visibility (SPEC_FULL.md §4.3).
func (p *Pool) Metrics() types.Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	var sessions int64
	var latencySum float64
	var latencySamples int
	for _, h := range p.health {
		sessions += int64(h.InFlight)
		if h.AvgLatencyMs > 0 {
			latencySum += h.AvgLatencyMs
			latencySamples++
		}
	}

	latencyMs := int64(-1)
	if latencySamples > 0 {
		latencyMs = int64(latencySum / float64(latencySamples))
	}
	return types.Metrics{ActiveSessions: sessions, LatencyMs: latencyMs}
}

// AliveIDs returns the ids of proxies currently marked alive, in descriptor
// order, for the auto-optimizer's per-round probe set.
func (p *Pool) AliveIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.descriptors))
	for i := range p.descriptors {
		if p.health[i].Alive {
			ids = append(ids, i)
		}
	}
	return ids
}
