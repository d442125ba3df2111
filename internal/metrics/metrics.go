package metrics

import "sync"

// Well-known event names. Components reference these constants instead of
// retyping label strings at call sites.
const (
	EventSessionCreated = "session_created"
	EventSessionClosed  = "session_closed"
	EventViewerJoined   = "viewer_joined"
	EventViewerLeft     = "viewer_left"
	EventSignalRouted   = "signal_routed"
	EventKeyExhaustion  = "key_exhaustion"

	DropReasonRateLimited    = "drop_rate_limited"
	DropReasonOversized      = "drop_oversized"
	DropReasonUnknownKey     = "drop_unknown_key"
	DropReasonStrayCandidate = "drop_stray_candidate"
	DropReasonMalformed      = "drop_malformed"
	DropReasonSlowConsumer   = "drop_slow_consumer"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps routing and registry logic testable while still exposing
// counters over /metrics in Prometheus' text format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
