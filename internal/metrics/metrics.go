// Package metrics holds the relay's in-process event counters.
package metrics

import (
	"maps"
	"sync"
)

// Signaling events.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"

	InitHandled    = "init_handled"
	SignalRelayed  = "signal_relayed"
	SignalNoTarget = "signal_no_target"

	ProtocolViolation = "protocol_violation"
	InvalidPayload    = "invalid_payload"
	EmitFailed        = "emit_failed"

	RateLimited     = "rate_limited"
	MessageTooLarge = "message_too_large"
	OriginRejected  = "origin_rejected"
	IdleTimeout     = "idle_timeout"
)

// Metrics is a concurrency-safe counter registry keyed by event name.
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

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.m)
}
