package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pipeline frame counters.
type Metrics struct {
	Source string

	Received     atomic.Uint64
	Decoded      atomic.Uint64
	Skipped      atomic.Uint64
	DecodeErrors atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics(source string) *Metrics {
	return &Metrics{Source: source}
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Received.Store(0)
	m.Decoded.Store(0)
	m.Skipped.Store(0)
	m.DecodeErrors.Store(0)
}
