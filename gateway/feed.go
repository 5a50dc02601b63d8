package gateway

import (
	"sync"

	"termmax/core/events"
	"termmax/core/types"
)

// Feed is a bounded, concurrency-safe audit trail of engine events. It
// implements events.Emitter so it can be wired directly into the engines.
type Feed struct {
	mu      sync.RWMutex
	entries []*types.Event
	limit   int
	metrics *Metrics
}

// NewFeed keeps the most recent limit events; a non-positive limit defaults
// to 512.
func NewFeed(limit int, metrics *Metrics) *Feed {
	if limit <= 0 {
		limit = 512
	}
	return &Feed{limit: limit, metrics: metrics}
}

type eventPayload interface {
	Event() *types.Event
}

// Emit implements the events.Emitter interface.
func (f *Feed) Emit(evt events.Event) {
	if f == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventPayload)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, payload.Event())
	if len(f.entries) > f.limit {
		f.entries = f.entries[len(f.entries)-f.limit:]
	}
	f.metrics.eventRecorded()
}

// Recent returns up to limit of the newest events, newest last.
func (f *Feed) Recent(limit int) []*types.Event {
	if f == nil {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 || limit > len(f.entries) {
		limit = len(f.entries)
	}
	out := make([]*types.Event, limit)
	copy(out, f.entries[len(f.entries)-limit:])
	return out
}
