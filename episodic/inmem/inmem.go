// Package inmem provides an in-memory implementation of episodic.Backend for
// testing and local development. Data is stored in process memory and is
// lost when the process exits.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/procmem/episodic"
)

// Backend implements episodic.Backend using an in-process slice guarded by
// a mutex. Thread-safe.
type Backend struct {
	mu     sync.Mutex
	events map[string]episodic.Event
	order  []string
}

// New returns a new in-memory episodic backend with no events.
func New() *Backend {
	return &Backend{events: make(map[string]episodic.Event)}
}

// Append persists events, assigning insertion order for stable iteration.
func (b *Backend) Append(_ context.Context, events []episodic.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range events {
		if _, exists := b.events[e.EventID]; !exists {
			b.order = append(b.order, e.EventID)
		}
		b.events[e.EventID] = e
	}
	return nil
}

// Query returns events matching contextHash, optionally filtered by type and
// AfterTS.
func (b *Backend) Query(_ context.Context, opts episodic.RetrieveOptions, contextHash string) ([]episodic.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	typeFilter := make(map[episodic.EventType]bool, len(opts.EventTypes))
	for _, t := range opts.EventTypes {
		typeFilter[t] = true
	}

	var out []episodic.Event
	for _, id := range b.order {
		e := b.events[id]
		if e.ContextHash != contextHash {
			continue
		}
		if len(typeFilter) > 0 && !typeFilter[e.Type] {
			continue
		}
		if !opts.AfterTS.IsZero() && !e.Timestamp.After(opts.AfterTS) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ByWorkflow returns every event for workflowID in insertion order.
func (b *Backend) ByWorkflow(_ context.Context, workflowID string) ([]episodic.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []episodic.Event
	for _, id := range b.order {
		e := b.events[id]
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ByType returns up to limit events of the given type, newest first.
func (b *Backend) ByType(_ context.Context, t episodic.EventType, limit int) ([]episodic.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []episodic.Event
	for _, id := range b.order {
		e := b.events[id]
		if e.Type == t {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune removes events older than retention, then, if still over cap,
// removes the oldest until within it.
func (b *Backend) Prune(_ context.Context, retention time.Duration, cap int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	kept := make([]string, 0, len(b.order))
	removed := 0
	for _, id := range b.order {
		e := b.events[id]
		if retention > 0 && e.Timestamp.Before(cutoff) {
			delete(b.events, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}

	if cap > 0 && len(kept) > cap {
		sort.Slice(kept, func(i, j int) bool {
			return b.events[kept[i]].Timestamp.Before(b.events[kept[j]].Timestamp)
		})
		overflow := len(kept) - cap
		for _, id := range kept[:overflow] {
			delete(b.events, id)
			removed++
		}
		kept = kept[overflow:]
	}

	b.order = kept
	return removed, nil
}
