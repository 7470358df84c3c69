// Package inmem provides an in-memory implementation of trace.ReaderSink for
// testing and local development. Data is stored in process memory and is
// lost when the process exits. Production deployments should use a durable
// backend such as features/trace/redis or features/trace/mongo.
package inmem

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"goa.design/procmem/trace"
)

// Store implements trace.ReaderSink using an in-process map keyed by trace
// id. It is thread-safe: priority updates, pruning and sampling (which
// advances the shared RNG) take an exclusive lock while other reads take a
// read lock, mirroring the single-writer-during-priority-updates rule.
//
// Data is not persisted across restarts.
type Store struct {
	mu     sync.RWMutex
	traces map[string]trace.Trace
	order  []string
	rand   *rand.Rand
}

// New returns a new in-memory store with no traces. Ready to use
// immediately.
func New() *Store {
	return &Store{
		traces: make(map[string]trace.Trace),
		rand:   rand.New(rand.NewSource(1)),
	}
}

// Append persists a newly committed trace, flooring its priority.
func (s *Store) Append(_ context.Context, t trace.Trace) error {
	t.Priority = trace.ClampPriority(t.Priority)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.traces[t.TraceID]; !exists {
		s.order = append(s.order, t.TraceID)
	}
	s.traces[t.TraceID] = t
	return nil
}

// Get returns a single trace by id.
func (s *Store) Get(_ context.Context, traceID string) (trace.Trace, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[traceID]
	return t, ok, nil
}

// ChildrenOf returns traces whose ParentTraceID equals parentTraceID, in
// insertion order.
func (s *Store) ChildrenOf(_ context.Context, parentTraceID string) ([]trace.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []trace.Trace
	for _, id := range s.order {
		t := s.traces[id]
		if t.ParentTraceID == parentTraceID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Count returns the number of traces currently stored.
func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.traces), nil
}

// SampleByPriority draws up to maxCount traces without replacement, with
// probability proportional to priority^alpha, filtered to
// priority >= minPriority.
func (s *Store) SampleByPriority(_ context.Context, maxCount int, minPriority, alpha float64) ([]trace.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]trace.Trace, 0, len(s.order))
	for _, id := range s.order {
		t := s.traces[id]
		if t.Priority >= minPriority {
			candidates = append(candidates, t)
		}
	}

	// Sort by trace id for deterministic iteration before weighted draw.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].TraceID < candidates[j].TraceID })

	weights := make([]float64, len(candidates))
	for i, t := range candidates {
		weights[i] = math.Pow(t.Priority, alpha)
	}

	if maxCount > len(candidates) {
		maxCount = len(candidates)
	}

	out := make([]trace.Trace, 0, maxCount)
	remaining := append([]trace.Trace(nil), candidates...)
	remainingWeights := append([]float64(nil), weights...)
	for len(out) < maxCount && len(remaining) > 0 {
		idx := weightedPick(remainingWeights, s.rand)
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		remainingWeights = append(remainingWeights[:idx], remainingWeights[idx+1:]...)
	}
	return out, nil
}

func weightedPick(weights []float64, r *rand.Rand) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return r.Intn(len(weights))
	}
	target := r.Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if target <= cum {
			return i
		}
	}
	return len(weights) - 1
}

// UpdatePriorities persists new priority values keyed by trace id. Traces
// not present in the store are ignored.
func (s *Store) UpdatePriorities(_ context.Context, priorities map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range priorities {
		t, ok := s.traces[id]
		if !ok {
			continue
		}
		t.Priority = trace.ClampPriority(p)
		s.traces[id] = t
	}
	return nil
}

// Prune removes traces older than maxAge, then, if still over maxCount,
// removes the oldest until within the cap.
func (s *Store) Prune(_ context.Context, maxAge time.Duration, maxCount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	kept := make([]string, 0, len(s.order))
	removed := 0
	for _, id := range s.order {
		t := s.traces[id]
		if maxAge > 0 && t.CreatedAt.Before(cutoff) {
			delete(s.traces, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}

	if maxCount > 0 && len(kept) > maxCount {
		sort.Slice(kept, func(i, j int) bool {
			return s.traces[kept[i]].CreatedAt.Before(s.traces[kept[j]].CreatedAt)
		})
		overflow := len(kept) - maxCount
		for _, id := range kept[:overflow] {
			delete(s.traces, id)
			removed++
		}
		kept = kept[overflow:]
	}

	s.order = kept
	return removed, nil
}
