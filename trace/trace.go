// Package trace defines the execution-trace entity and the storage
// contracts the replay pipeline, the online learning controller, and the
// trace store backends depend on. Traces are append-only except for their
// priority, which the training pipeline mutates after each replay pass.
package trace

import (
	"context"
	"time"

	"goa.design/procmem/graph"
)

// EpsilonPriorityFloor is the smallest priority a trace may carry; it keeps
// priority strictly positive so priority-proportional sampling never
// divides by zero.
const EpsilonPriorityFloor = 1e-6

// Trace is a single recorded execution: the path actually taken, whether it
// succeeded, and the bookkeeping the replay pipeline needs to sample and
// retrain on it.
type Trace struct {
	TraceID         string
	CapabilityID    string
	IntentEmbedding []float64
	ExecutedPath    []graph.Member
	Success         bool
	DurationMS      int64
	Priority        float64
	ParentTraceID   string
	CreatedAt       time.Time
}

// ClampPriority applies EpsilonPriorityFloor to p.
func ClampPriority(p float64) float64 {
	if p < EpsilonPriorityFloor {
		return EpsilonPriorityFloor
	}
	return p
}

// NewTrace builds a Trace with default metadata (timestamp now, floored
// priority). Callers that need a specific CreatedAt should set the field
// directly afterward.
func NewTrace(traceID string, path []graph.Member, success bool) Trace {
	return Trace{
		TraceID:      traceID,
		ExecutedPath: append([]graph.Member(nil), path...),
		Success:      success,
		Priority:     1.0,
		CreatedAt:    time.Now(),
	}
}

// Reader provides random and prioritized access to stored traces.
type Reader interface {
	// Get returns a single trace by id.
	Get(ctx context.Context, traceID string) (Trace, bool, error)
	// ChildrenOf returns traces whose ParentTraceID equals parentTraceID.
	ChildrenOf(ctx context.Context, parentTraceID string) ([]Trace, error)
	// Count returns the number of traces currently available for sampling.
	Count(ctx context.Context) (int, error)
	// SampleByPriority draws up to maxCount traces without replacement, with
	// probability proportional to priority^alpha, filtered to
	// priority >= minPriority.
	SampleByPriority(ctx context.Context, maxCount int, minPriority, alpha float64) ([]Trace, error)
}

// Sink accepts new traces and priority updates.
type Sink interface {
	// Append persists a newly committed trace.
	Append(ctx context.Context, t Trace) error
	// UpdatePriorities persists new priority values keyed by trace id. Traces
	// not present in the store are ignored.
	UpdatePriorities(ctx context.Context, priorities map[string]float64) error
	// Prune removes traces older than maxAge, then, if still over maxCount,
	// removes the oldest until within the cap. Returns the number removed.
	Prune(ctx context.Context, maxAge time.Duration, maxCount int) (int, error)
}

// ReaderSink composes Reader and Sink, the shape most backends implement.
type ReaderSink interface {
	Reader
	Sink
}
