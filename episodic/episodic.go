// Package episodic is the buffered, lossy-but-durable event log used to
// reconstruct context for training and retrieval. Capture never blocks on
// I/O; a background flusher drains the buffer on a size or time trigger.
package episodic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/procmem/telemetry"
)

// EventType enumerates persisted episodic event categories.
type EventType string

const (
	// EventSpeculationStart records the start of a speculative execution.
	EventSpeculationStart EventType = "speculation_start"
	// EventTaskComplete records the completion of a task within a workflow.
	EventTaskComplete EventType = "task_complete"
	// EventAILDecision records an autonomous-intervention-layer decision.
	EventAILDecision EventType = "ail_decision"
	// EventHILDecision records a human-in-the-loop decision.
	EventHILDecision EventType = "hil_decision"
	// EventWorkflowStart records the start of a workflow.
	EventWorkflowStart EventType = "workflow_start"
	// EventWorkflowComplete records the completion of a workflow.
	EventWorkflowComplete EventType = "workflow_complete"
)

// Context identifies the retrieval context an event belongs to. ContextHash
// is a pure function of these fields: identical contexts always produce
// identical hashes.
type Context struct {
	WorkflowType string
	Domain       string
	Complexity   string
}

// Hash returns the stable context hash used to index and query events.
// Missing fields default to "default" so a zero-value Context still hashes
// consistently.
func (c Context) Hash() string {
	wt, dom, cx := c.WorkflowType, c.Domain, c.Complexity
	if wt == "" {
		wt = "default"
	}
	if dom == "" {
		dom = "default"
	}
	if cx == "" {
		cx = "default"
	}
	sum := sha256.Sum256([]byte(wt + "|" + dom + "|" + cx))
	return hex.EncodeToString(sum[:])
}

// Event is a single entry in the episodic log.
type Event struct {
	EventID     string
	WorkflowID  string
	Type        EventType
	Timestamp   time.Time
	TaskID      string
	ContextHash string
	Data        any
}

// RetrieveOptions narrows a RetrieveRelevant query.
type RetrieveOptions struct {
	Limit      int
	EventTypes []EventType
	AfterTS    time.Time
}

// Backend persists flushed events durably. Implementations such as
// features/episodic/mongo back Store's flush path; Store itself owns the
// buffering, triggers, and retrieval logic, so Backend stays narrow.
type Backend interface {
	Append(ctx context.Context, events []Event) error
	Query(ctx context.Context, opts RetrieveOptions, contextHash string) ([]Event, error)
	ByWorkflow(ctx context.Context, workflowID string) ([]Event, error)
	ByType(ctx context.Context, t EventType, limit int) ([]Event, error)
	Prune(ctx context.Context, retention time.Duration, cap int) (int, error)
}

// Config configures a Store.
type Config struct {
	// FlushSize triggers an async flush once the buffer reaches this many
	// events. Defaults to 50.
	FlushSize int
	// FlushInterval triggers a periodic async flush. Defaults to 5s.
	FlushInterval time.Duration
	// Retention is the age past which Prune removes events. Defaults to 30
	// days.
	Retention time.Duration
	// MaxEvents is the total-count cap Prune enforces after the retention
	// pass. Defaults to 10000.
	MaxEvents int
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
}

func (c *Config) setDefaults() {
	if c.FlushSize <= 0 {
		c.FlushSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 10000
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewNoopMetrics()
	}
}

// Store is the buffered episodic event log. Many goroutines may call
// Capture concurrently; exactly one background goroutine owns flushing.
type Store struct {
	cfg     Config
	backend Backend

	mu     sync.Mutex
	buffer []Event

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// New constructs a Store backed by backend, starting its flush timer.
func New(backend Backend, cfg Config) *Store {
	cfg.setDefaults()
	s := &Store{
		cfg:     cfg,
		backend: backend,
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Capture appends event to the in-memory buffer and returns a freshly
// generated id. Never blocks on I/O. Triggers an async flush once the buffer
// reaches the configured size.
func (s *Store) Capture(_ context.Context, ctxInfo Context, e Event) string {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.ContextHash = ctxInfo.Hash()

	s.mu.Lock()
	s.buffer = append(s.buffer, e)
	overSize := len(s.buffer) >= s.cfg.FlushSize
	s.mu.Unlock()

	if overSize {
		go s.Flush(context.Background())
	}
	return e.EventID
}

// Flush transactionally writes buffered events to the backend. On failure,
// the buffer is restored so no event is silently dropped.
func (s *Store) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	if err := s.backend.Append(ctx, pending); err != nil {
		s.mu.Lock()
		s.buffer = append(pending, s.buffer...)
		s.mu.Unlock()
		s.cfg.Logger.Error(ctx, "episodic flush failed, buffer restored", "error", err.Error(), "count", len(pending))
		return 0, fmt.Errorf("flush episodic events: %w", err)
	}
	s.cfg.Metrics.IncCounter("episodic.flush.events", float64(len(pending)))
	return len(pending), nil
}

// RetrieveRelevant returns events matching ctxInfo's hash, newest first.
func (s *Store) RetrieveRelevant(ctx context.Context, ctxInfo Context, opts RetrieveOptions) ([]Event, error) {
	events, err := s.backend.Query(ctx, opts, ctxInfo.Hash())
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.After(events[j].Timestamp) })
	if opts.Limit > 0 && len(events) > opts.Limit {
		events = events[:opts.Limit]
	}
	return events, nil
}

// GetWorkflowEvents returns every event captured for workflowID.
func (s *Store) GetWorkflowEvents(ctx context.Context, workflowID string) ([]Event, error) {
	return s.backend.ByWorkflow(ctx, workflowID)
}

// GetEventsByType returns up to limit events of the given type, newest
// first.
func (s *Store) GetEventsByType(ctx context.Context, t EventType, limit int) ([]Event, error) {
	return s.backend.ByType(ctx, t, limit)
}

// Prune removes events older than the configured retention and, if still
// over the configured cap, removes the oldest until within it.
func (s *Store) Prune(ctx context.Context) (int, error) {
	return s.backend.Prune(ctx, s.cfg.Retention, s.cfg.MaxEvents)
}

// Shutdown stops the flush timer and performs a final synchronous flush.
func (s *Store) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		<-s.doneCh
		_, err = s.Flush(ctx)
	})
	return err
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			_, _ = s.Flush(context.Background())
		}
	}
}
