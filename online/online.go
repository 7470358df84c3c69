// Package online implements the online learning controller: it turns each
// persisted execution trace into a single SHGAT gradient step, so the
// scorer keeps adapting between PER replay passes instead of only at batch
// training time.
package online

import (
	"context"
	"sync"
	"sync/atomic"

	"goa.design/procmem/scorer"
	"goa.design/procmem/telemetry"
	"goa.design/procmem/trace"
)

// TrainedSignal is emitted after a successful single-step update.
type TrainedSignal struct {
	TraceID  string
	Loss     float64
	GradNorm float64
}

// Listener receives TrainedSignal after each applied gradient step.
type Listener func(TrainedSignal)

// Config configures a Controller.
type Config struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = telemetry.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NoopMetrics{}
	}
}

// Controller subscribes to persisted traces and applies one SHGAT gradient
// step per trace.
type Controller struct {
	cfg      Config
	scorer   *scorer.Scorer
	mu       sync.Mutex
	listener Listener

	trained int64
	dropped int64
}

// New constructs a Controller that trains s.
func New(s *scorer.Scorer, cfg Config) *Controller {
	cfg.setDefaults()
	return &Controller{cfg: cfg, scorer: s}
}

// OnTrainedSignal registers the callback invoked after each applied step.
// Only one listener is kept; registering again replaces it.
func (c *Controller) OnTrainedSignal(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// TrainedCount returns the number of traces that produced a gradient step.
func (c *Controller) TrainedCount() int64 { return atomic.LoadInt64(&c.trained) }

// DroppedCount returns the number of traces dropped for missing a
// capability id or intent embedding.
func (c *Controller) DroppedCount() int64 { return atomic.LoadInt64(&c.dropped) }

// HandleTraceSaved is the trace-saved signal handler. It drops traces with
// no capability id or no intent embedding, otherwise applies a single
// train_single step and emits a trained signal. Calling this twice for the
// same trace is allowed: the scorer simply takes a second gradient step.
func (c *Controller) HandleTraceSaved(ctx context.Context, t trace.Trace) error {
	if t.CapabilityID == "" {
		atomic.AddInt64(&c.dropped, 1)
		c.cfg.Metrics.IncCounter("online.trace.dropped", 1, "reason", "no_capability_id")
		return nil
	}
	if len(t.IntentEmbedding) == 0 {
		atomic.AddInt64(&c.dropped, 1)
		c.cfg.Metrics.IncCounter("online.trace.dropped", 1, "reason", "no_intent_embedding")
		return nil
	}

	outcome := 0.0
	if t.Success {
		outcome = 1.0
	}

	res, err := c.scorer.TrainSingle(ctx, scorer.Example{
		IntentEmbedding:    t.IntentEmbedding,
		TargetCapabilityID: t.CapabilityID,
		Outcome:            outcome,
	})
	if err != nil {
		c.cfg.Logger.Error(ctx, "online train_single failed", "trace_id", t.TraceID, "error", err)
		return err
	}

	atomic.AddInt64(&c.trained, 1)
	c.cfg.Metrics.RecordGauge("online.train.loss", res.Loss)
	c.cfg.Metrics.RecordGauge("online.train.grad_norm", res.GradNorm)

	signal := TrainedSignal{TraceID: t.TraceID, Loss: res.Loss, GradNorm: res.GradNorm}
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		listener(signal)
	}
	return nil
}
