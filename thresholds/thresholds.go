// Package thresholds maintains per-tool Beta(alpha, beta) outcome
// distributions and derives the two global acceptance thresholds the
// suggestion orchestrator filters scores against.
package thresholds

import (
	"math"
	"math/rand"
	"sync"

	"goa.design/procmem/procerrors"
)

// MinThreshold and MaxThreshold bound every derived threshold.
const (
	MinThreshold = 0.3
	MaxThreshold = 0.95
)

// DerivationMode selects how get_thresholds derives its two scalars from the
// per-tool Beta posteriors.
type DerivationMode int

const (
	// ModeThompsonReference draws one Thompson sample from each tool in a
	// small configured set of "reference tools" and derives both
	// thresholds from the mean of those samples. This favours thresholds that track a trusted
	// subset of tools rather than the whole fleet, and is the default:
	// it keeps the orchestrator's acceptance bar anchored to tools known to
	// behave well, instead of drifting with every newly registered tool.
	ModeThompsonReference DerivationMode = iota
	// ModeEMA derives both thresholds from an exponential moving average of
	// recent per-tool means across every tracked tool.
	ModeEMA
)

// betaState is one tool's Beta(alpha, beta) outcome posterior.
type betaState struct {
	alpha float64
	beta  float64
}

func (b betaState) mean() float64 {
	return b.alpha / (b.alpha + b.beta)
}

// Config configures a Tracker.
type Config struct {
	// Mode selects the threshold derivation strategy.
	Mode DerivationMode
	// ReferenceTools names the tools sampled under ModeThompsonReference.
	// If empty, all tracked tools are used as the reference set.
	ReferenceTools []string
	// EMADecay is the smoothing factor for ModeEMA, in (0, 1]. A larger
	// value weighs recent outcomes more heavily. Defaults to 0.2.
	EMADecay float64
	// SuggestionMargin is subtracted from the derived explicit threshold to
	// produce the lower, more permissive suggestion threshold. Defaults to
	// 0.15.
	SuggestionMargin float64
	// Seed seeds the Thompson sampler for deterministic tests. Zero selects
	// a non-deterministic seed.
	Seed int64
}

func (c *Config) setDefaults() {
	if c.EMADecay <= 0 {
		c.EMADecay = 0.2
	}
	if c.SuggestionMargin <= 0 {
		c.SuggestionMargin = 0.15
	}
}

// Thresholds is the result of get_thresholds.
type Thresholds struct {
	SuggestionThreshold float64
	ExplicitThreshold   float64
}

// Tracker holds one Beta posterior per tool and derives acceptance
// thresholds from them on read.
type Tracker struct {
	mu    sync.Mutex
	cfg   Config
	tools map[string]*betaState
	ema   float64
	emaOK bool
	rng   *rand.Rand
}

// New constructs a Tracker. Every tool starts at an uninformative
// Beta(1, 1) prior the first time it is observed.
func New(cfg Config) *Tracker {
	cfg.setDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	return &Tracker{
		cfg:   cfg,
		tools: make(map[string]*betaState),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// RecordToolOutcome folds a single success/failure observation into tool_id's
// posterior: alpha += success, beta += (1 - success).
func (t *Tracker) RecordToolOutcome(toolID string, success bool) error {
	if toolID == "" {
		return procerrors.New(procerrors.InvalidInput, "tool id must not be empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.tools[toolID]
	if !ok {
		st = &betaState{alpha: 1, beta: 1}
		t.tools[toolID] = st
	}
	if success {
		st.alpha++
	} else {
		st.beta++
	}
	mean := st.mean()
	if !t.emaOK {
		t.ema = mean
		t.emaOK = true
	} else {
		t.ema = t.cfg.EMADecay*mean + (1-t.cfg.EMADecay)*t.ema
	}
	return nil
}

// GetThresholds derives the suggestion and explicit acceptance thresholds
// per the configured mode, clamped to [MinThreshold, MaxThreshold]. It takes
// the write lock rather than a read lock because ModeThompsonReference
// mutates the shared RNG state on every draw; concurrent callers sharing an
// RLock would race on it even though they only read the tool posteriors.
func (t *Tracker) GetThresholds() Thresholds {
	t.mu.Lock()
	defer t.mu.Unlock()

	var base float64
	switch t.cfg.Mode {
	case ModeEMA:
		base = t.emaBase()
	default:
		base = t.thompsonBase()
	}

	explicit := clamp(base)
	suggestion := clamp(base - t.cfg.SuggestionMargin)
	return Thresholds{SuggestionThreshold: suggestion, ExplicitThreshold: explicit}
}

func (t *Tracker) emaBase() float64 {
	if !t.emaOK {
		return MinThreshold
	}
	return t.ema
}

func (t *Tracker) thompsonBase() float64 {
	refs := t.cfg.ReferenceTools
	var states []*betaState
	if len(refs) == 0 {
		for _, st := range t.tools {
			states = append(states, st)
		}
	} else {
		for _, id := range refs {
			if st, ok := t.tools[id]; ok {
				states = append(states, st)
			}
		}
	}
	if len(states) == 0 {
		return MinThreshold
	}
	var sum float64
	for _, st := range states {
		sum += sampleBeta(t.rng, st.alpha, st.beta)
	}
	return sum / float64(len(states))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return MinThreshold
	}
	if v < MinThreshold {
		return MinThreshold
	}
	if v > MaxThreshold {
		return MaxThreshold
	}
	return v
}

// sampleBeta draws from Beta(alpha, beta) via two Gamma draws, the standard
// construction X/(X+Y) with X~Gamma(alpha,1), Y~Gamma(beta,1).
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma implements Marsaglia-Tsang for shape >= 1, with the standard
// boost transform for shape < 1.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
