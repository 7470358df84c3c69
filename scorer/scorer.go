// Package scorer implements the K-head hyperedge attention network (SHGAT)
// that scores capabilities against an intent embedding, with per-head and
// per-feature attribution for explainability.
//
// The network is a simplified, analytically-differentiable K-head bilinear
// attention model: each head projects the intent embedding through a
// learned per-dimension weight, attends over a capability's member
// embeddings (tools and sub-capabilities) with a learned positional/depth
// bias, and produces a per-head logit. Head logits are combined by a
// learned softmax head-weighting, optionally augmented by a one-hop
// recursive contribution from child capabilities, and squashed once at the
// end. This keeps scoring and training closed-form (see train.go) while
// preserving every field the scoring contract exposes.
package scorer

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"goa.design/procmem/graph"
	"goa.design/procmem/procerrors"
	"goa.design/procmem/telemetry"
	"goa.design/procmem/vecmath"
)

// DefaultHeads is the number of parallel attention heads.
const DefaultHeads = 4

// DefaultRecencyHalfLife is the half-life used for the temporal attribution
// feature's exponential decay.
const DefaultRecencyHalfLife = 7 * 24 * time.Hour

// DefaultGradClipNorm bounds the L2 norm of a training step's flattened
// gradient.
const DefaultGradClipNorm = 5.0

// DefaultLearningRate is the step size used by gradient descent.
const DefaultLearningRate = 0.05

// Config configures a Scorer.
type Config struct {
	// Dim is the fixed intent/embedding dimension D.
	Dim int
	// Heads is the number of parallel attention heads K. Defaults to
	// DefaultHeads.
	Heads int
	// RecencyHalfLife controls the temporal attribution feature's decay.
	// Defaults to DefaultRecencyHalfLife.
	RecencyHalfLife time.Duration
	// LearningRate is the gradient descent step size. Defaults to
	// DefaultLearningRate.
	LearningRate float64
	// GradClipNorm bounds the L2 norm of a training step's gradient.
	// Defaults to DefaultGradClipNorm.
	GradClipNorm float64
	// Seed initializes the deterministic parameter-initialization RNG.
	Seed int64

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

func (c *Config) setDefaults() {
	if c.Heads <= 0 {
		c.Heads = DefaultHeads
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = DefaultRecencyHalfLife
	}
	if c.LearningRate <= 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.GradClipNorm <= 0 {
		c.GradClipNorm = DefaultGradClipNorm
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewNoopMetrics()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.NewNoopTracer()
	}
}

// FeatureContributions are the four non-negative, normalized attribution
// components that sum to 1.
type FeatureContributions struct {
	Semantic    float64
	Structure   float64
	Temporal    float64
	Reliability float64
}

// Match is one scored capability.
type Match struct {
	CapabilityID          string
	Score                 float64
	HeadScores            []float64
	HeadWeights           []float64
	RecursiveContribution float64
	FeatureContributions  FeatureContributions
}

// Result is the outcome of ScoreAllCapabilities.
type Result struct {
	Matches []Match
	// Partial is true when a wall-clock timeout cut scoring short; Matches
	// then holds the best partial ranking accumulated so far.
	Partial bool
}

// Scorer holds the trainable SHGAT parameters. Scoring takes the read lock;
// training takes the write lock; the two never interleave, matching the
// single-writer/single-reader discipline for the parameter vector.
type Scorer struct {
	mu    sync.RWMutex
	graph *graph.Builder
	cfg   Config
	p     Params
}

// New constructs a Scorer with freshly initialized parameters.
func New(b *graph.Builder, cfg Config) (*Scorer, error) {
	if cfg.Dim <= 0 {
		return nil, procerrors.New(procerrors.InvalidInput, "scorer dimension must be positive")
	}
	cfg.setDefaults()
	return &Scorer{
		graph: b,
		cfg:   cfg,
		p:     newParams(cfg.Dim, cfg.Heads, cfg.Seed),
	}, nil
}

// RegisterTool delegates to the shared graph builder. The scorer holds no
// duplicated node state — it always reads the current graph — so this
// exists purely for contract parity with the graph builder's registration
// surface.
func (s *Scorer) RegisterTool(ctx context.Context, spec graph.ToolSpec) error {
	return s.graph.RegisterTool(ctx, spec)
}

// RegisterCapability delegates to the shared graph builder. See
// RegisterTool.
func (s *Scorer) RegisterCapability(ctx context.Context, spec graph.CapabilitySpec) error {
	return s.graph.RegisterCapability(ctx, spec)
}

type resolvedMember struct {
	embedding []float64
	isCap     bool
	posNorm   float64
}

func (s *Scorer) resolveMembers(members []graph.Member) []resolvedMember {
	out := make([]resolvedMember, 0, len(members))
	n := len(members)
	for i, m := range members {
		var emb []float64
		switch m.Kind {
		case graph.KindTool:
			t, ok := s.graph.GetTool(m.ID)
			if !ok {
				continue
			}
			emb = t.Embedding
		case graph.KindCapability:
			c, ok := s.graph.GetCapability(m.ID)
			if !ok {
				continue
			}
			emb = c.Embedding
		}
		posNorm := 0.0
		if n > 1 {
			posNorm = float64(i) / float64(n-1)
		}
		out = append(out, resolvedMember{embedding: emb, isCap: m.Kind == graph.KindCapability, posNorm: posNorm})
	}
	return out
}

// ScoreAllCapabilities scores every registered capability against
// intentEmbedding, returning matches sorted by descending score (ties
// broken by capability id for determinism). Scoring stops early and sets
// Partial=true if ctx is done before every capability has been scored.
func (s *Scorer) ScoreAllCapabilities(ctx context.Context, intentEmbedding []float64) (Result, error) {
	if len(intentEmbedding) != s.cfg.Dim {
		return Result{}, procerrors.Newf(procerrors.InvalidInput, "intent embedding dimension %d does not match expected %d", len(intentEmbedding), s.cfg.Dim)
	}
	if !vecmath.IsFinite(intentEmbedding) {
		return Result{}, procerrors.New(procerrors.InvalidInput, "intent embedding contains non-finite values")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	caps := s.graph.GetCapabilityNodes()
	matches := make([]Match, 0, len(caps))
	partial := false
	for _, c := range caps {
		select {
		case <-ctx.Done():
			partial = true
		default:
		}
		if partial {
			break
		}
		fr := s.forward(c, intentEmbedding, true)
		matches = append(matches, Match{
			CapabilityID:          c.ID,
			Score:                 fr.finalScore,
			HeadScores:            fr.headScores,
			HeadWeights:           fr.headWeights,
			RecursiveContribution: vecmath.Sigmoid(fr.recursiveLogit),
			FeatureContributions: FeatureContributions{
				Semantic:    fr.attribution[0],
				Structure:   fr.attribution[1],
				Temporal:    fr.attribution[2],
				Reliability: fr.attribution[3],
			},
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].CapabilityID < matches[j].CapabilityID
	})

	return Result{Matches: matches, Partial: partial}, nil
}

// forwardResult carries both the exposed scoring fields and the
// intermediate activations training needs for backpropagation.
type forwardResult struct {
	members     []resolvedMember
	headLogits  []float64
	headScores  []float64
	hwLogits    []float64
	headWeights []float64
	attnWeights [][]float64 // [K][L]
	contexts    [][]float64 // [K][D]
	qx          [][]float64 // [K][D], queryWeight[k] ⊙ x

	aggregatedLogit float64
	recursiveLogit  float64
	combinedLogit   float64
	finalScore      float64

	rawFeatures [4]float64
	attribution [4]float64
}

func (s *Scorer) forward(c graph.Capability, x []float64, allowRecursion bool) forwardResult {
	members := s.resolveMembers(c.Members)
	K := len(s.p.QueryWeight)
	fr := forwardResult{
		members:     members,
		headLogits:  make([]float64, K),
		headScores:  make([]float64, K),
		hwLogits:    make([]float64, K),
		attnWeights: make([][]float64, K),
		contexts:    make([][]float64, K),
		qx:          make([][]float64, K),
	}

	for k := 0; k < K; k++ {
		qx := make([]float64, len(x))
		for d := range x {
			qx[d] = s.p.QueryWeight[k][d] * x[d]
		}
		fr.qx[k] = qx

		attnLogits := make([]float64, len(members))
		for j, m := range members {
			if len(m.embedding) != len(x) {
				continue
			}
			score := vecmath.Dot(s.p.ContextWeight[k], m.embedding)
			score += s.p.PosBias[k] * m.posNorm
			if m.isCap {
				score += s.p.DepthBias[k]
			}
			attnLogits[j] = score
		}
		attnWeights := vecmath.Softmax(attnLogits)
		fr.attnWeights[k] = attnWeights

		context := make([]float64, len(x))
		for j, m := range members {
			if j >= len(attnWeights) || len(m.embedding) != len(x) {
				continue
			}
			for d := range x {
				context[d] += attnWeights[j] * m.embedding[d]
			}
		}
		fr.contexts[k] = context

		fr.headLogits[k] = vecmath.Dot(qx, context)
		fr.headScores[k] = vecmath.Sigmoid(fr.headLogits[k])

		fr.hwLogits[k] = vecmath.Dot(s.p.HeadWeight[k], x) + s.p.HeadBias[k]
	}

	fr.headWeights = vecmath.Softmax(fr.hwLogits)

	var aggregated float64
	for k := 0; k < K; k++ {
		aggregated += fr.headWeights[k] * fr.headLogits[k]
	}
	fr.aggregatedLogit = aggregated

	if allowRecursion && c.HierarchyLevel >= 1 {
		fr.recursiveLogit = s.recursiveContribution(c, x)
	}

	fr.combinedLogit = fr.aggregatedLogit + s.p.MixingCoefficient*fr.recursiveLogit
	fr.finalScore = vecmath.Sigmoid(fr.combinedLogit)

	fr.rawFeatures = s.rawAttributionFeatures(c, x)
	attrLogits := make([]float64, 4)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			attrLogits[i] += s.p.AttributionWeights[i][j] * fr.rawFeatures[j]
		}
	}
	attr := vecmath.Softmax(attrLogits)
	copy(fr.attribution[:], attr)

	return fr
}

// recursiveContribution aggregates one attention hop down the hierarchy:
// the mean aggregated logit of this capability's child capabilities,
// computed with recursion disabled so the hop never nests past depth 1.
// Gradients are not propagated into child parameters through this path
// (a deliberate stop-gradient — see DESIGN.md).
func (s *Scorer) recursiveContribution(c graph.Capability, x []float64) float64 {
	childIDs := c.Children
	if len(childIDs) == 0 {
		for _, m := range c.Members {
			if m.Kind == graph.KindCapability {
				childIDs = append(childIDs, m.ID)
			}
		}
	}
	if len(childIDs) == 0 {
		return 0
	}
	var sum float64
	var n int
	for _, id := range childIDs {
		child, ok := s.graph.GetCapability(id)
		if !ok {
			continue
		}
		childFR := s.forward(child, x, false)
		sum += childFR.aggregatedLogit
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (s *Scorer) rawAttributionFeatures(c graph.Capability, x []float64) [4]float64 {
	semantic := (vecmath.CosineSimilarity(x, c.Embedding) + 1) / 2
	structure := vecmath.Clip(float64(len(c.Members))/10.0, 0, 1)
	elapsed := time.Since(c.UpdatedAt)
	temporal := math.Exp(-math.Ln2 / s.cfg.RecencyHalfLife.Seconds() * elapsed.Seconds())
	reliability := vecmath.Clip(c.SuccessRate, 0, 1)
	return [4]float64{semantic, structure, temporal, reliability}
}
