package scorer

import (
	"context"
	"math"

	"goa.design/procmem/procerrors"
	"goa.design/procmem/vecmath"
)

// Example is one training example: an intent embedding, the capability it
// should (or should not) score highly, and the observed outcome.
type Example struct {
	IntentEmbedding    []float64
	TargetCapabilityID string
	Outcome            float64
}

// BatchResult is the outcome of TrainBatch.
type BatchResult struct {
	Loss     float64
	Accuracy float64
	TDErrors []float64
}

// SingleResult is the outcome of TrainSingle.
type SingleResult struct {
	Loss     float64
	GradNorm float64
}

type gradAccum struct {
	queryWeight        [][]float64
	contextWeight      [][]float64
	posBias            []float64
	depthBias          []float64
	headWeight         [][]float64
	headBias           []float64
	mixingCoefficient  float64
}

func newGradAccum(dim, heads int) *gradAccum {
	g := &gradAccum{
		queryWeight:   make([][]float64, heads),
		contextWeight: make([][]float64, heads),
		posBias:       make([]float64, heads),
		depthBias:     make([]float64, heads),
		headWeight:    make([][]float64, heads),
		headBias:      make([]float64, heads),
	}
	for k := 0; k < heads; k++ {
		g.queryWeight[k] = make([]float64, dim)
		g.contextWeight[k] = make([]float64, dim)
		g.headWeight[k] = make([]float64, dim)
	}
	return g
}

// backward accumulates the gradient of a single example's weighted BCE loss
// into g, returning that example's loss and TD error. See scorer.go's
// package doc for the forward-pass derivation this mirrors.
func (s *Scorer) backward(g *gradAccum, fr forwardResult, x []float64, outcome, weight float64) (loss, tdError float64) {
	p := fr.finalScore
	eps := 1e-9
	clamped := vecmath.Clip(p, eps, 1-eps)
	loss = -weight * (outcome*logf(clamped) + (1-outcome)*logf(1-clamped))
	tdError = abs(outcome - p)

	// dL/d(combinedLogit) for sigmoid+BCE: weight * (p - outcome)
	gCombined := weight * (p - outcome)

	g.mixingCoefficient += gCombined * fr.recursiveLogit
	gAggregated := gCombined

	K := len(fr.headLogits)
	// dL/d(headWeights_k) = gAggregated * headLogit_k
	dHW := make([]float64, K)
	for k := 0; k < K; k++ {
		dHW[k] = gAggregated * fr.headLogits[k]
	}
	var S float64
	for k := 0; k < K; k++ {
		S += fr.headWeights[k] * dHW[k]
	}
	dHWLogits := make([]float64, K)
	for k := 0; k < K; k++ {
		dHWLogits[k] = fr.headWeights[k] * (dHW[k] - S)
	}

	for k := 0; k < K; k++ {
		for d := range x {
			g.headWeight[k][d] += dHWLogits[k] * x[d]
		}
		g.headBias[k] += dHWLogits[k]

		// dL/d(headLogit_k) = gAggregated*headWeights_k (direct path) plus
		// none from head-weighting (that path only affects headWeights).
		gk := gAggregated * fr.headWeights[k]

		qx := fr.qx[k]
		context := fr.contexts[k]
		for d := range x {
			g.queryWeight[k][d] += gk * x[d] * context[d]
		}
		dCtx := make([]float64, len(x))
		for d := range x {
			dCtx[d] = gk * qx[d]
		}

		members := fr.members
		attn := fr.attnWeights[k]
		dAttn := make([]float64, len(members))
		for j, m := range members {
			if j >= len(attn) || len(m.embedding) != len(x) {
				continue
			}
			dAttn[j] = vecmath.Dot(dCtx, m.embedding)
		}
		var T float64
		for j := range attn {
			T += attn[j] * dAttn[j]
		}
		for j, m := range members {
			if j >= len(attn) || len(m.embedding) != len(x) {
				continue
			}
			dLogit := attn[j] * (dAttn[j] - T)
			for d := range x {
				g.contextWeight[k][d] += dLogit * m.embedding[d]
			}
			g.posBias[k] += dLogit * m.posNorm
			if m.isCap {
				g.depthBias[k] += dLogit
			}
		}
	}

	return loss, tdError
}

func (s *Scorer) applyGradient(g *gradAccum, scale float64) float64 {
	flat := s.flattenGrad(g)
	observedNorm := vecmath.ClipGradient(flat, s.cfg.GradClipNorm)
	s.unflattenGrad(flat, g)

	lr := s.cfg.LearningRate * scale
	K := len(s.p.QueryWeight)
	for k := 0; k < K; k++ {
		for d := range s.p.QueryWeight[k] {
			s.p.QueryWeight[k][d] -= lr * g.queryWeight[k][d]
			s.p.ContextWeight[k][d] -= lr * g.contextWeight[k][d]
			s.p.HeadWeight[k][d] -= lr * g.headWeight[k][d]
		}
		s.p.PosBias[k] -= lr * g.posBias[k]
		s.p.DepthBias[k] -= lr * g.depthBias[k]
		s.p.HeadBias[k] -= lr * g.headBias[k]
	}
	s.p.MixingCoefficient -= lr * g.mixingCoefficient
	return observedNorm
}

func (s *Scorer) flattenGrad(g *gradAccum) []float64 {
	var out []float64
	for k := range g.queryWeight {
		out = append(out, g.queryWeight[k]...)
		out = append(out, g.contextWeight[k]...)
		out = append(out, g.headWeight[k]...)
	}
	out = append(out, g.posBias...)
	out = append(out, g.depthBias...)
	out = append(out, g.headBias...)
	out = append(out, g.mixingCoefficient)
	return out
}

func (s *Scorer) unflattenGrad(flat []float64, g *gradAccum) {
	i := 0
	dim := s.cfg.Dim
	for k := range g.queryWeight {
		copy(g.queryWeight[k], flat[i:i+dim])
		i += dim
		copy(g.contextWeight[k], flat[i:i+dim])
		i += dim
		copy(g.headWeight[k], flat[i:i+dim])
		i += dim
	}
	copy(g.posBias, flat[i:i+len(g.posBias)])
	i += len(g.posBias)
	copy(g.depthBias, flat[i:i+len(g.depthBias)])
	i += len(g.depthBias)
	copy(g.headBias, flat[i:i+len(g.headBias)])
	i += len(g.headBias)
	g.mixingCoefficient = flat[i]
}

// TrainBatch runs one optimizer step over examples, weighted by
// importanceWeights (same length and order as examples).
func (s *Scorer) TrainBatch(_ context.Context, examples []Example, importanceWeights []float64) (BatchResult, error) {
	if len(examples) == 0 {
		return BatchResult{}, procerrors.New(procerrors.InvalidInput, "no training examples provided")
	}
	if len(importanceWeights) != len(examples) {
		return BatchResult{}, procerrors.New(procerrors.InvalidInput, "importance weights must match examples length")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := newGradAccum(s.cfg.Dim, s.cfg.Heads)
	tdErrors := make([]float64, len(examples))
	var totalLoss float64
	var correct int

	for i, ex := range examples {
		target, ok := s.graph.GetCapability(ex.TargetCapabilityID)
		if !ok {
			continue
		}
		fr := s.forward(target, ex.IntentEmbedding, true)
		loss, td := s.backward(g, fr, ex.IntentEmbedding, ex.Outcome, importanceWeights[i])
		totalLoss += loss
		tdErrors[i] = td
		if (fr.finalScore >= 0.5) == (ex.Outcome >= 0.5) {
			correct++
		}
	}

	s.applyGradient(g, 1.0/float64(len(examples)))

	return BatchResult{
		Loss:     totalLoss,
		Accuracy: float64(correct) / float64(len(examples)),
		TDErrors: tdErrors,
	}, nil
}

// TrainSingle performs one gradient step for a single online-learning
// observation.
func (s *Scorer) TrainSingle(_ context.Context, ex Example) (SingleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.graph.GetCapability(ex.TargetCapabilityID)
	if !ok {
		return SingleResult{}, procerrors.Newf(procerrors.InvalidInput, "unknown target capability %q", ex.TargetCapabilityID)
	}

	g := newGradAccum(s.cfg.Dim, s.cfg.Heads)
	fr := s.forward(target, ex.IntentEmbedding, true)
	loss, _ := s.backward(g, fr, ex.IntentEmbedding, ex.Outcome, 1.0)
	normBefore := s.applyGradient(g, 1.0)

	return SingleResult{Loss: loss, GradNorm: normBefore}, nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func logf(x float64) float64 {
	if x <= 0 {
		return -745 // ~ln(smallest positive float64), an epsilon floor guard
	}
	return math.Log(x)
}
