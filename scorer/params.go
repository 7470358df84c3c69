package scorer

import "math/rand"

// Params is the full trainable state of the SHGAT network. Every slice is
// indexed [head][dimension] unless noted otherwise.
type Params struct {
	Dim   int
	Heads int

	// QueryWeight[k][d] is head k's per-dimension query projection.
	QueryWeight [][]float64
	// ContextWeight[k][d] is head k's per-dimension member-attention key.
	ContextWeight [][]float64
	// PosBias[k] scales the normalized member position in the attention
	// logit.
	PosBias []float64
	// DepthBias[k] is added to the attention logit of sub-capability
	// members (vs. tool members).
	DepthBias []float64
	// HeadWeight[k][d] projects the intent embedding into head k's
	// head-weighting logit.
	HeadWeight [][]float64
	// HeadBias[k] is head k's head-weighting bias.
	HeadBias []float64
	// MixingCoefficient scales the recursive contribution before the final
	// squash.
	MixingCoefficient float64
	// AttributionWeights[i][j] maps the four raw attribution features to
	// the i-th contribution's logit.
	AttributionWeights [4][4]float64
}

func newParams(dim, heads int, seed int64) Params {
	r := rand.New(rand.NewSource(seed))
	small := func() float64 { return (r.Float64()*2 - 1) * 0.05 }

	p := Params{
		Dim:           dim,
		Heads:         heads,
		QueryWeight:   make([][]float64, heads),
		ContextWeight: make([][]float64, heads),
		PosBias:       make([]float64, heads),
		DepthBias:     make([]float64, heads),
		HeadWeight:    make([][]float64, heads),
		HeadBias:      make([]float64, heads),
	}
	for k := 0; k < heads; k++ {
		p.QueryWeight[k] = make([]float64, dim)
		p.ContextWeight[k] = make([]float64, dim)
		p.HeadWeight[k] = make([]float64, dim)
		for d := 0; d < dim; d++ {
			p.QueryWeight[k][d] = small()
			p.ContextWeight[k][d] = small()
			p.HeadWeight[k][d] = small()
		}
		p.PosBias[k] = small()
		p.DepthBias[k] = small()
		p.HeadBias[k] = small()
	}
	// Attribution weights start near the identity so each raw feature
	// initially dominates its own contribution slot.
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if i == j {
				p.AttributionWeights[i][j] = 1.0
			} else {
				p.AttributionWeights[i][j] = small()
			}
		}
	}
	return p
}

func clonePairMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// clone returns a deep copy of p, used both by ExportParams and internally
// whenever a consistent snapshot must be handed to a reader without risking
// aliasing with an in-flight training step.
func (p Params) clone() Params {
	return Params{
		Dim:                p.Dim,
		Heads:               p.Heads,
		QueryWeight:        clonePairMatrix(p.QueryWeight),
		ContextWeight:      clonePairMatrix(p.ContextWeight),
		PosBias:            append([]float64(nil), p.PosBias...),
		DepthBias:          append([]float64(nil), p.DepthBias...),
		HeadWeight:         clonePairMatrix(p.HeadWeight),
		HeadBias:           append([]float64(nil), p.HeadBias...),
		MixingCoefficient:  p.MixingCoefficient,
		AttributionWeights: p.AttributionWeights,
	}
}

// ExportParams returns a deep copy of the current parameter set, suitable
// for checkpointing.
func (s *Scorer) ExportParams() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.clone()
}

// ImportParams replaces the current parameter set with params. Takes the
// writer lock, so it never interleaves with an in-flight scoring read.
func (s *Scorer) ImportParams(params Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = params.clone()
}
