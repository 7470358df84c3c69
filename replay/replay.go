// Package replay implements prioritized-experience-replay training: it
// samples real execution traces by priority, mines semi-hard negatives,
// expands each trace into multi-position training examples, and drives the
// scorer's batched gradient steps, feeding observed TD errors back into
// trace priorities.
package replay

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"goa.design/procmem/graph"
	"goa.design/procmem/hypergraph"
	"goa.design/procmem/scorer"
	"goa.design/procmem/telemetry"
	"goa.design/procmem/trace"
	"goa.design/procmem/vecmath"
)

const (
	// DefaultMinTraces gates training: below this many available traces the
	// pipeline returns a tool-level fallback instead of training.
	DefaultMinTraces = 20
	// DefaultMaxTraces bounds how many traces a single pass samples.
	DefaultMaxTraces = 100
	// DefaultAlpha is the priority-sampling exponent.
	DefaultAlpha = 0.6
	// DefaultMinPriority filters out traces below this priority.
	DefaultMinPriority = 0.1
	// DefaultBeta is the importance-sampling exponent.
	DefaultBeta = 0.4
	// DefaultBatchSize is the mini-batch size used by TrainBatch calls.
	DefaultBatchSize = 32
	// DefaultNegativesPerTrace is how many semi-hard negatives are mined per
	// trace.
	DefaultNegativesPerTrace = 8
	// DefaultSimClusterThreshold is the cosine similarity above which a tool
	// is considered in the same cluster as an excluded tool.
	DefaultSimClusterThreshold = 0.7
	// DefaultMinSpread is the minimum [min,max] negative-similarity window
	// width; the window is expanded symmetrically around its midpoint to
	// reach it.
	DefaultMinSpread = 0.30
	// EpsilonPriorityFloor floors the fed-back trace priority.
	EpsilonPriorityFloor = 1e-6
)

// Config configures a Pipeline. Zero values select the documented defaults.
type Config struct {
	MinTraces           int
	MaxTraces           int
	Alpha               float64
	MinPriority         float64
	Beta                float64
	BatchSize           int
	NegativesPerTrace   int
	SimClusterThreshold float64
	MinSpread           float64
	Seed                int64

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

func (c *Config) setDefaults() {
	if c.MinTraces <= 0 {
		c.MinTraces = DefaultMinTraces
	}
	if c.MaxTraces <= 0 {
		c.MaxTraces = DefaultMaxTraces
	}
	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}
	if c.MinPriority <= 0 {
		c.MinPriority = DefaultMinPriority
	}
	if c.Beta <= 0 {
		c.Beta = DefaultBeta
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.NegativesPerTrace <= 0 {
		c.NegativesPerTrace = DefaultNegativesPerTrace
	}
	if c.SimClusterThreshold <= 0 {
		c.SimClusterThreshold = DefaultSimClusterThreshold
	}
	if c.MinSpread <= 0 {
		c.MinSpread = DefaultMinSpread
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewNoopMetrics()
	}
}

// Trainer is the subset of scorer.Scorer the pipeline depends on, so tests
// and the subprocess variant (see replay/subprocess) can substitute a
// stand-in.
type Trainer interface {
	TrainBatch(ctx context.Context, examples []scorer.Example, importanceWeights []float64) (scorer.BatchResult, error)
}

// Pipeline runs the PER training algorithm over a trace store.
type Pipeline struct {
	cfg       Config
	graph     *graph.Builder
	flattener *hypergraph.Flattener
	reader    trace.Reader
	sink      trace.Sink
	trainer   Trainer
	rand      *rand.Rand
}

// New constructs a Pipeline.
func New(b *graph.Builder, flattener *hypergraph.Flattener, reader trace.Reader, sink trace.Sink, trainer Trainer, cfg Config) *Pipeline {
	cfg.setDefaults()
	return &Pipeline{
		cfg:       cfg,
		graph:     b,
		flattener: flattener,
		reader:    reader,
		sink:      sink,
		trainer:   trainer,
		rand:      rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Result is the outcome of a training pass.
type Result struct {
	Loss               float64
	Accuracy           float64
	TracesProcessed    int
	ExamplesGenerated  int
	PrioritiesUpdated  int
	Fallback           string
	FallbackReason     string
}

// TrainingExample mirrors the data-model "Training example" entity: an
// intent embedding, the candidate it should predict, the weighted outcome,
// and the mined negative candidates (capability ids the scorer should learn
// to rank below Candidate for this intent).
type TrainingExample struct {
	IntentEmbedding []float64
	Candidate       graph.Member
	Outcome         float64
	NegativeIDs     []string
	SourceTraceID   string
}

type pathFeatures struct {
	successWeight   float64
	dominanceFrac   float64
}

// Run executes one full training pass: gate, sample, flatten, mine
// negatives, generate examples, train, and feed priorities back.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	count, err := p.reader.Count(ctx)
	if err != nil {
		return Result{}, err
	}
	if count < p.cfg.MinTraces {
		return Result{Fallback: "tool-level", FallbackReason: "insufficient trace history"}, nil
	}

	sampled, err := p.reader.SampleByPriority(ctx, p.cfg.MaxTraces, p.cfg.MinPriority, p.cfg.Alpha)
	if err != nil {
		return Result{}, err
	}
	if len(sampled) == 0 {
		return Result{Fallback: "tool-level", FallbackReason: "no traces qualify at the configured minimum priority"}, nil
	}

	N := len(sampled)
	priorities := make([]float64, N)
	for i, t := range sampled {
		priorities[i] = t.Priority
	}

	flattened := make([][]graph.Member, N)
	features := make([]pathFeatures, N)
	for i, t := range sampled {
		flat, _ := p.flattener.FlattenPath(t.ExecutedPath)
		flattened[i] = flat
		features[i] = computePathFeatures(t, flat)
	}

	negatives := p.mineNegatives(sampled, flattened)

	examples, exampleTraceIdx := p.generateExamples(sampled, flattened, features, negatives)
	if len(examples) == 0 {
		return Result{Fallback: "tool-level", FallbackReason: "no qualifying examples after generation"}, nil
	}

	weights := importanceWeights(priorities, p.cfg.Beta)
	exampleWeights := make([]float64, len(examples))
	for i, ti := range exampleTraceIdx {
		exampleWeights[i] = weights[ti]
	}

	scorerExamples, scorerWeights, scorerTraceIdx := toScorerExamples(examples, exampleWeights, exampleTraceIdx)
	if len(scorerExamples) == 0 {
		return Result{Fallback: "tool-level", FallbackReason: "no capability-kind candidates to train on"}, nil
	}

	order := p.rand.Perm(len(scorerExamples))

	var totalLoss, totalAccWeighted float64
	var totalExamples int
	maxTD := make([]float64, N)

	for start := 0; start < len(order); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(order) {
			end = len(order)
		}
		batchIdx := order[start:end]

		batchExamples := make([]scorer.Example, len(batchIdx))
		batchWeights := make([]float64, len(batchIdx))
		for j, idx := range batchIdx {
			batchExamples[j] = scorerExamples[idx]
			batchWeights[j] = scorerWeights[idx]
		}

		res, err := p.trainer.TrainBatch(ctx, batchExamples, batchWeights)
		if err != nil {
			return Result{}, err
		}
		totalLoss += res.Loss
		totalAccWeighted += res.Accuracy * float64(len(batchIdx))
		totalExamples += len(batchIdx)

		for j, idx := range batchIdx {
			ti := scorerTraceIdx[idx]
			if res.TDErrors[j] > maxTD[ti] {
				maxTD[ti] = res.TDErrors[j]
			}
		}
	}

	newPriorities := make(map[string]float64, N)
	for i, t := range sampled {
		newPriorities[t.TraceID] = floorPriority(maxTD[i])
	}
	if err := p.sink.UpdatePriorities(ctx, newPriorities); err != nil {
		return Result{}, err
	}

	accuracy := 0.0
	if totalExamples > 0 {
		accuracy = totalAccWeighted / float64(totalExamples)
	}

	return Result{
		Loss:              totalLoss,
		Accuracy:          accuracy,
		TracesProcessed:   N,
		ExamplesGenerated: len(examples),
		PrioritiesUpdated: len(newPriorities),
	}, nil
}

func floorPriority(v float64) float64 {
	if v < EpsilonPriorityFloor {
		return EpsilonPriorityFloor
	}
	return v
}

func computePathFeatures(t trace.Trace, flat []graph.Member) pathFeatures {
	successWeight := 0.0
	if t.Success {
		successWeight = 1.0
	}
	counts := make(map[string]int, len(flat))
	for _, m := range flat {
		counts[m.ID]++
	}
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	dominance := 0.0
	if len(flat) > 0 {
		dominance = float64(maxCount) / float64(len(flat))
	}
	return pathFeatures{successWeight: successWeight, dominanceFrac: dominance}
}

// importanceWeights computes w_i = (N*p_i)^-beta, normalized by the maximum
// weight in the batch.
func importanceWeights(priorities []float64, beta float64) []float64 {
	n := float64(len(priorities))
	weights := make([]float64, len(priorities))
	maxW := 0.0
	for i, p := range priorities {
		w := math.Pow(n*p, -beta)
		weights[i] = w
		if w > maxW {
			maxW = w
		}
	}
	if maxW > 0 {
		for i := range weights {
			weights[i] /= maxW
		}
	}
	return weights
}

// toScorerExamples converts TrainingExamples into the scorer's training
// wire format. Only capability-kind candidates become positive examples,
// since the scorer only predicts over capabilities. Each trace's mined
// semi-hard negatives (see mineNegatives) are emitted once per trace, as
// Outcome:0 examples against the same intent embedding and importance
// weight, so the scorer also learns which capabilities are wrong for a
// given intent rather than only which one is right.
func toScorerExamples(examples []TrainingExample, weights []float64, traceIdx []int) ([]scorer.Example, []float64, []int) {
	var se []scorer.Example
	var sw []float64
	var sti []int
	negativesEmitted := make(map[int]bool, len(examples))
	for i, ex := range examples {
		if ex.Candidate.Kind != graph.KindCapability {
			continue
		}
		se = append(se, scorer.Example{
			IntentEmbedding:    ex.IntentEmbedding,
			TargetCapabilityID: ex.Candidate.ID,
			Outcome:            ex.Outcome,
		})
		sw = append(sw, weights[i])
		sti = append(sti, traceIdx[i])

		ti := traceIdx[i]
		if negativesEmitted[ti] {
			continue
		}
		negativesEmitted[ti] = true
		for _, negID := range ex.NegativeIDs {
			if negID == ex.Candidate.ID {
				continue
			}
			se = append(se, scorer.Example{
				IntentEmbedding:    ex.IntentEmbedding,
				TargetCapabilityID: negID,
				Outcome:            0.0,
			})
			sw = append(sw, weights[i])
			sti = append(sti, ti)
		}
	}
	return se, sw, sti
}

func (p *Pipeline) generateExamples(sampled []trace.Trace, flattened [][]graph.Member, features []pathFeatures, negatives [][]string) ([]TrainingExample, []int) {
	var examples []TrainingExample
	var traceIdx []int
	for i, t := range sampled {
		if len(t.IntentEmbedding) == 0 {
			continue
		}
		flat := flattened[i]
		for _, member := range flat {
			outcome := vecmath.Clip(features[i].successWeight, 0, 1)
			examples = append(examples, TrainingExample{
				IntentEmbedding: t.IntentEmbedding,
				Candidate:       member,
				Outcome:         outcome,
				NegativeIDs:     negatives[i],
				SourceTraceID:   t.TraceID,
			})
			traceIdx = append(traceIdx, i)
		}
	}
	return examples, traceIdx
}

// mineNegatives implements step 5 of the replay algorithm: adaptive
// similarity thresholds from the sampled batch's cosine distribution,
// exclusion sets per trace, and semi-hard negative selection with
// highest-similarity backfill. The candidate pool is restricted to
// capability-kind nodes since those are the only ids toScorerExamples can
// turn into an Outcome:0 training example.
func (p *Pipeline) mineNegatives(sampled []trace.Trace, flattened [][]graph.Member) [][]string {
	allEmbeddings := p.graph.GetAllEmbeddings()

	var allSims []float64
	perTraceSims := make([][]simEntry, len(sampled))
	for i, t := range sampled {
		if len(t.IntentEmbedding) == 0 {
			perTraceSims[i] = nil
			continue
		}
		sims := make([]simEntry, 0, len(allEmbeddings))
		for _, e := range allEmbeddings {
			if e.Kind != graph.KindCapability {
				continue
			}
			sim := vecmath.CosineSimilarity(t.IntentEmbedding, e.Vec)
			sims = append(sims, simEntry{id: e.ID, kind: e.Kind, sim: sim})
			allSims = append(allSims, sim)
		}
		perTraceSims[i] = sims
	}

	sort.Float64s(allSims)
	lo, hi := 0.0, 1.0
	if len(allSims) > 0 {
		lo = vecmath.Percentile(allSims, 25)
		hi = vecmath.Percentile(allSims, 75)
		if hi-lo < p.cfg.MinSpread {
			mid := (lo + hi) / 2
			lo = mid - p.cfg.MinSpread/2
			hi = mid + p.cfg.MinSpread/2
		}
		lo = vecmath.Clip(lo, 0, 1)
		hi = vecmath.Clip(hi, 0, 1)
	}

	out := make([][]string, len(sampled))
	for i, t := range sampled {
		sims := perTraceSims[i]
		if sims == nil {
			out[i] = nil
			continue
		}
		excluded := p.exclusionSet(t, flattened[i], allEmbeddings)

		simByID := make(map[string]float64, len(sims))
		for _, s := range sims {
			simByID[s.id] = s.sim
		}

		var qualifying []simEntry
		var fallback []simEntry
		for _, s := range sims {
			if excluded[s.id] {
				continue
			}
			if s.sim >= lo && s.sim <= hi {
				qualifying = append(qualifying, s)
			} else {
				fallback = append(fallback, s)
			}
		}

		sort.Slice(qualifying, func(a, b int) bool { return qualifying[a].sim > qualifying[b].sim })
		sort.Slice(fallback, func(a, b int) bool { return fallback[a].sim > fallback[b].sim })

		n := p.cfg.NegativesPerTrace
		picked := make([]string, 0, n)
		for _, s := range qualifying {
			if len(picked) >= n {
				break
			}
			picked = append(picked, s.id)
		}
		for _, s := range fallback {
			if len(picked) >= n {
				break
			}
			picked = append(picked, s.id)
		}
		out[i] = picked
	}
	return out
}

type simEntry struct {
	id   string
	kind graph.MemberKind
	sim  float64
}

// exclusionSet builds the set of node ids to exclude from negative mining
// for trace t: every node on its executed path, every tool of its own
// capability, and every tool within the configured cosine-similarity
// cluster of any of those excluded tools.
func (p *Pipeline) exclusionSet(t trace.Trace, flat []graph.Member, allEmbeddings []graph.Embedding) map[string]bool {
	excluded := make(map[string]bool)
	for _, m := range flat {
		excluded[m.ID] = true
	}
	if t.CapabilityID != "" {
		if cap, ok := p.graph.GetCapability(t.CapabilityID); ok {
			excluded[cap.ID] = true
			for _, m := range cap.Members {
				excluded[m.ID] = true
			}
		}
	}

	embByID := make(map[string][]float64, len(allEmbeddings))
	for _, e := range allEmbeddings {
		if e.Kind == graph.KindTool {
			embByID[e.ID] = e.Vec
		}
	}

	seedTools := make([]string, 0, len(excluded))
	for id := range excluded {
		if _, ok := embByID[id]; ok {
			seedTools = append(seedTools, id)
		}
	}
	sort.Strings(seedTools)

	for _, seed := range seedTools {
		seedVec := embByID[seed]
		for id, vec := range embByID {
			if excluded[id] {
				continue
			}
			if vecmath.CosineSimilarity(seedVec, vec) >= p.cfg.SimClusterThreshold {
				excluded[id] = true
			}
		}
	}
	return excluded
}
