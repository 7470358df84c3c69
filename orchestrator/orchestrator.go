// Package orchestrator implements the suggestion orchestrator: given an
// intent, it scores every capability, filters by the adaptive explicit
// threshold, validates the best remaining candidate with the DR-DSP
// pathfinder, and returns a ranked suggestion with attribution.
package orchestrator

import (
	"context"
	"sort"

	"goa.design/procmem/graph"
	"goa.design/procmem/pathfinder"
	"goa.design/procmem/scorer"
	"goa.design/procmem/telemetry"
	"goa.design/procmem/thresholds"
)

// Decision classifies what happened to a scored candidate.
type Decision string

const (
	DecisionAccepted            Decision = "accepted"
	DecisionRejectedByThreshold Decision = "rejected_by_threshold"
	DecisionFilteredByPolicy    Decision = "filtered_by_policy"
)

// TraceRecord is logged for each of the top candidates considered for a
// query, carrying the signals behind the final decision.
type TraceRecord struct {
	Mode                 string
	CapabilityID         string
	Score                float64
	FeatureContributions scorer.FeatureContributions
	ThresholdUsed        float64
	Decision             Decision
}

// Suggestion is one ranked candidate in the orchestrator's response.
type Suggestion struct {
	CapabilityID string
	Score        float64
	Attribution  scorer.FeatureContributions
}

// Response is the outcome of the suggestion pipeline.
type Response struct {
	Ranked       []Suggestion
	Best         *Suggestion
	Path         []graph.Member
	Confidence   float64
	TraceRecords []TraceRecord
}

// Embedder turns an intent string into a fixed-dimension embedding.
type Embedder interface {
	Embed(ctx context.Context, intent string) ([]float64, error)
}

// TopCandidates bounds how many top-scored capabilities get a logged trace
// record per query.
const TopCandidates = 10

// DemotionFactor is applied to a candidate's score when pathfinder
// validation fails to find a finite-weight path between its first and last
// member tool.
const DemotionFactor = 0.5

// PolicyFilter optionally rejects a capability id before threshold
// filtering (e.g. an allow/deny list). A nil PolicyFilter accepts
// everything.
type PolicyFilter func(capabilityID string) bool

// Config configures an Orchestrator.
type Config struct {
	Thresholds *thresholds.Tracker
	Pathfinder *pathfinder.Finder
	Policy     PolicyFilter
	Logger     telemetry.Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = telemetry.NoopLogger{}
	}
	if c.Policy == nil {
		c.Policy = func(string) bool { return true }
	}
}

// Orchestrator wires the scorer, adaptive thresholds, and pathfinder into
// the end-to-end suggestion pipeline.
type Orchestrator struct {
	graph    *graph.Builder
	scorer   *scorer.Scorer
	embedder Embedder
	cfg      Config
}

// New constructs an Orchestrator.
func New(b *graph.Builder, s *scorer.Scorer, embedder Embedder, cfg Config) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{graph: b, scorer: s, embedder: embedder, cfg: cfg}
}

// Suggest runs the full pipeline for a raw intent string, embedding it
// first if needed.
func (o *Orchestrator) Suggest(ctx context.Context, intent string) (Response, error) {
	embedding, err := o.embedder.Embed(ctx, intent)
	if err != nil {
		return Response{}, nil
	}
	if allZero(embedding) {
		return Response{}, nil
	}
	return o.SuggestFromEmbedding(ctx, embedding)
}

func allZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// SuggestFromEmbedding runs the pipeline starting from a pre-embedded
// intent.
func (o *Orchestrator) SuggestFromEmbedding(ctx context.Context, embedding []float64) (Response, error) {
	result, err := o.scorer.ScoreAllCapabilities(ctx, embedding)
	if err != nil {
		return Response{}, err
	}

	th := o.cfg.Thresholds.GetThresholds()

	records := make([]TraceRecord, 0, TopCandidates)
	type candidate struct {
		match scorer.Match
	}
	var accepted []candidate

	for i, m := range result.Matches {
		if i >= TopCandidates {
			break
		}
		decision := DecisionAccepted
		switch {
		case !o.cfg.Policy(m.CapabilityID):
			decision = DecisionFilteredByPolicy
		case m.Score < th.ExplicitThreshold:
			decision = DecisionRejectedByThreshold
		}
		records = append(records, TraceRecord{
			Mode:                 "active_search",
			CapabilityID:         m.CapabilityID,
			Score:                m.Score,
			FeatureContributions: m.FeatureContributions,
			ThresholdUsed:        th.ExplicitThreshold,
			Decision:             decision,
		})
		if decision == DecisionAccepted {
			accepted = append(accepted, candidate{match: m})
		}
	}

	if len(accepted) == 0 {
		return Response{TraceRecords: records}, nil
	}

	ranked := make([]Suggestion, len(accepted))
	for i, c := range accepted {
		ranked[i] = Suggestion{CapabilityID: c.match.CapabilityID, Score: c.match.Score, Attribution: c.match.FeatureContributions}
	}

	var path []graph.Member
	if o.cfg.Pathfinder != nil {
		ranked, path = o.validateBest(ranked)
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	best := ranked[0]
	return Response{
		Ranked:       ranked,
		Best:         &best,
		Path:         path,
		Confidence:   best.Score,
		TraceRecords: records,
	}, nil
}

// validateBest runs DR-DSP between the top candidate's first and last
// member tool when it has at least two member tools, demoting its score on
// a miss and returning the validated path when found.
func (o *Orchestrator) validateBest(ranked []Suggestion) ([]Suggestion, []graph.Member) {
	best := ranked[0]
	cap, ok := o.graph.GetCapability(best.CapabilityID)
	if !ok {
		return ranked, nil
	}

	var toolIDs []string
	for _, m := range cap.Members {
		if m.Kind == graph.KindTool {
			toolIDs = append(toolIDs, m.ID)
		}
	}
	if len(toolIDs) < 2 {
		return ranked, nil
	}

	res := o.cfg.Pathfinder.FindShortestHyperpath(toolIDs[0], toolIDs[len(toolIDs)-1])
	if !res.Found {
		ranked[0].Score *= DemotionFactor
		return ranked, nil
	}
	return ranked, res.NodeSequence
}
