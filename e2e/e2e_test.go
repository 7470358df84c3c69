// Package e2e exercises the seed scenarios from the procedural memory
// engine's testable-properties section against the wired-together
// graph/scorer/replay/orchestrator/pathfinder stack.
package e2e_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/procmem/graph"
	"goa.design/procmem/hypergraph"
	"goa.design/procmem/orchestrator"
	"goa.design/procmem/pathfinder"
	"goa.design/procmem/replay"
	"goa.design/procmem/scorer"
	"goa.design/procmem/thresholds"
	"goa.design/procmem/trace"
	"goa.design/procmem/trace/inmem"
)

// TestColdStartNoTracesReturnsEmpty covers scenario 1: scoring against a
// graph with tools but no capabilities returns an empty, error-free result.
func TestColdStartNoTracesReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	g := graph.New(4)
	require.NoError(t, g.RegisterTool(ctx, graph.ToolSpec{ID: "tool-a", Embedding: []float64{1, 0, 0, 0}}))
	require.NoError(t, g.RegisterTool(ctx, graph.ToolSpec{ID: "tool-b", Embedding: []float64{0, 1, 0, 0}}))
	require.NoError(t, g.RegisterTool(ctx, graph.ToolSpec{ID: "tool-c", Embedding: []float64{0, 0, 1, 0}}))

	s, err := scorer.New(g, scorer.Config{Dim: 4, Seed: 1})
	require.NoError(t, err)

	res, err := s.ScoreAllCapabilities(ctx, []float64{1, 0, 0, 0})
	require.NoError(t, err)
	require.Empty(t, res.Matches)
}

// TestSingleTraceLearningRanksCapabilityFirst covers scenario 2: after one
// successful trace through a capability's members, scoring the matching
// intent again ranks that capability first with a positive semantic
// contribution and score above 0.5.
func TestSingleTraceLearningRanksCapabilityFirst(t *testing.T) {
	ctx := context.Background()
	g := graph.New(4)
	intent := []float64{1, 0, 0, 0}
	require.NoError(t, g.RegisterTool(ctx, graph.ToolSpec{ID: "fs:read", Embedding: []float64{1, 0, 0, 0}}))
	require.NoError(t, g.RegisterTool(ctx, graph.ToolSpec{ID: "json:parse", Embedding: []float64{0.9, 0.1, 0, 0}}))
	require.NoError(t, g.RegisterTool(ctx, graph.ToolSpec{ID: "slack:send", Embedding: []float64{0.8, 0, 0.2, 0}}))
	require.NoError(t, g.RegisterCapability(ctx, graph.CapabilitySpec{
		ID:        "cap_1",
		Embedding: intent,
		Members: []graph.Member{
			{Kind: graph.KindTool, ID: "fs:read"},
			{Kind: graph.KindTool, ID: "json:parse"},
			{Kind: graph.KindTool, ID: "slack:send"},
		},
	}))

	s, err := scorer.New(g, scorer.Config{Dim: 4, Seed: 1})
	require.NoError(t, err)

	tr := trace.NewTrace("trace-1", []graph.Member{
		{Kind: graph.KindTool, ID: "fs:read"},
		{Kind: graph.KindTool, ID: "json:parse"},
		{Kind: graph.KindTool, ID: "slack:send"},
	}, true)
	tr.CapabilityID = "cap_1"
	tr.IntentEmbedding = intent
	tr.Priority = 1.0

	store := inmem.New()
	require.NoError(t, store.Append(ctx, tr))
	require.NoError(t, g.RecordUsage("cap_1", true))

	// The online learning controller applies one gradient step per
	// submitted trace; replay the same example a few times to push the
	// score confidently past 0.5 regardless of the untrained network's
	// small random initialization.
	ex := scorer.Example{IntentEmbedding: intent, TargetCapabilityID: "cap_1", Outcome: 1.0}
	for i := 0; i < 20; i++ {
		_, err = s.TrainSingle(ctx, ex)
		require.NoError(t, err)
	}

	res, err := s.ScoreAllCapabilities(ctx, intent)
	require.NoError(t, err)
	require.NotEmpty(t, res.Matches)
	require.Equal(t, "cap_1", res.Matches[0].CapabilityID)
	require.Greater(t, res.Matches[0].Score, 0.5)
	require.Greater(t, res.Matches[0].FeatureContributions.Semantic, 0.0)
}

// TestTrainFromTracesBelowMinFallsBackToToolLevel covers scenario 3: with
// fewer traces than min_traces, Run returns a tool-level fallback and
// touches no priorities.
func TestTrainFromTracesBelowMinFallsBackToToolLevel(t *testing.T) {
	ctx := context.Background()
	g := graph.New(2)
	require.NoError(t, g.RegisterTool(ctx, graph.ToolSpec{ID: "t1", Embedding: []float64{1, 0}}))
	require.NoError(t, g.RegisterCapability(ctx, graph.CapabilitySpec{
		ID: "cap-a", Embedding: []float64{1, 0},
		Members: []graph.Member{{Kind: graph.KindTool, ID: "t1"}},
	}))
	s, err := scorer.New(g, scorer.Config{Dim: 2, Seed: 1})
	require.NoError(t, err)
	flattener := hypergraph.NewFlattener(g, 0)

	store := inmem.New()
	for i := 0; i < 19; i++ {
		tr := trace.NewTrace(randID(i), []graph.Member{{Kind: graph.KindTool, ID: "t1"}}, true)
		tr.CapabilityID = "cap-a"
		tr.IntentEmbedding = []float64{1, 0}
		tr.Priority = 0.2 + 0.8*float64(i)/19
		require.NoError(t, store.Append(ctx, tr))
	}

	countBefore, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 19, countBefore)

	pipeline := replay.New(g, flattener, store, store, s, replay.Config{MinTraces: 20, Seed: 1})
	res, err := pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, "tool-level", res.Fallback)
	require.Equal(t, 0, res.TracesProcessed)
	require.Equal(t, 0, res.PrioritiesUpdated)
}

// TestPriorityFeedbackRanksSurprisingTracesHigher covers scenario 4:
// traces whose observed outcome surprises the scorer (high TD error) end
// up with a strictly higher post-training priority than traces whose
// outcome matched the prediction.
func TestPriorityFeedbackRanksSurprisingTracesHigher(t *testing.T) {
	ctx := context.Background()
	g := graph.New(2)
	require.NoError(t, g.RegisterTool(ctx, graph.ToolSpec{ID: "t1", Embedding: []float64{1, 0}}))
	require.NoError(t, g.RegisterCapability(ctx, graph.CapabilitySpec{
		ID: "cap-a", Embedding: []float64{1, 0},
		Members: []graph.Member{{Kind: graph.KindTool, ID: "t1"}},
	}))
	s, err := scorer.New(g, scorer.Config{Dim: 2, Seed: 1})
	require.NoError(t, err)

	// Warm the scorer toward predicting ~0.9 for this intent/capability
	// pair so the 28 success traces land near-zero TD error and the 2
	// failure traces land near 0.9 TD error.
	for i := 0; i < 200; i++ {
		_, err := s.TrainSingle(ctx, scorer.Example{
			IntentEmbedding: []float64{1, 0}, TargetCapabilityID: "cap-a", Outcome: 1.0,
		})
		require.NoError(t, err)
	}

	flattener := hypergraph.NewFlattener(g, 0)
	store := inmem.New()

	var surprisingIDs, ordinaryIDs []string
	for i := 0; i < 28; i++ {
		id := randID(1000 + i)
		tr := trace.NewTrace(id, []graph.Member{{Kind: graph.KindCapability, ID: "cap-a"}}, true)
		tr.CapabilityID = "cap-a"
		tr.IntentEmbedding = []float64{1, 0}
		tr.Priority = 0.5
		require.NoError(t, store.Append(ctx, tr))
		ordinaryIDs = append(ordinaryIDs, id)
	}
	for i := 0; i < 2; i++ {
		id := randID(2000 + i)
		tr := trace.NewTrace(id, []graph.Member{{Kind: graph.KindCapability, ID: "cap-a"}}, false)
		tr.CapabilityID = "cap-a"
		tr.IntentEmbedding = []float64{1, 0}
		tr.Priority = 0.5
		require.NoError(t, store.Append(ctx, tr))
		surprisingIDs = append(surprisingIDs, id)
	}

	pipeline := replay.New(g, flattener, store, store, s, replay.Config{
		MinTraces: 20, MaxTraces: 30, MinPriority: 0.01, BatchSize: 30, Seed: 1,
	})
	_, err = pipeline.Run(ctx)
	require.NoError(t, err)

	maxOrdinary := 0.0
	for _, id := range ordinaryIDs {
		tr, ok, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		if tr.Priority > maxOrdinary {
			maxOrdinary = tr.Priority
		}
	}
	for _, id := range surprisingIDs {
		tr, ok, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Greater(t, tr.Priority, maxOrdinary)
	}
}

// TestOrchestratorRejectsBelowExplicitThreshold covers scenario 5: when the
// best score sits below the explicit threshold, the orchestrator returns no
// suggestions and logs a rejected_by_threshold record for the candidate.
func TestOrchestratorRejectsBelowExplicitThreshold(t *testing.T) {
	ctx := context.Background()
	g := graph.New(2)
	require.NoError(t, g.RegisterTool(ctx, graph.ToolSpec{ID: "t1", Embedding: []float64{1, 0}}))
	require.NoError(t, g.RegisterCapability(ctx, graph.CapabilitySpec{
		ID: "cap-a", Embedding: []float64{0.6, 0.4},
		Members: []graph.Member{{Kind: graph.KindTool, ID: "t1"}},
	}))
	s, err := scorer.New(g, scorer.Config{Dim: 2, Seed: 1})
	require.NoError(t, err)

	// Drive the Beta(reference) posterior strongly toward 1 so the
	// Thompson-sampled explicit threshold lands well above the untrained
	// scorer's near-0.5 initial score regardless of sampling noise.
	tr := thresholds.New(thresholds.Config{Seed: 1})
	for i := 0; i < 20; i++ {
		require.NoError(t, tr.RecordToolOutcome("reference", true))
	}

	embedder := fixedEmbedder{vec: []float64{0.6, 0.4}}
	orch := orchestrator.New(g, s, embedder, orchestrator.Config{Thresholds: tr})

	resp, err := orch.Suggest(ctx, "do the thing")
	require.NoError(t, err)
	require.NotEmpty(t, resp.TraceRecords)
	for _, rec := range resp.TraceRecords {
		if rec.Decision == orchestrator.DecisionRejectedByThreshold {
			return
		}
	}
	t.Fatalf("expected at least one rejected_by_threshold record, got %+v", resp.TraceRecords)
}

// TestPathfinderValidatesCloseCosineTools covers scenario 6: two tools
// whose embeddings have cosine similarity 0.9, grouped under one
// capability, have a finite shortest hyperpath with total weight <= 0.2.
func TestPathfinderValidatesCloseCosineTools(t *testing.T) {
	ctx := context.Background()
	g := graph.New(2)
	require.NoError(t, g.RegisterTool(ctx, graph.ToolSpec{ID: "t1", Embedding: []float64{1, 0}}))
	require.NoError(t, g.RegisterTool(ctx, graph.ToolSpec{ID: "t2", Embedding: []float64{0.9, 0.43588989}}))
	require.NoError(t, g.RegisterCapability(ctx, graph.CapabilitySpec{
		ID: "cap_X", Embedding: []float64{1, 0},
		Members: []graph.Member{{Kind: graph.KindTool, ID: "t1"}, {Kind: graph.KindTool, ID: "t2"}},
	}))

	finder := pathfinder.New(g)
	res := finder.FindShortestHyperpath("t1", "t2")
	require.True(t, res.Found)
	require.LessOrEqual(t, res.TotalWeight, 0.2)
	require.Equal(t, "t1", res.NodeSequence[0].ID)
	require.Equal(t, "t2", res.NodeSequence[len(res.NodeSequence)-1].ID)
}

type fixedEmbedder struct {
	vec []float64
	err error
}

func (f fixedEmbedder) Embed(context.Context, string) ([]float64, error) {
	return f.vec, f.err
}

func randID(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for j := range b {
		b[j] = letters[(i*31+j*7)%len(letters)]
	}
	return string(b)
}
