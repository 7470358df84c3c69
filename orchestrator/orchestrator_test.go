package orchestrator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/procmem/graph"
	"goa.design/procmem/orchestrator"
	"goa.design/procmem/pathfinder"
	"goa.design/procmem/scorer"
	"goa.design/procmem/thresholds"
)

type fixedEmbedder struct {
	vec []float64
	err error
}

func (f fixedEmbedder) Embed(_ context.Context, _ string) ([]float64, error) {
	return f.vec, f.err
}

func buildGraph(t *testing.T) *graph.Builder {
	t.Helper()
	b := graph.New(2)
	ctx := context.Background()
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "t1", Embedding: []float64{1, 0}}))
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "t2", Embedding: []float64{0.99, 0.14}}))
	successRate := 0.9
	require.NoError(t, b.RegisterCapability(ctx, graph.CapabilitySpec{
		ID:          "cap-a",
		Embedding:   []float64{1, 0},
		SuccessRate: &successRate,
		Members: []graph.Member{
			{Kind: graph.KindTool, ID: "t1"},
			{Kind: graph.KindTool, ID: "t2"},
		},
	}))
	return b
}

func TestSuggestFromEmbeddingLogsCandidatesAndReportsBestScoreAsConfidence(t *testing.T) {
	b := buildGraph(t)
	s, err := scorer.New(b, scorer.Config{Dim: 2, Heads: 2, Seed: 1})
	require.NoError(t, err)

	tr := thresholds.New(thresholds.Config{Mode: thresholds.ModeEMA})
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.RecordToolOutcome("t1", true))
	}
	pf := pathfinder.New(b)

	orch := orchestrator.New(b, s, fixedEmbedder{}, orchestrator.Config{Thresholds: tr, Pathfinder: pf})
	resp, err := orch.SuggestFromEmbedding(context.Background(), []float64{1, 0})
	require.NoError(t, err)
	require.NotEmpty(t, resp.TraceRecords)
	if resp.Best != nil {
		require.Equal(t, resp.Best.Score, resp.Confidence)
	}
}

func TestSuggestReturnsEmptyOnAllZeroEmbedding(t *testing.T) {
	b := buildGraph(t)
	s, err := scorer.New(b, scorer.Config{Dim: 2, Heads: 2, Seed: 1})
	require.NoError(t, err)
	tr := thresholds.New(thresholds.Config{})

	orch := orchestrator.New(b, s, fixedEmbedder{vec: []float64{0, 0}}, orchestrator.Config{Thresholds: tr})
	resp, err := orch.Suggest(context.Background(), "do something")
	require.NoError(t, err)
	require.Nil(t, resp.Best)
	require.Empty(t, resp.Ranked)
}

func TestSuggestReturnsEmptyOnEmbedderError(t *testing.T) {
	b := buildGraph(t)
	s, err := scorer.New(b, scorer.Config{Dim: 2, Heads: 2, Seed: 1})
	require.NoError(t, err)
	tr := thresholds.New(thresholds.Config{})

	orch := orchestrator.New(b, s, fixedEmbedder{err: errEmbedFailed}, orchestrator.Config{Thresholds: tr})
	resp, err := orch.Suggest(context.Background(), "do something")
	require.NoError(t, err)
	require.Nil(t, resp.Best)
	require.Empty(t, resp.Ranked)
}

var errEmbedFailed = errors.New("embedding failed")

func TestPolicyFilterRejectsNamedCapability(t *testing.T) {
	b := buildGraph(t)
	s, err := scorer.New(b, scorer.Config{Dim: 2, Heads: 2, Seed: 1})
	require.NoError(t, err)
	tr := thresholds.New(thresholds.Config{Mode: thresholds.ModeEMA})
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.RecordToolOutcome("t1", true))
	}

	orch := orchestrator.New(b, s, fixedEmbedder{}, orchestrator.Config{
		Thresholds: tr,
		Policy:     func(id string) bool { return id != "cap-a" },
	})
	resp, err := orch.SuggestFromEmbedding(context.Background(), []float64{1, 0})
	require.NoError(t, err)
	require.Nil(t, resp.Best)
	found := false
	for _, r := range resp.TraceRecords {
		if r.CapabilityID == "cap-a" {
			require.Equal(t, orchestrator.DecisionFilteredByPolicy, r.Decision)
			found = true
		}
	}
	require.True(t, found)
}
