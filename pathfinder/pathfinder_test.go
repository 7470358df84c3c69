package pathfinder_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/procmem/graph"
	"goa.design/procmem/pathfinder"
)

func TestFindShortestHyperpathFindsDirectPathThroughCapability(t *testing.T) {
	b := graph.New(2)
	ctx := context.Background()
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "t1", Embedding: []float64{1, 0}}))
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "t2", Embedding: []float64{0.99, 0.14}}))
	successRate := 0.9
	require.NoError(t, b.RegisterCapability(ctx, graph.CapabilitySpec{
		ID:          "cap-x",
		Embedding:   []float64{1, 0},
		SuccessRate: &successRate,
		Members: []graph.Member{
			{Kind: graph.KindTool, ID: "t1"},
			{Kind: graph.KindTool, ID: "t2"},
		},
	}))

	f := pathfinder.New(b)
	res := f.FindShortestHyperpath("t1", "t2")
	require.True(t, res.Found)
	require.False(t, math.IsInf(res.TotalWeight, 1))
	require.LessOrEqual(t, res.TotalWeight, 0.2)
	require.Equal(t, "t1", res.NodeSequence[0].ID)
	require.Equal(t, "t2", res.NodeSequence[len(res.NodeSequence)-1].ID)
}

func TestFindShortestHyperpathMissReturnsInfiniteWeight(t *testing.T) {
	b := graph.New(2)
	ctx := context.Background()
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "t1", Embedding: []float64{1, 0}}))
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "t2", Embedding: []float64{0, 1}}))

	f := pathfinder.New(b)
	res := f.FindShortestHyperpath("t1", "t2")
	require.False(t, res.Found)
	require.True(t, math.IsInf(res.TotalWeight, 1))
}

func TestFindShortestHyperpathUnknownNodeMisses(t *testing.T) {
	b := graph.New(2)
	f := pathfinder.New(b)
	res := f.FindShortestHyperpath("missing-a", "missing-b")
	require.False(t, res.Found)
}

func TestFindShortestHyperpathSameNodeIsZeroWeight(t *testing.T) {
	b := graph.New(2)
	ctx := context.Background()
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "t1", Embedding: []float64{1, 0}}))

	f := pathfinder.New(b)
	res := f.FindShortestHyperpath("t1", "t1")
	require.True(t, res.Found)
	require.Equal(t, 0.0, res.TotalWeight)
}
