package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/procmem/graph"
	"goa.design/procmem/procerrors"
)

func TestRegisterToolIdempotent(t *testing.T) {
	b := graph.New(3)
	ctx := context.Background()

	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "srv:tool", Embedding: []float64{1, 0, 0}, Server: "srv"}))
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "srv:tool", Embedding: []float64{0, 1, 0}, Server: "srv"}))

	tools := b.GetToolNodes()
	require.Len(t, tools, 1)
	require.Equal(t, []float64{0, 1, 0}, tools[0].Embedding)
}

func TestRegisterToolRejectsBadDimension(t *testing.T) {
	b := graph.New(3)
	err := b.RegisterTool(context.Background(), graph.ToolSpec{ID: "t", Embedding: []float64{1, 0}})
	require.Error(t, err)
	require.True(t, procerrors.IsKind(err, procerrors.InvalidInput))
}

func TestRegisterCapabilityReplacesMembers(t *testing.T) {
	b := graph.New(2)
	ctx := context.Background()
	rate := 0.5
	require.NoError(t, b.RegisterCapability(ctx, graph.CapabilitySpec{
		ID:        "cap1",
		Embedding: []float64{1, 1},
		Members:   []graph.Member{{Kind: graph.KindTool, ID: "t1"}},
		SuccessRate: &rate,
	}))
	require.NoError(t, b.RegisterCapability(ctx, graph.CapabilitySpec{
		ID:        "cap1",
		Embedding: []float64{1, 1},
		Members:   []graph.Member{{Kind: graph.KindTool, ID: "t2"}, {Kind: graph.KindTool, ID: "t3"}},
	}))

	cap, ok := b.GetCapability("cap1")
	require.True(t, ok)
	require.Len(t, cap.Members, 2)
	require.Equal(t, "t2", cap.Members[0].ID)
}

func TestGetAllEmbeddingsCombinesToolsAndCapabilities(t *testing.T) {
	b := graph.New(2)
	ctx := context.Background()
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "t1", Embedding: []float64{1, 0}}))
	require.NoError(t, b.RegisterCapability(ctx, graph.CapabilitySpec{ID: "c1", Embedding: []float64{0, 1}}))

	all := b.GetAllEmbeddings()
	require.Len(t, all, 2)
}

func TestRecordUsageUpdatesSuccessRate(t *testing.T) {
	b := graph.New(2)
	ctx := context.Background()
	require.NoError(t, b.RegisterCapability(ctx, graph.CapabilitySpec{ID: "c1", Embedding: []float64{1, 0}}))

	require.NoError(t, b.RecordUsage("c1", true))
	require.NoError(t, b.RecordUsage("c1", false))

	cap, ok := b.GetCapability("c1")
	require.True(t, ok)
	require.Equal(t, int64(2), cap.UsageCount)
	require.InDelta(t, 0.5, cap.SuccessRate, 1e-9)
}

func TestRecordUsageUnknownCapability(t *testing.T) {
	b := graph.New(2)
	err := b.RecordUsage("missing", true)
	require.Error(t, err)
	require.True(t, procerrors.IsKind(err, procerrors.InvalidInput))
}

func TestInsertionOrderPreserved(t *testing.T) {
	b := graph.New(2)
	ctx := context.Background()
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: id, Embedding: []float64{1, 0}}))
	}
	tools := b.GetToolNodes()
	for i, tool := range tools {
		require.Equal(t, ids[i], tool.ID)
	}
}
