package hypergraph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/procmem/graph"
	"goa.design/procmem/hypergraph"
)

func buildGraph(t *testing.T) *graph.Builder {
	t.Helper()
	b := graph.New(2)
	ctx := context.Background()
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "t1", Embedding: []float64{1, 0}}))
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "t2", Embedding: []float64{0, 1}}))
	require.NoError(t, b.RegisterCapability(ctx, graph.CapabilitySpec{
		ID:        "cap",
		Embedding: []float64{1, 1},
		Members: []graph.Member{
			{Kind: graph.KindTool, ID: "t1"},
			{Kind: graph.KindTool, ID: "t2"},
		},
	}))
	return b
}

func TestFlattenPathExpandsCapability(t *testing.T) {
	b := buildGraph(t)
	f := hypergraph.NewFlattener(b, 0)

	out, diag := f.FlattenPath([]graph.Member{{Kind: graph.KindCapability, ID: "cap"}})

	require.Equal(t, 0, diag.CyclesBroken)
	require.Equal(t, 0, diag.DepthExceeded)
	require.Equal(t, []graph.Member{
		{Kind: graph.KindCapability, ID: "cap"},
		{Kind: graph.KindTool, ID: "t1"},
		{Kind: graph.KindTool, ID: "t2"},
	}, out)
}

func TestFlattenPathUnregisteredCapabilityKeptAsIs(t *testing.T) {
	b := graph.New(2)
	f := hypergraph.NewFlattener(b, 0)

	out, diag := f.FlattenPath([]graph.Member{{Kind: graph.KindCapability, ID: "ghost"}})

	require.Equal(t, []graph.Member{{Kind: graph.KindCapability, ID: "ghost"}}, out)
	require.Equal(t, 0, diag.CyclesBroken)
	require.Equal(t, 0, diag.DepthExceeded)
}

func TestFlattenPathBreaksCycles(t *testing.T) {
	b := graph.New(2)
	ctx := context.Background()
	require.NoError(t, b.RegisterCapability(ctx, graph.CapabilitySpec{
		ID:        "a",
		Embedding: []float64{1, 0},
		Members:   []graph.Member{{Kind: graph.KindCapability, ID: "b"}},
	}))
	require.NoError(t, b.RegisterCapability(ctx, graph.CapabilitySpec{
		ID:        "b",
		Embedding: []float64{0, 1},
		Members:   []graph.Member{{Kind: graph.KindCapability, ID: "a"}},
	}))
	f := hypergraph.NewFlattener(b, 0)

	out, diag := f.FlattenPath([]graph.Member{{Kind: graph.KindCapability, ID: "a"}})

	require.Equal(t, 1, diag.CyclesBroken)
	require.Equal(t, []graph.Member{
		{Kind: graph.KindCapability, ID: "a"},
		{Kind: graph.KindCapability, ID: "b"},
		{Kind: graph.KindCapability, ID: "a"},
	}, out)
}

func TestFlattenPathRespectsDepthGuard(t *testing.T) {
	b := graph.New(2)
	ctx := context.Background()
	// Build a chain cap0 -> cap1 -> cap2 -> ... deeper than maxDepth.
	const chainLen = 5
	for i := 0; i < chainLen; i++ {
		members := []graph.Member{{Kind: graph.KindTool, ID: "t1"}}
		if i > 0 {
			members = []graph.Member{{Kind: graph.KindCapability, ID: idFor(i - 1)}}
		}
		require.NoError(t, b.RegisterCapability(ctx, graph.CapabilitySpec{
			ID:        idFor(i),
			Embedding: []float64{1, 0},
			Members:   members,
		}))
	}
	require.NoError(t, b.RegisterTool(ctx, graph.ToolSpec{ID: "t1", Embedding: []float64{1, 0}}))

	f := hypergraph.NewFlattener(b, 2)
	_, diag := f.FlattenPath([]graph.Member{{Kind: graph.KindCapability, ID: idFor(chainLen - 1)}})

	require.Greater(t, diag.DepthExceeded, 0)
}

func idFor(i int) string {
	return "cap" + string(rune('0'+i))
}
