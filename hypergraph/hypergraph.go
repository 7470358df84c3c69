// Package hypergraph derives the directed hyperedge view over capability
// nodes and flattens executed paths into the linear member sequences the
// replay pipeline and the scorer operate on.
package hypergraph

import (
	"goa.design/procmem/graph"
)

// DefaultMaxDepth bounds the recursion depth of path flattening. A
// capability whose member chain nests deeper than this is treated as
// exhausted: remaining members are left unexpanded and the diagnostic
// counter is incremented.
const DefaultMaxDepth = 20

// Hyperedge is the derived directed-hyperedge view of a capability: the
// capability is the tail, its ordered members are the heads.
type Hyperedge struct {
	CapabilityID string
	Members      []graph.Member
}

// EdgeView derives the hyperedge for every registered capability in b.
func EdgeView(b *graph.Builder) []Hyperedge {
	caps := b.GetCapabilityNodes()
	out := make([]Hyperedge, 0, len(caps))
	for _, c := range caps {
		out = append(out, Hyperedge{CapabilityID: c.ID, Members: c.Members})
	}
	return out
}

// Diagnostics counts abnormal conditions encountered while flattening.
type Diagnostics struct {
	CyclesBroken  int
	DepthExceeded int
}

// Flattener expands capability member references into a linear sequence of
// leaf-and-capability occurrences, using the graph builder as the source of
// each capability's current member list.
type Flattener struct {
	graph    *graph.Builder
	maxDepth int
}

// NewFlattener constructs a Flattener backed by b. maxDepth <= 0 selects
// DefaultMaxDepth.
func NewFlattener(b *graph.Builder, maxDepth int) *Flattener {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Flattener{graph: b, maxDepth: maxDepth}
}

// FlattenPath expands path by recursively inlining each capability member's
// own members immediately after its id, left to right. Tool members never
// expand. A capability not present in the graph (no registered members) is
// kept as-is. Cycles are broken by refusing to re-enter a capability id
// already on the current expansion stack; DepthExceeded also stops
// expansion once maxDepth nested capability hops have been taken.
//
// The capability id itself is always preserved in the output — it is
// inlined, followed by the flattened expansion of its members — so the
// flattened path remains a superset walk of the original occurrences.
func (f *Flattener) FlattenPath(path []graph.Member) ([]graph.Member, Diagnostics) {
	var diag Diagnostics
	stack := make(map[string]bool)
	out := make([]graph.Member, 0, len(path))
	for _, m := range path {
		out = append(out, f.expand(m, stack, 0, &diag)...)
	}
	return out, diag
}

func (f *Flattener) expand(m graph.Member, stack map[string]bool, depth int, diag *Diagnostics) []graph.Member {
	if m.Kind != graph.KindCapability {
		return []graph.Member{m}
	}
	if stack[m.ID] {
		diag.CyclesBroken++
		return []graph.Member{m}
	}
	if depth >= f.maxDepth {
		diag.DepthExceeded++
		return []graph.Member{m}
	}
	cap, ok := f.graph.GetCapability(m.ID)
	if !ok || len(cap.Members) == 0 {
		return []graph.Member{m}
	}

	stack[m.ID] = true
	defer delete(stack, m.ID)

	out := make([]graph.Member, 0, len(cap.Members)+1)
	out = append(out, m)
	for _, child := range cap.Members {
		out = append(out, f.expand(child, stack, depth+1, diag)...)
	}
	return out
}
