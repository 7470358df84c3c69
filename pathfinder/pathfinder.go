// Package pathfinder implements the directed-hypergraph shortest-path
// planner (DR-DSP): given a source and target tool, it finds the
// lowest-weight walk through tools and capabilities that connects them,
// expanding each capability hyperedge as the union of its unit edges to its
// members and charging the capability's node weight once on first entry.
package pathfinder

import (
	"container/heap"
	"math"

	"goa.design/procmem/graph"
	"goa.design/procmem/vecmath"
)

// Epsilon keeps node-weight logs finite for a zero success rate.
const Epsilon = 1e-6

// ToleranceWeight is the tie-break tolerance used when comparing cumulative
// path weights: within this tolerance, shorter paths win, and within a
// further tie, capability nodes are preferred over tool nodes.
const ToleranceWeight = 1e-6

// Result is the outcome of find_shortest_hyperpath.
type Result struct {
	Found        bool
	NodeSequence []graph.Member
	Hyperedges   []string
	TotalWeight  float64
}

// Finder computes DR-DSP hyperpaths over a graph.Builder.
type Finder struct {
	graph *graph.Builder
}

// New constructs a Finder backed by b.
func New(b *graph.Builder) *Finder {
	return &Finder{graph: b}
}

type nodeKey struct {
	kind graph.MemberKind
	id   string
}

type searchState struct {
	weight    float64
	depth     int
	key       nodeKey
	prevKey   nodeKey
	hasPrev   bool
	viaCap    string
	enteredBy string
}

// pqItem is one entry in the priority queue: a candidate (weight, depth,
// node) triple used to relax the frontier.
type pqItem struct {
	key      nodeKey
	weight   float64
	depth    int
	fromCap  string
	prevKey  nodeKey
	hasPrev  bool
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if math.Abs(a.weight-b.weight) > ToleranceWeight {
		return a.weight < b.weight
	}
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	aIsCap := a.key.kind == graph.KindCapability
	bIsCap := b.key.kind == graph.KindCapability
	if aIsCap != bIsCap {
		return aIsCap
	}
	return false
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)   { *pq = append(*pq, x.(*pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

func nodeWeight(b *graph.Builder, key nodeKey) float64 {
	if key.kind == graph.KindTool {
		return 0
	}
	cap, ok := b.GetCapability(key.id)
	if !ok {
		return 0
	}
	return -math.Log(cap.SuccessRate + Epsilon)
}

func embeddingOf(b *graph.Builder, key nodeKey) ([]float64, bool) {
	if key.kind == graph.KindTool {
		t, ok := b.GetTool(key.id)
		if !ok {
			return nil, false
		}
		return t.Embedding, true
	}
	c, ok := b.GetCapability(key.id)
	if !ok {
		return nil, false
	}
	return c.Embedding, true
}

func edgeWeight(b *graph.Builder, from, to nodeKey) float64 {
	fv, ok1 := embeddingOf(b, from)
	tv, ok2 := embeddingOf(b, to)
	if !ok1 || !ok2 {
		return 1.0
	}
	sim := vecmath.CosineSimilarity(fv, tv)
	return vecmath.Clip(1-sim, 0, 1)
}

// neighbors returns the outgoing unit edges from key: each capability that
// lists key among its members (member -> capability edges, paid the
// capability's node weight on first entry), every other member of such a
// capability (direct sibling edges that bypass the capability node), plus,
// for a capability node itself, an edge to each of its own members.
func (f *Finder) neighbors(key nodeKey) []nodeKey {
	var out []nodeKey
	if key.kind == graph.KindCapability {
		cap, ok := f.graph.GetCapability(key.id)
		if ok {
			for _, m := range cap.Members {
				out = append(out, nodeKey{kind: m.Kind, id: m.ID})
			}
		}
	}
	for _, cap := range f.graph.GetCapabilityNodes() {
		for _, m := range cap.Members {
			if m.Kind == key.kind && m.ID == key.id {
				out = append(out, nodeKey{kind: graph.KindCapability, id: cap.ID})
				for _, sibling := range cap.Members {
					sk := nodeKey{kind: sibling.Kind, id: sibling.ID}
					if sk != key {
						out = append(out, sk)
					}
				}
			}
		}
	}
	return out
}

// FindShortestHyperpath finds the lowest-weight hyperpath from source to
// target, both tool ids. found=false is returned, not an error, when the
// frontier empties without reaching target.
func (f *Finder) FindShortestHyperpath(source, target string) Result {
	if source == target {
		return Result{Found: true, NodeSequence: []graph.Member{{Kind: graph.KindTool, ID: source}}, TotalWeight: 0}
	}
	if _, ok := f.graph.GetTool(source); !ok {
		return Result{Found: false, TotalWeight: math.Inf(1)}
	}
	if _, ok := f.graph.GetTool(target); !ok {
		return Result{Found: false, TotalWeight: math.Inf(1)}
	}

	startKey := nodeKey{kind: graph.KindTool, id: source}
	targetKey := nodeKey{kind: graph.KindTool, id: target}

	best := make(map[nodeKey]float64)
	prev := make(map[nodeKey]nodeKey)
	hasPrev := make(map[nodeKey]bool)
	viaCap := make(map[nodeKey]string)
	entered := make(map[nodeKey]bool)

	pq := &priorityQueue{}
	heap.Init(pq)
	heap.Push(pq, &pqItem{key: startKey, weight: 0, depth: 0})
	best[startKey] = 0

	for pq.Len() > 0 {
		item := heap.Pop(pq).(*pqItem)
		if w, ok := best[item.key]; ok && item.weight > w+ToleranceWeight {
			continue
		}
		if item.hasPrev {
			prev[item.key] = item.prevKey
			hasPrev[item.key] = true
			viaCap[item.key] = item.fromCap
		}

		if item.key == targetKey {
			return buildResult(f.graph, prev, hasPrev, viaCap, targetKey, item.weight)
		}

		for _, next := range f.neighbors(item.key) {
			w := item.weight + edgeWeight(f.graph, item.key, next)
			viaCapID := ""
			if next.kind == graph.KindCapability {
				viaCapID = next.id
				if !entered[next] {
					w += nodeWeight(f.graph, next)
				}
			}
			if cur, ok := best[next]; !ok || w < cur-ToleranceWeight {
				best[next] = w
				if next.kind == graph.KindCapability {
					entered[next] = true
				}
				heap.Push(pq, &pqItem{
					key: next, weight: w, depth: item.depth + 1,
					fromCap: viaCapID, prevKey: item.key, hasPrev: true,
				})
			}
		}
	}

	return Result{Found: false, TotalWeight: math.Inf(1)}
}

func buildResult(b *graph.Builder, prev map[nodeKey]nodeKey, hasPrev map[nodeKey]bool, viaCap map[nodeKey]string, target nodeKey, totalWeight float64) Result {
	var seqKeys []nodeKey
	cur := target
	for {
		seqKeys = append([]nodeKey{cur}, seqKeys...)
		if !hasPrev[cur] {
			break
		}
		cur = prev[cur]
	}

	var nodeSeq []graph.Member
	var edges []string
	seenEdges := make(map[string]bool)
	for i, k := range seqKeys {
		nodeSeq = append(nodeSeq, graph.Member{Kind: k.kind, ID: k.id})
		if i > 0 {
			if cap := viaCap[k]; cap != "" && !seenEdges[cap] {
				edges = append(edges, cap)
				seenEdges[cap] = true
			}
		}
	}
	return Result{Found: true, NodeSequence: nodeSeq, Hyperedges: edges, TotalWeight: totalWeight}
}
