// Package graph is the node catalog for the procedural memory engine: tools
// and capabilities, kept thread-safe under a single-writer/many-readers
// discipline so scoring never blocks on registration.
package graph

import (
	"context"
	"sync"
	"time"

	"goa.design/procmem/procerrors"
	"goa.design/procmem/vecmath"
)

// MemberKind distinguishes a hyperedge member that is itself a tool from one
// that is a sub-capability.
type MemberKind int

const (
	// KindTool references a leaf tool node.
	KindTool MemberKind = iota
	// KindCapability references a sub-capability node.
	KindCapability
)

// Member is one reference inside a capability's ordered member list.
type Member struct {
	Kind MemberKind
	ID   string
}

// Tool is a leaf node: a single invocable tool with a fixed-dimension
// embedding.
type Tool struct {
	ID        string
	Embedding []float64
	Server    string
	UpdatedAt time.Time
}

// Capability is a learned or declared grouping of tools and sub-capabilities.
// HierarchyLevel is 0 for leaf capabilities (members are tools only) and 1+
// for meta-capabilities.
type Capability struct {
	ID             string
	Embedding      []float64
	Members        []Member
	HierarchyLevel int
	SuccessRate    float64
	UsageCount     int64
	Children       []string
	Parents        []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ToolSpec is the input to RegisterTool.
type ToolSpec struct {
	ID        string
	Embedding []float64
	Server    string
}

// CapabilitySpec is the input to RegisterCapability.
type CapabilitySpec struct {
	ID             string
	Embedding      []float64
	Members        []Member
	HierarchyLevel int
	SuccessRate    *float64
	Children       []string
	Parents        []string
}

// Builder is the single-writer/many-readers node catalog. Reads take a read
// lock and never block other readers; writes take an exclusive lock.
type Builder struct {
	mu           sync.RWMutex
	dim          int
	tools        map[string]*Tool
	toolOrder    []string
	capabilities map[string]*Capability
	capOrder     []string
}

// New constructs an empty Builder for embeddings of the given dimension. A
// dim of 0 disables dimension validation (useful in tests).
func New(dim int) *Builder {
	return &Builder{
		dim:          dim,
		tools:        make(map[string]*Tool),
		capabilities: make(map[string]*Capability),
	}
}

func validateEmbedding(dim int, v []float64) error {
	if len(v) == 0 {
		return procerrors.New(procerrors.InvalidInput, "embedding must not be empty")
	}
	if dim > 0 && len(v) != dim {
		return procerrors.Newf(procerrors.InvalidInput, "embedding dimension %d does not match expected %d", len(v), dim)
	}
	if !vecmath.IsFinite(v) {
		return procerrors.New(procerrors.InvalidInput, "embedding contains non-finite values")
	}
	return nil
}

// RegisterTool registers or updates a tool node. Idempotent: re-registering
// the same id updates the embedding and server tag when changed.
func (b *Builder) RegisterTool(_ context.Context, spec ToolSpec) error {
	if spec.ID == "" {
		return procerrors.New(procerrors.InvalidInput, "tool id must not be empty")
	}
	if err := validateEmbedding(b.dim, spec.Embedding); err != nil {
		return err
	}
	embedding := make([]float64, len(spec.Embedding))
	copy(embedding, spec.Embedding)

	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	existing, ok := b.tools[spec.ID]
	if !ok {
		b.tools[spec.ID] = &Tool{ID: spec.ID, Embedding: embedding, Server: spec.Server, UpdatedAt: now}
		b.toolOrder = append(b.toolOrder, spec.ID)
		return nil
	}
	existing.Embedding = embedding
	existing.Server = spec.Server
	existing.UpdatedAt = now
	return nil
}

// RegisterCapability registers or updates a capability node. Idempotent:
// replacing Members rewrites the derived hyperedge for this capability.
// Members referencing a capability id are accepted even before that id is
// registered, allowing out-of-order batch imports. GetCapabilityNodes
// returns such a reference as registered; scoring skips a member reference
// that does not resolve to a registered node.
func (b *Builder) RegisterCapability(_ context.Context, spec CapabilitySpec) error {
	if spec.ID == "" {
		return procerrors.New(procerrors.InvalidInput, "capability id must not be empty")
	}
	if err := validateEmbedding(b.dim, spec.Embedding); err != nil {
		return err
	}
	embedding := make([]float64, len(spec.Embedding))
	copy(embedding, spec.Embedding)
	members := make([]Member, len(spec.Members))
	copy(members, spec.Members)

	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	existing, ok := b.capabilities[spec.ID]
	if !ok {
		successRate := 0.0
		if spec.SuccessRate != nil {
			successRate = vecmath.Clip(*spec.SuccessRate, 0, 1)
		}
		b.capabilities[spec.ID] = &Capability{
			ID:             spec.ID,
			Embedding:      embedding,
			Members:        members,
			HierarchyLevel: spec.HierarchyLevel,
			SuccessRate:    successRate,
			Children:       append([]string(nil), spec.Children...),
			Parents:        append([]string(nil), spec.Parents...),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		b.capOrder = append(b.capOrder, spec.ID)
		return nil
	}
	existing.Embedding = embedding
	existing.Members = members
	existing.HierarchyLevel = spec.HierarchyLevel
	if spec.SuccessRate != nil {
		existing.SuccessRate = vecmath.Clip(*spec.SuccessRate, 0, 1)
	}
	if spec.Children != nil {
		existing.Children = append([]string(nil), spec.Children...)
	}
	if spec.Parents != nil {
		existing.Parents = append([]string(nil), spec.Parents...)
	}
	existing.UpdatedAt = now
	return nil
}

// RecordUsage increments usage_count and folds a new outcome into
// success_rate via a simple incremental mean. usage_count is monotone
// non-decreasing; success_rate may rise or fall with new outcomes but always
// stays within [0,1].
func (b *Builder) RecordUsage(capabilityID string, success bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cap, ok := b.capabilities[capabilityID]
	if !ok {
		return procerrors.Newf(procerrors.InvalidInput, "unknown capability id %q", capabilityID)
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	cap.UsageCount++
	cap.SuccessRate += (outcome - cap.SuccessRate) / float64(cap.UsageCount)
	cap.SuccessRate = vecmath.Clip(cap.SuccessRate, 0, 1)
	cap.UpdatedAt = time.Now()
	return nil
}

// GetTool returns a defensive copy of the tool node, or false if unknown.
func (b *Builder) GetTool(id string) (Tool, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tools[id]
	if !ok {
		return Tool{}, false
	}
	return cloneTool(t), true
}

// GetCapability returns a defensive copy of the capability node, or false if
// unknown.
func (b *Builder) GetCapability(id string) (Capability, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.capabilities[id]
	if !ok {
		return Capability{}, false
	}
	return cloneCapability(c), true
}

// GetToolNodes returns all tool nodes in insertion order.
func (b *Builder) GetToolNodes() []Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Tool, 0, len(b.toolOrder))
	for _, id := range b.toolOrder {
		out = append(out, cloneTool(b.tools[id]))
	}
	return out
}

// GetCapabilityNodes returns all capability nodes in insertion order.
func (b *Builder) GetCapabilityNodes() []Capability {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Capability, 0, len(b.capOrder))
	for _, id := range b.capOrder {
		out = append(out, cloneCapability(b.capabilities[id]))
	}
	return out
}

// Embedding is one row of the combined embedding view used for negative
// mining: every tool and capability embedding, tagged by kind and id.
type Embedding struct {
	Kind MemberKind
	ID   string
	Vec  []float64
}

// GetAllEmbeddings returns the combined tool+capability embedding view used
// by the replay pipeline's negative mining step.
func (b *Builder) GetAllEmbeddings() []Embedding {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Embedding, 0, len(b.toolOrder)+len(b.capOrder))
	for _, id := range b.toolOrder {
		t := b.tools[id]
		out = append(out, Embedding{Kind: KindTool, ID: t.ID, Vec: cloneVec(t.Embedding)})
	}
	for _, id := range b.capOrder {
		c := b.capabilities[id]
		out = append(out, Embedding{Kind: KindCapability, ID: c.ID, Vec: cloneVec(c.Embedding)})
	}
	return out
}

func cloneVec(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

func cloneTool(t *Tool) Tool {
	return Tool{ID: t.ID, Embedding: cloneVec(t.Embedding), Server: t.Server, UpdatedAt: t.UpdatedAt}
}

func cloneCapability(c *Capability) Capability {
	return Capability{
		ID:             c.ID,
		Embedding:      cloneVec(c.Embedding),
		Members:        append([]Member(nil), c.Members...),
		HierarchyLevel: c.HierarchyLevel,
		SuccessRate:    c.SuccessRate,
		UsageCount:     c.UsageCount,
		Children:       append([]string(nil), c.Children...),
		Parents:        append([]string(nil), c.Parents...),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}
