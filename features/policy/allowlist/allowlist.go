// Package allowlist provides a simple capability-id allow/block filter that
// satisfies orchestrator.PolicyFilter. It covers the common case where teams
// want lightweight suggestion filtering without building a bespoke policy
// service.
package allowlist

import "strings"

// Options configures the allow/block engine.
type Options struct {
	// AllowIDs restricts suggestions to these exact capability ids. Empty means no allowlist.
	AllowIDs []string
	// AllowPrefixes restricts suggestions to capability ids sharing one of these prefixes.
	AllowPrefixes []string
	// BlockIDs excludes these exact capability ids. Takes precedence over allow rules.
	BlockIDs []string
	// BlockPrefixes excludes capability ids sharing any of these prefixes.
	BlockPrefixes []string
}

// Engine filters capability ids by exact id or prefix.
type Engine struct {
	allowIDs      map[string]struct{}
	allowPrefixes []string
	blockIDs      map[string]struct{}
	blockPrefixes []string
}

// New builds an Engine from Options.
func New(opts Options) *Engine {
	e := &Engine{
		allowIDs: make(map[string]struct{}, len(opts.AllowIDs)),
		blockIDs: make(map[string]struct{}, len(opts.BlockIDs)),
	}
	for _, id := range opts.AllowIDs {
		e.allowIDs[id] = struct{}{}
	}
	for _, id := range opts.BlockIDs {
		e.blockIDs[id] = struct{}{}
	}
	e.allowPrefixes = append(e.allowPrefixes, opts.AllowPrefixes...)
	e.blockPrefixes = append(e.blockPrefixes, opts.BlockPrefixes...)
	return e
}

// Allow reports whether capabilityID passes the configured allow/block rules.
// It is assignable directly to orchestrator.PolicyFilter.
func (e *Engine) Allow(capabilityID string) bool {
	if _, blocked := e.blockIDs[capabilityID]; blocked {
		return false
	}
	for _, prefix := range e.blockPrefixes {
		if strings.HasPrefix(capabilityID, prefix) {
			return false
		}
	}

	hasAllowRules := len(e.allowIDs) > 0 || len(e.allowPrefixes) > 0
	if !hasAllowRules {
		return true
	}
	if _, ok := e.allowIDs[capabilityID]; ok {
		return true
	}
	for _, prefix := range e.allowPrefixes {
		if strings.HasPrefix(capabilityID, prefix) {
			return true
		}
	}
	return false
}
