// Package provider holds the LLM provider clients and the tier catalog.
// Each provider maps the abstract tiers T0..T3 onto concrete models; the
// executor only ever speaks in tiers.
package provider

import (
	"context"
	"time"
)

// Budget caps one generation call.
type Budget struct {
	MaxTokens int
	MaxWall   time.Duration
}

// Result is one completed generation.
type Result struct {
	Text         string
	TokensIn     int64
	TokensOut    int64
	FinishReason string
	CostUSD      float64
	Latency      time.Duration
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, tier Tier, system, prompt string, budget Budget) (*Result, error)
}

// Registry holds the configured providers in preference order.
type Registry struct {
	providers []Provider
	byName    map[string]Provider
}

// NewRegistry builds a registry; order is preference order.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byName: make(map[string]Provider)}
	for _, p := range providers {
		r.providers = append(r.providers, p)
		r.byName[p.Name()] = p
	}
	return r
}

// Get returns a provider by name, nil if unknown.
func (r *Registry) Get(name string) Provider { return r.byName[name] }

// Preference returns provider names in preference order, the given name
// first when present. The router hands this list to the executor for
// fallback routing.
func (r *Registry) Preference(first string) []string {
	out := make([]string, 0, len(r.providers))
	if _, ok := r.byName[first]; ok {
		out = append(out, first)
	}
	for _, p := range r.providers {
		if p.Name() != first {
			out = append(out, p.Name())
		}
	}
	return out
}

// Names returns all configured provider names in preference order.
func (r *Registry) Names() []string { return r.Preference("") }
