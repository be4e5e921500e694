// Package router maps tasks onto agent tiers. Routing is a pure function
// of the task, the request, and the recorded attempt history; the router
// itself never dispatches anything.
package router

import (
	"sync"

	"capsmith/internal/graph"
	"capsmith/internal/logging"
	"capsmith/internal/provider"
)

// historyWindow is how many recent attempts per (kind, tier) feed the
// empirical success rate.
const historyWindow = 20

// minSamples is the attempt count below which the empirical bump stays
// inactive.
const minSamples = 5

// bumpThreshold upgrades a tier whose recent success rate falls below it.
const bumpThreshold = 0.7

// History records task attempt outcomes per (kind, tier).
type History struct {
	mu      sync.Mutex
	records map[historyKey][]bool
}

type historyKey struct {
	kind graph.Kind
	tier provider.Tier
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{records: make(map[historyKey][]bool)}
}

// Record appends one attempt outcome, keeping the last historyWindow.
func (h *History) Record(kind graph.Kind, tier provider.Tier, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := historyKey{kind, tier}
	recs := append(h.records[k], success)
	if len(recs) > historyWindow {
		recs = recs[len(recs)-historyWindow:]
	}
	h.records[k] = recs
}

// SuccessRate returns the recent success rate and sample count.
func (h *History) SuccessRate(kind graph.Kind, tier provider.Tier) (float64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	recs := h.records[historyKey{kind, tier}]
	if len(recs) == 0 {
		return 1, 0
	}
	ok := 0
	for _, s := range recs {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(recs)), len(recs)
}

// Decision is the routing outcome: the tier plus the provider preference
// list for fallback routing.
type Decision struct {
	Tier      provider.Tier
	Providers []string
}

// Router selects tiers.
type Router struct {
	history  *History
	registry *provider.Registry
}

// New creates a router.
func New(history *History, registry *provider.Registry) *Router {
	if history == nil {
		history = NewHistory()
	}
	return &Router{history: history, registry: registry}
}

// History exposes the attempt history for the executor to record into.
func (r *Router) History() *History { return r.history }

// Route picks a tier. Precedence: task tier_hint, then the request's
// tier_override, then the empirical bump over the default mapping.
// priorFailures counts failed attempts of this task; a complex task that
// already failed at T2 moves to T3.
func (r *Router) Route(task *graph.Task, req *graph.Request, priorFailures int) Decision {
	tier, source := r.pick(task, req, priorFailures)
	d := Decision{Tier: tier, Providers: r.registry.Names()}
	logging.RouterDebug("task %s (%s/%s) -> %s via %s", task.ID, task.Kind, task.Complexity, tier, source)
	return d
}

func (r *Router) pick(task *graph.Task, req *graph.Request, priorFailures int) (provider.Tier, string) {
	if task.TierHint != "" {
		if t, err := provider.ParseTier(task.TierHint); err == nil {
			return t, "tier_hint"
		}
		logging.Router("task %s has invalid tier_hint %q, ignoring", task.ID, task.TierHint)
	}
	if override := req.Metadata["tier_override"]; override != "" {
		if t, err := provider.ParseTier(override); err == nil {
			return t, "tier_override"
		}
		logging.Router("request %s has invalid tier_override %q, ignoring", req.ID, override)
	}

	tier := defaultTier(task.Complexity, priorFailures)
	if rate, n := r.history.SuccessRate(task.Kind, tier); n >= minSamples && rate < bumpThreshold {
		return tier.Upgrade(), "empirical_bump"
	}
	return tier, "default"
}

func defaultTier(c graph.Complexity, priorFailures int) provider.Tier {
	switch c {
	case graph.Trivial:
		return provider.T0
	case graph.Simple:
		return provider.T1
	case graph.Medium:
		return provider.T2
	case graph.Complex:
		if priorFailures > 0 {
			return provider.T3
		}
		return provider.T2
	case graph.VeryComplex:
		return provider.T3
	}
	return provider.T1
}
