// Package governor hands out reservation-style permits for external work.
// Every LLM and VCS call acquires a permit first; the permit covers a
// concurrency slot, a request-rate token, a token-per-minute window
// reservation, and the tenant budget.
package governor

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"capsmith/internal/faults"
	"capsmith/internal/logging"
	"capsmith/internal/metrics"
	"capsmith/internal/store"

	"golang.org/x/sync/semaphore"
)

const (
	// aimdDecrease halves the effective rate on a throttle signal.
	aimdDecrease = 0.5
	// successWindow is the additive-restore interval: one clean window adds
	// one rps back.
	successWindow = time.Second
	// pollInterval bounds how long a waiter sleeps before re-checking the
	// admission queue.
	pollInterval = 50 * time.Millisecond
)

// Limits are the per-provider admission limits.
type Limits struct {
	RPS            int
	TPM            int
	Concurrent     int
	CostPerMTokUSD float64
}

// Config configures the governor.
type Config struct {
	RPSFloor        int
	QueueWatermark  int
	TenantBudgetUSD float64 // 0 = unlimited
	Defaults        Limits
	Providers       map[string]Limits
}

// Usage is the observed consumption reported at release time.
type Usage struct {
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
	Throttled bool
}

// Permit is an admission grant. It must be released exactly once.
type Permit struct {
	Provider string
	Tenant   string
	estimate int64
	entry    *tpmEntry
	acquired time.Time
	released bool
}

type tpmEntry struct {
	at     time.Time
	tokens int64
}

type waiter struct {
	tenant string
	tokens int64
	ready  chan *Permit
	elem   *list.Element
}

// lane is the per-(provider, tenant) admission state: a token bucket for
// rps, a sliding one-minute token sum, and a FIFO of waiters.
type lane struct {
	tenant string

	bucket     float64
	lastRefill time.Time
	effRPS     float64
	limitRPS   float64

	tpm      []*tpmEntry
	tpmLimit int64

	waiters *list.List

	windowStart     time.Time
	windowSuccesses int
	windowThrottles int
}

type budgetState struct {
	tokensUsed int64
	costUSD    float64
}

// Governor is the process-wide admission controller.
type Governor struct {
	cfg   Config
	store *store.Store // nil disables budget persistence

	mu     sync.Mutex
	lanes  map[string]map[string]*lane // provider -> tenant -> lane
	rr     map[string]int              // provider -> round-robin cursor
	order  map[string][]string         // provider -> tenant order
	sems   map[string]*semaphore.Weighted
	queued map[string]int

	budgets map[string]map[string]*budgetState // tenant -> provider
}

// New builds a governor and warms tenant budgets from the store.
func New(cfg Config, st *store.Store) (*Governor, error) {
	if cfg.RPSFloor < 1 {
		cfg.RPSFloor = 1
	}
	g := &Governor{
		cfg:     cfg,
		store:   st,
		lanes:   make(map[string]map[string]*lane),
		rr:      make(map[string]int),
		order:   make(map[string][]string),
		sems:    make(map[string]*semaphore.Weighted),
		queued:  make(map[string]int),
		budgets: make(map[string]map[string]*budgetState),
	}
	if st != nil {
		snaps, err := st.LoadBudgets()
		if err != nil {
			return nil, fmt.Errorf("governor: warm budgets: %w", err)
		}
		for _, b := range snaps {
			g.budget(b.Tenant, b.Provider).tokensUsed = b.TokensUsed
			g.budget(b.Tenant, b.Provider).costUSD = b.CostUSD
		}
		logging.Governor("warmed %d tenant budget snapshots", len(snaps))
	}
	return g, nil
}

func (g *Governor) limitsFor(provider string) Limits {
	if l, ok := g.cfg.Providers[provider]; ok {
		return l
	}
	return g.cfg.Defaults
}

func (g *Governor) sem(provider string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sems[provider]; ok {
		return s
	}
	n := g.limitsFor(provider).Concurrent
	if n < 1 {
		n = 1
	}
	s := semaphore.NewWeighted(int64(n))
	g.sems[provider] = s
	return s
}

// lane returns (creating if needed) the admission lane. Caller holds g.mu.
func (g *Governor) lane(provider, tenant string) *lane {
	byTenant, ok := g.lanes[provider]
	if !ok {
		byTenant = make(map[string]*lane)
		g.lanes[provider] = byTenant
	}
	ln, ok := byTenant[tenant]
	if !ok {
		lim := g.limitsFor(provider)
		rps := float64(lim.RPS)
		if rps < 1 {
			rps = 1
		}
		ln = &lane{
			tenant:      tenant,
			bucket:      rps,
			lastRefill:  time.Now(),
			effRPS:      rps,
			limitRPS:    rps,
			tpmLimit:    int64(lim.TPM),
			waiters:     list.New(),
			windowStart: time.Now(),
		}
		byTenant[tenant] = ln
		g.order[provider] = append(g.order[provider], tenant)
	}
	return ln
}

func (g *Governor) budget(tenant, provider string) *budgetState {
	byProvider, ok := g.budgets[tenant]
	if !ok {
		byProvider = make(map[string]*budgetState)
		g.budgets[tenant] = byProvider
	}
	b, ok := byProvider[provider]
	if !ok {
		b = &budgetState{}
		byProvider[provider] = b
	}
	return b
}

func (ln *lane) refill(now time.Time) {
	elapsed := now.Sub(ln.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	ln.bucket += elapsed * ln.effRPS
	burst := ln.effRPS
	if burst < 1 {
		burst = 1
	}
	if ln.bucket > burst {
		ln.bucket = burst
	}
	ln.lastRefill = now
}

func (ln *lane) tpmUsed(now time.Time) int64 {
	cutoff := now.Add(-time.Minute)
	kept := ln.tpm[:0]
	var sum int64
	for _, e := range ln.tpm {
		if e.at.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
		sum += e.tokens
	}
	ln.tpm = kept
	return sum
}

func (ln *lane) admissible(now time.Time, tokens int64) bool {
	ln.refill(now)
	if ln.bucket < 1 {
		return false
	}
	if ln.tpmLimit > 0 && ln.tpmUsed(now)+tokens > ln.tpmLimit {
		return false
	}
	return true
}

// consume reserves a request slot and the token estimate. Caller holds g.mu
// and has verified admissibility.
func (ln *lane) consume(now time.Time, provider, tenant string, tokens int64) *Permit {
	ln.bucket--
	entry := &tpmEntry{at: now, tokens: tokens}
	ln.tpm = append(ln.tpm, entry)
	return &Permit{
		Provider: provider,
		Tenant:   tenant,
		estimate: tokens,
		entry:    entry,
		acquired: now,
	}
}

// rollWindow applies additive restore: each clean one-second window with at
// least one success and no throttles adds one rps back, up to the configured
// limit.
func (ln *lane) rollWindow(now time.Time) {
	if now.Sub(ln.windowStart) < successWindow {
		return
	}
	if ln.windowThrottles == 0 && ln.windowSuccesses > 0 && ln.effRPS < ln.limitRPS {
		ln.effRPS++
		if ln.effRPS > ln.limitRPS {
			ln.effRPS = ln.limitRPS
		}
	}
	ln.windowStart = now
	ln.windowSuccesses = 0
	ln.windowThrottles = 0
}

// Acquire blocks until a permit is available or ctx expires. Denials that
// cannot ever succeed (estimate exceeds the minute window, budget already
// spent) fail fast.
func (g *Governor) Acquire(ctx context.Context, provider, tenant string, tokensEstimate int64) (*Permit, error) {
	start := time.Now()
	lim := g.limitsFor(provider)

	if lim.TPM > 0 && tokensEstimate > int64(lim.TPM) {
		metrics.PermitDenied.WithLabelValues(provider, "tokens_exceed_window").Inc()
		return nil, faults.Newf(faults.Permanent, "governor.acquire",
			"token estimate %d exceeds per-minute limit %d for %s", tokensEstimate, lim.TPM, provider)
	}
	if err := g.checkBudget(provider, tenant, tokensEstimate); err != nil {
		metrics.PermitDenied.WithLabelValues(provider, "budget").Inc()
		return nil, err
	}

	g.mu.Lock()
	if g.cfg.QueueWatermark > 0 && g.queued[provider] >= g.cfg.QueueWatermark {
		g.mu.Unlock()
		metrics.PermitDenied.WithLabelValues(provider, "queue_full").Inc()
		return nil, faults.Newf(faults.Transient, "governor.acquire",
			"admission queue for %s at watermark %d", provider, g.cfg.QueueWatermark)
	}
	g.mu.Unlock()

	// Concurrency slot first. The semaphore queue is FIFO per provider.
	if err := g.sem(provider).Acquire(ctx, 1); err != nil {
		metrics.PermitDenied.WithLabelValues(provider, "busy").Inc()
		return nil, faults.New(faults.Transient, "governor.acquire", errors.New("busy: no concurrency slot before deadline"))
	}

	g.mu.Lock()
	ln := g.lane(provider, tenant)
	now := time.Now()
	if ln.waiters.Len() == 0 && g.lanesIdle(provider, tenant) && ln.admissible(now, tokensEstimate) {
		p := ln.consume(now, provider, tenant, tokensEstimate)
		g.mu.Unlock()
		g.granted(p, start)
		return p, nil
	}

	w := &waiter{tenant: tenant, tokens: tokensEstimate, ready: make(chan *Permit, 1)}
	w.elem = ln.waiters.PushBack(w)
	g.queued[provider]++
	g.mu.Unlock()

	for {
		select {
		case p := <-w.ready:
			g.granted(p, start)
			return p, nil
		case <-ctx.Done():
			g.mu.Lock()
			if w.elem != nil {
				ln.waiters.Remove(w.elem)
				w.elem = nil
				g.queued[provider]--
			}
			g.mu.Unlock()
			// A dispatch may have raced the cancellation; hand the permit back.
			select {
			case p := <-w.ready:
				g.Release(p, Usage{})
			default:
			}
			metrics.PermitDenied.WithLabelValues(provider, "busy").Inc()
			g.sem(provider).Release(1)
			return nil, faults.New(faults.Transient, "governor.acquire", errors.New("busy: no permit before deadline"))
		case <-time.After(pollInterval):
			g.mu.Lock()
			g.dispatch(provider)
			g.mu.Unlock()
		}
	}
}

// lanesIdle reports whether no other tenant lane for this provider has
// waiters, which lets a fresh caller bypass the queue. Caller holds g.mu.
func (g *Governor) lanesIdle(provider, tenant string) bool {
	for t, ln := range g.lanes[provider] {
		if t == tenant {
			continue
		}
		if ln.waiters.Len() > 0 {
			return false
		}
	}
	return true
}

// dispatch admits waiting callers in tenant round-robin order, FIFO within
// each tenant lane. Caller holds g.mu.
func (g *Governor) dispatch(provider string) {
	order := g.order[provider]
	if len(order) == 0 {
		return
	}
	now := time.Now()
	admitted := true
	for admitted {
		admitted = false
		for i := 0; i < len(order); i++ {
			cursor := (g.rr[provider] + i) % len(order)
			ln := g.lanes[provider][order[cursor]]
			front := ln.waiters.Front()
			if front == nil {
				continue
			}
			w := front.Value.(*waiter)
			if !ln.admissible(now, w.tokens) {
				continue
			}
			ln.waiters.Remove(front)
			w.elem = nil
			g.queued[provider]--
			g.rr[provider] = (cursor + 1) % len(order)
			w.ready <- ln.consume(now, provider, ln.tenant, w.tokens)
			admitted = true
		}
	}
}

func (g *Governor) granted(p *Permit, waitedSince time.Time) {
	metrics.PermitsInFlight.WithLabelValues(p.Provider).Inc()
	metrics.PermitWaitSeconds.WithLabelValues(p.Provider).Observe(time.Since(waitedSince).Seconds())
	logging.GovernorDebug("permit granted provider=%s tenant=%s estimate=%d wait=%v",
		p.Provider, p.Tenant, p.estimate, time.Since(waitedSince))
}

func (g *Governor) checkBudget(provider, tenant string, tokensEstimate int64) error {
	if g.cfg.TenantBudgetUSD <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var spent float64
	for _, b := range g.budgets[tenant] {
		spent += b.costUSD
	}
	rate := g.limitsFor(provider).CostPerMTokUSD
	estCost := float64(tokensEstimate) / 1e6 * rate
	if spent+estCost > g.cfg.TenantBudgetUSD {
		return faults.Newf(faults.BudgetExceeded, "governor.acquire",
			"tenant %s budget exhausted: spent $%.4f of $%.2f", tenant, spent, g.cfg.TenantBudgetUSD)
	}
	return nil
}

// Release returns the permit and records observed usage. A throttle signal
// multiplicatively decreases the lane's effective rate; clean windows restore
// it additively.
func (g *Governor) Release(p *Permit, u Usage) {
	if p == nil || p.released {
		return
	}
	p.released = true

	g.mu.Lock()
	ln := g.lane(p.Provider, p.Tenant)
	now := time.Now()

	// Replace the estimate with observed usage so the sliding window tracks
	// reality.
	actual := u.TokensIn + u.TokensOut
	if actual > 0 {
		p.entry.tokens = actual
	}

	if u.Throttled {
		ln.windowThrottles++
		ln.effRPS *= aimdDecrease
		if ln.effRPS < float64(g.cfg.RPSFloor) {
			ln.effRPS = float64(g.cfg.RPSFloor)
		}
		logging.Governor("throttle from %s: effective rps for tenant %s now %.1f", p.Provider, p.Tenant, ln.effRPS)
	} else {
		ln.windowSuccesses++
	}
	ln.rollWindow(now)
	metrics.EffectiveRPS.WithLabelValues(p.Provider, p.Tenant).Set(ln.effRPS)

	b := g.budget(p.Tenant, p.Provider)
	b.tokensUsed += actual
	b.costUSD += u.CostUSD
	snap := store.BudgetSnapshot{
		Tenant: p.Tenant, Provider: p.Provider,
		TokensUsed: b.tokensUsed, CostUSD: b.costUSD,
	}
	g.dispatch(p.Provider)
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.SaveBudget(snap); err != nil {
			logging.Get(logging.CategoryGovernor).Warn("budget snapshot failed: %v", err)
		}
	}

	g.sem(p.Provider).Release(1)
	metrics.PermitsInFlight.WithLabelValues(p.Provider).Dec()
	logging.GovernorDebug("permit released provider=%s tenant=%s tokens=%d cost=$%.4f throttled=%v",
		p.Provider, p.Tenant, actual, u.CostUSD, u.Throttled)
}

// QueueDepth reports waiters queued for a provider. Admission rejects new
// waiters once this reaches the configured watermark.
func (g *Governor) QueueDepth(provider string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queued[provider]
}

// EffectiveRPS reports the current adaptive rate for a lane.
func (g *Governor) EffectiveRPS(provider, tenant string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lane(provider, tenant).effRPS
}

// TenantSpendUSD reports the cumulative cost across providers.
func (g *Governor) TenantSpendUSD(tenant string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var spent float64
	for _, b := range g.budgets[tenant] {
		spent += b.costUSD
	}
	return spent
}
