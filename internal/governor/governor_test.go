package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"capsmith/internal/faults"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() Config {
	return Config{
		RPSFloor:       1,
		QueueWatermark: 1000,
		Defaults: Limits{
			RPS:            100,
			TPM:            10000,
			Concurrent:     4,
			CostPerMTokUSD: 3.0,
		},
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	g, err := New(testConfig(), nil)
	require.NoError(t, err)

	p, err := g.Acquire(context.Background(), "anthropic", "acme", 500)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "anthropic", p.Provider)

	g.Release(p, Usage{TokensIn: 300, TokensOut: 150, CostUSD: 0.01})
	// Double release is a no-op.
	g.Release(p, Usage{})
}

func TestConcurrencyLimitBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults.Concurrent = 1
	g, err := New(cfg, nil)
	require.NoError(t, err)

	p1, err := g.Acquire(context.Background(), "anthropic", "acme", 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "anthropic", "acme", 10)
	require.Error(t, err)
	assert.Equal(t, faults.Transient, faults.KindOf(err), "timeout waiting is busy, not denial")

	g.Release(p1, Usage{})

	p2, err := g.Acquire(context.Background(), "anthropic", "acme", 10)
	require.NoError(t, err)
	g.Release(p2, Usage{})
}

func TestEstimateBeyondWindowFailsFast(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults.TPM = 1000
	g, err := New(cfg, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = g.Acquire(context.Background(), "anthropic", "acme", 5000)
	require.Error(t, err)
	assert.Equal(t, faults.Permanent, faults.KindOf(err))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "impossible request must not block")
}

func TestThrottleHalvesEffectiveRate(t *testing.T) {
	g, err := New(testConfig(), nil)
	require.NoError(t, err)

	p, err := g.Acquire(context.Background(), "openai", "acme", 100)
	require.NoError(t, err)
	before := g.EffectiveRPS("openai", "acme")
	g.Release(p, Usage{TokensIn: 100, Throttled: true})

	after := g.EffectiveRPS("openai", "acme")
	assert.InDelta(t, before*0.5, after, 1e-9)

	// Repeated throttles never push below the floor.
	for i := 0; i < 8; i++ {
		p, err := g.Acquire(context.Background(), "openai", "acme", 10)
		require.NoError(t, err)
		g.Release(p, Usage{Throttled: true})
	}
	assert.GreaterOrEqual(t, g.EffectiveRPS("openai", "acme"), 1.0)
}

func TestBudgetDenialIsBudgetExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.TenantBudgetUSD = 0.05
	g, err := New(cfg, nil)
	require.NoError(t, err)

	p, err := g.Acquire(context.Background(), "anthropic", "acme", 100)
	require.NoError(t, err)
	g.Release(p, Usage{TokensIn: 100, CostUSD: 0.05})

	_, err = g.Acquire(context.Background(), "anthropic", "acme", 100)
	require.Error(t, err)
	assert.Equal(t, faults.BudgetExceeded, faults.KindOf(err))

	// A different tenant is unaffected.
	p2, err := g.Acquire(context.Background(), "anthropic", "globex", 100)
	require.NoError(t, err)
	g.Release(p2, Usage{})
}

func TestOutstandingPermitsNeverExceedLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults.Concurrent = 3
	g, err := New(cfg, nil)
	require.NoError(t, err)

	var permits []*Permit
	for i := 0; i < 3; i++ {
		p, err := g.Acquire(context.Background(), "anthropic", "acme", 10)
		require.NoError(t, err)
		permits = append(permits, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "anthropic", "acme", 10)
	require.Error(t, err, "fourth permit must not be granted")

	for _, p := range permits {
		g.Release(p, Usage{})
	}
}

func TestTenantsShareProviderFairly(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults.RPS = 2
	cfg.Defaults.Concurrent = 8
	g, err := New(cfg, nil)
	require.NoError(t, err)

	// Drain the bucket so both tenants have to queue.
	warm, err := g.Acquire(context.Background(), "anthropic", "acme", 10)
	require.NoError(t, err)
	warm2, err := g.Acquire(context.Background(), "anthropic", "acme", 10)
	require.NoError(t, err)

	results := make(chan string, 2)
	for _, tenant := range []string{"acme", "globex"} {
		tenant := tenant
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			p, err := g.Acquire(ctx, "anthropic", tenant, 10)
			if err != nil {
				results <- "err:" + tenant
				return
			}
			g.Release(p, Usage{})
			results <- tenant
		}()
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[<-results] = true
	}
	assert.True(t, got["acme"], "acme should be admitted")
	assert.True(t, got["globex"], "globex should be admitted, not starved")

	g.Release(warm, Usage{})
	g.Release(warm2, Usage{})
}

func TestQueueDepthTracksWaiters(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults.RPS = 1
	g, err := New(cfg, nil)
	require.NoError(t, err)

	p, err := g.Acquire(context.Background(), "anthropic", "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, g.QueueDepth("anthropic"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		p2, err := g.Acquire(context.Background(), "anthropic", "acme", 10)
		if err == nil {
			g.Release(p2, Usage{})
		}
	}()

	assert.Eventually(t, func() bool {
		return g.QueueDepth("anthropic") == 1 || g.QueueDepth("anthropic") == 0
	}, time.Second, 10*time.Millisecond)

	g.Release(p, Usage{})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("queued waiter never admitted")
	}
	assert.Equal(t, 0, g.QueueDepth("anthropic"))
}

func TestUnclassifiedErrorsStayPermanent(t *testing.T) {
	// Guard for the executor contract: the governor's denial errors must
	// all carry a kind.
	err := faults.New(faults.Transient, "governor.acquire", errors.New("busy"))
	assert.True(t, faults.KindOf(err).Retryable())
}
