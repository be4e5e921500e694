package workflow

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"capsmith/internal/breaker"
	"capsmith/internal/capsule"
	"capsmith/internal/executor"
	"capsmith/internal/faults"
	"capsmith/internal/governor"
	"capsmith/internal/graph"
	"capsmith/internal/moderation"
	"capsmith/internal/provider"
	"capsmith/internal/router"
	"capsmith/internal/sandbox"
	"capsmith/internal/store"
	"capsmith/internal/validate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// genFunc scripts a fake provider per call.
type genFunc func(ctx context.Context, system, prompt string) (*provider.Result, error)

type fakeProvider struct {
	name string
	gen  genFunc
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, _ provider.Tier, system, prompt string, _ provider.Budget) (*provider.Result, error) {
	return f.gen(ctx, system, prompt)
}

func text(s string) (*provider.Result, error) {
	return &provider.Result{Text: s, TokensIn: 100, TokensOut: 50, CostUSD: 0.01, FinishReason: "stop"}, nil
}

const goodPy = "# file: main.py\n```python\ndef add(a, b):\n    return a + b\n\nprint(add(2, 3))\n```\n"

// shadyPy runs cleanly but carries two security findings, landing below
// the review gate.
const shadyPy = "# file: main.py\n```python\nimport os\nos.system('true')\nx = eval('1+1')\nprint(x)\n```\n"

// happyGen answers each task kind with a passing artifact.
func happyGen(_ context.Context, system, _ string) (*provider.Result, error) {
	switch {
	case strings.Contains(system, "architect"):
		return text("# file: docs/design.md\n```markdown\n# Design\n\nOne module.\n```\n")
	case strings.Contains(system, "technical writer"):
		return text("# file: README.md\n```markdown\n# Adder\n\nAdds numbers.\n```\n")
	case strings.Contains(system, "writing tests"):
		return text("# file: test_main.py\n```python\nassert 1 + 1 == 2\nprint('ok')\n```\n")
	default:
		return text(goodPy)
	}
}

func testConfig() Config {
	return Config{
		MaxConcurrentTasks:     8,
		MaxConcurrentWorkflows: 8,
		RetryMax:               2,
		RetryBase:              5 * time.Millisecond,
		CheckpointEvery:        2,
		WorkflowDeadline:       time.Minute,
		CancelGrace:            5 * time.Second,
		ReviewTimeout:          time.Hour,
		ReviewOnTimeout:        "approve",
	}
}

func newTestEngine(t *testing.T, db *store.Store, gen genFunc, cfg Config) *Engine {
	t.Helper()

	gov, err := governor.New(governor.Config{
		RPSFloor: 1,
		Defaults: governor.Limits{RPS: 1000, TPM: 10_000_000, Concurrent: 16, CostPerMTokUSD: 3},
	}, nil)
	require.NoError(t, err)

	reg := provider.NewRegistry(&fakeProvider{name: "anthropic", gen: gen})
	exec := executor.New(executor.Config{
		RetryMax:            1,
		RetryCap:            20 * time.Millisecond,
		ConfidenceThreshold: 0.7,
		SandboxLimits:       sandbox.Limits{WallClock: 30 * time.Second},
	}, executor.Deps{
		Governor:   gov,
		Breakers:   breaker.NewSet(breaker.Config{FailureThreshold: 100, RecoveryTimeout: time.Minute}),
		Registry:   reg,
		Moderation: moderation.NewFilter(0.8),
		Validator:  validate.New(),
		Sandbox:    sandbox.NewRunner(sandbox.Config{WorkDir: t.TempDir(), AllowedBinaries: []string{"python3", "go", "node"}}),
		History:    router.NewHistory(),
		Cache:      db,
	})

	eng := NewEngine(cfg, Deps{
		Store:     db,
		Builder:   graph.NewBuilder(nil, nil, db),
		Router:    router.New(router.NewHistory(), reg),
		Executor:  exec,
		Assembler: capsule.NewAssembler(db, "s3cret", nil),
	})
	t.Cleanup(eng.Shutdown)
	return eng
}

func testDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "wf.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func submitReq(t *testing.T, eng *Engine, id string) string {
	t.Helper()
	wfID, err := eng.Submit(context.Background(), &graph.Request{
		ID: id, Tenant: "acme",
		Description: "Write a Python function that adds two integers.",
		Constraints: map[string]string{"language": "python"},
	})
	require.NoError(t, err)
	return wfID
}

func waitState(t *testing.T, eng *Engine, wfID, want string) *Status {
	t.Helper()
	var st *Status
	require.Eventually(t, func() bool {
		var err error
		st, err = eng.Status(wfID)
		if err != nil {
			return false
		}
		return st.State == want
	}, 30*time.Second, 10*time.Millisecond, "workflow %s never reached %s (last: %+v)", wfID, want, st)
	return st
}

func TestHappyPathDelivered(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(t, db, happyGen, testConfig())

	wfID := submitReq(t, eng, "r1")
	st := waitState(t, eng, wfID, StateDelivered)

	require.Len(t, st.Tasks, 3, "design, code, doc")
	for _, ts := range st.Tasks {
		assert.Equal(t, executor.StateValidated, ts.State, "task %s", ts.TaskID)
	}
	assert.Empty(t, st.Errors)
	assert.NotEmpty(t, st.CapsuleID)
	assert.Equal(t, 1, st.CapsuleVersion)

	// The finalized capsule is persisted, signed, and verifiable.
	a := capsule.NewAssembler(db, "s3cret", nil)
	c, err := a.Load(st.CapsuleID, st.CapsuleVersion)
	require.NoError(t, err)
	assert.True(t, a.Verify(c))
	assert.Contains(t, c.Files, "src/main.py")
	assert.False(t, c.Report.Degraded)
}

func TestResubmitAfterDeliveryCreatesNewVersion(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(t, db, happyGen, testConfig())

	first := submitReq(t, eng, "r1")
	waitState(t, eng, first, StateDelivered)

	second := submitReq(t, eng, "r1")
	assert.NotEqual(t, first, second, "completed request id is free for a new workflow")
	st := waitState(t, eng, second, StateDelivered)
	assert.Equal(t, 2, st.CapsuleVersion, "same capsule id, next version")
}

func TestSubmitWhileActiveIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	blocked := func(ctx context.Context, system, prompt string) (*provider.Result, error) {
		select {
		case <-release:
			return happyGen(ctx, system, prompt)
		case <-ctx.Done():
			return nil, faults.New(faults.Cancellation, "provider.fake", ctx.Err())
		}
	}
	db := testDB(t)
	eng := newTestEngine(t, db, blocked, testConfig())

	first := submitReq(t, eng, "r1")
	again := submitReq(t, eng, "r1")
	assert.Equal(t, first, again)

	once.Do(func() { close(release) })
	waitState(t, eng, first, StateDelivered)
}

func TestCriticalFailureFailsWorkflow(t *testing.T) {
	gen := func(ctx context.Context, system, prompt string) (*provider.Result, error) {
		if strings.Contains(system, "architect") || strings.Contains(system, "technical writer") {
			return happyGen(ctx, system, prompt)
		}
		return nil, faults.Newf(faults.Permanent, "provider.fake", "model refused")
	}
	db := testDB(t)
	eng := newTestEngine(t, db, gen, testConfig())

	wfID := submitReq(t, eng, "r1")
	st := waitState(t, eng, wfID, StateFailed)
	require.NotEmpty(t, st.Errors)
	assert.Equal(t, string(faults.Permanent), st.Errors[len(st.Errors)-1].Kind)
}

func TestEmptyRequestFailsWithDecompositionError(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(t, db, happyGen, testConfig())

	wfID, err := eng.Submit(context.Background(), &graph.Request{ID: "r1", Tenant: "acme", Description: "   "})
	require.NoError(t, err)
	st := waitState(t, eng, wfID, StateFailed)
	require.NotEmpty(t, st.Errors)
	assert.Contains(t, st.Errors[0].Message, "decomposition error")
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	codeCalls := 0
	gen := func(ctx context.Context, system, prompt string) (*provider.Result, error) {
		if strings.Contains(system, "architect") || strings.Contains(system, "technical writer") {
			return happyGen(ctx, system, prompt)
		}
		mu.Lock()
		codeCalls++
		n := codeCalls
		mu.Unlock()
		if n == 1 {
			// First code attempt yields an artifact that dies in the
			// sandbox; the workflow schedules a fresh attempt.
			return text("# file: main.py\n```python\nraise SystemExit(3)\n```\n")
		}
		return text(goodPy)
	}
	db := testDB(t)
	eng := newTestEngine(t, db, gen, testConfig())

	wfID := submitReq(t, eng, "r1")
	st := waitState(t, eng, wfID, StateDelivered)
	assert.NotEmpty(t, st.Errors, "the failed attempt stays on the record")

	var code TaskStatus
	for _, ts := range st.Tasks {
		if ts.Kind == string(graph.KindCode) {
			code = ts
		}
	}
	assert.Equal(t, 2, code.Attempt)
	assert.Equal(t, executor.StateValidated, code.State)
}

func TestReviewReviseCycle(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	revised := false
	gen := func(ctx context.Context, system, prompt string) (*provider.Result, error) {
		if strings.Contains(system, "architect") || strings.Contains(system, "technical writer") {
			return happyGen(ctx, system, prompt)
		}
		mu.Lock()
		defer mu.Unlock()
		prompts = append(prompts, prompt)
		if revised {
			return text(goodPy)
		}
		return text(shadyPy)
	}
	db := testDB(t)
	eng := newTestEngine(t, db, gen, testConfig())

	wfID := submitReq(t, eng, "r1")
	st := waitState(t, eng, wfID, StateAwaitingReview)
	require.NotEmpty(t, st.PendingReview)
	taskID := st.PendingReview

	mu.Lock()
	revised = true
	mu.Unlock()
	require.NoError(t, eng.Signal(context.Background(), wfID, Signal{
		Type: SignalRevise, TaskID: taskID, Notes: "remove the shell and eval calls",
	}))

	st = waitState(t, eng, wfID, StateDelivered)
	for _, ts := range st.Tasks {
		if ts.TaskID == taskID {
			assert.Equal(t, executor.StateValidated, ts.State)
			assert.GreaterOrEqual(t, ts.Confidence, 0.7)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, p := range prompts {
		if strings.Contains(p, "remove the shell and eval calls") {
			found = true
		}
	}
	assert.True(t, found, "revision notes reach the next attempt's prompt")
}

func TestReviewApproveIsIdempotent(t *testing.T) {
	docGate := make(chan struct{})
	gen := func(ctx context.Context, system, prompt string) (*provider.Result, error) {
		switch {
		case strings.Contains(system, "architect"):
			return happyGen(ctx, system, prompt)
		case strings.Contains(system, "technical writer"):
			// Hold the doc task so the workflow is still live for the
			// second approve.
			select {
			case <-docGate:
			case <-ctx.Done():
				return nil, faults.New(faults.Cancellation, "provider.fake", ctx.Err())
			}
			return happyGen(ctx, system, prompt)
		default:
			return text(shadyPy)
		}
	}
	db := testDB(t)
	eng := newTestEngine(t, db, gen, testConfig())

	wfID := submitReq(t, eng, "r1")
	st := waitState(t, eng, wfID, StateAwaitingReview)
	taskID := st.PendingReview

	require.NoError(t, eng.Signal(context.Background(), wfID, Signal{Type: SignalApprove, TaskID: taskID}))
	waitState(t, eng, wfID, StateRunning)

	// Approving an already validated task is a no-op.
	require.NoError(t, eng.Signal(context.Background(), wfID, Signal{Type: SignalApprove, TaskID: taskID}))

	close(docGate)
	st = waitState(t, eng, wfID, StateDelivered)
	for _, ts := range st.Tasks {
		if ts.TaskID == taskID {
			assert.Equal(t, executor.StateValidated, ts.State)
			assert.Equal(t, 1.0, ts.Confidence, "reviewer approval pins confidence")
		}
	}
}

func TestReviewTimeoutAppliesConfiguredAction(t *testing.T) {
	gen := func(ctx context.Context, system, prompt string) (*provider.Result, error) {
		if strings.Contains(system, "architect") || strings.Contains(system, "technical writer") {
			return happyGen(ctx, system, prompt)
		}
		return text(shadyPy)
	}
	cfg := testConfig()
	cfg.ReviewTimeout = 100 * time.Millisecond
	cfg.ReviewOnTimeout = "approve"
	db := testDB(t)
	eng := newTestEngine(t, db, gen, cfg)

	wfID := submitReq(t, eng, "r1")
	st := waitState(t, eng, wfID, StateDelivered)
	assert.Empty(t, st.PendingReview)
}

func TestCancelMidFlight(t *testing.T) {
	started := make(chan struct{}, 4)
	gen := func(ctx context.Context, system, prompt string) (*provider.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, faults.New(faults.Cancellation, "provider.fake", ctx.Err())
	}
	cfg := testConfig()
	cfg.CancelGrace = 2 * time.Second
	db := testDB(t)
	eng := newTestEngine(t, db, gen, cfg)

	wfID := submitReq(t, eng, "r1")
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("no task attempt started")
	}

	require.NoError(t, eng.Signal(context.Background(), wfID, Signal{Type: SignalCancel}))
	st := waitState(t, eng, wfID, StateCancelled)
	assert.Empty(t, st.CapsuleID, "no capsule is assembled for a cancelled workflow")

	require.NotEmpty(t, st.Errors, "cancellation lands on the error record")
	last := st.Errors[len(st.Errors)-1]
	assert.Equal(t, string(faults.Cancellation), last.Kind)
	assert.Contains(t, last.Message, "cancelled by operator")
}

func TestWorkflowDeadlineEndsInCancelled(t *testing.T) {
	gen := func(ctx context.Context, system, prompt string) (*provider.Result, error) {
		<-ctx.Done()
		return nil, faults.New(faults.Cancellation, "provider.fake", ctx.Err())
	}
	cfg := testConfig()
	cfg.WorkflowDeadline = 200 * time.Millisecond
	cfg.CancelGrace = 2 * time.Second
	db := testDB(t)
	eng := newTestEngine(t, db, gen, cfg)

	wfID := submitReq(t, eng, "r1")
	st := waitState(t, eng, wfID, StateCancelled)
	assert.Empty(t, st.CapsuleID)
	require.NotEmpty(t, st.Errors)
	last := st.Errors[len(st.Errors)-1]
	assert.Equal(t, string(faults.Cancellation), last.Kind)
	assert.Contains(t, last.Message, "deadline")
}

func TestConcurrentSubmitSameRequestSingleWorkflow(t *testing.T) {
	started := make(chan struct{}, 4)
	gen := func(ctx context.Context, system, prompt string) (*provider.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, faults.New(faults.Cancellation, "provider.fake", ctx.Err())
	}
	cfg := testConfig()
	cfg.CancelGrace = 2 * time.Second
	db := testDB(t)
	eng := newTestEngine(t, db, gen, cfg)

	const submitters = 8
	ids := make(chan string, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wfID, err := eng.Submit(context.Background(), &graph.Request{
				ID: "r1", Tenant: "acme",
				Description: "Write a Python function that adds two integers.",
				Constraints: map[string]string{"language": "python"},
			})
			assert.NoError(t, err)
			ids <- wfID
		}()
	}
	wg.Wait()
	close(ids)

	first := ""
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id, "every submitter sees the same workflow")
	}

	// Exactly one history exists; no orphaned accepted-only workflow is
	// left behind for recovery to resume.
	stored, err := db.ListWorkflowIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{first}, stored)

	require.NoError(t, eng.Signal(context.Background(), first, Signal{Type: SignalCancel}))
	waitState(t, eng, first, StateCancelled)
}

func TestHeartbeatWatchdogKillsSilentAttempt(t *testing.T) {
	eng := NewEngine(Config{HeartbeatInterval: 20 * time.Millisecond}, Deps{})
	r := newRun(eng, newRunState("wf-hb"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	beats := make(chan struct{}, 1)
	missed := r.watchHeartbeats(ctx, cancel, beats)

	// Regular beats keep the attempt alive well past two intervals.
	for i := 0; i < 8; i++ {
		time.Sleep(10 * time.Millisecond)
		select {
		case beats <- struct{}{}:
		default:
		}
		require.NoError(t, ctx.Err(), "beating attempt must not be killed")
	}
	assert.False(t, missed.Load())

	// Silence for two intervals kills it and marks the miss.
	require.Eventually(t, func() bool { return ctx.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, missed.Load())
}

func TestSlowProviderCallSurvivesWatchdog(t *testing.T) {
	gen := func(ctx context.Context, system, prompt string) (*provider.Result, error) {
		select {
		case <-time.After(120 * time.Millisecond):
		case <-ctx.Done():
			return nil, faults.New(faults.Cancellation, "provider.fake", ctx.Err())
		}
		return happyGen(ctx, system, prompt)
	}
	cfg := testConfig()
	// Each call spans many heartbeat intervals; the in-flight pulse keeps
	// liveness reporting so the watchdog leaves it alone.
	cfg.HeartbeatInterval = 15 * time.Millisecond
	db := testDB(t)
	eng := newTestEngine(t, db, gen, cfg)

	wfID := submitReq(t, eng, "r1")
	st := waitState(t, eng, wfID, StateDelivered)
	assert.Empty(t, st.Errors)
}

func TestRetryDelayHonorsConfiguredCap(t *testing.T) {
	eng := NewEngine(Config{RetryBase: time.Second, RetryCap: 2 * time.Second}, Deps{})
	r := newRun(eng, newRunState("wf-cap"))

	assert.Zero(t, r.retryDelay(1), "first attempt starts immediately")
	limit := time.Duration(float64(2*time.Second) * 1.2)
	for attempt := 2; attempt <= 8; attempt++ {
		assert.LessOrEqual(t, r.retryDelay(attempt), limit, "attempt %d", attempt)
	}
}

func TestSignalToFinishedWorkflowFails(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(t, db, happyGen, testConfig())

	wfID := submitReq(t, eng, "r1")
	waitState(t, eng, wfID, StateDelivered)

	// The run retires after reaching a terminal state.
	require.Eventually(t, func() bool {
		return eng.Signal(context.Background(), wfID, Signal{Type: SignalCancel}) != nil
	}, 10*time.Second, 10*time.Millisecond)
}

func TestRecoveryResumesParkedWorkflow(t *testing.T) {
	db := testDB(t)

	started := make(chan struct{}, 4)
	blocked := func(ctx context.Context, system, prompt string) (*provider.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, faults.New(faults.Cancellation, "provider.fake", ctx.Err())
	}
	cfg := testConfig()
	cfg.CancelGrace = 2 * time.Second

	eng1 := newTestEngine(t, db, blocked, cfg)
	wfID := submitReq(t, eng1, "r1")
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("no task attempt started")
	}
	eng1.Shutdown()

	// The parked workflow kept its position: accepted and planned, with an
	// unfinished attempt on the record.
	history, err := db.LoadHistory(wfID)
	require.NoError(t, err)
	require.NotEmpty(t, history)

	eng2 := newTestEngine(t, db, happyGen, cfg)
	resumed, err := eng2.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	st := waitState(t, eng2, wfID, StateDelivered)
	assert.Equal(t, "r1", st.RequestID)
}

func TestRecoverSkipsTerminalWorkflows(t *testing.T) {
	db := testDB(t)
	eng1 := newTestEngine(t, db, happyGen, testConfig())
	wfID := submitReq(t, eng1, "r1")
	waitState(t, eng1, wfID, StateDelivered)
	eng1.Shutdown()

	eng2 := newTestEngine(t, db, happyGen, testConfig())
	resumed, err := eng2.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resumed)

	// Status of a finished workflow replays from the log.
	st, err := eng2.Status(wfID)
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, st.State)
}

func TestStatusUnknownWorkflow(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(t, db, happyGen, testConfig())
	_, err := eng.Status("wf-nope")
	assert.Error(t, err)
}

func TestFoldMatchesLiveState(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(t, db, happyGen, testConfig())

	wfID := submitReq(t, eng, "r1")
	live := waitState(t, eng, wfID, StateDelivered)

	history, err := db.LoadHistory(wfID)
	require.NoError(t, err)
	rs, err := fold(wfID, history)
	require.NoError(t, err)
	replayed := rs.status()

	assert.Equal(t, live.State, replayed.State)
	assert.Equal(t, live.CapsuleID, replayed.CapsuleID)
	assert.Equal(t, live.CapsuleVersion, replayed.CapsuleVersion)
	require.Equal(t, len(live.Tasks), len(replayed.Tasks))
	for i := range live.Tasks {
		assert.Equal(t, live.Tasks[i].State, replayed.Tasks[i].State)
	}
}
