// Package executor runs a single task attempt through the fixed
// sub-pipeline: moderation precheck, governed dispatch, static validation,
// sandbox run, confidence scoring. The review gate itself lives in the
// workflow; the executor only marks results that need it.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"capsmith/internal/breaker"
	"capsmith/internal/faults"
	"capsmith/internal/governor"
	"capsmith/internal/graph"
	"capsmith/internal/logging"
	"capsmith/internal/metrics"
	"capsmith/internal/moderation"
	"capsmith/internal/provider"
	"capsmith/internal/router"
	"capsmith/internal/sandbox"
	"capsmith/internal/store"
	"capsmith/internal/validate"
)

// Artifact is a generated file set.
type Artifact map[string][]byte

// Result states. Terminal for one attempt; the workflow may schedule
// further attempts.
const (
	StateValidated = "validated"
	StateFailed    = "failed"
	StateEscalated = "escalated"
)

// TaskResult is the outcome of one task attempt.
type TaskResult struct {
	TaskID       string           `json:"task_id"`
	Attempt      int              `json:"attempt"`
	State        string           `json:"state"`
	Artifact     Artifact         `json:"artifact,omitempty"`
	TierUsed     provider.Tier    `json:"tier_used"`
	ProviderUsed string           `json:"provider_used,omitempty"`
	TokensIn     int64            `json:"tokens_in"`
	TokensOut    int64            `json:"tokens_out"`
	CostUSD      float64          `json:"cost_usd"`
	Latency      time.Duration    `json:"latency"`
	Validation   *validate.Report `json:"validation,omitempty"`
	Confidence   float64          `json:"confidence"`
	FailureKind  faults.Kind      `json:"failure_kind,omitempty"`
	Failure      string           `json:"failure,omitempty"`
	Cached       bool             `json:"cached,omitempty"`
	ThrottleHits int              `json:"throttle_hits,omitempty"`

	SandboxTimedOut bool `json:"sandbox_timed_out,omitempty"`
}

// Config tunes the pipeline.
type Config struct {
	RetryMax            int
	RetryCap            time.Duration
	ConfidenceThreshold float64
	WeightError         float64
	WeightLowCoverage   float64
	WeightThrottle      float64
	SandboxLimits       sandbox.Limits
}

// Deps are the collaborators every stage dispatches through.
type Deps struct {
	Governor   *governor.Governor
	Breakers   *breaker.Set
	Registry   *provider.Registry
	Moderation *moderation.Filter
	Validator  *validate.Validator
	Sandbox    *sandbox.Runner
	History    *router.History
	Cache      *store.Store
}

// Executor runs task attempts.
type Executor struct {
	cfg  Config
	deps Deps
}

// New creates an executor.
func New(cfg Config, deps Deps) *Executor {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 60 * time.Second
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.WeightError == 0 {
		cfg.WeightError = 0.2
	}
	if cfg.WeightLowCoverage == 0 {
		cfg.WeightLowCoverage = 0.1
	}
	if cfg.WeightThrottle == 0 {
		cfg.WeightThrottle = 0.05
	}
	return &Executor{cfg: cfg, deps: deps}
}

// Input is one attempt's arguments. Everything the attempt needs arrives
// here; the executor reads no workflow state.
type Input struct {
	Request      *graph.Request
	Task         *graph.Task
	Decision     router.Decision
	Attempt      int
	ReviewNotes  string
	Predecessors map[string]Artifact
	// PriorSandboxTimeouts counts wall-clock kills on earlier attempts of
	// this task. The second one is permanent.
	PriorSandboxTimeouts int
	// Heartbeat, when set, is called at every pipeline stage boundary and
	// every HeartbeatEvery while a provider or sandbox call is in flight,
	// so the workflow's liveness watchdog can tell a slow attempt from a
	// stuck one.
	Heartbeat      func()
	HeartbeatEvery time.Duration
}

func (in Input) beat() {
	if in.Heartbeat != nil {
		in.Heartbeat()
	}
}

// pulse beats on a ticker until the returned stop function is called.
// Long-running stages use it so liveness keeps reporting while the stage
// itself makes no progress callbacks.
func (in Input) pulse(ctx context.Context) (stop func()) {
	if in.Heartbeat == nil || in.HeartbeatEvery <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(in.HeartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				in.Heartbeat()
			}
		}
	}()
	return func() { close(done) }
}

// Execute runs one attempt. The returned result always carries a terminal
// attempt state; err is reserved for machinery failures that should fail
// the workflow outright.
func (e *Executor) Execute(ctx context.Context, in Input) (*TaskResult, error) {
	timer := logging.StartTimer(logging.CategoryExecutor, fmt.Sprintf("task %s attempt %d", in.Task.ID, in.Attempt))
	defer timer.Stop()

	res := &TaskResult{TaskID: in.Task.ID, Attempt: in.Attempt, TierUsed: in.Decision.Tier}
	start := time.Now()
	defer func() {
		res.Latency = time.Since(start)
		metrics.TaskAttemptSeconds.WithLabelValues(string(in.Task.Kind), in.Decision.Tier.String()).Observe(res.Latency.Seconds())
		metrics.TasksTerminal.WithLabelValues(res.State).Inc()
	}()

	// Cached tasks copy the prior artifact and skip the pipeline.
	if in.Task.Cached && e.deps.Cache != nil {
		if cached, err := e.deps.Cache.LookupResult(in.Task.InputsHash); err == nil {
			var artifact Artifact
			if json.Unmarshal(cached.Artifact, &artifact) == nil && len(artifact) > 0 {
				res.State = StateValidated
				res.Artifact = artifact
				res.Cached = true
				res.Confidence = 0.95
				logging.Executor("task %s served from cache", in.Task.ID)
				return res, nil
			}
		}
	}

	// Stage 1: moderation precheck, before any budget is spent. The check
	// covers the request, the task, and the predecessor artifacts that
	// become part of the prompt.
	in.beat()
	verdict := e.deps.Moderation.Check(moderationContent(in))
	if e.deps.Moderation.Blocks(verdict) {
		res.State = StateFailed
		res.FailureKind = faults.PolicyViolation
		res.Failure = fmt.Sprintf("content blocked (severity %.2f, categories %v)", verdict.Severity, verdict.Categories)
		logging.Audit(logging.AuditEvent{
			Type:   logging.AuditPolicyBlock,
			TaskID: in.Task.ID,
			Tenant: in.Request.Tenant,
			Detail: res.Failure,
		})
		return res, nil
	}

	// Stage 2: governed dispatch.
	in.beat()
	gen, err := e.dispatch(ctx, in, res)
	if err != nil {
		kind := faults.KindOf(err)
		res.State = StateFailed
		res.FailureKind = kind
		res.Failure = err.Error()
		e.deps.History.Record(in.Task.Kind, in.Decision.Tier, false)
		return res, nil
	}
	res.TokensIn = gen.TokensIn
	res.TokensOut = gen.TokensOut
	res.CostUSD = gen.CostUSD

	artifact, err := ParseArtifact(gen.Text, in.Task)
	if err != nil {
		res.State = StateFailed
		res.FailureKind = faults.Permanent
		res.Failure = err.Error()
		e.deps.History.Record(in.Task.Kind, in.Decision.Tier, false)
		return res, nil
	}
	res.Artifact = artifact

	// Stage 3: static validation.
	in.beat()
	report, err := e.validateArtifact(ctx, artifact, in.Task.Language)
	if err != nil {
		res.State = StateFailed
		res.FailureKind = faults.KindOf(err)
		res.Failure = err.Error()
		e.deps.History.Record(in.Task.Kind, in.Decision.Tier, false)
		return res, nil
	}
	res.Validation = report

	// Stage 4: sandbox run for executable task kinds.
	in.beat()
	if needsSandbox(in.Task) {
		if err := e.runSandbox(ctx, in, res); err != nil {
			res.State = StateFailed
			res.FailureKind = faults.KindOf(err)
			res.Failure = err.Error()
			e.deps.History.Record(in.Task.Kind, in.Decision.Tier, false)
			return res, nil
		}
	}

	// Stage 5: confidence scoring.
	res.Confidence = e.score(report, res.ThrottleHits)

	// Stage 6: review gate marker. The workflow suspends escalated tasks
	// until a reviewer signal arrives.
	if res.Confidence < e.cfg.ConfidenceThreshold {
		res.State = StateEscalated
		logging.Executor("task %s escalated: confidence %.2f below %.2f",
			in.Task.ID, res.Confidence, e.cfg.ConfidenceThreshold)
		return res, nil
	}

	res.State = StateValidated
	e.deps.History.Record(in.Task.Kind, in.Decision.Tier, true)
	e.cacheResult(in.Task, res)
	return res, nil
}

// dispatch acquires a permit, checks the breaker, and calls the provider.
// Throttles and transient failures retry with exponential backoff and
// jitter; after retry_max the next provider in the preference list takes
// over.
func (e *Executor) dispatch(ctx context.Context, in Input, res *TaskResult) (*provider.Result, error) {
	system, prompt := BuildPrompt(in)
	estimate := int64(in.Task.MaxTokens) + int64(len(prompt)/4)

	var lastErr error
	for _, name := range in.Decision.Providers {
		p := e.deps.Registry.Get(name)
		if p == nil {
			continue
		}
		for attempt := 0; attempt <= e.cfg.RetryMax; attempt++ {
			in.beat()
			if attempt > 0 {
				if err := sleepCtx(ctx, backoff(attempt, e.cfg.RetryCap)); err != nil {
					return nil, faults.New(faults.KindOf(err), "executor.dispatch", err)
				}
			}

			permit, err := e.deps.Governor.Acquire(ctx, name, in.Request.Tenant, estimate)
			if err != nil {
				lastErr = err
				if !faults.KindOf(err).Retryable() {
					return nil, err
				}
				continue
			}

			var gen *provider.Result
			stopPulse := in.pulse(ctx)
			err = e.deps.Breakers.Do(ctx, "llm:"+name, func(ctx context.Context) error {
				var genErr error
				gen, genErr = p.Generate(ctx, in.Decision.Tier, system, prompt, provider.Budget{
					MaxTokens: in.Task.MaxTokens,
					MaxWall:   in.Task.MaxWall,
				})
				return genErr
			})
			stopPulse()

			usage := governor.Usage{}
			if gen != nil {
				usage = governor.Usage{TokensIn: gen.TokensIn, TokensOut: gen.TokensOut, CostUSD: gen.CostUSD}
			}
			kind := faults.KindOf(err)
			usage.Throttled = kind == faults.Throttle
			e.deps.Governor.Release(permit, usage)

			if err == nil {
				res.ProviderUsed = name
				return gen, nil
			}
			lastErr = err
			if kind == faults.Throttle {
				res.ThrottleHits++
			}
			if !kind.Retryable() {
				return nil, err
			}
			logging.ExecutorDebug("task %s dispatch to %s failed (%s), attempt %d/%d",
				in.Task.ID, name, kind, attempt+1, e.cfg.RetryMax+1)
		}
		logging.ExecutorWarn("task %s exhausted retries on %s, trying next provider", in.Task.ID, name)
	}
	if lastErr == nil {
		lastErr = faults.Newf(faults.Permanent, "executor.dispatch", "no providers configured")
	}
	return nil, lastErr
}

func (e *Executor) validateArtifact(ctx context.Context, artifact Artifact, language string) (*validate.Report, error) {
	var report *validate.Report
	err := e.deps.Breakers.Do(ctx, "validator", func(ctx context.Context) error {
		var vErr error
		report, vErr = e.deps.Validator.Validate(ctx, artifact, language)
		return vErr
	})
	return report, err
}

func needsSandbox(t *graph.Task) bool {
	return t.Kind == graph.KindCode || t.Kind == graph.KindSandboxCheck || t.Kind == graph.KindTest
}

// runSandbox merges predecessor artifacts under the attempt's files and
// executes the entry file. The first wall-clock kill is transient; the
// second is permanent.
func (e *Executor) runSandbox(ctx context.Context, in Input, res *TaskResult) error {
	files := make(map[string][]byte)
	for _, art := range in.Predecessors {
		for p, c := range art {
			files[p] = c
		}
	}
	for p, c := range res.Artifact {
		files[p] = c
	}
	entry := entryFile(res.Artifact, in.Task.Language)
	if entry == "" {
		// Nothing runnable (e.g. a config-only artifact); skip the stage.
		return nil
	}

	var runErr error
	stopPulse := in.pulse(ctx)
	err := e.deps.Breakers.Do(ctx, "sandbox", func(ctx context.Context) error {
		result, sErr := e.deps.Sandbox.Run(ctx, files, in.Task.Language, entry, e.cfg.SandboxLimits)
		if result != nil && result.TimedOut {
			res.SandboxTimedOut = true
		}
		if sErr != nil {
			return sErr
		}
		if result.ExitCode != 0 {
			runErr = faults.Newf(faults.Transient, "sandbox.run",
				"exit code %d: %s", result.ExitCode, firstLine(result.Stderr))
		}
		return nil
	})
	stopPulse()
	if err == nil {
		err = runErr
	}
	if err != nil && res.SandboxTimedOut && in.PriorSandboxTimeouts >= 1 {
		return faults.Newf(faults.Permanent, "sandbox.run", "second wall-clock timeout: %v", err)
	}
	return err
}

// moderationExcerptLimit bounds how much of each predecessor file the
// precheck reads. The head of a file is where injected instructions land.
const moderationExcerptLimit = 4096

// moderationContent assembles the text the precheck screens: the request
// description, the task description, reviewer notes, and an excerpt of
// every predecessor file that gets spliced into the prompt. Iteration
// order is fixed so the verdict is stable across attempts.
func moderationContent(in Input) string {
	var b strings.Builder
	b.WriteString(in.Request.Description)
	b.WriteByte('\n')
	b.WriteString(in.Task.Description)
	if in.ReviewNotes != "" {
		b.WriteByte('\n')
		b.WriteString(in.ReviewNotes)
	}
	ids := make([]string, 0, len(in.Predecessors))
	for id := range in.Predecessors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		art := in.Predecessors[id]
		paths := make([]string, 0, len(art))
		for p := range art {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			content := art[p]
			if len(content) > moderationExcerptLimit {
				content = content[:moderationExcerptLimit]
			}
			b.WriteByte('\n')
			b.Write(content)
		}
	}
	return b.String()
}

func (e *Executor) score(report *validate.Report, throttles int) float64 {
	coverage := 0.0
	errors := 0
	if report != nil {
		coverage = report.Coverage
		errors = report.Errors()
	}
	c := 1 - e.cfg.WeightError*float64(errors) - e.cfg.WeightLowCoverage*(1-coverage) - e.cfg.WeightThrottle*float64(throttles)
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func (e *Executor) cacheResult(t *graph.Task, res *TaskResult) {
	if e.deps.Cache == nil || t.InputsHash == "" || len(res.Artifact) == 0 {
		return
	}
	data, err := json.Marshal(res.Artifact)
	if err != nil {
		return
	}
	if err := e.deps.Cache.CacheResult(store.CachedResult{
		InputHash: t.InputsHash,
		TaskKind:  string(t.Kind),
		Artifact:  data,
	}); err != nil {
		logging.ExecutorWarn("result cache write failed for %s: %v", t.ID, err)
	}
}

// backoff is exponential base 2 with +/-20% jitter, capped.
func backoff(attempt int, limit time.Duration) time.Duration {
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > limit {
		d = limit
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// entryFile picks the file a sandbox run should execute.
func entryFile(artifact Artifact, language string) string {
	exts := map[string]string{"python": ".py", "py": ".py", "go": ".go", "golang": ".go", "javascript": ".js", "js": ".js", "node": ".js"}
	ext, ok := exts[strings.ToLower(language)]
	if !ok {
		return ""
	}
	paths := make([]string, 0, len(artifact))
	for p := range artifact {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		base := strings.TrimSuffix(strings.ToLower(p[strings.LastIndex(p, "/")+1:]), ext)
		if strings.HasSuffix(p, ext) && (base == "main" || base == "app" || base == "index") {
			return p
		}
	}
	for _, p := range paths {
		if strings.HasSuffix(p, ext) {
			return p
		}
	}
	return ""
}
