package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"capsmith/internal/delivery"
	"capsmith/internal/executor"
	"capsmith/internal/faults"
	"capsmith/internal/logging"
	"capsmith/internal/metrics"
	"capsmith/internal/store"
)

// errParked signals an engine shutdown: the workflow stops without a
// terminal event and resumes on the next Recover.
var errParked = errors.New("engine shutting down")

// run is one live workflow. All state mutation happens on the loop
// goroutine under mu; the outside world talks to it through the signals
// channel and reads snapshots via status.
type run struct {
	engine  *Engine
	rs      *runState
	mu      sync.Mutex // guards rs for status reads
	signals chan Signal
	done    chan struct{}
}

type attemptOutcome struct {
	taskID string
	result *executor.TaskResult
	err    error
}

// emit journals an event and folds it into live state. Using the same
// apply path as replay keeps live and recovered state identical.
func (r *run) emit(evType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("workflow emit: %w", err)
	}
	rec := store.EventRecord{
		WorkflowID: r.rs.workflowID,
		Seq:        r.rs.seq + 1,
		Type:       evType,
		At:         time.Now(),
		Payload:    data,
	}
	if err := r.engine.deps.Store.AppendEvent(rec); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rs.apply(rec)
}

func (r *run) setState(to string) error {
	from := r.rs.state
	if from == to {
		return nil
	}
	if err := r.emit(evStateChanged, stateChangedPayload{From: from, To: to}); err != nil {
		return err
	}
	trackState(from, to)
	logging.Workflow("workflow %s: %s -> %s", r.rs.workflowID, from, to)
	return nil
}

func trackState(from, to string) {
	metrics.WorkflowsByState.WithLabelValues(from).Dec()
	metrics.WorkflowsByState.WithLabelValues(to).Inc()
}

// loop drives the workflow through its stages until a terminal state or
// an engine shutdown.
func (r *run) loop(ctx context.Context) {
	defer close(r.done)
	for {
		var err error
		switch r.rs.state {
		case StateAccepted:
			err = r.plan(ctx)
		case StatePlanned, StateRunning, StateAwaitingReview:
			err = r.execute(ctx)
		case StateAssembling:
			err = r.assemble(ctx)
		case StateDelivering:
			err = r.deliver(ctx)
		case StateCancelling:
			err = r.finalizeCancel("workflow cancelled")
		default:
			return
		}
		if err != nil {
			if errors.Is(err, errParked) || ctx.Err() != nil {
				logging.Workflow("workflow %s parked in %s", r.rs.workflowID, r.rs.state)
				return
			}
			// Journaling itself failed; nothing durable can be recorded.
			logging.WorkflowWarn("workflow %s stopped, journal unavailable: %v", r.rs.workflowID, err)
			return
		}
	}
}

func (r *run) plan(ctx context.Context) error {
	g, err := r.engine.deps.Builder.Build(ctx, r.rs.request)
	if err != nil {
		if ctx.Err() != nil {
			return errParked
		}
		return r.failNow("", err)
	}

	order, err := g.TopoOrder()
	if err != nil {
		return r.failNow("", err)
	}
	p := plannedPayload{Edges: g.Edges}
	for _, id := range order {
		p.Tasks = append(p.Tasks, g.Tasks[id])
	}
	if err := r.emit(evPlanned, p); err != nil {
		return err
	}
	logging.Workflow("workflow %s planned: %d tasks, %d edges", r.rs.workflowID, len(p.Tasks), len(p.Edges))
	return r.setState(StatePlanned)
}

func (r *run) execute(ctx context.Context) error {
	if r.rs.state == StatePlanned {
		if err := r.setState(StateRunning); err != nil {
			return err
		}
	}

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	outcomes := make(chan attemptOutcome, len(r.rs.graph.Tasks)+1)
	inflight := make(map[string]bool)
	settledSinceCheckpoint := 0

	deadline := time.NewTimer(time.Until(r.rs.acceptedAt.Add(r.engine.cfg.WorkflowDeadline)))
	defer deadline.Stop()

	reviewTimer := time.NewTimer(time.Hour)
	if !reviewTimer.Stop() {
		<-reviewTimer.C
	}
	defer reviewTimer.Stop()
	resetReview := func() {
		reviewTimer.Stop()
		select {
		case <-reviewTimer.C:
		default:
		}
		if r.rs.pendingReview != "" {
			d := time.Until(r.rs.reviewDeadline)
			if d < 0 {
				d = 0
			}
			reviewTimer.Reset(d)
		}
	}
	resetReview()

	for {
		if r.rs.state == StateRunning {
			for _, id := range r.ready(inflight) {
				if len(inflight) >= r.engine.cfg.MaxConcurrentTasks {
					break
				}
				if err := r.launch(taskCtx, id, inflight, outcomes); err != nil {
					return err
				}
			}
			if len(inflight) == 0 && r.allSettled() {
				return r.setState(StateAssembling)
			}
		}

		select {
		case out := <-outcomes:
			delete(inflight, out.taskID)
			if out.err != nil {
				if ctx.Err() != nil {
					return errParked
				}
				cancelTasks()
				r.drain(inflight, outcomes)
				return r.failNow(out.taskID, out.err)
			}
			if err := r.emit(evTaskFinished, taskFinishedPayload{Result: out.result}); err != nil {
				return err
			}

			switch out.result.State {
			case executor.StateValidated:
				r.mu.Lock()
				delete(r.rs.reviseNotes, out.taskID)
				r.mu.Unlock()
				settledSinceCheckpoint++
			case executor.StateEscalated:
				if err := r.requestReview(out.taskID, out.result.Confidence); err != nil {
					return err
				}
				resetReview()
			case executor.StateFailed:
				if !r.finalFailure(out.result) {
					logging.Workflow("workflow %s: task %s attempt %d failed (%s), will retry",
						r.rs.workflowID, out.taskID, out.result.Attempt, out.result.FailureKind)
					break
				}
				task := r.rs.graph.Tasks[out.taskID]
				if task.Critical() {
					cancelTasks()
					r.drain(inflight, outcomes)
					return r.failNow(out.taskID, faults.Newf(out.result.FailureKind, "workflow",
						"critical task %s failed after %d attempts: %s", out.taskID, out.result.Attempt, out.result.Failure))
				}
				logging.WorkflowWarn("workflow %s: non-critical task %s failed permanently, continuing degraded",
					r.rs.workflowID, out.taskID)
				settledSinceCheckpoint++
			}

			if settledSinceCheckpoint >= r.engine.cfg.CheckpointEvery {
				if err := r.checkpoint(); err != nil {
					return err
				}
				settledSinceCheckpoint = 0
			}

		case sig := <-r.signals:
			proceed, err := r.handleSignal(sig, "api", cancelTasks, inflight, outcomes)
			if err != nil {
				return err
			}
			if !proceed {
				return nil
			}
			resetReview()

		case <-reviewTimer.C:
			if r.rs.pendingReview == "" {
				break
			}
			onTimeout := r.engine.cfg.ReviewOnTimeout
			logging.WorkflowWarn("workflow %s: review of %s timed out, applying %q",
				r.rs.workflowID, r.rs.pendingReview, onTimeout)
			if onTimeout == "fail" {
				cancelTasks()
				r.drain(inflight, outcomes)
				return r.failNow(r.rs.pendingReview, faults.Newf(faults.Permanent, "workflow", "review timed out"))
			}
			proceed, err := r.handleSignal(Signal{Type: onTimeout, TaskID: r.rs.pendingReview}, "timeout", cancelTasks, inflight, outcomes)
			if err != nil {
				return err
			}
			if !proceed {
				return nil
			}
			resetReview()

		case <-deadline.C:
			// Deadline expiry is an orderly shutdown, not a failure: in-flight
			// work drains and the workflow lands in CANCELLED.
			cancelTasks()
			r.drain(inflight, outcomes)
			if err := r.setState(StateCancelling); err != nil {
				return err
			}
			return r.finalizeCancel(fmt.Sprintf("workflow deadline %s exceeded", r.engine.cfg.WorkflowDeadline))

		case <-ctx.Done():
			cancelTasks()
			r.drain(inflight, outcomes)
			return errParked
		}
	}
}

// ready lists runnable tasks: every predecessor settled, no unresolved
// outcome of their own. Deepest tasks first, then stable id order.
func (r *run) ready(inflight map[string]bool) []string {
	g := r.rs.graph
	depth := g.Depth()
	var ids []string
	for id := range g.Tasks {
		if inflight[id] {
			continue
		}
		if res, ok := r.rs.results[id]; ok {
			if res.State != executor.StateFailed || r.finalFailure(res) {
				continue
			}
		}
		runnable := true
		for _, pred := range g.Predecessors(id) {
			if !r.settled(pred) {
				runnable = false
				break
			}
		}
		if runnable {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if depth[ids[i]] != depth[ids[j]] {
			return depth[ids[i]] > depth[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (r *run) settled(id string) bool {
	res, ok := r.rs.results[id]
	if !ok {
		return false
	}
	switch res.State {
	case executor.StateValidated:
		return true
	case executor.StateFailed:
		return r.finalFailure(res)
	}
	return false
}

func (r *run) allSettled() bool {
	for id := range r.rs.graph.Tasks {
		if !r.settled(id) {
			return false
		}
	}
	return true
}

// finalFailure reports whether a failed result exhausts its task: the
// fault kind is not retryable, or the attempt budget is spent.
func (r *run) finalFailure(res *executor.TaskResult) bool {
	if !res.FailureKind.Retryable() {
		return true
	}
	return r.rs.attempts[res.TaskID] >= r.engine.cfg.RetryMax
}

func (r *run) launch(ctx context.Context, id string, inflight map[string]bool, outcomes chan<- attemptOutcome) error {
	t := r.rs.graph.Tasks[id]
	attempt := r.rs.attempts[id] + 1

	priorFailures := 0
	if res, ok := r.rs.results[id]; ok && res.State == executor.StateFailed {
		priorFailures = res.Attempt
	}
	decision := r.engine.deps.Router.Route(t, r.rs.request, priorFailures)

	if err := r.emit(evTaskStarted, taskStartedPayload{TaskID: id, Attempt: attempt, Tier: decision.Tier.String()}); err != nil {
		return err
	}

	preds := make(map[string]executor.Artifact)
	for _, pid := range r.rs.graph.Predecessors(id) {
		if pres, ok := r.rs.results[pid]; ok && pres.State == executor.StateValidated {
			preds[pid] = pres.Artifact
		}
	}
	beats := make(chan struct{}, 1)
	in := executor.Input{
		Request:              r.rs.request,
		Task:                 t,
		Decision:             decision,
		Attempt:              attempt,
		ReviewNotes:          r.rs.reviseNotes[id],
		Predecessors:         preds,
		PriorSandboxTimeouts: r.rs.timeouts[id],
		Heartbeat: func() {
			select {
			case beats <- struct{}{}:
			default:
			}
		},
		HeartbeatEvery: r.engine.cfg.HeartbeatInterval,
	}
	delay := r.retryDelay(attempt)
	inflight[id] = true

	go func() {
		if delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				outcomes <- attemptOutcome{taskID: id, err: err}
				return
			}
		}
		if err := r.engine.taskSem.Acquire(ctx, 1); err != nil {
			outcomes <- attemptOutcome{taskID: id, err: err}
			return
		}
		defer r.engine.taskSem.Release(1)
		attemptCtx, cancel := context.WithTimeout(ctx, r.engine.cfg.ActivityDeadline)
		defer cancel()
		missed := r.watchHeartbeats(attemptCtx, cancel, beats)
		res, err := r.engine.deps.Executor.Execute(attemptCtx, in)
		if missed.Load() && res != nil && res.State == executor.StateFailed && res.FailureKind == faults.Cancellation {
			res.FailureKind = faults.Transient
			res.Failure = fmt.Sprintf("task %s: no heartbeat within %s", id, 2*r.engine.cfg.HeartbeatInterval)
			logging.WorkflowWarn("workflow %s: attempt %d of task %s killed after missed heartbeats",
				r.rs.workflowID, attempt, id)
		}
		outcomes <- attemptOutcome{taskID: id, result: res, err: err}
	}()
	return nil
}

// watchHeartbeats kills an attempt that goes two heartbeat intervals
// without reporting progress. The returned flag tells the caller the kill
// was a liveness miss, which classifies as transient rather than as a
// cancellation.
func (r *run) watchHeartbeats(ctx context.Context, cancel context.CancelFunc, beats <-chan struct{}) *atomic.Bool {
	missed := &atomic.Bool{}
	limit := 2 * r.engine.cfg.HeartbeatInterval
	go func() {
		t := time.NewTimer(limit)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-beats:
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
				t.Reset(limit)
			case <-t.C:
				missed.Store(true)
				cancel()
				return
			}
		}
	}()
	return missed
}

func (r *run) requestReview(taskID string, confidence float64) error {
	if err := r.emit(evReviewWaiting, reviewWaitingPayload{
		TaskID:     taskID,
		Confidence: confidence,
		Deadline:   r.engine.now().Add(r.engine.cfg.ReviewTimeout),
	}); err != nil {
		return err
	}
	logging.Workflow("workflow %s: task %s awaiting review (confidence %.2f)",
		r.rs.workflowID, taskID, confidence)
	return r.setState(StateAwaitingReview)
}

// handleSignal applies one control signal. proceed=false means the
// workflow left the execute stage (cancelled or failed).
func (r *run) handleSignal(sig Signal, origin string, cancelTasks context.CancelFunc, inflight map[string]bool, outcomes <-chan attemptOutcome) (proceed bool, err error) {
	if sig.Type == SignalCancel {
		if err := r.setState(StateCancelling); err != nil {
			return false, err
		}
		cancelTasks()
		r.drain(inflight, outcomes)
		if r.rs.request.Metadata["preserve_on_cancel"] != "true" {
			logging.Workflow("workflow %s: partial results discarded on cancel", r.rs.workflowID)
		}
		return false, r.finalizeCancel("cancelled by operator")
	}

	res, ok := r.rs.results[sig.TaskID]
	if !ok {
		logging.WorkflowWarn("workflow %s: %s signal for unknown task %s ignored",
			r.rs.workflowID, sig.Type, sig.TaskID)
		return true, nil
	}

	logging.Audit(logging.AuditEvent{
		Type:       logging.AuditReviewSignal,
		WorkflowID: r.rs.workflowID,
		TaskID:     sig.TaskID,
		Tenant:     r.rs.request.Tenant,
		Detail:     fmt.Sprintf("%s (origin %s)", sig.Type, origin),
	})

	switch sig.Type {
	case SignalApprove:
		if res.State == executor.StateValidated {
			// Approving an already validated task is an idempotent no-op.
			logging.Workflow("workflow %s: task %s already validated, approve ignored", r.rs.workflowID, sig.TaskID)
			return true, nil
		}
		if res.State != executor.StateEscalated {
			return true, nil
		}
		if err := r.emit(evReviewSignal, reviewSignalPayload{TaskID: sig.TaskID, Signal: SignalApprove, Origin: origin}); err != nil {
			return false, err
		}
		approved := *res
		approved.State = executor.StateValidated
		approved.Confidence = 1.0
		if err := r.emit(evTaskFinished, taskFinishedPayload{Result: &approved}); err != nil {
			return false, err
		}

	case SignalReject:
		if res.State != executor.StateEscalated {
			return true, nil
		}
		if err := r.emit(evReviewSignal, reviewSignalPayload{TaskID: sig.TaskID, Signal: SignalReject, Notes: sig.Notes, Origin: origin}); err != nil {
			return false, err
		}
		rejected := *res
		rejected.State = executor.StateFailed
		rejected.FailureKind = faults.Permanent
		rejected.Failure = "rejected by reviewer"
		if sig.Notes != "" {
			rejected.Failure += ": " + sig.Notes
		}
		if err := r.emit(evTaskFinished, taskFinishedPayload{Result: &rejected}); err != nil {
			return false, err
		}
		if r.rs.graph.Tasks[sig.TaskID].Critical() {
			cancelTasks()
			r.drain(inflight, outcomes)
			return false, r.failNow(sig.TaskID, faults.Newf(faults.Permanent, "workflow",
				"critical task %s rejected by reviewer", sig.TaskID))
		}

	case SignalRevise:
		if res.State != executor.StateEscalated {
			return true, nil
		}
		if err := r.emit(evReviewSignal, reviewSignalPayload{TaskID: sig.TaskID, Signal: SignalRevise, Notes: sig.Notes, Origin: origin}); err != nil {
			return false, err
		}
	}

	return true, r.nextReview()
}

// nextReview either surfaces the next escalated task or resumes running.
func (r *run) nextReview() error {
	if r.rs.pendingReview != "" {
		return nil
	}
	var escalated []string
	for id, res := range r.rs.results {
		if res.State == executor.StateEscalated {
			escalated = append(escalated, id)
		}
	}
	if len(escalated) > 0 {
		sort.Strings(escalated)
		return r.requestReview(escalated[0], r.rs.results[escalated[0]].Confidence)
	}
	if r.rs.state == StateAwaitingReview {
		return r.setState(StateRunning)
	}
	return nil
}

func (r *run) checkpoint() error {
	var completed []string
	for id := range r.rs.graph.Tasks {
		if r.settled(id) {
			completed = append(completed, id)
		}
	}
	sort.Strings(completed)
	attempts := 0
	for _, n := range r.rs.attempts {
		attempts += n
	}
	logging.WorkflowDebug("workflow %s checkpoint: %d/%d tasks settled",
		r.rs.workflowID, len(completed), len(r.rs.graph.Tasks))
	return r.emit(evCheckpoint, checkpointPayload{Completed: completed, Attempts: attempts, State: r.rs.state})
}

func (r *run) drain(inflight map[string]bool, outcomes <-chan attemptOutcome) {
	grace := time.NewTimer(r.engine.cfg.CancelGrace)
	defer grace.Stop()
	for len(inflight) > 0 {
		select {
		case out := <-outcomes:
			delete(inflight, out.taskID)
		case <-grace.C:
			logging.WorkflowWarn("workflow %s: %d attempts still running after grace period",
				r.rs.workflowID, len(inflight))
			return
		}
	}
}

func (r *run) assemble(ctx context.Context) error {
	a := r.engine.deps.Assembler
	c, err := a.Assemble(ctx, r.rs.request, r.rs.graph, r.rs.results)
	if err != nil {
		if ctx.Err() != nil {
			return errParked
		}
		return r.failNow("", err)
	}
	if err := a.Finalize(c); err != nil {
		return r.failNow("", err)
	}
	if err := r.emit(evCapsuleReady, capsuleReadyPayload{
		CapsuleID: c.ID, Version: c.Version, Degraded: c.Report.Degraded,
	}); err != nil {
		return err
	}
	return r.setState(StateDelivering)
}

func (r *run) deliver(ctx context.Context) error {
	if r.engine.deps.Deliverer == nil {
		// No VCS target configured; the finalized capsule is the deliverable.
		if err := r.emit(evDelivered, deliveredPayload{CapsuleID: r.rs.capsuleID, Version: r.rs.capsuleVersion}); err != nil {
			return err
		}
		trackState(StateDelivering, StateDelivered)
		r.recordMemory(ctx)
		logging.Workflow("workflow %s delivered (capsule %s v%d, local only)",
			r.rs.workflowID, r.rs.capsuleID, r.rs.capsuleVersion)
		return nil
	}

	c, err := r.engine.deps.Assembler.Load(r.rs.capsuleID, r.rs.capsuleVersion)
	if err != nil {
		return r.failNow("", err)
	}

	var rcpt *delivery.Receipt
	for attempt := 1; attempt <= 3; attempt++ {
		rcpt, err = r.engine.deps.Deliverer.Deliver(ctx, c, r.rs.request.Tenant)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return errParked
		}
		if !faults.KindOf(err).Retryable() {
			break
		}
		if sleepErr := sleepCtx(ctx, r.retryDelay(attempt+1)); sleepErr != nil {
			return errParked
		}
	}
	if err != nil {
		return r.failNow("", err)
	}

	if err := r.emit(evDelivered, deliveredPayload{
		CapsuleID: r.rs.capsuleID, Version: r.rs.capsuleVersion,
		RepoURL: rcpt.RepoURL, CommitSHA: rcpt.CommitSHA,
	}); err != nil {
		return err
	}
	trackState(StateDelivering, StateDelivered)
	r.recordMemory(ctx)
	logging.Workflow("workflow %s delivered: capsule %s v%d -> %s",
		r.rs.workflowID, r.rs.capsuleID, r.rs.capsuleVersion, rcpt.RepoURL)
	return nil
}

// recordMemory stores the decomposition as a prior for future requests.
func (r *run) recordMemory(ctx context.Context) {
	mem := r.engine.deps.Memory
	if mem == nil || r.rs.graph == nil {
		return
	}
	order, err := r.rs.graph.TopoOrder()
	if err != nil {
		return
	}
	p := plannedPayload{Edges: r.rs.graph.Edges}
	for _, id := range order {
		p.Tasks = append(p.Tasks, r.rs.graph.Tasks[id])
	}
	template, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := mem.Record(ctx, r.rs.request.ID, r.rs.request.Description, template, "delivered"); err != nil {
		logging.WorkflowWarn("workflow %s: memory record failed: %v", r.rs.workflowID, err)
	}
}

func (r *run) finalizeCancel(reason string) error {
	from := r.rs.state
	if err := r.emit(evCancelled, cancelledPayload{
		Kind:    string(faults.Cancellation),
		Message: reason,
	}); err != nil {
		return err
	}
	trackState(from, StateCancelled)
	logging.Workflow("workflow %s cancelled: %s", r.rs.workflowID, reason)
	return nil
}

func (r *run) failNow(taskID string, cause error) error {
	from := r.rs.state
	kind := faults.KindOf(cause)
	if err := r.emit(evFailed, failedPayload{TaskID: taskID, Kind: string(kind), Message: cause.Error()}); err != nil {
		return err
	}
	trackState(from, StateFailed)
	logging.Audit(logging.AuditEvent{
		Type:       logging.AuditWorkflowFatal,
		WorkflowID: r.rs.workflowID,
		TaskID:     taskID,
		Tenant:     r.rs.request.Tenant,
		Detail:     cause.Error(),
	})
	logging.WorkflowWarn("workflow %s failed: %v", r.rs.workflowID, cause)
	return nil
}

func (r *run) status() *Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rs.status()
}

// retryDelay derives the deterministic backoff before an attempt: zero
// for the first, then exponential with seeded jitter so a replayed
// workflow reproduces its own schedule.
func (r *run) retryDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := r.engine.cfg.RetryBase
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt-2)
	if limit := r.engine.cfg.RetryCap; d > limit {
		d = limit
	}
	jitter := 0.8 + 0.4*rngFor(r.rs.workflowID, r.rs.seq).Float64()
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
