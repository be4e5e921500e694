// Package workflow is the durable orchestration engine. Each workflow is
// an event-sourced state machine persisted to the store; crash recovery
// replays the log and resumes every non-terminal workflow from its last
// recorded position.
package workflow

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"capsmith/internal/capsule"
	"capsmith/internal/delivery"
	"capsmith/internal/executor"
	"capsmith/internal/faults"
	"capsmith/internal/graph"
	"capsmith/internal/logging"
	"capsmith/internal/memory"
	"capsmith/internal/metrics"
	"capsmith/internal/router"
	"capsmith/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Config tunes the engine.
type Config struct {
	MaxConcurrentTasks     int
	MaxConcurrentWorkflows int
	RetryMax               int
	RetryBase              time.Duration
	RetryCap               time.Duration
	CheckpointEvery        int
	WorkflowDeadline       time.Duration
	ActivityDeadline       time.Duration
	HeartbeatInterval      time.Duration
	CancelGrace            time.Duration
	ReviewTimeout          time.Duration
	ReviewOnTimeout        string // approve, reject, fail
}

// Deps are the engine's collaborators. Deliverer and Memory may be nil;
// a nil deliverer finalizes capsules without a VCS hand-off.
type Deps struct {
	Store     *store.Store
	Builder   *graph.Builder
	Router    *router.Router
	Executor  *executor.Executor
	Assembler *capsule.Assembler
	Deliverer *delivery.Deliverer
	Memory    *memory.Store
}

// Signal is an external control input for a workflow.
type Signal struct {
	Type   string `json:"type"` // approve, reject, revise, cancel
	TaskID string `json:"task_id,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// Signal types.
const (
	SignalApprove = "approve"
	SignalReject  = "reject"
	SignalRevise  = "revise"
	SignalCancel  = "cancel"
)

// TaskStatus is one task's view in a status report.
type TaskStatus struct {
	TaskID     string  `json:"task_id"`
	Kind       string  `json:"kind"`
	State      string  `json:"state"` // pending, running, validated, failed, escalated
	Attempt    int     `json:"attempt,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Cached     bool    `json:"cached,omitempty"`
}

// Status is the externally visible workflow state.
type Status struct {
	WorkflowID     string       `json:"workflow_id"`
	RequestID      string       `json:"request_id"`
	Tenant         string       `json:"tenant"`
	State          string       `json:"state"`
	Tasks          []TaskStatus `json:"tasks,omitempty"`
	Errors         []ErrorEntry `json:"errors,omitempty"`
	PendingReview  string       `json:"pending_review_task,omitempty"`
	CapsuleID      string       `json:"capsule_id,omitempty"`
	CapsuleVersion int          `json:"capsule_version,omitempty"`
	AcceptedAt     time.Time    `json:"accepted_at"`
}

// runState is the replayable core: a pure fold over the event history.
type runState struct {
	workflowID     string
	seq            int64
	request        *graph.Request
	graph          *graph.Graph
	state          string
	results        map[string]*executor.TaskResult
	attempts       map[string]int
	timeouts       map[string]int    // sandbox wall-clock kills per task
	reviseNotes    map[string]string // reviewer notes for revised tasks
	errors         []ErrorEntry
	pendingReview  string
	reviewDeadline time.Time
	capsuleID      string
	capsuleVersion int
	acceptedAt     time.Time
}

func newRunState(workflowID string) *runState {
	return &runState{
		workflowID:  workflowID,
		state:       StateAccepted,
		results:     make(map[string]*executor.TaskResult),
		attempts:    make(map[string]int),
		timeouts:    make(map[string]int),
		reviseNotes: make(map[string]string),
	}
}

// Engine runs workflows.
type Engine struct {
	cfg  Config
	deps Deps

	mu        sync.Mutex
	runs      map[string]*run
	byRequest map[string]string // active request id -> workflow id

	wfSem   *semaphore.Weighted
	taskSem *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewEngine creates an engine. Call Recover before Submit to resume
// workflows from a previous process.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 100
	}
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 50
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 5
	}
	if cfg.WorkflowDeadline <= 0 {
		cfg.WorkflowDeadline = 2 * time.Hour
	}
	if cfg.ActivityDeadline <= 0 {
		cfg.ActivityDeadline = 10 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 30 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 30 * time.Second
	}
	if cfg.ReviewTimeout <= 0 {
		cfg.ReviewTimeout = 24 * time.Hour
	}
	if cfg.ReviewOnTimeout == "" {
		cfg.ReviewOnTimeout = "approve"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		runs:      make(map[string]*run),
		byRequest: make(map[string]string),
		wfSem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkflows)),
		taskSem:   semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		baseCtx:   ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Submit starts a workflow for the request. Submitting a request id that
// already has an active workflow returns the existing workflow id.
func (e *Engine) Submit(ctx context.Context, req *graph.Request) (string, error) {
	if req == nil {
		return "", faults.Newf(faults.Permanent, "workflow.submit", "nil request")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	// Reserve the request id before anything durable happens: a concurrent
	// submit of the same id must never journal a second accepted event,
	// or recovery would resume the orphan as a duplicate pipeline.
	workflowID := "wf-" + uuid.NewString()
	e.mu.Lock()
	if wfID, active := e.byRequest[req.ID]; active {
		e.mu.Unlock()
		logging.Workflow("request %s already active as %s", req.ID, wfID)
		return wfID, nil
	}
	e.byRequest[req.ID] = workflowID
	e.mu.Unlock()

	unreserve := func() {
		e.mu.Lock()
		if e.byRequest[req.ID] == workflowID {
			delete(e.byRequest, req.ID)
		}
		e.mu.Unlock()
	}

	if err := e.wfSem.Acquire(ctx, 1); err != nil {
		unreserve()
		return "", faults.New(faults.Cancellation, "workflow.submit", err)
	}

	r := newRun(e, newRunState(workflowID))
	if err := r.emit(evAccepted, acceptedPayload{Request: req, At: e.now()}); err != nil {
		e.wfSem.Release(1)
		unreserve()
		return "", err
	}

	e.mu.Lock()
	e.runs[workflowID] = r
	e.mu.Unlock()

	metrics.WorkflowsByState.WithLabelValues(StateAccepted).Inc()
	logging.Workflow("workflow %s accepted for request %s (tenant %s)", workflowID, req.ID, req.Tenant)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.wfSem.Release(1)
		r.loop(e.baseCtx)
		e.retire(r)
	}()
	return workflowID, nil
}

// Signal delivers a control signal to an active workflow.
func (e *Engine) Signal(ctx context.Context, workflowID string, sig Signal) error {
	switch sig.Type {
	case SignalApprove, SignalReject, SignalRevise, SignalCancel:
	default:
		return faults.Newf(faults.Permanent, "workflow.signal", "unknown signal type %q", sig.Type)
	}
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return faults.New(faults.Permanent, "workflow.signal", fmt.Errorf("workflow %s not active: %w", workflowID, store.ErrNotFound))
	}
	select {
	case r.signals <- sig:
		return nil
	case <-r.done:
		return faults.Newf(faults.Permanent, "workflow.signal", "workflow %s finished", workflowID)
	case <-ctx.Done():
		return faults.New(faults.Cancellation, "workflow.signal", ctx.Err())
	}
}

// Status reports a workflow's state. Finished workflows are rebuilt from
// the event log.
func (e *Engine) Status(workflowID string) (*Status, error) {
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if ok {
		return r.status(), nil
	}

	history, err := e.deps.Store.LoadHistory(workflowID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, faults.New(faults.Permanent, "workflow.status", fmt.Errorf("workflow %s: %w", workflowID, store.ErrNotFound))
	}
	rs, err := fold(workflowID, history)
	if err != nil {
		return nil, err
	}
	return rs.status(), nil
}

// Recover replays persisted workflows and resumes every non-terminal one.
// Idempotent per process start; call once before accepting submissions.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := e.deps.Store.ListWorkflowIDs()
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, id := range ids {
		history, err := e.deps.Store.LoadHistory(id)
		if err != nil {
			return resumed, err
		}
		rs, err := fold(id, history)
		if err != nil {
			logging.WorkflowWarn("workflow %s history unreadable, leaving as-is: %v", id, err)
			continue
		}
		if terminal(rs.state) {
			continue
		}
		if err := e.wfSem.Acquire(ctx, 1); err != nil {
			return resumed, faults.New(faults.Cancellation, "workflow.recover", err)
		}

		r := newRun(e, rs)
		e.mu.Lock()
		e.runs[id] = r
		if rs.request != nil {
			e.byRequest[rs.request.ID] = id
		}
		e.mu.Unlock()

		logging.Workflow("workflow %s recovered in state %s at seq %d", id, rs.state, rs.seq)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.wfSem.Release(1)
			r.loop(e.baseCtx)
			e.retire(r)
		}()
		resumed++
	}
	return resumed, nil
}

// Shutdown stops accepting work and waits for running workflows to park.
// In-flight workflows persist their position and resume on Recover.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) retire(r *run) {
	e.mu.Lock()
	delete(e.runs, r.rs.workflowID)
	if r.rs.request != nil && e.byRequest[r.rs.request.ID] == r.rs.workflowID {
		delete(e.byRequest, r.rs.request.ID)
	}
	e.mu.Unlock()
}

func newRun(e *Engine, rs *runState) *run {
	return &run{
		engine:  e,
		rs:      rs,
		signals: make(chan Signal, 8),
		done:    make(chan struct{}),
	}
}

// rngFor derives a deterministic source for a workflow decision point, so
// replayed decisions reproduce the original jitter.
func rngFor(workflowID string, seq int64) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(workflowID))
	return rand.New(rand.NewSource(int64(h.Sum64()) ^ seq))
}

func (rs *runState) status() *Status {
	st := &Status{
		WorkflowID:     rs.workflowID,
		State:          rs.state,
		Errors:         rs.errors,
		PendingReview:  rs.pendingReview,
		CapsuleID:      rs.capsuleID,
		CapsuleVersion: rs.capsuleVersion,
		AcceptedAt:     rs.acceptedAt,
	}
	if rs.request != nil {
		st.RequestID = rs.request.ID
		st.Tenant = rs.request.Tenant
	}
	if rs.graph != nil {
		order, err := rs.graph.TopoOrder()
		if err != nil {
			for id := range rs.graph.Tasks {
				order = append(order, id)
			}
		}
		for _, id := range order {
			t := rs.graph.Tasks[id]
			ts := TaskStatus{TaskID: id, Kind: string(t.Kind), State: "pending", Attempt: rs.attempts[id]}
			if res, ok := rs.results[id]; ok {
				ts.State = res.State
				ts.Confidence = res.Confidence
				ts.Cached = res.Cached
			} else if rs.attempts[id] > 0 {
				ts.State = "running"
			}
			st.Tasks = append(st.Tasks, ts)
		}
	}
	return st
}
