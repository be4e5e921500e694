package workflow

import (
	"encoding/json"
	"time"

	"capsmith/internal/executor"
	"capsmith/internal/faults"
	"capsmith/internal/graph"
	"capsmith/internal/store"
)

// Workflow states.
const (
	StateAccepted       = "ACCEPTED"
	StatePlanned        = "PLANNED"
	StateRunning        = "RUNNING"
	StateAwaitingReview = "AWAITING_REVIEW"
	StateAssembling     = "ASSEMBLING"
	StateDelivering     = "DELIVERING"
	StateDelivered      = "DELIVERED"
	StateCancelling     = "CANCELLING"
	StateCancelled      = "CANCELLED"
	StateFailed         = "FAILED"
)

// terminal reports whether a workflow state accepts no further events.
func terminal(state string) bool {
	switch state {
	case StateDelivered, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Event types. Every state change is an event first; in-memory state is a
// pure fold over the history, so replaying the log reconstructs any
// workflow exactly.
const (
	evAccepted      = "workflow.accepted"
	evPlanned       = "workflow.planned"
	evStateChanged  = "workflow.state_changed"
	evTaskStarted   = "task.started"
	evTaskFinished  = "task.finished"
	evReviewWaiting = "review.waiting"
	evReviewSignal  = "review.signal"
	evCheckpoint    = "workflow.checkpoint"
	evCapsuleReady  = "capsule.finalized"
	evDelivered     = "workflow.delivered"
	evCancelled     = "workflow.cancelled"
	evFailed        = "workflow.failed"
)

type acceptedPayload struct {
	Request *graph.Request `json:"request"`
	At      time.Time      `json:"at"`
}

type plannedPayload struct {
	Tasks []*graph.Task `json:"tasks"`
	Edges [][2]string   `json:"edges"`
}

type stateChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type taskStartedPayload struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
	Tier    string `json:"tier"`
}

type taskFinishedPayload struct {
	Result *executor.TaskResult `json:"result"`
}

type reviewWaitingPayload struct {
	TaskID     string    `json:"task_id"`
	Confidence float64   `json:"confidence"`
	Deadline   time.Time `json:"deadline"`
}

type reviewSignalPayload struct {
	TaskID string `json:"task_id"`
	Signal string `json:"signal"`
	Notes  string `json:"notes,omitempty"`
	Origin string `json:"origin"` // api, timeout
}

// checkpointPayload summarizes progress so recovery can verify the fold.
type checkpointPayload struct {
	Completed []string `json:"completed"`
	Attempts  int      `json:"attempts"`
	State     string   `json:"state"`
}

type capsuleReadyPayload struct {
	CapsuleID string `json:"capsule_id"`
	Version   int    `json:"version"`
	Degraded  bool   `json:"degraded,omitempty"`
}

type deliveredPayload struct {
	CapsuleID string `json:"capsule_id"`
	Version   int    `json:"version"`
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
}

type failedPayload struct {
	TaskID  string `json:"task_id,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type cancelledPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorEntry is one entry in the status error list.
type ErrorEntry struct {
	TaskID  string    `json:"task_id,omitempty"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// fold rebuilds workflow state from its event history.
func fold(workflowID string, history []store.EventRecord) (*runState, error) {
	rs := newRunState(workflowID)
	for _, rec := range history {
		if err := rs.apply(rec); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

func (rs *runState) apply(rec store.EventRecord) error {
	decode := func(out any) error {
		if err := json.Unmarshal(rec.Payload, out); err != nil {
			return faults.Newf(faults.Corruption, "workflow.replay",
				"workflow %s event %d (%s) unreadable: %v", rs.workflowID, rec.Seq, rec.Type, err)
		}
		return nil
	}

	switch rec.Type {
	case evAccepted:
		var p acceptedPayload
		if err := decode(&p); err != nil {
			return err
		}
		rs.request = p.Request
		rs.acceptedAt = p.At
	case evPlanned:
		var p plannedPayload
		if err := decode(&p); err != nil {
			return err
		}
		g := graph.NewGraph()
		for _, t := range p.Tasks {
			g.Add(t)
		}
		for _, e := range p.Edges {
			g.AddEdge(e[0], e[1])
		}
		rs.graph = g
	case evStateChanged:
		var p stateChangedPayload
		if err := decode(&p); err != nil {
			return err
		}
		rs.state = p.To
	case evTaskStarted:
		var p taskStartedPayload
		if err := decode(&p); err != nil {
			return err
		}
		rs.attempts[p.TaskID] = p.Attempt
	case evTaskFinished:
		var p taskFinishedPayload
		if err := decode(&p); err != nil {
			return err
		}
		if p.Result != nil {
			rs.results[p.Result.TaskID] = p.Result
			if p.Result.SandboxTimedOut {
				rs.timeouts[p.Result.TaskID]++
			}
			if p.Result.State == executor.StateFailed {
				rs.errors = append(rs.errors, ErrorEntry{
					TaskID: p.Result.TaskID, Kind: string(p.Result.FailureKind),
					Message: p.Result.Failure, At: rec.At,
				})
			}
		}
	case evReviewWaiting:
		var p reviewWaitingPayload
		if err := decode(&p); err != nil {
			return err
		}
		rs.pendingReview = p.TaskID
		rs.reviewDeadline = p.Deadline
	case evReviewSignal:
		var p reviewSignalPayload
		if err := decode(&p); err != nil {
			return err
		}
		if p.TaskID == rs.pendingReview {
			rs.pendingReview = ""
		}
		if p.Signal == SignalRevise {
			// The task re-enters the ready set with reviewer notes; the
			// escalated result no longer counts as its outcome.
			delete(rs.results, p.TaskID)
			rs.reviseNotes[p.TaskID] = p.Notes
		}
	case evCheckpoint:
		// Progress summary only; the fold itself is the source of truth.
	case evCapsuleReady:
		var p capsuleReadyPayload
		if err := decode(&p); err != nil {
			return err
		}
		rs.capsuleID = p.CapsuleID
		rs.capsuleVersion = p.Version
	case evDelivered:
		var p deliveredPayload
		if err := decode(&p); err != nil {
			return err
		}
		rs.state = StateDelivered
	case evCancelled:
		var p cancelledPayload
		if err := decode(&p); err != nil {
			return err
		}
		if p.Kind == "" {
			p.Kind = string(faults.Cancellation)
		}
		if p.Message == "" {
			p.Message = "workflow cancelled"
		}
		rs.state = StateCancelled
		rs.errors = append(rs.errors, ErrorEntry{Kind: p.Kind, Message: p.Message, At: rec.At})
	case evFailed:
		var p failedPayload
		if err := decode(&p); err != nil {
			return err
		}
		rs.state = StateFailed
		rs.errors = append(rs.errors, ErrorEntry{
			TaskID: p.TaskID, Kind: p.Kind, Message: p.Message, At: rec.At,
		})
	default:
		return faults.Newf(faults.Corruption, "workflow.replay",
			"workflow %s: unknown event type %q at seq %d", rs.workflowID, rec.Type, rec.Seq)
	}
	rs.seq = rec.Seq
	return nil
}
