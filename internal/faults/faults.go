// Package faults defines the error taxonomy the orchestration core reasons
// about. Activities classify every failure into one of the kinds below; the
// workflow engine switches on the kind alone and never inspects
// collaborator-specific messages.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// Kind is the top-level failure classification.
type Kind string

const (
	// Transient failures are retried with backoff and advance circuit
	// breakers on repetition: timeouts, network blips, sandbox soft
	// failures.
	Transient Kind = "transient"

	// Throttle is a provider rate-limit signal. Retried like Transient but
	// additionally drives the governor's adaptive back-pressure. Throttles
	// advance circuit breakers.
	Throttle Kind = "throttle"

	// Permanent failures surface immediately: invalid requests, malformed
	// output beyond recovery, unauthorized targets. They do not trip
	// breakers.
	Permanent Kind = "permanent"

	// PolicyViolation terminates the task or workflow with no retry and an
	// audit log entry.
	PolicyViolation Kind = "policy_violation"

	// BudgetExceeded fails the request early with a clear reason.
	BudgetExceeded Kind = "budget_exceeded"

	// Cancellation is user-initiated or deadline-driven orderly shutdown.
	Cancellation Kind = "cancellation"

	// Corruption marks checkpoint/history inconsistency. The workflow is
	// failed with an operator alert and never auto-retried.
	Corruption Kind = "corruption"
)

// E is a classified error. Op names the operation that failed
// ("provider.generate", "sandbox.run") for logs and status reports.
type E struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *E) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *E) Unwrap() error { return e.Err }

// Is lets errors.Is match on a bare kind sentinel.
func (e *E) Is(target error) bool {
	if t, ok := target.(*E); ok {
		return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
	}
	return false
}

// New builds a classified error.
func New(kind Kind, op string, err error) *E {
	return &E{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *E {
	return &E{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification from err. Unclassified errors default
// to Permanent: an activity that forgot to classify should not be retried
// blindly. Context errors map to Cancellation and deadline timeouts to
// Transient so plain ctx plumbing stays correct.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancellation
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return Transient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return Transient
	}
	return Permanent
}

// Retryable reports whether a failure of this kind may be retried by the
// executor. Only Transient and Throttle qualify.
func (k Kind) Retryable() bool {
	return k == Transient || k == Throttle
}

// TripsBreaker reports whether the failure advances a circuit breaker.
func (k Kind) TripsBreaker() bool {
	return k == Transient || k == Throttle
}

// FromStatus classifies an HTTP status code from an external collaborator.
func FromStatus(op string, status int, body string) *E {
	switch {
	case status == http.StatusTooManyRequests:
		return Newf(Throttle, op, "status 429: %s", truncate(body, 200))
	case status >= 500:
		return Newf(Transient, op, "status %d: %s", status, truncate(body, 200))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Newf(Permanent, op, "status %d: %s", status, truncate(body, 200))
	default:
		return Newf(Permanent, op, "status %d: %s", status, truncate(body, 200))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
