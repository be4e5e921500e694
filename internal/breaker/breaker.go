// Package breaker guards every external collaborator with a three-state
// circuit breaker. Collaborator ids follow the "class:name" convention,
// e.g. "llm:anthropic", "sandbox", "validator", "vcs".
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"capsmith/internal/faults"
	"capsmith/internal/logging"
	"capsmith/internal/metrics"

	"github.com/sony/gobreaker"
)

// Config configures every breaker in the set.
type Config struct {
	// FailureThreshold is the consecutive tripping failures that open the
	// circuit.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit waits before allowing a
	// single half-open probe.
	RecoveryTimeout time.Duration
}

// Set holds one breaker per collaborator, created lazily.
type Set struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewSet builds the breaker set.
func NewSet(cfg Config) *Set {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Set{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (s *Set) breaker(collaborator string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[collaborator]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: collaborator,
		// Half-open admits exactly one probe.
		MaxRequests: 1,
		Timeout:     s.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(s.cfg.FailureThreshold)
		},
		// Only transient and throttle failures advance the breaker. A 400
		// from a healthy collaborator is the caller's problem, not the
		// collaborator's.
		IsSuccessful: func(err error) bool {
			return err == nil || !faults.KindOf(err).TripsBreaker()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Breaker("%s: %s -> %s", name, from, to)
			metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			metrics.BreakerState.WithLabelValues(name).Set(stateGauge(to))
			if to == gobreaker.StateOpen {
				logging.Audit(logging.AuditEvent{
					Type:   logging.AuditBreakerOpen,
					Detail: "circuit opened after consecutive failures",
					Fields: map[string]any{"collaborator": name},
				})
			}
		},
	})
	s.breakers[collaborator] = cb
	return cb
}

func stateGauge(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Do runs fn through the collaborator's breaker. While the circuit is open
// the call is rejected without dispatch; the rejection is classified
// transient so callers back off and retry.
func (s *Set) Do(ctx context.Context, collaborator string, fn func(context.Context) error) error {
	cb := s.breaker(collaborator)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.ShortCircuits.WithLabelValues(collaborator).Inc()
		logging.BreakerDebug("%s: short-circuited", collaborator)
		return faults.Newf(faults.Transient, "breaker."+collaborator, "short_circuit: %v", err)
	}
	return err
}

// State reports the collaborator's current circuit state.
func (s *Set) State(collaborator string) string {
	return s.breaker(collaborator).State().String()
}

// Allow reports whether a call would currently be dispatched. Read-only;
// used by status reporting.
func (s *Set) Allow(collaborator string) bool {
	return s.breaker(collaborator).State() != gobreaker.StateOpen
}
