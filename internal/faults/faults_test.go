package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified transient", New(Transient, "sandbox.run", errors.New("timeout")), Transient},
		{"wrapped classified", fmt.Errorf("stage 2: %w", New(Throttle, "provider.generate", nil)), Throttle},
		{"context canceled", context.Canceled, Cancellation},
		{"deadline exceeded", context.DeadlineExceeded, Transient},
		{"unclassified defaults permanent", errors.New("boom"), Permanent},
		{"nil", nil, Kind("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Transient.Retryable() || !Throttle.Retryable() {
		t.Error("transient and throttle must be retryable")
	}
	for _, k := range []Kind{Permanent, PolicyViolation, BudgetExceeded, Cancellation, Corruption} {
		if k.Retryable() {
			t.Errorf("%s must not be retryable", k)
		}
	}
}

func TestTripsBreaker(t *testing.T) {
	if !Transient.TripsBreaker() || !Throttle.TripsBreaker() {
		t.Error("transient and throttle must advance the breaker")
	}
	if Permanent.TripsBreaker() || PolicyViolation.TripsBreaker() {
		t.Error("permanent and policy violations must not advance the breaker")
	}
}

func TestFromStatus(t *testing.T) {
	if k := KindOf(FromStatus("vcs.push", 429, "slow down")); k != Throttle {
		t.Errorf("429 = %v, want throttle", k)
	}
	if k := KindOf(FromStatus("vcs.push", 503, "unavailable")); k != Transient {
		t.Errorf("503 = %v, want transient", k)
	}
	if k := KindOf(FromStatus("vcs.push", 401, "no")); k != Permanent {
		t.Errorf("401 = %v, want permanent", k)
	}
}

func TestErrorsIsOnKind(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New(BudgetExceeded, "governor.acquire", errors.New("tenant cap")))
	if !errors.Is(err, &E{Kind: BudgetExceeded}) {
		t.Error("errors.Is should match bare kind sentinel")
	}
	if errors.Is(err, &E{Kind: Transient}) {
		t.Error("errors.Is must not match a different kind")
	}
}
