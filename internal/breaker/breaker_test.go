package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"capsmith/internal/faults"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transientCall(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestOpensAfterConsecutiveTransientFailures(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	boom := faults.New(faults.Transient, "validator.validate", errors.New("timeout"))

	for i := 0; i < 3; i++ {
		err := s.Do(context.Background(), "validator", transientCall(boom))
		require.Error(t, err)
	}
	assert.Equal(t, "open", s.State("validator"))
	assert.False(t, s.Allow("validator"))

	// Calls short-circuit while open and come back retryable.
	called := false
	err := s.Do(context.Background(), "validator", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "open circuit must not dispatch")
	assert.Equal(t, faults.Transient, faults.KindOf(err))
}

func TestPermanentFailuresDoNotTrip(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	bad := faults.New(faults.Permanent, "llm.generate", errors.New("status 400"))

	for i := 0; i < 10; i++ {
		err := s.Do(context.Background(), "llm:openai", transientCall(bad))
		require.Error(t, err)
		assert.Equal(t, faults.Permanent, faults.KindOf(err), "original error passes through")
	}
	assert.Equal(t, "closed", s.State("llm:openai"))
}

func TestThrottleAdvancesBreaker(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	throttled := faults.New(faults.Throttle, "llm.generate", errors.New("status 429"))

	require.Error(t, s.Do(context.Background(), "llm:anthropic", transientCall(throttled)))
	require.Error(t, s.Do(context.Background(), "llm:anthropic", transientCall(throttled)))
	assert.Equal(t, "open", s.State("llm:anthropic"))
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})
	boom := faults.New(faults.Transient, "vcs.push", errors.New("503"))

	require.Error(t, s.Do(context.Background(), "vcs", transientCall(boom)))
	assert.Equal(t, "open", s.State("vcs"))

	time.Sleep(80 * time.Millisecond)

	// One probe allowed; its success closes the circuit.
	err := s.Do(context.Background(), "vcs", transientCall(nil))
	require.NoError(t, err)
	assert.Equal(t, "closed", s.State("vcs"))
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})
	boom := faults.New(faults.Transient, "sandbox.run", errors.New("timeout"))

	require.Error(t, s.Do(context.Background(), "sandbox", transientCall(boom)))
	time.Sleep(80 * time.Millisecond)

	require.Error(t, s.Do(context.Background(), "sandbox", transientCall(boom)))
	assert.Equal(t, "open", s.State("sandbox"))
}

func TestBreakersAreIndependentPerCollaborator(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	boom := faults.New(faults.Transient, "x", errors.New("down"))

	require.Error(t, s.Do(context.Background(), "llm:openai", transientCall(boom)))
	assert.Equal(t, "open", s.State("llm:openai"))
	assert.Equal(t, "closed", s.State("llm:anthropic"))
	assert.Equal(t, "closed", s.State("vcs"))
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	boom := faults.New(faults.Transient, "x", errors.New("blip"))

	require.Error(t, s.Do(context.Background(), "store", transientCall(boom)))
	require.Error(t, s.Do(context.Background(), "store", transientCall(boom)))
	require.NoError(t, s.Do(context.Background(), "store", transientCall(nil)))
	require.Error(t, s.Do(context.Background(), "store", transientCall(boom)))
	require.Error(t, s.Do(context.Background(), "store", transientCall(boom)))
	assert.Equal(t, "closed", s.State("store"), "success in between resets the streak")
}
