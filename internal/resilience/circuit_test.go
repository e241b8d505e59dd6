package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tripBreaker(t *testing.T, cb *CircuitBreaker, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return errors.New("downstream unavailable")
		})
	}
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	calls := 0
	err := cb.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	tripBreaker(t, cb, 3)
	require.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Fatal("call admitted through an open circuit")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessClearsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	tripBreaker(t, cb, 2)
	failures, state := cb.Counters()
	require.Equal(t, 2, failures)
	require.Equal(t, CircuitClosed, state)

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))

	failures, _ = cb.Counters()
	assert.Zero(t, failures)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	base := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 30 * time.Second})
	cb.now = func() time.Time { return base }

	tripBreaker(t, cb, 2)
	require.Equal(t, CircuitOpen, cb.State())

	cb.now = func() time.Time { return base.Add(31 * time.Second) }
	require.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	base := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 30 * time.Second})
	cb.now = func() time.Time { return base }

	tripBreaker(t, cb, 2)
	cb.now = func() time.Time { return base.Add(31 * time.Second) }

	tripBreaker(t, cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_ShouldTripFilters(t *testing.T) {
	marker := errors.New("not worth tripping on")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       func(err error) bool { return !errors.Is(err, marker) },
	})

	err := cb.Execute(context.Background(), func(context.Context) error { return marker })
	require.ErrorIs(t, err, marker)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ResetClosesAndNotifies(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	tripBreaker(t, cb, 1)
	cb.Reset()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestExecuteVal_PreservesValue(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	got, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "GSR 12V-35", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "GSR 12V-35", got)
}

func TestExecuteVal_OpenCircuitReturnsZero(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	tripBreaker(t, cb, 1)

	got, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		t.Fatal("call admitted through an open circuit")
		return "unreachable", nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Empty(t, got)
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(8, 45)
	assert.Equal(t, 8, cfg.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.ResetTimeout)

	cfg = FromCircuitConfig(0, -1)
	def := DefaultCircuitBreakerConfig()
	assert.Equal(t, def.FailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, def.ResetTimeout, cfg.ResetTimeout)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}
