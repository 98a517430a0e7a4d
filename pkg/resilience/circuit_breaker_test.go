package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New(Config{Name: "test", FailureThreshold: 3, RecoveryTimeout: time.Hour, SuccessThreshold: 1})
	failing := func() error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		err := cb.Call(failing)
		require.Error(t, err)
	}

	assert.Equal(t, Open, cb.StateNow())

	err := cb.Call(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestCircuitBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	cb := New(Config{Name: "test", FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, SuccessThreshold: 1})

	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	assert.Equal(t, Open, cb.StateNow())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, Closed, cb.StateNow())
}

func TestCircuitBreaker_ResetsConsecutiveFailuresOnSuccess(t *testing.T) {
	cb := New(Config{Name: "test", FailureThreshold: 2, RecoveryTimeout: time.Hour, SuccessThreshold: 1})

	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	require.NoError(t, cb.Call(func() error { return nil }))
	require.Error(t, cb.Call(func() error { return errors.New("boom") }))

	assert.Equal(t, Closed, cb.StateNow(), "a single failure after a success should not trip a threshold-2 breaker")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{Name: "test", FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, SuccessThreshold: 2})

	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	time.Sleep(20 * time.Millisecond)

	require.Error(t, cb.Call(func() error { return errors.New("boom again") }))
	assert.Equal(t, Open, cb.StateNow())
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	cb := New(DefaultConfig("launcher"))
	require.NoError(t, cb.Call(func() error { return nil }))
	require.Error(t, cb.Call(func() error { return errors.New("boom") }))

	snap := cb.Snapshot()
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.TotalSuccesses)
	assert.Equal(t, int64(1), snap.TotalFailures)
}
