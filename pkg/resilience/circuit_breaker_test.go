package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/docuflow/pkg/errors"
)

func testBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 2,
	}
}

func TestCircuitBreaker_ClosedAllowsCalls(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("test-cb"))

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 5; i++ {
		require.True(t, cb.CanExecute())
		cb.RecordSuccess()
		assert.Equal(t, StateClosed, cb.State())
	}
}

func TestCircuitBreaker_TripsAtFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("test-cb"))

	for i := 0; i < 3; i++ {
		require.True(t, cb.CanExecute())
		cb.RecordFailure(errors.NewTransientError("openai", "connection reset"))
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("test-cb"))

	cb.RecordFailure(errors.NewTransientError("openai", "boom"))
	cb.RecordFailure(errors.NewTransientError("openai", "boom"))
	cb.RecordSuccess()
	cb.RecordFailure(errors.NewTransientError("openai", "boom"))
	cb.RecordFailure(errors.NewTransientError("openai", "boom"))

	// Two failures after the reset should not trip a threshold of three
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("test-cb"))

	for i := 0; i < 3; i++ {
		cb.RecordFailure(errors.NewTransientError("openai", "boom"))
	}
	require.Equal(t, StateOpen, cb.State())
	require.False(t, cb.CanExecute())

	time.Sleep(60 * time.Millisecond)

	// First call after the recovery timeout is admitted as a trial
	require.True(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.RecordSuccess()

	require.True(t, cb.CanExecute())
	cb.RecordSuccess()

	// Two consecutive successes close the circuit
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("test-cb"))

	for i := 0; i < 3; i++ {
		cb.RecordFailure(errors.NewTransientError("openai", "boom"))
	}
	time.Sleep(60 * time.Millisecond)

	require.True(t, cb.CanExecute())
	cb.RecordFailure(errors.NewTransientError("openai", "still down"))

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreaker_HalfOpenCallBudget(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("test-cb"))

	for i := 0; i < 3; i++ {
		cb.RecordFailure(errors.NewTransientError("openai", "boom"))
	}
	time.Sleep(60 * time.Millisecond)

	// Budget of two concurrent trial calls
	require.True(t, cb.CanExecute())
	require.True(t, cb.CanExecute())
	assert.False(t, cb.CanExecute())

	// Completing a trial frees budget
	cb.RecordSuccess()
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreaker_HalfOpenBudgetFreedOnNonCountingError(t *testing.T) {
	config := testBreakerConfig("test-cb")
	config.HalfOpenMaxCalls = 1
	cb := NewCircuitBreaker(config)

	for i := 0; i < 3; i++ {
		cb.RecordFailure(errors.NewTransientError("openai", "boom"))
	}
	time.Sleep(60 * time.Millisecond)

	// A trial ending in an error that does not count toward the threshold
	// must still release the single trial slot
	require.True(t, cb.CanExecute())
	cb.RecordFailure(errors.NewValidationError("bad input"))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.True(t, cb.CanExecute())
	cb.RecordSuccess()
	require.True(t, cb.CanExecute())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ValidationErrorsDoNotCount(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("test-cb"))

	for i := 0; i < 10; i++ {
		cb.RecordFailure(errors.NewValidationError("bad input"))
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CustomFailurePredicate(t *testing.T) {
	config := testBreakerConfig("test-cb")
	config.FailurePredicate = func(err error) bool {
		return errors.IsType(err, errors.ErrorTypeRateLimit)
	}
	cb := NewCircuitBreaker(config)

	for i := 0; i < 5; i++ {
		cb.RecordFailure(errors.NewTransientError("openai", "boom"))
	}
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		cb.RecordFailure(errors.NewRateLimitError("openai"))
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ExecuteReturnsCircuitOpen(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("test-cb"))

	for i := 0; i < 3; i++ {
		cb.RecordFailure(errors.NewTransientError("openai", "boom"))
	}

	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		t.Fatal("operation should not run when the circuit is open")
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))
}

func TestCircuitBreaker_ExecuteRecordsOutcome(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("test-cb"))

	result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	snapshot := cb.Snapshot()
	assert.Equal(t, int64(1), snapshot.TotalCalls)
	assert.Equal(t, 0, snapshot.FailureCount)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	config := testBreakerConfig("test-cb")
	config.OnStateChange = func(name string, from, to CircuitState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	cb := NewCircuitBreaker(config)

	for i := 0; i < 3; i++ {
		cb.RecordFailure(errors.NewTransientError("openai", "boom"))
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, "CLOSED->OPEN", transitions[0])
}

func TestCircuitBreaker_SnapshotTransitionLog(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig("test-cb"))

	for i := 0; i < 3; i++ {
		cb.RecordFailure(errors.NewTransientError("openai", "boom"))
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.CanExecute())
	cb.RecordSuccess()
	require.True(t, cb.CanExecute())
	cb.RecordSuccess()

	snapshot := cb.Snapshot()
	require.Len(t, snapshot.Transitions, 3)
	assert.Equal(t, StateClosed, snapshot.Transitions[0].From)
	assert.Equal(t, StateOpen, snapshot.Transitions[0].To)
	assert.Equal(t, StateHalfOpen, snapshot.Transitions[1].To)
	assert.Equal(t, StateClosed, snapshot.Transitions[2].To)
}

func TestBreakerRegistry_LazyCreation(t *testing.T) {
	registry := NewBreakerRegistry(BreakerDefaults{
		Config: testBreakerConfig(""),
	})

	a := registry.Get("openai")
	b := registry.Get("openai")
	c := registry.Get("anthropic")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "openai", a.Name())

	snapshots := registry.Snapshots()
	require.Len(t, snapshots, 2)
	assert.Equal(t, "anthropic", snapshots[0].Name)
	assert.Equal(t, "openai", snapshots[1].Name)
}
