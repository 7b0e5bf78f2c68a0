package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/docuflow/docuflow/pkg/errors"
	"github.com/docuflow/docuflow/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited trial requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// FailurePredicate decides which errors count toward tripping the breaker.
// Validation-class errors say nothing about the resource's health and are
// excluded by the default predicate.
type FailurePredicate func(error) bool

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of counted failures that opens the circuit
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before trial calls are admitted
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes needed to close
	SuccessThreshold int
	// HalfOpenMaxCalls is the number of concurrent trial calls admitted while half-open
	HalfOpenMaxCalls int
	// FailurePredicate determines which errors count as failures
	FailurePredicate FailurePredicate
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// DefaultCircuitBreakerConfig returns a production-ready configuration
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 3,
		FailurePredicate: errors.CountsTowardBreaker,
	}
}

// StateTransition records a single state change for the admin surface
type StateTransition struct {
	From      CircuitState `json:"from"`
	To        CircuitState `json:"to"`
	Timestamp time.Time    `json:"timestamp"`
}

// Snapshot is a point-in-time copy of breaker state for monitoring
type Snapshot struct {
	Name            string            `json:"name"`
	State           string            `json:"state"`
	FailureCount    int               `json:"failure_count"`
	SuccessCount    int               `json:"success_count"`
	TotalCalls      int64             `json:"total_calls"`
	LastFailureTime time.Time         `json:"last_failure_time"`
	NextAttemptTime time.Time         `json:"next_attempt_time"`
	Transitions     []StateTransition `json:"transitions"`
}

// maxTransitionLog bounds the per-breaker transition history
const maxTransitionLog = 20

// CircuitBreaker is a per-named-resource state machine that stops calling
// a failing resource until a cool-down elapses.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	successThreshold int
	halfOpenMaxCalls int
	failurePredicate FailurePredicate
	onStateChange    func(name string, from CircuitState, to CircuitState)

	mutex           sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	halfOpenInFlight int
	totalCalls      int64
	lastFailureTime time.Time
	nextAttemptTime time.Time
	transitions     []StateTransition

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	if config.FailurePredicate == nil {
		config.FailurePredicate = errors.CountsTowardBreaker
	}

	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		recoveryTimeout:  config.RecoveryTimeout,
		successThreshold: config.SuccessThreshold,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		failurePredicate: config.FailurePredicate,
		onStateChange:    config.OnStateChange,
		state:            StateClosed,
		logger:           logging.GetLogger(),
	}
}

// CanExecute reports whether a call may be dispatched right now. It counts
// the call and performs the open-to-half-open transition when the recovery
// timeout has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalCalls++

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().Before(cb.nextAttemptTime) {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.successCount = 0
		cb.halfOpenInFlight = 1
		return true
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.halfOpenMaxCalls {
			return false
		}
		cb.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call outcome
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.halfOpenInFlight = 0
		}
	}
}

// RecordFailure records a failed call outcome. Errors the failure predicate
// rejects do not count toward the threshold, but a completed half-open trial
// always releases its budget slot.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	counts := cb.failurePredicate(err)

	switch cb.state {
	case StateClosed:
		if !counts {
			return
		}
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		if !counts {
			return
		}
		cb.successCount = 0
		cb.trip()
	}
}

// trip opens the circuit. Caller must hold the mutex.
func (cb *CircuitBreaker) trip() {
	cb.lastFailureTime = time.Now()
	cb.nextAttemptTime = cb.lastFailureTime.Add(cb.recoveryTimeout)
	cb.setState(StateOpen)
}

// Execute runs the operation if the breaker admits it, recording the outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	if !cb.CanExecute() {
		return nil, errors.NewCircuitOpenError(cb.name)
	}

	result, err := op(ctx)
	if err != nil {
		cb.RecordFailure(err)
		return nil, err
	}

	cb.RecordSuccess()
	return result, nil
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	// An expired open period reads as half-open-eligible, but the actual
	// transition only happens on CanExecute.
	return cb.state
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Snapshot returns a copy of the breaker's state for monitoring
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	transitions := make([]StateTransition, len(cb.transitions))
	copy(transitions, cb.transitions)

	return Snapshot{
		Name:            cb.name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TotalCalls:      cb.totalCalls,
		LastFailureTime: cb.lastFailureTime,
		NextAttemptTime: cb.nextAttemptTime,
		Transitions:     transitions,
	}
}

// setState transitions the breaker. Caller must hold the mutex.
func (cb *CircuitBreaker) setState(state CircuitState) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	cb.transitions = append(cb.transitions, StateTransition{
		From:      prev,
		To:        state,
		Timestamp: time.Now(),
	})
	if len(cb.transitions) > maxTransitionLog {
		cb.transitions = cb.transitions[len(cb.transitions)-maxTransitionLog:]
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", cb.failureCount,
	)
}
