package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/docuflow/docuflow/pkg/errors"
	"github.com/docuflow/docuflow/pkg/logging"
)

// BackoffStrategy determines how the delay between attempts grows
type BackoffStrategy int

const (
	// ExponentialBackoff - delay grows as base * multiplier^attempt
	ExponentialBackoff BackoffStrategy = iota
	// LinearBackoff - delay grows as base * (attempt + 1)
	LinearBackoff
	// FixedDelay - constant delay between attempts
	FixedDelay
	// Immediate - no delay between attempts
	Immediate
)

func (s BackoffStrategy) String() string {
	switch s {
	case ExponentialBackoff:
		return "exponential"
	case LinearBackoff:
		return "linear"
	case FixedDelay:
		return "fixed"
	case Immediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first
	MaxAttempts int
	// BaseDelay is the base delay used by the backoff strategy
	BaseDelay time.Duration
	// MaxDelay caps the computed delay
	MaxDelay time.Duration
	// Strategy selects the backoff curve
	Strategy BackoffStrategy
	// BackoffMultiplier is the exponent base for exponential backoff
	BackoffMultiplier float64
	// JitterMax is the upper bound of the uniform jitter added to each delay
	JitterMax time.Duration
	// RetryPredicate determines if an error is retryable
	RetryPredicate func(error) bool
	// OnRetry is called before each retry sleep
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		Strategy:          ExponentialBackoff,
		BackoffMultiplier: 2.0,
		JitterMax:         100 * time.Millisecond,
		RetryPredicate:    errors.IsRetryable,
	}
}

// RetryAttempt records a single attempt within a retried execution
type RetryAttempt struct {
	Number        int           `json:"number"`
	Delay         time.Duration `json:"delay"`
	Err           error         `json:"-"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// RetryResult is the immutable outcome of a retried execution
type RetryResult struct {
	Success      bool           `json:"success"`
	Value        interface{}    `json:"-"`
	Attempts     []RetryAttempt `json:"attempts"`
	TotalElapsed time.Duration  `json:"total_elapsed"`
	FinalError   error          `json:"-"`
}

// RetryEngine executes operations with bounded retries and backoff,
// optionally guarded by a circuit breaker.
type RetryEngine struct {
	logger *logging.Logger
}

// NewRetryEngine creates a new retry engine
func NewRetryEngine(logger *logging.Logger) *RetryEngine {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &RetryEngine{logger: logger}
}

// Execute runs the operation with the configured retry policy. When a
// breaker is supplied and rejects the call, execution aborts immediately
// with a circuit-open error; no delay is spent and no further attempts are
// made. Backoff sleeps honor context cancellation so a caller-imposed
// deadline bounds total latency.
func (e *RetryEngine) Execute(ctx context.Context, operation func(context.Context) (interface{}, error), config RetryConfig, breaker *CircuitBreaker) *RetryResult {
	config = normalizeRetryConfig(config)

	start := time.Now()
	correlationID := logging.GetCorrelationID(ctx)
	result := &RetryResult{
		Attempts: make([]RetryAttempt, 0, config.MaxAttempts),
	}

	var delay time.Duration
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			result.FinalError = ctx.Err()
			break
		}

		if breaker != nil && !breaker.CanExecute() {
			result.FinalError = errors.NewCircuitOpenError(breaker.Name()).
				WithCorrelationID(correlationID)
			break
		}

		value, err := operation(ctx)
		result.Attempts = append(result.Attempts, RetryAttempt{
			Number:        attempt,
			Delay:         delay,
			Err:           err,
			Error:         errString(err),
			Timestamp:     time.Now(),
			CorrelationID: correlationID,
		})

		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			if attempt > 1 {
				e.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"max_attempts", config.MaxAttempts,
				)
			}
			result.Success = true
			result.Value = value
			break
		}

		result.FinalError = err

		if !config.RetryPredicate(err) {
			e.logger.Debug("Error is not retryable, stopping",
				"error", err.Error(),
				"attempt", attempt,
			)
			break
		}

		if breaker != nil {
			breaker.RecordFailure(err)
		}

		if attempt == config.MaxAttempts {
			e.logger.Error("Operation failed after all retry attempts",
				"error", err.Error(),
				"attempts", config.MaxAttempts,
			)
			break
		}

		delay = computeDelay(config, attempt)

		e.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", config.MaxAttempts,
			"delay", delay,
		)

		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				result.FinalError = ctx.Err()
				result.TotalElapsed = time.Since(start)
				return result
			case <-time.After(delay):
			}
		}
	}

	result.TotalElapsed = time.Since(start)
	return result
}

// computeDelay calculates the backoff delay before the next attempt
func computeDelay(config RetryConfig, attempt int) time.Duration {
	var delay float64

	switch config.Strategy {
	case ExponentialBackoff:
		delay = float64(config.BaseDelay) * math.Pow(config.BackoffMultiplier, float64(attempt))
	case LinearBackoff:
		delay = float64(config.BaseDelay) * float64(attempt+1)
	case FixedDelay:
		delay = float64(config.BaseDelay)
	case Immediate:
		return 0
	}

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.JitterMax > 0 {
		delay += rand.Float64() * float64(config.JitterMax)
	}

	return time.Duration(delay)
}

func normalizeRetryConfig(config RetryConfig) RetryConfig {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 200 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryPredicate == nil {
		config.RetryPredicate = errors.IsRetryable
	}
	return config
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
