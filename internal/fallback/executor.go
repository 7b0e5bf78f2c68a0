package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/docuflow/docuflow/internal/health"
	"github.com/docuflow/docuflow/internal/provider"
	"github.com/docuflow/docuflow/pkg/errors"
	"github.com/docuflow/docuflow/pkg/logging"
	"github.com/docuflow/docuflow/pkg/metrics"
	"github.com/docuflow/docuflow/pkg/resilience"
)

// Strategy selects how the fallback chain is walked
type Strategy string

const (
	// Sequential tries candidates one at a time in ranked order
	Sequential Strategy = "sequential"
	// Parallel races the top candidates and takes the first success
	Parallel Strategy = "parallel"
	// Adaptive re-ranks candidates from live health before walking sequentially
	Adaptive Strategy = "adaptive"
)

// Config holds fallback executor configuration
type Config struct {
	Strategy            Strategy
	TimeoutPerProvider  time.Duration
	MaxParallelAttempts int
	// Chains maps a result category to its configured provider order.
	// Providers in a chain that are currently unhealthy are skipped.
	Chains map[string][]string
	// RetryConfig, when set, wraps every provider attempt in retries
	RetryConfig *resilience.RetryConfig
}

// DefaultConfig returns default fallback configuration
func DefaultConfig() *Config {
	return &Config{
		Strategy:            Sequential,
		TimeoutPerProvider:  60 * time.Second,
		MaxParallelAttempts: 2,
		Chains:              make(map[string][]string),
	}
}

// Request describes one unit of work to execute against the provider pool
type Request struct {
	Category   string
	Capability provider.Capability
	Input      interface{}
	// PreferredProvider, when set and eligible, is always tried first
	PreferredProvider string
	// Strategy overrides the configured strategy for this request
	Strategy Strategy
}

// Attempt records one provider attempt inside a fallback execution
type Attempt struct {
	Provider  string        `json:"provider"`
	Success   bool          `json:"success"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`

	value interface{}
}

// Result is the tagged outcome of a fallback execution. Terminal failures
// are carried in Err rather than thrown; callers branch on Success.
type Result struct {
	Success      bool          `json:"success"`
	Value        interface{}   `json:"-"`
	Provider     string        `json:"provider,omitempty"`
	Strategy     Strategy      `json:"strategy"`
	Attempts     []Attempt     `json:"attempts"`
	TotalElapsed time.Duration `json:"total_elapsed"`
	Err          error         `json:"-"`
}

// Executor walks a ranked provider chain until one attempt succeeds,
// guarding each attempt with a per-provider circuit breaker and feeding
// outcomes back into the health monitor.
type Executor struct {
	providers *provider.Registry
	monitor   *health.Monitor
	breakers  *resilience.BreakerRegistry
	retry     *resilience.RetryEngine
	config    *Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// NewExecutor creates a fallback executor
func NewExecutor(providers *provider.Registry, monitor *health.Monitor, breakers *resilience.BreakerRegistry, config *Config, logger *logging.Logger, m *metrics.Metrics) *Executor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TimeoutPerProvider <= 0 {
		config.TimeoutPerProvider = 60 * time.Second
	}
	if config.MaxParallelAttempts <= 0 {
		config.MaxParallelAttempts = 2
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Executor{
		providers: providers,
		monitor:   monitor,
		breakers:  breakers,
		retry:     resilience.NewRetryEngine(logger),
		config:    config,
		logger:    logger,
		metrics:   m,
	}
}

// Execute runs the request against the provider pool using the selected
// strategy. It never panics on provider failure; exhaustion comes back as
// an AllProvidersFailedError inside the result.
func (e *Executor) Execute(ctx context.Context, req Request) *Result {
	start := time.Now()

	strategy := req.Strategy
	if strategy == "" {
		strategy = e.config.Strategy
	}
	// Adaptive is sequential over an order recomputed from live health,
	// which candidateOrder already does on every call.
	result := &Result{Strategy: strategy}

	candidates := e.candidateOrder(req)
	if len(candidates) == 0 {
		result.Err = errors.NewAllProvidersFailedError(req.Category, nil)
		result.TotalElapsed = time.Since(start)
		return result
	}

	switch strategy {
	case Parallel:
		e.executeParallel(ctx, req, candidates, result)
	default:
		e.executeSequential(ctx, req, candidates, result)
	}

	result.TotalElapsed = time.Since(start)

	if e.metrics != nil {
		e.metrics.RecordFallbackExecution(req.Category, string(strategy), outcomeLabel(result.Success))
	}

	if !result.Success && result.Err == nil {
		result.Err = e.exhaustionError(req.Category, result.Attempts)
	}
	return result
}

// candidateOrder builds the provider order: the preferred provider first,
// then the configured chain for the category, then the remaining ranked
// providers. Unhealthy and incapable providers never appear.
func (e *Executor) candidateOrder(req Request) []string {
	ranked := e.monitor.Ranking(req.Capability)
	eligible := make(map[string]bool, len(ranked))
	for _, name := range ranked {
		eligible[name] = true
	}

	var order []string
	seen := make(map[string]bool)
	add := func(name string) {
		if eligible[name] && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}

	if req.PreferredProvider != "" {
		add(req.PreferredProvider)
	}
	for _, name := range e.config.Chains[req.Category] {
		add(name)
	}
	for _, name := range ranked {
		add(name)
	}
	return order
}

func (e *Executor) executeSequential(ctx context.Context, req Request, candidates []string, result *Result) {
	for _, name := range candidates {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			return
		}

		attempt := e.executeAttempt(ctx, name, req)
		result.Attempts = append(result.Attempts, attempt)

		if attempt.Success {
			result.Success = true
			result.Provider = name
			result.Value = attempt.value
			return
		}

		e.logger.Warn("Provider attempt failed, falling back",
			"provider", name,
			"category", req.Category,
			"error", attempt.Error,
			"elapsed", attempt.Elapsed,
		)
	}
}

// executeParallel races the first MaxParallelAttempts candidates and takes
// the first success, cancelling the rest. If every raced attempt fails it
// falls through sequentially over the remaining candidates.
func (e *Executor) executeParallel(ctx context.Context, req Request, candidates []string, result *Result) {
	raceSize := e.config.MaxParallelAttempts
	if raceSize > len(candidates) {
		raceSize = len(candidates)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type raced struct {
		index   int
		attempt Attempt
	}
	results := make(chan raced, raceSize)

	var wg sync.WaitGroup
	for i := 0; i < raceSize; i++ {
		wg.Add(1)
		go func(index int, name string) {
			defer wg.Done()
			attempt := e.executeAttempt(raceCtx, name, req)
			results <- raced{index: index, attempt: attempt}
		}(i, candidates[i])
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	attempts := make([]Attempt, raceSize)
	received := 0
	for r := range results {
		attempts[r.index] = r.attempt
		received++

		if r.attempt.Success && !result.Success {
			result.Success = true
			result.Provider = r.attempt.Provider
			result.Value = r.attempt.value
			cancel()
		}
	}

	// Attempts observed after the winner cancelled them are marked, not
	// counted as real provider failures.
	for i := range attempts {
		if result.Success && !attempts[i].Success &&
			(attempts[i].Err == context.Canceled || raceCancelled(attempts[i].Err)) {
			attempts[i].Cancelled = true
		}
	}
	result.Attempts = append(result.Attempts, attempts...)

	if result.Success || ctx.Err() != nil {
		if ctx.Err() != nil && !result.Success {
			result.Err = ctx.Err()
		}
		return
	}

	if len(candidates) > raceSize {
		e.executeSequential(ctx, req, candidates[raceSize:], result)
	}
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func raceCancelled(err error) bool {
	if err == nil {
		return false
	}
	appErr, ok := err.(*errors.AppError)
	if !ok {
		return false
	}
	return appErr.Cause == context.Canceled
}

// executeAttempt runs a single provider attempt through its circuit breaker
// and the optional retry layer, bounded by the per-provider timeout.
func (e *Executor) executeAttempt(ctx context.Context, name string, req Request) Attempt {
	start := time.Now()
	attempt := Attempt{Provider: name}

	finish := func(value interface{}, err error) Attempt {
		attempt.Elapsed = time.Since(start)
		if err == nil {
			attempt.Success = true
			attempt.value = value
		} else {
			attempt.Err = err
			attempt.Error = err.Error()
		}
		return attempt
	}

	p, err := e.providers.Get(name)
	if err != nil {
		return finish(nil, err)
	}
	op, err := p.Operation(req.Capability)
	if err != nil {
		return finish(nil, err)
	}

	breaker := e.breakers.Get(name)

	attemptCtx, cancel := context.WithTimeout(ctx, e.config.TimeoutPerProvider)
	defer cancel()

	run := func(ctx context.Context) (interface{}, error) {
		value, opErr := op(ctx, req.Input)
		if opErr != nil && ctx.Err() == context.DeadlineExceeded {
			opErr = errors.NewTimeoutError(string(req.Capability), e.config.TimeoutPerProvider, 0).
				WithCause(opErr)
		}
		return value, opErr
	}

	var value interface{}
	var execErr error
	if e.config.RetryConfig != nil {
		retryResult := e.retry.Execute(attemptCtx, run, *e.config.RetryConfig, breaker)
		if retryResult.Success {
			value = retryResult.Value
		} else {
			execErr = retryResult.FinalError
		}
		if e.metrics != nil {
			for _, ra := range retryResult.Attempts {
				e.metrics.RecordRetryAttempt(req.Category, outcomeLabel(ra.Err == nil))
			}
		}
	} else {
		value, execErr = breaker.Execute(attemptCtx, run)
	}

	elapsed := time.Since(start)

	if e.metrics != nil && errors.IsType(execErr, errors.ErrorTypeCircuitOpen) {
		e.metrics.RecordBreakerRejection(name)
	}

	// Circuit-open rejections and caller cancellation say nothing new
	// about the provider; real outcomes feed the health monitor.
	if !errors.IsType(execErr, errors.ErrorTypeCircuitOpen) &&
		execErr != context.Canceled && !raceCancelled(execErr) {
		e.monitor.UpdateHealth(name, execErr == nil, elapsed, execErr)
	}

	if e.metrics != nil {
		e.metrics.RecordProviderAttempt(name, req.Category, outcomeLabel(execErr == nil), elapsed)
	}

	return finish(value, execErr)
}

// exhaustionError converts the recorded attempts into the aggregate failure
func (e *Executor) exhaustionError(category string, attempts []Attempt) *errors.AllProvidersFailedError {
	recorded := make([]errors.ProviderAttempt, 0, len(attempts))
	for _, a := range attempts {
		if a.Success {
			continue
		}
		recorded = append(recorded, errors.ProviderAttempt{
			Provider: a.Provider,
			Err:      a.Err,
			Error:    a.Error,
			Elapsed:  a.Elapsed,
		})
	}
	return errors.NewAllProvidersFailedError(category, recorded)
}
