package executor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docuflow/docuflow/internal/cache"
	"github.com/docuflow/docuflow/internal/fallback"
	"github.com/docuflow/docuflow/internal/provider"
	"github.com/docuflow/docuflow/pkg/errors"
	"github.com/docuflow/docuflow/pkg/logging"
	"github.com/docuflow/docuflow/pkg/metrics"
	"github.com/docuflow/docuflow/pkg/tracing"
)

// Request is one resilient execution of an analysis operation
type Request struct {
	// Category names the result category, used for caching and timeouts
	Category string
	// Capability selects the provider operation
	Capability provider.Capability
	// Input is the operation payload; it also derives the cache key
	Input interface{}
	// PreferredProvider is tried first when set and eligible
	PreferredProvider string
	// Strategy overrides the configured fallback strategy
	Strategy fallback.Strategy
	// RetryCount is the number of prior attempts at a higher level; it
	// widens the computed timeout
	RetryCount int
	// BypassCache skips the lookup but still stores the fresh result
	BypassCache bool
}

// Result is the tagged outcome of a resilient execution. Failures are data
// in Err, never panics; callers branch on Success.
type Result struct {
	Success       bool              `json:"success"`
	Value         interface{}       `json:"value,omitempty"`
	Provider      string            `json:"provider,omitempty"`
	FromCache     bool              `json:"from_cache"`
	CacheKey      string            `json:"cache_key,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	Attempts      []fallback.Attempt `json:"attempts,omitempty"`
	Elapsed       time.Duration     `json:"elapsed"`
	Err           error             `json:"-"`
	Error         string            `json:"error,omitempty"`
}

// Service composes the cache, the fallback executor and the timeout layer
// into the single entry point document-analysis callers use.
type Service struct {
	cache    *cache.ResultCache
	fallback *fallback.Executor
	tracing  *tracing.TracingService
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewService creates the resilient execution service
func NewService(resultCache *cache.ResultCache, fallbackExec *fallback.Executor, tracer *tracing.TracingService, logger *logging.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Service{
		cache:    resultCache,
		fallback: fallbackExec,
		tracing:  tracer,
		logger:   logger,
		metrics:  m,
	}
}

// Execute runs the request through the cache, the fallback chain and the
// adaptive timeout layer. A cache hit short-circuits everything else.
func (s *Service) Execute(ctx context.Context, req Request) *Result {
	start := time.Now()

	correlationID := logging.GetCorrelationID(ctx)
	if correlationID == "" {
		correlationID = logging.NewCorrelationID()
		ctx = logging.WithCorrelationID(ctx, correlationID)
	}

	result := &Result{CorrelationID: correlationID}

	if err := validateRequest(req); err != nil {
		return s.fail(result, err, start)
	}

	if s.tracing != nil {
		spanCtx, execSpan := s.tracing.StartExecutionSpan(ctx, req.Category, correlationID)
		ctx = spanCtx
		defer execSpan.End()
		defer func() {
			if result.Err != nil {
				tracing.RecordError(execSpan, result.Err)
			}
		}()
	}

	log := s.logger.WithContext(ctx).WithField("component", "executor")

	if !req.BypassCache {
		value, hit, err := s.cache.Lookup(ctx, req.Category, req.Input)
		if err != nil {
			return s.fail(result, err, start)
		}
		if hit {
			key, _ := cache.CacheKey(req.Category, req.Input)
			result.Success = true
			result.Value = value
			result.FromCache = true
			result.CacheKey = key
			result.Elapsed = time.Since(start)
			log.WithFields(logrus.Fields{
				"category":  req.Category,
				"cache_key": key,
			}).Debug("Resilient execution served from cache")
			return result
		}
	}

	var execElapsed time.Duration
	value, err := s.cache.ExecuteWithTimeout(ctx, req.Category, req.RetryCount, func(execCtx context.Context) (interface{}, error) {
		fbResult := s.fallback.Execute(execCtx, fallback.Request{
			Category:          req.Category,
			Capability:        req.Capability,
			Input:             req.Input,
			PreferredProvider: req.PreferredProvider,
			Strategy:          req.Strategy,
		})
		result.Attempts = fbResult.Attempts
		result.Provider = fbResult.Provider
		execElapsed = fbResult.TotalElapsed
		if !fbResult.Success {
			return nil, fbResult.Err
		}
		return fbResult.Value, nil
	})
	if err != nil {
		log.WithFields(logrus.Fields{
			"category":          req.Category,
			"provider_attempts": len(result.Attempts),
			"error":             err.Error(),
		}).Warn("Resilient execution failed")
		return s.fail(result, err, start)
	}

	result.Success = true
	result.Value = value
	result.Elapsed = time.Since(start)

	// The history sample is the operation's own execution time, not the
	// end-to-end elapsed with cache bookkeeping included
	key, stored, storeErr := s.cache.Store(ctx, req.Category, req.Input, value, execElapsed)
	if storeErr != nil {
		// Result delivery wins over cache bookkeeping
		log.WithFields(logrus.Fields{
			"category": req.Category,
			"error":    storeErr.Error(),
		}).Warn("Failed to cache execution result")
	}
	if stored {
		result.CacheKey = key
	}

	log.WithFields(logrus.Fields{
		"category": req.Category,
		"provider": result.Provider,
		"attempts": len(result.Attempts),
		"cached":   stored,
		"elapsed":  result.Elapsed,
	}).Info("Resilient execution completed")
	return result
}

// Invalidate removes cached results for a category, cascading into the
// categories registered as depending on it.
func (s *Service) Invalidate(ctx context.Context, category string) int {
	return s.cache.InvalidateWithDependencies(ctx, category)
}

func (s *Service) fail(result *Result, err error, start time.Time) *Result {
	result.Success = false
	result.Err = err
	result.Error = err.Error()
	result.Elapsed = time.Since(start)
	return result
}

func validateRequest(req Request) error {
	if req.Category == "" {
		return errors.NewValidationError("category is required")
	}
	if req.Capability == "" {
		return errors.NewValidationError("capability is required")
	}
	if req.Input == nil {
		return errors.NewValidationError("input is required")
	}
	return nil
}
