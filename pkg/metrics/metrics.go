package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Provider execution metrics
	ProviderAttempts        *prometheus.CounterVec
	ProviderAttemptDuration *prometheus.HistogramVec
	RetryAttempts           *prometheus.CounterVec
	FallbackExecutions      *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Cache metrics
	CacheOperations *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec
	CacheEntries    *prometheus.GaugeVec
	TimeoutsTotal   *prometheus.CounterVec

	// Provider health metrics
	ProviderSuccessRate *prometheus.GaugeVec
	ProviderResponseMs  *prometheus.GaugeVec

	registry *prometheus.Registry
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "docuflow",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics on a dedicated
// registry so multiple instances can coexist in tests.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		ProviderAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_attempts_total",
				Help:      "Total number of provider attempts",
			},
			[]string{"provider", "category", "status"},
		),
		ProviderAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_attempt_duration_seconds",
				Help:      "Provider attempt duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "category", "status"},
		),
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "status"},
		),
		FallbackExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_executions_total",
				Help:      "Total number of fallback executions",
			},
			[]string{"category", "strategy", "status"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_rejections_total",
				Help:      "Total number of calls rejected by circuit breakers",
			},
			[]string{"breaker"},
		),
		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_operations_total",
				Help:      "Total number of cache operations",
			},
			[]string{"category", "operation"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_evictions_total",
				Help:      "Total number of cache evictions",
			},
			[]string{"category", "reason"},
		),
		CacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_entries",
				Help:      "Current number of cache entries",
			},
			[]string{"category"},
		),
		TimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "timeouts_total",
				Help:      "Total number of operation timeouts",
			},
			[]string{"category"},
		),
		ProviderSuccessRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_success_rate",
				Help:      "Smoothed provider success rate",
			},
			[]string{"provider"},
		),
		ProviderResponseMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_response_time_ms",
				Help:      "Moving average provider response time in milliseconds",
			},
			[]string{"provider"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProviderAttempts,
		m.ProviderAttemptDuration,
		m.RetryAttempts,
		m.FallbackExecutions,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.CacheOperations,
		m.CacheEvictions,
		m.CacheEntries,
		m.TimeoutsTotal,
		m.ProviderSuccessRate,
		m.ProviderResponseMs,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordProviderAttempt records a provider attempt outcome
func (m *Metrics) RecordProviderAttempt(provider, category, status string, duration time.Duration) {
	if m.ProviderAttempts == nil {
		return
	}

	m.ProviderAttempts.WithLabelValues(provider, category, status).Inc()
	m.ProviderAttemptDuration.WithLabelValues(provider, category, status).Observe(duration.Seconds())
}

// RecordRetryAttempt records a retry attempt
func (m *Metrics) RecordRetryAttempt(operation, status string) {
	if m.RetryAttempts == nil {
		return
	}

	m.RetryAttempts.WithLabelValues(operation, status).Inc()
}

// RecordFallbackExecution records a fallback execution outcome
func (m *Metrics) RecordFallbackExecution(category, strategy, status string) {
	if m.FallbackExecutions == nil {
		return
	}

	m.FallbackExecutions.WithLabelValues(category, strategy, status).Inc()
}

// RecordBreakerTransition records a circuit breaker state transition
func (m *Metrics) RecordBreakerTransition(breaker, from, to string) {
	if m.BreakerTransitions == nil {
		return
	}

	m.BreakerTransitions.WithLabelValues(breaker, from, to).Inc()
}

// RecordBreakerRejection records a call rejected by an open breaker
func (m *Metrics) RecordBreakerRejection(breaker string) {
	if m.BreakerRejections == nil {
		return
	}

	m.BreakerRejections.WithLabelValues(breaker).Inc()
}

// RecordCacheOperation records a cache hit, miss, store or invalidation
func (m *Metrics) RecordCacheOperation(category, operation string) {
	if m.CacheOperations == nil {
		return
	}

	m.CacheOperations.WithLabelValues(category, operation).Inc()
}

// RecordCacheEviction records a cache eviction with its reason
func (m *Metrics) RecordCacheEviction(category, reason string) {
	if m.CacheEvictions == nil {
		return
	}

	m.CacheEvictions.WithLabelValues(category, reason).Inc()
}

// UpdateCacheEntries updates the per-category entry count gauge
func (m *Metrics) UpdateCacheEntries(category string, count int) {
	if m.CacheEntries == nil {
		return
	}

	m.CacheEntries.WithLabelValues(category).Set(float64(count))
}

// RecordTimeout records an operation timeout
func (m *Metrics) RecordTimeout(category string) {
	if m.TimeoutsTotal == nil {
		return
	}

	m.TimeoutsTotal.WithLabelValues(category).Inc()
}

// UpdateProviderHealth updates provider health gauges
func (m *Metrics) UpdateProviderHealth(provider string, successRate float64, responseTime time.Duration) {
	if m.ProviderSuccessRate == nil {
		return
	}

	m.ProviderSuccessRate.WithLabelValues(provider).Set(successRate)
	m.ProviderResponseMs.WithLabelValues(provider).Set(float64(responseTime.Milliseconds()))
}

// Handler returns a Gin handler serving the metrics endpoint
func (m *Metrics) Handler() gin.HandlerFunc {
	if m.registry == nil {
		return func(c *gin.Context) { c.Status(204) }
	}

	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware returns a Gin middleware that records HTTP request metrics
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}
