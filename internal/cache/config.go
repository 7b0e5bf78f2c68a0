package cache

import (
	"fmt"
	"time"

	"github.com/docuflow/docuflow/pkg/errors"
)

// CategoryConfig controls caching and adaptive timeout behavior for one
// result category. Categories are tuned independently: a clause extraction
// pass has very different latency and reuse characteristics than a one-line
// summary.
type CategoryConfig struct {
	// CacheTTL is how long stored results stay valid
	CacheTTL time.Duration `json:"cache_ttl"`
	// MaxCacheEntries bounds the per-category entry count; LRU beyond it
	MaxCacheEntries int `json:"max_cache_entries"`
	// CachingEnabled gates storage entirely; lookups always miss when off
	CachingEnabled bool `json:"caching_enabled"`

	// DefaultTimeout is the starting point for timeout computation
	DefaultTimeout time.Duration `json:"default_timeout"`
	// MinTimeout and MaxTimeout clamp every computed timeout
	MinTimeout time.Duration `json:"min_timeout"`
	MaxTimeout time.Duration `json:"max_timeout"`
	// AdaptiveTimeoutEnabled switches on percentile-based timeouts once
	// enough execution samples exist
	AdaptiveTimeoutEnabled bool `json:"adaptive_timeout_enabled"`
	// TimeoutRetryMultiplier scales the timeout per prior retry
	TimeoutRetryMultiplier float64 `json:"timeout_retry_multiplier"`
	// HistoryWindowSize is how many recent execution times feed the percentile
	HistoryWindowSize int `json:"history_window_size"`
	// TimeoutPercentile is the percentile of observed execution times used
	// as the adaptive base, expressed as a fraction in (0, 1]
	TimeoutPercentile float64 `json:"timeout_percentile"`
}

// DefaultCategoryConfig returns the configuration applied to categories
// that have not been tuned explicitly.
func DefaultCategoryConfig() CategoryConfig {
	return CategoryConfig{
		CacheTTL:               time.Hour,
		MaxCacheEntries:        1000,
		CachingEnabled:         true,
		DefaultTimeout:         30 * time.Second,
		MinTimeout:             5 * time.Second,
		MaxTimeout:             5 * time.Minute,
		AdaptiveTimeoutEnabled: true,
		TimeoutRetryMultiplier: 1.5,
		HistoryWindowSize:      50,
		TimeoutPercentile:      0.95,
	}
}

// Validate checks the configuration ranges
func (c CategoryConfig) Validate() error {
	if c.CacheTTL <= 0 {
		return errors.NewValidationError("cache_ttl must be positive")
	}
	if c.MaxCacheEntries <= 0 {
		return errors.NewValidationError("max_cache_entries must be positive")
	}
	if c.DefaultTimeout <= 0 {
		return errors.NewValidationError("default_timeout must be positive")
	}
	if c.MinTimeout <= 0 || c.MaxTimeout < c.MinTimeout {
		return errors.NewValidationError("timeout bounds must satisfy 0 < min <= max")
	}
	if c.DefaultTimeout < c.MinTimeout || c.DefaultTimeout > c.MaxTimeout {
		return errors.NewValidationError(
			fmt.Sprintf("default_timeout %s outside bounds [%s, %s]",
				c.DefaultTimeout, c.MinTimeout, c.MaxTimeout))
	}
	if c.TimeoutRetryMultiplier < 1.0 {
		return errors.NewValidationError("timeout_retry_multiplier must be >= 1.0")
	}
	if c.HistoryWindowSize <= 0 {
		return errors.NewValidationError("history_window_size must be positive")
	}
	if c.TimeoutPercentile <= 0 || c.TimeoutPercentile > 1 {
		return errors.NewValidationError("timeout_percentile must be in (0, 1]")
	}
	return nil
}
