package cache

import (
	"context"
	"math"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docuflow/docuflow/pkg/errors"
	"github.com/docuflow/docuflow/pkg/logging"
	"github.com/docuflow/docuflow/pkg/metrics"
)

// minAdaptiveSamples is how many execution samples a category needs before
// percentile-based timeouts kick in
const minAdaptiveSamples = 3

// adaptiveBufferFactor is the safety margin applied on top of the observed
// percentile
const adaptiveBufferFactor = 2.0

// Entry is a single cached result
type Entry struct {
	Key            string      `json:"key"`
	Category       string      `json:"category"`
	Value          interface{} `json:"value"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
	AccessCount    int64       `json:"access_count"`
}

// CategoryStats summarizes one category's cache state
type CategoryStats struct {
	Category  string `json:"category"`
	Entries   int    `json:"entries"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
}

// Stats is the aggregate cache view for the ops API
type Stats struct {
	TotalEntries int             `json:"total_entries"`
	Categories   []CategoryStats `json:"categories"`
}

// ResultCache is the in-memory result cache with per-category TTL, LRU
// bounds, adaptive timeout computation, and an optional external mirror.
// Memory is always authoritative; the mirror is best-effort.
type ResultCache struct {
	mu          sync.Mutex
	entries     map[string]*Entry
	byCategory  map[string]map[string]*Entry
	configs     map[string]CategoryConfig
	defaults    CategoryConfig
	execHistory map[string][]time.Duration
	dependents  map[string][]string
	hits        map[string]int64
	misses      map[string]int64
	evictions   map[string]int64

	cleanupInterval time.Duration
	mirror          Mirror
	logger          *logging.Logger
	metrics         *metrics.Metrics
}

// Options configures a ResultCache
type Options struct {
	// Defaults applies to categories without an explicit config
	Defaults CategoryConfig
	// Categories seeds per-category configs
	Categories map[string]CategoryConfig
	// CleanupInterval is the period of the expired-entry sweep
	CleanupInterval time.Duration
	// Mirror, when set, receives best-effort copies of every entry
	Mirror  Mirror
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// NewResultCache creates a result cache
func NewResultCache(opts Options) (*ResultCache, error) {
	if opts.Defaults == (CategoryConfig{}) {
		opts.Defaults = DefaultCategoryConfig()
	}
	if err := opts.Defaults.Validate(); err != nil {
		return nil, err
	}
	for category, cfg := range opts.Categories {
		if err := cfg.Validate(); err != nil {
			return nil, errors.NewValidationError("invalid config for category " + category).WithCause(err)
		}
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}

	configs := make(map[string]CategoryConfig, len(opts.Categories))
	for category, cfg := range opts.Categories {
		configs[category] = cfg
	}

	return &ResultCache{
		entries:         make(map[string]*Entry),
		byCategory:      make(map[string]map[string]*Entry),
		configs:         configs,
		defaults:        opts.Defaults,
		execHistory:     make(map[string][]time.Duration),
		dependents:      make(map[string][]string),
		hits:            make(map[string]int64),
		misses:          make(map[string]int64),
		evictions:       make(map[string]int64),
		cleanupInterval: opts.CleanupInterval,
		mirror:          opts.Mirror,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}, nil
}

// CategoryConfigFor returns the effective configuration for a category
func (c *ResultCache) CategoryConfigFor(category string) CategoryConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configFor(category)
}

func (c *ResultCache) configFor(category string) CategoryConfig {
	if cfg, ok := c.configs[category]; ok {
		return cfg
	}
	return c.defaults
}

// UpdateCategoryConfig replaces a category's configuration at runtime.
// Existing entries keep their original expiry; new stores use the new TTL.
func (c *ResultCache) UpdateCategoryConfig(category string, cfg CategoryConfig) error {
	if category == "" {
		return errors.NewValidationError("category cannot be empty")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[category] = cfg
	c.logger.Info("Cache category config updated",
		"category", category,
		"cache_ttl", cfg.CacheTTL,
		"caching_enabled", cfg.CachingEnabled,
		"adaptive_timeout", cfg.AdaptiveTimeoutEnabled,
	)
	return nil
}

// Categories returns all categories with an explicit configuration
func (c *ResultCache) Categories() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.configs))
	for category := range c.configs {
		names = append(names, category)
	}
	sort.Strings(names)
	return names
}

// RegisterDependency declares that results in category depend on results
// in dependsOn. Invalidating dependsOn then cascades into category.
func (c *ResultCache) RegisterDependency(category, dependsOn string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.dependents[dependsOn] {
		if existing == category {
			return
		}
	}
	c.dependents[dependsOn] = append(c.dependents[dependsOn], category)
}

// Store caches a result under the key derived from category and input.
// Error values and disabled categories are never stored. Accepted stores
// also feed the execution-time history behind adaptive timeouts.
func (c *ResultCache) Store(ctx context.Context, category string, input, value interface{}, execTime time.Duration) (string, bool, error) {
	key, err := CacheKey(category, input)
	if err != nil {
		return "", false, err
	}

	if _, isErr := value.(error); isErr {
		return key, false, nil
	}

	c.mu.Lock()
	cfg := c.configFor(category)
	if !cfg.CachingEnabled {
		c.mu.Unlock()
		return key, false, nil
	}

	now := time.Now()
	entry := &Entry{
		Key:            key,
		Category:       category,
		Value:          value,
		CreatedAt:      now,
		ExpiresAt:      now.Add(cfg.CacheTTL),
		LastAccessedAt: now,
		// The store itself is the first access
		AccessCount: 1,
	}

	categoryEntries := c.byCategory[category]
	if categoryEntries == nil {
		categoryEntries = make(map[string]*Entry)
		c.byCategory[category] = categoryEntries
	}
	if _, replacing := categoryEntries[key]; !replacing && len(categoryEntries) >= cfg.MaxCacheEntries {
		c.evictLRU(category, categoryEntries)
	}

	c.entries[key] = entry
	categoryEntries[key] = entry
	entryCount := len(categoryEntries)
	c.mu.Unlock()

	c.RecordExecutionTime(category, execTime)

	if c.metrics != nil {
		c.metrics.RecordCacheOperation(category, "store")
		c.metrics.UpdateCacheEntries(category, entryCount)
	}

	c.mirrorSet(ctx, key, value, cfg.CacheTTL)

	return key, true, nil
}

// evictLRU removes the least recently accessed entry of a category.
// Caller must hold the lock.
func (c *ResultCache) evictLRU(category string, categoryEntries map[string]*Entry) {
	var oldest *Entry
	for _, e := range categoryEntries {
		if oldest == nil || e.LastAccessedAt.Before(oldest.LastAccessedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return
	}

	delete(c.entries, oldest.Key)
	delete(categoryEntries, oldest.Key)
	c.evictions[category]++

	if c.metrics != nil {
		c.metrics.RecordCacheEviction(category, "lru")
	}
}

// Lookup returns the cached value for a category and input. Expired entries
// are evicted on access and count as misses. On a memory miss the mirror is
// consulted and a hit is rehydrated into memory.
func (c *ResultCache) Lookup(ctx context.Context, category string, input interface{}) (interface{}, bool, error) {
	key, err := CacheKey(category, input)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	cfg := c.configFor(category)
	if !cfg.CachingEnabled {
		c.misses[category]++
		c.mu.Unlock()
		c.recordLookup(category, false)
		return nil, false, nil
	}

	entry, ok := c.entries[key]
	if ok {
		if time.Now().After(entry.ExpiresAt) {
			c.removeEntry(entry, "expired")
			c.misses[category]++
			c.mu.Unlock()
			c.mirrorDel(ctx, key)
			c.recordLookup(category, false)
			return nil, false, nil
		}

		entry.LastAccessedAt = time.Now()
		entry.AccessCount++
		c.hits[category]++
		value := entry.Value
		c.mu.Unlock()
		c.recordLookup(category, true)
		return value, true, nil
	}
	c.mu.Unlock()

	if value, found := c.mirrorGet(ctx, key); found {
		c.rehydrate(category, key, value, cfg.CacheTTL)
		c.recordLookup(category, true)
		return value, true, nil
	}

	c.mu.Lock()
	c.misses[category]++
	c.mu.Unlock()
	c.recordLookup(category, false)
	return nil, false, nil
}

func (c *ResultCache) recordLookup(category string, hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.RecordCacheOperation(category, "hit")
	} else {
		c.metrics.RecordCacheOperation(category, "miss")
	}
}

// rehydrate installs a mirror hit back into memory with a fresh TTL
func (c *ResultCache) rehydrate(category, key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry := &Entry{
		Key:            key,
		Category:       category,
		Value:          value,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		AccessCount:    1,
	}
	categoryEntries := c.byCategory[category]
	if categoryEntries == nil {
		categoryEntries = make(map[string]*Entry)
		c.byCategory[category] = categoryEntries
	}
	c.entries[key] = entry
	categoryEntries[key] = entry
	c.hits[category]++
}

// removeEntry deletes an entry from both indexes. Caller must hold the lock.
func (c *ResultCache) removeEntry(entry *Entry, reason string) {
	delete(c.entries, entry.Key)
	if categoryEntries, ok := c.byCategory[entry.Category]; ok {
		delete(categoryEntries, entry.Key)
		if len(categoryEntries) == 0 {
			delete(c.byCategory, entry.Category)
		}
	}
	if c.metrics != nil {
		c.metrics.RecordCacheEviction(entry.Category, reason)
	}
}

// RecordExecutionTime appends a sample to the category's execution history,
// bounded to the configured window.
func (c *ResultCache) RecordExecutionTime(category string, execTime time.Duration) {
	if execTime <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	window := c.configFor(category).HistoryWindowSize
	history := append(c.execHistory[category], execTime)
	if len(history) > window {
		history = history[len(history)-window:]
	}
	c.execHistory[category] = history
}

// ComputeTimeout derives the timeout for the next execution of a category.
// The default timeout is the floor; once enough samples exist, the observed
// percentile with a safety buffer replaces it when larger. Retries widen
// the timeout multiplicatively, and the result is clamped to the category
// bounds.
func (c *ResultCache) ComputeTimeout(category string, retryCount int) time.Duration {
	c.mu.Lock()
	cfg := c.configFor(category)
	history := append([]time.Duration(nil), c.execHistory[category]...)
	c.mu.Unlock()

	timeout := cfg.DefaultTimeout

	if cfg.AdaptiveTimeoutEnabled && len(history) >= minAdaptiveSamples {
		adaptive := time.Duration(float64(percentile(history, cfg.TimeoutPercentile)) * adaptiveBufferFactor)
		if adaptive > timeout {
			timeout = adaptive
		}
	}

	if retryCount > 0 {
		timeout = time.Duration(float64(timeout) * math.Pow(cfg.TimeoutRetryMultiplier, float64(retryCount)))
	}

	if timeout < cfg.MinTimeout {
		timeout = cfg.MinTimeout
	}
	if timeout > cfg.MaxTimeout {
		timeout = cfg.MaxTimeout
	}
	return timeout
}

// percentile returns the p-quantile (p in (0, 1]) of the samples
func percentile(samples []time.Duration, p float64) time.Duration {
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ExecuteWithTimeout runs the operation under the category's computed
// timeout. Expiry comes back as a structured timeout error carrying the
// timeout value and retry count. History samples come from Store, not from
// here, so one execution is never counted twice.
func (c *ResultCache) ExecuteWithTimeout(ctx context.Context, category string, retryCount int, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	timeout := c.ComputeTimeout(category, retryCount)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := operation(execCtx)

	if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		if c.metrics != nil {
			c.metrics.RecordTimeout(category)
		}
		c.logger.Warn("Operation exceeded computed timeout",
			"category", category,
			"timeout", timeout,
			"retry_count", retryCount,
		)
		return nil, errors.NewTimeoutError(category, timeout, retryCount)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// InvalidateCategory removes every entry of a category, without cascading
func (c *ResultCache) InvalidateCategory(ctx context.Context, category string) int {
	c.mu.Lock()
	removed := c.invalidateCategoryLocked(category)
	c.mu.Unlock()

	c.mirrorDelPattern(ctx, category+":*")
	if removed > 0 {
		c.logger.Info("Cache category invalidated", "category", category, "removed", removed)
	}
	return removed
}

func (c *ResultCache) invalidateCategoryLocked(category string) int {
	categoryEntries := c.byCategory[category]
	removed := len(categoryEntries)
	for key := range categoryEntries {
		delete(c.entries, key)
	}
	delete(c.byCategory, category)
	// Invalidation also discards the category's timing samples so stale
	// history cannot keep inflating adaptive timeouts
	delete(c.execHistory, category)

	if c.metrics != nil && removed > 0 {
		c.metrics.UpdateCacheEntries(category, 0)
	}
	return removed
}

// InvalidateWithDependencies removes a category's entries and cascades one
// hop into the categories registered as depending on it.
func (c *ResultCache) InvalidateWithDependencies(ctx context.Context, category string) int {
	c.mu.Lock()
	cascade := append([]string(nil), c.dependents[category]...)
	removed := c.invalidateCategoryLocked(category)
	for _, dependent := range cascade {
		removed += c.invalidateCategoryLocked(dependent)
	}
	c.mu.Unlock()

	c.mirrorDelPattern(ctx, category+":*")
	for _, dependent := range cascade {
		c.mirrorDelPattern(ctx, dependent+":*")
	}

	c.logger.Info("Cache invalidated with dependency cascade",
		"category", category,
		"cascaded", strings.Join(cascade, ","),
		"removed", removed,
	)
	return removed
}

// InvalidatePattern removes entries whose key matches the glob pattern
func (c *ResultCache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, errors.NewValidationError("invalid invalidation pattern").WithCause(err)
	}

	c.mu.Lock()
	var matched []*Entry
	for key, entry := range c.entries {
		if ok, _ := path.Match(pattern, key); ok {
			matched = append(matched, entry)
		}
	}
	for _, entry := range matched {
		c.removeEntry(entry, "invalidated")
	}
	c.mu.Unlock()

	c.mirrorDelPattern(ctx, pattern)
	return len(matched), nil
}

// InvalidateAll clears the whole cache
func (c *ResultCache) InvalidateAll(ctx context.Context) int {
	c.mu.Lock()
	removed := len(c.entries)
	c.entries = make(map[string]*Entry)
	c.byCategory = make(map[string]map[string]*Entry)
	c.execHistory = make(map[string][]time.Duration)
	c.mu.Unlock()

	c.mirrorDelPattern(ctx, "*")
	c.logger.Info("Cache fully invalidated", "removed", removed)
	return removed
}

// CleanupExpired removes every expired entry and returns the count
func (c *ResultCache) CleanupExpired(ctx context.Context) int {
	now := time.Now()

	c.mu.Lock()
	var expired []*Entry
	for _, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		c.removeEntry(entry, "expired")
	}
	c.mu.Unlock()

	if len(expired) > 0 {
		keys := make([]string, len(expired))
		for i, entry := range expired {
			keys[i] = entry.Key
		}
		c.mirrorDel(ctx, keys...)
		c.logger.Debug("Expired cache entries removed", "count", len(expired))
	}
	return len(expired)
}

// Start runs the periodic cleanup sweep until the context is cancelled
func (c *ResultCache) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanupExpired(ctx)
		}
	}
}

// Stats returns the aggregate cache statistics
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	categories := make(map[string]bool)
	for category := range c.byCategory {
		categories[category] = true
	}
	for category := range c.hits {
		categories[category] = true
	}
	for category := range c.misses {
		categories[category] = true
	}

	stats := Stats{TotalEntries: len(c.entries)}
	for category := range categories {
		stats.Categories = append(stats.Categories, CategoryStats{
			Category:  category,
			Entries:   len(c.byCategory[category]),
			Hits:      c.hits[category],
			Misses:    c.misses[category],
			Evictions: c.evictions[category],
		})
	}
	sort.Slice(stats.Categories, func(i, j int) bool {
		return stats.Categories[i].Category < stats.Categories[j].Category
	})
	return stats
}

func (c *ResultCache) mirrorSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Set(ctx, key, value, ttl); err != nil {
		c.logger.Warn("Cache mirror write failed", "key", key, "error", err.Error())
	}
}

func (c *ResultCache) mirrorGet(ctx context.Context, key string) (interface{}, bool) {
	if c.mirror == nil {
		return nil, false
	}
	value, found, err := c.mirror.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache mirror read failed", "key", key, "error", err.Error())
		return nil, false
	}
	return value, found
}

func (c *ResultCache) mirrorDel(ctx context.Context, keys ...string) {
	if c.mirror == nil || len(keys) == 0 {
		return
	}
	if err := c.mirror.Del(ctx, keys...); err != nil {
		c.logger.Warn("Cache mirror delete failed", "error", err.Error())
	}
}

func (c *ResultCache) mirrorDelPattern(ctx context.Context, pattern string) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.DelPattern(ctx, pattern); err != nil {
		c.logger.Warn("Cache mirror pattern delete failed", "pattern", pattern, "error", err.Error())
	}
}
