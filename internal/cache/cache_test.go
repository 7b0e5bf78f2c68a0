package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/docuflow/pkg/errors"
)

type docInput struct {
	DocumentID    string `json:"document_id"`
	Text          string `json:"text"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func newTestCache(t *testing.T, categories map[string]CategoryConfig) *ResultCache {
	t.Helper()

	c, err := NewResultCache(Options{Categories: categories})
	require.NoError(t, err)
	return c
}

func shortTTLConfig(ttl time.Duration, maxEntries int) CategoryConfig {
	cfg := DefaultCategoryConfig()
	cfg.CacheTTL = ttl
	cfg.MaxCacheEntries = maxEntries
	return cfg
}

func TestResultCache_StoreAndLookup(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	input := docInput{DocumentID: "doc-1", Text: "hello"}

	key, stored, err := c.Store(ctx, "summary", input, "a summary", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Contains(t, key, "summary:")

	value, hit, err := c.Lookup(ctx, "summary", input)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "a summary", value)

	_, hit, err = c.Lookup(ctx, "summary", input)
	require.NoError(t, err)
	assert.True(t, hit)

	stats := c.Stats()
	require.Len(t, stats.Categories, 1)
	assert.Equal(t, int64(2), stats.Categories[0].Hits)
	assert.Equal(t, 1, stats.Categories[0].Entries)
}

func TestResultCache_StoreSeedsAccessCount(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	input := docInput{DocumentID: "doc-1"}

	key, stored, err := c.Store(ctx, "summary", input, "v", time.Millisecond)
	require.NoError(t, err)
	require.True(t, stored)

	// The store counts as the first access; each lookup adds one
	c.mu.Lock()
	count := c.entries[key].AccessCount
	c.mu.Unlock()
	assert.Equal(t, int64(1), count)

	_, hit, err := c.Lookup(ctx, "summary", input)
	require.NoError(t, err)
	require.True(t, hit)

	c.mu.Lock()
	count = c.entries[key].AccessCount
	c.mu.Unlock()
	assert.Equal(t, int64(2), count)
}

func TestResultCache_MissOnDifferentInput(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	_, _, err := c.Store(ctx, "summary", docInput{DocumentID: "doc-1"}, "v", time.Millisecond)
	require.NoError(t, err)

	_, hit, err := c.Lookup(ctx, "summary", docInput{DocumentID: "doc-2"})
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestResultCache_ExpiredEntryIsEvictedOnLookup(t *testing.T) {
	c := newTestCache(t, map[string]CategoryConfig{
		"summary": shortTTLConfig(10*time.Millisecond, 100),
	})
	ctx := context.Background()
	input := docInput{DocumentID: "doc-1"}

	_, stored, err := c.Store(ctx, "summary", input, "v", time.Millisecond)
	require.NoError(t, err)
	require.True(t, stored)

	time.Sleep(20 * time.Millisecond)

	_, hit, err := c.Lookup(ctx, "summary", input)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestResultCache_ErrorValuesNeverStored(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	input := docInput{DocumentID: "doc-1"}

	_, stored, err := c.Store(ctx, "summary", input, errors.NewInternalError("boom"), time.Millisecond)
	require.NoError(t, err)
	assert.False(t, stored)

	_, hit, _ := c.Lookup(ctx, "summary", input)
	assert.False(t, hit)
}

func TestResultCache_DisabledCategorySkipsStorage(t *testing.T) {
	cfg := DefaultCategoryConfig()
	cfg.CachingEnabled = false
	c := newTestCache(t, map[string]CategoryConfig{"raw": cfg})
	ctx := context.Background()
	input := docInput{DocumentID: "doc-1"}

	_, stored, err := c.Store(ctx, "raw", input, "v", time.Millisecond)
	require.NoError(t, err)
	assert.False(t, stored)

	_, hit, _ := c.Lookup(ctx, "raw", input)
	assert.False(t, hit)
}

func TestResultCache_LRUEvictsLeastRecentlyAccessed(t *testing.T) {
	c := newTestCache(t, map[string]CategoryConfig{
		"summary": shortTTLConfig(time.Hour, 2),
	})
	ctx := context.Background()

	first := docInput{DocumentID: "doc-1"}
	second := docInput{DocumentID: "doc-2"}
	third := docInput{DocumentID: "doc-3"}

	_, _, err := c.Store(ctx, "summary", first, "v1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, _, err = c.Store(ctx, "summary", second, "v2", time.Millisecond)
	require.NoError(t, err)

	// Touch the first entry so the second becomes least recently used
	time.Sleep(time.Millisecond)
	_, hit, _ := c.Lookup(ctx, "summary", first)
	require.True(t, hit)

	_, _, err = c.Store(ctx, "summary", third, "v3", time.Millisecond)
	require.NoError(t, err)

	_, hit, _ = c.Lookup(ctx, "summary", first)
	assert.True(t, hit)
	_, hit, _ = c.Lookup(ctx, "summary", second)
	assert.False(t, hit)
	_, hit, _ = c.Lookup(ctx, "summary", third)
	assert.True(t, hit)
}

func TestResultCache_InvalidateCategory(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	c.Store(ctx, "summary", docInput{DocumentID: "doc-1"}, "v", time.Millisecond)
	c.Store(ctx, "summary", docInput{DocumentID: "doc-2"}, "v", time.Millisecond)
	c.Store(ctx, "clauses", docInput{DocumentID: "doc-1"}, "v", time.Millisecond)

	removed := c.InvalidateCategory(ctx, "summary")
	assert.Equal(t, 2, removed)

	_, hit, _ := c.Lookup(ctx, "clauses", docInput{DocumentID: "doc-1"})
	assert.True(t, hit)
}

func TestResultCache_InvalidateClearsExecutionHistory(t *testing.T) {
	cfg := DefaultCategoryConfig()
	cfg.DefaultTimeout = 10 * time.Second
	cfg.MinTimeout = time.Second
	cfg.MaxTimeout = 10 * time.Minute
	c := newTestCache(t, map[string]CategoryConfig{"summary": cfg})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.RecordExecutionTime("summary", time.Minute)
	}
	require.Equal(t, 2*time.Minute, c.ComputeTimeout("summary", 0))

	// Invalidation drops the timing samples along with the entries
	c.InvalidateCategory(ctx, "summary")
	assert.Equal(t, 10*time.Second, c.ComputeTimeout("summary", 0))

	for i := 0; i < 5; i++ {
		c.RecordExecutionTime("summary", time.Minute)
	}
	c.InvalidateAll(ctx)
	assert.Equal(t, 10*time.Second, c.ComputeTimeout("summary", 0))
}

func TestResultCache_DependencyCascade(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	// Risk scores are derived from extracted clauses
	c.RegisterDependency("risk", "clauses")

	c.Store(ctx, "clauses", docInput{DocumentID: "doc-1"}, "clauses", time.Millisecond)
	c.Store(ctx, "risk", docInput{DocumentID: "doc-1"}, "score", time.Millisecond)
	c.Store(ctx, "summary", docInput{DocumentID: "doc-1"}, "summary", time.Millisecond)

	removed := c.InvalidateWithDependencies(ctx, "clauses")
	assert.Equal(t, 2, removed)

	_, hit, _ := c.Lookup(ctx, "risk", docInput{DocumentID: "doc-1"})
	assert.False(t, hit)
	_, hit, _ = c.Lookup(ctx, "summary", docInput{DocumentID: "doc-1"})
	assert.True(t, hit)
}

func TestResultCache_InvalidatePattern(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	c.Store(ctx, "summary", docInput{DocumentID: "doc-1"}, "v", time.Millisecond)
	c.Store(ctx, "clauses", docInput{DocumentID: "doc-1"}, "v", time.Millisecond)

	removed, err := c.InvalidatePattern(ctx, "summary:*")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = c.InvalidatePattern(ctx, "[invalid")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestResultCache_InvalidateAll(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	c.Store(ctx, "summary", docInput{DocumentID: "doc-1"}, "v", time.Millisecond)
	c.Store(ctx, "clauses", docInput{DocumentID: "doc-1"}, "v", time.Millisecond)

	assert.Equal(t, 2, c.InvalidateAll(ctx))
	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestResultCache_CleanupExpired(t *testing.T) {
	c := newTestCache(t, map[string]CategoryConfig{
		"summary": shortTTLConfig(10*time.Millisecond, 100),
	})
	ctx := context.Background()

	c.Store(ctx, "summary", docInput{DocumentID: "doc-1"}, "v", time.Millisecond)
	c.Store(ctx, "clauses", docInput{DocumentID: "doc-1"}, "v", time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, c.CleanupExpired(ctx))
	assert.Equal(t, 1, c.Stats().TotalEntries)
}

func TestResultCache_UpdateCategoryConfigValidates(t *testing.T) {
	c := newTestCache(t, nil)

	bad := DefaultCategoryConfig()
	bad.TimeoutPercentile = 1.5
	err := c.UpdateCategoryConfig("summary", bad)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	good := DefaultCategoryConfig()
	good.CacheTTL = 2 * time.Hour
	require.NoError(t, c.UpdateCategoryConfig("summary", good))
	assert.Equal(t, 2*time.Hour, c.CategoryConfigFor("summary").CacheTTL)
	assert.Equal(t, []string{"summary"}, c.Categories())
}

func TestComputeTimeout_DefaultWithoutSamples(t *testing.T) {
	c := newTestCache(t, nil)

	assert.Equal(t, 30*time.Second, c.ComputeTimeout("summary", 0))

	// Two samples are not enough for the adaptive path
	c.RecordExecutionTime("summary", time.Minute)
	c.RecordExecutionTime("summary", time.Minute)
	assert.Equal(t, 30*time.Second, c.ComputeTimeout("summary", 0))
}

func TestComputeTimeout_AdaptiveFromPercentile(t *testing.T) {
	cfg := DefaultCategoryConfig()
	cfg.DefaultTimeout = 10 * time.Second
	cfg.MinTimeout = time.Second
	cfg.MaxTimeout = 10 * time.Minute
	cfg.TimeoutPercentile = 0.95
	c := newTestCache(t, map[string]CategoryConfig{"summary": cfg})

	// 20 samples: 19 at 10s, one at 60s. p95 is 10s, doubled to 20s.
	for i := 0; i < 19; i++ {
		c.RecordExecutionTime("summary", 10*time.Second)
	}
	c.RecordExecutionTime("summary", 60*time.Second)

	assert.Equal(t, 20*time.Second, c.ComputeTimeout("summary", 0))
}

func TestComputeTimeout_AdaptiveOnlyWhenLarger(t *testing.T) {
	cfg := DefaultCategoryConfig()
	cfg.DefaultTimeout = 30 * time.Second
	c := newTestCache(t, map[string]CategoryConfig{"summary": cfg})

	// Fast executions: percentile*2 stays below the default floor
	for i := 0; i < 10; i++ {
		c.RecordExecutionTime("summary", time.Second)
	}

	assert.Equal(t, 30*time.Second, c.ComputeTimeout("summary", 0))
}

func TestComputeTimeout_RetriesWidenAndClamp(t *testing.T) {
	cfg := DefaultCategoryConfig()
	cfg.DefaultTimeout = 20 * time.Second
	cfg.MinTimeout = time.Second
	cfg.MaxTimeout = 40 * time.Second
	cfg.TimeoutRetryMultiplier = 1.5
	c := newTestCache(t, map[string]CategoryConfig{"summary": cfg})

	assert.Equal(t, 30*time.Second, c.ComputeTimeout("summary", 1))
	// 20s * 1.5^2 = 45s, clamped to the 40s ceiling
	assert.Equal(t, 40*time.Second, c.ComputeTimeout("summary", 2))
}

func TestComputeTimeout_DisabledAdaptiveIgnoresHistory(t *testing.T) {
	cfg := DefaultCategoryConfig()
	cfg.AdaptiveTimeoutEnabled = false
	c := newTestCache(t, map[string]CategoryConfig{"summary": cfg})

	for i := 0; i < 10; i++ {
		c.RecordExecutionTime("summary", 2*time.Minute)
	}

	assert.Equal(t, cfg.DefaultTimeout, c.ComputeTimeout("summary", 0))
}

func TestExecuteWithTimeout_StructuredTimeoutError(t *testing.T) {
	cfg := DefaultCategoryConfig()
	cfg.DefaultTimeout = 20 * time.Millisecond
	cfg.MinTimeout = 10 * time.Millisecond
	cfg.MaxTimeout = time.Second
	cfg.AdaptiveTimeoutEnabled = false
	c := newTestCache(t, map[string]CategoryConfig{"summary": cfg})

	_, err := c.ExecuteWithTimeout(context.Background(), "summary", 2, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.Error(t, err)
	require.True(t, errors.IsType(err, errors.ErrorTypeTimeout))

	appErr := err.(*errors.AppError)
	assert.Equal(t, "summary", appErr.Details["operation"])
	assert.Equal(t, "2", appErr.Details["retry_count"])
	assert.Equal(t, (45 * time.Millisecond).String(), appErr.Details["timeout"])
}

func TestResultCache_HistoryRecordedOncePerStoredExecution(t *testing.T) {
	cfg := DefaultCategoryConfig()
	cfg.DefaultTimeout = 500 * time.Millisecond
	cfg.MinTimeout = 10 * time.Millisecond
	c := newTestCache(t, map[string]CategoryConfig{"summary": cfg})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		value, err := c.ExecuteWithTimeout(ctx, "summary", 0, func(ctx context.Context) (interface{}, error) {
			return "ok", nil
		})
		require.NoError(t, err)
		require.Equal(t, "ok", value)

		_, stored, err := c.Store(ctx, "summary", docInput{DocumentID: fmt.Sprintf("doc-%d", i)}, value, 300*time.Millisecond)
		require.NoError(t, err)
		require.True(t, stored)
	}

	c.mu.Lock()
	samples := len(c.execHistory["summary"])
	c.mu.Unlock()
	assert.Equal(t, 2, samples)

	// Two executions leave two samples, below the adaptive threshold
	assert.Equal(t, 500*time.Millisecond, c.ComputeTimeout("summary", 0))
}

func TestResultCache_RejectedStoreDoesNotFeedHistory(t *testing.T) {
	disabled := DefaultCategoryConfig()
	disabled.CachingEnabled = false
	c := newTestCache(t, map[string]CategoryConfig{"raw": disabled})
	ctx := context.Background()

	c.Store(ctx, "raw", docInput{DocumentID: "doc-1"}, "v", time.Second)
	c.Store(ctx, "summary", docInput{DocumentID: "doc-1"}, errors.NewInternalError("boom"), time.Second)

	c.mu.Lock()
	rawSamples := len(c.execHistory["raw"])
	summarySamples := len(c.execHistory["summary"])
	c.mu.Unlock()
	assert.Equal(t, 0, rawSamples)
	assert.Equal(t, 0, summarySamples)
}

func TestCacheKey_VolatileFieldsExcluded(t *testing.T) {
	a, err := CacheKey("summary", docInput{DocumentID: "doc-1", Text: "hello", CorrelationID: "corr-1"})
	require.NoError(t, err)
	b, err := CacheKey("summary", docInput{DocumentID: "doc-1", Text: "hello", CorrelationID: "corr-2"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestCacheKey_FieldOrderIrrelevant(t *testing.T) {
	a, err := CacheKey("summary", map[string]interface{}{"x": 1, "y": "two"})
	require.NoError(t, err)
	b, err := CacheKey("summary", map[string]interface{}{"y": "two", "x": 1})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestCacheKey_DistinguishesCategoryAndInput(t *testing.T) {
	a, _ := CacheKey("summary", docInput{DocumentID: "doc-1"})
	b, _ := CacheKey("clauses", docInput{DocumentID: "doc-1"})
	c, _ := CacheKey("summary", docInput{DocumentID: "doc-2"})

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)

	_, err := CacheKey("", docInput{})
	require.Error(t, err)
}

type recordingMirror struct {
	sets map[string]interface{}
	dels []string
	fail bool
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{sets: make(map[string]interface{})}
}

func (m *recordingMirror) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if m.fail {
		return errors.NewInternalError("mirror down")
	}
	m.sets[key] = value
	return nil
}

func (m *recordingMirror) Get(ctx context.Context, key string) (interface{}, bool, error) {
	if m.fail {
		return nil, false, errors.NewInternalError("mirror down")
	}
	value, ok := m.sets[key]
	return value, ok, nil
}

func (m *recordingMirror) Del(ctx context.Context, keys ...string) error {
	m.dels = append(m.dels, keys...)
	return nil
}

func (m *recordingMirror) DelPattern(ctx context.Context, pattern string) error {
	m.dels = append(m.dels, pattern)
	return nil
}

func TestResultCache_MirrorReceivesWrites(t *testing.T) {
	mirror := newRecordingMirror()
	c, err := NewResultCache(Options{Mirror: mirror})
	require.NoError(t, err)
	ctx := context.Background()

	key, stored, err := c.Store(ctx, "summary", docInput{DocumentID: "doc-1"}, "v", time.Millisecond)
	require.NoError(t, err)
	require.True(t, stored)
	assert.Equal(t, "v", mirror.sets[key])
}

func TestResultCache_MirrorFailureDoesNotFailStore(t *testing.T) {
	mirror := newRecordingMirror()
	mirror.fail = true
	c, err := NewResultCache(Options{Mirror: mirror})
	require.NoError(t, err)
	ctx := context.Background()
	input := docInput{DocumentID: "doc-1"}

	_, stored, err := c.Store(ctx, "summary", input, "v", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, stored)

	// Memory stays authoritative even with the mirror down
	value, hit, err := c.Lookup(ctx, "summary", input)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "v", value)
}

func TestResultCache_MirrorHitRehydratesMemory(t *testing.T) {
	mirror := newRecordingMirror()
	c, err := NewResultCache(Options{Mirror: mirror})
	require.NoError(t, err)
	ctx := context.Background()
	input := docInput{DocumentID: "doc-1"}

	key, _ := CacheKey("summary", input)
	mirror.sets[key] = "mirrored"

	value, hit, err := c.Lookup(ctx, "summary", input)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "mirrored", value)

	// Next lookup is served from memory
	mirror.fail = true
	value, hit, _ = c.Lookup(ctx, "summary", input)
	assert.True(t, hit)
	assert.Equal(t, "mirrored", value)
}
