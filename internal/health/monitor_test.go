package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/docuflow/internal/provider"
	"github.com/docuflow/docuflow/pkg/errors"
)

func newTestRegistry(t *testing.T, names ...string) *provider.Registry {
	t.Helper()

	registry := provider.NewRegistry()
	ops := map[provider.Capability]provider.Operation{
		provider.CapGenerateCompletion: func(ctx context.Context, input interface{}) (interface{}, error) {
			return "ok", nil
		},
	}
	for _, name := range names {
		err := registry.Register(name, []provider.Capability{provider.CapGenerateCompletion}, 10, ops)
		require.NoError(t, err)
	}
	return registry
}

func TestMonitor_FirstObservationSeedsRate(t *testing.T) {
	m := NewMonitor(newTestRegistry(t, "openai"), nil, nil, nil)

	m.UpdateHealth("openai", true, 100*time.Millisecond, nil)

	h, ok := m.GetHealth("openai")
	require.True(t, ok)
	assert.Equal(t, 1.0, h.SuccessRate)
	assert.Equal(t, 100*time.Millisecond, h.AvgResponseTime)
	assert.Equal(t, StatusHealthy, h.Status)

	m2 := NewMonitor(newTestRegistry(t, "openai"), nil, nil, nil)
	m2.UpdateHealth("openai", false, time.Second, errors.NewTransientError("openai", "boom"))

	h2, ok := m2.GetHealth("openai")
	require.True(t, ok)
	assert.Equal(t, 0.0, h2.SuccessRate)
	assert.Equal(t, 1, h2.ConsecutiveFailures)
	assert.Equal(t, "TRANSIENT_PROVIDER_ERROR: boom", h2.LastError)
}

func TestMonitor_SuccessRateSteps(t *testing.T) {
	m := NewMonitor(newTestRegistry(t, "openai"), nil, nil, nil)

	m.UpdateHealth("openai", true, time.Millisecond, nil)
	m.UpdateHealth("openai", false, time.Millisecond, errors.NewTransientError("openai", "boom"))

	h, _ := m.GetHealth("openai")
	assert.InDelta(t, 0.8, h.SuccessRate, 1e-9)

	m.UpdateHealth("openai", true, time.Millisecond, nil)
	h, _ = m.GetHealth("openai")
	assert.InDelta(t, 0.9, h.SuccessRate, 1e-9)

	// Rate is clamped to [0, 1]
	for i := 0; i < 10; i++ {
		m.UpdateHealth("openai", true, time.Millisecond, nil)
	}
	h, _ = m.GetHealth("openai")
	assert.Equal(t, 1.0, h.SuccessRate)

	for i := 0; i < 10; i++ {
		m.UpdateHealth("openai", false, time.Millisecond, nil)
	}
	h, _ = m.GetHealth("openai")
	assert.Equal(t, 0.0, h.SuccessRate)
}

func TestMonitor_ResponseTimeEWMA(t *testing.T) {
	m := NewMonitor(newTestRegistry(t, "openai"), nil, nil, nil)

	m.UpdateHealth("openai", true, time.Second, nil)
	m.UpdateHealth("openai", true, 2*time.Second, nil)

	// 0.2*2s + 0.8*1s = 1.2s
	h, _ := m.GetHealth("openai")
	assert.InDelta(t, float64(1200*time.Millisecond), float64(h.AvgResponseTime), float64(time.Millisecond))
}

func TestMonitor_ConsecutiveFailuresMarkUnhealthy(t *testing.T) {
	m := NewMonitor(newTestRegistry(t, "openai"), &Config{
		FailureThreshold:    3,
		HealthCheckInterval: time.Minute,
		ProbeTimeout:        time.Second,
	}, nil, nil)

	for i := 0; i < 10; i++ {
		m.UpdateHealth("openai", true, time.Millisecond, nil)
	}
	m.UpdateHealth("openai", false, time.Millisecond, nil)
	m.UpdateHealth("openai", false, time.Millisecond, nil)
	assert.False(t, m.IsUnhealthy("openai"))

	m.UpdateHealth("openai", false, time.Millisecond, nil)
	assert.True(t, m.IsUnhealthy("openai"))

	// One success resets the streak regardless of the remaining rate
	m.UpdateHealth("openai", true, time.Millisecond, nil)
	assert.False(t, m.IsUnhealthy("openai"))
}

func TestMonitor_StatusBands(t *testing.T) {
	m := NewMonitor(newTestRegistry(t, "openai"), nil, nil, nil)

	// High rate but slow responses is degraded, not healthy
	m.UpdateHealth("openai", true, 12*time.Second, nil)
	h, _ := m.GetHealth("openai")
	assert.Equal(t, StatusDegraded, h.Status)

	m2 := NewMonitor(newTestRegistry(t, "openai"), nil, nil, nil)
	m2.UpdateHealth("openai", true, 100*time.Millisecond, nil)
	h2, _ := m2.GetHealth("openai")
	assert.Equal(t, StatusHealthy, h2.Status)
}

func TestMonitor_HistoryBounded(t *testing.T) {
	m := NewMonitor(newTestRegistry(t, "openai"), nil, nil, nil)

	for i := 0; i < 150; i++ {
		m.UpdateHealth("openai", true, time.Millisecond, nil)
	}

	h, _ := m.GetHealth("openai")
	assert.Len(t, h.History, 100)
}

func TestMonitor_RankingOrdersBySuccessRate(t *testing.T) {
	registry := newTestRegistry(t, "openai", "anthropic")
	m := NewMonitor(registry, nil, nil, nil)

	// Same priority and comparable latency, anthropic has the better rate
	for i := 0; i < 10; i++ {
		m.UpdateHealth("anthropic", true, 100*time.Millisecond, nil)
	}
	for i := 0; i < 5; i++ {
		m.UpdateHealth("openai", true, 100*time.Millisecond, nil)
		m.UpdateHealth("openai", false, 100*time.Millisecond, nil)
	}

	ranking := m.Ranking(provider.CapGenerateCompletion)
	require.Len(t, ranking, 2)
	assert.Equal(t, "anthropic", ranking[0])
	assert.Equal(t, "openai", ranking[1])
}

func TestMonitor_RankingExcludesUnhealthy(t *testing.T) {
	registry := newTestRegistry(t, "openai", "anthropic")
	m := NewMonitor(registry, nil, nil, nil)

	for i := 0; i < 5; i++ {
		m.UpdateHealth("openai", false, time.Millisecond, nil)
	}

	ranking := m.Ranking(provider.CapGenerateCompletion)
	require.Len(t, ranking, 1)
	assert.Equal(t, "anthropic", ranking[0])
}

func TestMonitor_RankingExcludesMissingCapability(t *testing.T) {
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register("summarizer",
		[]provider.Capability{provider.CapSummarizeDocument},
		10,
		map[provider.Capability]provider.Operation{
			provider.CapSummarizeDocument: func(ctx context.Context, input interface{}) (interface{}, error) {
				return nil, nil
			},
		}))
	m := NewMonitor(registry, nil, nil, nil)

	assert.Empty(t, m.Ranking(provider.CapExtractClauses))
	assert.Equal(t, []string{"summarizer"}, m.Ranking(provider.CapSummarizeDocument))
}

func TestMonitor_UnobservedProvidersRankUnknown(t *testing.T) {
	registry := newTestRegistry(t, "openai", "anthropic")
	m := NewMonitor(registry, nil, nil, nil)

	// A healthy observed provider outranks an unobserved one
	m.UpdateHealth("openai", true, 100*time.Millisecond, nil)

	ranking := m.Ranking(provider.CapGenerateCompletion)
	require.Len(t, ranking, 2)
	assert.Equal(t, "openai", ranking[0])
}

func TestMonitor_SweepProbesHealthCheck(t *testing.T) {
	registry := provider.NewRegistry()
	probes := 0
	require.NoError(t, registry.Register("openai",
		[]provider.Capability{provider.CapGenerateCompletion, provider.CapHealthCheck},
		10,
		map[provider.Capability]provider.Operation{
			provider.CapGenerateCompletion: func(ctx context.Context, input interface{}) (interface{}, error) {
				return "ok", nil
			},
			provider.CapHealthCheck: func(ctx context.Context, input interface{}) (interface{}, error) {
				probes++
				return "ok", nil
			},
		}))

	m := NewMonitor(registry, &Config{
		FailureThreshold:    3,
		HealthCheckInterval: time.Millisecond,
		ProbeTimeout:        time.Second,
	}, nil, nil)

	time.Sleep(2 * time.Millisecond)
	m.SweepIfDue(context.Background())

	assert.Equal(t, 1, probes)
	h, ok := m.GetHealth("openai")
	require.True(t, ok)
	assert.Equal(t, 1.0, h.SuccessRate)

	// Second sweep inside the interval is a no-op
	m.SweepIfDue(context.Background())
	assert.Equal(t, 1, probes)
}

func TestMonitor_SnapshotsSorted(t *testing.T) {
	m := NewMonitor(newTestRegistry(t, "openai", "anthropic"), nil, nil, nil)

	m.UpdateHealth("openai", true, time.Millisecond, nil)
	m.UpdateHealth("anthropic", true, time.Millisecond, nil)

	snapshots := m.Snapshots()
	require.Len(t, snapshots, 2)
	assert.Equal(t, "anthropic", snapshots[0].Provider)
	assert.Equal(t, "openai", snapshots[1].Provider)
}
