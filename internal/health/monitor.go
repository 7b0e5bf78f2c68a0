package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docuflow/docuflow/internal/provider"
	"github.com/docuflow/docuflow/pkg/logging"
	"github.com/docuflow/docuflow/pkg/metrics"
)

// Status represents the health status of a provider
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// responseTimeAlpha is the exponential smoothing factor for response times
const responseTimeAlpha = 0.2

// historySize bounds the per-provider sample history
const historySize = 100

// Sample records a single observed provider attempt
type Sample struct {
	Timestamp    time.Time     `json:"timestamp"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
}

// ProviderHealth tracks the rolling health of a single provider. The
// success rate is a bounded additive score, stepped up +0.1 on success
// and down -0.2 on failure, so failures weigh harder than successes.
// It is a smoothing heuristic, not a true hit ratio, and downstream
// ranking depends on that asymmetry.
type ProviderHealth struct {
	Provider            string        `json:"provider"`
	Status              Status        `json:"status"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	SuccessRate         float64       `json:"success_rate"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ErrorCount          int64         `json:"error_count"`
	LastError           string        `json:"last_error,omitempty"`
	LastCheck           time.Time     `json:"last_check"`
	History             []Sample      `json:"-"`
}

// Config holds health monitor configuration
type Config struct {
	FailureThreshold    int           `json:"failure_threshold"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	ProbeTimeout        time.Duration `json:"probe_timeout"`
}

// DefaultConfig returns default health monitor configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:    3,
		HealthCheckInterval: 60 * time.Second,
		ProbeTimeout:        10 * time.Second,
	}
}

// Monitor tracks rolling health and performance per provider and produces
// ranked provider lists for the fallback executor.
type Monitor struct {
	providers *provider.Registry
	config    *Config
	logger    *logging.Logger
	metrics   *metrics.Metrics

	mu        sync.RWMutex
	health    map[string]*ProviderHealth
	lastSweep time.Time
}

// NewMonitor creates a new provider health monitor
func NewMonitor(providers *provider.Registry, config *Config, logger *logging.Logger, m *metrics.Metrics) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Monitor{
		providers: providers,
		config:    config,
		logger:    logger,
		metrics:   m,
		health:    make(map[string]*ProviderHealth),
	}
}

// UpdateHealth records the outcome of a provider attempt
func (m *Monitor) UpdateHealth(name string, success bool, responseTime time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, exists := m.health[name]
	if !exists {
		h = &ProviderHealth{
			Provider:        name,
			Status:          StatusUnknown,
			AvgResponseTime: responseTime,
		}
		if success {
			h.SuccessRate = 1.0
		} else {
			h.SuccessRate = 0.0
			h.ConsecutiveFailures = 1
			h.ErrorCount = 1
			if err != nil {
				h.LastError = err.Error()
			}
		}
		m.health[name] = h
	} else {
		h.AvgResponseTime = time.Duration(
			responseTimeAlpha*float64(responseTime) + (1-responseTimeAlpha)*float64(h.AvgResponseTime))

		if success {
			h.ConsecutiveFailures = 0
			h.SuccessRate = min(1.0, h.SuccessRate+0.1)
		} else {
			h.ConsecutiveFailures++
			h.ErrorCount++
			h.SuccessRate = max(0.0, h.SuccessRate-0.2)
			if err != nil {
				h.LastError = err.Error()
			}
		}
	}

	h.LastCheck = time.Now()
	h.History = append(h.History, Sample{
		Timestamp:    h.LastCheck,
		Success:      success,
		ResponseTime: responseTime,
	})
	if len(h.History) > historySize {
		h.History = h.History[len(h.History)-historySize:]
	}

	h.Status = m.deriveStatus(h)

	if m.metrics != nil {
		m.metrics.UpdateProviderHealth(name, h.SuccessRate, h.AvgResponseTime)
	}
}

// deriveStatus computes the status from the health fields. Caller must hold the lock.
func (m *Monitor) deriveStatus(h *ProviderHealth) Status {
	switch {
	case h.ConsecutiveFailures >= m.config.FailureThreshold:
		return StatusUnhealthy
	case h.SuccessRate < 0.7 || h.AvgResponseTime > 10*time.Second:
		return StatusDegraded
	case h.SuccessRate >= 0.9 && h.AvgResponseTime < 5*time.Second:
		return StatusHealthy
	default:
		return StatusDegraded
	}
}

// statusScore maps a status to its ranking contribution
func statusScore(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 100
	case StatusDegraded:
		return 50
	case StatusUnknown:
		return 25
	default:
		return 0
	}
}

// Ranking returns provider names ordered best-first. Unhealthy providers
// and providers lacking a required capability are excluded. Providers the
// monitor has never observed rank with Unknown status.
func (m *Monitor) Ranking(requiredCapabilities ...provider.Capability) []string {
	type scored struct {
		name  string
		score float64
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []scored
	for _, name := range m.providers.List() {
		p, err := m.providers.Get(name)
		if err != nil {
			continue
		}

		capable := true
		for _, c := range requiredCapabilities {
			if !p.HasCapability(c) {
				capable = false
				break
			}
		}
		if !capable {
			continue
		}

		status := StatusUnknown
		successRate := 0.0
		var responseTime time.Duration
		if h, ok := m.health[name]; ok {
			status = h.Status
			successRate = h.SuccessRate
			responseTime = h.AvgResponseTime
		}
		if status == StatusUnhealthy {
			continue
		}

		score := float64(p.Priority) + statusScore(status) +
			successRate*50 + max(0, 50-responseTime.Seconds()*5)

		candidates = append(candidates, scored{name: name, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return names
}

// GetHealth returns a copy of a provider's health
func (m *Monitor) GetHealth(name string) (ProviderHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.health[name]
	if !ok {
		return ProviderHealth{}, false
	}

	cp := *h
	cp.History = append([]Sample(nil), h.History...)
	return cp, true
}

// Snapshots returns copies of all provider health records, sorted by name
func (m *Monitor) Snapshots() []ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshots := make([]ProviderHealth, 0, len(m.health))
	for _, h := range m.health {
		cp := *h
		cp.History = nil
		snapshots = append(snapshots, cp)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Provider < snapshots[j].Provider
	})
	return snapshots
}

// IsUnhealthy reports whether the provider is currently marked unhealthy
func (m *Monitor) IsUnhealthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.health[name]; ok {
		return h.Status == StatusUnhealthy
	}
	return false
}

// Start runs the periodic health sweep until the context is cancelled
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.HealthCheckInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepIfDue(ctx)
		}
	}
}

// SweepIfDue probes all registered providers when the check interval has
// elapsed since the last sweep. Results feed back through UpdateHealth so
// idle providers get refreshed without live traffic.
func (m *Monitor) SweepIfDue(ctx context.Context) {
	m.mu.Lock()
	if time.Since(m.lastSweep) < m.config.HealthCheckInterval {
		m.mu.Unlock()
		return
	}
	m.lastSweep = time.Now()
	m.mu.Unlock()

	for _, name := range m.providers.List() {
		p, err := m.providers.Get(name)
		if err != nil {
			continue
		}
		probe, err := p.Operation(provider.CapHealthCheck)
		if err != nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		start := time.Now()
		_, probeErr := probe(probeCtx, nil)
		elapsed := time.Since(start)
		cancel()

		m.UpdateHealth(name, probeErr == nil, elapsed, probeErr)

		if probeErr != nil {
			m.logger.Warn("Provider health probe failed",
				"provider", name,
				"error", probeErr.Error(),
				"elapsed", elapsed,
			)
		}
	}
}
