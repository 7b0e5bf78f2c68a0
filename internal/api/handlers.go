package api

import (
	"github.com/gin-gonic/gin"

	"github.com/docuflow/docuflow/internal/cache"
	"github.com/docuflow/docuflow/internal/executor"
	"github.com/docuflow/docuflow/internal/fallback"
	"github.com/docuflow/docuflow/internal/health"
	"github.com/docuflow/docuflow/internal/provider"
	"github.com/docuflow/docuflow/pkg/errors"
	"github.com/docuflow/docuflow/pkg/resilience"
)

// Handlers holds the admin API handlers and their dependencies
type Handlers struct {
	service   *executor.Service
	providers *provider.Registry
	monitor   *health.Monitor
	breakers  *resilience.BreakerRegistry
	cache     *cache.ResultCache
}

// NewHandlers creates the admin API handlers
func NewHandlers(service *executor.Service, providers *provider.Registry, monitor *health.Monitor, breakers *resilience.BreakerRegistry, resultCache *cache.ResultCache) *Handlers {
	return &Handlers{
		service:   service,
		providers: providers,
		monitor:   monitor,
		breakers:  breakers,
		cache:     resultCache,
	}
}

// ExecuteRequest is the JSON body of POST /execute
type ExecuteRequest struct {
	Category          string      `json:"category" binding:"required"`
	Capability        string      `json:"capability" binding:"required"`
	Input             interface{} `json:"input" binding:"required"`
	PreferredProvider string      `json:"preferred_provider"`
	Strategy          string      `json:"strategy"`
	RetryCount        int         `json:"retry_count"`
	BypassCache       bool        `json:"bypass_cache"`
}

// Execute runs a resilient execution
func (h *Handlers) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	result := h.service.Execute(c.Request.Context(), executor.Request{
		Category:          req.Category,
		Capability:        provider.Capability(req.Capability),
		Input:             req.Input,
		PreferredProvider: req.PreferredProvider,
		Strategy:          fallback.Strategy(req.Strategy),
		RetryCount:        req.RetryCount,
		BypassCache:       req.BypassCache,
	})

	if !result.Success {
		ErrorResponseFromError(c, result.Err)
		return
	}
	SuccessResponse(c, result)
}

// providerView merges registry facts with live health
type providerView struct {
	Name         string                 `json:"name"`
	Capabilities []provider.Capability  `json:"capabilities"`
	Priority     int                    `json:"priority"`
	Health       *health.ProviderHealth `json:"health,omitempty"`
}

// ListProviders returns every registered provider with its live health
func (h *Handlers) ListProviders(c *gin.Context) {
	names := h.providers.List()
	views := make([]providerView, 0, len(names))
	for _, name := range names {
		p, err := h.providers.Get(name)
		if err != nil {
			continue
		}
		view := providerView{
			Name:         p.Name,
			Capabilities: p.Capabilities,
			Priority:     p.Priority,
		}
		if ph, ok := h.monitor.GetHealth(name); ok {
			ph.History = nil
			view.Health = &ph
		}
		views = append(views, view)
	}
	SuccessResponse(c, views)
}

// ProviderRanking returns the current ranked provider order
func (h *Handlers) ProviderRanking(c *gin.Context) {
	capability := c.Query("capability")
	var ranking []string
	if capability == "" {
		ranking = h.monitor.Ranking()
	} else {
		ranking = h.monitor.Ranking(provider.Capability(capability))
	}
	SuccessResponse(c, gin.H{
		"capability": capability,
		"ranking":    ranking,
	})
}

// ListBreakers returns circuit breaker snapshots
func (h *Handlers) ListBreakers(c *gin.Context) {
	SuccessResponse(c, h.breakers.Snapshots())
}

// ListCategories returns the configured cache categories
func (h *Handlers) ListCategories(c *gin.Context) {
	categories := h.cache.Categories()
	configs := make(map[string]cache.CategoryConfig, len(categories))
	for _, category := range categories {
		configs[category] = h.cache.CategoryConfigFor(category)
	}
	SuccessResponse(c, configs)
}

// GetCategory returns one category's effective configuration
func (h *Handlers) GetCategory(c *gin.Context) {
	category := c.Param("category")
	SuccessResponse(c, gin.H{
		"category": category,
		"config":   h.cache.CategoryConfigFor(category),
	})
}

// UpdateCategory replaces a category's configuration at runtime
func (h *Handlers) UpdateCategory(c *gin.Context) {
	category := c.Param("category")

	var cfg cache.CategoryConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		BadRequestResponse(c, "invalid category config: "+err.Error())
		return
	}

	if err := h.cache.UpdateCategoryConfig(category, cfg); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{
		"category": category,
		"config":   cfg,
	})
}

// InvalidateRequest is the JSON body of POST /cache/invalidate
type InvalidateRequest struct {
	Category string `json:"category"`
	Pattern  string `json:"pattern"`
	All      bool   `json:"all"`
	// Cascade also invalidates categories depending on Category
	Cascade bool `json:"cascade"`
}

// InvalidateCache removes cached entries by category, pattern, or entirely
func (h *Handlers) InvalidateCache(c *gin.Context) {
	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	var removed int
	switch {
	case req.All:
		removed = h.cache.InvalidateAll(ctx)
	case req.Pattern != "":
		var err error
		removed, err = h.cache.InvalidatePattern(ctx, req.Pattern)
		if err != nil {
			ErrorResponseFromError(c, err)
			return
		}
	case req.Category != "" && req.Cascade:
		removed = h.cache.InvalidateWithDependencies(ctx, req.Category)
	case req.Category != "":
		removed = h.cache.InvalidateCategory(ctx, req.Category)
	default:
		ErrorResponseFromError(c, errors.NewValidationError("one of category, pattern or all is required"))
		return
	}

	SuccessResponse(c, gin.H{"removed": removed})
}

// CleanupCache removes expired entries immediately
func (h *Handlers) CleanupCache(c *gin.Context) {
	removed := h.cache.CleanupExpired(c.Request.Context())
	SuccessResponse(c, gin.H{"removed": removed})
}

// CacheStats returns the aggregate cache statistics
func (h *Handlers) CacheStats(c *gin.Context) {
	SuccessResponse(c, h.cache.Stats())
}
