package api

import (
	"github.com/gin-gonic/gin"

	"github.com/docuflow/docuflow/pkg/config"
	healthcheck "github.com/docuflow/docuflow/pkg/health"
	"github.com/docuflow/docuflow/pkg/metrics"
)

// NewRouter creates and configures the admin API router
func NewRouter(cfg *config.Config, handlers *Handlers, healthService *healthcheck.Service, m *metrics.Metrics) *gin.Engine {
	if cfg != nil && cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(CorrelationMiddleware())
	router.Use(ErrorHandlingMiddleware())
	router.Use(CORSMiddleware())
	if m != nil {
		router.Use(m.Middleware())
	}

	router.GET("/health", healthService.Handler())
	router.GET("/health/live", healthService.LivenessHandler())
	router.GET("/health/ready", healthService.ReadinessHandler())
	if m != nil {
		router.GET("/metrics", m.Handler())
	}

	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, gin.H{
			"name":    "DocuFlow Resilience API",
			"version": "1.0.0",
			"status":  "ok",
		})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/execute", handlers.Execute)

		providers := v1.Group("/providers")
		{
			providers.GET("", handlers.ListProviders)
			providers.GET("/ranking", handlers.ProviderRanking)
		}

		v1.GET("/breakers", handlers.ListBreakers)

		categories := v1.Group("/categories")
		{
			categories.GET("", handlers.ListCategories)
			categories.GET("/:category", handlers.GetCategory)
			categories.PUT("/:category", handlers.UpdateCategory)
		}

		cacheRoutes := v1.Group("/cache")
		{
			cacheRoutes.POST("/invalidate", handlers.InvalidateCache)
			cacheRoutes.POST("/cleanup", handlers.CleanupCache)
			cacheRoutes.GET("/stats", handlers.CacheStats)
		}
	}

	return router
}
