package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/harmlens/backend/config"
)

// SetupRouter creates and configures the Gin router
func SetupRouter(cfg *config.Config, handler *Handler, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Set Gin mode based on environment
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(RequestIDMiddleware())
	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggerMiddleware(logger.Named("access")))
	router.Use(CORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	v1.Use(RateLimitMiddleware(cfg.RateLimit.PerIP))
	v1.Use(APIKeyAuth(cfg.Server.APIKey))
	{
		v1.POST("/analyze", handler.Analyze)

		kb := v1.Group("/knowledge-base")
		{
			kb.GET("/search", handler.SearchKnowledgeBase)
		}

		admin := v1.Group("/admin")
		{
			admin.GET("/validation-warnings", handler.ValidationWarnings)
			admin.GET("/validation-stats", handler.ValidationStats)
			admin.GET("/flagged-substances", handler.FlaggedSubstances)
		}
	}

	return router
}
