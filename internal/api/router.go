package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/memedex/internal/api/handler"
	"github.com/timmy/memedex/internal/api/middleware"
	"github.com/timmy/memedex/internal/config"
	"github.com/timmy/memedex/internal/service"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(engine *service.Engine, cfg *config.ServerConfig) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(engine)
	engineHandler := handler.NewEngineHandler(engine)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		// Write path
		v1.POST("/candidates", engineHandler.Resolve)
		v1.POST("/status", engineHandler.AdvanceStatus)

		// Templates
		v1.GET("/templates/samples", engineHandler.Samples)
		v1.POST("/templates/:id/enrichment", engineHandler.Enrich)
		v1.DELETE("/templates/:id", engineHandler.DeleteTemplate)

		// Similarity
		v1.POST("/similar/phash", engineHandler.SimilarByPerceptualHash)
		v1.POST("/similar/embedding", engineHandler.SimilarByEmbedding)
	}

	return r
}
