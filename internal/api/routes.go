package api

import (
	"github.com/desh0cc/psychopass/internal/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handler *Handler) {
	v1 := router.Group("/api/v1")
	{
		// System endpoints
		v1.GET("/health", handler.HealthCheck)
		v1.GET("/ready", handler.ReadyCheck)
		v1.GET("/stats", handler.GetStats)
		v1.GET("/platforms", handler.ListPlatforms)

		// Ingest endpoints
		ingest := v1.Group("/ingest")
		{
			ingest.POST("/upload", handler.UploadExport)
			ingest.POST("/path", handler.IngestPath)
			ingest.GET("/jobs", handler.ListJobs)
			ingest.GET("/jobs/:id", handler.GetJob)
		}

		// Profile endpoints
		profiles := v1.Group("/profiles")
		{
			profiles.GET("", handler.ListProfiles)
			profiles.GET("/:id", handler.GetProfile)
			profiles.PATCH("/:id", handler.UpdateProfile)
			profiles.DELETE("/:id", handler.DeleteProfile)
			profiles.POST("/:id/merge", handler.MergeProfiles)
			profiles.POST("/:id/unmerge", handler.UnmergeProfiles)
			profiles.GET("/:id/messages", handler.ProfileMessages)
		}

		// Chat endpoints
		chats := v1.Group("/chats")
		{
			chats.GET("", handler.ListChats)
			chats.GET("/:id", handler.GetChat)
			chats.PATCH("/:id", handler.UpdateChat)
			chats.DELETE("/:id", handler.DeleteChat)
			chats.GET("/:id/messages", handler.ChatMessages)
		}

		// Message endpoints
		messages := v1.Group("/messages")
		{
			messages.GET("/search", handler.SearchMessages)
			messages.GET("/:id", handler.GetMessage)
		}

		v1.GET("/emotions", handler.EmotionStats)
	}
}

// SetupMiddleware configures all middleware
func SetupMiddleware(router *gin.Engine, cfg *config.Config, log *zap.Logger) {
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(log))
	router.Use(RecoveryMiddleware(log))

	allowedOrigins := []string{"http://localhost:3000", "http://localhost:8080", "tauri://localhost"}
	router.Use(CORSMiddleware(allowedOrigins))

	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RateLimit.RequestsPerMinute)/60.0), cfg.RateLimit.BurstSize)
	router.Use(RateLimitMiddleware(limiter))
}
