package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tilebase/coremachine/internal/handlers"
)

type RouterConfig struct {
	JobsHandler    *handlers.JobsHandler
	AllowedOrigins []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/jobs", cfg.JobsHandler.Submit)
		api.GET("/jobs/:job_id", cfg.JobsHandler.GetJob)
		api.POST("/jobs/:job_id/cancel", cfg.JobsHandler.Cancel)
	}

	return router
}
