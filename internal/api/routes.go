package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/api/handlers"
	"github.com/irfndi/celebrum-forecast/internal/logging"
	"github.com/irfndi/celebrum-forecast/internal/middleware"
	"github.com/irfndi/celebrum-forecast/internal/services"
	"github.com/irfndi/celebrum-forecast/internal/telemetry"
)

// Dependencies carries everything the HTTP surface needs. DB, Redis and History are
// optional and stay nil when the matching backend is not configured.
type Dependencies struct {
	Predictions   *services.PredictionService
	MarketContext handlers.MarketContextProvider
	History       handlers.HistoryLister
	DB            handlers.HealthChecker
	Redis         handlers.HealthChecker
	AdminAPIKey   string
	ServiceName   string
	Version       string
	Logger        *logrus.Logger
	RequestLogger *logging.StandardLogger
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = telemetry.ServiceName
	}

	router.Use(middleware.RequestID())
	router.Use(middleware.TelemetryMiddleware(serviceName))
	if deps.RequestLogger != nil {
		router.Use(middleware.RequestLogger(deps.RequestLogger))
	}
	router.Use(gin.Recovery())

	predictionHandler := handlers.NewPredictionHandler(deps.Predictions, deps.Logger)
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Redis, deps.Predictions.CacheStats, deps.Version, deps.Logger)
	marketHandler := handlers.NewMarketHandler(deps.MarketContext, deps.Logger)
	adminHandler := handlers.NewAdminHandler(deps.History, deps.Predictions, deps.Logger)

	adminMiddleware := middleware.NewAdminMiddleware(deps.AdminAPIKey)

	router.GET("/", predictionHandler.Index)
	router.GET("/health", healthHandler.HealthCheck)
	router.HEAD("/health", healthHandler.HealthCheck)

	router.POST("/predict", predictionHandler.Predict)
	router.GET("/predict", predictionHandler.GetCached)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		market := v1.Group("/market")
		{
			market.GET("/:coin/context", marketHandler.GetMarketContext)
		}

		// Operator endpoints; every request is rejected while no admin key is configured
		admin := v1.Group("")
		admin.Use(adminMiddleware.RequireAdminAuth())
		{
			admin.GET("/forecasts/:coin/history", adminHandler.GetForecastHistory)
			admin.DELETE("/cache/:coin", adminHandler.InvalidateCache)
		}
	}
}
