package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/services"
)

const defaultHistoryLimit = 20

// HistoryLister reads recorded forecast runs.
type HistoryLister interface {
	ListByCoin(ctx context.Context, coin string, limit int) ([]models.ForecastRun, error)
}

// CacheInvalidator drops cached forecasts.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, coin string) (bool, error)
}

// AdminHandler serves the operator endpoints behind the admin API key.
type AdminHandler struct {
	history HistoryLister
	cache   CacheInvalidator
	logger  *logrus.Logger
}

// NewAdminHandler builds the admin handler. history is nil when Postgres is not configured.
func NewAdminHandler(history HistoryLister, cache CacheInvalidator, logger *logrus.Logger) *AdminHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AdminHandler{
		history: history,
		cache:   cache,
		logger:  logger,
	}
}

// GetForecastHistory handles GET /api/v1/forecasts/:coin/history?limit=N.
func (h *AdminHandler) GetForecastHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Forecast history requires a database"})
		return
	}

	coin, err := services.NormalizeCoin(c.Param("coin"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
	}

	runs, err := h.history.ListByCoin(c.Request.Context(), coin, limit)
	if err != nil {
		h.logger.WithError(err).WithField("coin", coin).Error("Failed to list forecast history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve forecast history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"coin":  coin,
			"runs":  runs,
			"count": len(runs),
		},
	})
}

// InvalidateCache handles DELETE /api/v1/cache/:coin.
func (h *AdminHandler) InvalidateCache(c *gin.Context) {
	coin := c.Param("coin")

	deleted, err := h.cache.Invalidate(c.Request.Context(), coin)
	if err != nil {
		status := StatusForError(err)
		h.logger.WithError(err).WithField("coin", coin).Warn("Failed to invalidate cached forecast")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"coin":    coin,
		"deleted": deleted,
	}).Info("Cached forecast invalidated")

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"coin":    coin,
			"deleted": deleted,
		},
	})
}
