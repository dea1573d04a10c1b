package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/services"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// defaultForecastDays applies when a POST body omits days.
const defaultForecastDays = 1

// Predictor runs and looks up forecasts.
type Predictor interface {
	Predict(ctx context.Context, coin string, days int) ([]float64, error)
	Cached(ctx context.Context, coin string) (*models.CachedForecast, bool, error)
}

type PredictionHandler struct {
	predictor Predictor
	logger    *logrus.Logger
}

func NewPredictionHandler(predictor Predictor, logger *logrus.Logger) *PredictionHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &PredictionHandler{
		predictor: predictor,
		logger:    logger,
	}
}

// Index answers the liveness probe on GET /.
func (h *PredictionHandler) Index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Crypto Prediction API is running"})
}

// Predict handles POST /predict.
func (h *PredictionHandler) Predict(c *gin.Context) {
	var req models.PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Warn("Invalid predict request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: coin must be a string and days an integer"})
		return
	}
	if req.Coin == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameter: coin"})
		return
	}

	days := defaultForecastDays
	if req.Days != nil {
		days = *req.Days
	}

	predictions, err := h.predictor.Predict(c.Request.Context(), *req.Coin, days)
	if err != nil {
		h.respondError(c, err, "Prediction failed")
		return
	}

	// Predict succeeded, so the id is known to normalize
	coin, _ := services.NormalizeCoin(*req.Coin)
	c.JSON(http.StatusOK, models.PredictResponse{
		Predictions: predictions,
		Coin:        coin,
		Days:        days,
	})
}

// GetCached handles GET /predict?coin=<id>. It never trains.
func (h *PredictionHandler) GetCached(c *gin.Context) {
	coin, ok := c.GetQuery("coin")
	if !ok || coin == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameter: coin"})
		return
	}

	entry, found, err := h.predictor.Cached(c.Request.Context(), coin)
	if err != nil {
		h.respondError(c, err, "Cache lookup failed")
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No cached prediction found for " + coin})
		return
	}

	timestamp := entry.CreatedAt
	c.JSON(http.StatusOK, models.PredictResponse{
		Predictions: entry.Predictions,
		Coin:        entry.Coin,
		Days:        entry.Days,
		Cached:      true,
		Timestamp:   &timestamp,
	})
}

func (h *PredictionHandler) respondError(c *gin.Context, err error, msg string) {
	status := StatusForError(err)
	entry := h.logger.WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error(msg)
	} else {
		entry.Warn(msg)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// StatusForError maps pipeline error kinds to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, utils.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrEmptyDataset):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
