package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

// MarketContextProvider summarises the training history of a coin.
type MarketContextProvider interface {
	Context(ctx context.Context, coin string) (*models.MarketContext, error)
}

type MarketHandler struct {
	provider MarketContextProvider
	logger   *logrus.Logger
}

func NewMarketHandler(provider MarketContextProvider, logger *logrus.Logger) *MarketHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &MarketHandler{provider: provider, logger: logger}
}

// GetMarketContext handles GET /api/v1/market/:coin/context.
func (h *MarketHandler) GetMarketContext(c *gin.Context) {
	coin := c.Param("coin")

	marketContext, err := h.provider.Context(c.Request.Context(), coin)
	if err != nil {
		status := StatusForError(err)
		h.logger.WithError(err).WithFields(logrus.Fields{
			"coin":   coin,
			"status": status,
		}).Warn("Market context failed")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, marketContext)
}
