package services

import (
	"context"
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// DefaultIndicatorPeriod is the lookback used for SMA, EMA and RSI.
const DefaultIndicatorPeriod = 14

// MarketContextService summarises the price history a forecast is trained on.
type MarketContextService struct {
	fetcher MarketDataFetcher
	period  int
	logger  *logrus.Logger
}

// NewMarketContextService creates a new market context service.
func NewMarketContextService(fetcher MarketDataFetcher, period int, logger *logrus.Logger) *MarketContextService {
	if period <= 0 {
		period = DefaultIndicatorPeriod
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &MarketContextService{fetcher: fetcher, period: period, logger: logger}
}

// Context fetches coin's history and computes range statistics and indicators.
// Indicators that need more observations than available are omitted.
func (s *MarketContextService) Context(ctx context.Context, coin string) (*models.MarketContext, error) {
	coin, err := NormalizeCoin(coin)
	if err != nil {
		return nil, err
	}

	series, err := s.fetcher.FetchMarketChart(ctx, coin)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("no price observations for %q: %w", coin, utils.ErrEmptyDataset)
	}
	prices := series.Prices()

	last, _ := series.Last()
	result := &models.MarketContext{
		Coin:         coin,
		Observations: len(series),
		From:         series[0].Time(),
		To:           last.Time(),
		LastPrice:    last.Price,
		MinPrice:     floats.Min(prices),
		MaxPrice:     floats.Max(prices),
		Period:       s.period,
	}

	if len(prices) >= s.period {
		result.SMA = lastValue(helper.ChanToSlice(trend.NewSmaWithPeriod[float64](s.period).Compute(helper.SliceToChan(prices))))
		result.EMA = lastValue(helper.ChanToSlice(trend.NewEmaWithPeriod[float64](s.period).Compute(helper.SliceToChan(prices))))
	}
	if len(prices) >= s.period+1 {
		result.RSI = lastValue(helper.ChanToSlice(momentum.NewRsiWithPeriod[float64](s.period).Compute(helper.SliceToChan(prices))))
	}

	s.logger.WithFields(logrus.Fields{
		"coin":         coin,
		"observations": len(series),
	}).Debug("computed market context")

	return result, nil
}

// lastValue returns the final indicator value, or nil when it is missing or not finite.
func lastValue(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	v := values[len(values)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
