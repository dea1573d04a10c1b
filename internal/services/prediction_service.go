package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/irfndi/celebrum-forecast/internal/cache"
	"github.com/irfndi/celebrum-forecast/internal/logging"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/nn"
	"github.com/irfndi/celebrum-forecast/internal/preprocess"
	"github.com/irfndi/celebrum-forecast/internal/telemetry"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

const (
	// MinForecastDays and MaxForecastDays bound the horizon a client may request.
	MinForecastDays = 1
	MaxForecastDays = 100
)

// MarketDataFetcher returns the recent price history of a coin.
type MarketDataFetcher interface {
	FetchMarketChart(ctx context.Context, coin string) (models.PriceSeries, error)
}

// Forecaster is a trainable one-step-ahead model.
type Forecaster interface {
	Train(ctx context.Context, inputs [][]float64, targets []float64) (nn.TrainingReport, error)
	PredictNext(window []float64, scale preprocess.ScaleParams) (float64, error)
}

// ModelFactory builds a fresh, untrained model for each run.
type ModelFactory func() (Forecaster, error)

// RunRecorder persists completed runs.
type RunRecorder interface {
	Record(ctx context.Context, run *models.ForecastRun) error
}

// NewModelFactory returns a factory producing nn models with the given shape.
func NewModelFactory(arch nn.Architecture, opts nn.Options) ModelFactory {
	return func() (Forecaster, error) {
		model, err := nn.NewForecastModel(arch, opts)
		if err != nil {
			return nil, err
		}
		return model, nil
	}
}

// NormalizeCoin trims and lower-cases a coin id.
func NormalizeCoin(coin string) (string, error) {
	trimmed := strings.TrimSpace(coin)
	if trimmed == "" {
		return "", utils.NewValidationError("coin must be a non-empty string")
	}
	return cases.Lower(language.Und).String(trimmed), nil
}

// ValidateDays checks the forecast horizon.
func ValidateDays(days int) error {
	if days < MinForecastDays || days > MaxForecastDays {
		return utils.NewValidationErrorf("days must be between %d and %d, got %d", MinForecastDays, MaxForecastDays, days)
	}
	return nil
}

// PredictionService runs fetch -> normalize -> window -> train -> forecast -> cache.
type PredictionService struct {
	fetcher        MarketDataFetcher
	newModel       ModelFactory
	cache          cache.ForecastCache
	recorder       RunRecorder
	events         *logging.StandardLogger
	sequenceLength int
	logger         *logrus.Logger
	tracer         *telemetry.PipelineTracer
	group          singleflight.Group
	now            func() time.Time
}

// NewPredictionService creates a new prediction service.
func NewPredictionService(fetcher MarketDataFetcher, newModel ModelFactory, forecastCache cache.ForecastCache, sequenceLength int, logger *logrus.Logger) *PredictionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &PredictionService{
		fetcher:        fetcher,
		newModel:       newModel,
		cache:          forecastCache,
		sequenceLength: sequenceLength,
		logger:         logger,
		tracer:         telemetry.NewPipelineTracer(),
		now:            time.Now,
	}
}

// SetRecorder attaches an optional run history store.
func (s *PredictionService) SetRecorder(recorder RunRecorder) {
	s.recorder = recorder
}

// SetEventLogger attaches a structured logger for forecast outcome events.
func (s *PredictionService) SetEventLogger(events *logging.StandardLogger) {
	s.events = events
}

// Predict returns days forecast prices for coin, one per step, and caches them.
// Identical concurrent requests share one run.
func (s *PredictionService) Predict(ctx context.Context, coin string, days int) ([]float64, error) {
	coin, err := NormalizeCoin(coin)
	if err != nil {
		return nil, err
	}
	if err := ValidateDays(days); err != nil {
		return nil, err
	}

	// The shared run outlives any single caller; each caller may still give up on its own ctx.
	key := fmt.Sprintf("%s:%d", coin, days)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.run(context.WithoutCancel(ctx), coin, days)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.WithFields(logrus.Fields{"coin": coin, "days": days}).Debug("shared in-flight forecast")
		}
		return append([]float64(nil), res.Val.([]float64)...), nil
	}
}

// Cached returns the fresh cached forecast for coin, if any.
func (s *PredictionService) Cached(ctx context.Context, coin string) (*models.CachedForecast, bool, error) {
	coin, err := NormalizeCoin(coin)
	if err != nil {
		return nil, false, err
	}
	entry, ok := s.cache.Get(ctx, coin)
	return entry, ok, nil
}

// Invalidate drops the cached forecast for coin.
func (s *PredictionService) Invalidate(ctx context.Context, coin string) (bool, error) {
	coin, err := NormalizeCoin(coin)
	if err != nil {
		return false, err
	}
	return s.cache.Delete(ctx, coin)
}

// CacheStats exposes the cache counters.
func (s *PredictionService) CacheStats() cache.CacheStats {
	return s.cache.GetStats()
}

func (s *PredictionService) run(ctx context.Context, coin string, days int) (predictions []float64, err error) {
	started := s.now()
	ctx, span := s.tracer.TracePrediction(ctx, coin, days)
	defer func() {
		telemetry.EndSpan(span, err)
		if err != nil && s.events != nil {
			s.events.WithCoin(coin).Warn("Forecast failed", "days", days, "error", err.Error())
		}
	}()

	log := s.logger.WithFields(logrus.Fields{"coin": coin, "days": days})

	fetchCtx, fetchSpan := s.tracer.TraceStage(ctx, "fetch")
	series, err := s.fetcher.FetchMarketChart(fetchCtx, coin)
	telemetry.EndSpan(fetchSpan, err)
	if err != nil {
		log.WithError(err).Warn("failed to fetch market data")
		return nil, err
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("no price observations for %q: %w", coin, utils.ErrEmptyDataset)
	}

	normalized, err := preprocess.Normalize(series.Prices())
	if err != nil {
		return nil, err
	}
	windows, err := preprocess.Window(normalized.Values, s.sequenceLength)
	if err != nil {
		log.WithError(err).Warn("not enough observations to build training windows")
		return nil, err
	}

	model, err := s.newModel()
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}

	trainCtx, trainSpan := s.tracer.TraceStage(ctx, "train",
		attribute.Int("train.windows", windows.Len()),
		attribute.Int("train.sequence_length", s.sequenceLength),
	)
	report, err := model.Train(trainCtx, windows.Inputs, windows.Targets)
	telemetry.EndSpan(trainSpan, err)
	if err != nil {
		log.WithError(err).Error("model training failed")
		return nil, err
	}

	_, forecastSpan := s.tracer.TraceStage(ctx, "forecast")
	predictions, err = RollingForecast(model, normalized, s.sequenceLength, days)
	telemetry.EndSpan(forecastSpan, err)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Put(ctx, coin, predictions, days); err != nil {
		log.WithError(err).Warn("failed to cache forecast")
	}

	duration := s.now().Sub(started)
	log.WithFields(logrus.Fields{
		"observations":    len(series),
		"train_loss":      report.FinalTrainLoss(),
		"validation_loss": report.FinalValidationLoss(),
		"duration_ms":     duration.Milliseconds(),
	}).Info("forecast completed")
	if s.events != nil {
		s.events.LogBusinessEvent("forecast_completed", map[string]interface{}{
			"coin":            coin,
			"days":            days,
			"observations":    len(series),
			"train_loss":      report.FinalTrainLoss(),
			"validation_loss": report.FinalValidationLoss(),
			"duration_ms":     duration.Milliseconds(),
		})
	}

	s.record(ctx, coin, days, predictions, series, report, duration)
	return predictions, nil
}

func (s *PredictionService) record(ctx context.Context, coin string, days int, predictions []float64, series models.PriceSeries, report nn.TrainingReport, duration time.Duration) {
	if s.recorder == nil {
		return
	}
	last, _ := series.Last()
	run := &models.ForecastRun{
		Coin:           coin,
		Days:           days,
		Predictions:    predictions,
		Observations:   len(series),
		LastPrice:      last.Price,
		TrainLoss:      report.FinalTrainLoss(),
		ValidationLoss: report.FinalValidationLoss(),
		DurationMs:     duration.Milliseconds(),
	}
	if err := s.recorder.Record(ctx, run); err != nil {
		s.logger.WithError(err).WithField("coin", coin).Warn("failed to record forecast run")
	}
}

// RollingForecast predicts days steps ahead. Each prediction is normalized with the
// series scale and pushed into the window used for the next step.
func RollingForecast(model Forecaster, normalized preprocess.NormalizedSeries, sequenceLength, days int) ([]float64, error) {
	buffer, err := preprocess.Tail(normalized.Values, sequenceLength)
	if err != nil {
		return nil, err
	}

	predictions := make([]float64, 0, days)
	for step := 0; step < days; step++ {
		price, err := model.PredictNext(buffer, normalized.Scale)
		if err != nil {
			return nil, fmt.Errorf("forecast step %d: %w", step+1, err)
		}
		predictions = append(predictions, price)

		next := make([]float64, sequenceLength)
		copy(next, buffer[1:])
		next[sequenceLength-1] = normalized.Scale.Transform(price)
		buffer = next
	}
	return predictions, nil
}
