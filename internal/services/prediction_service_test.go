package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-forecast/internal/cache"
	"github.com/irfndi/celebrum-forecast/internal/logging"
	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/nn"
	"github.com/irfndi/celebrum-forecast/internal/preprocess"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// linearSeries returns n hourly points priced start, start+1, ...
func linearSeries(n int, start float64) models.PriceSeries {
	points := make([]models.PricePoint, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := range points {
		points[i] = models.PricePoint{Timestamp: base + int64(i)*3600_000, Price: start + float64(i)}
	}
	return models.NewPriceSeries(points)
}

type serviceFixture struct {
	service  *PredictionService
	fetcher  *MockMarketDataFetcher
	model    *PersistenceModel
	cache    *cache.MemoryForecastCache
	recorder *MockRunRecorder
}

func newServiceFixture(t *testing.T, seqLen int) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		fetcher: &MockMarketDataFetcher{},
		model:   &PersistenceModel{Step: 1},
		cache:   cache.NewMemoryForecastCache(cache.DefaultTTL, cache.DefaultCapacity),
	}
	factory := func() (Forecaster, error) { return f.model, nil }
	f.service = NewPredictionService(f.fetcher, factory, f.cache, seqLen, quietLogger())
	return f
}

func TestNormalizeCoin(t *testing.T) {
	coin, err := NormalizeCoin("  BitCoin ")
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", coin)

	for _, bad := range []string{"", "   ", "\t\n"} {
		_, err := NormalizeCoin(bad)
		assert.ErrorIs(t, err, utils.ErrInvalidInput)
	}
}

func TestValidateDays(t *testing.T) {
	assert.NoError(t, ValidateDays(1))
	assert.NoError(t, ValidateDays(100))
	assert.ErrorIs(t, ValidateDays(0), utils.ErrInvalidInput)
	assert.ErrorIs(t, ValidateDays(-3), utils.ErrInvalidInput)
	assert.ErrorIs(t, ValidateDays(101), utils.ErrInvalidInput)
}

func TestPredict_ReturnsRequestedDays(t *testing.T) {
	for _, days := range []int{1, 3, 7} {
		t.Run(fmt.Sprintf("days=%d", days), func(t *testing.T) {
			f := newServiceFixture(t, 5)
			f.fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(linearSeries(30, 100), nil)

			predictions, err := f.service.Predict(context.Background(), "bitcoin", days)
			require.NoError(t, err)
			assert.Len(t, predictions, days)
			for _, p := range predictions {
				assert.False(t, math.IsNaN(p))
			}
		})
	}
}

func TestPredict_RollingBufferUsesPreviousPrediction(t *testing.T) {
	f := newServiceFixture(t, 3)
	f.fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(linearSeries(11, 100), nil)

	predictions, err := f.service.Predict(context.Background(), "bitcoin", 3)
	require.NoError(t, err)

	// series is 100..110, each step adds 1 to the last window value
	assert.InDeltaSlice(t, []float64{111, 112, 113}, predictions, 1e-9)

	scale := preprocess.ScaleParams{Min: 100, Max: 110}
	windows := f.model.Windows()
	require.Len(t, windows, 3)
	assert.InDeltaSlice(t, []float64{scale.Transform(108), scale.Transform(109), scale.Transform(110)}, windows[0], 1e-12)
	assert.InDeltaSlice(t, []float64{scale.Transform(109), scale.Transform(110), scale.Transform(111)}, windows[1], 1e-12)
	assert.InDeltaSlice(t, []float64{scale.Transform(110), scale.Transform(111), scale.Transform(112)}, windows[2], 1e-12)
}

func TestPredict_DegenerateSeries(t *testing.T) {
	f := newServiceFixture(t, 3)
	f.model.Step = 0
	points := linearSeries(10, 0)
	for i := range points {
		points[i].Price = 100
	}
	f.fetcher.On("FetchMarketChart", mock.Anything, "tether").Return(points, nil)

	predictions, err := f.service.Predict(context.Background(), "tether", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 100}, predictions)
}

func TestPredict_InvalidInputSkipsFetch(t *testing.T) {
	tests := []struct {
		name string
		coin string
		days int
	}{
		{"empty coin", "", 3},
		{"blank coin", "   ", 3},
		{"zero days", "bitcoin", 0},
		{"negative days", "bitcoin", -1},
		{"too many days", "bitcoin", MaxForecastDays + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t, 3)

			_, err := f.service.Predict(context.Background(), tt.coin, tt.days)
			assert.ErrorIs(t, err, utils.ErrInvalidInput)
			f.fetcher.AssertNotCalled(t, "FetchMarketChart", mock.Anything, mock.Anything)
		})
	}
}

func TestPredict_LowerCasesCoin(t *testing.T) {
	f := newServiceFixture(t, 3)
	f.fetcher.On("FetchMarketChart", mock.Anything, "ethereum").Return(linearSeries(10, 1), nil)

	_, err := f.service.Predict(context.Background(), " Ethereum ", 1)
	require.NoError(t, err)
	f.fetcher.AssertExpectations(t)

	_, ok := f.cache.Get(context.Background(), "ethereum")
	assert.True(t, ok)
}

func TestPredict_UnknownCoin(t *testing.T) {
	f := newServiceFixture(t, 3)
	f.fetcher.On("FetchMarketChart", mock.Anything, "doesnotexist123").
		Return(nil, fmt.Errorf("%w: coingecko error (404): coin not found", utils.ErrDataUnavailable))

	predictions, err := f.service.Predict(context.Background(), "doesnotexist123", 3)
	assert.Nil(t, predictions)
	assert.ErrorIs(t, err, utils.ErrDataUnavailable)
	assert.Equal(t, 0, f.cache.Len(context.Background()))
}

func TestPredict_EmptyDataset(t *testing.T) {
	f := newServiceFixture(t, 3)
	f.fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(nil, utils.ErrEmptyDataset)

	_, err := f.service.Predict(context.Background(), "bitcoin", 3)
	assert.ErrorIs(t, err, utils.ErrEmptyDataset)
}

func TestPredict_EmptySeriesWithoutError(t *testing.T) {
	f := newServiceFixture(t, 3)
	f.fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(models.PriceSeries{}, nil)

	predictions, err := f.service.Predict(context.Background(), "bitcoin", 3)
	assert.ErrorIs(t, err, utils.ErrEmptyDataset)
	assert.Nil(t, predictions)
}

func TestPredict_SeriesShorterThanWindow(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(linearSeries(10, 1), nil)

	_, err := f.service.Predict(context.Background(), "bitcoin", 3)
	assert.ErrorIs(t, err, utils.ErrInsufficientData)
	assert.Equal(t, 0, f.cache.Len(context.Background()))
}

func TestPredict_TrainingFailure(t *testing.T) {
	f := newServiceFixture(t, 3)
	f.model.TrainErr = fmt.Errorf("loss diverged: %w", utils.ErrTraining)
	f.fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(linearSeries(20, 1), nil)

	_, err := f.service.Predict(context.Background(), "bitcoin", 3)
	assert.ErrorIs(t, err, utils.ErrTraining)
	_, ok := f.cache.Get(context.Background(), "bitcoin")
	assert.False(t, ok)
}

func TestPredict_ModelFactoryFailure(t *testing.T) {
	f := newServiceFixture(t, 3)
	f.fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(linearSeries(20, 1), nil)
	f.service.newModel = func() (Forecaster, error) { return nil, errors.New("bad architecture") }

	_, err := f.service.Predict(context.Background(), "bitcoin", 3)
	assert.ErrorContains(t, err, "bad architecture")
}

func TestPredict_CachesResult(t *testing.T) {
	f := newServiceFixture(t, 3)
	f.fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(linearSeries(20, 1), nil)

	predictions, err := f.service.Predict(context.Background(), "bitcoin", 4)
	require.NoError(t, err)

	entry, ok, err := f.service.Cached(context.Background(), "BITCOIN")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, predictions, entry.Predictions)
	assert.Equal(t, 4, entry.Days)
	assert.Equal(t, int64(1), f.service.CacheStats().Sets)

	deleted, err := f.service.Invalidate(context.Background(), "bitcoin")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, ok, _ = f.service.Cached(context.Background(), "bitcoin")
	assert.False(t, ok)

	_, _, err = f.service.Cached(context.Background(), " ")
	assert.ErrorIs(t, err, utils.ErrInvalidInput)
}

func TestPredict_LogsForecastEvents(t *testing.T) {
	f := newServiceFixture(t, 3)
	var buf bytes.Buffer
	f.service.SetEventLogger(logging.NewStandardLoggerWithWriter(&buf, "info", "test"))
	f.fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(linearSeries(20, 100), nil)
	f.fetcher.On("FetchMarketChart", mock.Anything, "ghost").Return(models.PriceSeries{}, nil)

	_, err := f.service.Predict(context.Background(), "bitcoin", 2)
	require.NoError(t, err)
	_, err = f.service.Predict(context.Background(), "ghost", 2)
	require.Error(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var completed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &completed))
	assert.Equal(t, "forecast_completed", completed["event_type"])
	details := completed["details"].(map[string]interface{})
	assert.Equal(t, "bitcoin", details["coin"])
	assert.EqualValues(t, 2, details["days"])
	assert.EqualValues(t, 20, details["observations"])

	var failed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &failed))
	assert.Equal(t, "WARN", failed["level"])
	assert.Equal(t, "ghost", failed["coin"])
	assert.Contains(t, failed["error"], "no price observations")
}

func TestPredict_RecordsRun(t *testing.T) {
	f := newServiceFixture(t, 3)
	f.fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(linearSeries(20, 1), nil)
	recorder := &MockRunRecorder{}
	recorder.On("Record", mock.Anything, mock.MatchedBy(func(run *models.ForecastRun) bool {
		return run.Coin == "bitcoin" && run.Days == 2 && len(run.Predictions) == 2 &&
			run.Observations == 20 && run.LastPrice == 20
	})).Return(nil)
	f.service.SetRecorder(recorder)

	_, err := f.service.Predict(context.Background(), "bitcoin", 2)
	require.NoError(t, err)
	recorder.AssertExpectations(t)
}

func TestPredict_RecorderFailureIsNotFatal(t *testing.T) {
	f := newServiceFixture(t, 3)
	f.fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(linearSeries(20, 1), nil)
	recorder := &MockRunRecorder{}
	recorder.On("Record", mock.Anything, mock.Anything).Return(errors.New("db down"))
	f.service.SetRecorder(recorder)

	predictions, err := f.service.Predict(context.Background(), "bitcoin", 2)
	require.NoError(t, err)
	assert.Len(t, predictions, 2)
}

// blockingFetcher holds every call until release is closed.
type blockingFetcher struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingFetcher) FetchMarketChart(ctx context.Context, coin string) (models.PriceSeries, error) {
	b.calls.Add(1)
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return linearSeries(20, 1), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPredict_CoalescesIdenticalRequests(t *testing.T) {
	fetcher := &blockingFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	model := &PersistenceModel{Step: 1}
	service := NewPredictionService(fetcher, func() (Forecaster, error) { return model, nil },
		cache.NewMemoryForecastCache(0, 0), 3, quietLogger())

	var wg sync.WaitGroup
	results := make([][]float64, 2)
	start := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := service.Predict(context.Background(), "bitcoin", 2)
			assert.NoError(t, err)
			results[i] = p
		}()
	}

	start(0)
	<-fetcher.entered
	start(1)
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, results[0], results[1])

	// callers get independent slices
	results[0][0] = -1
	assert.NotEqual(t, results[0][0], results[1][0])
}

func TestPredict_FirstCallerCancellationDoesNotFailOthers(t *testing.T) {
	fetcher := &blockingFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	model := &PersistenceModel{Step: 1}
	forecastCache := cache.NewMemoryForecastCache(0, 0)
	service := NewPredictionService(fetcher, func() (Forecaster, error) { return model, nil },
		forecastCache, 3, quietLogger())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	firstErr := make(chan error, 1)
	go func() {
		_, err := service.Predict(firstCtx, "bitcoin", 2)
		firstErr <- err
	}()
	<-fetcher.entered

	type result struct {
		predictions []float64
		err         error
	}
	second := make(chan result, 1)
	go func() {
		p, err := service.Predict(context.Background(), "bitcoin", 2)
		second <- result{p, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(fetcher.release)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.InDeltaSlice(t, []float64{21, 22}, res.predictions, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller did not return")
	}

	assert.Equal(t, int32(1), fetcher.calls.Load())
	_, ok := forecastCache.Get(context.Background(), "bitcoin")
	assert.True(t, ok)
}

func TestPredict_CallerCancellationWhileAlone(t *testing.T) {
	fetcher := &blockingFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	model := &PersistenceModel{Step: 1}
	forecastCache := cache.NewMemoryForecastCache(0, 0)
	service := NewPredictionService(fetcher, func() (Forecaster, error) { return model, nil },
		forecastCache, 3, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := service.Predict(ctx, "bitcoin", 1)
		done <- err
	}()
	<-fetcher.entered
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)

	// the abandoned run still completes and warms the cache
	close(fetcher.release)
	assert.Eventually(t, func() bool {
		_, ok := forecastCache.Get(context.Background(), "bitcoin")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPredict_WithRealModel(t *testing.T) {
	arch := nn.Architecture{SequenceLength: 4, LSTMUnits: []int{4}, DenseUnits: []int{3}, Dropout: 0.1}
	opts := nn.Options{Epochs: 3, BatchSize: 8, ValidationSplit: 0.2, LearningRate: 0.01, Seed: 3, Workers: 2, Logger: quietLogger()}

	fetcher := &MockMarketDataFetcher{}
	fetcher.On("FetchMarketChart", mock.Anything, "bitcoin").Return(linearSeries(40, 20000), nil)
	service := NewPredictionService(fetcher, NewModelFactory(arch, opts), cache.NewMemoryForecastCache(0, 0), 4, quietLogger())

	predictions, err := service.Predict(context.Background(), "bitcoin", 5)
	require.NoError(t, err)
	require.Len(t, predictions, 5)
	for _, p := range predictions {
		assert.False(t, math.IsNaN(p) || math.IsInf(p, 0))
	}
}

func TestRollingForecast_ShortSeries(t *testing.T) {
	ns, err := preprocess.Normalize([]float64{1, 2})
	require.NoError(t, err)

	_, err = RollingForecast(&PersistenceModel{}, ns, 3, 1)
	assert.ErrorIs(t, err, utils.ErrInsufficientData)
}

func TestRollingForecast_PredictError(t *testing.T) {
	m, err := nn.NewForecastModel(nn.Architecture{SequenceLength: 2, LSTMUnits: []int{2}}, nn.Options{Epochs: 1, BatchSize: 1, Seed: 1})
	require.NoError(t, err)
	ns, err := preprocess.Normalize([]float64{1, 2, 3})
	require.NoError(t, err)

	_, err = RollingForecast(m, ns, 2, 2)
	assert.ErrorIs(t, err, utils.ErrNotTrained)
}
