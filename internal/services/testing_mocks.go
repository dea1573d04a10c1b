package services

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/irfndi/celebrum-forecast/internal/models"
	"github.com/irfndi/celebrum-forecast/internal/nn"
	"github.com/irfndi/celebrum-forecast/internal/preprocess"
)

// MockMarketDataFetcher implements MarketDataFetcher for tests
type MockMarketDataFetcher struct {
	mock.Mock
}

func (m *MockMarketDataFetcher) FetchMarketChart(ctx context.Context, coin string) (models.PriceSeries, error) {
	args := m.Called(ctx, coin)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(models.PriceSeries), args.Error(1)
}

// MockRunRecorder implements RunRecorder for tests
type MockRunRecorder struct {
	mock.Mock
}

func (m *MockRunRecorder) Record(ctx context.Context, run *models.ForecastRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

// PersistenceModel is a Forecaster that predicts the last value of its window
// plus Step, in price units. It records every window it is asked about.
type PersistenceModel struct {
	Step     float64
	TrainErr error

	mu      sync.Mutex
	trained bool
	windows [][]float64
}

func (p *PersistenceModel) Train(_ context.Context, inputs [][]float64, _ []float64) (nn.TrainingReport, error) {
	if p.TrainErr != nil {
		return nn.TrainingReport{}, p.TrainErr
	}
	p.mu.Lock()
	p.trained = true
	p.mu.Unlock()
	return nn.TrainingReport{TrainSamples: len(inputs), Epochs: 1, TrainLoss: []float64{0.01}}, nil
}

func (p *PersistenceModel) PredictNext(window []float64, scale preprocess.ScaleParams) (float64, error) {
	p.mu.Lock()
	p.windows = append(p.windows, append([]float64(nil), window...))
	p.mu.Unlock()
	return scale.Inverse(window[len(window)-1]) + p.Step, nil
}

// Windows returns the windows passed to PredictNext so far.
func (p *PersistenceModel) Windows() [][]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.windows
}
