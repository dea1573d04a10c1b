package nn

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-forecast/internal/config"
	"github.com/irfndi/celebrum-forecast/internal/preprocess"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func smallArch() Architecture {
	return Architecture{
		SequenceLength: 4,
		LSTMUnits:      []int{6, 5},
		DenseUnits:     []int{4},
		Dropout:        0,
	}
}

func smallOptions() Options {
	return Options{
		Epochs:          40,
		BatchSize:       8,
		ValidationSplit: 0.2,
		LearningRate:    0.01,
		Seed:            42,
		Workers:         1,
		ClipNorm:        5,
		Logger:          quietLogger(),
	}
}

func sineWindows(t *testing.T, n, s int) preprocess.WindowSet {
	t.Helper()
	values := make([]float64, n)
	for i := range values {
		values[i] = 0.5 + 0.4*math.Sin(float64(i)/4)
	}
	set, err := preprocess.Window(values, s)
	require.NoError(t, err)
	return set
}

func TestNewForecastModel_InvalidArchitecture(t *testing.T) {
	tests := []struct {
		name string
		arch Architecture
		opts Options
	}{
		{"zero sequence", Architecture{SequenceLength: 0, LSTMUnits: []int{2}}, smallOptions()},
		{"no lstm", Architecture{SequenceLength: 3}, smallOptions()},
		{"bad dropout", Architecture{SequenceLength: 3, LSTMUnits: []int{2}, Dropout: 1}, smallOptions()},
		{"zero units", Architecture{SequenceLength: 3, LSTMUnits: []int{0}}, smallOptions()},
		{"zero dense units", Architecture{SequenceLength: 3, LSTMUnits: []int{2}, DenseUnits: []int{0}}, smallOptions()},
		{"zero epochs", smallArch(), Options{BatchSize: 1}},
		{"bad split", smallArch(), Options{Epochs: 1, BatchSize: 1, ValidationSplit: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewForecastModel(tt.arch, tt.opts)
			assert.ErrorIs(t, err, utils.ErrTraining)
		})
	}
}

func TestDefaultArchitecture_ParamCount(t *testing.T) {
	m, err := NewForecastModel(DefaultArchitecture(), DefaultOptions())
	require.NoError(t, err)

	// LSTM(1->100), LSTM(100->100), Dense 100->64, 64->32, 32->1
	want := 4*100*(1+100+1) + 4*100*(100+100+1) + (100*64 + 64) + (64*32 + 32) + (32 + 1)
	assert.Equal(t, want, m.ParamCount())
	assert.Equal(t, 10, m.SequenceLength())
	assert.False(t, m.Trained())
}

func TestFromConfig(t *testing.T) {
	cfg := &config.ModelConfig{
		SequenceLength:  12,
		LSTMUnits:       []int{8},
		DenseUnits:      []int{4},
		Dropout:         0.1,
		Epochs:          3,
		BatchSize:       16,
		ValidationSplit: 0.25,
		LearningRate:    0.005,
		Seed:            9,
	}
	arch, opts := FromConfig(cfg, nil)

	assert.Equal(t, 12, arch.SequenceLength)
	assert.Equal(t, []int{8}, arch.LSTMUnits)
	assert.Equal(t, 3, opts.Epochs)
	assert.Equal(t, 16, opts.BatchSize)
	assert.Equal(t, 0.25, opts.ValidationSplit)
	assert.Equal(t, int64(9), opts.Seed)
	assert.Equal(t, 5.0, opts.ClipNorm)

	cfg.LSTMUnits[0] = 99
	assert.Equal(t, []int{8}, arch.LSTMUnits)
}

func TestPredict_NotTrained(t *testing.T) {
	m, err := NewForecastModel(smallArch(), smallOptions())
	require.NoError(t, err)

	_, err = m.Predict([]float64{0, 0, 0, 0})
	assert.ErrorIs(t, err, utils.ErrNotTrained)

	_, err = m.PredictNext([]float64{0, 0, 0, 0}, preprocess.ScaleParams{Min: 1, Max: 2})
	assert.ErrorIs(t, err, utils.ErrNotTrained)
}

func TestTrain_EmptyWindows(t *testing.T) {
	m, err := NewForecastModel(smallArch(), smallOptions())
	require.NoError(t, err)

	_, err = m.Train(context.Background(), nil, nil)
	assert.ErrorIs(t, err, utils.ErrTraining)
	assert.False(t, m.Trained())
}

func TestTrain_ShapeMismatch(t *testing.T) {
	m, err := NewForecastModel(smallArch(), smallOptions())
	require.NoError(t, err)

	_, err = m.Train(context.Background(), [][]float64{{1, 2, 3, 4}}, []float64{1, 2})
	assert.ErrorIs(t, err, utils.ErrTraining)

	_, err = m.Train(context.Background(), [][]float64{{1, 2}}, []float64{1})
	assert.ErrorIs(t, err, utils.ErrTraining)
}

func TestTrain_LossDecreases(t *testing.T) {
	set := sineWindows(t, 80, 4)
	m, err := NewForecastModel(smallArch(), smallOptions())
	require.NoError(t, err)

	report, err := m.Train(context.Background(), set.Inputs, set.Targets)
	require.NoError(t, err)

	assert.True(t, m.Trained())
	assert.Equal(t, 40, report.Epochs)
	assert.Len(t, report.TrainLoss, 40)
	assert.Len(t, report.ValidationLoss, 40)
	assert.Equal(t, 60, report.TrainSamples)
	assert.Equal(t, 16, report.ValidationSamples)
	assert.Less(t, report.FinalTrainLoss(), report.TrainLoss[0])
	assert.False(t, math.IsNaN(report.FinalValidationLoss()))
}

func TestTrain_WithDropoutAndWorkers(t *testing.T) {
	set := sineWindows(t, 60, 4)
	arch := smallArch()
	arch.Dropout = 0.2
	opts := smallOptions()
	opts.Epochs = 3
	opts.Workers = 4

	m, err := NewForecastModel(arch, opts)
	require.NoError(t, err)

	report, err := m.Train(context.Background(), set.Inputs, set.Targets)
	require.NoError(t, err)
	assert.Len(t, report.TrainLoss, 3)

	// dropout is disabled at inference, so repeated predictions agree
	a, err := m.Predict(set.Inputs[0])
	require.NoError(t, err)
	b, err := m.Predict(set.Inputs[0])
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTrain_NoValidationWhenTooFewSamples(t *testing.T) {
	m, err := NewForecastModel(smallArch(), Options{Epochs: 2, BatchSize: 4, ValidationSplit: 0.2, Seed: 1, Workers: 1, Logger: quietLogger()})
	require.NoError(t, err)

	report, err := m.Train(context.Background(), [][]float64{{0.1, 0.2, 0.3, 0.4}}, []float64{0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, report.TrainSamples)
	assert.Equal(t, 0, report.ValidationSamples)
	assert.Empty(t, report.ValidationLoss)
	assert.Equal(t, 0.0, report.FinalValidationLoss())
}

func TestTrain_ContextCanceled(t *testing.T) {
	set := sineWindows(t, 40, 4)
	m, err := NewForecastModel(smallArch(), smallOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = m.Train(ctx, set.Inputs, set.Targets)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, m.Trained())
}

func TestTrain_DeterministicWithSeed(t *testing.T) {
	set := sineWindows(t, 50, 4)
	opts := smallOptions()
	opts.Epochs = 5

	predict := func() float64 {
		m, err := NewForecastModel(smallArch(), opts)
		require.NoError(t, err)
		_, err = m.Train(context.Background(), set.Inputs, set.Targets)
		require.NoError(t, err)
		v, err := m.Predict(set.Inputs[len(set.Inputs)-1])
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, predict(), predict())
}

func TestPredictNext_Denormalizes(t *testing.T) {
	set := sineWindows(t, 40, 4)
	opts := smallOptions()
	opts.Epochs = 2
	m, err := NewForecastModel(smallArch(), opts)
	require.NoError(t, err)
	_, err = m.Train(context.Background(), set.Inputs, set.Targets)
	require.NoError(t, err)

	raw, err := m.Predict(set.Inputs[0])
	require.NoError(t, err)

	scale := preprocess.ScaleParams{Min: 100, Max: 300}
	v, err := m.PredictNext(set.Inputs[0], scale)
	require.NoError(t, err)
	assert.InDelta(t, raw*200+100, v, 1e-9)

	v, err = m.PredictNext(set.Inputs[0], preprocess.ScaleParams{Min: 100, Max: 100})
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)

	_, err = m.Predict([]float64{1})
	assert.ErrorIs(t, err, utils.ErrInsufficientData)
}

// TestGradients compares backpropagated gradients of the output with central differences.
func TestGradients(t *testing.T) {
	arch := Architecture{SequenceLength: 3, LSTMUnits: []int{3, 2}, DenseUnits: []int{3}}
	m, err := NewForecastModel(arch, Options{Epochs: 1, BatchSize: 1, Seed: 7, Logger: quietLogger()})
	require.NoError(t, err)

	window := []float64{0.3, 0.8, 0.55}
	ws := m.newReplica()
	zeroAll(replicaGrads(ws))
	forwardSample(ws, window, false)
	backwardSample(ws, 1)
	analytic := replicaGrads(ws)

	const eps = 1e-6
	for i, p := range m.params() {
		for j := range p.w {
			orig := p.w[j]
			p.w[j] = orig + eps
			plus := forwardSample(m.newReplica(), window, false)
			p.w[j] = orig - eps
			minus := forwardSample(m.newReplica(), window, false)
			p.w[j] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, analytic[i][j], 1e-5+1e-4*math.Abs(numeric), "%s[%d]", p.name, j)
		}
	}
}

func TestAdam_Minimizes(t *testing.T) {
	p := newParam("w", 1)
	opt := newAdam(0.1)
	for i := 0; i < 500; i++ {
		grad := [][]float64{{2 * (p.w[0] - 3)}}
		opt.step([]*param{p}, grad)
	}
	assert.InDelta(t, 3, p.w[0], 1e-2)
}

func TestClipGlobalNorm(t *testing.T) {
	grads := [][]float64{{3}, {4}}
	norm := clipGlobalNorm(grads, 1)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDelta(t, 0.6, grads[0][0], 1e-12)
	assert.InDelta(t, 0.8, grads[1][0], 1e-12)

	grads = [][]float64{{0.3}}
	clipGlobalNorm(grads, 1)
	assert.Equal(t, 0.3, grads[0][0])
}
