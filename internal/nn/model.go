package nn

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/irfndi/celebrum-forecast/internal/config"
	"github.com/irfndi/celebrum-forecast/internal/preprocess"
	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// Architecture describes the layer stack:
// LSTM(units...) with dropout after each, then Dense(units..., relu), then Dense(1).
type Architecture struct {
	SequenceLength int
	LSTMUnits      []int
	DenseUnits     []int
	Dropout        float64
}

// Options controls training.
type Options struct {
	Epochs          int
	BatchSize       int
	ValidationSplit float64
	LearningRate    float64
	// Seed fixes weight init, shuffling and dropout; 0 seeds from the clock.
	Seed int64
	// Workers bounds the goroutines computing a batch; 0 uses GOMAXPROCS.
	Workers  int
	ClipNorm float64
	Logger   *logrus.Logger
}

// DefaultArchitecture mirrors the production network.
func DefaultArchitecture() Architecture {
	return Architecture{
		SequenceLength: 10,
		LSTMUnits:      []int{100, 100},
		DenseUnits:     []int{64, 32},
		Dropout:        0.2,
	}
}

// DefaultOptions returns the production training budget.
func DefaultOptions() Options {
	return Options{
		Epochs:          100,
		BatchSize:       32,
		ValidationSplit: 0.2,
		LearningRate:    0.001,
		ClipNorm:        5,
	}
}

// FromConfig builds the architecture and training options from model configuration.
func FromConfig(cfg *config.ModelConfig, logger *logrus.Logger) (Architecture, Options) {
	arch := Architecture{
		SequenceLength: cfg.SequenceLength,
		LSTMUnits:      append([]int(nil), cfg.LSTMUnits...),
		DenseUnits:     append([]int(nil), cfg.DenseUnits...),
		Dropout:        cfg.Dropout,
	}
	opts := DefaultOptions()
	opts.Epochs = cfg.Epochs
	opts.BatchSize = cfg.BatchSize
	opts.ValidationSplit = cfg.ValidationSplit
	opts.LearningRate = cfg.LearningRate
	opts.Seed = cfg.Seed
	opts.Logger = logger
	return arch, opts
}

// TrainingReport summarises a completed fit.
type TrainingReport struct {
	TrainSamples      int           `json:"train_samples"`
	ValidationSamples int           `json:"validation_samples"`
	Epochs            int           `json:"epochs"`
	TrainLoss         []float64     `json:"train_loss"`
	ValidationLoss    []float64     `json:"validation_loss,omitempty"`
	Duration          time.Duration `json:"duration"`
}

// FinalTrainLoss returns the loss of the last epoch.
func (r TrainingReport) FinalTrainLoss() float64 {
	if len(r.TrainLoss) == 0 {
		return 0
	}
	return r.TrainLoss[len(r.TrainLoss)-1]
}

// FinalValidationLoss returns the validation loss of the last epoch, or 0 without a validation set.
func (r TrainingReport) FinalValidationLoss() float64 {
	if len(r.ValidationLoss) == 0 {
		return 0
	}
	return r.ValidationLoss[len(r.ValidationLoss)-1]
}

// ForecastModel is a one-shot network: it is trained once and then only predicts.
// An instance is not safe for concurrent use.
type ForecastModel struct {
	arch      Architecture
	opts      Options
	layers    []layer
	optimizer *adam
	rng       *rand.Rand
	logger    *logrus.Logger
	inference []worker
	trained   bool
}

// NewForecastModel builds an untrained model with freshly initialised weights.
func NewForecastModel(arch Architecture, opts Options) (*ForecastModel, error) {
	if arch.SequenceLength < 1 {
		return nil, fmt.Errorf("sequence length must be at least 1: %w", utils.ErrTraining)
	}
	if len(arch.LSTMUnits) == 0 {
		return nil, fmt.Errorf("at least one LSTM layer is required: %w", utils.ErrTraining)
	}
	if arch.Dropout < 0 || arch.Dropout >= 1 {
		return nil, fmt.Errorf("dropout must be in [0, 1), got %v: %w", arch.Dropout, utils.ErrTraining)
	}
	if opts.Epochs < 1 || opts.BatchSize < 1 {
		return nil, fmt.Errorf("epochs and batch size must be positive: %w", utils.ErrTraining)
	}
	if opts.ValidationSplit < 0 || opts.ValidationSplit >= 1 {
		return nil, fmt.Errorf("validation split must be in [0, 1), got %v: %w", opts.ValidationSplit, utils.ErrTraining)
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = DefaultOptions().LearningRate
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	var layers []layer
	in := 1
	for i, units := range arch.LSTMUnits {
		if units < 1 {
			return nil, fmt.Errorf("LSTM layer %d has no units: %w", i, utils.ErrTraining)
		}
		layers = append(layers, newLSTM(in, units, i < len(arch.LSTMUnits)-1, rng))
		if arch.Dropout > 0 {
			layers = append(layers, &dropoutLayer{rate: arch.Dropout})
		}
		in = units
	}
	for i, units := range arch.DenseUnits {
		if units < 1 {
			return nil, fmt.Errorf("dense layer %d has no units: %w", i, utils.ErrTraining)
		}
		layers = append(layers, newDense(in, units, false, rng))
		in = units
	}
	layers = append(layers, newDense(in, 1, true, rng))

	m := &ForecastModel{
		arch:      arch,
		opts:      opts,
		layers:    layers,
		optimizer: newAdam(opts.LearningRate),
		rng:       rng,
		logger:    logger,
	}
	m.inference = m.newReplica()
	return m, nil
}

// Trained reports whether Train has completed successfully.
func (m *ForecastModel) Trained() bool {
	return m.trained
}

// SequenceLength is the window length the model consumes.
func (m *ForecastModel) SequenceLength() int {
	return m.arch.SequenceLength
}

// ParamCount returns the number of trainable weights.
func (m *ForecastModel) ParamCount() int {
	n := 0
	for _, p := range m.params() {
		n += len(p.w)
	}
	return n
}

func (m *ForecastModel) params() []*param {
	var ps []*param
	for _, l := range m.layers {
		ps = append(ps, l.params()...)
	}
	return ps
}

func (m *ForecastModel) newReplica() []worker {
	ws := make([]worker, len(m.layers))
	for i, l := range m.layers {
		ws[i] = l.newWorker(rand.New(rand.NewSource(m.rng.Int63())))
	}
	return ws
}

func replicaGrads(ws []worker) [][]float64 {
	var gs [][]float64
	for _, w := range ws {
		gs = append(gs, w.grads()...)
	}
	return gs
}

func forwardSample(ws []worker, window []float64, training bool) float64 {
	seq := make([][]float64, len(window))
	for t, v := range window {
		seq[t] = []float64{v}
	}
	for _, w := range ws {
		seq = w.forward(seq, training)
	}
	return seq[len(seq)-1][0]
}

func backwardSample(ws []worker, dOut float64) {
	grad := [][]float64{{dOut}}
	for i := len(ws) - 1; i >= 0; i-- {
		grad = ws[i].backward(grad)
	}
}

// Train fits the model on (inputs[i] -> targets[i]) with mean squared error.
// The trailing ValidationSplit fraction of samples is held out for validation,
// the rest is shuffled into mini-batches every epoch.
func (m *ForecastModel) Train(ctx context.Context, inputs [][]float64, targets []float64) (TrainingReport, error) {
	if len(inputs) == 0 {
		return TrainingReport{}, fmt.Errorf("no training windows: %w", utils.ErrTraining)
	}
	if len(inputs) != len(targets) {
		return TrainingReport{}, fmt.Errorf("%d windows but %d targets: %w", len(inputs), len(targets), utils.ErrTraining)
	}
	for i, in := range inputs {
		if len(in) != m.arch.SequenceLength {
			return TrainingReport{}, fmt.Errorf("window %d has length %d, want %d: %w", i, len(in), m.arch.SequenceLength, utils.ErrTraining)
		}
	}

	start := time.Now()
	n := len(inputs)
	splitAt := int(float64(n) * (1 - m.opts.ValidationSplit))
	if splitAt < 1 {
		splitAt = n
	}

	report := TrainingReport{
		TrainSamples:      splitAt,
		ValidationSamples: n - splitAt,
	}

	workers := m.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > m.opts.BatchSize {
		workers = m.opts.BatchSize
	}
	replicas := make([][]worker, workers)
	for i := range replicas {
		replicas[i] = m.newReplica()
	}

	params := m.params()
	total := make([][]float64, len(params))
	for i, p := range params {
		total[i] = make([]float64, len(p.w))
	}

	order := make([]int, splitAt)
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < m.opts.Epochs; epoch++ {
		m.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var epochLoss float64
		for bStart := 0; bStart < len(order); bStart += m.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			bEnd := bStart + m.opts.BatchSize
			if bEnd > len(order) {
				bEnd = len(order)
			}
			loss, err := m.trainBatch(replicas, total, inputs, targets, order[bStart:bEnd])
			if err != nil {
				return report, err
			}
			epochLoss += loss
		}
		epochLoss /= float64(len(order))
		report.TrainLoss = append(report.TrainLoss, epochLoss)

		logFields := logrus.Fields{"epoch": epoch + 1, "loss": epochLoss}
		if report.ValidationSamples > 0 {
			valLoss := m.evaluate(inputs[splitAt:], targets[splitAt:])
			report.ValidationLoss = append(report.ValidationLoss, valLoss)
			logFields["val_loss"] = valLoss
		}
		m.logger.WithFields(logFields).Debug("epoch complete")
	}

	m.trained = true
	report.Epochs = m.opts.Epochs
	report.Duration = time.Since(start)
	return report, nil
}

// trainBatch computes the batch gradient across replicas, applies one optimizer
// step and returns the summed sample loss.
func (m *ForecastModel) trainBatch(replicas [][]worker, total [][]float64, inputs [][]float64, targets []float64, batch []int) (float64, error) {
	active := len(replicas)
	if active > len(batch) {
		active = len(batch)
	}
	losses := make([]float64, active)
	scale := 2 / float64(len(batch))

	var g errgroup.Group
	for r := 0; r < active; r++ {
		g.Go(func() error {
			ws := replicas[r]
			zeroAll(replicaGrads(ws))
			for j := r; j < len(batch); j += active {
				idx := batch[j]
				pred := forwardSample(ws, inputs[idx], true)
				diff := pred - targets[idx]
				if math.IsNaN(diff) || math.IsInf(diff, 0) {
					return fmt.Errorf("loss diverged: %w", utils.ErrTraining)
				}
				losses[r] += diff * diff
				backwardSample(ws, scale*diff)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	zeroAll(total)
	var loss float64
	for r := 0; r < active; r++ {
		loss += losses[r]
		for i, gr := range replicaGrads(replicas[r]) {
			for j, v := range gr {
				total[i][j] += v
			}
		}
	}

	clipGlobalNorm(total, m.opts.ClipNorm)
	m.optimizer.step(m.params(), total)
	return loss, nil
}

// evaluate returns the mean squared error without dropout.
func (m *ForecastModel) evaluate(inputs [][]float64, targets []float64) float64 {
	var sum float64
	for i, in := range inputs {
		diff := forwardSample(m.inference, in, false) - targets[i]
		sum += diff * diff
	}
	return sum / float64(len(inputs))
}

// Predict returns the normalized next value following window.
func (m *ForecastModel) Predict(window []float64) (float64, error) {
	if !m.trained {
		return 0, utils.ErrNotTrained
	}
	if len(window) != m.arch.SequenceLength {
		return 0, fmt.Errorf("window has length %d, want %d: %w", len(window), m.arch.SequenceLength, utils.ErrInsufficientData)
	}
	return forwardSample(m.inference, window, false), nil
}

// PredictNext predicts the value following a normalized window and maps it back
// to price units with scale.
func (m *ForecastModel) PredictNext(window []float64, scale preprocess.ScaleParams) (float64, error) {
	v, err := m.Predict(window)
	if err != nil {
		return 0, err
	}
	return scale.Inverse(v), nil
}
