package preprocess

import (
	"fmt"

	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// WindowSet holds supervised samples: Inputs[i] is followed by Targets[i].
type WindowSet struct {
	Inputs  [][]float64
	Targets []float64
}

// Len returns the number of samples.
func (w WindowSet) Len() int {
	return len(w.Targets)
}

// Window slides a window of sequenceLength over values with stride 1.
// Window i is values[i:i+sequenceLength] and its target is values[i+sequenceLength],
// giving len(values)-sequenceLength samples ordered by start index.
func Window(values []float64, sequenceLength int) (WindowSet, error) {
	if sequenceLength < 1 {
		return WindowSet{}, fmt.Errorf("sequence length must be at least 1, got %d: %w", sequenceLength, utils.ErrInsufficientData)
	}
	if len(values) <= sequenceLength {
		return WindowSet{}, fmt.Errorf("series of %d observations is too short for sequence length %d: %w",
			len(values), sequenceLength, utils.ErrInsufficientData)
	}

	n := len(values) - sequenceLength
	set := WindowSet{
		Inputs:  make([][]float64, n),
		Targets: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		window := make([]float64, sequenceLength)
		copy(window, values[i:i+sequenceLength])
		set.Inputs[i] = window
		set.Targets[i] = values[i+sequenceLength]
	}
	return set, nil
}

// Tail returns a copy of the last n values, the seed buffer of a rolling forecast.
func Tail(values []float64, n int) ([]float64, error) {
	if n < 1 || n > len(values) {
		return nil, fmt.Errorf("cannot take last %d of %d values: %w", n, len(values), utils.ErrInsufficientData)
	}
	out := make([]float64, n)
	copy(out, values[len(values)-n:])
	return out, nil
}
