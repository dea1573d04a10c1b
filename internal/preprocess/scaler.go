// Package preprocess turns a raw price series into normalized training windows.
package preprocess

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/irfndi/celebrum-forecast/internal/utils"
)

// ScaleParams are the min/max observed when a series was normalized.
// They are fixed once computed and reused to map forecasts back to prices.
type ScaleParams struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Degenerate reports whether every observation had the same value.
func (s ScaleParams) Degenerate() bool {
	return s.Max == s.Min
}

// Transform maps a price into the [0, 1] range of the fitted series.
func (s ScaleParams) Transform(v float64) float64 {
	if s.Degenerate() {
		return 0
	}
	return (v - s.Min) / (s.Max - s.Min)
}

// Inverse maps a normalized value back to a price.
func (s ScaleParams) Inverse(v float64) float64 {
	if s.Degenerate() {
		return s.Min
	}
	return v*(s.Max-s.Min) + s.Min
}

// NormalizedSeries is a series mapped into [0, 1] together with its scale.
type NormalizedSeries struct {
	Values []float64
	Scale  ScaleParams
}

// Fit computes the scale of values.
func Fit(values []float64) (ScaleParams, error) {
	if len(values) == 0 {
		return ScaleParams{}, fmt.Errorf("cannot fit scaler on empty series: %w", utils.ErrInsufficientData)
	}
	return ScaleParams{Min: floats.Min(values), Max: floats.Max(values)}, nil
}

// Normalize fits a min-max scale on values and returns the scaled copy.
// A constant series maps to all zeros.
func Normalize(values []float64) (NormalizedSeries, error) {
	scale, err := Fit(values)
	if err != nil {
		return NormalizedSeries{}, err
	}

	out := make([]float64, len(values))
	if !scale.Degenerate() {
		copy(out, values)
		floats.AddConst(-scale.Min, out)
		floats.Scale(1/(scale.Max-scale.Min), out)
	}
	return NormalizedSeries{Values: out, Scale: scale}, nil
}

// Denormalize maps every value back through the inverse scale.
func (s ScaleParams) Denormalize(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = s.Inverse(v)
	}
	return out
}
