package utils

import (
	"errors"
	"fmt"
)

// Error kinds produced by the forecast pipeline. Callers classify failures with errors.Is.
var (
	// ErrInvalidInput marks a malformed coin id or day count supplied by the client.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDataUnavailable marks a failed call to the market data provider.
	ErrDataUnavailable = errors.New("market data unavailable")
	// ErrEmptyDataset marks a provider response without any observations.
	ErrEmptyDataset = errors.New("no market data available")
	// ErrInsufficientData marks a series too short for the requested window length.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrTraining marks a model fit that could not run.
	ErrTraining = errors.New("training error")
	// ErrNotTrained marks a prediction requested from an untrained model.
	ErrNotTrained = errors.New("model not trained")
)

// ValidationError represents an error occurring during data validation.
type ValidationError struct {
	Message string
}

// Error returns the error message string.
func (e *ValidationError) Error() string {
	return e.Message
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new ValidationError with a specific message.
//
// Parameters:
//   - message: The validation error message.
//
// Returns:
//   - An error interface wrapping the ValidationError.
func NewValidationError(message string) error {
	return &ValidationError{
		Message: message,
	}
}

// NewValidationErrorf creates a new ValidationError with a formatted message.
//
// Parameters:
//   - format: The format string.
//   - args: Arguments for the format string.
//
// Returns:
//   - An error interface wrapping the ValidationError.
func NewValidationErrorf(format string, args ...interface{}) error {
	return &ValidationError{
		Message: fmt.Sprintf(format, args...),
	}
}
