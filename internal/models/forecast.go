package models

import (
	"time"

	"github.com/google/uuid"
)

// CachedForecast is the most recent successful forecast kept for a coin.
type CachedForecast struct {
	Coin        string    `json:"coin"`
	Predictions []float64 `json:"predictions"`
	Days        int       `json:"days"`
	CreatedAt   time.Time `json:"created_at"`
}

// Age reports how long ago the forecast was produced.
func (f *CachedForecast) Age(now time.Time) time.Duration {
	return now.Sub(f.CreatedAt)
}

// ForecastRun is the audit record of one completed prediction run.
type ForecastRun struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Coin           string    `json:"coin" db:"coin"`
	Days           int       `json:"days" db:"days"`
	Predictions    []float64 `json:"predictions" db:"predictions"`
	Observations   int       `json:"observations" db:"observations"`
	LastPrice      float64   `json:"last_price" db:"last_price"`
	TrainLoss      float64   `json:"train_loss" db:"train_loss"`
	ValidationLoss float64   `json:"validation_loss" db:"validation_loss"`
	DurationMs     int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// PredictRequest is the POST /predict body
type PredictRequest struct {
	Coin *string `json:"coin"`
	Days *int    `json:"days"`
}

// PredictResponse is returned by POST /predict and, with Cached set, by GET /predict.
type PredictResponse struct {
	Predictions []float64  `json:"predictions"`
	Coin        string     `json:"coin"`
	Days        int        `json:"days"`
	Cached      bool       `json:"cached,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}
