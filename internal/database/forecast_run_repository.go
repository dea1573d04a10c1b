package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/models"
)

// DatabasePool defines the interface for database pool operations.
// This interface allows for both real pool and mock pool implementations.
type DatabasePool interface {
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Exec executes a query without returning any rows.
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	// Query executes a query that returns rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

const forecastRunsSchema = `
	CREATE TABLE IF NOT EXISTS forecast_runs (
		id UUID PRIMARY KEY,
		coin TEXT NOT NULL,
		days INTEGER NOT NULL,
		predictions DOUBLE PRECISION[] NOT NULL,
		observations INTEGER NOT NULL,
		last_price DOUBLE PRECISION NOT NULL,
		train_loss DOUBLE PRECISION NOT NULL,
		validation_loss DOUBLE PRECISION NOT NULL,
		duration_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_forecast_runs_coin_created ON forecast_runs (coin, created_at DESC);
`

// MaxHistoryLimit caps the rows returned by ListByCoin.
const MaxHistoryLimit = 100

// ForecastRunRepository stores the audit trail of completed forecasts.
type ForecastRunRepository struct {
	pool   DatabasePool
	logger *logrus.Logger
	now    func() time.Time
}

// NewForecastRunRepository creates a new forecast run repository.
func NewForecastRunRepository(pool DatabasePool, logger *logrus.Logger) *ForecastRunRepository {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ForecastRunRepository{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureSchema creates the forecast_runs table when missing.
func (r *ForecastRunRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, forecastRunsSchema); err != nil {
		return fmt.Errorf("failed to create forecast_runs schema: %w", err)
	}
	return nil
}

// Record inserts run, assigning an id and creation time when unset.
func (r *ForecastRunRepository) Record(ctx context.Context, run *models.ForecastRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = r.now().UTC()
	}

	query := `
		INSERT INTO forecast_runs (id, coin, days, predictions, observations, last_price,
			train_loss, validation_loss, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	tag, err := r.pool.Exec(ctx, query,
		run.ID,
		run.Coin,
		run.Days,
		run.Predictions,
		run.Observations,
		run.LastPrice,
		run.TrainLoss,
		run.ValidationLoss,
		run.DurationMs,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record forecast run: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to record forecast run: %d rows affected", tag.RowsAffected())
	}

	r.logger.WithFields(logrus.Fields{
		"run_id": run.ID.String(),
		"coin":   run.Coin,
		"days":   run.Days,
	}).Debug("recorded forecast run")
	return nil
}

// ListByCoin returns the most recent runs for coin, newest first.
func (r *ForecastRunRepository) ListByCoin(ctx context.Context, coin string, limit int) ([]models.ForecastRun, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	query := `
		SELECT id, coin, days, predictions, observations, last_price,
			train_loss, validation_loss, duration_ms, created_at
		FROM forecast_runs
		WHERE coin = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, coin, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast runs: %w", err)
	}
	defer rows.Close()

	runs := make([]models.ForecastRun, 0)
	for rows.Next() {
		var run models.ForecastRun
		if err := rows.Scan(
			&run.ID,
			&run.Coin,
			&run.Days,
			&run.Predictions,
			&run.Observations,
			&run.LastPrice,
			&run.TrainLoss,
			&run.ValidationLoss,
			&run.DurationMs,
			&run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan forecast run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating forecast runs: %w", err)
	}

	return runs, nil
}
