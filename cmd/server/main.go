package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-forecast/internal/api"
	"github.com/irfndi/celebrum-forecast/internal/cache"
	"github.com/irfndi/celebrum-forecast/internal/coingecko"
	"github.com/irfndi/celebrum-forecast/internal/config"
	"github.com/irfndi/celebrum-forecast/internal/database"
	"github.com/irfndi/celebrum-forecast/internal/logging"
	"github.com/irfndi/celebrum-forecast/internal/nn"
	"github.com/irfndi/celebrum-forecast/internal/services"
	"github.com/irfndi/celebrum-forecast/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := context.Background()

	// Initialize telemetry first
	provider, err := telemetry.InitTelemetry(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to shutdown telemetry: %v\n", err)
		}
	}()

	stdLogger, otlpLogger := newStandardLogger(cfg)
	if otlpLogger != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otlpLogger.Shutdown(shutdownCtx)
		}()
	}

	// Route library logging through the same handler
	slog.SetDefault(stdLogger.Logger())

	// Create logrus logger for services
	logrusLogger := logging.NewLogrusLogger(cfg.LogLevel, cfg.Environment)

	app, err := newApplication(ctx, cfg, stdLogger, logrusLogger)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := newHTTPServer(cfg, app.router)

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		stdLogger.LogStartup(telemetry.ServiceName, telemetry.ServiceVersion, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		stdLogger.LogShutdown(telemetry.ServiceName, "signal received: "+sig.String())
	case err := <-serverErr:
		stdLogger.LogShutdown(telemetry.ServiceName, "server error")
		return fmt.Errorf("server failed: %w", err)
	}

	// Give outstanding requests a deadline for completion
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logrusLogger.Info("Server exited gracefully")
	return nil
}

// application owns the wired dependency graph and the resources to release on exit.
type application struct {
	router  *gin.Engine
	cache   cache.ForecastCache
	closers []func()
}

func newApplication(ctx context.Context, cfg *config.Config, stdLogger *logging.StandardLogger, logger *logrus.Logger) (*application, error) {
	app := &application{}
	deps := api.Dependencies{
		AdminAPIKey:   cfg.Admin.APIKey,
		ServiceName:   cfg.Telemetry.ServiceName,
		Version:       telemetry.ServiceVersion,
		Logger:        logger,
		RequestLogger: stdLogger,
	}

	// Forecast cache
	var redisClient *database.RedisClient
	if cfg.Cache.Backend == "redis" {
		var err error
		redisClient, err = database.NewRedisConnection(cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		app.closers = append(app.closers, redisClient.Close)
		deps.Redis = redisClient
	}
	app.cache = newForecastCache(cfg.Cache, redisClient, stdLogger)

	// Optional forecast history
	var repository *database.ForecastRunRepository
	if cfg.Database.Enabled {
		db, err := database.NewPostgresConnection(ctx, cfg.Database, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		app.closers = append(app.closers, db.Close)
		deps.DB = db

		repository = database.NewForecastRunRepository(db.Pool, logger)
		if err := repository.EnsureSchema(ctx); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to prepare forecast history schema: %w", err)
		}
		deps.History = repository
	}

	// Pipeline
	fetcher := coingecko.NewClient(&cfg.CoinGecko, logger)
	arch, opts := nn.FromConfig(&cfg.Model, logger)
	predictions := services.NewPredictionService(
		fetcher,
		services.NewModelFactory(arch, opts),
		app.cache,
		arch.SequenceLength,
		logger,
	)
	if repository != nil {
		predictions.SetRecorder(repository)
	}
	predictions.SetEventLogger(stdLogger)
	deps.Predictions = predictions
	deps.MarketContext = services.NewMarketContextService(fetcher, services.DefaultIndicatorPeriod, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	app.router = gin.New()
	api.SetupRoutes(app.router, deps)

	logger.WithFields(logrus.Fields{
		"cache_backend":   cfg.Cache.Backend,
		"history_enabled": repository != nil,
		"coingecko":       fetcher.BaseURL(),
		"sequence_length": arch.SequenceLength,
		"epochs":          opts.Epochs,
	}).Info("Forecast service wired")

	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newForecastCache(cfg config.CacheConfig, redisClient *database.RedisClient, stdLogger *logging.StandardLogger) cache.ForecastCache {
	opts := []cache.Option{cache.WithLogger(stdLogger)}
	if redisClient != nil {
		return cache.NewRedisForecastCache(redisClient.Client, cfg.CacheTTL(), cfg.Capacity, opts...)
	}
	return cache.NewMemoryForecastCache(cfg.CacheTTL(), cfg.Capacity, opts...)
}

func newHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func telemetryConfig(cfg *config.Config) telemetry.TelemetryConfig {
	tc := telemetry.DefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.Exporter != "" {
		tc.Exporter = cfg.Telemetry.Exporter
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		tc.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRate > 0 {
		tc.SampleRate = cfg.Telemetry.SampleRate
	}
	tc.Environment = cfg.Environment
	return *tc
}

// newStandardLogger ships logs over OTLP when the otlp exporter is configured.
func newStandardLogger(cfg *config.Config) (*logging.StandardLogger, *logging.OTLPLogger) {
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Exporter != "otlp" {
		return logging.NewStandardLogger(cfg.LogLevel, cfg.Environment), nil
	}
	return logging.NewStandardOTLPLogger(logging.OTLPConfig{
		Enabled:        true,
		Endpoint:       otlpLogEndpoint(cfg.Telemetry.OTLPEndpoint),
		ServiceName:    telemetryConfig(cfg).ServiceName,
		ServiceVersion: telemetry.ServiceVersion,
		Environment:    cfg.Environment,
		LogLevel:       cfg.LogLevel,
	})
}

// otlpLogEndpoint reduces a collector URL to the host:port otlploghttp expects.
func otlpLogEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}
