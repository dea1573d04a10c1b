package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	CoinGecko   CoinGeckoConfig `mapstructure:"coingecko"`
	Model       ModelConfig     `mapstructure:"model"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Admin       AdminConfig     `mapstructure:"admin"`
}

type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

type CoinGeckoConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key" json:"-" yaml:"-"`
	Timeout      int    `mapstructure:"timeout"`
	LookbackDays int    `mapstructure:"lookback_days"`
	VsCurrency   string `mapstructure:"vs_currency"`
}

// ModelConfig holds the network shape and training budget.
type ModelConfig struct {
	SequenceLength  int     `mapstructure:"sequence_length"`
	LSTMUnits       []int   `mapstructure:"lstm_units"`
	DenseUnits      []int   `mapstructure:"dense_units"`
	Dropout         float64 `mapstructure:"dropout"`
	Epochs          int     `mapstructure:"epochs"`
	BatchSize       int     `mapstructure:"batch_size"`
	ValidationSplit float64 `mapstructure:"validation_split"`
	LearningRate    float64 `mapstructure:"learning_rate"`
	Seed            int64   `mapstructure:"seed"`
}

type CacheConfig struct {
	Backend  string `mapstructure:"backend"`
	TTL      string `mapstructure:"ttl"`
	Capacity int    `mapstructure:"capacity"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	DatabaseURL string `mapstructure:"database_url"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

type AdminConfig struct {
	APIKey string `mapstructure:"api_key" json:"-" yaml:"-"`
}

// CacheTTL returns the parsed freshness window of cached forecasts.
func (c CacheConfig) CacheTTL() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil || d <= 0 {
		return 300 * time.Second
	}
	return d
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("server.port", "PORT"); err != nil {
		return nil, fmt.Errorf("failed to bind PORT environment variable: %w", err)
	}
	if err := v.BindEnv("admin.api_key", "ADMIN_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind ADMIN_API_KEY environment variable: %w", err)
	}
	if err := v.BindEnv("coingecko.api_key", "COINGECKO_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind COINGECKO_API_KEY environment variable: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)
	config.Cache.Backend = strings.ToLower(config.Cache.Backend)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks ranges that would otherwise surface as training or runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.CoinGecko.LookbackDays < 1 {
		return fmt.Errorf("coingecko lookback_days must be positive, got %d", c.CoinGecko.LookbackDays)
	}

	m := c.Model
	if m.SequenceLength < 1 {
		return fmt.Errorf("model sequence_length must be at least 1, got %d", m.SequenceLength)
	}
	if len(m.LSTMUnits) == 0 {
		return errors.New("model lstm_units must name at least one recurrent layer")
	}
	for _, u := range append(append([]int{}, m.LSTMUnits...), m.DenseUnits...) {
		if u < 1 {
			return fmt.Errorf("model layer width must be positive, got %d", u)
		}
	}
	if m.Dropout < 0 || m.Dropout >= 1 {
		return fmt.Errorf("model dropout must be in [0, 1), got %v", m.Dropout)
	}
	if m.Epochs < 1 {
		return fmt.Errorf("model epochs must be at least 1, got %d", m.Epochs)
	}
	if m.BatchSize < 1 {
		return fmt.Errorf("model batch_size must be at least 1, got %d", m.BatchSize)
	}
	if m.ValidationSplit < 0 || m.ValidationSplit >= 1 {
		return fmt.Errorf("model validation_split must be in [0, 1), got %v", m.ValidationSplit)
	}
	if m.LearningRate <= 0 {
		return fmt.Errorf("model learning_rate must be positive, got %v", m.LearningRate)
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.TTL != "" {
		if _, err := time.ParseDuration(c.Cache.TTL); err != nil {
			return fmt.Errorf("invalid cache ttl: %w", err)
		}
	}

	switch c.Telemetry.Exporter {
	case "otlp", "stdout", "none", "":
	default:
		return fmt.Errorf("telemetry exporter must be otlp, stdout or none, got %q", c.Telemetry.Exporter)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	// Environment
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Server
	v.SetDefault("server.port", 10000)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 300)

	// CoinGecko
	v.SetDefault("coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("coingecko.api_key", "")
	v.SetDefault("coingecko.timeout", 30)
	v.SetDefault("coingecko.lookback_days", 30)
	v.SetDefault("coingecko.vs_currency", "usd")

	// Model
	v.SetDefault("model.sequence_length", 10)
	v.SetDefault("model.lstm_units", []int{100, 100})
	v.SetDefault("model.dense_units", []int{64, 32})
	v.SetDefault("model.dropout", 0.2)
	v.SetDefault("model.epochs", 100)
	v.SetDefault("model.batch_size", 32)
	v.SetDefault("model.validation_split", 0.2)
	v.SetDefault("model.learning_rate", 0.001)
	v.SetDefault("model.seed", 0)

	// Cache
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "300s")
	v.SetDefault("cache.capacity", 100)

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Database
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "celebrum_forecast")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.database_url", "")

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "celebrum-forecast")
	v.SetDefault("telemetry.sample_rate", 1.0)

	// Admin
	v.SetDefault("admin.api_key", "")
}
