// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// SerializationMode selects how concurrent evaluations for one sender are ordered.
type SerializationMode string

const (
	// SerializeNone lets concurrent evaluations race on the velocity snapshot.
	SerializeNone SerializationMode = "none"
	// SerializeAdvisory holds a database-level per-sender lock for the evaluation.
	SerializeAdvisory SerializationMode = "advisory"
	// SerializeRedis holds a Redis-backed per-sender lock for the evaluation.
	SerializeRedis SerializationMode = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Transaction limits
	MaxTxnsPerDay int
	MaxTxnAmount  decimal.Decimal
	BaseCurrency  string

	// Scoring artifacts
	ModelPath    string
	EncodersPath string
	ScalerPath   string

	// Pipeline
	Serialization     SerializationMode
	RedisURL          string
	EvaluationTimeout time.Duration // 0 = no timeout

	// Decision events
	KafkaBrokers string
	KafkaTopic   string
	GeoIPPath    string

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string
	CORSOrigins  []string
	RateLimitRPM int
}

const (
	DefaultPort          = "5000"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultMaxTxnsPerDay = 7
	DefaultMaxTxnAmount  = "60000"
	DefaultBaseCurrency  = "USD"
	DefaultModelDir      = "model"
	DefaultKafkaTopic    = "transaction_decisions"
	DefaultRateLimitRPM  = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	modelDir := getEnv("MODEL_DIR", DefaultModelDir)

	maxAmount, err := decimal.NewFromString(getEnv("MAX_TXN_AMOUNT", DefaultMaxTxnAmount))
	if err != nil {
		return nil, fmt.Errorf("MAX_TXN_AMOUNT must be a decimal number: %w", err)
	}

	timeout, err := time.ParseDuration(getEnv("EVALUATION_TIMEOUT", "0s"))
	if err != nil {
		return nil, fmt.Errorf("EVALUATION_TIMEOUT must be a duration: %w", err)
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		MaxTxnsPerDay:     int(getEnvInt64("MAX_TXNS_PER_DAY", DefaultMaxTxnsPerDay)),
		MaxTxnAmount:      maxAmount,
		BaseCurrency:      strings.ToUpper(getEnv("BASE_CURRENCY", DefaultBaseCurrency)),
		ModelPath:         getEnv("MODEL_PATH", filepath.Join(modelDir, "model.json")),
		EncodersPath:      getEnv("ENCODERS_PATH", filepath.Join(modelDir, "encoders.json")),
		ScalerPath:        getEnv("SCALER_PATH", filepath.Join(modelDir, "scaler.json")),
		Serialization:     SerializationMode(strings.ToLower(getEnv("SERIALIZATION_MODE", string(SerializeNone)))),
		RedisURL:          os.Getenv("REDIS_URL"),
		EvaluationTimeout: timeout,
		KafkaBrokers:      os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:        getEnv("KAFKA_DECISIONS_TOPIC", DefaultKafkaTopic),
		GeoIPPath:         os.Getenv("GEOIP_DB_PATH"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		CORSOrigins:       splitList(getEnv("CORS_ORIGINS", "*")),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.MaxTxnsPerDay <= 0 {
		return fmt.Errorf("MAX_TXNS_PER_DAY must be positive")
	}
	if !c.MaxTxnAmount.IsPositive() {
		return fmt.Errorf("MAX_TXN_AMOUNT must be positive")
	}
	if len(c.BaseCurrency) != 3 {
		return fmt.Errorf("BASE_CURRENCY must be a 3-letter currency code")
	}

	switch c.Serialization {
	case SerializeNone, SerializeAdvisory:
	case SerializeRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SERIALIZATION_MODE=redis")
		}
	default:
		return fmt.Errorf("SERIALIZATION_MODE must be one of none, advisory, redis")
	}

	if c.EvaluationTimeout < 0 {
		return fmt.Errorf("EVALUATION_TIMEOUT must not be negative")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
