/**
 * Configuration for the CurrencyScan Worker
 *
 * Loads configuration from environment variables (optionally seeded from
 * .env.currencyscan by the entry points).
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueName    string
	QueueBackend string // "redis" (list consumer) or "asynq"

	// PostgreSQL configuration (optional job tracking)
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds
	MaxRetries        int
	JobResultTTL      time.Duration

	// Recognition configuration
	TesseractLanguages []string
	ResizeWidth        int
	JPEGQuality        int

	// Remote vision fallback tier (empty URL disables it)
	VisionAPIURL          string
	OCRFallbackConfidence float64

	// HTTP API
	HTTPAddr string

	// Exchange rates
	RatesAPIURL   string
	RatesAPIKey   string
	RatesSymbols  []string
	RatesCacheTTL time.Duration

	LogLevel string
	AppEnv   string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:              getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueName:             getEnvOrDefault("QUEUE_NAME", "currencyscan:jobs"),
		QueueBackend:          strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", "redis")),
		DatabaseURL:           getEnvOrDefault("DATABASE_URL", ""),
		WorkerConcurrency:     getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:           getEnvAsInt64OrDefault("MAX_FILE_SIZE", 20971520), // 20MB
		ProcessingTimeout:     getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 60000),  // 1 minute
		MaxRetries:            getEnvAsIntOrDefault("MAX_RETRIES", 3),
		TesseractLanguages:    getEnvAsListOrDefault("TESSERACT_LANGUAGES", []string{"eng", "chi_tra"}),
		ResizeWidth:           getEnvAsIntOrDefault("RESIZE_WIDTH", 1200),
		JPEGQuality:           getEnvAsIntOrDefault("JPEG_QUALITY", 80),
		HTTPAddr:              getEnvOrDefault("HTTP_ADDR", ":8097"),
		VisionAPIURL:          getEnvOrDefault("VISION_API_URL", ""),
		OCRFallbackConfidence: getEnvAsFloatOrDefault("OCR_FALLBACK_CONFIDENCE", 0.6),
		RatesAPIURL:           getEnvOrDefault("RATES_API_URL", "http://api.exchangeratesapi.io/v1"),
		RatesAPIKey:           getEnvOrDefault("RATES_API_KEY", ""),
		RatesSymbols: getEnvAsListOrDefault("RATES_SYMBOLS",
			[]string{"HKD", "USD", "AUD", "CAD", "PLN", "MXN", "CNY", "TWD", "JPY", "SGD", "KRW"}),
		RatesCacheTTL: time.Duration(getEnvAsIntOrDefault("RATES_CACHE_TTL", 600)) * time.Second,
		JobResultTTL:  time.Duration(getEnvAsIntOrDefault("JOB_RESULT_TTL", 86400)) * time.Second,
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
		AppEnv:        getEnvOrDefault("APP_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 104857600 { // 1KB to 100MB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 100MB, got %d", c.MaxFileSize)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.MaxRetries < 1 || c.MaxRetries > 10 {
		return fmt.Errorf("MAX_RETRIES must be between 1 and 10, got %d", c.MaxRetries)
	}

	if c.JobResultTTL < time.Minute {
		return fmt.Errorf("JOB_RESULT_TTL must be at least 60 seconds, got %v", c.JobResultTTL)
	}

	if c.ResizeWidth < 100 || c.ResizeWidth > 8000 {
		return fmt.Errorf("RESIZE_WIDTH must be between 100 and 8000, got %d", c.ResizeWidth)
	}

	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be between 1 and 100, got %d", c.JPEGQuality)
	}

	if c.OCRFallbackConfidence < 0 || c.OCRFallbackConfidence > 1 {
		return fmt.Errorf("OCR_FALLBACK_CONFIDENCE must be between 0 and 1, got %v", c.OCRFallbackConfidence)
	}

	if len(c.TesseractLanguages) == 0 {
		return fmt.Errorf("TESSERACT_LANGUAGES must name at least one language")
	}

	return nil
}

// ProcessingTimeoutDuration returns the per-job deadline
func (c *Config) ProcessingTimeoutDuration() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// RatesEnabled reports whether the exchange-rate endpoints should be served
func (c *Config) RatesEnabled() bool {
	return c.RatesAPIURL != "" && c.RatesAPIKey != ""
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsListOrDefault splits a comma-separated variable, dropping blanks
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
