/**
 * Configuration for the BOL extraction worker
 *
 * Loads configuration from environment variables (optionally seeded from a
 * .env file by main).
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string `validate:"required"`
	QueueName    string `validate:"required"`
	QueueBackend string `validate:"oneof=redis asynq"`

	// PostgreSQL configuration (optional; results are only kept in Redis without it)
	DatabaseURL string

	// Qdrant duplicate index configuration (optional)
	QdrantURL             string
	QdrantCollection      string
	FingerprintDimensions int     `validate:"min=16,max=4096"`
	DuplicateThreshold    float64 `validate:"gt=0,lte=1"`

	// OCR collaborators
	PaddleOCRURL           string `validate:"omitempty,url"`
	TesseractLanguages     []string
	OCREscalationThreshold float64 `validate:"gte=0,lte=100"`
	GoogleVisionEnabled    bool
	VisionLanguageHints    []string

	// PDF rasterization
	PdftoppmPath string
	PDFDPI       int `validate:"min=72,max=600"`
	PDFMaxPages  int `validate:"min=1,max=50"`

	// Worker configuration
	WorkerConcurrency int   `validate:"min=1,max=100"`
	MaxFileSize       int64 `validate:"min=1024"`
	ProcessingTimeout int   `validate:"min=1000"` // milliseconds

	// Hosts downloads may reach even when they resolve to private addresses
	DownloadAllowedHosts []string

	// HTTP API
	HTTPPort       int     `validate:"min=0,max=65535"` // 0 disables the API
	RateLimitRPS   float64 `validate:"gt=0"`
	RateLimitBurst int     `validate:"min=1"`

	// Logging
	LogLevel string
	LogFile  string

	// Temporary directory for rasterized pages
	TempDir string

	// Node environment
	NodeEnv string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:               getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueName:              getEnvOrDefault("QUEUE_NAME", "bolprocess:jobs"),
		QueueBackend:           strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", "redis")),
		DatabaseURL:            getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:              getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:       getEnvOrDefault("QDRANT_COLLECTION", "bol_fingerprints"),
		FingerprintDimensions:  getEnvAsIntOrDefault("FINGERPRINT_DIMENSIONS", 256),
		DuplicateThreshold:     getEnvAsFloatOrDefault("DUPLICATE_THRESHOLD", 0.92),
		PaddleOCRURL:           getEnvOrDefault("PADDLE_OCR_URL", ""),
		TesseractLanguages:     splitList(getEnvOrDefault("TESSERACT_LANGUAGES", "eng")),
		OCREscalationThreshold: getEnvAsFloatOrDefault("OCR_ESCALATION_THRESHOLD", 70),
		GoogleVisionEnabled:    os.Getenv("GOOGLE_CLOUD_VISION_ENABLED") != "",
		VisionLanguageHints:    splitList(getEnvOrDefault("VISION_LANGUAGE_HINTS", "")),
		PdftoppmPath:           getEnvOrDefault("PDFTOPPM_PATH", "pdftoppm"),
		PDFDPI:                 getEnvAsIntOrDefault("PDF_DPI", 300),
		PDFMaxPages:            getEnvAsIntOrDefault("PDF_MAX_PAGES", 2),
		WorkerConcurrency:      getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:            getEnvAsInt64OrDefault("MAX_FILE_SIZE", 52428800), // 50MB
		DownloadAllowedHosts:   splitList(getEnvOrDefault("DOWNLOAD_ALLOWED_HOSTS", "")),
		ProcessingTimeout:      getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 120000), // 2 minutes
		HTTPPort:               getEnvAsIntOrDefault("HTTP_PORT", 8098),
		RateLimitRPS:           getEnvAsFloatOrDefault("RATE_LIMIT_RPS", 5),
		RateLimitBurst:         getEnvAsIntOrDefault("RATE_LIMIT_BURST", 10),
		LogLevel:               getEnvOrDefault("LOG_LEVEL", "info"),
		LogFile:                getEnvOrDefault("LOG_FILE", ""),
		TempDir:                getEnvOrDefault("TEMP_DIR", os.TempDir()),
		NodeEnv:                getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

var validate = validator.New()

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.QdrantURL != "" && c.QdrantCollection == "" {
		return fmt.Errorf("QDRANT_COLLECTION is required when QDRANT_URL is set")
	}

	if len(c.TesseractLanguages) == 0 {
		return fmt.Errorf("TESSERACT_LANGUAGES must name at least one language")
	}

	return nil
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

// splitList splits a "+" or comma separated list ("eng+deu", "eng,deu").
func splitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
