// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Persistence (all optional, in-memory fallbacks when unset)
	DatabaseURL string
	RedisURL    string

	// Event ingestion from the capture fleet (optional)
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Scoring
	ScoreInterval  time.Duration
	HomeCountry    string
	ScreenWidth    int
	ScreenHeight   int
	IngestBuffer   int
	WeightedMedium float64 // weighted raw score below this is medium
	WeightedHigh   float64 // weighted raw score at or below this is high

	// Collaborators
	GeoAPIURL        string // ip-api compatible endpoint; static lookup when empty
	BreakerThreshold int
	BreakerOpen      time.Duration

	// Export
	ExportDir           string
	ExportTTL           time.Duration
	ExportWebhookURL    string
	ExportWebhookSecret string

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string // capture script origins; empty allows any
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultKafkaTopic     = "session-events"
	DefaultKafkaGroup     = "trustscore"
	DefaultScoreInterval  = time.Second
	DefaultHomeCountry    = "BR"
	DefaultScreenWidth    = 1920
	DefaultScreenHeight   = 1080
	DefaultIngestBuffer   = 4096
	DefaultWeightedMedium = -0.3
	DefaultWeightedHigh   = -1.0
	DefaultBreakerLimit   = 5
	DefaultBreakerOpen    = 30 * time.Second
	DefaultExportTTL      = 24 * time.Hour
	DefaultRateLimit      = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		KafkaGroup:       getEnv("KAFKA_GROUP", DefaultKafkaGroup),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		ScoreInterval:    getEnvDuration("SCORE_INTERVAL", DefaultScoreInterval),
		HomeCountry:      strings.ToUpper(getEnv("HOME_COUNTRY", DefaultHomeCountry)),
		ScreenWidth:      int(getEnvInt64("SCREEN_WIDTH", DefaultScreenWidth)),
		ScreenHeight:     int(getEnvInt64("SCREEN_HEIGHT", DefaultScreenHeight)),
		IngestBuffer:     int(getEnvInt64("INGEST_BUFFER", DefaultIngestBuffer)),
		WeightedMedium:   getEnvFloat("WEIGHTED_MEDIUM", DefaultWeightedMedium),
		WeightedHigh:     getEnvFloat("WEIGHTED_HIGH", DefaultWeightedHigh),
		GeoAPIURL:        os.Getenv("GEO_API_URL"),
		BreakerThreshold: int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerLimit)),
		BreakerOpen:      getEnvDuration("BREAKER_OPEN", DefaultBreakerOpen),
		ExportDir:        os.Getenv("EXPORT_DIR"),
		ExportTTL:        getEnvDuration("EXPORT_TTL", DefaultExportTTL),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:      splitList(os.Getenv("CORS_ORIGINS")),

		ExportWebhookURL:    os.Getenv("EXPORT_WEBHOOK_URL"),
		ExportWebhookSecret: os.Getenv("EXPORT_WEBHOOK_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.ScreenWidth <= 0 || c.ScreenHeight <= 0 {
		return fmt.Errorf("SCREEN_WIDTH and SCREEN_HEIGHT must be positive")
	}
	if c.ScoreInterval <= 0 {
		return fmt.Errorf("SCORE_INTERVAL must be positive")
	}
	if c.IngestBuffer <= 0 {
		return fmt.Errorf("INGEST_BUFFER must be positive")
	}
	if len(c.HomeCountry) != 2 {
		return fmt.Errorf("HOME_COUNTRY must be a two-letter country code")
	}
	if c.WeightedHigh > c.WeightedMedium {
		return fmt.Errorf("WEIGHTED_HIGH must not exceed WEIGHTED_MEDIUM")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.IsProduction() && strings.Trim(c.AdminSecret, ", ") == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("1500ms") or bare seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
