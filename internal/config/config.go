// Package config provides configuration loading for the canvas engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the canvas engine service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Store selection ("memory" or "redis") and retention
	StoreType string
	StoreTTL  time.Duration

	// Queue configuration
	QueueType   string // "memory" or "redis"
	QueueGroup  string
	DefaultTier string
	DedupWindow time.Duration

	// OIDC configuration
	OIDCIssuer   string
	OIDCClientID string
	OIDCEnabled  bool

	// CORS configuration
	CORSOrigins []string

	// API rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Worker pool configuration
	WorkerConcurrency  int
	WorkerStartsPerSec float64
	WorkerStartBurst   int
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffCap         time.Duration

	// Context distillation defaults
	MaxContextTokens     int
	PreservedItemOverage int

	// Model gateway endpoint the workers invoke models through
	ModelGatewayURL string

	// Media (S3/MinIO) configuration
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UseSSL          bool
	S3PathPrefix      string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Stores
		StoreType: getEnv("ENGINE_STORE", "memory"),
		StoreTTL:  getDuration("STORE_TTL", 7*24*time.Hour),

		// Queue
		QueueType:   getEnv("ENGINE_QUEUE", "memory"),
		QueueGroup:  getEnv("QUEUE_GROUP", "canvas-workers"),
		DefaultTier: getEnv("QUEUE_DEFAULT_TIER", "standard"),
		DedupWindow: getDuration("QUEUE_DEDUP_WINDOW", 24*time.Hour),

		// OIDC
		OIDCIssuer:   getEnv("OIDC_ISSUER", ""),
		OIDCClientID: getEnv("OIDC_CLIENT_ID", ""),
		OIDCEnabled:  getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// API rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 50.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 100),

		// Worker pool
		WorkerConcurrency:  getInt("WORKER_CONCURRENCY", 8),
		WorkerStartsPerSec: getFloat("WORKER_STARTS_PER_SEC", 4.0),
		WorkerStartBurst:   getInt("WORKER_START_BURST", 8),
		MaxAttempts:        getInt("WORKER_MAX_ATTEMPTS", 3),
		BackoffBase:        getDuration("WORKER_BACKOFF_BASE", 2*time.Second),
		BackoffCap:         getDuration("WORKER_BACKOFF_CAP", 60*time.Second),

		// Distillation
		MaxContextTokens:     getInt("CONTEXT_MAX_TOKENS", 4000),
		PreservedItemOverage: getInt("CONTEXT_PRESERVED_OVERAGE", 500),

		// Model gateway
		ModelGatewayURL: getEnv("MODEL_GATEWAY_URL", "http://localhost:8089/v1"),

		// Media
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Region:          getEnv("S3_REGION", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UseSSL:          getBool("S3_USE_SSL", false),
		S3PathPrefix:      getEnv("S3_PATH_PREFIX", "media"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
