// Package config reads process settings from the environment and the model
// catalog from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Vector index backends.
const (
	BackendQdrant   = "qdrant"
	BackendPgvector = "pgvector"
	BackendMemory   = "memory"
)

// Config holds all configuration values.
type Config struct {
	DatabaseURL string
	Port        string
	RedisAddr   string
	BaseURL     string

	// Media and models
	MediaDir           string
	ModelsFile         string
	DefaultModel       string
	ModelIdleTimeout   time.Duration
	ModelSweepInterval time.Duration
	IngestTimeout      time.Duration

	// Vector index
	VectorBackend  string
	QdrantHost     string
	QdrantPort     int
	QdrantAPIKey   string
	QdrantTLS      bool
	ReconcileGrace time.Duration

	// HTTP limits
	SearchRate  rate.Limit
	SearchBurst int

	// Telegram
	TelegramBotToken string
	AdminTelegramIDs []int64

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	var errs []error

	cfg := Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		Port:        getEnv("PORT", "8080"),
		RedisAddr:   getEnv("REDIS_ADDR", "127.0.0.1:6379"),

		MediaDir:     getEnv("MEDIA_DIR", "media"),
		ModelsFile:   getEnv("MODELS_FILE", "models.yaml"),
		DefaultModel: getEnv("DEFAULT_MODEL", ""),

		VectorBackend: strings.ToLower(getEnv("VECTOR_BACKEND", BackendQdrant)),
		QdrantHost:    getEnv("QDRANT_HOST", "localhost"),
		QdrantAPIKey:  getEnv("QDRANT_API_KEY", ""),
		QdrantTLS:     getEnv("QDRANT_TLS", "false") == "true",

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),

		LogFile:  getEnv("LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "INFO")),
	}
	cfg.BaseURL = strings.TrimRight(getEnv("BASE_URL", "http://localhost:"+cfg.Port), "/")

	cfg.ModelIdleTimeout = getDuration("MODEL_IDLE_TIMEOUT", 300*time.Second, &errs)
	cfg.ModelSweepInterval = getDuration("MODEL_SWEEP_INTERVAL", 60*time.Second, &errs)
	cfg.IngestTimeout = getDuration("INGEST_TIMEOUT", 30*time.Minute, &errs)
	cfg.ReconcileGrace = getDuration("RECONCILE_GRACE", time.Hour, &errs)
	cfg.QdrantPort = getInt("QDRANT_PORT", 6334, &errs)
	cfg.SearchRate = rate.Limit(getFloat("SEARCH_RATE", 2, &errs))
	cfg.SearchBurst = getInt("SEARCH_BURST", 5, &errs)

	ids, err := parseIDs(getEnv("ADMIN_TELEGRAM_IDS", ""))
	if err != nil {
		errs = append(errs, fmt.Errorf("ADMIN_TELEGRAM_IDS: %w", err))
	}
	cfg.AdminTelegramIDs = ids

	switch cfg.VectorBackend {
	case BackendQdrant, BackendPgvector, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("VECTOR_BACKEND: unknown backend %q", cfg.VectorBackend))
	}

	return cfg, errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func getDuration(key string, defaultVal time.Duration, errs *[]error) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return d
}

func getInt(key string, defaultVal int, errs *[]error) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return n
}

func getFloat(key string, defaultVal float64, errs *[]error) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultVal
	}
	return f
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
