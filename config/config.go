// Package config provides configuration for the orchestration engine.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the engine configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Admission control
	MaxParallelRuns int
	MaxBatchTickers int

	// Outbound work limits (see internal/limiter)
	WorkMaxConcurrency int
	WorkResourceLimits string

	// Log stream
	LogBufferCapacity int
	LogsMaxLimit      int

	// Retention
	PruneInterval        time.Duration
	RunMaxAge            time.Duration
	ResultsDir           string
	ResultsKeepPerTicker int
	ResultsMaxAgeDays    int

	// Websocket
	WSReadTimeout    time.Duration
	WSWriteTimeout   time.Duration
	WSPingInterval   time.Duration
	WSMaxMessageSize int64

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:             getEnvInt("HTTP_PORT", 8080),
		MaxParallelRuns:      getEnvInt("MAX_PARALLEL_RUNS", 5),
		MaxBatchTickers:      getEnvInt("MAX_BATCH_TICKERS", 10),
		WorkMaxConcurrency:   getEnvInt("WORK_MAX_CONCURRENCY", 0),
		WorkResourceLimits:   getEnv("WORK_RESOURCE_LIMITS", ""),
		LogBufferCapacity:    getEnvInt("LOG_BUFFER_CAPACITY", 1000),
		LogsMaxLimit:         getEnvInt("LOGS_MAX_LIMIT", 500),
		PruneInterval:        getEnvDuration("PRUNE_INTERVAL_MS", 10*time.Minute),
		RunMaxAge:            getEnvDuration("RUN_MAX_AGE_MS", 24*time.Hour),
		ResultsDir:           getEnv("RESULTS_DIR", "results"),
		ResultsKeepPerTicker: getEnvInt("RESULTS_KEEP_PER_TICKER", 10),
		ResultsMaxAgeDays:    getEnvInt("RESULTS_MAX_AGE_DAYS", 0),
		WSReadTimeout:        getEnvDuration("WS_READ_TIMEOUT_MS", 60*time.Second),
		WSWriteTimeout:       getEnvDuration("WS_WRITE_TIMEOUT_MS", 10*time.Second),
		WSPingInterval:       getEnvDuration("WS_PING_INTERVAL_MS", 30*time.Second),
		WSMaxMessageSize:     int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
