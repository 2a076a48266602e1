// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ServiceConfig holds configuration shared by the jobs service and the one-shot runner.
type ServiceConfig struct {
	Port               string
	MetricsPort        string
	APIKey             string
	CallbackSigningKey string        // HMAC key for callback CloudEvents, empty disables signing
	ShutdownDrainWait  time.Duration // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout    time.Duration // Time in-flight jobs get to finish on shutdown
	LogLevel           slog.Level
	DataDir            string        // Root for per-job input and output files
	JobTimeout         time.Duration // Default per-job deadline (0 disables)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:               GetEnv("PORT", "8080"),
		MetricsPort:        GetEnv("METRICS_PORT", "9090"),
		APIKey:             GetSecretFile(GetEnv("API_KEY_FILE", "")),
		CallbackSigningKey: GetSecretFile(GetEnv("CALLBACK_SIGNING_KEY_FILE", "")),
		ShutdownDrainWait:  GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		ShutdownTimeout:    GetDurationEnv("SHUTDOWN_TIMEOUT", 5*time.Minute),
		LogLevel:           ParseLogLevel(GetEnv("LOG_LEVEL", "info")),
		DataDir:            GetEnv("DATA_DIR", filepath.Join(os.TempDir(), "data")),
		JobTimeout:         GetDurationEnv("JOB_TIMEOUT", 0),
	}
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
