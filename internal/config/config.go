// Package config provides configuration for the session client and the
// stub backend.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds client configuration.
type Config struct {
	// Backend endpoints
	WSURL   string // WebSocket endpoint, e.g. ws://localhost:8090/ws
	HTTPURL string // REST base URL, also hosts the fallback stream endpoint

	// Connection settings
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	RetryInterval  time.Duration // fixed delay between reconnect attempts
	Heartbeat      time.Duration // metrics control-request interval
	MaxMessageSize int64

	// Chat defaults
	APIVersion       string // v1 or v2
	OptimizationMode string // lite, balanced or quality
	UseMemory        bool

	// Local persistence
	SQLitePath string // empty disables the transcript store

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		WSURL:            getEnv("SOPHIA_WS_URL", "ws://localhost:8090/ws"),
		HTTPURL:          getEnv("SOPHIA_HTTP_URL", "http://localhost:8090"),
		DialTimeout:      time.Duration(getEnvInt("SOPHIA_DIAL_TIMEOUT_MS", 10000)) * time.Millisecond,
		WriteTimeout:     time.Duration(getEnvInt("SOPHIA_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		RetryInterval:    time.Duration(getEnvInt("SOPHIA_RETRY_INTERVAL_MS", 5000)) * time.Millisecond,
		Heartbeat:        time.Duration(getEnvInt("SOPHIA_HEARTBEAT_MS", 5000)) * time.Millisecond,
		MaxMessageSize:   int64(getEnvInt("SOPHIA_MAX_MESSAGE_SIZE", 65536)),
		APIVersion:       getEnv("SOPHIA_API_VERSION", "v2"),
		OptimizationMode: getEnv("SOPHIA_OPTIMIZATION_MODE", "balanced"),
		UseMemory:        getEnvBool("SOPHIA_USE_MEMORY", false),
		SQLitePath:       getEnv("SOPHIA_SQLITE_PATH", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
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

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
