// Package config provides configuration for the codestream server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	Port          int
	CORSOrigins   []string
	ShutdownGrace time.Duration

	// Storage
	StoreDriver string
	DBPath      string
	MongoURL    string
	MongoDBName string
	RedisURL    string

	// Synchronization
	AutoSaveInterval time.Duration

	// Execution
	ExecutionTimeout time.Duration

	// Per-connection inbound rate limiting
	MessagesPerSecond float64
	MessageBurst      int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:              getEnvInt("PORT", 8000),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		ShutdownGrace:     time.Duration(getEnvInt("SHUTDOWN_GRACE_SECONDS", 10)) * time.Second,
		StoreDriver:       getEnv("STORE_DRIVER", "sqlite"),
		DBPath:            getEnv("DB_PATH", "./data/codestream.db"),
		MongoURL:          getEnv("MONGO_URL", "mongodb://localhost:27017"),
		MongoDBName:       getEnv("MONGO_DB_NAME", "codestream"),
		RedisURL:          getEnv("REDIS_URL", ""),
		AutoSaveInterval:  time.Duration(getEnvInt("AUTO_SAVE_INTERVAL_SECONDS", 5)) * time.Second,
		ExecutionTimeout:  time.Duration(getEnvInt("CODE_EXECUTION_TIMEOUT_SECONDS", 30)) * time.Second,
		MessagesPerSecond: float64(getEnvInt("MESSAGES_PER_SECOND", 100)),
		MessageBurst:      getEnvInt("MESSAGE_BURST", 200),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

// Debug reports whether per-message debug logging is enabled.
func (c *Config) Debug() bool {
	return strings.EqualFold(c.LogLevel, "debug")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
