package api

import (
	"os"
	"strconv"
	"time"
)

// Config holds the agent API configuration, loaded from environment
// variables.
type Config struct {
	ListenAddr      string
	AuthToken       string // bearer token; empty means every request is refused
	ShutdownTimeout time.Duration
	HistoryLimit    int // history entries included in status responses
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"
}

// LoadConfig reads configuration from environment variables with sensible
// defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      "127.0.0.1:8787",
		ShutdownTimeout: 30 * time.Second,
		HistoryLimit:    20,
		LogFormat:       "json",
		LogLevel:        "info",
	}

	if v := os.Getenv("CLINSYNC_AGENT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CLINSYNC_AGENT_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("CLINSYNC_AGENT_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("CLINSYNC_AGENT_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.HistoryLimit = n
		}
	}
	if v := os.Getenv("CLINSYNC_AGENT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CLINSYNC_AGENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}
