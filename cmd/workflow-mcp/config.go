package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the workflow-mcp server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	Scheduler   bool   `json:"scheduler"`
	MaxParallel int    `json:"max_parallel"` // server-wide sub-agent cap; 0 = uncapped
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(aromcpDir(), "workflow.db"),
		LogLevel:  "info",
		Scheduler: true,
	}
}

func aromcpDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aromcp"
	}
	return filepath.Join(home, ".aromcp")
}

func settingsPath() string {
	return filepath.Join(aromcpDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AROMCP_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AROMCP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AROMCP_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("AROMCP_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxParallel = n
		}
	}

	return cfg
}
