package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all conveyor engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	QueueSeconds  int    `json:"queue_interval_seconds"`
	EnableCron    bool   `json:"enable_cron"`
	RecoverMissed bool   `json:"recover_missed"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(conveyorDir(), "conveyor.db"),
		LogLevel:      "info",
		PoolSize:      4,
		QueueSeconds:  10,
		EnableCron:    true,
		RecoverMissed: true,
	}
}

func conveyorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(home, ".conveyor")
}

func settingsPath() string {
	return filepath.Join(conveyorDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONVEYOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONVEYOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONVEYOR_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CONVEYOR_QUEUE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueSeconds = n
		}
	}
	if v := os.Getenv("CONVEYOR_ENABLE_CRON"); v != "" {
		cfg.EnableCron = v == "true" || v == "1"
	}
	if v := os.Getenv("CONVEYOR_RECOVER_MISSED"); v != "" {
		cfg.RecoverMissed = v == "true" || v == "1"
	}

	return cfg
}

func (c Config) queueInterval() time.Duration {
	return time.Duration(c.QueueSeconds) * time.Second
}
