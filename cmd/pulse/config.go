package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all pulse runner configuration.
// Priority: env vars > settings.json > .env > defaults.
type Config struct {
	BackendURL       string `json:"backend_url"`
	DBPath           string `json:"db_path"`
	LogLevel         string `json:"log_level"`
	ResultQuery      string `json:"result_query"`
	FamiliesPath     string `json:"families_path"`
	AutoSave         bool   `json:"auto_save"`
	AutoSaveInterval string `json:"auto_save_interval"`
}

func defaultConfig() Config {
	return Config{
		BackendURL:       "http://localhost:4200",
		DBPath:           "file:" + filepath.Join(pulseDir(), "pulse.db"),
		LogLevel:         "info",
		AutoSave:         true,
		AutoSaveInterval: "2s",
	}
}

func pulseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pulse"
	}
	return filepath.Join(home, ".pulse")
}

func settingsPath() string {
	return filepath.Join(pulseDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: .env in the working directory (ignore if missing).
	_ = godotenv.Load()

	// Layer 3: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 4: env vars override.
	if v := os.Getenv("PULSE_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("PULSE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PULSE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PULSE_RESULT_QUERY"); v != "" {
		cfg.ResultQuery = v
	}
	if v := os.Getenv("PULSE_FAMILIES_PATH"); v != "" {
		cfg.FamiliesPath = v
	}
	if v := os.Getenv("PULSE_AUTO_SAVE"); v != "" {
		cfg.AutoSave = v == "true" || v == "1"
	}
	if v := os.Getenv("PULSE_AUTO_SAVE_INTERVAL"); v != "" {
		cfg.AutoSaveInterval = v
	}

	return cfg
}

// autoSaveInterval parses the configured interval, falling back to the
// default on garbage.
func (c Config) autoSaveInterval() time.Duration {
	d, err := time.ParseDuration(c.AutoSaveInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}
