package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all draftsync agent configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	APIBaseURL        string `json:"api_base_url"`
	AuthToken         string `json:"auth_token"`
	DBPath            string `json:"db_path"`
	ProbeURL          string `json:"probe_url"`
	LogLevel          string `json:"log_level"`
	SessionID         string `json:"session_id"`
	PIIPassphrase     string `json:"pii_passphrase"`
	AutoSave          bool   `json:"auto_save"`
	AutoSaveSecs      int    `json:"auto_save_secs"`
	SyncOnCompletion  bool   `json:"sync_on_completion"`
	ClearDraftOnSync  bool   `json:"clear_draft_on_sync"`
}

func defaultConfig() Config {
	return Config{
		APIBaseURL:       "http://localhost:4200",
		DBPath:           filepath.Join(draftsyncDir(), "draftsync.db"),
		ProbeURL:         "http://localhost:4200/health",
		LogLevel:         "info",
		AutoSave:         true,
		AutoSaveSecs:     30,
		SyncOnCompletion: true,
		ClearDraftOnSync: true,
	}
}

func draftsyncDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".draftsync"
	}
	return filepath.Join(home, ".draftsync")
}

func settingsPath() string {
	return filepath.Join(draftsyncDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("DRAFTSYNC_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("DRAFTSYNC_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("DRAFTSYNC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DRAFTSYNC_PROBE_URL"); v != "" {
		cfg.ProbeURL = v
	}
	if v := os.Getenv("DRAFTSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DRAFTSYNC_SESSION_ID"); v != "" {
		cfg.SessionID = v
	}
	if v := os.Getenv("DRAFTSYNC_PII_PASSPHRASE"); v != "" {
		cfg.PIIPassphrase = v
	}
	if v := os.Getenv("DRAFTSYNC_AUTO_SAVE"); v != "" {
		cfg.AutoSave = v == "true" || v == "1"
	}
	if v := os.Getenv("DRAFTSYNC_AUTO_SAVE_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AutoSaveSecs = n
		}
	}
	if v := os.Getenv("DRAFTSYNC_SYNC_ON_COMPLETION"); v != "" {
		cfg.SyncOnCompletion = v == "true" || v == "1"
	}
	if v := os.Getenv("DRAFTSYNC_CLEAR_DRAFT_ON_SYNC"); v != "" {
		cfg.ClearDraftOnSync = v == "true" || v == "1"
	}

	return cfg
}
