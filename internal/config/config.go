// Package config loads the supervisor's ambient configuration: listen
// port, advisory-lock root, local-mode flag, poll interval and the
// lock-override switch named in spec.md §6, following the teacher's
// internal/config JSON-file-plus-defaults pattern.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// DefaultListenPort is the Control API's listen port when none is
	// configured.
	DefaultListenPort = 48484
	// DefaultPollIntervalMS is the Apply Loop's base poll interval.
	DefaultPollIntervalMS = 60000
	// DefaultMaxPollIntervalMS caps the Apply Loop's backoff delay.
	DefaultMaxPollIntervalMS = 600000
	// DefaultStatePath is where the bbolt state/key database lives.
	DefaultStatePath = "/data/hostsupervisor/state.db"
)

// Config holds the supervisor's runtime configuration.
type Config struct {
	ListenPort           int    `json:"listen_port"`
	StatePath            string `json:"state_path"`
	LockRoot             string `json:"lock_root"`
	LocalMode            bool   `json:"local_mode"`
	LockOverride         bool   `json:"lock_override"`
	AppUpdatePollIntervalMS int `json:"app_update_poll_interval_ms"`
	MaxPollIntervalMS     int  `json:"max_poll_interval_ms"`
	APIEndpoint           string `json:"api_endpoint"`
}

func defaults() *Config {
	return &Config{
		ListenPort:              DefaultListenPort,
		StatePath:               DefaultStatePath,
		LockRoot:                "",
		LocalMode:               false,
		LockOverride:            false,
		AppUpdatePollIntervalMS: DefaultPollIntervalMS,
		MaxPollIntervalMS:       DefaultMaxPollIntervalMS,
	}
}

// Load reads configPath if present, merges it onto the defaults, then
// applies environment-variable overrides. A missing file is not an error:
// the supervisor starts with defaults, the way the teacher's LoadConfig
// tolerates an absent config.json.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	applyEnvOverrides(cfg)
	prepareConfig(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ListenPort = n
		}
	}
	if v := os.Getenv("STATE_PATH"); v != "" {
		cfg.StatePath = v
	}
	if v := os.Getenv("LOCK_ROOT"); v != "" {
		cfg.LockRoot = v
	}
	if v := os.Getenv("LOCAL_MODE"); v != "" {
		cfg.LocalMode = v == "1" || v == "true"
	}
	if v := os.Getenv("LOCK_OVERRIDE"); v != "" {
		cfg.LockOverride = v == "1" || v == "true"
	}
	if v := os.Getenv("APP_UPDATE_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AppUpdatePollIntervalMS = n
		}
	}
	if v := os.Getenv("API_ENDPOINT"); v != "" {
		cfg.APIEndpoint = v
	}
}

// prepareConfig fills in any zero-value fields left over after the file
// and environment passes, so downstream components never see an invalid
// zero.
func prepareConfig(cfg *Config) {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultListenPort
	}
	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath
	}
	if cfg.AppUpdatePollIntervalMS == 0 {
		cfg.AppUpdatePollIntervalMS = DefaultPollIntervalMS
	}
	if cfg.MaxPollIntervalMS == 0 {
		cfg.MaxPollIntervalMS = DefaultMaxPollIntervalMS
	}
}

// Save writes cfg to configPath as indented JSON, creating the parent
// directory if needed.
func Save(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
