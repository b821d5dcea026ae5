// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"syncstream.yaml",
	"syncstream.yml",
	"/etc/syncstream/config.yaml",
	"/etc/syncstream/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "SYNCSTREAM_CONFIG"

// defaultConfig returns a Config with all defaults applied. The sync
// timings match the web client this daemon interoperates with.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:     "http://localhost:8080",
			Token:   "",
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			ReconnectBaseDelay:    2 * time.Second,
			ReconnectMaxDelay:     30 * time.Second,
			MaxReconnectAttempts:  5,
			ConnectTimeout:        10 * time.Second,
			SnapshotGraceDelay:    500 * time.Millisecond,
			FallbackPollInterval:  10 * time.Second,
			OutboundRatePerSecond: 10,
		},
		Player: PlayerConfig{
			UpdateRate:   time.Second,
			SyncInterval: 10 * time.Second,
		},
		Storage: StorageConfig{
			Path:             "/data/syncstream",
			EncryptionSecret: "",
		},
		Control: ControlConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            7909,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile searches the env override and default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated
// slices when supplied through the environment.
var sliceConfigPaths = []string{
	"control.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars arrive as strings but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are dropped so random environment entries cannot
// pollute the configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"sync_server_url":     "server.url",
		"sync_server_token":   "server.token",
		"sync_server_timeout": "server.timeout",

		"sync_reconnect_base_delay":   "sync.reconnect_base_delay",
		"sync_reconnect_max_delay":    "sync.reconnect_max_delay",
		"sync_max_reconnect_attempts": "sync.max_reconnect_attempts",
		"sync_connect_timeout":        "sync.connect_timeout",
		"sync_snapshot_grace_delay":   "sync.snapshot_grace_delay",
		"sync_fallback_poll_interval": "sync.fallback_poll_interval",
		"sync_outbound_rate":          "sync.outbound_rate_per_second",

		"player_update_rate":   "player.update_rate",
		"player_sync_interval": "player.sync_interval",

		"storage_path":              "storage.path",
		"storage_encryption_secret": "storage.encryption_secret",

		"control_enabled":           "control.enabled",
		"control_host":              "control.host",
		"control_port":              "control.port",
		"control_cors_origins":      "control.cors_origins",
		"control_rate_limit_reqs":   "control.rate_limit_reqs",
		"control_rate_limit_window": "control.rate_limit_window",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
