// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration should validate, got: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  url: https://sync.example.com
  token: abc123
sync:
  max_reconnect_attempts: 3
player:
  sync_interval: 15s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.URL != "https://sync.example.com" {
		t.Errorf("server.url = %q, want file value", cfg.Server.URL)
	}
	if cfg.Sync.MaxReconnectAttempts != 3 {
		t.Errorf("sync.max_reconnect_attempts = %d, want 3", cfg.Sync.MaxReconnectAttempts)
	}
	if cfg.Player.SyncInterval != 15*time.Second {
		t.Errorf("player.sync_interval = %s, want 15s", cfg.Player.SyncInterval)
	}
	// Untouched fields keep defaults.
	if cfg.Sync.FallbackPollInterval != 10*time.Second {
		t.Errorf("fallback_poll_interval = %s, want default 10s", cfg.Sync.FallbackPollInterval)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  url: https://file.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("SYNC_SERVER_URL", "https://env.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.URL != "https://env.example.com" {
		t.Errorf("server.url = %q, env should win over file", cfg.Server.URL)
	}
}

func TestCORSOriginsFromEnv(t *testing.T) {
	t.Setenv("CONTROL_CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	got := cfg.Control.CORSOrigins
	if len(got) != 2 || got[0] != "https://a.example.com" || got[1] != "https://b.example.com" {
		t.Errorf("control.cors_origins = %v, want two trimmed origins", got)
	}
}

func TestValidateRejectsIncoherentTimings(t *testing.T) {
	cfg := defaultConfig()
	cfg.Sync.ReconnectBaseDelay = time.Minute
	cfg.Sync.ReconnectMaxDelay = time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when base delay exceeds max delay")
	}

	cfg = defaultConfig()
	cfg.Player.UpdateRate = time.Minute
	cfg.Player.SyncInterval = time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when update rate exceeds sync interval")
	}
}

func TestValidateRejectsBadURL(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.URL = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for malformed server.url")
	}
}

func TestUnmappedEnvIsIgnored(t *testing.T) {
	if got := envTransformFunc("RANDOM_HOST_VARIABLE"); got != "" {
		t.Errorf("unmapped env var mapped to %q, want empty", got)
	}
}
