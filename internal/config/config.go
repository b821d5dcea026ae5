// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

// Package config provides layered configuration for the SyncStream client:
// built-in defaults, an optional YAML file, and environment variables, in
// increasing order of precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the sync client.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Sync    SyncConfig    `koanf:"sync"`
	Player  PlayerConfig  `koanf:"player"`
	Storage StorageConfig `koanf:"storage"`
	Control ControlConfig `koanf:"control"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig describes the sync server this client talks to.
type ServerConfig struct {
	// URL is the HTTP(S) base of the sync server API. The WebSocket URL is
	// derived from it by swapping the scheme.
	URL string `koanf:"url" validate:"required,url"`

	// Token is the bearer token used for both the WebSocket handshake and
	// fallback HTTP requests.
	Token string `koanf:"token"`

	// Timeout bounds individual HTTP requests to the server.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// SyncConfig tunes the transport client's reconnect and fallback behavior.
type SyncConfig struct {
	// ReconnectBaseDelay is the delay before the first reconnect attempt.
	// Subsequent attempts grow by a factor of 1.5.
	ReconnectBaseDelay time.Duration `koanf:"reconnect_base_delay" validate:"gt=0"`

	// ReconnectMaxDelay caps the growth of the reconnect delay.
	ReconnectMaxDelay time.Duration `koanf:"reconnect_max_delay" validate:"gt=0"`

	// MaxReconnectAttempts is the number of failed attempts after which the
	// client abandons the WebSocket and switches to HTTP polling.
	MaxReconnectAttempts int `koanf:"max_reconnect_attempts" validate:"gt=0"`

	// ConnectTimeout bounds WebSocket connection establishment.
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gt=0"`

	// SnapshotGraceDelay is how long to wait after the connection opens
	// before requesting the session snapshot, giving the server time to
	// finish its side of the setup.
	SnapshotGraceDelay time.Duration `koanf:"snapshot_grace_delay" validate:"gte=0"`

	// FallbackPollInterval is the snapshot polling cadence in fallback mode.
	FallbackPollInterval time.Duration `koanf:"fallback_poll_interval" validate:"gt=0"`

	// OutboundRatePerSecond caps outbound sync messages. Zero disables the cap.
	OutboundRatePerSecond float64 `koanf:"outbound_rate_per_second" validate:"gte=0"`
}

// PlayerConfig tunes the playback binder.
type PlayerConfig struct {
	// UpdateRate is how often the progress tick refreshes the local session
	// while playing.
	UpdateRate time.Duration `koanf:"update_rate" validate:"gt=0"`

	// SyncInterval is how often the progress tick relays the position to
	// other clients. Deliberately much coarser than UpdateRate.
	SyncInterval time.Duration `koanf:"sync_interval" validate:"gt=0"`
}

// StorageConfig describes local durable state.
type StorageConfig struct {
	// Path is the badger database directory for sessions, client identity,
	// and the encrypted token.
	Path string `koanf:"path" validate:"required"`

	// EncryptionSecret derives the key that encrypts the stored bearer
	// token. Empty disables token persistence.
	EncryptionSecret string `koanf:"encryption_secret"`
}

// ControlConfig describes the daemon's local control API.
type ControlConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host" validate:"required"`
	Port    int    `koanf:"port" validate:"gt=0,lte=65535"`

	// CORSOrigins lists allowed origins for browser-based control UIs.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs requests per RateLimitWindow per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gt=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
}

// LoggingConfig mirrors logging.Config for the config file.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for coherence beyond per-field tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Sync.ReconnectBaseDelay > c.Sync.ReconnectMaxDelay {
		return fmt.Errorf("sync.reconnect_base_delay (%s) exceeds sync.reconnect_max_delay (%s)",
			c.Sync.ReconnectBaseDelay, c.Sync.ReconnectMaxDelay)
	}
	if c.Player.UpdateRate > c.Player.SyncInterval {
		return fmt.Errorf("player.update_rate (%s) exceeds player.sync_interval (%s)",
			c.Player.UpdateRate, c.Player.SyncInterval)
	}

	return nil
}
