// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

// Package main is the SyncStream daemon: a playback sync client that
// keeps media positions consistent across devices.
//
// The daemon connects to a sync server over WebSocket, mirrors the
// server's session table into a local badger store, binds a media
// element so local playback events fan out to other clients, and
// exposes a local control API for UIs and automation.
//
// # Startup order
//
//  1. Configuration: built-in defaults, optional YAML file, environment
//     variables (Koanf v2)
//  2. Logging: zerolog, JSON or console format
//  3. Storage: badger database for sessions, client identity, and the
//     encrypted auth token
//  4. Session store: LWW session table on a watermill event bus
//  5. Transport: WebSocket client with backoff reconnects and HTTP
//     polling fallback
//  6. Playback binder: media element bridge
//  7. Control API: chi HTTP server (optional)
//
// Everything long-lived runs under a suture supervisor tree.
//
// # Configuration
//
// The config file is looked up via SYNCSTREAM_CONFIG or the default
// paths (syncstream.yaml, /etc/syncstream/syncstream.yaml). Every
// setting can be overridden by environment, e.g.:
//
//	export SYNC_SERVER_URL=https://sync.example.com
//	export SYNC_SERVER_TOKEN=eyJ...
//	export SYNC_STORAGE_PATH=/var/lib/syncstream
//	./syncstreamd
//
// # Signal handling
//
// SIGINT and SIGTERM shut the tree down gracefully: the transport sends
// a close frame, the control API drains in-flight requests, and the
// final playback position is already persisted by the progress tick.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/syncstream/syncstream/internal/config"
	"github.com/syncstream/syncstream/internal/control"
	"github.com/syncstream/syncstream/internal/logging"
	"github.com/syncstream/syncstream/internal/player"
	"github.com/syncstream/syncstream/internal/session"
	"github.com/syncstream/syncstream/internal/supervisor"
	"github.com/syncstream/syncstream/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	log := logging.Logger()
	log.Info().Str("server", cfg.Server.URL).Msg("Starting SyncStream")

	db, err := badger.Open(badger.DefaultOptions(cfg.Storage.Path).WithLogger(nil))
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("Failed to open storage")
	}
	defer db.Close()

	clientID, err := session.LoadOrCreateClientID(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to establish client identity")
	}
	log.Info().Str("client_id", clientID).Msg("Client identity loaded")

	token := resolveToken(cfg, db)
	if token == "" {
		log.Warn().Msg("No auth token configured; the transport will not connect until one is provided")
	}

	store := session.NewStore(session.NewBadgerPersister(db))
	defer store.Close()

	client := transport.NewClient(transport.Config{
		ServerURL:      cfg.Server.URL,
		Token:          token,
		ClientID:       clientID,
		BaseDelay:      cfg.Sync.ReconnectBaseDelay,
		MaxDelay:       cfg.Sync.ReconnectMaxDelay,
		MaxAttempts:    cfg.Sync.MaxReconnectAttempts,
		ConnectTimeout: cfg.Sync.ConnectTimeout,
		GraceDelay:     cfg.Sync.SnapshotGraceDelay,
		PollInterval:   cfg.Sync.FallbackPollInterval,
		HTTPTimeout:    cfg.Server.Timeout,
		OutboundRate:   cfg.Sync.OutboundRatePerSecond,
	}, store, log)

	binder := player.NewBinder(store, client, client.API(), player.Config{
		UpdateRate:   cfg.Player.UpdateRate,
		SyncInterval: cfg.Player.SyncInterval,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Headless by default; a renderer process swaps in a real element
	// through the control API's player surface.
	element := player.NewClockElement()
	defer element.Close()
	binder.Initialize(ctx, element)

	slogger := slog.New(logging.NewSlogHandlerWithLogger(log))
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())
	tree.AddSyncService(client)
	tree.AddSyncService(binder)

	if cfg.Control.Enabled {
		api := control.NewServer(control.Config{
			Host:            cfg.Control.Host,
			Port:            cfg.Control.Port,
			CORSOrigins:     cfg.Control.CORSOrigins,
			RateLimitReqs:   cfg.Control.RateLimitReqs,
			RateLimitWindow: cfg.Control.RateLimitWindow,
		}, store, binder, client, log)
		tree.AddAPIService(api)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Supervisor error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		log.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}
	log.Info().Msg("SyncStream stopped")
}

// resolveToken picks the auth token: a configured token wins and is
// saved encrypted for the next run; otherwise the stored one is used.
// Without an encryption secret nothing touches the database.
func resolveToken(cfg *config.Config, db *badger.DB) string {
	if cfg.Storage.EncryptionSecret == "" {
		return cfg.Server.Token
	}

	enc, err := config.NewTokenEncryptor(cfg.Storage.EncryptionSecret)
	if err != nil {
		logging.Warn().Err(err).Msg("Token encryption unavailable, using configured token as-is")
		return cfg.Server.Token
	}

	if cfg.Server.Token != "" {
		if err := session.SaveToken(db, enc, cfg.Server.Token); err != nil {
			logging.Warn().Err(err).Msg("Failed to persist auth token")
		}
		return cfg.Server.Token
	}

	stored, err := session.LoadToken(db, enc)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to load stored auth token")
		return ""
	}
	if stored != "" {
		logging.Info().Str("token", config.MaskToken(stored)).Msg("Using stored auth token")
	}
	return stored
}
