// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

// Package metrics exposes Prometheus instrumentation for the sync client:
// connection state, reconnect behavior, message flow, fallback polling,
// session store activity, and playback events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionState tracks the transport state machine.
	// 0 = disconnected, 1 = connecting, 2 = connected.
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncstream_connection_state",
			Help: "Current WebSocket connection state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	// FallbackMode is 1 while the client is in HTTP polling fallback.
	FallbackMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncstream_fallback_mode",
			Help: "Whether the client has downgraded to HTTP polling (0=realtime, 1=fallback)",
		},
	)

	// ReconnectAttempts counts scheduled reconnect attempts.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncstream_reconnect_attempts_total",
			Help: "Total number of WebSocket reconnect attempts scheduled",
		},
	)

	// MessagesTotal counts sync messages by type and direction.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncstream_messages_total",
			Help: "Total sync messages by type and direction",
		},
		[]string{"type", "direction"}, // direction: "in" or "out"
	)

	// MessagesDropped counts outbound messages dropped because the channel
	// was not connected. Sends are at-most-once; nothing is queued.
	MessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncstream_messages_dropped_total",
			Help: "Total outbound messages dropped while disconnected",
		},
	)

	// ProtocolErrors counts malformed or unrecognized inbound messages.
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncstream_protocol_errors_total",
			Help: "Total inbound messages rejected at the protocol boundary",
		},
		[]string{"reason"}, // "parse", "unknown_type", "payload"
	)

	// FallbackPolls counts snapshot polls in fallback mode by outcome.
	FallbackPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncstream_fallback_polls_total",
			Help: "Total fallback snapshot polls by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "rejected", "unchanged"
	)

	// SessionCount tracks the number of sessions in the store.
	SessionCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncstream_sessions",
			Help: "Current number of sessions in the local store",
		},
	)

	// SessionUpserts counts store mutations by source.
	SessionUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncstream_session_upserts_total",
			Help: "Total session store mutations by source",
		},
		[]string{"source"}, // "local" or "remote"
	)

	// PersistErrors counts best-effort persistence failures.
	PersistErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncstream_persist_errors_total",
			Help: "Total session persistence failures (logged, never propagated)",
		},
	)

	// PlaybackEvents counts media element events seen by the binder.
	PlaybackEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncstream_playback_events_total",
			Help: "Total playback events observed from the media element",
		},
		[]string{"event"}, // "play", "pause", "ended", "stop", "error", "buffering"
	)
)

// Connection state gauge values.
const (
	StateDisconnected = 0
	StateConnecting   = 1
	StateConnected    = 2
)
