// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

// Package protocol defines the sync wire format: a JSON envelope
// {type, payload} with a tagged payload variant per message type,
// validated at the boundary instead of trusted.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/syncstream/syncstream/internal/session"
)

// Outbound message types.
const (
	TypeGetSessions    = "get_sessions"
	TypePlay           = "play"
	TypePause          = "pause"
	TypeStop           = "stop"
	TypeUpdatePosition = "update_position"
	TypePing           = "ping"
)

// Inbound message types.
const (
	TypeAuthSuccess    = "auth_success"
	TypeAuthError      = "auth_error"
	TypeSessions       = "sessions"
	TypePlayEvent      = "play_event"
	TypePauseEvent     = "pause_event"
	TypeStopEvent      = "stop_event"
	TypePositionUpdate = "position_update"
)

var (
	// ErrUnknownType is returned for message types this client does not
	// recognize. Callers log and drop.
	ErrUnknownType = errors.New("unknown message type")

	// ErrInvalidPayload is returned when a recognized type carries a
	// payload that does not parse.
	ErrInvalidPayload = errors.New("invalid message payload")
)

// Envelope is the wire frame for every sync message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PlaybackEvent is the payload shape shared by play/pause/stop/position
// messages in both directions.
type PlaybackEvent struct {
	MediaKey string `json:"mediaKey"`
	Position int64  `json:"position"`
	ClientID string `json:"clientId"`
}

// Ping is sent after connecting to verify two-way communication.
type Ping struct {
	Timestamp string `json:"timestamp"`
}

// NewPing returns a ping payload stamped with the current time.
func NewPing(now time.Time) Ping {
	return Ping{Timestamp: now.UTC().Format(time.RFC3339)}
}

// Message is a parsed inbound message. Exactly one payload field is
// populated, matching Type.
type Message struct {
	Type     string
	Event    *PlaybackEvent    // play_event, pause_event, stop_event, position_update
	Sessions []session.Session // sessions
}

// Encode serializes an envelope for transmission.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Decode parses an inbound frame into a typed Message. Unknown types
// return ErrUnknownType; recognized types with malformed payloads return
// ErrInvalidPayload. Both leave the connection usable.
func Decode(data []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err.Error())
	}

	msg := &Message{Type: env.Type}

	switch env.Type {
	case TypeAuthSuccess, TypeAuthError:
		// Payload is implementation-defined; nothing to parse.
		return msg, nil

	case TypePlayEvent, TypePauseEvent, TypeStopEvent, TypePositionUpdate:
		var event PlaybackEvent
		if err := json.Unmarshal(env.Payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrInvalidPayload, env.Type, err.Error())
		}
		if event.MediaKey == "" {
			return nil, fmt.Errorf("%w: %s: missing mediaKey", ErrInvalidPayload, env.Type)
		}
		msg.Event = &event
		return msg, nil

	case TypeSessions:
		var sessions []session.Session
		if err := json.Unmarshal(env.Payload, &sessions); err != nil {
			return nil, fmt.Errorf("%w: sessions: %s", ErrInvalidPayload, err.Error())
		}
		msg.Sessions = sessions
		return msg, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
