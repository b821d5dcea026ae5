// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

// Package session implements the local playback session store: an
// in-memory table of per-media sessions reconciled against server
// snapshots with last-write-wins semantics, persisted to a local badger
// database, and publishing changes over an in-process event bus.
package session

import (
	"time"

	"github.com/goccy/go-json"
)

// State is the playback state of a session.
type State string

// Valid playback states. Anything else coerces to StateStopped.
const (
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Coerce normalizes arbitrary state strings to a valid State. Malformed
// server payloads must never leave an unknown state in the store.
func Coerce(s string) State {
	switch State(s) {
	case StatePlaying, StatePaused:
		return State(s)
	default:
		return StateStopped
	}
}

// UnmarshalJSON coerces unknown states at the decode boundary.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Coerce(raw)
	return nil
}

// Session is one media item's playback session. Positions and durations
// are in milliseconds.
type Session struct {
	// MediaKey is an opaque identifier; Plex-style keys embed a
	// hierarchical path ("library/metadata/123").
	MediaKey   string            `json:"mediaKey"`
	Position   int64             `json:"position"`
	Duration   int64             `json:"duration"`
	State      State             `json:"state"`
	ClientID   string            `json:"clientId,omitempty"`
	LastClient string            `json:"lastClient,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// LastUpdated is the sole tie-break for merge conflicts.
	LastUpdated time.Time `json:"lastUpdated"`
}

// newSession returns a zeroed session for a media key.
func newSession(mediaKey string, now time.Time) *Session {
	return &Session{
		MediaKey:    mediaKey,
		Position:    0,
		Duration:    0,
		State:       StateStopped,
		Metadata:    map[string]string{},
		LastUpdated: now,
	}
}

// clone returns a copy safe to hand to callers.
func (s *Session) clone() *Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Update is a partial session mutation. Nil fields are left untouched.
type Update struct {
	MediaKey   string
	Position   *int64
	Duration   *int64
	State      *State
	ClientID   *string
	LastClient *string
	Metadata   map[string]string
}

// apply merges the update into the session. The state is coerced; the
// caller stamps LastUpdated.
func (u *Update) apply(s *Session) {
	if u.Position != nil {
		s.Position = *u.Position
	}
	if u.Duration != nil {
		s.Duration = *u.Duration
	}
	if u.State != nil {
		s.State = Coerce(string(*u.State))
	}
	if u.ClientID != nil {
		s.ClientID = *u.ClientID
	}
	if u.LastClient != nil {
		s.LastClient = *u.LastClient
	}
	for k, v := range u.Metadata {
		if s.Metadata == nil {
			s.Metadata = map[string]string{}
		}
		s.Metadata[k] = v
	}
}

// Pos is a convenience constructor for position-only updates.
func Pos(mediaKey string, position int64) Update {
	return Update{MediaKey: mediaKey, Position: &position}
}

// PosState is a convenience constructor for position+state updates.
func PosState(mediaKey string, position int64, state State) Update {
	return Update{MediaKey: mediaKey, Position: &position, State: &state}
}
