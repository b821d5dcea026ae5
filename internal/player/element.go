// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

// Package player binds a media element to the session store and the
// sync transport: element events update the local session and fan out
// to other clients, remote commands drive the element.
package player

import (
	"errors"
	"fmt"
)

// EventType identifies a media element lifecycle event.
type EventType string

const (
	EventPlay           EventType = "play"
	EventPause          EventType = "pause"
	EventEnded          EventType = "ended"
	EventTimeUpdate     EventType = "timeupdate"
	EventDurationChange EventType = "durationchange"
	EventWaiting        EventType = "waiting"
	EventCanPlay        EventType = "canplay"
	EventError          EventType = "error"
	EventVolumeChange   EventType = "volumechange"
)

// Event is one media element notification. Position and Duration are in
// milliseconds and populated for every event; Err only for EventError.
type Event struct {
	Type     EventType
	Position int64
	Duration int64
	Volume   float64
	Muted    bool
	Err      error
}

// ErrAutoplayBlocked is returned by Play when the element refuses to
// start without prior user interaction. The binder remembers the intent
// and retries when the element signals readiness.
var ErrAutoplayBlocked = errors.New("player: autoplay blocked, interaction required")

// ErrorCode categorizes playback failures.
type ErrorCode int

const (
	ErrCodeAborted ErrorCode = iota + 1
	ErrCodeNetwork
	ErrCodeDecode
	ErrCodeUnsupported
	ErrCodeGeneric
)

// MediaError is a categorized playback failure.
type MediaError struct {
	Code ErrorCode
	Msg  string
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("player: %s (%s)", UserMessage(e.Code), e.Msg)
}

// UserMessage maps an error code to a message fit for display.
func UserMessage(code ErrorCode) string {
	switch code {
	case ErrCodeAborted:
		return "Playback was aborted"
	case ErrCodeNetwork:
		return "A network error interrupted playback"
	case ErrCodeDecode:
		return "The media could not be decoded"
	case ErrCodeUnsupported:
		return "The media format is not supported"
	default:
		return "An unknown playback error occurred"
	}
}

// Categorize wraps an arbitrary element error as a MediaError. Errors
// that already carry a category pass through.
func Categorize(err error) *MediaError {
	var me *MediaError
	if errors.As(err, &me) {
		return me
	}
	return &MediaError{Code: ErrCodeGeneric, Msg: err.Error()}
}

// MediaElement is the capability surface the binder drives. Positions
// are in milliseconds. Implementations own an event stream; the binder
// consumes it until Close.
type MediaElement interface {
	// Load points the element at a stream. Resets position to zero;
	// the duration arrives later via EventDurationChange.
	Load(streamURL string) error

	// Play starts playback. Returns ErrAutoplayBlocked when the element
	// requires user interaction first.
	Play() error

	Pause() error

	// Seek jumps to position, clamped to [0, duration].
	Seek(position int64) error

	Position() int64
	Duration() int64

	SetVolume(volume float64) error
	SetMuted(muted bool) error

	// Events returns the element's notification stream. The channel is
	// closed by Close.
	Events() <-chan Event

	Close() error
}
