// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package session

// Event bus topics published by the store. Subscribers register against a
// context; cancellation tears the subscription down.
const (
	// TopicSessionUpdated carries a SessionEvent for every table mutation.
	TopicSessionUpdated = "session.updated"

	// TopicCurrentChanged carries a CurrentEvent whenever the current
	// session pointer moves or clears.
	TopicCurrentChanged = "session.current"

	// TopicRemoteCommand carries a RemoteCommand for play/pause/seek/stop
	// events that originated on another client.
	TopicRemoteCommand = "session.remote"
)

// RemoteAction identifies the command a peer client issued.
type RemoteAction string

// Remote actions applied to the local player.
const (
	RemotePlay  RemoteAction = "play"
	RemotePause RemoteAction = "pause"
	RemoteSeek  RemoteAction = "seek"
	RemoteStop  RemoteAction = "stop"
)

// SessionEvent is published on TopicSessionUpdated.
type SessionEvent struct {
	Session Session `json:"session"`

	// Remote is true when the mutation came from the sync server rather
	// than local playback.
	Remote bool `json:"remote"`
}

// CurrentEvent is published on TopicCurrentChanged. Session is nil when
// the current pointer was cleared.
type CurrentEvent struct {
	Session *Session `json:"session"`
}

// RemoteCommand is published on TopicRemoteCommand. The playback binder
// applies it to the media element only when MediaKey matches the loaded
// media, and never re-emits an outbound event for it.
type RemoteCommand struct {
	Action   RemoteAction `json:"action"`
	MediaKey string       `json:"mediaKey"`
	Position int64        `json:"position"`
}
