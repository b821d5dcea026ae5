// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package player

import (
	"errors"
	"sync"
	"time"
)

// ErrElementClosed is returned by operations on a closed element.
var ErrElementClosed = errors.New("player: element closed")

// ClockElement is a headless MediaElement that advances position with
// wall time while playing. It stands in for a real renderer on displays
// driven out-of-process, and carries the binder's full event contract,
// so it doubles as the reference implementation.
type ClockElement struct {
	mu        sync.Mutex
	streamURL string
	duration  int64
	position  int64
	playing   bool
	playedAt  time.Time
	volume    float64
	muted     bool
	closed    bool

	events   chan Event
	tickRate time.Duration
	tickStop chan struct{}
	now      func() time.Time
}

// ClockOption customizes a ClockElement.
type ClockOption func(*ClockElement)

// WithTickRate sets the timeupdate cadence. Default 250ms.
func WithTickRate(d time.Duration) ClockOption {
	return func(c *ClockElement) { c.tickRate = d }
}

// NewClockElement returns a stopped element with no media loaded.
func NewClockElement(opts ...ClockOption) *ClockElement {
	c := &ClockElement{
		events:   make(chan Event, 64),
		tickRate: 250 * time.Millisecond,
		volume:   1.0,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// emit never blocks; a full channel drops the event. The binder's
// progress ticker re-derives position anyway.
func (c *ClockElement) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// snapshotLocked fills the common event fields. Caller holds mu.
func (c *ClockElement) snapshotLocked(t EventType) Event {
	return Event{
		Type:     t,
		Position: c.positionLocked(),
		Duration: c.duration,
		Volume:   c.volume,
		Muted:    c.muted,
	}
}

func (c *ClockElement) positionLocked() int64 {
	pos := c.position
	if c.playing {
		pos += c.now().Sub(c.playedAt).Milliseconds()
	}
	if c.duration > 0 && pos > c.duration {
		pos = c.duration
	}
	return pos
}

func (c *ClockElement) Load(streamURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrElementClosed
	}
	c.stopTickingLocked()
	c.streamURL = streamURL
	c.position = 0
	c.duration = 0
	c.playing = false
	c.emit(c.snapshotLocked(EventCanPlay))
	return nil
}

// SetDuration announces the stream length, the metadata-arrival analog.
func (c *ClockElement) SetDuration(duration int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.duration = duration
	c.emit(c.snapshotLocked(EventDurationChange))
}

func (c *ClockElement) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrElementClosed
	}
	if c.playing {
		return nil
	}
	c.playing = true
	c.playedAt = c.now()
	c.tickStop = make(chan struct{})
	go c.tick(c.tickStop)
	c.emit(c.snapshotLocked(EventPlay))
	return nil
}

func (c *ClockElement) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrElementClosed
	}
	if !c.playing {
		return nil
	}
	c.position = c.positionLocked()
	c.playing = false
	c.stopTickingLocked()
	c.emit(c.snapshotLocked(EventPause))
	return nil
}

func (c *ClockElement) Seek(position int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrElementClosed
	}
	if position < 0 {
		position = 0
	}
	if c.duration > 0 && position > c.duration {
		position = c.duration
	}
	c.position = position
	if c.playing {
		c.playedAt = c.now()
	}
	c.emit(c.snapshotLocked(EventTimeUpdate))
	return nil
}

func (c *ClockElement) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

func (c *ClockElement) Duration() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

func (c *ClockElement) SetVolume(volume float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrElementClosed
	}
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	c.volume = volume
	c.emit(c.snapshotLocked(EventVolumeChange))
	return nil
}

func (c *ClockElement) SetMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrElementClosed
	}
	c.muted = muted
	c.emit(c.snapshotLocked(EventVolumeChange))
	return nil
}

func (c *ClockElement) Events() <-chan Event {
	return c.events
}

func (c *ClockElement) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopTickingLocked()
	close(c.events)
	return nil
}

func (c *ClockElement) stopTickingLocked() {
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
}

func (c *ClockElement) tick(stop <-chan struct{}) {
	ticker := time.NewTicker(c.tickRate)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if !c.playing || c.closed {
				c.mu.Unlock()
				return
			}
			pos := c.positionLocked()
			if c.duration > 0 && pos >= c.duration {
				c.position = c.duration
				c.playing = false
				c.stopTickingLocked()
				c.emit(c.snapshotLocked(EventEnded))
				c.mu.Unlock()
				return
			}
			c.emit(c.snapshotLocked(EventTimeUpdate))
			c.mu.Unlock()
		}
	}
}
