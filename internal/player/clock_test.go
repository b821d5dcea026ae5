// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package player

import (
	"testing"
	"time"
)

func drainUntil(t *testing.T, events <-chan Event, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestClockAdvancesWhilePlaying(t *testing.T) {
	c := NewClockElement(WithTickRate(10 * time.Millisecond))
	defer c.Close()

	if err := c.Load("http://stream/1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	c.SetDuration(60_000)

	if err := c.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := c.Position(); got <= 0 {
		t.Errorf("position = %d, want > 0 while playing", got)
	}

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	frozen := c.Position()
	time.Sleep(30 * time.Millisecond)
	if got := c.Position(); got != frozen {
		t.Errorf("position moved while paused: %d != %d", got, frozen)
	}
}

func TestClockEndsAtDuration(t *testing.T) {
	c := NewClockElement(WithTickRate(10 * time.Millisecond))
	defer c.Close()

	c.Load("http://stream/1")
	c.SetDuration(80)

	if err := c.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}

	ev := drainUntil(t, c.Events(), EventEnded, 2*time.Second)
	if ev.Position != 80 {
		t.Errorf("ended at %d, want clamped to duration 80", ev.Position)
	}
	if got := c.Position(); got != 80 {
		t.Errorf("position = %d after end, want 80", got)
	}
}

func TestClockSeekClamps(t *testing.T) {
	c := NewClockElement()
	defer c.Close()
	c.Load("http://stream/1")
	c.SetDuration(10_000)

	c.Seek(50_000)
	if got := c.Position(); got != 10_000 {
		t.Errorf("seek past end = %d, want 10000", got)
	}
	c.Seek(-500)
	if got := c.Position(); got != 0 {
		t.Errorf("negative seek = %d, want 0", got)
	}
}

func TestClockVolumeClamps(t *testing.T) {
	c := NewClockElement()
	defer c.Close()

	c.SetVolume(1.8)
	ev := drainUntil(t, c.Events(), EventVolumeChange, time.Second)
	if ev.Volume != 1.0 {
		t.Errorf("volume = %f, want clamped 1.0", ev.Volume)
	}
	c.SetVolume(-0.2)
	ev = drainUntil(t, c.Events(), EventVolumeChange, time.Second)
	if ev.Volume != 0 {
		t.Errorf("volume = %f, want clamped 0", ev.Volume)
	}
}

func TestClockClosedRejectsOperations(t *testing.T) {
	c := NewClockElement()
	c.Close()

	if err := c.Play(); err != ErrElementClosed {
		t.Errorf("Play = %v, want ErrElementClosed", err)
	}
	if err := c.Load("x"); err != ErrElementClosed {
		t.Errorf("Load = %v, want ErrElementClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestCategorize(t *testing.T) {
	me := Categorize(&MediaError{Code: ErrCodeDecode, Msg: "bad frame"})
	if me.Code != ErrCodeDecode {
		t.Errorf("code = %v, want decode", me.Code)
	}

	generic := Categorize(ErrElementClosed)
	if generic.Code != ErrCodeGeneric {
		t.Errorf("code = %v, want generic", generic.Code)
	}

	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrCodeAborted, "Playback was aborted"},
		{ErrCodeNetwork, "A network error interrupted playback"},
		{ErrCodeDecode, "The media could not be decoded"},
		{ErrCodeUnsupported, "The media format is not supported"},
		{ErrCodeGeneric, "An unknown playback error occurred"},
	}
	for _, tt := range tests {
		if got := UserMessage(tt.code); got != tt.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
