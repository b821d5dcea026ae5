// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncstream/syncstream/internal/metrics"
	"github.com/syncstream/syncstream/internal/session"
)

// A pause this close to the end of the stream is the element settling
// after playback ran out, not a user pausing. Treated as ended.
const endedThreshold = 500 * time.Millisecond

// Remote play commands further than this from the local position seek
// before starting, so both clients resume from the same spot.
const remoteDriftThreshold = int64(1000)

const seekStep = int64(10_000)

var (
	// ErrNoElement is returned by playback operations before Initialize.
	ErrNoElement = errors.New("player: no media element bound")

	// ErrNoMedia is returned by playback operations before LoadMedia.
	ErrNoMedia = errors.New("player: no media loaded")
)

// Sender is the outbound half of the sync transport the binder needs.
type Sender interface {
	SendPlayEvent(ctx context.Context, mediaKey string, position int64)
	SendPauseEvent(ctx context.Context, mediaKey string, position int64)
	SendStopEvent(ctx context.Context, mediaKey string, position int64)
	UpdatePosition(ctx context.Context, mediaKey string, position int64)
}

// SessionFetcher loads a saved session from the server, used to resume
// from the most recent cross-client position. Optional; the binder
// falls back to the local store.
type SessionFetcher interface {
	GetSession(ctx context.Context, mediaKey string) (*session.Session, error)
}

// Config holds the binder's cadences.
type Config struct {
	// UpdateRate is the progress tick: how often the local session is
	// refreshed from the element while playing.
	UpdateRate time.Duration

	// SyncInterval is how often the progress tick also relays the
	// position to other clients. Much coarser than UpdateRate; peers
	// need awareness, not frame accuracy.
	SyncInterval time.Duration
}

// State is a snapshot of the binder for the control API.
type State struct {
	MediaKey           string  `json:"mediaKey"`
	Title              string  `json:"title,omitempty"`
	Subtitle           string  `json:"subtitle,omitempty"`
	StreamURL          string  `json:"streamUrl,omitempty"`
	Loaded             bool    `json:"loaded"`
	Playing            bool    `json:"playing"`
	Buffering          bool    `json:"buffering"`
	Position           int64   `json:"position"`
	Duration           int64   `json:"duration"`
	Volume             float64 `json:"volume"`
	Muted              bool    `json:"muted"`
	PendingInteraction bool    `json:"pendingInteraction"`
	Error              string  `json:"error,omitempty"`
}

// Binder wires a MediaElement to the session store and the transport.
// Element events update the session and fan out; remote commands from
// the store's bus drive the element without re-emission.
type Binder struct {
	store  *session.Store
	sender Sender
	fetch  SessionFetcher
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	element  MediaElement
	state    State
	lastSync time.Time
	pumpStop chan struct{}

	// suppress* are consumed by the next matching element event so a
	// remotely-triggered play or pause is not echoed back out.
	suppressPlay  bool
	suppressPause bool
	pendingPlay   bool
}

// NewBinder returns an unbound binder. fetch may be nil.
func NewBinder(store *session.Store, sender Sender, fetch SessionFetcher, cfg Config, log zerolog.Logger) *Binder {
	return &Binder{
		store:  store,
		sender: sender,
		fetch:  fetch,
		cfg:    cfg,
		log:    log.With().Str("component", "playback-binder").Logger(),
		now:    time.Now,
		state:  State{Volume: 1.0},
	}
}

// Initialize binds a media element and starts consuming its events.
// Rebinding is safe: the previous element's pump is stopped first and
// its media state discarded.
func (b *Binder) Initialize(ctx context.Context, element MediaElement) {
	b.mu.Lock()
	if b.pumpStop != nil {
		close(b.pumpStop)
	}
	stop := make(chan struct{})
	b.pumpStop = stop
	b.element = element
	b.state = State{Volume: b.state.Volume, Muted: b.state.Muted}
	b.suppressPlay = false
	b.suppressPause = false
	b.pendingPlay = false
	b.mu.Unlock()

	go b.pump(ctx, element, stop)
}

func (b *Binder) pump(ctx context.Context, element MediaElement, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev, ok := <-element.Events():
			if !ok {
				return
			}
			b.handleEvent(ctx, ev)
		}
	}
}

// Serve implements suture.Service: applies remote commands and runs the
// progress tick until the context is canceled.
func (b *Binder) Serve(ctx context.Context) error {
	remote, err := b.store.SubscribeRemote(ctx)
	if err != nil {
		return fmt.Errorf("subscribe remote commands: %w", err)
	}

	ticker := time.NewTicker(b.cfg.UpdateRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-remote:
			if !ok {
				return nil
			}
			b.applyRemote(ctx, cmd)
		case <-ticker.C:
			b.progressTick(ctx)
		}
	}
}

func (b *Binder) String() string {
	return "playback-binder"
}

// LoadMedia points the element at a stream and resumes from the saved
// position, preferring the server's session over the local store.
func (b *Binder) LoadMedia(ctx context.Context, mediaKey, title, subtitle, streamURL string) error {
	if mediaKey == "" {
		return fmt.Errorf("player: load: media key required")
	}
	b.mu.Lock()
	element := b.element
	volume, muted := b.state.Volume, b.state.Muted
	b.mu.Unlock()
	if element == nil {
		return ErrNoElement
	}

	if err := element.Load(streamURL); err != nil {
		return fmt.Errorf("load %s: %w", mediaKey, err)
	}

	b.mu.Lock()
	b.state = State{
		MediaKey:  mediaKey,
		Title:     title,
		Subtitle:  subtitle,
		StreamURL: streamURL,
		Loaded:    true,
		Volume:    volume,
		Muted:     muted,
	}
	b.lastSync = time.Time{}
	b.mu.Unlock()

	b.store.SetCurrent(mediaKey)
	meta := map[string]string{}
	if title != "" {
		meta["title"] = title
	}
	if subtitle != "" {
		meta["subtitle"] = subtitle
	}
	if len(meta) > 0 {
		b.store.Upsert(session.Update{MediaKey: mediaKey, Metadata: meta})
	}

	if resume := b.resumePosition(ctx, mediaKey); resume > 0 {
		if err := element.Seek(resume); err != nil {
			b.log.Warn().Err(err).Int64("position", resume).Msg("Failed to seek to saved position")
		} else {
			b.log.Info().Str("media_key", mediaKey).Int64("position", resume).Msg("Resuming from saved position")
		}
	}
	return nil
}

// resumePosition asks the server first so a position saved by another
// client wins over a stale local one. Any fetch failure falls back to
// the local store.
func (b *Binder) resumePosition(ctx context.Context, mediaKey string) int64 {
	if b.fetch != nil {
		if s, err := b.fetch.GetSession(ctx, mediaKey); err == nil && s.Position > 0 {
			b.store.ImportRemote([]session.Session{*s})
			return s.Position
		}
	}
	if s, ok := b.store.Get(mediaKey); ok && s.Position > 0 {
		return s.Position
	}
	return 0
}

func (b *Binder) loaded() (MediaElement, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.element == nil {
		return nil, "", ErrNoElement
	}
	if b.state.MediaKey == "" {
		return nil, "", ErrNoMedia
	}
	return b.element, b.state.MediaKey, nil
}

// Play starts playback. An autoplay refusal is remembered and retried
// when the element next signals readiness.
func (b *Binder) Play(ctx context.Context) error {
	element, _, err := b.loaded()
	if err != nil {
		return err
	}
	if err := element.Play(); err != nil {
		if errors.Is(err, ErrAutoplayBlocked) {
			b.mu.Lock()
			b.pendingPlay = true
			b.state.PendingInteraction = true
			b.mu.Unlock()
			b.log.Info().Msg("Autoplay blocked, will retry when the element is ready")
			return err
		}
		return fmt.Errorf("play: %w", err)
	}
	return nil
}

// Pause pauses playback.
func (b *Binder) Pause(ctx context.Context) error {
	element, _, err := b.loaded()
	if err != nil {
		return err
	}
	if err := element.Pause(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

// Stop halts playback, records the final position, announces the stop,
// and clears the current session pointer.
func (b *Binder) Stop(ctx context.Context) error {
	element, mediaKey, err := b.loaded()
	if err != nil {
		return err
	}
	position := element.Position()

	b.mu.Lock()
	b.suppressPause = true
	b.mu.Unlock()
	if err := element.Pause(); err != nil {
		b.mu.Lock()
		b.suppressPause = false
		b.mu.Unlock()
		return fmt.Errorf("stop: %w", err)
	}

	b.store.Upsert(session.PosState(mediaKey, position, session.StateStopped))
	b.sender.SendStopEvent(ctx, mediaKey, position)
	b.store.ClearCurrent()
	metrics.PlaybackEvents.WithLabelValues("stop").Inc()

	b.mu.Lock()
	b.state.Playing = false
	b.state.Position = position
	b.mu.Unlock()
	return nil
}

// Seek jumps to position and relays it immediately.
func (b *Binder) Seek(ctx context.Context, position int64) error {
	element, mediaKey, err := b.loaded()
	if err != nil {
		return err
	}
	if err := element.Seek(position); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	clamped := element.Position()
	b.store.Upsert(session.Pos(mediaKey, clamped))
	b.sender.UpdatePosition(ctx, mediaKey, clamped)
	return nil
}

// SeekForward skips ahead by ten seconds.
func (b *Binder) SeekForward(ctx context.Context) error {
	element, _, err := b.loaded()
	if err != nil {
		return err
	}
	return b.Seek(ctx, element.Position()+seekStep)
}

// SeekBackward skips back by ten seconds.
func (b *Binder) SeekBackward(ctx context.Context) error {
	element, _, err := b.loaded()
	if err != nil {
		return err
	}
	return b.Seek(ctx, element.Position()-seekStep)
}

// TogglePlayPause flips between playing and paused.
func (b *Binder) TogglePlayPause(ctx context.Context) error {
	b.mu.Lock()
	playing := b.state.Playing
	b.mu.Unlock()
	if playing {
		return b.Pause(ctx)
	}
	return b.Play(ctx)
}

// SetVolume sets the element volume, clamped to [0, 1].
func (b *Binder) SetVolume(volume float64) error {
	b.mu.Lock()
	element := b.element
	b.mu.Unlock()
	if element == nil {
		return ErrNoElement
	}
	return element.SetVolume(volume)
}

// ToggleMute flips the mute flag.
func (b *Binder) ToggleMute() error {
	b.mu.Lock()
	element := b.element
	muted := b.state.Muted
	b.mu.Unlock()
	if element == nil {
		return ErrNoElement
	}
	return element.SetMuted(!muted)
}

// State returns a snapshot of the player.
func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Binder) progressTick(ctx context.Context) {
	b.mu.Lock()
	element := b.element
	mediaKey := b.state.MediaKey
	playing := b.state.Playing
	b.mu.Unlock()
	if element == nil || mediaKey == "" || !playing {
		return
	}

	position := element.Position()
	b.mu.Lock()
	b.state.Position = position
	syncDue := b.lastSync.IsZero() || b.now().Sub(b.lastSync) >= b.cfg.SyncInterval
	if syncDue {
		b.lastSync = b.now()
	}
	b.mu.Unlock()

	b.store.Upsert(session.Pos(mediaKey, position))
	if syncDue {
		b.sender.UpdatePosition(ctx, mediaKey, position)
	}
}

func (b *Binder) applyRemote(ctx context.Context, cmd session.RemoteCommand) {
	b.mu.Lock()
	element := b.element
	mediaKey := b.state.MediaKey
	b.mu.Unlock()
	if element == nil || mediaKey == "" || cmd.MediaKey != mediaKey {
		// Commands for media we are not showing only touch the store.
		return
	}

	switch cmd.Action {
	case session.RemotePlay:
		drift := element.Position() - cmd.Position
		if drift < 0 {
			drift = -drift
		}
		if drift > remoteDriftThreshold {
			element.Seek(cmd.Position)
		}
		b.mu.Lock()
		b.suppressPlay = true
		b.mu.Unlock()
		if err := element.Play(); err != nil {
			b.mu.Lock()
			b.suppressPlay = false
			b.mu.Unlock()
			b.log.Warn().Err(err).Msg("Failed to apply remote play")
		}

	case session.RemotePause:
		element.Seek(cmd.Position)
		b.mu.Lock()
		b.suppressPause = true
		b.mu.Unlock()
		if err := element.Pause(); err != nil {
			b.mu.Lock()
			b.suppressPause = false
			b.mu.Unlock()
			b.log.Warn().Err(err).Msg("Failed to apply remote pause")
		}

	case session.RemoteSeek:
		if err := element.Seek(cmd.Position); err != nil {
			b.log.Warn().Err(err).Msg("Failed to apply remote seek")
		}

	case session.RemoteStop:
		b.mu.Lock()
		b.suppressPause = true
		b.mu.Unlock()
		if err := element.Pause(); err != nil {
			b.mu.Lock()
			b.suppressPause = false
			b.mu.Unlock()
			b.log.Warn().Err(err).Msg("Failed to apply remote stop")
		}
		b.mu.Lock()
		b.state.Playing = false
		b.mu.Unlock()
	}
}

func (b *Binder) handleEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventPlay:
		b.mu.Lock()
		b.state.Playing = true
		b.state.Buffering = false
		b.state.Position = ev.Position
		b.state.PendingInteraction = false
		b.state.Error = ""
		b.pendingPlay = false
		suppress := b.suppressPlay
		b.suppressPlay = false
		mediaKey := b.state.MediaKey
		b.mu.Unlock()
		if mediaKey == "" {
			return
		}
		// A suppressed transition was already recorded by whoever
		// triggered it (remote handler or Stop); only organic ones
		// touch the store and the wire.
		if !suppress {
			b.store.Upsert(session.PosState(mediaKey, ev.Position, session.StatePlaying))
			b.sender.SendPlayEvent(ctx, mediaKey, ev.Position)
		}
		metrics.PlaybackEvents.WithLabelValues("play").Inc()

	case EventPause:
		b.mu.Lock()
		b.state.Playing = false
		b.state.Position = ev.Position
		suppress := b.suppressPause
		b.suppressPause = false
		mediaKey := b.state.MediaKey
		duration := ev.Duration
		if duration == 0 {
			duration = b.state.Duration
		}
		b.mu.Unlock()
		if mediaKey == "" {
			return
		}

		if duration > 0 && duration-ev.Position <= endedThreshold.Milliseconds() {
			// The element paused itself at the end of the stream.
			b.finishPlayback(ctx, mediaKey, duration, suppress)
			return
		}
		if !suppress {
			b.store.Upsert(session.PosState(mediaKey, ev.Position, session.StatePaused))
			b.sender.SendPauseEvent(ctx, mediaKey, ev.Position)
		}
		metrics.PlaybackEvents.WithLabelValues("pause").Inc()

	case EventEnded:
		b.mu.Lock()
		b.state.Playing = false
		b.state.Position = ev.Position
		mediaKey := b.state.MediaKey
		b.mu.Unlock()
		if mediaKey == "" {
			return
		}
		position := ev.Duration
		if position == 0 {
			position = ev.Position
		}
		b.finishPlayback(ctx, mediaKey, position, false)

	case EventTimeUpdate:
		b.mu.Lock()
		b.state.Position = ev.Position
		if ev.Duration > 0 {
			b.state.Duration = ev.Duration
		}
		b.mu.Unlock()

	case EventDurationChange:
		b.mu.Lock()
		b.state.Duration = ev.Duration
		mediaKey := b.state.MediaKey
		b.mu.Unlock()
		if mediaKey == "" || ev.Duration <= 0 {
			return
		}
		duration := ev.Duration
		b.store.Upsert(session.Update{MediaKey: mediaKey, Duration: &duration})

	case EventWaiting:
		b.mu.Lock()
		b.state.Buffering = true
		b.mu.Unlock()
		metrics.PlaybackEvents.WithLabelValues("buffering").Inc()

	case EventCanPlay:
		b.mu.Lock()
		b.state.Buffering = false
		retry := b.pendingPlay
		element := b.element
		b.mu.Unlock()
		if retry && element != nil {
			if err := element.Play(); err == nil {
				b.mu.Lock()
				b.pendingPlay = false
				b.state.PendingInteraction = false
				b.mu.Unlock()
			}
		}

	case EventError:
		me := Categorize(ev.Err)
		b.mu.Lock()
		b.state.Playing = false
		b.state.Buffering = false
		b.state.Error = UserMessage(me.Code)
		mediaKey := b.state.MediaKey
		b.mu.Unlock()
		b.log.Error().Err(me).Str("media_key", mediaKey).Msg("Playback error")
		metrics.PlaybackEvents.WithLabelValues("error").Inc()
		if mediaKey != "" {
			b.store.Upsert(session.PosState(mediaKey, ev.Position, session.StateStopped))
		}

	case EventVolumeChange:
		b.mu.Lock()
		b.state.Volume = ev.Volume
		b.state.Muted = ev.Muted
		b.mu.Unlock()
	}
}

// finishPlayback records the end of the stream: final position, stopped
// state, and a stop announcement unless the transition was remote.
func (b *Binder) finishPlayback(ctx context.Context, mediaKey string, position int64, suppress bool) {
	b.store.Upsert(session.PosState(mediaKey, position, session.StateStopped))
	if !suppress {
		b.sender.SendStopEvent(ctx, mediaKey, position)
	}
	metrics.PlaybackEvents.WithLabelValues("ended").Inc()
	b.log.Info().Str("media_key", mediaKey).Msg("Playback finished")
}
