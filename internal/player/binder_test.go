// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package player

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/syncstream/syncstream/internal/logging"
	"github.com/syncstream/syncstream/internal/session"
)

// fakeElement is a scripted MediaElement. Operations succeed and emit
// the event a real element would.
type fakeElement struct {
	mu       sync.Mutex
	events   chan Event
	loaded   string
	position int64
	duration int64
	playing  bool
	volume   float64
	muted    bool
	seeks    []int64

	// playErr is returned by the next Play call, then cleared.
	playErr error
}

func newFakeElement() *fakeElement {
	return &fakeElement{events: make(chan Event, 64), volume: 1.0}
}

func (f *fakeElement) emitLocked(t EventType) {
	f.events <- Event{
		Type:     t,
		Position: f.position,
		Duration: f.duration,
		Volume:   f.volume,
		Muted:    f.muted,
	}
}

func (f *fakeElement) Load(streamURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = streamURL
	f.position = 0
	f.playing = false
	return nil
}

func (f *fakeElement) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		err := f.playErr
		f.playErr = nil
		return err
	}
	f.playing = true
	f.emitLocked(EventPlay)
	return nil
}

func (f *fakeElement) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	f.emitLocked(EventPause)
	return nil
}

func (f *fakeElement) Seek(position int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if position < 0 {
		position = 0
	}
	if f.duration > 0 && position > f.duration {
		position = f.duration
	}
	f.position = position
	f.seeks = append(f.seeks, position)
	f.emitLocked(EventTimeUpdate)
	return nil
}

func (f *fakeElement) Position() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *fakeElement) Duration() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

func (f *fakeElement) SetVolume(v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = v
	f.emitLocked(EventVolumeChange)
	return nil
}

func (f *fakeElement) SetMuted(m bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = m
	f.emitLocked(EventVolumeChange)
	return nil
}

func (f *fakeElement) Events() <-chan Event { return f.events }
func (f *fakeElement) Close() error        { close(f.events); return nil }

// push injects an element event directly, for transitions the element
// originates itself (ended, waiting, errors).
func (f *fakeElement) push(ev Event) {
	f.events <- ev
}

func (f *fakeElement) isPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakeElement) seekHistory() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.seeks))
	copy(out, f.seeks)
	return out
}

type senderCall struct {
	kind     string
	mediaKey string
	position int64
}

type fakeSender struct {
	mu    sync.Mutex
	calls []senderCall
}

func (s *fakeSender) record(kind, mediaKey string, position int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, senderCall{kind, mediaKey, position})
}

func (s *fakeSender) SendPlayEvent(_ context.Context, k string, p int64) {
	s.record("play", k, p)
}
func (s *fakeSender) SendPauseEvent(_ context.Context, k string, p int64) {
	s.record("pause", k, p)
}
func (s *fakeSender) SendStopEvent(_ context.Context, k string, p int64) {
	s.record("stop", k, p)
}
func (s *fakeSender) UpdatePosition(_ context.Context, k string, p int64) {
	s.record("position", k, p)
}

func (s *fakeSender) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func (s *fakeSender) last(kind string) (senderCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].kind == kind {
			return s.calls[i], true
		}
	}
	return senderCall{}, false
}

type fakeFetcher struct {
	session *session.Session
	err     error
}

func (f *fakeFetcher) GetSession(_ context.Context, mediaKey string) (*session.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testBinder(t *testing.T, fetch SessionFetcher) (*Binder, *fakeElement, *fakeSender, *session.Store) {
	t.Helper()
	store := session.NewStore(nil)
	t.Cleanup(func() { store.Close() })
	sender := &fakeSender{}
	b := NewBinder(store, sender, fetch, Config{
		UpdateRate:   10 * time.Millisecond,
		SyncInterval: 50 * time.Millisecond,
	}, logging.Logger())
	element := newFakeElement()
	b.Initialize(context.Background(), element)
	return b, element, sender, store
}

func TestLoadMediaResumesFromServer(t *testing.T) {
	fetch := &fakeFetcher{session: &session.Session{
		MediaKey: "movie-1", Position: 60000, State: session.StatePaused,
		LastUpdated: time.Now(),
	}}
	b, element, _, store := testBinder(t, fetch)

	if err := b.LoadMedia(context.Background(), "movie-1", "A Movie", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}

	seeks := element.seekHistory()
	if len(seeks) != 1 || seeks[0] != 60000 {
		t.Errorf("seeks = %v, want [60000]", seeks)
	}
	if cur, ok := store.Current(); !ok || cur.MediaKey != "movie-1" {
		t.Error("current session not set")
	}
}

func TestLoadMediaFallsBackToLocalStore(t *testing.T) {
	b, element, _, store := testBinder(t, &fakeFetcher{err: context.DeadlineExceeded})
	store.Upsert(session.Pos("movie-1", 30000))

	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}

	seeks := element.seekHistory()
	if len(seeks) != 1 || seeks[0] != 30000 {
		t.Errorf("seeks = %v, want [30000]", seeks)
	}
}

func TestLoadMediaRequiresKey(t *testing.T) {
	b, _, _, _ := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "", "", "", "http://stream/1"); err == nil {
		t.Error("expected error for empty media key")
	}
}

func TestPlayUpdatesStoreAndAnnounces(t *testing.T) {
	b, _, sender, store := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}

	if err := b.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return sender.count("play") == 1
	}, "play event never announced")

	s, ok := store.Get("movie-1")
	if !ok || s.State != session.StatePlaying {
		t.Errorf("store state = %+v, want playing", s)
	}
	if !b.State().Playing {
		t.Error("binder state not playing")
	}
}

func TestPauseNearEndBecomesEnded(t *testing.T) {
	b, element, sender, store := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}

	// The element pauses itself 200ms short of the end.
	element.push(Event{Type: EventPause, Position: 99800, Duration: 100000})

	waitFor(t, 2*time.Second, func() bool {
		return sender.count("stop") == 1
	}, "near-end pause never became a stop")

	if sender.count("pause") != 0 {
		t.Error("near-end pause also announced as pause")
	}
	s, _ := store.Get("movie-1")
	if s.State != session.StateStopped || s.Position != 100000 {
		t.Errorf("store session = %+v, want stopped at duration", s)
	}
}

func TestOrdinaryPauseStaysPause(t *testing.T) {
	b, element, sender, store := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}

	element.push(Event{Type: EventPause, Position: 50000, Duration: 100000})

	waitFor(t, 2*time.Second, func() bool {
		return sender.count("pause") == 1
	}, "pause never announced")

	s, _ := store.Get("movie-1")
	if s.State != session.StatePaused {
		t.Errorf("state = %s, want paused", s.State)
	}
}

func TestRemoteCommandAppliedWithoutReEmission(t *testing.T) {
	b, element, sender, store := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Serve(ctx)
	time.Sleep(20 * time.Millisecond) // let the subscription attach

	store.HandleRemotePlay("movie-1", 5000)

	waitFor(t, 2*time.Second, element.isPlaying, "remote play never reached the element")

	seeks := element.seekHistory()
	if len(seeks) == 0 || seeks[len(seeks)-1] != 5000 {
		t.Errorf("seeks = %v, want drift-correcting seek to 5000", seeks)
	}

	// The play the element now emits must not be announced back.
	time.Sleep(50 * time.Millisecond)
	if got := sender.count("play"); got != 0 {
		t.Errorf("remote play re-emitted %d times", got)
	}
}

func TestRemoteCommandForOtherMediaIgnored(t *testing.T) {
	b, element, _, store := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	store.HandleRemotePlay("some-other-movie", 5000)

	time.Sleep(50 * time.Millisecond)
	if element.isPlaying() {
		t.Error("remote command for other media drove the element")
	}
	// The store still records the foreign session.
	if _, ok := store.Get("some-other-movie"); !ok {
		t.Error("foreign session missing from store")
	}
}

func TestAutoplayBlockedRetriesOnCanPlay(t *testing.T) {
	b, element, _, _ := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}

	element.mu.Lock()
	element.playErr = ErrAutoplayBlocked
	element.mu.Unlock()

	if err := b.Play(context.Background()); err != ErrAutoplayBlocked {
		t.Fatalf("Play = %v, want ErrAutoplayBlocked", err)
	}
	if !b.State().PendingInteraction {
		t.Error("pending interaction not recorded")
	}

	element.push(Event{Type: EventCanPlay, Position: 0, Duration: 100000})

	waitFor(t, 2*time.Second, element.isPlaying, "blocked play never retried")
	waitFor(t, 2*time.Second, func() bool {
		return !b.State().PendingInteraction
	}, "pending interaction never cleared")
}

func TestStopRecordsPositionAndClearsCurrent(t *testing.T) {
	b, element, sender, store := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}
	element.mu.Lock()
	element.position = 42000
	element.duration = 100000
	element.mu.Unlock()

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	call, ok := sender.last("stop")
	if !ok || call.position != 42000 {
		t.Errorf("stop call = %+v, want position 42000", call)
	}
	if _, ok := store.Current(); ok {
		t.Error("current session survived stop")
	}
	s, _ := store.Get("movie-1")
	if s.State != session.StateStopped || s.Position != 42000 {
		t.Errorf("store session = %+v", s)
	}

	// The element's own pause event must not add a pause announcement.
	time.Sleep(50 * time.Millisecond)
	if sender.count("pause") != 0 {
		t.Error("stop also announced a pause")
	}
}

func TestProgressTickDecouplesLocalFromNetwork(t *testing.T) {
	b, _, sender, store := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Serve(ctx)

	if err := b.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}

	// ~15 local ticks but only ~3 network relays in 150ms.
	time.Sleep(150 * time.Millisecond)
	cancel()

	relays := sender.count("position")
	if relays < 1 || relays > 6 {
		t.Errorf("network relays = %d, want coarse cadence (1..6)", relays)
	}
	if _, ok := store.Get("movie-1"); !ok {
		t.Error("progress tick never refreshed the store")
	}
}

func TestSeekRelaysImmediately(t *testing.T) {
	b, element, sender, _ := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}
	element.mu.Lock()
	element.duration = 100000
	element.mu.Unlock()

	if err := b.Seek(context.Background(), 70000); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	call, ok := sender.last("position")
	if !ok || call.position != 70000 {
		t.Errorf("position relay = %+v, want 70000", call)
	}
}

func TestSeekForwardAndBackward(t *testing.T) {
	b, element, _, _ := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}
	element.mu.Lock()
	element.position = 50000
	element.duration = 100000
	element.mu.Unlock()

	if err := b.SeekForward(context.Background()); err != nil {
		t.Fatalf("SeekForward: %v", err)
	}
	if got := element.Position(); got != 60000 {
		t.Errorf("position after forward = %d, want 60000", got)
	}
	if err := b.SeekBackward(context.Background()); err != nil {
		t.Fatalf("SeekBackward: %v", err)
	}
	if got := element.Position(); got != 50000 {
		t.Errorf("position after backward = %d, want 50000", got)
	}
}

func TestPlaybackErrorCategorized(t *testing.T) {
	b, element, _, store := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}

	element.push(Event{
		Type:     EventError,
		Position: 10000,
		Err:      &MediaError{Code: ErrCodeNetwork, Msg: "stream reset"},
	})

	waitFor(t, 2*time.Second, func() bool {
		return b.State().Error != ""
	}, "error never surfaced")

	if got := b.State().Error; got != UserMessage(ErrCodeNetwork) {
		t.Errorf("error = %q", got)
	}
	s, _ := store.Get("movie-1")
	if s.State != session.StateStopped {
		t.Errorf("state after error = %s, want stopped", s.State)
	}
}

func TestOperationsWithoutElement(t *testing.T) {
	store := session.NewStore(nil)
	defer store.Close()
	b := NewBinder(store, &fakeSender{}, nil, Config{
		UpdateRate:   time.Second,
		SyncInterval: 10 * time.Second,
	}, logging.Logger())

	if err := b.Play(context.Background()); err != ErrNoElement {
		t.Errorf("Play = %v, want ErrNoElement", err)
	}
	if err := b.LoadMedia(context.Background(), "m", "", "", "u"); err != ErrNoElement {
		t.Errorf("LoadMedia = %v, want ErrNoElement", err)
	}
}

func TestOperationsWithoutMedia(t *testing.T) {
	b, _, _, _ := testBinder(t, nil)
	if err := b.Play(context.Background()); err != ErrNoMedia {
		t.Errorf("Play = %v, want ErrNoMedia", err)
	}
}

func TestRebindingStopsOldPump(t *testing.T) {
	b, oldElement, sender, _ := testBinder(t, nil)
	if err := b.LoadMedia(context.Background(), "movie-1", "", "", "http://stream/1"); err != nil {
		t.Fatalf("LoadMedia: %v", err)
	}

	replacement := newFakeElement()
	b.Initialize(context.Background(), replacement)
	time.Sleep(20 * time.Millisecond)

	// Events from the abandoned element must be ignored.
	oldElement.push(Event{Type: EventPause, Position: 1000, Duration: 100000})
	time.Sleep(50 * time.Millisecond)
	if sender.count("pause") != 0 {
		t.Error("event from abandoned element was processed")
	}
	// Media state was discarded with the old element.
	if b.State().Loaded {
		t.Error("loaded state survived rebinding")
	}
}
