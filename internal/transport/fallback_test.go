// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/syncstream/syncstream/internal/logging"
	"github.com/syncstream/syncstream/internal/session"
)

func TestPollerImportsSnapshot(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]session.Session{
			{MediaKey: "m1", Position: 5000, State: session.StatePlaying, LastUpdated: stamp},
		})
	}))
	defer srv.Close()

	store := session.NewStore(nil)
	defer store.Close()
	api := NewAPI(srv.URL, "tok", "c1", time.Second, logging.Logger())
	p := NewPoller(api, store, 10*time.Millisecond, logging.Logger())

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		s, ok := store.Get("m1")
		return ok && s.Position == 5000
	}, "snapshot never imported")
}

func TestPollerDeduplicatesUnchangedSnapshot(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var polls atomic.Int32
	var body atomic.Value
	old, _ := json.Marshal([]session.Session{
		{MediaKey: "m1", Position: 5000, State: session.StatePaused, LastUpdated: stamp},
	})
	body.Store(old)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		w.Write(body.Load().([]byte))
	}))
	defer srv.Close()

	store := session.NewStore(nil)
	defer store.Close()
	api := NewAPI(srv.URL, "tok", "c1", time.Second, logging.Logger())
	p := NewPoller(api, store, 10*time.Millisecond, logging.Logger())

	p.Start(context.Background())
	defer p.Stop()

	// Let the identical snapshot repeat a few times.
	waitFor(t, 2*time.Second, func() bool { return polls.Load() >= 3 }, "poller never polled")

	// A genuinely newer entry still gets through after unchanged polls.
	newer, _ := json.Marshal([]session.Session{
		{MediaKey: "m1", Position: 8000, State: session.StatePaused, LastUpdated: stamp.Add(time.Minute)},
	})
	body.Store(newer)

	waitFor(t, 2*time.Second, func() bool {
		s, ok := store.Get("m1")
		return ok && s.Position == 8000
	}, "newer snapshot entry never imported after dedup")
}

func TestPollerStopIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	store := session.NewStore(nil)
	defer store.Close()
	api := NewAPI(srv.URL, "tok", "c1", time.Second, logging.Logger())
	p := NewPoller(api, store, 10*time.Millisecond, logging.Logger())

	p.Start(context.Background())
	p.Stop()
	p.Stop()
	if p.Running() {
		t.Error("poller still running after Stop")
	}

	// Restartable after a stop.
	p.Start(context.Background())
	if !p.Running() {
		t.Error("poller did not restart")
	}
	p.Stop()
}

func TestPollerSurvivesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode([]session.Session{
			{MediaKey: "after-error", Position: 100, State: session.StatePaused, LastUpdated: time.Now()},
		})
	}))
	defer srv.Close()

	store := session.NewStore(nil)
	defer store.Close()
	api := NewAPI(srv.URL, "tok", "c1", time.Second, logging.Logger())
	p := NewPoller(api, store, 10*time.Millisecond, logging.Logger())

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.Get("after-error")
		return ok
	}, "poller never recovered from a server error")
}
