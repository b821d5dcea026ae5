// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package control

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/syncstream/syncstream/internal/logging"
	"github.com/syncstream/syncstream/internal/player"
	"github.com/syncstream/syncstream/internal/session"
	"github.com/syncstream/syncstream/internal/transport"
)

type fakePlayer struct {
	mu    sync.Mutex
	state player.State
	calls []string
	err   error
}

func (f *fakePlayer) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakePlayer) State() player.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePlayer) LoadMedia(_ context.Context, mediaKey, title, subtitle, streamURL string) error {
	f.mu.Lock()
	f.state.MediaKey = mediaKey
	f.state.Loaded = true
	f.mu.Unlock()
	return f.record("load")
}

func (f *fakePlayer) Play(context.Context) error         { return f.record("play") }
func (f *fakePlayer) Pause(context.Context) error        { return f.record("pause") }
func (f *fakePlayer) Stop(context.Context) error         { return f.record("stop") }
func (f *fakePlayer) Seek(_ context.Context, p int64) error {
	f.mu.Lock()
	f.state.Position = p
	f.mu.Unlock()
	return f.record("seek")
}
func (f *fakePlayer) SeekForward(context.Context) error     { return f.record("seek-forward") }
func (f *fakePlayer) SeekBackward(context.Context) error    { return f.record("seek-backward") }
func (f *fakePlayer) TogglePlayPause(context.Context) error { return f.record("toggle") }
func (f *fakePlayer) SetVolume(v float64) error {
	f.mu.Lock()
	f.state.Volume = v
	f.mu.Unlock()
	return f.record("volume")
}
func (f *fakePlayer) ToggleMute() error { return f.record("mute") }

func (f *fakePlayer) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

type fakeConnection struct {
	mu          sync.Mutex
	status      transport.Status
	reconnected bool
}

func (f *fakeConnection) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConnection) Reconnect(context.Context) {
	f.mu.Lock()
	f.reconnected = true
	f.mu.Unlock()
}

func testServer(t *testing.T) (*httptest.Server, *fakePlayer, *fakeConnection, *session.Store) {
	t.Helper()
	store := session.NewStore(nil)
	t.Cleanup(func() { store.Close() })

	p := &fakePlayer{state: player.State{Volume: 1.0}}
	conn := &fakeConnection{status: transport.Status{State: "connected"}}
	s := NewServer(Config{
		Host:            "127.0.0.1",
		Port:            0,
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
	}, store, p, conn, logging.Logger())

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, p, conn, store
}

func get(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func post(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := testServer(t)
	var body map[string]string
	if code := get(t, srv.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	srv, _, _, store := testServer(t)
	store.Upsert(session.PosState("movie-1", 1000, session.StatePaused))
	store.Upsert(session.PosState("movie-2", 2000, session.StatePlaying))

	var sessions []session.Session
	if code := get(t, srv.URL+"/api/sessions", &sessions); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(sessions) != 2 || sessions[0].MediaKey != "movie-1" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestCurrentSessionEndpoint(t *testing.T) {
	srv, _, _, store := testServer(t)

	if code := get(t, srv.URL+"/api/sessions/current", nil); code != http.StatusNotFound {
		t.Errorf("status without current = %d, want 404", code)
	}

	store.SetCurrent("movie-1")
	var current session.Session
	if code := get(t, srv.URL+"/api/sessions/current", &current); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if current.MediaKey != "movie-1" {
		t.Errorf("current = %+v", current)
	}
}

func TestLoadAndCommands(t *testing.T) {
	srv, p, _, _ := testServer(t)

	var state player.State
	code := post(t, srv.URL+"/api/player/load", loadRequest{
		MediaKey: "movie-1", Title: "A Movie", StreamURL: "http://stream/1",
	}, &state)
	if code != http.StatusOK {
		t.Fatalf("load status = %d", code)
	}
	if state.MediaKey != "movie-1" || !state.Loaded {
		t.Errorf("state = %+v", state)
	}

	for _, cmd := range []string{"play", "pause", "toggle", "stop"} {
		if code := post(t, srv.URL+"/api/player/"+cmd, nil, nil); code != http.StatusOK {
			t.Errorf("%s status = %d", cmd, code)
		}
		if !p.called(cmd) {
			t.Errorf("%s never reached the player", cmd)
		}
	}
}

func TestLoadRejectsMissingKey(t *testing.T) {
	srv, _, _, _ := testServer(t)
	if code := post(t, srv.URL+"/api/player/load", loadRequest{Title: "x"}, nil); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestSeekEndpoint(t *testing.T) {
	srv, p, _, _ := testServer(t)

	var state player.State
	if code := post(t, srv.URL+"/api/player/seek", seekRequest{Position: 42000}, &state); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if state.Position != 42000 {
		t.Errorf("position = %d", state.Position)
	}
	if !p.called("seek") {
		t.Error("seek never reached the player")
	}
}

func TestVolumeEndpoint(t *testing.T) {
	srv, _, _, _ := testServer(t)
	var state player.State
	if code := post(t, srv.URL+"/api/player/volume", volumeRequest{Volume: 0.5}, &state); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if state.Volume != 0.5 {
		t.Errorf("volume = %f", state.Volume)
	}
}

func TestCommandErrorSurfaces(t *testing.T) {
	srv, p, _, _ := testServer(t)
	p.mu.Lock()
	p.err = player.ErrNoMedia
	p.mu.Unlock()

	if code := post(t, srv.URL+"/api/player/play", nil, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", code)
	}
}

func TestAutoplayBlockedReportsAccepted(t *testing.T) {
	srv, p, _, _ := testServer(t)
	p.mu.Lock()
	p.err = player.ErrAutoplayBlocked
	p.mu.Unlock()

	if code := post(t, srv.URL+"/api/player/play", nil, nil); code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", code)
	}
}

func TestConnectionEndpoints(t *testing.T) {
	srv, _, conn, _ := testServer(t)

	var status transport.Status
	if code := get(t, srv.URL+"/api/connection", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.State != "connected" {
		t.Errorf("state = %q", status.State)
	}

	if code := post(t, srv.URL+"/api/connection/reconnect", nil, nil); code != http.StatusAccepted {
		t.Errorf("reconnect status = %d, want 202", code)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		done := conn.reconnected
		conn.mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("reconnect never reached the transport")
}

func TestRateLimit(t *testing.T) {
	store := session.NewStore(nil)
	defer store.Close()
	s := NewServer(Config{
		Host:            "127.0.0.1",
		Port:            0,
		RateLimitReqs:   2,
		RateLimitWindow: time.Minute,
	}, store, &fakePlayer{}, &fakeConnection{}, logging.Logger())

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	get(t, srv.URL+"/healthz", nil)
	get(t, srv.URL+"/healthz", nil)
	if code := get(t, srv.URL+"/healthz", nil); code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", code)
	}
}
