// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/syncstream/syncstream/internal/session"
)

// ErrNotFound is returned when the server has no session for a media key.
var ErrNotFound = errors.New("transport: session not found")

// API is the HTTP side of the sync server: the snapshot endpoint used in
// fallback mode and the per-media session endpoints used to load and
// save positions directly.
type API struct {
	baseURL  string
	token    string
	clientID string
	http     *http.Client
	log      zerolog.Logger
}

// NewAPI returns a client for the sync server's REST endpoints. baseURL
// is the same HTTP(S) base the WebSocket URL is derived from.
func NewAPI(baseURL, token, clientID string, timeout time.Duration, log zerolog.Logger) *API {
	return &API{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		clientID: clientID,
		http:     &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "sync-api").Logger(),
	}
}

// normalizeMediaKey strips the leading slash from Plex-style hierarchical
// keys ("/library/metadata/123") so they embed cleanly in an endpoint path.
func normalizeMediaKey(mediaKey string) string {
	return strings.TrimPrefix(mediaKey, "/")
}

func (a *API) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

// Snapshot fetches the server's full continue-watching session list.
func (a *API) Snapshot(ctx context.Context) ([]session.Session, error) {
	resp, err := a.do(ctx, http.MethodGet, "/continue-watching", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot: unexpected status %d", resp.StatusCode)
	}

	var sessions []session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	return sessions, nil
}

// GetSession fetches the server's saved session for one media key.
// Returns ErrNotFound when the server has never seen the key.
func (a *API) GetSession(ctx context.Context, mediaKey string) (*session.Session, error) {
	endpoint := "/media/" + normalizeMediaKey(mediaKey) + "/position"
	resp, err := a.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("get session %s: unexpected status %d", mediaKey, resp.StatusCode)
	}

	var s session.Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("get session %s: decode: %w", mediaKey, err)
	}
	if s.MediaKey == "" {
		s.MediaKey = mediaKey
	}
	return &s, nil
}

type positionUpdate struct {
	Position int64         `json:"position"`
	State    session.State `json:"state"`
	ClientID string        `json:"clientId"`
}

// PostPosition writes one media key's position and state to the server.
// Used for direct saves and for one-shot updates in fallback mode.
func (a *API) PostPosition(ctx context.Context, mediaKey string, position int64, state session.State) error {
	body, err := json.Marshal(positionUpdate{
		Position: position,
		State:    session.Coerce(string(state)),
		ClientID: a.clientID,
	})
	if err != nil {
		return fmt.Errorf("post position %s: marshal: %w", mediaKey, err)
	}

	endpoint := "/media/" + normalizeMediaKey(mediaKey) + "/position"
	resp, err := a.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post position %s: unexpected status %d", mediaKey, resp.StatusCode)
	}
	return nil
}
