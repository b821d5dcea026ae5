// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

// Package control exposes the daemon's local HTTP API: session and
// player state, playback commands, connection status, health, and
// Prometheus metrics.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/syncstream/syncstream/internal/player"
	"github.com/syncstream/syncstream/internal/session"
	"github.com/syncstream/syncstream/internal/transport"
)

// Player is the playback surface the API drives.
type Player interface {
	State() player.State
	LoadMedia(ctx context.Context, mediaKey, title, subtitle, streamURL string) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, position int64) error
	SeekForward(ctx context.Context) error
	SeekBackward(ctx context.Context) error
	TogglePlayPause(ctx context.Context) error
	SetVolume(volume float64) error
	ToggleMute() error
}

// Connection is the transport surface the API reports and commands.
type Connection interface {
	Status() transport.Status
	Reconnect(ctx context.Context)
}

// Config holds the control server's listen and middleware settings.
type Config struct {
	Host            string
	Port            int
	CORSOrigins     []string
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// Server is the control API. Serve implements suture.Service.
type Server struct {
	cfg    Config
	store  *session.Store
	player Player
	conn   Connection
	log    zerolog.Logger
	srv    *http.Server
}

// NewServer wires the routes. Start listening with Serve.
func NewServer(cfg Config, store *session.Store, p Player, conn Connection, log zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		player: p,
		conn:   conn,
		log:    log.With().Str("component", "control-api").Logger(),
	}
	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed separately for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	if s.cfg.RateLimitReqs > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/current", s.handleCurrentSession)

		r.Route("/player", func(r chi.Router) {
			r.Get("/", s.handlePlayerState)
			r.Post("/load", s.handleLoad)
			r.Post("/play", s.command(s.player.Play))
			r.Post("/pause", s.command(s.player.Pause))
			r.Post("/stop", s.command(s.player.Stop))
			r.Post("/toggle", s.command(s.player.TogglePlayPause))
			r.Post("/seek", s.handleSeek)
			r.Post("/seek/forward", s.command(s.player.SeekForward))
			r.Post("/seek/backward", s.command(s.player.SeekBackward))
			r.Post("/volume", s.handleVolume)
			r.Post("/mute", s.handleMute)
		})

		r.Route("/connection", func(r chi.Router) {
			r.Get("/", s.handleConnectionStatus)
			r.Post("/reconnect", s.handleReconnect)
		})
	})
	return r
}

// Serve implements suture.Service: listen until the context is canceled,
// then drain with a short shutdown grace period.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("Control API listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("Control API shutdown failed")
		}
		return ctx.Err()
	}
}

func (s *Server) String() string {
	return "control-api"
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Sessions())
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	current, ok := s.store.Current()
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("no current session"))
		return
	}
	s.writeJSON(w, http.StatusOK, current)
}

func (s *Server) handlePlayerState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.player.State())
}

type loadRequest struct {
	MediaKey  string `json:"mediaKey"`
	Title     string `json:"title"`
	Subtitle  string `json:"subtitle"`
	StreamURL string `json:"streamUrl"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.MediaKey == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("mediaKey is required"))
		return
	}
	if err := s.player.LoadMedia(r.Context(), req.MediaKey, req.Title, req.Subtitle, req.StreamURL); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.player.State())
}

// command adapts the binder's no-argument operations to handlers.
func (s *Server) command(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, player.ErrAutoplayBlocked) {
				// Recorded and retried; tell the caller what happened.
				status = http.StatusAccepted
			}
			s.writeJSON(w, status, map[string]interface{}{
				"error": err.Error(),
				"state": s.player.State(),
			})
			return
		}
		s.writeJSON(w, http.StatusOK, s.player.State())
	}
}

type seekRequest struct {
	Position int64 `json:"position"`
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.player.Seek(r.Context(), req.Position); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.player.State())
}

type volumeRequest struct {
	Volume float64 `json:"volume"`
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.player.SetVolume(req.Volume); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.player.State())
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	if err := s.player.ToggleMute(); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.player.State())
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.conn.Status())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	// Reconnect dials synchronously; don't hold the request on it.
	go s.conn.Reconnect(context.WithoutCancel(r.Context()))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}
