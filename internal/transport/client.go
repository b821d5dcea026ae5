// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

// Package transport maintains the realtime channel to the sync server:
// a WebSocket client with exponential-backoff reconnects, and an HTTP
// polling fallback the client downgrades to once the reconnect budget
// is exhausted.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/syncstream/syncstream/internal/metrics"
	"github.com/syncstream/syncstream/internal/protocol"
	"github.com/syncstream/syncstream/internal/session"
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const writeTimeout = 10 * time.Second

// Config holds the transport client's tunables.
type Config struct {
	// ServerURL is the HTTP(S) base of the sync server. The WebSocket
	// endpoint is derived by swapping the scheme and appending /ws.
	ServerURL string

	// Token authenticates both the handshake and fallback requests.
	Token string

	// ClientID identifies this client in outbound events and is used to
	// suppress its own echoed events.
	ClientID string

	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration

	// GraceDelay is how long to wait after the socket opens before
	// requesting the session snapshot.
	GraceDelay time.Duration

	PollInterval time.Duration
	HTTPTimeout  time.Duration

	// OutboundRate caps position updates per second. Zero disables it.
	OutboundRate float64
}

// Status is a point-in-time view of the connection, for the control API.
type Status struct {
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Fallback bool   `json:"fallback"`
}

// Client is the sync transport. All methods are safe for concurrent use.
//
// Sends are at-most-once: when the channel is not connected the message
// is dropped, logged, and a connection attempt is triggered; nothing is
// queued. Session state is self-healing through snapshots and periodic
// position updates, so losing an individual event is acceptable where a
// stale queued one is not.
type Client struct {
	cfg     Config
	store   *session.Store
	api     *API
	poller  *Poller
	log     zerolog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu             sync.Mutex
	conn           *websocket.Conn
	state          ConnState
	attempts       int
	fallback       bool
	closing        bool
	reconnectTimer *time.Timer

	// writeMu serializes writes; gorilla connections do not support
	// concurrent writers.
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewClient returns a disconnected client. Connect or Serve starts it.
func NewClient(cfg Config, store *session.Store, log zerolog.Logger) *Client {
	api := NewAPI(cfg.ServerURL, cfg.Token, cfg.ClientID, cfg.HTTPTimeout, log)
	c := &Client{
		cfg:    cfg,
		store:  store,
		api:    api,
		poller: NewPoller(api, store, cfg.PollInterval, log),
		log:    log.With().Str("component", "sync-transport").Logger(),
		now:    time.Now,
	}
	if cfg.OutboundRate > 0 {
		burst := int(cfg.OutboundRate)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.OutboundRate), burst)
	}
	return c
}

// API exposes the HTTP client for direct per-media session access.
func (c *Client) API() *API {
	return c.api
}

// Serve implements suture.Service: connect, then hold the connection
// (including reconnects and fallback) until the context is canceled.
func (c *Client) Serve(ctx context.Context) error {
	c.Connect(ctx)
	<-ctx.Done()
	c.Close()
	return ctx.Err()
}

func (c *Client) String() string {
	return "sync-transport"
}

// Connect establishes the WebSocket connection. No-op when already
// connected or closing; in fallback mode it starts the poller instead.
// Failures never propagate, they feed the reconnect schedule.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closing || c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	if c.fallback {
		c.mu.Unlock()
		c.poller.Start(ctx)
		return
	}
	if err := checkToken(c.cfg.Token, c.now()); err != nil {
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("Cannot connect to sync server")
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()
	metrics.ConnectionState.Set(metrics.StateConnecting)

	wsURL, err := websocketURL(c.cfg.ServerURL, c.cfg.ClientID, c.cfg.Token)
	if err != nil {
		c.log.Error().Err(err).Msg("Invalid sync server URL")
		c.setDisconnected()
		c.scheduleReconnect(ctx)
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		c.log.Warn().Err(err).Int("status", status).Msg("Sync server connection failed")
		c.setDisconnected()
		c.scheduleReconnect(ctx)
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()
	metrics.ConnectionState.Set(metrics.StateConnected)
	c.log.Info().Msg("Connected to sync server")

	c.wg.Add(1)
	go c.readLoop(ctx, conn)

	c.Send(ctx, protocol.TypePing, protocol.NewPing(c.now()))

	// Snapshot after a short grace delay; the server may still be
	// registering the client when the socket opens.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTimer(c.cfg.GraceDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			c.Send(ctx, protocol.TypeGetSessions, struct{}{})
		}
	}()
}

// websocketURL derives the connect URL from the HTTP base:
// scheme swapped to ws(s), path /ws, clientId and token as query params.
func websocketURL(serverURL, clientID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	q := url.Values{}
	q.Set("clientId", clientID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	metrics.ConnectionState.Set(metrics.StateDisconnected)
}

// markDisconnected clears state only if conn is still the active
// connection, so a stale read loop cannot clobber a newer connection.
func (c *Client) markDisconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	metrics.ConnectionState.Set(metrics.StateDisconnected)
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosing() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseAbnormalClosure) {
				// 1006 means the TCP stream died without a close frame.
				// Usually a proxy idle timeout or a server crash. It gets
				// the same treatment as every other closure: backoff and
				// reconnect.
				c.log.Warn().Err(err).Msg("Sync connection dropped without close frame (1006), likely a proxy timeout or server crash")
			} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info().Msg("Sync server closed the connection")
			} else {
				c.log.Warn().Err(err).Msg("Sync connection lost")
			}
			c.markDisconnected(conn)
			c.scheduleReconnect(ctx)
			return
		}
		c.handleMessage(ctx, data)
	}
}

func (c *Client) handleMessage(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		reason := "payload"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown_type"
		}
		metrics.ProtocolErrors.WithLabelValues(reason).Inc()
		c.log.Warn().Err(err).Msg("Dropping sync message")
		return
	}
	metrics.MessagesTotal.WithLabelValues(msg.Type, "in").Inc()

	switch msg.Type {
	case protocol.TypeAuthSuccess:
		c.log.Debug().Msg("Authenticated with sync server")
		c.Send(ctx, protocol.TypeGetSessions, struct{}{})

	case protocol.TypeAuthError:
		c.log.Error().Msg("Sync server rejected credentials, forcing reconnect")
		c.dropConnection()
		c.scheduleReconnect(ctx)

	case protocol.TypeSessions:
		c.store.ImportRemote(msg.Sessions)

	case protocol.TypePlayEvent, protocol.TypePauseEvent, protocol.TypeStopEvent, protocol.TypePositionUpdate:
		if msg.Event.ClientID == c.cfg.ClientID {
			// Our own event echoed back.
			return
		}
		switch msg.Type {
		case protocol.TypePlayEvent:
			c.store.HandleRemotePlay(msg.Event.MediaKey, msg.Event.Position)
		case protocol.TypePauseEvent:
			c.store.HandleRemotePause(msg.Event.MediaKey, msg.Event.Position)
		case protocol.TypeStopEvent:
			c.store.HandleRemoteStop(msg.Event.MediaKey, msg.Event.Position)
		case protocol.TypePositionUpdate:
			c.store.HandleRemotePosition(msg.Event.MediaKey, msg.Event.Position)
		}
	}
}

// dropConnection force-closes the active connection without entering
// the closing state.
func (c *Client) dropConnection() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	metrics.ConnectionState.Set(metrics.StateDisconnected)
}

// backoffDelay grows the reconnect delay by a factor of 1.5 per attempt,
// capped at max.
func backoffDelay(base time.Duration, attempts int, max time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempts)))
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func (c *Client) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closing || c.fallback {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.fallback = true
		c.mu.Unlock()
		c.log.Error().Int("attempts", c.cfg.MaxAttempts).Msg("Reconnect budget exhausted, downgrading to HTTP polling")
		metrics.FallbackMode.Set(1)
		c.poller.Start(ctx)
		return
	}
	delay := backoffDelay(c.cfg.BaseDelay, c.attempts, c.cfg.MaxDelay)
	c.attempts++
	attempt := c.attempts
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() { c.Connect(ctx) })
	c.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling sync reconnect")
}

// Send transmits one message. When not connected the message is dropped
// and a connection attempt is triggered instead; there is no queue.
// A transmission error forces a disconnect and a scheduled reconnect.
func (c *Client) Send(ctx context.Context, msgType string, payload interface{}) {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		metrics.MessagesDropped.Inc()
		c.log.Warn().Str("type", msgType).Msg("Not connected, dropping sync message")
		go c.Connect(ctx)
		return
	}

	if msgType == protocol.TypeUpdatePosition && c.limiter != nil && !c.limiter.Allow() {
		// Position updates are periodic; shedding one under pressure
		// loses nothing the next tick will not resend.
		metrics.MessagesDropped.Inc()
		return
	}

	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", msgType).Msg("Failed to encode sync message")
		return
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(c.now().Add(writeTimeout))
	werr := conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if werr != nil {
		c.log.Warn().Err(werr).Str("type", msgType).Msg("Sync send failed, reconnecting")
		c.markDisconnected(conn)
		conn.Close()
		c.scheduleReconnect(ctx)
		return
	}
	metrics.MessagesTotal.WithLabelValues(msgType, "out").Inc()
}

func (c *Client) event(mediaKey string, position int64) protocol.PlaybackEvent {
	return protocol.PlaybackEvent{MediaKey: mediaKey, Position: position, ClientID: c.cfg.ClientID}
}

// SendPlayEvent announces that playback started at position.
func (c *Client) SendPlayEvent(ctx context.Context, mediaKey string, position int64) {
	if c.InFallback() {
		c.poller.PushEvent(ctx, mediaKey, position, session.StatePlaying)
		return
	}
	c.Send(ctx, protocol.TypePlay, c.event(mediaKey, position))
}

// SendPauseEvent announces that playback paused at position.
func (c *Client) SendPauseEvent(ctx context.Context, mediaKey string, position int64) {
	if c.InFallback() {
		c.poller.PushEvent(ctx, mediaKey, position, session.StatePaused)
		return
	}
	c.Send(ctx, protocol.TypePause, c.event(mediaKey, position))
}

// SendStopEvent announces that playback stopped at position.
func (c *Client) SendStopEvent(ctx context.Context, mediaKey string, position int64) {
	if c.InFallback() {
		c.poller.PushEvent(ctx, mediaKey, position, session.StateStopped)
		return
	}
	c.Send(ctx, protocol.TypeStop, c.event(mediaKey, position))
}

// UpdatePosition relays the current playback position to other clients.
func (c *Client) UpdatePosition(ctx context.Context, mediaKey string, position int64) {
	if c.InFallback() {
		c.poller.PushEvent(ctx, mediaKey, position, session.StatePlaying)
		return
	}
	c.Send(ctx, protocol.TypeUpdatePosition, c.event(mediaKey, position))
}

// RequestSessions asks the server for the full session snapshot.
func (c *Client) RequestSessions(ctx context.Context) {
	c.Send(ctx, protocol.TypeGetSessions, struct{}{})
}

// Reconnect force-closes any current connection, resets the attempt
// counter, leaves fallback mode, and connects again. This is the only
// way out of fallback mode.
func (c *Client) Reconnect(ctx context.Context) {
	c.log.Info().Msg("Forcing sync reconnect")
	c.mu.Lock()
	c.attempts = 0
	c.fallback = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.poller.Stop()
	metrics.FallbackMode.Set(0)
	metrics.ConnectionState.Set(metrics.StateDisconnected)
	c.Connect(ctx)
}

// Status returns a snapshot of the connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:    c.state.String(),
		Attempts: c.attempts,
		Fallback: c.fallback,
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFallback reports whether the client has downgraded to HTTP polling.
func (c *Client) InFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback
}

// Close shuts the client down for good: cancels pending reconnects,
// sends a close frame, stops the poller, and waits for the read loop.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.poller.Stop()
	c.wg.Wait()
	metrics.ConnectionState.Set(metrics.StateDisconnected)
}
