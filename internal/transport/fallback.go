// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/syncstream/syncstream/internal/cache"
	"github.com/syncstream/syncstream/internal/metrics"
	"github.com/syncstream/syncstream/internal/session"
)

// Poller is the degraded HTTP transport. When the WebSocket reconnect
// budget is exhausted the client switches to polling the snapshot
// endpoint on a fixed interval and pushing outbound updates as one-shot
// requests. The switch is one-way; only an explicit Reconnect leaves
// fallback mode.
//
// The snapshot fetch runs behind a circuit breaker so a down server is
// probed, not hammered. Snapshot entries already imported are
// deduplicated by (mediaKey, lastUpdated) before hitting the store.
type Poller struct {
	api      *API
	store    *session.Store
	interval time.Duration
	log      zerolog.Logger
	breaker  *gobreaker.CircuitBreaker[[]session.Session]
	seen     *cache.LRU

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller returns a stopped poller. Start begins polling.
func NewPoller(api *API, store *session.Store, interval time.Duration, log zerolog.Logger) *Poller {
	p := &Poller{
		api:      api,
		store:    store,
		interval: interval,
		log:      log.With().Str("component", "fallback-poller").Logger(),
		seen:     cache.NewLRU(512, 10*time.Minute),
	}

	p.breaker = gobreaker.NewCircuitBreaker[[]session.Session](gobreaker.Settings{
		Name:        "fallback-snapshot",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Snapshot circuit breaker state changed")
		},
	})
	return p
}

// Start begins the polling loop. Idempotent while running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})
	stop := p.stopChan
	p.mu.Unlock()

	p.log.Info().Dur("interval", p.interval).Msg("Starting fallback snapshot polling")
	p.wg.Add(1)
	go p.run(ctx, stop)
}

// Stop halts polling and waits for the loop to exit. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()
	p.wg.Wait()
}

// Running reports whether the polling loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()

	// First poll immediately so the snapshot is not an interval away.
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	sessions, err := p.breaker.Execute(func() ([]session.Session, error) {
		return p.api.Snapshot(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.FallbackPolls.WithLabelValues("rejected").Inc()
			p.log.Debug().Msg("Snapshot poll skipped, circuit breaker open")
			return
		}
		metrics.FallbackPolls.WithLabelValues("error").Inc()
		p.log.Warn().Err(err).Msg("Snapshot poll failed")
		return
	}

	fresh := make([]session.Session, 0, len(sessions))
	for _, s := range sessions {
		key := fmt.Sprintf("%s@%d", s.MediaKey, s.LastUpdated.UnixMilli())
		if p.seen.Seen(key) {
			continue
		}
		fresh = append(fresh, s)
	}
	if len(fresh) == 0 {
		metrics.FallbackPolls.WithLabelValues("unchanged").Inc()
		return
	}

	p.store.ImportRemote(fresh)
	metrics.FallbackPolls.WithLabelValues("ok").Inc()
	p.log.Debug().Int("sessions", len(fresh)).Msg("Imported fallback snapshot")
}

// PushEvent sends one media key's position and state as a one-shot HTTP
// request. Failures are logged and dropped, mirroring the at-most-once
// send behavior of the realtime channel.
func (p *Poller) PushEvent(ctx context.Context, mediaKey string, position int64, state session.State) {
	if err := p.api.PostPosition(ctx, mediaKey, position, state); err != nil {
		p.log.Warn().Err(err).Str("media_key", mediaKey).Msg("Fallback position push failed")
	}
}
