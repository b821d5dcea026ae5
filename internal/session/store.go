// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package session

import (
	"context"
	"time"

	stdsync "sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/syncstream/syncstream/internal/logging"
	"github.com/syncstream/syncstream/internal/metrics"
)

// Store owns all session data. The transport client and playback binder
// read and request mutations through it; neither mutates sessions directly.
//
// Every mutation is persisted best-effort: storage failures are logged and
// counted, never propagated to callers.
type Store struct {
	mu         stdsync.RWMutex
	sessions   map[string]*Session
	order      []string
	currentKey string
	current    *Session // copy; transient until the key is upserted

	bus       *gochannel.GoChannel
	persister Persister
	now       func() time.Time
}

// StoreOption customizes store construction.
type StoreOption func(*Store)

// WithClock replaces the store's time source. Tests use this to control
// LastUpdated stamping.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store, loading any previously persisted sessions.
// persister may be nil for a purely in-memory store.
func NewStore(persister Persister, opts ...StoreOption) *Store {
	s := &Store{
		sessions:  make(map[string]*Session),
		persister: persister,
		now:       time.Now,
		bus: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			logging.NewWatermillAdapter(),
		),
	}
	for _, opt := range opts {
		opt(s)
	}

	if persister != nil {
		saved, err := persister.LoadAll()
		if err != nil {
			logging.Err(err).Msg("failed to load saved sessions")
		} else {
			for i := range saved {
				sess := saved[i]
				sess.State = Coerce(string(sess.State))
				s.sessions[sess.MediaKey] = &sess
				s.order = append(s.order, sess.MediaKey)
			}
		}
	}
	metrics.SessionCount.Set(float64(len(s.sessions)))

	return s
}

// Close shuts the event bus down. Pending subscribers are released.
func (s *Store) Close() error {
	return s.bus.Close()
}

// Upsert merges a partial update into the session table, creating the
// session with zeroed defaults when absent. An update without a media key
// is a logged no-op. LastUpdated is always stamped.
func (s *Store) Upsert(u Update) {
	s.upsert(u, false)
}

func (s *Store) upsert(u Update, remote bool) {
	if u.MediaKey == "" {
		logging.Warn().Msg("session update dropped: no media key")
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[u.MediaKey]
	if !ok {
		sess = newSession(u.MediaKey, s.now())
		s.sessions[u.MediaKey] = sess
		s.order = append(s.order, u.MediaKey)
	}
	u.apply(sess)
	sess.LastUpdated = s.stamp(sess.LastUpdated)

	if s.currentKey == u.MediaKey {
		s.current = sess.clone()
	}
	snapshot := *sess.clone()
	count := len(s.sessions)
	s.mu.Unlock()

	source := "local"
	if remote {
		source = "remote"
	}
	metrics.SessionUpserts.WithLabelValues(source).Inc()
	metrics.SessionCount.Set(float64(count))

	s.persist()
	s.publish(TopicSessionUpdated, SessionEvent{Session: snapshot, Remote: remote})
}

// stamp returns now, never regressing below the previous timestamp. A
// clock step backwards must not break per-key monotonicity.
func (s *Store) stamp(prev time.Time) time.Time {
	now := s.now()
	if now.Before(prev) {
		return prev
	}
	return now
}

// SetCurrent marks the session for mediaKey as the one loaded in the
// player. When no session exists yet a transient zeroed session becomes
// current without entering the table; the first Upsert inserts it.
func (s *Store) SetCurrent(mediaKey string) {
	s.mu.Lock()
	s.currentKey = mediaKey
	if sess, ok := s.sessions[mediaKey]; ok {
		s.current = sess.clone()
	} else {
		s.current = newSession(mediaKey, s.now())
	}
	snapshot := s.current.clone()
	s.mu.Unlock()

	s.publish(TopicCurrentChanged, CurrentEvent{Session: snapshot})
}

// ClearCurrent unsets the current session pointer.
func (s *Store) ClearCurrent() {
	s.mu.Lock()
	s.currentKey = ""
	s.current = nil
	s.mu.Unlock()

	s.publish(TopicCurrentChanged, CurrentEvent{Session: nil})
}

// Current returns a copy of the current session, if any.
func (s *Store) Current() (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, false
	}
	return s.current.clone(), true
}

// Get returns a copy of the session for mediaKey, if present in the table.
func (s *Store) Get(mediaKey string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[mediaKey]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

// Sessions returns all sessions in insertion order.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.order))
	for _, key := range s.order {
		if sess, ok := s.sessions[key]; ok {
			out = append(out, *sess.clone())
		}
	}
	return out
}

// ImportRemote merges a server snapshot into the table. Unknown sessions
// are inserted; known ones are replaced only when the incoming LastUpdated
// is strictly newer. A newer local state is never regressed by an older
// remote one.
func (s *Store) ImportRemote(incoming []Session) {
	if len(incoming) == 0 {
		return
	}

	var changed []Session

	s.mu.Lock()
	for i := range incoming {
		remote := incoming[i]
		if remote.MediaKey == "" {
			continue
		}
		remote.State = Coerce(string(remote.State))

		existing, ok := s.sessions[remote.MediaKey]
		if !ok {
			ins := remote
			if ins.Metadata == nil {
				ins.Metadata = map[string]string{}
			}
			s.sessions[remote.MediaKey] = &ins
			s.order = append(s.order, remote.MediaKey)
			changed = append(changed, *ins.clone())
			continue
		}

		if !remote.LastUpdated.After(existing.LastUpdated) {
			continue
		}
		existing.Position = remote.Position
		if remote.Duration > 0 {
			existing.Duration = remote.Duration
		}
		existing.State = remote.State
		if remote.LastClient != "" {
			existing.LastClient = remote.LastClient
		}
		existing.LastUpdated = remote.LastUpdated

		if s.currentKey == existing.MediaKey {
			s.current = existing.clone()
		}
		changed = append(changed, *existing.clone())
	}
	count := len(s.sessions)
	s.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	metrics.SessionCount.Set(float64(count))
	for range changed {
		metrics.SessionUpserts.WithLabelValues("remote").Inc()
	}

	s.persist()
	for i := range changed {
		s.publish(TopicSessionUpdated, SessionEvent{Session: changed[i], Remote: true})
	}
}

// HandleRemotePosition records a position update from another client and
// asks the binder to seek.
func (s *Store) HandleRemotePosition(mediaKey string, position int64) {
	s.upsert(Pos(mediaKey, position), true)
	s.publish(TopicRemoteCommand, RemoteCommand{Action: RemoteSeek, MediaKey: mediaKey, Position: position})
}

// HandleRemotePlay records a play event from another client.
func (s *Store) HandleRemotePlay(mediaKey string, position int64) {
	s.upsert(PosState(mediaKey, position, StatePlaying), true)
	s.publish(TopicRemoteCommand, RemoteCommand{Action: RemotePlay, MediaKey: mediaKey, Position: position})
}

// HandleRemotePause records a pause event from another client.
func (s *Store) HandleRemotePause(mediaKey string, position int64) {
	s.upsert(PosState(mediaKey, position, StatePaused), true)
	s.publish(TopicRemoteCommand, RemoteCommand{Action: RemotePause, MediaKey: mediaKey, Position: position})
}

// HandleRemoteStop records a stop event from another client.
func (s *Store) HandleRemoteStop(mediaKey string, position int64) {
	s.upsert(PosState(mediaKey, position, StateStopped), true)
	s.publish(TopicRemoteCommand, RemoteCommand{Action: RemoteStop, MediaKey: mediaKey, Position: position})
}

// persist saves the full table best-effort. Failures are logged and
// counted, never returned.
func (s *Store) persist() {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveAll(s.Sessions()); err != nil {
		metrics.PersistErrors.Inc()
		logging.Err(err).Msg("failed to persist sessions")
	}
}

// publish serializes an event onto the bus. Failures are logged and the
// mutation stands; subscribers resync from the table.
func (s *Store) publish(topic string, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}
	if err := s.bus.Publish(topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		logging.Err(err).Str("topic", topic).Msg("failed to publish event")
	}
}

// SubscribeRemote delivers remote commands until ctx is canceled.
func (s *Store) SubscribeRemote(ctx context.Context) (<-chan RemoteCommand, error) {
	msgs, err := s.bus.Subscribe(ctx, TopicRemoteCommand)
	if err != nil {
		return nil, err
	}
	out := make(chan RemoteCommand, 16)
	go decodeLoop(msgs, out)
	return out, nil
}

// SubscribeSessions delivers table mutations until ctx is canceled.
func (s *Store) SubscribeSessions(ctx context.Context) (<-chan SessionEvent, error) {
	msgs, err := s.bus.Subscribe(ctx, TopicSessionUpdated)
	if err != nil {
		return nil, err
	}
	out := make(chan SessionEvent, 16)
	go decodeLoop(msgs, out)
	return out, nil
}

// SubscribeCurrent delivers current-session changes until ctx is canceled.
func (s *Store) SubscribeCurrent(ctx context.Context) (<-chan CurrentEvent, error) {
	msgs, err := s.bus.Subscribe(ctx, TopicCurrentChanged)
	if err != nil {
		return nil, err
	}
	out := make(chan CurrentEvent, 16)
	go decodeLoop(msgs, out)
	return out, nil
}

// decodeLoop decodes bus messages into typed events. Undecodable messages
// are acked and dropped; the producer is this process.
func decodeLoop[T any](msgs <-chan *message.Message, out chan<- T) {
	defer close(out)
	for msg := range msgs {
		var event T
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			logging.Err(err).Msg("failed to decode bus event")
			msg.Ack()
			continue
		}
		msg.Ack()
		out <- event
	}
}
