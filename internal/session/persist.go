// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package session

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Key prefixes for badger storage.
const (
	sessionKeyPrefix = "session:"
	clientIDKey      = "client:id"
	tokenKey         = "auth:token"
)

// Persister stores the session table durably. Implementations must treat
// SaveAll as a full-table replacement for the sessions it covers.
type Persister interface {
	SaveAll(sessions []Session) error
	LoadAll() ([]Session, error)
}

// BadgerPersister persists sessions, the client identity, and the
// encrypted auth token in a badger database.
type BadgerPersister struct {
	db *badger.DB
}

// NewBadgerPersister wraps an open badger database.
func NewBadgerPersister(db *badger.DB) *BadgerPersister {
	return &BadgerPersister{db: db}
}

// SaveAll writes every session under its media key in one transaction.
func (p *BadgerPersister) SaveAll(sessions []Session) error {
	return p.db.Update(func(txn *badger.Txn) error {
		for i := range sessions {
			data, err := json.Marshal(&sessions[i])
			if err != nil {
				return fmt.Errorf("marshal session %q: %w", sessions[i].MediaKey, err)
			}
			key := []byte(sessionKeyPrefix + sessions[i].MediaKey)
			if err := txn.Set(key, data); err != nil {
				return fmt.Errorf("set session %q: %w", sessions[i].MediaKey, err)
			}
		}
		return nil
	})
}

// LoadAll reads every persisted session. Entries that fail to decode are
// skipped; one corrupt record must not lose the rest of the table.
func (p *BadgerPersister) LoadAll() ([]Session, error) {
	var sessions []Session

	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(sessionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sess Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			})
			if err != nil || sess.MediaKey == "" {
				continue
			}
			sessions = append(sessions, sess)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}

	return sessions, nil
}

// LoadOrCreateClientID returns the stable client identity for this device,
// generating and persisting a new UUID on first run.
func LoadOrCreateClientID(db *badger.DB) (string, error) {
	var id string

	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(clientIDKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("read client id: %w", err)
	}

	id = uuid.NewString()
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(clientIDKey), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("store client id: %w", err)
	}
	return id, nil
}

// TokenCodec encrypts and decrypts the stored bearer token.
// config.TokenEncryptor satisfies it.
type TokenCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SaveToken stores the bearer token encrypted at rest.
func SaveToken(db *badger.DB, codec TokenCodec, token string) error {
	ciphertext, err := codec.Encrypt(token)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tokenKey), []byte(ciphertext))
	})
}

// LoadToken retrieves and decrypts the stored bearer token. Returns an
// empty string without error when no token is stored.
func LoadToken(db *badger.DB, codec TokenCodec) (string, error) {
	var ciphertext string
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tokenKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			ciphertext = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}

	token, err := codec.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return token, nil
}
