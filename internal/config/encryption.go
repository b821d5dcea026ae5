// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

// Token encryption for the locally persisted bearer token.
//
// The daemon keeps the sync server token in its local store so it can
// reconnect after a restart without re-authentication. The token is stored
// as AES-256-GCM ciphertext with a per-encryption random nonce; the key is
// derived from storage.encryption_secret using HKDF-SHA256.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// tokenEncryptionSalt binds derived keys to this use case.
	tokenEncryptionSalt = "syncstream-client-token"

	// tokenEncryptionInfo is the HKDF info parameter.
	tokenEncryptionInfo = "token-encryption-v1"

	aesKeySize   = 32
	gcmNonceSize = 12
)

var (
	// ErrEmptySecret is returned when an empty encryption secret is provided.
	ErrEmptySecret = errors.New("encryption secret cannot be empty")

	// ErrEmptyPlaintext is returned when attempting to encrypt empty data.
	ErrEmptyPlaintext = errors.New("plaintext cannot be empty")

	// ErrEmptyCiphertext is returned when attempting to decrypt empty data.
	ErrEmptyCiphertext = errors.New("ciphertext cannot be empty")

	// ErrDecryptionFailed is returned when the ciphertext or its
	// authentication tag is invalid.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or authentication tag")

	// ErrInvalidCiphertext is returned when the ciphertext encoding is invalid.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrCiphertextTooShort is returned when the ciphertext cannot contain a
	// nonce and tag.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// TokenEncryptor provides AES-256-GCM encryption for the stored bearer token.
type TokenEncryptor struct {
	cipher cipher.AEAD
}

// NewTokenEncryptor derives a 256-bit AES key from the secret using
// HKDF-SHA256 and returns an encryptor ready for use.
func NewTokenEncryptor(secret string) (*TokenEncryptor, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &TokenEncryptor{cipher: gcm}, nil
}

// Encrypt returns base64(nonce || ciphertext || tag) for the plaintext.
func (e *TokenEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.cipher.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (e *TokenEncryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", ErrEmptyCiphertext
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed: %s", ErrInvalidCiphertext, err.Error())
	}

	// Minimum length: nonce + at least 1 byte + tag.
	if len(data) < gcmNonceSize+1+e.cipher.Overhead() {
		return "", ErrCiphertextTooShort
	}

	nonce := data[:gcmNonceSize]
	plaintext, err := e.cipher.Open(nil, nonce, data[gcmNonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// MaskToken returns a masked rendering of a token for log output: the last
// 4 characters preceded by asterisks.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return "****..." + token[len(token)-4:]
}

// deriveKey derives a 256-bit AES key from the secret using HKDF-SHA256.
func deriveKey(secret string) ([]byte, error) {
	hkdfReader := hkdf.New(
		sha256.New,
		[]byte(secret),
		[]byte(tokenEncryptionSalt),
		[]byte(tokenEncryptionInfo),
	)

	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("failed to read HKDF output: %w", err)
	}
	return key, nil
}
