// SyncStream - Synchronized Media Playback
// Copyright 2026 SyncStream contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncstream/syncstream

package transport

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when no bearer token is configured.
	ErrNoToken = errors.New("transport: no auth token configured")
	// ErrTokenExpired is returned when a JWT token is already past
	// its exp claim, so the server would reject the handshake.
	ErrTokenExpired = errors.New("transport: auth token expired")
)

// checkToken performs a local pre-flight check of the configured
// token before dialing. JWT tokens with an expired exp claim are
// rejected without a round trip; opaque (non-JWT) tokens pass, since
// only the server can judge them. The signature is never verified
// here, that is the server's job.
func checkToken(token string, now time.Time) error {
	if token == "" {
		return ErrNoToken
	}

	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		// Not a JWT. Let the server decide.
		return nil
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(now) {
		return ErrTokenExpired
	}
	return nil
}
