// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned when a token is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// LocalUser is the identity granted by NopAuthProvider.
const LocalUser = "local-user"

// AuthInfo is the identity behind a validated token.
type AuthInfo struct {
	// UserID is never empty.
	UserID string

	Roles []string
}

// HasRole reports whether the identity carries role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate returns the identity for token, or an error wrapping
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every token, including none, as LocalUser.
type NopAuthProvider struct{}

// Validate implements AuthProvider.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUser, Roles: []string{"admin"}}, nil
}

// StaticTokenProvider accepts a fixed set of tokens.
type StaticTokenProvider struct {
	tokens map[string]string
}

// NewStaticTokenProvider maps each token to a caller name.
//
// # Inputs
//
//   - tokens: Entries are "name:token" or a bare token. A bare token is
//     named by its position, e.g. "token-1".
//
// # Outputs
//
//   - error: When no usable token is given.
func NewStaticTokenProvider(tokens []string) (*StaticTokenProvider, error) {
	p := &StaticTokenProvider{tokens: make(map[string]string, len(tokens))}
	for i, entry := range tokens {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, token, ok := strings.Cut(entry, ":")
		if !ok {
			name, token = fmt.Sprintf("token-%d", i+1), entry
		}
		if token == "" {
			continue
		}
		p.tokens[token] = name
	}
	if len(p.tokens) == 0 {
		return nil, errors.New("static token provider: no tokens configured")
	}
	return p, nil
}

// Validate implements AuthProvider. Every configured token is compared in
// constant time.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	var user string
	for known, name := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			user = name
		}
	}
	if user == "" {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: user, Roles: []string{"publisher"}}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
