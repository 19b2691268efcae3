// Package server hosts the dev-server HTTP surface: pages served out of the
// dependency-tracked cache, and the live-reload channel — a token handshake
// plus an authenticated websocket broadcast.
package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	hearth "github.com/hearth-dev/hearth/internal/errors"
)

// ErrAtCapacity is returned by Issue once the active-token bound is reached.
// High client churn makes this an expected steady-state condition, so it is
// a recoverable result rather than a failure of the notifier.
var ErrAtCapacity = &hearth.HearthError{
	Type:        hearth.ErrorTypeNetwork,
	Code:        hearth.ErrCodeTokenCapacity,
	Message:     "reload token store at capacity",
	Recoverable: true,
}

// ReloadToken is a time-limited credential authorizing one browser
// connection to receive live-reload broadcasts.
type ReloadToken struct {
	ID        string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenStore bounds the set of currently valid reload tokens. The bound is
// a hard resource requirement: abandoned browser tabs must not grow memory
// without limit. Expired tokens are purged opportunistically on issuance
// and on use; there is no background sweeper to wake an idle process.
type TokenStore struct {
	mutex     sync.Mutex
	tokens    map[string]ReloadToken
	ttl       time.Duration
	maxActive int

	// now is injectable for expiry tests.
	now func() time.Time
}

// NewTokenStore creates a token store with the given TTL and active bound.
func NewTokenStore(ttl time.Duration, maxActive int) *TokenStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxActive <= 0 {
		maxActive = 100
	}
	return &TokenStore{
		tokens:    make(map[string]ReloadToken),
		ttl:       ttl,
		maxActive: maxActive,
		now:       time.Now,
	}
}

// Issue creates a new token, refusing with ErrAtCapacity once the active
// set is full.
func (s *TokenStore) Issue() (ReloadToken, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.purgeLocked()

	if len(s.tokens) >= s.maxActive {
		return ReloadToken{}, ErrAtCapacity
	}

	id, err := newTokenID()
	if err != nil {
		return ReloadToken{}, hearth.NewInternalError(hearth.ErrCodeInternalFailure, "cannot generate token id", err)
	}

	now := s.now()
	token := ReloadToken{
		ID:        id,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.tokens[id] = token

	return token, nil
}

// Validate checks existence and non-expiry. An expired token is removed as
// a side effect of the check.
func (s *TokenStore) Validate(id string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return false
	}
	if s.now().After(token.ExpiresAt) {
		delete(s.tokens, id)
		return false
	}
	return true
}

// Revoke removes a token explicitly, such as on clean disconnect.
func (s *TokenStore) Revoke(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.tokens, id)
}

// ActiveCount returns the number of tokens currently held, expired ones
// included until the next purge touches them.
func (s *TokenStore) ActiveCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.tokens)
}

// purgeLocked drops expired tokens. Caller holds the lock. The set is
// bounded by maxActive, so a full scan here stays cheap.
func (s *TokenStore) purgeLocked() {
	now := s.now()
	for id, token := range s.tokens {
		if now.After(token.ExpiresAt) {
			delete(s.tokens, id)
		}
	}
}

func newTokenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
