// Package oauthstore is the keyed token source the Auth Resolver consults
// for accounts whose auth_value is the "oauth" sentinel. The authorization
// code flow itself is an external collaborator's job (§1); this package only
// models what the resolver needs: a token keyed by account email, or a
// round-robin pick when no email is specified.
package oauthstore

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is one stored OAuth credential.
type Token struct {
	AccountEmail string
	AccessToken  string
	// ExpiresAt is a Unix-millisecond timestamp. Zero means unknown expiry;
	// the store then tries to read an "exp" claim out of AccessToken itself.
	ExpiresAt int64
}

// ErrUnavailable is returned when no usable token can be found for a
// request; the Auth Resolver turns this into errs.OAuthUnavailable.
var ErrUnavailable = fmt.Errorf("oauthstore: no usable oauth token available")

// Store is the interface the Auth Resolver depends on. The in-memory
// implementation below is the reference; a real deployment might instead
// adapt a local credentials file or a secrets manager behind the same
// interface.
type Store interface {
	// ByEmail returns the token for a specific account, case-insensitive.
	ByEmail(email string) (Token, error)
	// Next round-robins across all stored tokens, for providers that don't
	// pin a specific account_email.
	Next() (Token, error)
}

// refreshMargin is how far ahead of expiry a token is treated as unusable,
// mirroring the teacher's NeedsRefresh margin, generalized to N accounts.
const refreshMargin = 5 * time.Minute

// MemoryStore is a concurrency-safe, read-mostly in-memory Store. Refreshing
// the underlying credential (via RefreshTokenDirectly-style flows, or a
// watched credentials file) happens through Put; MemoryStore itself never
// performs network I/O.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token // keyed by lowercased email, "" allowed for a single unnamed account
	order  []string         // insertion order, for round-robin and stable default
	cursor uint64           // atomic round-robin cursor
}

// NewMemoryStore returns an empty store ready for Put calls.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

// Put inserts or replaces the token for an account email (possibly "").
func (s *MemoryStore) Put(tok Token) {
	key := strings.ToLower(tok.AccountEmail)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[key]; !exists {
		s.order = append(s.order, key)
	}
	s.tokens[key] = tok
}

// Remove drops the token for an account email, e.g. on permanent auth failure.
func (s *MemoryStore) Remove(email string) {
	key := strings.ToLower(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[key]; !exists {
		return
	}
	delete(s.tokens, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ByEmail implements Store.
func (s *MemoryStore) ByEmail(email string) (Token, error) {
	key := strings.ToLower(email)
	s.mu.RLock()
	tok, ok := s.tokens[key]
	s.mu.RUnlock()
	if !ok || !usable(tok) {
		return Token{}, ErrUnavailable
	}
	return tok, nil
}

// Next implements Store, round-robining over currently-usable tokens.
func (s *MemoryStore) Next() (Token, error) {
	s.mu.RLock()
	order := append([]string(nil), s.order...)
	tokens := make(map[string]Token, len(s.tokens))
	for k, v := range s.tokens {
		tokens[k] = v
	}
	s.mu.RUnlock()

	if len(order) == 0 {
		return Token{}, ErrUnavailable
	}

	n := atomic.AddUint64(&s.cursor, 1)
	for i := 0; i < len(order); i++ {
		idx := (int(n) + i) % len(order)
		tok := tokens[order[idx]]
		if usable(tok) {
			return tok, nil
		}
	}
	return Token{}, ErrUnavailable
}

// usable reports whether tok is not within refreshMargin of expiry. A token
// with no known expiry (ExpiresAt == 0 and no decodable "exp" claim) is
// always considered usable — we don't invent a ceiling we weren't told.
func usable(tok Token) bool {
	expMillis := tok.ExpiresAt
	if expMillis == 0 {
		if claimed, ok := expFromJWT(tok.AccessToken); ok {
			expMillis = claimed
		} else {
			return true
		}
	}
	return time.Now().Add(refreshMargin).UnixMilli() < expMillis
}

// expFromJWT best-effort decodes the "exp" claim from an access token that
// happens to be a JWT. We are reading a token previously issued to us, not
// authenticating a caller, so signature verification is intentionally
// skipped — ParseUnverified never contacts a key server.
func expFromJWT(accessToken string) (millis int64, ok bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return 0, false
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return 0, false
	}
	return expiry.UnixMilli(), true
}
