// Package auth is the identity store: credential verification and bearer
// token issuance. Tokens are opaque random values with a refreshable
// deadline; expired tokens are evicted lazily at the point of use.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/parley/pkg/store"
)

var (
	// ErrBadCredentials indicates the password did not match.
	ErrBadCredentials = errors.New("bad credentials")
)

// DefaultTokenTTL is the refresh window applied to every issued token.
const DefaultTokenTTL = 30 * time.Minute

// tokenBytes is the entropy per token (256 bits).
const tokenBytes = 32

// CredentialStore is the persistence surface the identity store needs.
type CredentialStore interface {
	GetUserHash(username string) (string, error)
	CreateUser(username, passwordHash string) error
}

// Service issues and tracks session tokens.
type Service struct {
	creds CredentialStore
	ttl   time.Duration

	mu     sync.Mutex
	tokens map[string]tokenInfo

	now func() time.Time
}

// tokenInfo is the registry entry for one issued token.
type tokenInfo struct {
	username string
	deadline time.Time
}

// NewService creates an identity store backed by the given credential store.
// A zero ttl falls back to DefaultTokenTTL.
func NewService(creds CredentialStore, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		creds:  creds,
		ttl:    ttl,
		tokens: make(map[string]tokenInfo),
		now:    time.Now,
	}
}

// Signin verifies a username/password pair and returns a fresh token. An
// unknown username is implicitly registered with the supplied password
// (login-or-register, kept for wire compatibility with existing clients).
// A wrong password for a known user returns ErrBadCredentials.
func (s *Service) Signin(username, password string) (string, error) {
	hash, err := s.creds.GetUserHash(username)
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("failed to hash password: %w", err)
		}
		if err := s.creds.CreateUser(username, string(hashed)); err != nil {
			return "", fmt.Errorf("failed to register user: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("failed to read credentials: %w", err)
	default:
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			return "", ErrBadCredentials
		}
	}

	return s.mint(username)
}

// mint generates a token and records its owner and deadline.
func (s *Service) mint(username string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	s.tokens[token] = tokenInfo{username: username, deadline: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return token, nil
}

// IsTokenValid reports whether the token exists and has not passed its
// deadline. An expired token is removed here, so dependent state can be torn
// down by the caller.
func (s *Service) IsTokenValid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.tokens[token]
	if !ok {
		return false
	}
	if s.now().After(info.deadline) {
		delete(s.tokens, token)
		return false
	}
	return true
}

// Username returns the identity a token was issued to, if the token exists.
func (s *Service) Username(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.tokens[token]
	return info.username, ok
}

// RefreshToken extends a token's deadline by the full window from now.
// Unknown tokens are a no-op, never an error.
func (s *Service) RefreshToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.tokens[token]; ok {
		info.deadline = s.now().Add(s.ttl)
		s.tokens[token] = info
	}
}

// Revoke removes a token. No-op on unknown tokens.
func (s *Service) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, token)
}

// Deadline returns the expiry deadline for a token, if it exists.
func (s *Service) Deadline(token string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.tokens[token]
	return info.deadline, ok
}
