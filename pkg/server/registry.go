package server

import (
	"errors"
	"sync"

	"github.com/aeolun/parley/pkg/wire"
)

var (
	// ErrAlreadyOnline indicates the username is bound to a live token.
	ErrAlreadyOnline = errors.New("user already has an active session")
	// ErrInvalidToken indicates a reconnect attempt with an unknown or
	// expired token.
	ErrInvalidToken = errors.New("token not found")
)

// Registry binds authenticated tokens to usernames and live output
// channels. Token issuance and expiry live in the identity store; the
// registry owns the per-process session bindings. All lock holds are pure
// map operations; credential checks happen outside the lock.
type Registry struct {
	ids IdentityStore

	mu      sync.RWMutex
	users   map[string]string       // token -> username (bound sessions)
	online  map[string]string       // username -> token
	pending map[string]struct{}     // usernames mid-signin
	writers map[string]*wire.Writer // token -> live output channel
}

// NewRegistry creates a session registry backed by the given identity store.
func NewRegistry(ids IdentityStore) *Registry {
	return &Registry{
		ids:     ids,
		users:   make(map[string]string),
		online:  make(map[string]string),
		pending: make(map[string]struct{}),
		writers: make(map[string]*wire.Writer),
	}
}

// Authenticate verifies credentials and binds the resulting token to the
// username and channel. A username already bound to a live token is
// rejected: one identity, one concurrent session. The username is held in
// the pending set for the duration of the credential check, so two
// overlapping sign-ins for the same name cannot both pass the online check
// while neither is bound yet.
func (r *Registry) Authenticate(username, password string, w *wire.Writer) (string, error) {
	r.mu.Lock()
	if _, inFlight := r.pending[username]; inFlight {
		r.mu.Unlock()
		return "", ErrAlreadyOnline
	}
	r.pending[username] = struct{}{}
	existing, bound := r.online[username]
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.pending, username)
		r.mu.Unlock()
	}

	if bound && r.ids.IsTokenValid(existing) {
		release()
		return "", ErrAlreadyOnline
	}
	if bound {
		// The previous token expired; drop its stale bindings.
		r.evict(existing)
	}

	token, err := r.ids.Signin(username, password)
	if err != nil {
		release()
		return "", err
	}

	r.mu.Lock()
	delete(r.pending, username)
	r.users[token] = username
	r.online[username] = token
	r.writers[token] = w
	r.mu.Unlock()

	return token, nil
}

// Reconnect rebinds a previously issued, still-valid token to a new
// channel, restoring the session bindings a disconnect released. Returns
// the token's username.
func (r *Registry) Reconnect(token string, w *wire.Writer) (string, error) {
	if !r.ids.IsTokenValid(token) {
		return "", ErrInvalidToken
	}
	username, ok := r.ids.Username(token)
	if !ok {
		return "", ErrInvalidToken
	}

	r.mu.Lock()
	r.users[token] = username
	r.online[username] = token
	r.writers[token] = w
	r.mu.Unlock()

	return username, nil
}

// Bind associates (or replaces) the live channel for a token. At most one
// channel per token: rebinding replaces, never duplicates.
func (r *Registry) Bind(token string, w *wire.Writer) {
	r.mu.Lock()
	r.writers[token] = w
	r.mu.Unlock()
}

// Teardown removes a token's session bindings and revokes the token, but
// only while the given writer still owns the bindings. A teardown racing a
// reconnect on a fresh connection loses: the newer session has rebound the
// token and keeps both the bindings and the token.
func (r *Registry) Teardown(token string, w *wire.Writer) bool {
	r.mu.Lock()
	if r.writers[token] != w {
		r.mu.Unlock()
		return false
	}
	delete(r.writers, token)
	if name, ok := r.users[token]; ok && r.online[name] == token {
		delete(r.online, name)
	}
	delete(r.users, token)
	r.mu.Unlock()

	r.ids.Revoke(token)
	return true
}

// Writer returns the live channel bound to a token, if any.
func (r *Registry) Writer(token string) (*wire.Writer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.writers[token]
	return w, ok
}

// Username resolves a token to its display name.
func (r *Registry) Username(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.users[token]
	return name, ok
}

// IsValid reports token liveness. An expired or revoked token's session
// bindings are evicted on the spot, so callers can rely on the invariant
// that bound tokens are valid identity-store entries.
func (r *Registry) IsValid(token string) bool {
	if r.ids.IsTokenValid(token) {
		return true
	}
	r.evict(token)
	return false
}

// Refresh extends the token's deadline.
func (r *Registry) Refresh(token string) {
	r.ids.RefreshToken(token)
}

// Logout revokes the token and removes all its bindings.
func (r *Registry) Logout(token string) {
	r.ids.Revoke(token)
	r.evict(token)
}

// evict removes a token's session bindings unconditionally.
func (r *Registry) evict(token string) {
	r.mu.Lock()
	if name, ok := r.users[token]; ok && r.online[name] == token {
		delete(r.online, name)
	}
	delete(r.users, token)
	delete(r.writers, token)
	r.mu.Unlock()
}

// OnlineCount returns the number of tokens with session bindings.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users)
}
