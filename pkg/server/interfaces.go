package server

import (
	"context"

	"github.com/aeolun/parley/pkg/store"
)

// IdentityStore verifies credentials and tracks bearer tokens. Implemented
// by pkg/auth; faked in tests.
type IdentityStore interface {
	// Signin returns a fresh token, implicitly registering unknown users.
	Signin(username, password string) (string, error)
	// IsTokenValid reports token liveness, evicting expired tokens.
	IsTokenValid(token string) bool
	// RefreshToken extends a token's deadline; no-op on unknown tokens.
	RefreshToken(token string)
	// Username resolves a token to the identity it was issued to.
	Username(token string) (string, bool)
	// Revoke removes a token.
	Revoke(token string)
}

// Completer produces an AI reply for a prompt with conversation context.
// Implemented by pkg/llm.
type Completer interface {
	Complete(ctx context.Context, prompt string, history []string, systemPrompt string) (string, error)
}

// Persistence is the write-side surface of the room store. Calls must never
// block on disk; failures are the store's to log.
type Persistence interface {
	SaveRoom(room store.Room)
	AppendMessage(roomID int64, content string)
}
