package server

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/parley/pkg/auth"
	"github.com/aeolun/parley/pkg/store"
	"github.com/aeolun/parley/pkg/wire"
)

// fakeIDs is an in-memory IdentityStore. Tokens are sequential and stay
// valid until expire or Revoke. signinDelay stretches the credential check,
// for tests racing concurrent sign-ins.
type fakeIDs struct {
	mu          sync.Mutex
	next        int
	tokens      map[string]string // token -> username
	signinDelay time.Duration
}

func newFakeIDs() *fakeIDs {
	return &fakeIDs{tokens: make(map[string]string)}
}

func (f *fakeIDs) Signin(username, password string) (string, error) {
	if f.signinDelay > 0 {
		time.Sleep(f.signinDelay)
	}
	if password == "wrong" {
		return "", auth.ErrBadCredentials
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	token := fmt.Sprintf("tok-%d", f.next)
	f.tokens[token] = username
	return token, nil
}

func (f *fakeIDs) IsTokenValid(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tokens[token]
	return ok
}

func (f *fakeIDs) RefreshToken(token string) {}

func (f *fakeIDs) Username(token string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.tokens[token]
	return name, ok
}

func (f *fakeIDs) Revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, token)
}

// expire removes a token without going through Revoke, simulating TTL lapse.
func (f *fakeIDs) expire(token string) {
	f.Revoke(token)
}

// recordingPersist captures queued writes for assertions.
type recordingPersist struct {
	mu       sync.Mutex
	rooms    []store.Room
	messages map[int64][]string
}

func newRecordingPersist() *recordingPersist {
	return &recordingPersist{messages: make(map[int64][]string)}
}

func (p *recordingPersist) SaveRoom(room store.Room) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms = append(p.rooms, room)
}

func (p *recordingPersist) AppendMessage(roomID int64, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[roomID] = append(p.messages[roomID], content)
}

func (p *recordingPersist) roomMessages(roomID int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages[roomID]...)
}

// newBufWriter returns a wire.Writer over a buffer, for delivery assertions.
func newBufWriter() (*wire.Writer, *bytes.Buffer) {
	var buf bytes.Buffer
	return wire.NewWriter(&buf), &buf
}

func TestAuthenticateBindsSession(t *testing.T) {
	ids := newFakeIDs()
	reg := NewRegistry(ids)
	w, _ := newBufWriter()

	token, err := reg.Authenticate("alice", "secret", w)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	name, ok := reg.Username(token)
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	bound, ok := reg.Writer(token)
	require.True(t, ok)
	assert.Same(t, w, bound)
	assert.Equal(t, 1, reg.OnlineCount())
}

func TestAuthenticateRejectsSecondSession(t *testing.T) {
	ids := newFakeIDs()
	reg := NewRegistry(ids)
	w1, _ := newBufWriter()
	w2, _ := newBufWriter()

	_, err := reg.Authenticate("alice", "secret", w1)
	require.NoError(t, err)

	_, err = reg.Authenticate("alice", "secret", w2)
	assert.ErrorIs(t, err, ErrAlreadyOnline)
}

func TestAuthenticateConcurrentSameUser(t *testing.T) {
	ids := newFakeIDs()
	ids.signinDelay = 50 * time.Millisecond
	reg := NewRegistry(ids)

	const attempts = 4
	var wg sync.WaitGroup
	tokens := make(chan string, attempts)
	failures := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, _ := newBufWriter()
			token, err := reg.Authenticate("alice", "secret", w)
			if err != nil {
				failures <- err
				return
			}
			tokens <- token
		}()
	}
	wg.Wait()
	close(tokens)
	close(failures)

	require.Len(t, tokens, 1, "exactly one concurrent sign-in may win")
	assert.Equal(t, 1, reg.OnlineCount())
	for err := range failures {
		assert.ErrorIs(t, err, ErrAlreadyOnline)
	}

	token := <-tokens
	assert.True(t, reg.IsValid(token))
}

func TestAuthenticateEvictsExpiredBinding(t *testing.T) {
	ids := newFakeIDs()
	reg := NewRegistry(ids)
	w1, _ := newBufWriter()
	w2, _ := newBufWriter()

	old, err := reg.Authenticate("alice", "secret", w1)
	require.NoError(t, err)

	ids.expire(old)

	fresh, err := reg.Authenticate("alice", "secret", w2)
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)

	_, ok := reg.Writer(old)
	assert.False(t, ok)
}

func TestReconnectReplacesBinding(t *testing.T) {
	ids := newFakeIDs()
	reg := NewRegistry(ids)
	w1, _ := newBufWriter()

	token, err := reg.Authenticate("alice", "secret", w1)
	require.NoError(t, err)

	// A fresh connection presents the same token; the channel is replaced,
	// never duplicated.
	w2, _ := newBufWriter()
	name, err := reg.Reconnect(token, w2)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	bound, ok := reg.Writer(token)
	require.True(t, ok)
	assert.Same(t, w2, bound)
	assert.Equal(t, 1, reg.OnlineCount())
}

func TestBindReplacesChannel(t *testing.T) {
	ids := newFakeIDs()
	reg := NewRegistry(ids)
	w1, _ := newBufWriter()

	token, err := reg.Authenticate("alice", "secret", w1)
	require.NoError(t, err)

	w2, _ := newBufWriter()
	reg.Bind(token, w2)

	bound, ok := reg.Writer(token)
	require.True(t, ok)
	assert.Same(t, w2, bound)
	assert.Equal(t, 1, reg.OnlineCount())
}

func TestReconnectUnknownToken(t *testing.T) {
	reg := NewRegistry(newFakeIDs())
	w, _ := newBufWriter()

	_, err := reg.Reconnect("nope", w)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTeardownOnlyByOwner(t *testing.T) {
	ids := newFakeIDs()
	reg := NewRegistry(ids)
	w1, _ := newBufWriter()

	token, err := reg.Authenticate("alice", "secret", w1)
	require.NoError(t, err)

	// A new connection rebinds the token before the old one tears down.
	w2, _ := newBufWriter()
	_, err = reg.Reconnect(token, w2)
	require.NoError(t, err)

	// The old connection's teardown must not disturb the new session.
	assert.False(t, reg.Teardown(token, w1))
	assert.True(t, ids.IsTokenValid(token))
	bound, ok := reg.Writer(token)
	require.True(t, ok)
	assert.Same(t, w2, bound)

	// The owning connection's teardown removes everything, token included.
	assert.True(t, reg.Teardown(token, w2))
	assert.False(t, ids.IsTokenValid(token))
	_, ok = reg.Writer(token)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.OnlineCount())
}

func TestIsValidEvictsStaleBindings(t *testing.T) {
	ids := newFakeIDs()
	reg := NewRegistry(ids)
	w, _ := newBufWriter()

	token, err := reg.Authenticate("alice", "secret", w)
	require.NoError(t, err)
	assert.True(t, reg.IsValid(token))

	ids.expire(token)

	assert.False(t, reg.IsValid(token))
	_, ok := reg.Writer(token)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.OnlineCount())
}

func TestLogoutRevokesToken(t *testing.T) {
	ids := newFakeIDs()
	reg := NewRegistry(ids)
	w, _ := newBufWriter()

	token, err := reg.Authenticate("alice", "secret", w)
	require.NoError(t, err)

	reg.Logout(token)

	assert.False(t, ids.IsTokenValid(token))
	_, ok := reg.Username(token)
	assert.False(t, ok)
}
