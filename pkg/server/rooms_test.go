package server

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/parley/pkg/store"
	"github.com/aeolun/parley/pkg/wire"
)

func newTestRooms(t *testing.T) (*Rooms, *Registry, *fakeIDs, *recordingPersist) {
	t.Helper()
	ids := newFakeIDs()
	reg := NewRegistry(ids)
	persist := newRecordingPersist()
	return NewRooms(reg, persist, nil), reg, ids, persist
}

// signup authenticates a user and returns their token and output buffer.
func signup(t *testing.T, reg *Registry, username string) (string, *bytes.Buffer) {
	t.Helper()
	w, buf := newBufWriter()
	token, err := reg.Authenticate(username, "secret", w)
	require.NoError(t, err)
	return token, buf
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	rooms, _, _, persist := newTestRooms(t)

	id1, err := rooms.Create("General", false, "")
	require.NoError(t, err)
	id2, err := rooms.Create("Helpdesk", true, "Be helpful.")
	require.NoError(t, err)

	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)

	assert.Equal(t, []string{"1. General", "2. Helpdesk [AI]"}, rooms.List())
	require.Len(t, persist.rooms, 2)
	assert.Equal(t, store.Room{ID: 2, Name: "Helpdesk", AI: true, Prompt: "Be helpful."}, persist.rooms[1])
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	rooms, _, _, _ := newTestRooms(t)

	_, err := rooms.Create("General", false, "")
	require.NoError(t, err)

	_, err = rooms.Create("General", true, "prompt")
	assert.ErrorIs(t, err, ErrRoomExists)
}

func TestLoadInstallsRoomsAndSeeds(t *testing.T) {
	rooms, _, _, _ := newTestRooms(t)

	persisted := []*store.Room{{ID: 3, Name: "General"}}
	conversations := map[int64][]string{3: {"[alice]: hi"}}
	seeds := []SeedRoom{
		{Name: "General"}, // already in the catalog, must not duplicate
		{Name: "Random"},
	}
	rooms.Load(persisted, conversations, seeds)

	assert.Equal(t, []string{"3. General", "4. Random"}, rooms.List())
	assert.Equal(t, []string{"[alice]: hi"}, rooms.History(3))
}

func TestJoinReplacesMembership(t *testing.T) {
	rooms, reg, _, _ := newTestRooms(t)
	token, _ := signup(t, reg, "alice")

	_, err := rooms.Create("One", false, "")
	require.NoError(t, err)
	_, err = rooms.Create("Two", false, "")
	require.NoError(t, err)

	_, err = rooms.Join(token, 1)
	require.NoError(t, err)
	_, err = rooms.Join(token, 2)
	require.NoError(t, err)

	id, ok := rooms.Member(token)
	require.True(t, ok)
	assert.Equal(t, int64(2), id)

	rooms.Leave(token)
	_, ok = rooms.Member(token)
	assert.False(t, ok)
}

func TestJoinUnknownRoom(t *testing.T) {
	rooms, reg, _, _ := newTestRooms(t)
	token, _ := signup(t, reg, "alice")

	_, err := rooms.Join(token, 42)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestBroadcastReachesRoomMembersOnly(t *testing.T) {
	rooms, reg, _, persist := newTestRooms(t)
	alice, aliceOut := signup(t, reg, "alice")
	bob, bobOut := signup(t, reg, "bob")
	carol, carolOut := signup(t, reg, "carol")

	_, err := rooms.Create("One", false, "")
	require.NoError(t, err)
	_, err = rooms.Create("Two", false, "")
	require.NoError(t, err)

	_, err = rooms.Join(alice, 1)
	require.NoError(t, err)
	_, err = rooms.Join(bob, 1)
	require.NoError(t, err)
	_, err = rooms.Join(carol, 2)
	require.NoError(t, err)

	rooms.Broadcast(1, alice, "hello", false)

	assert.Equal(t, "[alice]: hello\n", aliceOut.String())
	assert.Equal(t, "[alice]: hello\n", bobOut.String())
	assert.Empty(t, carolOut.String())

	assert.Equal(t, []string{"[alice]: hello"}, rooms.History(1))
	assert.Equal(t, []string{"[alice]: hello"}, persist.roomMessages(1))
}

func TestBroadcastNoticeNotPersisted(t *testing.T) {
	rooms, reg, _, persist := newTestRooms(t)
	alice, aliceOut := signup(t, reg, "alice")

	_, err := rooms.Create("One", false, "")
	require.NoError(t, err)
	_, err = rooms.Join(alice, 1)
	require.NoError(t, err)

	rooms.Broadcast(1, alice, " joined the Room", true)

	assert.Equal(t, "alice joined the Room\n", aliceOut.String())
	assert.Empty(t, rooms.History(1))
	assert.Empty(t, persist.roomMessages(1))
}

func TestBroadcastUnknownSenderIsBot(t *testing.T) {
	rooms, reg, _, _ := newTestRooms(t)
	alice, aliceOut := signup(t, reg, "alice")

	_, err := rooms.Create("One", false, "")
	require.NoError(t, err)
	_, err = rooms.Join(alice, 1)
	require.NoError(t, err)

	rooms.Broadcast(1, "", "reply text", false)

	assert.Equal(t, "[Bot]: reply text\n", aliceOut.String())
}

func TestBroadcastSkipsDeadChannels(t *testing.T) {
	rooms, reg, _, _ := newTestRooms(t)
	alice, aliceOut := signup(t, reg, "alice")
	bob, _ := signup(t, reg, "bob")

	_, err := rooms.Create("One", false, "")
	require.NoError(t, err)
	_, err = rooms.Join(alice, 1)
	require.NoError(t, err)
	_, err = rooms.Join(bob, 1)
	require.NoError(t, err)

	// Bob's connection died but the server hasn't noticed yet: the channel
	// is still bound, writes to it fail.
	reg.Bind(bob, wire.NewWriter(deadConn{}))

	rooms.Broadcast(1, alice, "anyone there?", false)

	assert.Equal(t, "[alice]: anyone there?\n", aliceOut.String())
	// The message isn't lost: bob catches up through the log on reconnect.
	assert.Equal(t, []string{"[alice]: anyone there?"}, rooms.History(1))
	id, ok := rooms.Member(bob)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
}

// deadConn fails every write, like a peer that vanished mid-session.
type deadConn struct{}

func (deadConn) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestBroadcastTruncatesOversizedLines(t *testing.T) {
	rooms, reg, _, persist := newTestRooms(t)
	alice, aliceOut := signup(t, reg, "alice")

	_, err := rooms.Create("One", false, "")
	require.NoError(t, err)
	_, err = rooms.Join(alice, 1)
	require.NoError(t, err)

	// The formatted line picks up the "[alice]: " prefix, pushing it past
	// the wire limit even though the text itself is at the cap.
	rooms.Broadcast(1, alice, strings.Repeat("x", wire.MaxLineLen), false)

	delivered := aliceOut.String()
	require.True(t, strings.HasSuffix(delivered, "\n"))
	assert.Equal(t, wire.MaxLineLen, len(strings.TrimSuffix(delivered, "\n")))

	history := rooms.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, wire.MaxLineLen, len(history[0]))
	assert.True(t, strings.HasPrefix(history[0], "[alice]: x"))
	assert.Equal(t, history, persist.roomMessages(1))

	// The log stays replayable: a later join's history block must encode.
	w, _ := newBufWriter()
	require.NoError(t, w.WriteBlock(append([]string{"Previous messages in this room:"}, history...)))
}

func TestBroadcastSlowMemberDoesNotStallOtherRooms(t *testing.T) {
	rooms, reg, _, _ := newTestRooms(t)
	alice, _ := signup(t, reg, "alice")
	bob, bobOut := signup(t, reg, "bob")

	_, err := rooms.Create("One", false, "")
	require.NoError(t, err)
	_, err = rooms.Create("Two", false, "")
	require.NoError(t, err)
	_, err = rooms.Join(alice, 1)
	require.NoError(t, err)

	// Alice's peer stopped reading, so a write to her channel blocks until
	// the connection is torn down.
	server, client := net.Pipe()
	defer client.Close()
	reg.Bind(alice, wire.NewWriter(server))

	writeStarted := make(chan struct{})
	go func() {
		one := make([]byte, 1)
		client.Read(one)
		close(writeStarted)
	}()

	stalled := make(chan struct{})
	go func() {
		rooms.Broadcast(1, alice, "anyone there?", false)
		close(stalled)
	}()
	<-writeStarted

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := rooms.Join(bob, 2); err != nil {
			t.Error(err)
			return
		}
		rooms.Broadcast(2, bob, "unaffected", false)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("another room stalled behind a blocked channel")
	}
	assert.Equal(t, "[bob]: unaffected\n", bobOut.String())

	server.Close()
	<-stalled
}

func TestSeedConversationOnlyWhenEmpty(t *testing.T) {
	rooms, _, _, persist := newTestRooms(t)

	_, err := rooms.Create("Helpdesk", true, "Be helpful.")
	require.NoError(t, err)

	rooms.SeedConversation(1, "System: Be helpful.")
	rooms.SeedConversation(1, "System: Be helpful.")

	assert.Equal(t, []string{"System: Be helpful."}, rooms.History(1))
	assert.Equal(t, []string{"System: Be helpful."}, persist.roomMessages(1))
}

func TestHistoryReturnsSnapshot(t *testing.T) {
	rooms, reg, _, _ := newTestRooms(t)
	alice, _ := signup(t, reg, "alice")

	_, err := rooms.Create("One", false, "")
	require.NoError(t, err)
	_, err = rooms.Join(alice, 1)
	require.NoError(t, err)

	rooms.Broadcast(1, alice, "first", false)
	snapshot := rooms.History(1)
	rooms.Broadcast(1, alice, "second", false)

	assert.Equal(t, []string{"[alice]: first"}, snapshot)
	assert.Equal(t, []string{"[alice]: first", "[alice]: second"}, rooms.History(1))
}
