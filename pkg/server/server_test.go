package server

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/parley/pkg/store"
	"github.com/aeolun/parley/pkg/wire"
)

func TestStopDisconnectsLiveSessions(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)

	srv := NewServer(db, Config{
		IdleTimeout: 5 * time.Second,
		TokenTTL:    time.Minute,
	})
	require.NoError(t, srv.Start())

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	r := wire.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "Welcome to the Parley chat server", line)

	// The session is now blocked reading the menu selection. Stop must
	// disconnect it and return rather than close the store underneath it.
	done := make(chan error, 1)
	go func() { done <- srv.Stop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a session was live")
	}

	// The client side sees the connection drop.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, err := r.ReadLine(); err != nil {
			break
		}
	}
}
