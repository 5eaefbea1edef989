package sockserver

import (
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/protocol"
	"github.com/chromiumos/camalgo/testutils"
	"github.com/stretchr/testify/require"
)

type handshake struct {
	token string
	data  byte
}

func startServer(t *testing.T, sequential bool, handler HandshakeHandler) *SocketServer {
	path := testutils.SocketPath(t, "server.sock")
	server := NewSocketServer(path, time.Second, sequential, handler)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		require.NoError(t, server.Stop())
	})
	return server
}

func createChannelFile(t *testing.T, data byte) *os.File {
	shm := testutils.CreateSharedMemory(t, 1)
	_, err := shm.WriteAt([]byte{data}, 0)
	require.NoError(t, err)
	return shm
}

func TestHandshake(t *testing.T) {
	received := make(chan handshake, 1)
	server := startServer(t, false, func(token string, f *os.File) {
		defer f.Close()
		buff := make([]byte, 1)
		_, err := f.ReadAt(buff, 0)
		require.NoError(t, err)
		received <- handshake{token: token, data: buff[0]}
	})
	token := protocol.NewToken()
	require.NoError(t, Connect(server.Address(), 0, token, createChannelFile(t, 7)))
	hs := testutils.RequireChanValue(t, received, 5*time.Second)
	require.Equal(t, token, hs.token)
	require.Equal(t, byte(7), hs.data)
}

func TestSequentialServerServesOneAtATime(t *testing.T) {
	var active, maxActive atomic.Int32
	var handled atomic.Int32
	server := startServer(t, true, func(token string, f *os.File) {
		defer f.Close()
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		handled.Add(1)
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, Connect(server.Address(), 0, protocol.NewToken(), createChannelFile(t, 1)))
	}
	testutils.WaitUntil(t, func() (bool, error) {
		return handled.Load() == 3, nil
	})
	require.Equal(t, int32(1), maxActive.Load())
}

func TestConnectNoServer(t *testing.T) {
	path := testutils.SocketPath(t, "none.sock")
	err := Connect(path, 100*time.Millisecond, protocol.NewToken(), createChannelFile(t, 1))
	require.True(t, errors.IsUnavailableError(err))
}

func TestHandshakeErrorHandler(t *testing.T) {
	path := testutils.SocketPath(t, "server.sock")
	server := NewSocketServer(path, 100*time.Millisecond, false, func(token string, f *os.File) {
		require.Fail(t, "unexpected handshake")
	})
	errs := make(chan error, 1)
	server.SetHandshakeErrorHandler(func(err error) { errs <- err })
	require.NoError(t, server.Start())
	defer func() {
		require.NoError(t, server.Stop())
	}()

	// Connect without sending anything, the handshake times out
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	require.Error(t, testutils.RequireChanValue(t, errs, 5*time.Second))
}

func TestStartRemovesStaleSocket(t *testing.T) {
	path := testutils.SocketPath(t, "stale.sock")
	require.NoError(t, os.WriteFile(path, nil, 0600))
	server := NewSocketServer(path, time.Second, false, func(token string, f *os.File) { f.Close() })
	require.NoError(t, server.Start())
	require.NoError(t, server.Stop())
	// Stopping is idempotent
	require.NoError(t, server.Stop())
}
