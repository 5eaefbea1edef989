package channel

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/testutils"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWriteReadMessage(t *testing.T) {
	a, b, err := NewPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.WriteMessage([]byte("hello"), nil))
	require.NoError(t, a.WriteMessage([]byte("world"), nil))

	// Message boundaries are preserved
	msg, err := b.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg.Bytes))
	require.Empty(t, msg.Files)
	msg, err = b.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "world", string(msg.Bytes))
}

func TestPassFiles(t *testing.T) {
	a, b, err := NewPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	shm := testutils.CreateSharedMemory(t, 64)
	_, err = shm.WriteAt([]byte{7, 8, 9}, 0)
	require.NoError(t, err)

	require.NoError(t, a.WriteMessage([]byte{1}, []*os.File{shm}))
	msg, err := b.ReadMessage()
	require.NoError(t, err)
	require.Len(t, msg.Files, 1)

	received := msg.TakeFile(0)
	require.NotNil(t, received)
	require.Nil(t, msg.TakeFile(0))
	defer received.Close()
	require.NotEqual(t, shm.Fd(), received.Fd())
	require.Equal(t, []byte{7, 8, 9}, testutils.ReadSharedMemory(t, received, 3))
}

func TestReadAfterPeerClose(t *testing.T) {
	a, b, err := NewPair()
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, a.Close())
	_, err = b.ReadMessage()
	require.Equal(t, io.EOF, err)
}

func TestWriteAfterClose(t *testing.T) {
	a, b, err := NewPair()
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, a.Close())
	// Close is idempotent
	require.NoError(t, a.Close())
	err = a.WriteMessage([]byte{1}, nil)
	require.True(t, errors.IsCamErrorWithCode(err, errors.ConnectionError))
}

func TestWriteInvalidMessages(t *testing.T) {
	a, b, err := NewPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	err = a.WriteMessage(nil, nil)
	require.True(t, errors.IsCamErrorWithCode(err, errors.ProtocolError))
	err = a.WriteMessage(make([]byte, MaxMessageSize+1), nil)
	require.True(t, errors.IsCamErrorWithCode(err, errors.ProtocolError))
	files := make([]*os.File, MaxFilesPerMessage+1)
	err = a.WriteMessage([]byte{1}, files)
	require.True(t, errors.IsCamErrorWithCode(err, errors.ProtocolError))
}

func TestReadDeadline(t *testing.T) {
	a, b, err := NewPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()
	require.NoError(t, b.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, err = b.ReadMessage()
	require.True(t, errors.IsUnavailableError(err))
}

func TestPairWithFile(t *testing.T) {
	local, remoteFile, err := NewPairWithFile()
	require.NoError(t, err)
	defer local.Close()
	remote, err := NewEndpointFromFile(remoteFile)
	require.NoError(t, err)
	defer remote.Close()

	require.NoError(t, remote.WriteMessage([]byte("ping"), nil))
	msg, err := local.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "ping", string(msg.Bytes))
}

func TestEndpointFromNonSocket(t *testing.T) {
	shm := testutils.CreateSharedMemory(t, 8)
	dup, err := dupFile(shm)
	require.NoError(t, err)
	_, err = NewEndpointFromFile(dup)
	require.Error(t, err)
}

func TestSendEndpointOverEndpoint(t *testing.T) {
	a, b, err := NewPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	inner, innerRemote, err := NewPairWithFile()
	require.NoError(t, err)
	defer inner.Close()
	require.NoError(t, a.WriteMessage([]byte{1}, []*os.File{innerRemote}))
	require.NoError(t, innerRemote.Close())

	msg, err := b.ReadMessage()
	require.NoError(t, err)
	received, err := NewEndpointFromFile(msg.TakeFile(0))
	require.NoError(t, err)
	defer received.Close()

	require.NoError(t, received.WriteMessage([]byte("via"), nil))
	msg, err = inner.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "via", string(msg.Bytes))
}

func dupFile(f *os.File) (*os.File, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "dup"), nil
}
