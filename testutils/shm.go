//go:build !release

package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var shmSeq atomic.Int64

// CreateSharedMemory returns an anonymous shared memory file of the given size. It is closed when the test ends.
func CreateSharedMemory(t *testing.T, size int) *os.File {
	t.Helper()
	name := fmt.Sprintf("camalgo-test-%d", shmSeq.Add(1))
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	require.NoError(t, err)
	require.NoError(t, unix.Ftruncate(fd, int64(size)))
	f := os.NewFile(uintptr(fd), name)
	t.Cleanup(func() {
		//goland:noinspection GoUnhandledErrorResult
		f.Close()
	})
	return f
}

// ReadSharedMemory reads length bytes from the start of f.
func ReadSharedMemory(t *testing.T, f *os.File, length int) []byte {
	t.Helper()
	buff := make([]byte, length)
	n, err := f.ReadAt(buff, 0)
	require.NoError(t, err)
	require.Equal(t, length, n)
	return buff
}

// SocketPath returns a path for a Unix socket in a per-test temporary directory. Socket paths are limited to 108
// bytes so long test names are not used.
func SocketPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "camalgo")
	require.NoError(t, err)
	t.Cleanup(func() {
		//goland:noinspection GoUnhandledErrorResult
		os.RemoveAll(dir)
	})
	return filepath.Join(dir, name)
}

// OpenFDCount returns the number of descriptors open in this process.
func OpenFDCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}
