package algo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type nopOps struct {
	closed bool
}

func (n *nopOps) Initialize(*CallbackOps) int32 { return 0 }

func (n *nopOps) RegisterBuffer(int) int32 { return 0 }

func (n *nopOps) Request(uint32, []byte, int32) {}

func (n *nopOps) DeregisterBuffers([]int32) {}

func (n *nopOps) Close() error {
	n.closed = true
	return nil
}

func TestStaticLoader(t *testing.T) {
	ops := &nopOps{}
	loader := &StaticLoader{New: func() (Ops, error) { return ops, nil }}
	lib, err := loader.Load()
	require.NoError(t, err)
	require.Same(t, ops, lib.Ops())
	require.NoError(t, lib.Close())
	require.True(t, ops.closed)
}

func TestStaticLoaderWithoutProvider(t *testing.T) {
	_, err := (&StaticLoader{}).Load()
	require.Error(t, err)
}

func TestPluginLoaderMissingLibrary(t *testing.T) {
	loader := &PluginLoader{Dir: t.TempDir()}
	_, err := loader.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), LibraryName)
}

func TestMsgCodeString(t *testing.T) {
	require.Equal(t, "IPC_ERROR", MsgIPCError.String())
	require.Equal(t, "UNKNOWN", MsgCode(99).String())
}
