package algoserver

import (
	"os"
	"testing"
	"time"

	"github.com/chromiumos/camalgo/algo"
	"github.com/chromiumos/camalgo/algo/fake"
	"github.com/chromiumos/camalgo/channel"
	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/ipcthread"
	"github.com/chromiumos/camalgo/protocol"
	"github.com/chromiumos/camalgo/remoting"
	"github.com/chromiumos/camalgo/testutils"
	"github.com/stretchr/testify/require"
)

type testSession struct {
	t            *testing.T
	vendor       *fake.Ops
	thread       *ipcthread.Thread
	ops          *remoting.Peer
	callbacks    *remoting.Peer
	returns      chan *protocol.Return
	runErr       chan error
	closedClient bool
}

func startAdapter(t *testing.T, loader algo.Loader, attachToken string) (*channel.Endpoint, chan error) {
	token := protocol.NewToken()
	if attachToken == "" {
		attachToken = token
	}
	local, remote, err := channel.NewPairWithFile()
	require.NoError(t, err)
	conf := NewConf()
	conf.AttachTimeout = 2 * time.Second
	adapter := NewAdapter(conf, loader)
	runErr := make(chan error, 1)
	go func() {
		runErr <- adapter.Run(token, remote)
	}()
	require.NoError(t, local.WriteMessage(protocol.EncodeOneWay(&protocol.Attach{Token: attachToken}), nil))
	return local, runErr
}

func newTestSession(t *testing.T) *testSession {
	s := &testSession{
		t:       t,
		vendor:  fake.New(),
		thread:  ipcthread.New("test-client"),
		returns: make(chan *protocol.Return, 1000),
	}
	loader := &algo.StaticLoader{New: func() (algo.Ops, error) { return s.vendor, nil }}
	local, runErr := startAdapter(t, loader, "")
	s.runErr = runErr
	require.True(t, s.thread.Start())
	s.ops = remoting.NewPeer("test-ops", local, s.thread)
	runOn(s.thread, s.ops.Start)
	t.Cleanup(func() {
		s.closeClient()
		require.NoError(t, testutils.RequireChanValue(t, s.runErr, 5*time.Second))
		s.thread.Stop()
		require.False(t, GetOpsImpl().IsBound())
	})
	return s
}

func (s *testSession) initialize() int32 {
	cbLocal, cbRemote, err := channel.NewPairWithFile()
	require.NoError(s.t, err)
	defer cbRemote.Close()
	s.callbacks = remoting.NewPeer("test-callbacks", cbLocal, s.thread)
	runOn(s.thread, func() {
		s.callbacks.RegisterHandler(protocol.TypeReturn, func(req *remoting.Request) error {
			s.returns <- req.Message.(*protocol.Return)
			return nil
		})
		s.callbacks.Start()
	})
	res, err := s.ops.CallBlocking(&protocol.Initialize{}, []*os.File{cbRemote})
	require.NoError(s.t, err)
	return res
}

func (s *testSession) registerBuffer(f *os.File) int32 {
	var files []*os.File
	if f != nil {
		files = []*os.File{f}
	}
	res, err := s.ops.CallBlocking(&protocol.RegisterBuffer{}, files)
	require.NoError(s.t, err)
	return res
}

func (s *testSession) closeClient() {
	if s.closedClient {
		return
	}
	s.closedClient = true
	runOn(s.thread, func() {
		s.ops.Close()
		if s.callbacks != nil {
			s.callbacks.Close()
		}
	})
}

func runOn(th *ipcthread.Thread, f func()) {
	done := make(chan struct{})
	th.PostTask(func() {
		f()
		close(done)
	})
	<-done
}

func TestSessionEndToEnd(t *testing.T) {
	s := newTestSession(t)
	require.Equal(t, errors.StatusOK, s.initialize())
	require.Equal(t, 1, s.vendor.InitializeCount())

	shm := testutils.CreateSharedMemory(t, 4096)
	handle := s.registerBuffer(shm)
	require.GreaterOrEqual(t, handle, int32(0))

	require.NoError(t, s.ops.Send(&protocol.Request{ReqID: 9, Header: []byte{0x33}, BufferHandle: handle}, nil))
	ret := testutils.RequireChanValue(t, s.returns, 5*time.Second)
	require.Equal(t, &protocol.Return{ReqID: 9, Status: errors.StatusOK, BufferHandle: handle}, ret)
	require.Equal(t, []byte{0x33}, testutils.ReadSharedMemory(t, shm, 1))

	require.NoError(t, s.ops.Send(&protocol.Request{ReqID: 10, Header: []byte{1}, BufferHandle: handle + 1}, nil))
	ret = testutils.RequireChanValue(t, s.returns, 5*time.Second)
	require.Equal(t, errors.EBADF, ret.Status)

	require.NoError(t, s.ops.Send(&protocol.DeregisterBuffers{Handles: []int32{handle}}, nil))
	testutils.WaitUntil(t, func() (bool, error) {
		return len(s.vendor.Handles()) == 0, nil
	})
}

func TestSecondInitializeRejected(t *testing.T) {
	s := newTestSession(t)
	require.Equal(t, errors.StatusOK, s.initialize())
	first := s.vendor.CallbackOps()
	res, err := s.ops.CallBlocking(&protocol.Initialize{}, nil)
	require.NoError(t, err)
	require.Equal(t, errors.EINVAL, res)
	require.Equal(t, 1, s.vendor.InitializeCount())
	require.Same(t, first, s.vendor.CallbackOps())
}

func TestInitializeWithoutCallbackChannel(t *testing.T) {
	s := newTestSession(t)
	res, err := s.ops.CallBlocking(&protocol.Initialize{}, nil)
	require.NoError(t, err)
	require.Equal(t, errors.EINVAL, res)
	require.Equal(t, 0, s.vendor.InitializeCount())
}

func TestRegisterBufferWithoutDescriptor(t *testing.T) {
	s := newTestSession(t)
	require.Equal(t, errors.StatusOK, s.initialize())
	require.Equal(t, errors.EBADF, s.registerBuffer(nil))
}

func TestRequestBeforeInitializeDropped(t *testing.T) {
	s := newTestSession(t)
	shm := testutils.CreateSharedMemory(t, 4096)
	handle := s.registerBuffer(shm)
	require.NoError(t, s.ops.Send(&protocol.Request{ReqID: 1, Header: []byte{1}, BufferHandle: handle}, nil))
	require.Equal(t, errors.StatusOK, s.initialize())
	require.NoError(t, s.ops.Send(&protocol.Request{ReqID: 2, Header: []byte{1}, BufferHandle: handle}, nil))
	ret := testutils.RequireChanValue(t, s.returns, 5*time.Second)
	require.Equal(t, uint32(2), ret.ReqID)
}

func TestClientDisconnectEndsRun(t *testing.T) {
	s := newTestSession(t)
	require.Equal(t, errors.StatusOK, s.initialize())
	shm := testutils.CreateSharedMemory(t, 4096)
	require.GreaterOrEqual(t, s.registerBuffer(shm), int32(0))
	s.closeClient()
	require.NoError(t, testutils.RequireChanValue(t, s.runErr, 5*time.Second))
	s.runErr <- nil
	// The session's vendor library was closed with it
	require.Empty(t, s.vendor.Handles())
}

func TestTokenMismatchFailsRun(t *testing.T) {
	loaded := false
	loader := &algo.StaticLoader{New: func() (algo.Ops, error) {
		loaded = true
		return fake.New(), nil
	}}
	local, runErr := startAdapter(t, loader, protocol.NewToken())
	defer local.Close()
	err := testutils.RequireChanValue(t, runErr, 5*time.Second)
	require.True(t, errors.IsCamErrorWithCode(err, errors.ProtocolError))
	require.False(t, loaded)
	require.False(t, GetOpsImpl().IsBound())
}

func TestLoaderFailureFailsRun(t *testing.T) {
	loader := &algo.PluginLoader{Dir: t.TempDir()}
	local, runErr := startAdapter(t, loader, "")
	defer local.Close()
	err := testutils.RequireChanValue(t, runErr, 5*time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), algo.LibraryName)
	// The channel is closed so the client sees the session end
	_, err = local.ReadMessage()
	require.Error(t, err)
}

func TestAttachTimeout(t *testing.T) {
	local, remote, err := channel.NewPairWithFile()
	require.NoError(t, err)
	defer local.Close()
	conf := NewConf()
	conf.AttachTimeout = 50 * time.Millisecond
	adapter := NewAdapter(conf, &algo.StaticLoader{})
	start := time.Now()
	err = adapter.Run(protocol.NewToken(), remote)
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestBindTwiceFails(t *testing.T) {
	th := ipcthread.New("bind-test")
	require.True(t, th.Start())
	defer th.Stop()
	a, b, err := channel.NewPair()
	require.NoError(t, err)
	defer b.Close()
	c, d, err := channel.NewPair()
	require.NoError(t, err)
	defer c.Close()
	defer d.Close()
	vendor := fake.New()
	defer vendor.Close()

	impl := GetOpsImpl()
	runOn(th, func() {
		require.True(t, impl.Bind(a, vendor, th, func() {}))
		require.False(t, impl.Bind(c, vendor, th, func() {}))
		impl.Unbind()
	})
	require.False(t, impl.IsBound())
}

func TestForeignCallbackOpsIgnored(t *testing.T) {
	foreign := &algo.CallbackOps{}
	require.NotPanics(t, func() {
		returnCallbackForwarder(foreign, 1, 0, 0)
	})
}

func TestConfValidate(t *testing.T) {
	conf := NewConf()
	require.NoError(t, conf.Validate())
	conf.LibraryDir = ""
	require.True(t, errors.IsCamErrorWithCode(conf.Validate(), errors.InvalidConfiguration))
	conf = NewConf()
	conf.AttachTimeout = 0
	require.Error(t, conf.Validate())
}
