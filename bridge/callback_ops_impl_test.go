package bridge

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/chromiumos/camalgo/algo"
	"github.com/chromiumos/camalgo/channel"
	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/future"
	"github.com/chromiumos/camalgo/ipcthread"
	"github.com/chromiumos/camalgo/protocol"
	"github.com/stretchr/testify/require"
)

func startThread(t *testing.T) *ipcthread.Thread {
	thread := ipcthread.New("test-bridge-thread")
	require.True(t, thread.Start())
	t.Cleanup(thread.Stop)
	return thread
}

func onThread(thread *ipcthread.Thread, f func()) {
	done := make(chan struct{})
	thread.PostTask(func() {
		defer close(done)
		f()
	})
	<-done
}

func TestCallbackOpsReturn(t *testing.T) {
	thread := startThread(t)
	rec := newRecorder()
	tracker := newRequestTracker(10)
	impl := NewCallbackOpsImpl(thread, rec.callbackOps, tracker)

	onThread(thread, func() {
		tracker.add(7)
		impl.Return(7, errors.StatusOK, 3)
		// Duplicate and unknown returns are dropped
		impl.Return(7, errors.StatusOK, 3)
		impl.Return(8, errors.StatusOK, 3)
	})
	require.Equal(t, returned{reqID: 7, status: errors.StatusOK, bufferHandle: 3}, rec.requireReturn(t))
	rec.requireNoReturn(t)
}

func TestCallbackOpsReturnSync(t *testing.T) {
	thread := startThread(t)
	rec := newRecorder()
	tracker := newRequestTracker(10)
	impl := NewCallbackOpsImpl(thread, rec.callbackOps, tracker)

	fut := future.New[syncResult](nil)
	onThread(thread, func() {
		tracker.addSync(syncRequestFlag|1, fut)
		impl.Return(syncRequestFlag|1, errors.EBADF, 2)
	})
	require.True(t, fut.Wait(time.Second))
	require.Equal(t, syncResult{status: errors.EBADF}, fut.Get())
	rec.requireNoReturn(t)
}

func TestCallbackOpsReturnOffThread(t *testing.T) {
	thread := startThread(t)
	impl := NewCallbackOpsImpl(thread, newRecorder().callbackOps, nil)
	require.Panics(t, func() {
		impl.Return(1, errors.StatusOK, 0)
	})
}

func TestCallbackOpsReturnNoCallback(t *testing.T) {
	thread := startThread(t)
	impl := NewCallbackOpsImpl(thread, &algo.CallbackOps{}, nil)
	var recovered interface{}
	onThread(thread, func() {
		defer func() {
			recovered = recover()
		}()
		impl.Return(1, errors.StatusOK, 0)
	})
	require.NotNil(t, recovered)
}

func TestCallbackOpsInterfacePtr(t *testing.T) {
	thread := startThread(t)
	rec := newRecorder()
	tracker := newRequestTracker(10)
	impl := NewCallbackOpsImpl(thread, rec.callbackOps, tracker)

	var remote *os.File
	var err error
	onThread(thread, func() {
		tracker.add(5)
		remote, err = impl.CreateInterfacePtr()
	})
	require.NoError(t, err)
	ep, err := channel.NewEndpointFromFile(remote)
	require.NoError(t, err)
	defer ep.Close()

	ret := &protocol.Return{ReqID: 5, Status: errors.EINVAL, BufferHandle: 1}
	require.NoError(t, ep.WriteMessage(protocol.EncodeOneWay(ret), nil))
	require.Equal(t, returned{reqID: 5, status: errors.EINVAL, bufferHandle: 1}, rec.requireReturn(t))

	onThread(thread, impl.Close)
	_, err = ep.ReadMessage()
	require.Equal(t, io.EOF, err)
}
