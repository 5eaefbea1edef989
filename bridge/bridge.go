// Copyright 2024 The Tektite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/chromiumos/camalgo/algo"
	"github.com/chromiumos/camalgo/channel"
	"github.com/chromiumos/camalgo/common"
	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/future"
	"github.com/chromiumos/camalgo/ipcthread"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/chromiumos/camalgo/protocol"
	"github.com/chromiumos/camalgo/remoting"
	"golang.org/x/sys/unix"
)

// Bridge is the client API to an out of process camera algorithm. Methods may be called from any goroutine.
type Bridge interface {
	// Initialize connects to the algorithm server and registers callbackOps. It returns 0, -EINVAL, -EAGAIN or
	// -ETIMEDOUT.
	Initialize(callbackOps *algo.CallbackOps) int32
	// RegisterBuffer returns a buffer handle or a negated errno. The caller keeps ownership of fd.
	RegisterBuffer(fd int) int32
	// Request starts processing of a buffer. The result is delivered to ReturnCallback with the same reqID.
	Request(reqID uint32, header []byte, bufferHandle int32)
	DeregisterBuffers(bufferHandles []int32)
	// RequestSync issues a request and waits for its result.
	RequestSync(header []byte, bufferHandle int32, timeout time.Duration) (int32, error)
	Close()
}

// ChannelManager creates algorithm ops channels to the server.
type ChannelManager interface {
	CreateCameraAlgorithmOpsChannel() (*channel.Endpoint, error)
}

type initState int

const (
	stateNone initState = iota
	statePending
	stateReady
)

var _ Bridge = (*BridgeImpl)(nil)

/*
BridgeImpl implements Bridge. All connection state is confined to a dedicated IPC thread; public methods post to it,
either fire and forget or waiting on a Future. Closing the bridge cancels every waiting call.
*/
type BridgeImpl struct {
	conf     Conf
	channels ChannelManager
	thread   *ipcthread.Thread
	relay    *future.CancellationRelay
	closed   atomic.Bool
	syncSeq  atomic.Uint32

	// Confined to the IPC thread
	state           initState
	ops             *remoting.Peer
	callbackOpsImpl *CallbackOpsImpl
	callbackOps     *algo.CallbackOps
	tracker         *requestTracker
	initWaiters     []func(int32)
	initTimer       *time.Timer
}

func CreateInstance(conf Conf, channels ChannelManager) (*BridgeImpl, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &BridgeImpl{
		conf:     conf,
		channels: channels,
		thread:   ipcthread.New("CameraAlgorithmBridge"),
		relay:    future.NewCancellationRelay(),
	}, nil
}

func (b *BridgeImpl) Initialize(callbackOps *algo.CallbackOps) int32 {
	if callbackOps == nil || callbackOps.ReturnCallback == nil {
		return errors.EINVAL
	}
	if b.closed.Load() || !b.thread.Start() {
		return errors.ENODEV
	}
	deadline := time.Now().Add(b.conf.InitializeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		fut := future.New[int32](b.relay)
		if !b.thread.PostTask(func() { b.initializeOnIpcThread(callbackOps, deadline, fut.Callback()) }) {
			return errors.ENODEV
		}
		if fut.Wait(min(b.conf.ConnectionWaitTimeout, remaining)) {
			result := fut.Get()
			switch result {
			case errors.StatusOK, errors.EINVAL, errors.ECANCELED:
				return result
			}
			log.Debugf("camera algorithm bridge initialize attempt failed: %s", errors.StatusString(result))
			sleep := min(b.conf.RetryInterval, time.Until(deadline))
			if sleep > 0 {
				time.Sleep(sleep)
			}
			continue
		}
		if fut.IsCancelled() {
			return errors.ECANCELED
		}
		// The attempt is still in flight, the next one joins it
	}
	log.Warnf("camera algorithm bridge failed to initialize within %v", b.conf.InitializeTimeout)
	return errors.ETIMEDOUT
}

func (b *BridgeImpl) initializeOnIpcThread(callbackOps *algo.CallbackOps, deadline time.Time,
	done func(int32)) {
	switch b.state {
	case stateReady:
		if b.ops.IsBound() {
			done(errors.StatusOK)
			return
		}
		b.teardown(errors.NewCamError(errors.ConnectionError, "stale connection"))
	case statePending:
		b.initWaiters = append(b.initWaiters, done)
		return
	}
	ep, err := b.channels.CreateCameraAlgorithmOpsChannel()
	if err != nil {
		log.Debugf("failed to create camera algorithm ops channel: %v", err)
		done(errors.EAGAIN)
		return
	}
	ops := remoting.NewPeer("CameraAlgorithmOps", ep, b.thread)
	ops.SetConnectionErrorHandler(func() { b.onConnectionError(ops) })
	ops.Start()
	tracker := newRequestTracker(b.conf.CompletedCacheSize)
	callbackOpsImpl := NewCallbackOpsImpl(b.thread, callbackOps, tracker)
	remote, err := callbackOpsImpl.CreateInterfacePtr()
	if err != nil {
		log.Warnf("failed to create callback channel: %v", err)
		ops.Close()
		done(errors.EAGAIN)
		return
	}
	b.state = statePending
	b.ops = ops
	b.callbackOpsImpl = callbackOpsImpl
	b.callbackOps = callbackOps
	b.tracker = tracker
	b.initWaiters = []func(int32){done}
	// A server that never answers must not leave the connection pending once the caller's budget is spent
	b.initTimer = time.AfterFunc(time.Until(deadline), func() {
		b.thread.PostTask(func() {
			if b.ops == ops && b.state == statePending {
				log.Warnf("algorithm server did not answer initialize in time, dropping connection")
				b.teardown(errors.WithStack(unix.ETIMEDOUT))
			}
		})
	})
	ops.Call(&protocol.Initialize{}, []*os.File{remote}, func(result int32, err error) {
		if b.ops != ops {
			// Torn down while the call was in flight, the waiters have already been failed
			return
		}
		if err != nil {
			result = errors.StatusFromError(err)
		}
		b.finishInitialize(result)
	})
	//goland:noinspection GoUnhandledErrorResult
	remote.Close()
}

func (b *BridgeImpl) finishInitialize(result int32) {
	b.stopInitTimer()
	waiters := b.initWaiters
	b.initWaiters = nil
	if result == errors.StatusOK {
		b.state = stateReady
		log.Infof("camera algorithm bridge connected")
	} else {
		log.Warnf("remote initialize failed: %s", errors.StatusString(result))
		b.teardown(errors.NewCamError(errors.ConnectionError, "initialize failed"))
	}
	for _, done := range waiters {
		done(result)
	}
}

func (b *BridgeImpl) stopInitTimer() {
	if b.initTimer != nil {
		b.initTimer.Stop()
		b.initTimer = nil
	}
}

func (b *BridgeImpl) onConnectionError(ops *remoting.Peer) {
	if b.ops != ops {
		return
	}
	wasReady := b.state == stateReady
	callbackOps := b.callbackOps
	log.Warnf("camera algorithm bridge lost connection to server")
	b.teardown(errors.NewCamError(errors.ConnectionError, "connection to algorithm server lost"))
	if wasReady && callbackOps.Notify != nil {
		callbackOps.Notify(callbackOps, algo.MsgIPCError)
	}
}

// teardown drops the connection. Waiting calls fail with err, or with -ECANCELED once the bridge is closing.
func (b *BridgeImpl) teardown(err error) {
	status := errors.StatusFromError(err)
	if b.closed.Load() {
		status = errors.ECANCELED
	}
	b.stopInitTimer()
	ops := b.ops
	b.ops = nil
	b.state = stateNone
	if ops != nil {
		ops.Close()
	}
	if b.callbackOpsImpl != nil {
		b.callbackOpsImpl.Close()
		b.callbackOpsImpl = nil
	}
	if b.tracker != nil {
		b.tracker.failAll(status, err)
		b.tracker = nil
	}
	b.callbackOps = nil
	waiters := b.initWaiters
	b.initWaiters = nil
	for _, done := range waiters {
		done(status)
	}
}

func (b *BridgeImpl) isConnected() bool {
	return b.state == stateReady && b.ops != nil && b.ops.IsBound()
}

func (b *BridgeImpl) RegisterBuffer(fd int) int32 {
	if b.closed.Load() || !b.thread.IsRunning() {
		return errors.ENODEV
	}
	// The server takes ownership of what it receives, so it gets a duplicate
	dupFD, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		log.Warnf("failed to duplicate buffer descriptor %d: %v", fd, err)
		return errors.StatusFromError(err)
	}
	f := os.NewFile(uintptr(dupFD), "buffer")
	fut := future.New[int32](b.relay)
	if !b.thread.PostTask(func() { b.registerBufferOnIpcThread(f, fut.Callback()) }) {
		//goland:noinspection GoUnhandledErrorResult
		f.Close()
		return errors.ENODEV
	}
	if !fut.Wait(b.conf.CallTimeout) {
		if fut.IsCancelled() {
			return errors.ECANCELED
		}
		return errors.ETIMEDOUT
	}
	return fut.Get()
}

func (b *BridgeImpl) registerBufferOnIpcThread(f *os.File, done func(int32)) {
	defer func() {
		//goland:noinspection GoUnhandledErrorResult
		f.Close()
	}()
	if !b.isConnected() {
		done(errors.ENODEV)
		return
	}
	b.ops.Call(&protocol.RegisterBuffer{}, []*os.File{f}, func(result int32, err error) {
		if err != nil {
			log.Warnf("register buffer failed: %v", err)
			done(errors.EPIPE)
			return
		}
		done(result)
	})
}

func (b *BridgeImpl) Request(reqID uint32, header []byte, bufferHandle int32) {
	if reqID&syncRequestFlag != 0 {
		log.Errorf("request id %d uses the range reserved for synchronous requests, dropping", reqID)
		return
	}
	if b.closed.Load() {
		log.Warnf("bridge closed, dropping request %d", reqID)
		return
	}
	header = common.CopySlice(header)
	if !b.thread.PostTask(func() { b.requestOnIpcThread(reqID, header, bufferHandle) }) {
		log.Warnf("bridge not initialized, dropping request %d", reqID)
	}
}

func (b *BridgeImpl) requestOnIpcThread(reqID uint32, header []byte, bufferHandle int32) {
	if !b.isConnected() {
		log.Warnf("not connected to algorithm server, dropping request %d", reqID)
		return
	}
	b.tracker.add(reqID)
	if err := b.ops.Send(&protocol.Request{ReqID: reqID, Header: header, BufferHandle: bufferHandle}, nil); err != nil {
		b.tracker.remove(reqID)
		log.Warnf("failed to send request %d: %v", reqID, err)
	}
}

func (b *BridgeImpl) RequestSync(header []byte, bufferHandle int32, timeout time.Duration) (int32, error) {
	if b.closed.Load() || !b.thread.IsRunning() {
		return errors.ENODEV, errors.NewCamError(errors.ShutdownError, "bridge is not running")
	}
	reqID := syncRequestFlag | (b.syncSeq.Add(1) &^ syncRequestFlag)
	header = common.CopySlice(header)
	fut := future.New[syncResult](b.relay)
	if !b.thread.PostTask(func() { b.requestSyncOnIpcThread(reqID, header, bufferHandle, fut) }) {
		return errors.ENODEV, errors.NewCamError(errors.ShutdownError, "bridge is not running")
	}
	if !fut.Wait(timeout) {
		b.thread.PostTask(func() {
			if b.tracker != nil {
				b.tracker.removeSync(reqID)
			}
		})
		if fut.IsCancelled() {
			return errors.ECANCELED, errors.NewCamError(errors.ShutdownError, "bridge closed")
		}
		return errors.ETIMEDOUT, errors.NewCamErrorf(errors.Unavailable, "request %d timed out", reqID)
	}
	res := fut.Get()
	return res.status, res.err
}

func (b *BridgeImpl) requestSyncOnIpcThread(reqID uint32, header []byte, bufferHandle int32,
	fut *future.Future[syncResult]) {
	if !b.isConnected() {
		fut.Set(syncResult{status: errors.ENODEV, err: errors.NewCamError(errors.ConnectionError, "not connected")})
		return
	}
	b.tracker.addSync(reqID, fut)
	if err := b.ops.Send(&protocol.Request{ReqID: reqID, Header: header, BufferHandle: bufferHandle}, nil); err != nil {
		b.tracker.removeSync(reqID)
		fut.Set(syncResult{status: errors.StatusFromError(err), err: err})
	}
}

func (b *BridgeImpl) DeregisterBuffers(bufferHandles []int32) {
	if b.closed.Load() {
		return
	}
	handles := common.CopySlice(bufferHandles)
	b.thread.PostTask(func() {
		if !b.isConnected() {
			log.Warnf("not connected to algorithm server, dropping deregistration of %d buffers", len(handles))
			return
		}
		if err := b.ops.Send(&protocol.DeregisterBuffers{Handles: handles}, nil); err != nil {
			log.Warnf("failed to deregister buffers: %v", err)
		}
	})
}

// Close cancels waiting calls and disconnects. No callback is made once Close returns, unless Close is itself called
// from a callback.
func (b *BridgeImpl) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.relay.CancelAllFutures()
	b.thread.PostTask(func() {
		b.teardown(errors.NewCamError(errors.ShutdownError, "bridge closed"))
	})
	b.thread.Stop()
}

// numOutstanding is only used in tests
func (b *BridgeImpl) numOutstanding() int {
	n := make(chan int, 1)
	if !b.thread.PostTask(func() {
		if b.tracker == nil {
			n <- 0
			return
		}
		n <- b.tracker.numOutstanding()
	}) {
		return 0
	}
	return <-n
}
