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

package algoserver

import (
	"sync"
	"time"

	"github.com/chromiumos/camalgo/algo"
	"github.com/chromiumos/camalgo/channel"
	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/ipcthread"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/chromiumos/camalgo/protocol"
	"github.com/chromiumos/camalgo/remoting"
	"golang.org/x/sys/unix"
)

var (
	opsImplOnce sync.Once
	opsImpl     *OpsImpl
)

// GetOpsImpl returns the process wide OpsImpl.
func GetOpsImpl() *OpsImpl {
	opsImplOnce.Do(func() {
		opsImpl = &OpsImpl{}
	})
	return opsImpl
}

/*
OpsImpl serves the algorithm ops channel of one client session and forwards it to the vendor library. It is a process
singleton since each server child process serves exactly one session. Apart from the return callback forwarder, every
method runs on the IPC thread passed to Bind.
*/
type OpsImpl struct {
	lock           sync.Mutex
	peer           *remoting.Peer
	thread         *ipcthread.Thread
	ops            algo.Ops
	callbackPeer   *remoting.Peer
	callbackOps    *algo.CallbackOps
	ipcLostHandler func()
}

// registration is what the return callback forwarder knows about a callback table it handed out
type registration struct {
	impl   *OpsImpl
	thread *ipcthread.Thread
}

var callbackRegistry = struct {
	lock sync.Mutex
	regs map[*algo.CallbackOps]registration
}{regs: map[*algo.CallbackOps]registration{}}

// Bind starts serving ep with ops. It returns false if already bound. ipcLostHandler is called on thread once the
// client goes away.
func (o *OpsImpl) Bind(ep *channel.Endpoint, ops algo.Ops, thread *ipcthread.Thread, ipcLostHandler func()) bool {
	thread.AssertOnThread()
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.peer != nil {
		log.Warn("camera algorithm ops already bound")
		return false
	}
	peer := remoting.NewPeer("CameraAlgorithmOps", ep, thread)
	peer.RegisterHandler(protocol.TypeInitialize, o.handleInitialize)
	peer.RegisterHandler(protocol.TypeRegisterBuffer, o.handleRegisterBuffer)
	peer.RegisterHandler(protocol.TypeRequest, o.handleRequest)
	peer.RegisterHandler(protocol.TypeDeregisterBuffers, o.handleDeregisterBuffers)
	peer.SetConnectionErrorHandler(o.onIpcLost)
	o.peer = peer
	o.ops = ops
	o.thread = thread
	o.ipcLostHandler = ipcLostHandler
	peer.Start()
	sessionsGauge.Inc()
	return true
}

// Unbind must be called on the bound IPC thread, and only while bound.
func (o *OpsImpl) Unbind() {
	o.thread.AssertOnThread()
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.callbackOps != nil {
		unregisterCallbackOps(o.callbackOps)
		o.callbackOps = nil
	}
	if o.callbackPeer != nil {
		o.callbackPeer.Close()
		o.callbackPeer = nil
	}
	o.thread = nil
	o.ops = nil
	o.ipcLostHandler = nil
	if o.peer != nil {
		o.peer.Close()
		o.peer = nil
		sessionsGauge.Dec()
	}
}

func (o *OpsImpl) IsBound() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.peer != nil
}

func (o *OpsImpl) onIpcLost() {
	log.Infof("camera algorithm client disconnected")
	if o.ipcLostHandler != nil {
		o.ipcLostHandler()
	}
}

func (o *OpsImpl) handleInitialize(req *remoting.Request) error {
	callsCounter.WithLabelValues("initialize").Inc()
	if o.callbackPeer != nil {
		log.Warn("camera algorithm ops already initialized")
		return req.Respond(errors.EINVAL)
	}
	f := req.TakeFile(0)
	if f == nil {
		log.Warn("initialize without a callback channel")
		return req.Respond(errors.EINVAL)
	}
	ep, err := channel.NewEndpointFromFile(f)
	if err != nil {
		log.Warnf("invalid callback channel: %v", err)
		return req.Respond(errors.EINVAL)
	}
	callbackPeer := remoting.NewPeer("CameraAlgorithmCallbackOps", ep, o.thread)
	callbackPeer.SetConnectionErrorHandler(o.onIpcLost)
	callbackOps := &algo.CallbackOps{ReturnCallback: returnCallbackForwarder}
	registerCallbackOps(callbackOps, o, o.thread)

	result := o.ops.Initialize(callbackOps)
	o.lock.Lock()
	o.callbackPeer = callbackPeer
	o.callbackOps = callbackOps
	o.lock.Unlock()
	callbackPeer.Start()
	if result != errors.StatusOK {
		log.Warnf("vendor initialize failed: %s", errors.StatusString(result))
	}
	return req.Respond(result)
}

func (o *OpsImpl) handleRegisterBuffer(req *remoting.Request) error {
	callsCounter.WithLabelValues("register_buffer").Inc()
	f := req.TakeFile(0)
	if f == nil {
		return req.Respond(errors.EBADF)
	}
	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	//goland:noinspection GoUnhandledErrorResult
	f.Close()
	if err != nil {
		log.Warnf("failed to duplicate buffer descriptor: %v", err)
		return req.Respond(errors.EBADF)
	}
	start := time.Now()
	handle := o.ops.RegisterBuffer(fd)
	registerBufferDuration.Observe(time.Since(start).Seconds())
	return req.Respond(handle)
}

func (o *OpsImpl) handleRequest(req *remoting.Request) error {
	callsCounter.WithLabelValues("request").Inc()
	r := req.Message.(*protocol.Request)
	if o.callbackPeer == nil {
		log.Errorf("request %d received before initialize, dropping", r.ReqID)
		return nil
	}
	o.ops.Request(r.ReqID, r.Header, r.BufferHandle)
	return nil
}

func (o *OpsImpl) handleDeregisterBuffers(req *remoting.Request) error {
	callsCounter.WithLabelValues("deregister_buffers").Inc()
	o.ops.DeregisterBuffers(req.Message.(*protocol.DeregisterBuffers).Handles)
	return nil
}

func registerCallbackOps(callbackOps *algo.CallbackOps, impl *OpsImpl, thread *ipcthread.Thread) {
	callbackRegistry.lock.Lock()
	defer callbackRegistry.lock.Unlock()
	callbackRegistry.regs[callbackOps] = registration{impl: impl, thread: thread}
}

func unregisterCallbackOps(callbackOps *algo.CallbackOps) {
	callbackRegistry.lock.Lock()
	defer callbackRegistry.lock.Unlock()
	delete(callbackRegistry.regs, callbackOps)
}

// returnCallbackForwarder is installed in every callback table handed to the vendor library. The vendor may call it
// on any goroutine.
func returnCallbackForwarder(callbackOps *algo.CallbackOps, reqID uint32, status int32, bufferHandle int32) {
	callbackRegistry.lock.Lock()
	reg, ok := callbackRegistry.regs[callbackOps]
	callbackRegistry.lock.Unlock()
	if !ok {
		callbacksCounter.WithLabelValues("foreign").Inc()
		log.Errorf("return callback for request %d with unknown callback ops, ignoring", reqID)
		return
	}
	if !reg.thread.PostTask(func() {
		reg.impl.returnOnIpcThread(callbackOps, reqID, status, bufferHandle)
	}) {
		callbacksCounter.WithLabelValues("dropped").Inc()
		log.Warnf("IPC thread stopped, dropping return for request %d", reqID)
	}
}

func (o *OpsImpl) returnOnIpcThread(callbackOps *algo.CallbackOps, reqID uint32, status int32, bufferHandle int32) {
	if o.callbackOps != callbackOps || o.callbackPeer == nil || !o.callbackPeer.IsBound() {
		callbacksCounter.WithLabelValues("dropped").Inc()
		log.Warnf("callback channel is unbound, dropping return for request %d", reqID)
		return
	}
	err := o.callbackPeer.Send(&protocol.Return{ReqID: reqID, Status: status, BufferHandle: bufferHandle}, nil)
	if err != nil {
		callbacksCounter.WithLabelValues("dropped").Inc()
		log.Warnf("failed to send return for request %d: %v", reqID, err)
		return
	}
	callbacksCounter.WithLabelValues("forwarded").Inc()
}
