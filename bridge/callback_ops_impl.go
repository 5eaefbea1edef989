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

	"github.com/chromiumos/camalgo/algo"
	"github.com/chromiumos/camalgo/channel"
	"github.com/chromiumos/camalgo/ipcthread"
	"github.com/chromiumos/camalgo/protocol"
	"github.com/chromiumos/camalgo/remoting"
)

// CallbackOpsImpl receives Return calls from the server on the callback channel and delivers them to the client's
// callback table on the bridge IPC thread.
type CallbackOpsImpl struct {
	thread      *ipcthread.Thread
	callbackOps *algo.CallbackOps
	tracker     *requestTracker
	peer        *remoting.Peer
}

func NewCallbackOpsImpl(thread *ipcthread.Thread, callbackOps *algo.CallbackOps, tracker *requestTracker) *CallbackOpsImpl {
	return &CallbackOpsImpl{
		thread:      thread,
		callbackOps: callbackOps,
		tracker:     tracker,
	}
}

// Return runs on the IPC thread.
func (c *CallbackOpsImpl) Return(reqID uint32, status int32, bufferHandle int32) {
	c.thread.AssertOnThread()
	if c.callbackOps == nil || c.callbackOps.ReturnCallback == nil {
		panic("return callback is not registered")
	}
	if c.tracker != nil {
		fut, ok := c.tracker.complete(reqID)
		if !ok {
			return
		}
		if fut != nil {
			fut.Set(syncResult{status: status})
			return
		}
	}
	c.callbackOps.ReturnCallback(c.callbackOps, reqID, status, bufferHandle)
}

// CreateInterfacePtr binds a new callback channel to this object and returns the remote end, for sending to the
// server in Initialize. The caller owns the returned file. Must be called on the IPC thread.
func (c *CallbackOpsImpl) CreateInterfacePtr() (*os.File, error) {
	local, remote, err := channel.NewPairWithFile()
	if err != nil {
		return nil, err
	}
	c.peer = remoting.NewPeer("CameraAlgorithmCallbackOps", local, c.thread)
	c.peer.RegisterHandler(protocol.TypeReturn, c.handleReturn)
	c.peer.Start()
	return remote, nil
}

func (c *CallbackOpsImpl) handleReturn(req *remoting.Request) error {
	ret := req.Message.(*protocol.Return)
	c.Return(ret.ReqID, ret.Status, ret.BufferHandle)
	return nil
}

// Close unbinds the callback channel. No callback is delivered afterwards.
func (c *CallbackOpsImpl) Close() {
	if c.peer != nil {
		c.peer.Close()
	}
}
