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

package remoting

import (
	"sync"
)

// ResponseFunc receives the result of a call: the value the peer responded with, or an error if no response will
// arrive.
type ResponseFunc func(value int32, err error)

// rpcRespHandler guarantees the completion function runs at most once, whether the call completes with a response,
// a send failure or the peer going away.
type rpcRespHandler struct {
	lock           sync.Mutex
	complete       bool
	completionFunc ResponseFunc
}

func newRpcRespHandler(completionFunc ResponseFunc) *rpcRespHandler {
	return &rpcRespHandler{completionFunc: completionFunc}
}

func (r *rpcRespHandler) HandleResponse(value int32, err error) {
	r.lock.Lock()
	if r.complete {
		r.lock.Unlock()
		return
	}
	r.complete = true
	r.lock.Unlock()
	r.completionFunc(value, err)
}

type respHolder struct {
	value int32
	err   error
}

type blockingRpcRespHandler struct {
	rpcRespHandler
	ch chan respHolder
}

func newBlockingRpcRespHandler() *blockingRpcRespHandler {
	r := &blockingRpcRespHandler{
		ch: make(chan respHolder, 1),
	}
	r.completionFunc = r.onComplete
	return r
}

func (r *blockingRpcRespHandler) onComplete(value int32, err error) {
	r.ch <- respHolder{value: value, err: err}
}

func (r *blockingRpcRespHandler) waitForResponse() (int32, error) {
	rh := <-r.ch
	return rh.value, rh.err
}
