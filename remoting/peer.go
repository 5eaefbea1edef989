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
	"fmt"
	"os"

	"github.com/chromiumos/camalgo/channel"
	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/ipcthread"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/chromiumos/camalgo/protocol"
)

// Request is an inbound message delivered to a MessageHandler.
type Request struct {
	Header  protocol.Header
	Message protocol.Message
	raw     *channel.Message
	peer    *Peer
}

// TakeFile takes ownership of the i-th descriptor attached to the request.
func (r *Request) TakeFile(i int) *os.File {
	return r.raw.TakeFile(i)
}

func (r *Request) NumFiles() int {
	return len(r.raw.Files)
}

// Respond sends the response to a request that expects one.
func (r *Request) Respond(value int32) error {
	if !r.Header.ExpectsResponse() {
		return errors.NewProtocolErrorf("%s does not expect a response", r.Header.Type)
	}
	return r.peer.binding.Send(protocol.EncodeResponse(r.Header.RequestID, r.Header.Type, value), nil)
}

// MessageHandler handles one inbound message type. It runs on the peer's IPC thread. An error breaks the channel.
type MessageHandler func(req *Request) error

/*
Peer speaks the channel protocol over one Binding. It dispatches inbound messages by type to registered handlers and
correlates responses with the calls that are waiting for them. Like the Binding, a Peer is confined to its IPC thread,
apart from Send which can be called from anywhere.
*/
type Peer struct {
	name         string
	thread       *ipcthread.Thread
	binding      *channel.Binding
	handlers     map[protocol.MessageType]MessageHandler
	pending      map[uint64]*rpcRespHandler
	idSequence   uint64
	errorHandler func()
	closed       bool
}

func NewPeer(name string, ep *channel.Endpoint, thread *ipcthread.Thread) *Peer {
	p := &Peer{
		name:     name,
		thread:   thread,
		handlers: map[protocol.MessageType]MessageHandler{},
		pending:  map[uint64]*rpcRespHandler{},
	}
	p.binding = channel.NewBinding(name, ep, thread, p.handleMessage)
	p.binding.SetConnectionErrorHandler(p.connectionError)
	return p
}

func (p *Peer) RegisterHandler(msgType protocol.MessageType, handler MessageHandler) {
	if _, exists := p.handlers[msgType]; exists {
		panic(fmt.Sprintf("message handler for %s already registered", msgType))
	}
	p.handlers[msgType] = handler
}

// SetConnectionErrorHandler sets the function called once the channel breaks, after every pending call has failed.
func (p *Peer) SetConnectionErrorHandler(handler func()) {
	p.errorHandler = handler
}

func (p *Peer) Start() {
	p.binding.Start()
}

// Call sends msg and arranges for respFunc to be called exactly once on the IPC thread. Must be called on the IPC
// thread.
func (p *Peer) Call(msg protocol.Message, files []*os.File, respFunc ResponseFunc) {
	handler := newRpcRespHandler(respFunc)
	if p.closed {
		handler.HandleResponse(0, errors.NewCamErrorf(errors.ConnectionError, "%s: channel is closed", p.name))
		return
	}
	p.idSequence++
	id := p.idSequence
	p.pending[id] = handler
	if err := p.binding.Send(protocol.EncodeRequest(id, msg), files); err != nil {
		delete(p.pending, id)
		handler.HandleResponse(0, err)
	}
}

// Send sends a one-way message. Safe to call from any goroutine.
func (p *Peer) Send(msg protocol.Message, files []*os.File) error {
	return p.binding.Send(protocol.EncodeOneWay(msg), files)
}

func (p *Peer) IsBound() bool {
	return !p.closed && p.binding.IsBound()
}

func (p *Peer) NumPending() int {
	return len(p.pending)
}

// Close fails every pending call with a shutdown error and closes the channel. The connection error handler is not
// called.
func (p *Peer) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.errorHandler = nil
	p.binding.Close()
	p.failPending(errors.NewCamErrorf(errors.ShutdownError, "%s: channel closed", p.name))
}

func (p *Peer) handleMessage(raw *channel.Message) error {
	h, msg, err := protocol.Decode(raw.Bytes)
	if err != nil {
		return err
	}
	if h.IsResponse() {
		handler, ok := p.pending[h.RequestID]
		if !ok {
			return errors.NewProtocolErrorf("%s: response for unknown request %d", p.name, h.RequestID)
		}
		delete(p.pending, h.RequestID)
		res, ok := msg.(*protocol.Result)
		if !ok {
			return errors.NewProtocolErrorf("%s: malformed response", p.name)
		}
		handler.HandleResponse(res.Value, nil)
		return nil
	}
	handler, ok := p.handlers[h.Type]
	if !ok {
		return errors.NewProtocolErrorf("%s: no handler for %s", p.name, h.Type)
	}
	return handler(&Request{Header: h, Message: msg, raw: raw, peer: p})
}

func (p *Peer) connectionError() {
	if p.closed {
		return
	}
	p.closed = true
	log.Debugf("%s: connection error, failing %d pending calls", p.name, len(p.pending))
	p.failPending(errors.NewCamErrorf(errors.ConnectionError, "%s: channel broken", p.name))
	if p.errorHandler != nil {
		handler := p.errorHandler
		p.errorHandler = nil
		handler()
	}
}

func (p *Peer) failPending(err error) {
	pending := p.pending
	p.pending = map[uint64]*rpcRespHandler{}
	for _, handler := range pending {
		handler.HandleResponse(0, err)
	}
}

// CallBlocking makes a call from a goroutine other than the IPC thread and waits for the response.
func (p *Peer) CallBlocking(msg protocol.Message, files []*os.File) (int32, error) {
	if p.thread.BelongsToCurrentThread() {
		panic("CallBlocking called on the IPC thread")
	}
	handler := newBlockingRpcRespHandler()
	if !p.thread.PostTask(func() {
		p.Call(msg, files, handler.HandleResponse)
	}) {
		return 0, errors.NewCamErrorf(errors.ShutdownError, "%s: IPC thread is stopped", p.name)
	}
	return handler.waitForResponse()
}
