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

package channel

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/chromiumos/camalgo/common"
	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/ipcthread"
	log "github.com/chromiumos/camalgo/logger"
)

// MessageHandler is called on the binding's IPC thread for every inbound message. Files the handler wants to keep
// must be taken with Message.TakeFile, the rest are closed when it returns. Returning an error breaks the binding.
type MessageHandler func(msg *Message) error

/*
Binding attaches an Endpoint to an IPC thread. A reader goroutine pulls messages off the endpoint and posts them to
the thread, so handlers and the connection error handler always run there. Apart from Send, all methods must be
called on the IPC thread once Start has been called.
*/
type Binding struct {
	name         string
	ep           *Endpoint
	thread       *ipcthread.Thread
	handler      MessageHandler
	errorHandler func()
	started      bool
	broken       bool
	closing      atomic.Bool
	readerWG     sync.WaitGroup
}

func NewBinding(name string, ep *Endpoint, thread *ipcthread.Thread, handler MessageHandler) *Binding {
	return &Binding{
		name:    name,
		ep:      ep,
		thread:  thread,
		handler: handler,
	}
}

// SetConnectionErrorHandler sets the function called, at most once, when the peer closes or the channel breaks. It
// is not called after Close.
func (b *Binding) SetConnectionErrorHandler(handler func()) {
	b.errorHandler = handler
}

func (b *Binding) Start() {
	if b.started {
		return
	}
	b.started = true
	b.readerWG.Add(1)
	common.Go(b.readLoop)
}

func (b *Binding) readLoop() {
	defer common.PanicHandler()
	defer b.readerWG.Done()
	for {
		msg, err := b.ep.ReadMessage()
		if err != nil {
			if b.closing.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				log.Debugf("%s: peer closed channel", b.name)
			} else {
				log.Warnf("%s: channel read failed: %v", b.name, err)
			}
			b.thread.PostTask(b.onConnectionError)
			return
		}
		if !b.thread.PostTask(func() { b.dispatch(msg) }) {
			msg.CloseFiles()
			return
		}
	}
}

func (b *Binding) dispatch(msg *Message) {
	defer msg.CloseFiles()
	if b.broken {
		return
	}
	if err := b.handler(msg); err != nil {
		log.Warnf("%s: failed to handle message: %v", b.name, err)
		b.onConnectionError()
	}
}

func (b *Binding) onConnectionError() {
	if b.broken {
		return
	}
	b.broken = true
	b.closing.Store(true)
	//goland:noinspection GoUnhandledErrorResult
	b.ep.Close()
	if b.errorHandler != nil {
		handler := b.errorHandler
		b.errorHandler = nil
		handler()
	}
}

// Send writes one message to the peer. Safe to call from any goroutine.
func (b *Binding) Send(data []byte, files []*os.File) error {
	if b.closing.Load() {
		return errors.NewCamError(errors.ConnectionError, "binding closed")
	}
	return b.ep.WriteMessage(data, files)
}

// Close closes the endpoint without invoking the connection error handler and waits for the reader to exit.
func (b *Binding) Close() {
	b.errorHandler = nil
	b.broken = true
	b.closing.Store(true)
	//goland:noinspection GoUnhandledErrorResult
	b.ep.Close()
	b.readerWG.Wait()
}

// IsBound reports whether the binding can still carry messages.
func (b *Binding) IsBound() bool {
	return !b.closing.Load()
}

func (b *Binding) Name() string {
	return b.name
}
