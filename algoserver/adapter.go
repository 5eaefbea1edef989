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
	"os"
	"time"

	"github.com/chromiumos/camalgo/algo"
	"github.com/chromiumos/camalgo/channel"
	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/future"
	"github.com/chromiumos/camalgo/ipcthread"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/chromiumos/camalgo/protocol"
)

/*
Adapter runs one client session in the algorithm server: it adopts the channel handed over by the handshake, checks
the session token, loads the vendor library and binds it into the OpsImpl singleton. Run blocks until the client goes
away, so an Adapter lives exactly as long as the child process serving the session.
*/
type Adapter struct {
	conf      Conf
	loader    algo.Loader
	thread    *ipcthread.Thread
	opsImpl   *OpsImpl
	ep        *channel.Endpoint
	lib       algo.Library
	bound     bool
	destroyed bool
	lost      *future.Future[future.Void]
	err       error
}

func NewAdapter(conf Conf, loader algo.Loader) *Adapter {
	return &Adapter{
		conf:    conf,
		loader:  loader,
		thread:  ipcthread.New("CameraAlgorithmAdapter"),
		opsImpl: GetOpsImpl(),
		lost:    future.New[future.Void](nil),
	}
}

// Run serves the session until the channel is lost. It returns an error if the session could not be set up.
func (a *Adapter) Run(token string, channelFile *os.File) error {
	if !a.thread.Start() {
		//goland:noinspection GoUnhandledErrorResult
		channelFile.Close()
		return errors.New("adapter can only be run once")
	}
	a.thread.PostTask(func() {
		a.initializeOnIpcThread(token, channelFile)
	})
	a.lost.Wait(0)
	a.thread.Stop()
	return a.err
}

func (a *Adapter) initializeOnIpcThread(token string, channelFile *os.File) {
	ep, err := channel.NewEndpointFromFile(channelFile)
	if err != nil {
		a.fail(errors.Wrap(err, "failed to adopt channel"))
		return
	}
	a.ep = ep
	if err := a.verifyAttach(token); err != nil {
		a.fail(err)
		return
	}
	lib, err := a.loader.Load()
	if err != nil {
		a.fail(err)
		return
	}
	a.lib = lib
	if !a.opsImpl.Bind(ep, lib.Ops(), a.thread, a.destroyOnIpcThread) {
		a.fail(errors.New("failed to bind camera algorithm ops"))
		return
	}
	a.bound = true
	log.Info("camera algorithm adapter bound")
}

// verifyAttach reads the first message on the channel, which must carry the handshake token. The binding has not
// started yet, so this read does not race with its reader.
func (a *Adapter) verifyAttach(token string) error {
	if err := a.ep.SetReadDeadline(time.Now().Add(a.conf.AttachTimeout)); err != nil {
		return errors.WithStack(err)
	}
	msg, err := a.ep.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "failed to read attach message")
	}
	msg.CloseFiles()
	if err := a.ep.SetReadDeadline(time.Time{}); err != nil {
		return errors.WithStack(err)
	}
	_, decoded, err := protocol.Decode(msg.Bytes)
	if err != nil {
		return err
	}
	attach, ok := decoded.(*protocol.Attach)
	if !ok {
		return errors.NewProtocolErrorf("first message is %s, want Attach", decoded.Type())
	}
	if attach.Token != token {
		return errors.NewProtocolErrorf("session token mismatch")
	}
	return nil
}

func (a *Adapter) fail(err error) {
	log.Errorf("camera algorithm adapter failed: %v", err)
	a.err = err
	a.destroyOnIpcThread()
}

func (a *Adapter) destroyOnIpcThread() {
	a.thread.AssertOnThread()
	if a.destroyed {
		return
	}
	a.destroyed = true
	if a.bound {
		a.opsImpl.Unbind()
		a.bound = false
	}
	if a.ep != nil {
		//goland:noinspection GoUnhandledErrorResult
		a.ep.Close()
	}
	if a.lib != nil {
		if err := a.lib.Close(); err != nil {
			log.Warnf("failed to close algorithm library: %v", err)
		}
	}
	a.lost.Set(future.Void{})
}
