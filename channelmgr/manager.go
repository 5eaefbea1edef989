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

package channelmgr

import (
	"os"
	"sync"

	"github.com/chromiumos/camalgo/channel"
	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/future"
	"github.com/chromiumos/camalgo/ipcthread"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/chromiumos/camalgo/protocol"
	"github.com/chromiumos/camalgo/remoting"
	"github.com/chromiumos/camalgo/sockserver"
)

const (
	JpegDecodeChannel = "jpeg_decode"
	JpegEncodeChannel = "jpeg_encode"
)

var (
	instanceLock sync.Mutex
	instance     *Manager
)

// GetInstance returns the process wide Manager, created with the default configuration on first use.
func GetInstance() *Manager {
	instanceLock.Lock()
	defer instanceLock.Unlock()
	if instance == nil {
		instance = NewManager(NewConf())
	}
	return instance
}

/*
Manager creates the channels a camera client process talks over. Algorithm ops channels are handed straight to the
algorithm server socket. Other channels are minted by the dispatcher, over a connection the manager opens on first use
and re-opens after it breaks.
*/
type Manager struct {
	conf    Conf
	lock    sync.Mutex
	started bool
	thread  *ipcthread.Thread

	// Confined to the IPC thread
	dispatcher *remoting.Peer
}

func NewManager(conf Conf) *Manager {
	return &Manager{
		conf:   conf,
		thread: ipcthread.New("CameraMojoChannelManager"),
	}
}

// Start starts the manager IPC thread. It is safe to call more than once, and a stopped manager starts again on a
// fresh thread.
func (m *Manager) Start() error {
	_, err := m.start()
	return err
}

func (m *Manager) start() (*ipcthread.Thread, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.started {
		return m.thread, nil
	}
	if err := m.conf.Validate(); err != nil {
		return nil, err
	}
	if !m.thread.Start() {
		// A stopped thread never runs again
		m.thread = ipcthread.New(m.thread.Name())
		if !m.thread.Start() {
			return nil, errors.NewCamError(errors.ShutdownError, "channel manager thread failed to start")
		}
	}
	m.started = true
	return m.thread, nil
}

func (m *Manager) Stop() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.started {
		return
	}
	m.thread.PostTask(func() {
		if m.dispatcher != nil {
			m.dispatcher.Close()
			m.dispatcher = nil
		}
	})
	m.thread.Stop()
	m.started = false
}

// CreateCameraAlgorithmOpsChannel connects to the algorithm server and returns the local end of a new ops channel.
// The Attach message has already been sent on it.
func (m *Manager) CreateCameraAlgorithmOpsChannel() (*channel.Endpoint, error) {
	if err := m.Start(); err != nil {
		return nil, err
	}
	return m.connect(m.conf.AlgoSocketPath)
}

// connect hands a new channel to the server listening at path and returns the local end.
func (m *Manager) connect(path string) (*channel.Endpoint, error) {
	token := protocol.NewToken()
	local, remote, err := channel.NewPairWithFile()
	if err != nil {
		return nil, err
	}
	defer func() {
		//goland:noinspection GoUnhandledErrorResult
		remote.Close()
	}()
	if err := sockserver.Connect(path, m.conf.DialTimeout, token, remote); err != nil {
		//goland:noinspection GoUnhandledErrorResult
		local.Close()
		return nil, err
	}
	if err := local.WriteMessage(protocol.EncodeOneWay(&protocol.Attach{Token: token}), nil); err != nil {
		//goland:noinspection GoUnhandledErrorResult
		local.Close()
		return nil, err
	}
	return local, nil
}

type channelResult struct {
	ep  *channel.Endpoint
	err error
}

// CreateChannel asks the dispatcher for a channel to the named capability.
func (m *Manager) CreateChannel(name string) (*channel.Endpoint, error) {
	thread, err := m.start()
	if err != nil {
		return nil, err
	}
	fut := future.New[channelResult](nil)
	if !thread.PostTask(func() {
		ep, err := m.createChannelOnIpcThread(thread, name)
		fut.Set(channelResult{ep: ep, err: err})
	}) {
		return nil, errors.NewCamError(errors.ShutdownError, "channel manager has been stopped")
	}
	fut.Wait(0)
	res := fut.Get()
	return res.ep, res.err
}

func (m *Manager) CreateJpegDecodeChannel() (*channel.Endpoint, error) {
	return m.CreateChannel(JpegDecodeChannel)
}

func (m *Manager) CreateJpegEncodeChannel() (*channel.Endpoint, error) {
	return m.CreateChannel(JpegEncodeChannel)
}

func (m *Manager) createChannelOnIpcThread(thread *ipcthread.Thread, name string) (*channel.Endpoint, error) {
	if m.dispatcher == nil {
		ep, err := m.connect(m.conf.DispatcherSocketPath)
		if err != nil {
			return nil, err
		}
		dispatcher := remoting.NewPeer("CameraDispatcher", ep, thread)
		dispatcher.SetConnectionErrorHandler(func() {
			log.Warn("lost connection to camera dispatcher")
			if m.dispatcher == dispatcher {
				m.dispatcher = nil
			}
		})
		dispatcher.Start()
		m.dispatcher = dispatcher
	}
	local, remote, err := channel.NewPairWithFile()
	if err != nil {
		return nil, err
	}
	defer func() {
		//goland:noinspection GoUnhandledErrorResult
		remote.Close()
	}()
	if err := m.dispatcher.Send(&protocol.CreateChannel{Name: name}, []*os.File{remote}); err != nil {
		//goland:noinspection GoUnhandledErrorResult
		local.Close()
		m.dispatcher.Close()
		m.dispatcher = nil
		return nil, err
	}
	return local, nil
}
