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
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromiumos/camalgo/errors"
	"golang.org/x/sys/unix"
)

const (
	MaxMessageSize      = 256 * 1024
	MaxFilesPerMessage  = 16
	defaultWriteTimeout = 5 * time.Second
)

// Message is one packet read from an Endpoint: the data bytes and the descriptors that travelled with them.
type Message struct {
	Bytes []byte
	Files []*os.File
}

// TakeFile transfers ownership of the i-th file to the caller. It returns nil if there is no such file or it has
// already been taken.
func (m *Message) TakeFile(i int) *os.File {
	if i < 0 || i >= len(m.Files) {
		return nil
	}
	f := m.Files[i]
	m.Files[i] = nil
	return f
}

// CloseFiles closes every file that has not been taken.
func (m *Message) CloseFiles() {
	for i, f := range m.Files {
		if f != nil {
			//goland:noinspection GoUnhandledErrorResult
			f.Close()
			m.Files[i] = nil
		}
	}
}

/*
Endpoint is one end of a message pipe: a SOCK_SEQPACKET Unix socket, so every write is delivered as exactly one
message and descriptors attached with SCM_RIGHTS arrive with the message they were sent with. An Endpoint may be
written from several goroutines but must only be read from one.
*/
type Endpoint struct {
	conn         *net.UnixConn
	writeLock    sync.Mutex
	writeTimeout time.Duration
	closed       atomic.Bool
	readBuff     []byte
	oobBuff      []byte
}

// NewPair creates two connected endpoints in this process.
func NewPair() (*Endpoint, *Endpoint, error) {
	fds, err := socketPair()
	if err != nil {
		return nil, nil, err
	}
	a, err := newEndpointFromFD(fds[0])
	if err != nil {
		//goland:noinspection GoUnhandledErrorResult
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := newEndpointFromFD(fds[1])
	if err != nil {
		//goland:noinspection GoUnhandledErrorResult
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// NewPairWithFile creates a local endpoint and returns the other end as a raw file, ready to be sent to another
// process. The caller owns the returned file.
func NewPairWithFile() (*Endpoint, *os.File, error) {
	fds, err := socketPair()
	if err != nil {
		return nil, nil, err
	}
	local, err := newEndpointFromFD(fds[0])
	if err != nil {
		//goland:noinspection GoUnhandledErrorResult
		unix.Close(fds[1])
		return nil, nil, err
	}
	return local, os.NewFile(uintptr(fds[1]), "channel-endpoint"), nil
}

// NewEndpointFromFile adopts f, which must be a SOCK_SEQPACKET Unix socket. f is closed whether or not this succeeds.
func NewEndpointFromFile(f *os.File) (*Endpoint, error) {
	defer func() {
		//goland:noinspection GoUnhandledErrorResult
		f.Close()
	}()
	sotype, err := unix.GetsockoptInt(int(f.Fd()), unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, errors.Wrap(err, "descriptor is not a socket")
	}
	if sotype != unix.SOCK_SEQPACKET {
		return nil, errors.NewProtocolErrorf("channel endpoint has socket type %d, want SOCK_SEQPACKET", sotype)
	}
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		//goland:noinspection GoUnhandledErrorResult
		conn.Close()
		return nil, errors.NewProtocolErrorf("channel endpoint is not a unix socket")
	}
	return newEndpoint(uc), nil
}

func socketPair() ([2]int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fds, errors.Wrap(err, "failed to create socket pair")
	}
	return fds, nil
}

func newEndpointFromFD(fd int) (*Endpoint, error) {
	return NewEndpointFromFile(os.NewFile(uintptr(fd), "channel-endpoint"))
}

func newEndpoint(conn *net.UnixConn) *Endpoint {
	return &Endpoint{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		readBuff:     make([]byte, MaxMessageSize),
		oobBuff:      make([]byte, unix.CmsgSpace(MaxFilesPerMessage*4)),
	}
}

func (e *Endpoint) SetWriteTimeout(timeout time.Duration) {
	e.writeTimeout = timeout
}

func (e *Endpoint) SetReadDeadline(t time.Time) error {
	return e.conn.SetReadDeadline(t)
}

// WriteMessage sends data with files attached. The files remain owned by the caller; the receiver gets its own
// duplicates.
func (e *Endpoint) WriteMessage(data []byte, files []*os.File) error {
	if len(data) == 0 {
		return errors.NewProtocolErrorf("cannot write an empty message")
	}
	if len(data) > MaxMessageSize {
		return errors.NewProtocolErrorf("message of %d bytes exceeds maximum size %d", len(data), MaxMessageSize)
	}
	if len(files) > MaxFilesPerMessage {
		return errors.NewProtocolErrorf("message has %d files, maximum is %d", len(files), MaxFilesPerMessage)
	}
	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	if e.closed.Load() {
		return errors.NewCamError(errors.ConnectionError, "endpoint closed")
	}
	// A write deadline stops a dead peer from blocking the IPC thread for ever
	if err := e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout)); err != nil {
		return convertNetworkError(err)
	}
	n, oobn, err := e.conn.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return convertNetworkError(err)
	}
	if n != len(data) || oobn != len(oob) {
		return errors.NewCamErrorf(errors.ConnectionError, "short write of %d/%d bytes", n, len(data))
	}
	return nil
}

// ReadMessage blocks until the next message arrives. It returns io.EOF once the peer has closed.
func (e *Endpoint) ReadMessage() (*Message, error) {
	n, oobn, flags, _, err := e.conn.ReadMsgUnix(e.readBuff, e.oobBuff)
	if err != nil {
		// The net package wraps EOF in an OpError
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, convertNetworkError(err)
	}
	files, err := parseFiles(e.oobBuff[:oobn])
	if err != nil {
		return nil, err
	}
	msg := &Message{Files: files}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		msg.CloseFiles()
		return nil, errors.NewProtocolErrorf("truncated message, flags %x", flags)
	}
	if n == 0 && oobn == 0 {
		return nil, io.EOF
	}
	// The read buffer is reused for the next message
	msg.Bytes = make([]byte, n)
	copy(msg.Bytes, e.readBuff[:n])
	return msg, nil
}

func parseFiles(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse control message")
	}
	var files []*os.File
	for i := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "received-fd"))
		}
	}
	return files, nil
}

// File returns a duplicate of the endpoint's descriptor. The caller owns it.
func (e *Endpoint) File() (*os.File, error) {
	f, err := e.conn.File()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f, nil
}

func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.conn.Close()
}

func (e *Endpoint) IsClosed() bool {
	return e.closed.Load()
}

func convertNetworkError(err error) error {
	if os.IsTimeout(err) {
		return errors.NewCamErrorf(errors.Unavailable, "channel operation timed out: %v", err)
	}
	// Connection errors are never retried on the same endpoint, the owner tears the binding down
	return errors.NewCamErrorf(errors.ConnectionError, "channel error: %v", err)
}
