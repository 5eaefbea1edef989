package sockserver

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/chromiumos/camalgo/common"
	"github.com/chromiumos/camalgo/errors"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/chromiumos/camalgo/protocol"
)

// HandshakeHandler receives the session token and channel descriptor of an accepted connection. It owns the file.
type HandshakeHandler func(token string, channelFile *os.File)

/*
SocketServer listens on a Unix stream socket and reads one handshake from every connection: a NUL terminated session
token carrying a single channel descriptor. The connection is closed once the handshake has been read and the handler
takes over the channel.

A sequential server handles one connection at a time and does not accept the next until the handler returns.
*/
type SocketServer struct {
	lock                sync.RWMutex
	path                string
	handshakeTimeout    time.Duration
	sequential          bool
	handler             HandshakeHandler
	errorHandler        func(error)
	started             bool
	listener            *net.UnixListener
	acceptLoopExitGroup sync.WaitGroup
	connections         sync.Map
	handlersWG          sync.WaitGroup
}

func NewSocketServer(path string, handshakeTimeout time.Duration, sequential bool, handler HandshakeHandler) *SocketServer {
	return &SocketServer{
		path:             path,
		handshakeTimeout: handshakeTimeout,
		sequential:       sequential,
		handler:          handler,
	}
}

// SetHandshakeErrorHandler sets a function called for every connection whose handshake fails. Must be called before
// Start.
func (s *SocketServer) SetHandshakeErrorHandler(handler func(error)) {
	s.errorHandler = handler
}

func (s *SocketServer) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	// A socket file left behind by a previous server would make listen fail
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	list, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.path, Net: "unix"})
	if err != nil {
		return errors.WithStack(err)
	}
	list.SetUnlinkOnClose(true)
	s.listener = list
	s.started = true
	s.acceptLoopExitGroup.Add(1)
	common.Go(s.acceptLoop)
	log.Debugf("started socket server on %s", s.path)
	return nil
}

func (s *SocketServer) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	if err := s.listener.Close(); err != nil {
		log.Warnf("failed to close listener %v", err)
	}
	// Close connections still in their handshake
	s.connections.Range(func(conn, _ interface{}) bool {
		//goland:noinspection GoUnhandledErrorResult
		conn.(*net.UnixConn).Close()
		return true
	})
	// Wait for accept loop to exit
	s.acceptLoopExitGroup.Wait()
	s.handlersWG.Wait()
	s.started = false
	log.Debugf("stopped socket server on %s", s.path)
	return nil
}

func (s *SocketServer) Address() string {
	return s.path
}

func (s *SocketServer) acceptLoop() {
	defer s.acceptLoopExitGroup.Done()
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			// Ok - was closed
			break
		}
		s.connections.Store(conn, struct{}{})
		s.handlersWG.Add(1)
		if s.sequential {
			s.handleConnection(conn)
		} else {
			common.Go(func() {
				s.handleConnection(conn)
			})
		}
	}
}

func (s *SocketServer) handleConnection(conn *net.UnixConn) {
	defer s.handlersWG.Done()
	defer s.readPanicHandler(conn)
	token, f, err := s.readHandshake(conn)
	s.connections.Delete(conn)
	//goland:noinspection GoUnhandledErrorResult
	conn.Close()
	if err != nil {
		log.Warnf("failed to read handshake on %s: %v", s.path, err)
		if s.errorHandler != nil {
			s.errorHandler(err)
		}
		return
	}
	s.handler(token, f)
}

func (s *SocketServer) readHandshake(conn *net.UnixConn) (string, *os.File, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return "", nil, errors.WithStack(err)
	}
	return protocol.ReceiveHandshake(conn)
}

func (s *SocketServer) readPanicHandler(conn *net.UnixConn) {
	// A malformed handshake must not take the server down
	if r := recover(); r != nil {
		fmt.Printf("failure in socket server connection: %v\n", r)
		//goland:noinspection GoUnhandledErrorResult
		conn.Close()
		s.connections.Delete(conn)
	}
}
