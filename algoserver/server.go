package algoserver

import (
	"os"
	"time"

	"github.com/chromiumos/camalgo/algo"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/chromiumos/camalgo/sockserver"
)

// SessionFunc serves one client session and returns once it is over.
type SessionFunc func(token string, channelFile *os.File) error

// Server accepts client connections on the algorithm socket and serves their sessions one at a time.
type Server struct {
	socketServer          *sockserver.SocketServer
	run                   SessionFunc
	handshakeErrorHandler func(error)
}

func NewServer(conf Conf, run SessionFunc) *Server {
	s := &Server{run: run}
	s.socketServer = sockserver.NewSocketServer(conf.SocketPath, conf.HandshakeTimeout, true, s.serveSession)
	s.socketServer.SetHandshakeErrorHandler(s.onHandshakeError)
	return s
}

// InProcessSessions returns a SessionFunc that runs every session on an Adapter in this process.
func InProcessSessions(conf Conf, loader algo.Loader) SessionFunc {
	return func(token string, channelFile *os.File) error {
		return NewAdapter(conf, loader).Run(token, channelFile)
	}
}

// SetHandshakeErrorHandler must be called before Start.
func (s *Server) SetHandshakeErrorHandler(handler func(error)) {
	s.handshakeErrorHandler = handler
}

func (s *Server) onHandshakeError(err error) {
	handshakeFailuresCounter.Inc()
	if s.handshakeErrorHandler != nil {
		s.handshakeErrorHandler(err)
	}
}

func (s *Server) Start() error {
	if err := s.socketServer.Start(); err != nil {
		return err
	}
	log.Infof("camera algorithm server listening on %s", s.socketServer.Address())
	return nil
}

// Stop stops accepting connections and waits for the current session to end.
func (s *Server) Stop() error {
	return s.socketServer.Stop()
}

func (s *Server) Address() string {
	return s.socketServer.Address()
}

func (s *Server) serveSession(token string, channelFile *os.File) {
	log.Debug("serving camera algorithm session")
	start := time.Now()
	err := s.run(token, channelFile)
	sessionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		sessionsCounter.WithLabelValues("failed").Inc()
		log.Warnf("camera algorithm session failed: %v", err)
		return
	}
	sessionsCounter.WithLabelValues("ok").Inc()
	log.Debug("camera algorithm session ended")
}
