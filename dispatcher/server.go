// Package dispatcher is the broker camera client processes connect to for channels to shared services, such as the
// JPEG codecs.
package dispatcher

import (
	"os"
	"sync"
	"time"

	"github.com/chromiumos/camalgo/channel"
	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/ipcthread"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/chromiumos/camalgo/protocol"
	"github.com/chromiumos/camalgo/remoting"
	"github.com/chromiumos/camalgo/sockserver"
)

const attachTimeout = 5 * time.Second

// CapabilityHandler takes ownership of a channel created for a client. It runs on the dispatcher IPC thread and must
// not block.
type CapabilityHandler func(ep *channel.Endpoint)

type Server struct {
	lock         sync.Mutex
	socketServer *sockserver.SocketServer
	thread       *ipcthread.Thread
	capabilities map[string]CapabilityHandler
	logger       *log.Logger

	// Confined to the IPC thread
	clients map[*remoting.Peer]struct{}
}

func NewServer(socketPath string) *Server {
	s := &Server{
		thread:       ipcthread.New("CameraDispatcher"),
		capabilities: map[string]CapabilityHandler{},
		logger:       log.GetLogger("CameraDispatcher").With("socket", socketPath),
		clients:      map[*remoting.Peer]struct{}{},
	}
	s.socketServer = sockserver.NewSocketServer(socketPath, attachTimeout, false, s.newClient)
	return s
}

// RegisterCapability makes name available to clients. It returns false if name is already registered.
func (s *Server) RegisterCapability(name string, handler CapabilityHandler) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, exists := s.capabilities[name]; exists {
		return false
	}
	s.capabilities[name] = handler
	return true
}

func (s *Server) getCapability(name string) (CapabilityHandler, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	handler, ok := s.capabilities[name]
	return handler, ok
}

func (s *Server) Start() error {
	if !s.thread.Start() {
		return errors.NewCamError(errors.ShutdownError, "dispatcher has been stopped")
	}
	return s.socketServer.Start()
}

func (s *Server) Stop() error {
	err := s.socketServer.Stop()
	s.thread.PostTask(func() {
		for client := range s.clients {
			client.Close()
		}
		s.clients = map[*remoting.Peer]struct{}{}
	})
	s.thread.Stop()
	return err
}

func (s *Server) Address() string {
	return s.socketServer.Address()
}

func (s *Server) newClient(token string, channelFile *os.File) {
	ep, err := channel.NewEndpointFromFile(channelFile)
	if err != nil {
		s.logger.Warnf("failed to adopt client channel: %v", err)
		return
	}
	if err := verifyAttach(ep, token); err != nil {
		s.logger.Warnf("rejected client: %v", err)
		//goland:noinspection GoUnhandledErrorResult
		ep.Close()
		return
	}
	if !s.thread.PostTask(func() { s.bindClient(ep) }) {
		//goland:noinspection GoUnhandledErrorResult
		ep.Close()
	}
}

func verifyAttach(ep *channel.Endpoint, token string) error {
	if err := ep.SetReadDeadline(time.Now().Add(attachTimeout)); err != nil {
		return errors.WithStack(err)
	}
	msg, err := ep.ReadMessage()
	if err != nil {
		return err
	}
	msg.CloseFiles()
	if err := ep.SetReadDeadline(time.Time{}); err != nil {
		return errors.WithStack(err)
	}
	_, decoded, err := protocol.Decode(msg.Bytes)
	if err != nil {
		return err
	}
	if attach, ok := decoded.(*protocol.Attach); !ok || attach.Token != token {
		return errors.NewProtocolErrorf("invalid attach message")
	}
	return nil
}

func (s *Server) bindClient(ep *channel.Endpoint) {
	client := remoting.NewPeer("CameraDispatcherClient", ep, s.thread)
	client.RegisterHandler(protocol.TypeCreateChannel, s.handleCreateChannel)
	client.SetConnectionErrorHandler(func() {
		delete(s.clients, client)
	})
	s.clients[client] = struct{}{}
	client.Start()
}

func (s *Server) handleCreateChannel(req *remoting.Request) error {
	name := req.Message.(*protocol.CreateChannel).Name
	handler, ok := s.getCapability(name)
	if !ok {
		// The attached endpoint is closed on return, so the client sees the channel close
		s.logger.Warnf("no capability %q", name)
		return nil
	}
	f := req.TakeFile(0)
	if f == nil {
		return errors.NewProtocolErrorf("create channel %q without an endpoint", name)
	}
	ep, err := channel.NewEndpointFromFile(f)
	if err != nil {
		s.logger.Warnf("invalid endpoint for capability %q: %v", name, err)
		return nil
	}
	handler(ep)
	return nil
}

// NumClients is only used in tests
func (s *Server) NumClients() int {
	n := make(chan int, 1)
	if !s.thread.PostTask(func() { n <- len(s.clients) }) {
		return 0
	}
	return <-n
}
