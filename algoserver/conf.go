package algoserver

import (
	"time"

	"github.com/chromiumos/camalgo/errors"
)

type Conf struct {
	SocketPath       string        `help:"Path of the unix socket clients connect to" default:"/var/run/camera/camera-algo.sock"`
	LibraryDir       string        `help:"Directory holding the vendor algorithm library" default:"/usr/lib64"`
	HandshakeTimeout time.Duration `help:"Time allowed for a client to complete the socket handshake" default:"5s"`
	AttachTimeout    time.Duration `help:"Time allowed for the attach message on a new channel" default:"5s"`
}

func NewConf() Conf {
	return Conf{
		SocketPath:       DefaultSocketPath,
		LibraryDir:       DefaultLibraryDir,
		HandshakeTimeout: DefaultHandshakeTimeout,
		AttachTimeout:    DefaultAttachTimeout,
	}
}

func (c *Conf) Validate() error {
	if c.SocketPath == "" {
		return errors.NewInvalidConfigurationError("socket path must be specified")
	}
	if c.LibraryDir == "" {
		return errors.NewInvalidConfigurationError("algorithm library directory must be specified")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.NewInvalidConfigurationError("handshake timeout must be > 0")
	}
	if c.AttachTimeout <= 0 {
		return errors.NewInvalidConfigurationError("attach timeout must be > 0")
	}
	return nil
}

const (
	DefaultSocketPath       = "/var/run/camera/camera-algo.sock"
	DefaultLibraryDir       = "/usr/lib64"
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultAttachTimeout    = 5 * time.Second
)
