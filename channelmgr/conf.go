package channelmgr

import (
	"time"

	"github.com/chromiumos/camalgo/errors"
)

type Conf struct {
	AlgoSocketPath       string
	DispatcherSocketPath string
	DialTimeout          time.Duration
}

func NewConf() Conf {
	return Conf{
		AlgoSocketPath:       DefaultAlgoSocketPath,
		DispatcherSocketPath: DefaultDispatcherSocketPath,
		DialTimeout:          DefaultDialTimeout,
	}
}

func (c *Conf) Validate() error {
	if c.AlgoSocketPath == "" {
		return errors.NewInvalidConfigurationError("algorithm socket path must be specified")
	}
	if c.DispatcherSocketPath == "" {
		return errors.NewInvalidConfigurationError("dispatcher socket path must be specified")
	}
	if c.DialTimeout <= 0 {
		return errors.NewInvalidConfigurationError("dial timeout must be > 0")
	}
	return nil
}

const (
	DefaultAlgoSocketPath       = "/var/run/camera/camera-algo.sock"
	DefaultDispatcherSocketPath = "/var/run/camera/camera-dispatcher.sock"
	DefaultDialTimeout          = 1 * time.Second
)
