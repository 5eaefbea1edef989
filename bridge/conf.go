package bridge

import (
	"time"

	"github.com/chromiumos/camalgo/errors"
)

type Conf struct {
	InitializeTimeout     time.Duration
	ConnectionWaitTimeout time.Duration
	RetryInterval         time.Duration
	CallTimeout           time.Duration
	CompletedCacheSize    int
}

func NewConf() Conf {
	return Conf{
		InitializeTimeout:     DefaultInitializeTimeout,
		ConnectionWaitTimeout: DefaultConnectionWaitTimeout,
		RetryInterval:         DefaultRetryInterval,
		CallTimeout:           DefaultCallTimeout,
		CompletedCacheSize:    DefaultCompletedCacheSize,
	}
}

func (c *Conf) Validate() error {
	if c.InitializeTimeout <= 0 {
		return errors.NewInvalidConfigurationError("initialize timeout must be > 0")
	}
	if c.ConnectionWaitTimeout <= 0 || c.ConnectionWaitTimeout > c.InitializeTimeout {
		return errors.NewInvalidConfigurationError("connection wait timeout must be > 0 and <= initialize timeout")
	}
	if c.RetryInterval < 0 {
		return errors.NewInvalidConfigurationError("retry interval must be >= 0")
	}
	if c.CallTimeout <= 0 {
		return errors.NewInvalidConfigurationError("call timeout must be > 0")
	}
	if c.CompletedCacheSize <= 0 {
		return errors.NewInvalidConfigurationError("completed request cache size must be > 0")
	}
	return nil
}

const (
	DefaultInitializeTimeout     = 3000 * time.Millisecond
	DefaultConnectionWaitTimeout = 300 * time.Millisecond
	DefaultRetryInterval         = 100 * time.Millisecond
	DefaultCallTimeout           = 5 * time.Second
	DefaultCompletedCacheSize    = 1024
)
