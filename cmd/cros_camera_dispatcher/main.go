package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/chromiumos/camalgo/channel"
	"github.com/chromiumos/camalgo/common"
	"github.com/chromiumos/camalgo/dispatcher"
	"github.com/chromiumos/camalgo/errors"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/chromiumos/camalgo/protocol"
	"github.com/chromiumos/camalgo/sockserver"
)

type arguments struct {
	Config      kong.ConfigFlag   `help:"Path to config file" type:"existingfile"`
	SocketPath  string            `help:"Path of the unix socket camera clients connect to" default:"/var/run/camera/camera-dispatcher.sock"`
	Service     map[string]string `help:"Socket of the service providing a capability, e.g. jpeg_decode=/run/camera/jpeg_decode.sock" placeholder:"NAME=PATH"`
	DialTimeout time.Duration     `help:"Time allowed to hand a channel over to a service" default:"1s"`
	Log         log.Config        `help:"Configuration for the logger" embed:"" prefix:"log-"`
}

func main() {
	defer common.PanicHandler()
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := loadConfig(args)
	if err != nil {
		log.Error(err.Error())
		return 1
	}
	server, err := startDispatcher(cfg)
	if err != nil {
		log.Error(err.Error())
		return 1
	}
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	sig := <-signals
	log.Warnf("signal: %s received. camera dispatcher will be closed", sig.String())
	if err := server.Stop(); err != nil {
		log.Warnf("failure in stopping camera dispatcher: %v", err)
	}
	return 0
}

func loadConfig(args []string) (*arguments, error) {
	cfg := arguments{}
	parser, err := kong.New(&cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return nil, errors.WithStack(err)
	}
	if cfg.SocketPath == "" {
		return nil, errors.NewInvalidConfigurationError("socket path must be specified")
	}
	if cfg.DialTimeout <= 0 {
		return nil, errors.NewInvalidConfigurationError("dial timeout must be > 0")
	}
	for name, path := range cfg.Service {
		if name == "" || path == "" {
			return nil, errors.NewInvalidConfigurationError("services must be given as name=path")
		}
	}
	if len(cfg.Service) == 0 {
		log.Warnf("no services configured, every channel request will be refused")
	}
	return &cfg, nil
}

func startDispatcher(cfg *arguments) (*dispatcher.Server, error) {
	server := dispatcher.NewServer(cfg.SocketPath)
	for name, path := range cfg.Service {
		server.RegisterCapability(name, forwardTo(name, path, cfg.DialTimeout))
	}
	if err := server.Start(); err != nil {
		return nil, err
	}
	log.Infof("camera dispatcher listening on %s, services %v", cfg.SocketPath, cfg.Service)
	return server, nil
}

// forwardTo hands each channel created for name to the service listening at path, using the same socket handshake
// clients use to reach the algorithm server. No attach message follows on the channel.
func forwardTo(name string, path string, timeout time.Duration) dispatcher.CapabilityHandler {
	logger := log.GetLogger("CameraDispatcher").With("capability", name)
	return func(ep *channel.Endpoint) {
		f, err := ep.File()
		//goland:noinspection GoUnhandledErrorResult
		ep.Close()
		if err != nil {
			logger.Warnf("failed to take channel: %v", err)
			return
		}
		// Handlers run on the dispatcher thread and must not block on the dial
		common.Go(func() {
			defer func() {
				//goland:noinspection GoUnhandledErrorResult
				f.Close()
			}()
			if err := sockserver.Connect(path, timeout, protocol.NewToken(), f); err != nil {
				logger.Warnf("failed to hand channel to %s: %v", path, err)
			}
		})
	}
}
