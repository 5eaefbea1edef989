package main

import (
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/chromiumos/camalgo/algo"
	"github.com/chromiumos/camalgo/algoserver"
	"github.com/chromiumos/camalgo/common"
	"github.com/chromiumos/camalgo/errors"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/chromiumos/camalgo/metrics"
)

const (
	// The channel is the first of the child's ExtraFiles
	adapterChannelFD = 3
	adapterTokenEnv  = "CAMERA_ALGO_ADAPTER_TOKEN"
	hardStopTimeout  = 5 * time.Second
)

type arguments struct {
	Config    kong.ConfigFlag `help:"Path to config file" type:"existingfile"`
	Server    algoserver.Conf `help:"Server configuration" embed:"" prefix:""`
	Metrics   metrics.Conf    `help:"Metrics configuration" embed:"" prefix:"metrics-"`
	Log       log.Config      `help:"Configuration for the logger" embed:"" prefix:"log-"`
	InProcess bool            `help:"Serve sessions in this process instead of a child process per session"`
	Adapter   bool            `help:"Serve a single session handed over by the parent process" hidden:""`
}

var adapterExitsCounter = metrics.NewCounterVec("server", "adapter_exits_total",
	"Adapter process exits, by exit code", "code")

// newLoader returns the loader for the vendor library.
var newLoader = func(cfg *arguments) algo.Loader {
	return &algo.PluginLoader{Dir: cfg.Server.LibraryDir}
}

func main() {
	defer common.PanicHandler()
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 1 if the server could not start or failed, 0 after an orderly shutdown.
func run(args []string) int {
	cfg, err := loadConfig(args)
	if err != nil {
		log.Error(err.Error())
		return 1
	}
	if cfg.Adapter {
		if err := runAdapter(cfg); err != nil {
			log.Error(err.Error())
			return 1
		}
		return 0
	}

	r := newRunner(cfg, args)
	if err := r.start(); err != nil {
		log.Error(err.Error())
		return 1
	}
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	return r.wait(signals)
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
	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// runAdapter serves the session on the channel inherited from the parent. The process exits when the client goes
// away.
func runAdapter(cfg *arguments) error {
	token := os.Getenv(adapterTokenEnv)
	if err := os.Unsetenv(adapterTokenEnv); err != nil {
		return errors.WithStack(err)
	}
	channelFile := os.NewFile(adapterChannelFD, "adapter-channel")
	if channelFile == nil {
		return errors.New("no adapter channel descriptor")
	}
	adapter := algoserver.NewAdapter(cfg.Server, newLoader(cfg))
	return adapter.Run(token, channelFile)
}

type runner struct {
	cfg           *arguments
	adapterArgs   []string
	server        *algoserver.Server
	metricsServer *metrics.Server
	errCh         chan error
	lock          sync.Mutex
	child         *exec.Cmd
	stopping      bool
}

// newRunner creates the server side of the daemon. Adapter children are started with args plus the adapter flag.
func newRunner(cfg *arguments, args []string) *runner {
	return &runner{
		cfg:         cfg,
		adapterArgs: append(common.CopySlice(args), "--adapter"),
		errCh:       make(chan error, 1),
	}
}

func (r *runner) start() error {
	r.metricsServer = metrics.NewServer(r.cfg.Metrics)
	if err := r.metricsServer.Start(); err != nil {
		return err
	}
	session := r.spawnAdapter
	if r.cfg.InProcess {
		session = algoserver.InProcessSessions(r.cfg.Server, newLoader(r.cfg))
	}
	r.server = algoserver.NewServer(r.cfg.Server, session)
	// A client that cannot complete the handshake leaves the server in an unknown state, so the process exits and
	// is restarted by its supervisor
	r.server.SetHandshakeErrorHandler(func(err error) {
		select {
		case r.errCh <- err:
		default:
		}
	})
	return r.server.Start()
}

// wait blocks until a signal arrives or the server fails, stops the server and returns the exit code.
func (r *runner) wait(signals <-chan os.Signal) int {
	select {
	case sig := <-signals:
		log.Warnf("signal: %s received. camera algorithm server will be closed", sig.String())
		r.stop()
		return 0
	case err := <-r.errCh:
		log.Errorf("camera algorithm server failed: %v", err)
		r.stop()
		return 1
	}
}

// spawnAdapter re-executes this binary to serve one session and waits for it to exit.
func (r *runner) spawnAdapter(token string, channelFile *os.File) error {
	defer func() {
		//goland:noinspection GoUnhandledErrorResult
		channelFile.Close()
	}()
	exe, err := os.Executable()
	if err != nil {
		return errors.WithStack(err)
	}
	cmd := exec.Command(exe, r.adapterArgs...)
	cmd.ExtraFiles = []*os.File{channelFile}
	cmd.Env = append(os.Environ(), adapterTokenEnv+"="+token)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	r.lock.Lock()
	if r.stopping {
		r.lock.Unlock()
		return errors.NewCamError(errors.ShutdownError, "server is stopping")
	}
	if err := cmd.Start(); err != nil {
		r.lock.Unlock()
		return errors.WithStack(err)
	}
	r.child = cmd
	r.lock.Unlock()
	log.Debugf("started adapter process %d", cmd.Process.Pid)

	err = cmd.Wait()
	r.lock.Lock()
	r.child = nil
	r.lock.Unlock()
	if cmd.ProcessState != nil {
		// -1 when the child was killed by a signal
		adapterExitsCounter.WithLabelValues(strconv.Itoa(cmd.ProcessState.ExitCode())).Inc()
	}
	if err != nil {
		return errors.Wrapf(err, "adapter process %d", cmd.Process.Pid)
	}
	return nil
}

func (r *runner) stop() {
	// hard stop if server Stop() hangs
	tz := time.AfterFunc(hardStopTimeout, func() {
		log.Warn("server.Stop() did not complete in time. system will exit.")
		os.Exit(1)
	})
	defer tz.Stop()
	r.lock.Lock()
	r.stopping = true
	if r.child != nil {
		//goland:noinspection GoUnhandledErrorResult
		r.child.Process.Signal(syscall.SIGTERM)
	}
	r.lock.Unlock()
	if err := r.server.Stop(); err != nil {
		log.Warnf("failure in stopping camera algorithm server: %v", err)
	}
	if err := r.metricsServer.Stop(); err != nil {
		log.Warnf("failure in stopping metrics server: %v", err)
	}
}
