package main

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"
	"github.com/chromiumos/camalgo/algo"
	"github.com/chromiumos/camalgo/bridge"
	"github.com/chromiumos/camalgo/channelmgr"
	"github.com/chromiumos/camalgo/errors"
	log "github.com/chromiumos/camalgo/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type arguments struct {
	SocketPath string        `help:"Path of the camera algorithm server socket" default:"/var/run/camera/camera-algo.sock"`
	Buffers    int           `help:"Number of shared memory buffers to register" default:"4"`
	BufferSize int           `help:"Size of each buffer in bytes" default:"4096"`
	Requests   int           `help:"Number of requests to send" default:"16"`
	Sync       bool          `help:"Use synchronous requests"`
	Timeout    time.Duration `help:"Time to wait for each result" default:"5s"`
	Log        log.Config    `help:"Configuration for the logger" embed:"" prefix:"log-"`
}

var (
	okStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	infoStyle = lipgloss.NewStyle().Faint(true)
)

func main() {
	cfg := &arguments{}
	kong.Parse(cfg, kong.Description("Exercises a camera algorithm server through the client bridge"))
	if err := cfg.Log.Configure(); err != nil {
		fmt.Println(failStyle.Render(err.Error()))
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		fmt.Println(failStyle.Render("FAIL: " + err.Error()))
		os.Exit(1)
	}
	fmt.Println(okStyle.Render("PASS"))
}

type prober struct {
	cfg     *arguments
	bridge  *bridge.BridgeImpl
	results []chan int32
	stray   atomic.Int64
	lost    atomic.Bool
}

func run(cfg *arguments) error {
	if cfg.Buffers <= 0 || cfg.Requests <= 0 || cfg.BufferSize <= 0 {
		return errors.New("buffers, buffer-size and requests must be > 0")
	}
	channelsConf := channelmgr.NewConf()
	channelsConf.AlgoSocketPath = cfg.SocketPath
	channels := channelmgr.NewManager(channelsConf)
	if err := channels.Start(); err != nil {
		return err
	}
	defer channels.Stop()

	b, err := bridge.CreateInstance(bridge.NewConf(), channels)
	if err != nil {
		return err
	}
	defer b.Close()

	p := &prober{cfg: cfg, bridge: b, results: make([]chan int32, cfg.Requests)}
	for i := range p.results {
		p.results[i] = make(chan int32, 1)
	}
	start := time.Now()
	if status := b.Initialize(p.callbackOps()); status != 0 {
		return errors.Errorf("initialize failed: %s", errors.StatusString(status))
	}
	fmt.Println(infoStyle.Render(fmt.Sprintf("connected to %s in %v", cfg.SocketPath, time.Since(start))))

	handles, err := p.registerBuffers()
	if err != nil {
		return err
	}
	defer b.DeregisterBuffers(handles)

	start = time.Now()
	var g errgroup.Group
	for i := 0; i < cfg.Requests; i++ {
		reqID := uint32(i)
		handle := handles[i%len(handles)]
		g.Go(func() error {
			return p.request(reqID, handle)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if p.lost.Load() {
		return errors.New("lost connection to the camera algorithm server")
	}
	if n := p.stray.Load(); n > 0 {
		return errors.Errorf("received %d unexpected results", n)
	}
	fmt.Println(infoStyle.Render(fmt.Sprintf("%d requests on %d buffers completed in %v", cfg.Requests, len(handles),
		time.Since(start))))
	return nil
}

func (p *prober) callbackOps() *algo.CallbackOps {
	return &algo.CallbackOps{
		ReturnCallback: func(_ *algo.CallbackOps, reqID uint32, status int32, _ int32) {
			if int(reqID) >= len(p.results) {
				p.stray.Add(1)
				return
			}
			select {
			case p.results[reqID] <- status:
			default:
				p.stray.Add(1)
			}
		},
		Notify: func(_ *algo.CallbackOps, msg algo.MsgCode) {
			log.Warnf("camera algorithm notification: %s", msg)
			if msg == algo.MsgIPCError {
				p.lost.Store(true)
			}
		},
	}
}

func (p *prober) registerBuffers() ([]int32, error) {
	handles := make([]int32, 0, p.cfg.Buffers)
	for i := 0; i < p.cfg.Buffers; i++ {
		fd, err := unix.MemfdCreate(fmt.Sprintf("camera-algo-probe-%d", i), unix.MFD_CLOEXEC)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if err := unix.Ftruncate(fd, int64(p.cfg.BufferSize)); err != nil {
			//goland:noinspection GoUnhandledErrorResult
			unix.Close(fd)
			return nil, errors.WithStack(err)
		}
		handle := p.bridge.RegisterBuffer(fd)
		// The bridge hands the server its own copy
		//goland:noinspection GoUnhandledErrorResult
		unix.Close(fd)
		if handle < 0 {
			return nil, errors.Errorf("register buffer %d failed: %s", i, errors.StatusString(handle))
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

func (p *prober) request(reqID uint32, handle int32) error {
	header := []byte{byte(reqID)}
	var status int32
	if p.cfg.Sync {
		var err error
		status, err = p.bridge.RequestSync(header, handle, p.cfg.Timeout)
		if err != nil {
			return errors.Wrapf(err, "request %d", reqID)
		}
	} else {
		p.bridge.Request(reqID, header, handle)
		select {
		case status = <-p.results[reqID]:
		case <-time.After(p.cfg.Timeout):
			return errors.Errorf("request %d timed out", reqID)
		}
	}
	if status != 0 {
		return errors.Errorf("request %d failed: %s", reqID, errors.StatusString(status))
	}
	return nil
}
