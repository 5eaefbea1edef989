package metrics

import (
	"errors"
	"net/http"

	"github.com/chromiumos/camalgo/common"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type (
	Labels        = prometheus.Labels
	Counter       = prometheus.Counter
	CounterVec    = prometheus.CounterVec
	CounterOpts   = prometheus.CounterOpts
	Gauge         = prometheus.Gauge
	GaugeOpts     = prometheus.GaugeOpts
	Histogram     = prometheus.Histogram
	HistogramOpts = prometheus.HistogramOpts
)

const namespace = "camera_algo"

// NewCounterVec registers a counter vector in the camera_algo namespace with the default registerer.
func NewCounterVec(subsystem string, name string, help string, labels ...string) *CounterVec {
	return promauto.NewCounterVec(CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func NewCounter(subsystem string, name string, help string) Counter {
	return promauto.NewCounter(CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func NewGauge(subsystem string, name string, help string) Gauge {
	return promauto.NewGauge(GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func NewHistogram(subsystem string, name string, help string) Histogram {
	return promauto.NewHistogram(HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
}

// Conf configures the optional metrics HTTP endpoint. An empty Bind disables it.
type Conf struct {
	Bind string `help:"Address for the prometheus metrics endpoint, empty to disable" default:""`
}

type Server struct {
	conf       Conf
	httpServer *http.Server
}

type metricServer struct{}

func (ms *metricServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			DisableCompression: true,
		}),
	).ServeHTTP(w, r)
}

func NewServer(conf Conf) *Server {
	if conf.Bind == "" {
		return &Server{conf: conf}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", &metricServer{})
	return &Server{
		conf: conf,
		httpServer: &http.Server{
			Addr:    conf.Bind,
			Handler: mux,
		},
	}
}

func (s *Server) Enabled() bool {
	return s.httpServer != nil
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return nil
	}
	common.Go(func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("prometheus http export server failed to listen %v", err)
		}
	})
	log.Debugf("started prometheus http server on address %s", s.conf.Bind)
	return nil
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}
