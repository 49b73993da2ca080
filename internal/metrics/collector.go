package metrics

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/bucketfs/internal/cache"
	"github.com/objectfs/bucketfs/internal/transfer"
	"github.com/objectfs/bucketfs/pkg/errors"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

// DefaultConfig enables metrics in the "bucketfs" namespace.
func DefaultConfig() Config {
	return Config{Enabled: true, Namespace: "bucketfs"}
}

// Collector exports transfer and cache events to Prometheus. It implements
// transfer.Recorder and cache.Recorder.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	transfers        *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
	parts            *prometheus.CounterVec
	partDuration     *prometheus.HistogramVec
	partRetries      *prometheus.CounterVec
	admissionWaiting prometheus.Gauge

	cacheRequests  *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	mu     sync.Mutex
	server *http.Server
}

var (
	_ transfer.Recorder = (*Collector)(nil)
	_ cache.Recorder    = (*Collector)(nil)
)

// NewCollector creates a collector with its own registry, which also carries
// the Go runtime and process collectors.
func NewCollector(config Config) (*Collector, error) {
	if config.Namespace == "" {
		config.Namespace = "bucketfs"
	}
	c := &Collector{config: config, registry: prometheus.NewRegistry()}
	c.initMetrics()

	all := []prometheus.Collector{
		c.transfers, c.transferBytes, c.transferDuration, c.inFlight,
		c.parts, c.partDuration, c.partRetries, c.admissionWaiting,
		c.cacheRequests, c.cacheEvictions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, m := range all {
		if err := c.registry.Register(m); err != nil {
			return nil, errors.Wrap(err, errors.KindInvalidConfig, "registering metrics").WithComponent("metrics")
		}
	}
	return c, nil
}

func (c *Collector) initMetrics() {
	ns, labels := c.config.Namespace, prometheus.Labels(c.config.Labels)

	c.transfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "transfer", Name: "settled_total", ConstLabels: labels,
		Help: "Transfers that reached a terminal status.",
	}, []string{"direction", "status"})
	c.transferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "transfer", Name: "bytes_total", ConstLabels: labels,
		Help: "Bytes moved by settled transfers.",
	}, []string{"direction"})
	c.transferDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "transfer", Name: "duration_seconds", ConstLabels: labels,
		Help:    "Time from admission to settlement.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 16), // 5ms to ~160s
	}, []string{"direction"})
	c.inFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "transfer", Name: "in_flight", ConstLabels: labels,
		Help: "Admitted transfers that have not settled.",
	}, []string{"direction"})

	c.parts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "transfer", Name: "parts_total", ConstLabels: labels,
		Help: "Finished part jobs by result.",
	}, []string{"direction", "result"})
	c.partDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "transfer", Name: "part_duration_seconds", ConstLabels: labels,
		Help:    "Duration of one part request including retries.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	}, []string{"direction"})
	c.partRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "transfer", Name: "part_retries_total", ConstLabels: labels,
		Help: "Part retries by the error kind that caused them.",
	}, []string{"direction", "kind"})
	c.admissionWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "transfer", Name: "admission_waiting", ConstLabels: labels,
		Help: "Callers blocked waiting for a transfer slot.",
	})

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cache", Name: "requests_total", ConstLabels: labels,
		Help: "Page lookups by result and the tier that served them.",
	}, []string{"result", "tier"})
	c.cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "cache", Name: "evictions_total", ConstLabels: labels,
		Help: "Pages evicted per tier.",
	}, []string{"tier"})
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves /metrics on addr in the background and returns the bound
// address. Starting twice is an error.
func (c *Collector) Start(addr string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return "", errors.New(errors.KindInvalidState, "metrics server already started").WithComponent("metrics")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInvalidConfig, "listening for metrics").
			WithComponent("metrics").WithDetail("address", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func(srv *http.Server) { _ = srv.Serve(ln) }(c.server)
	return ln.Addr().String(), nil
}

// Stop shuts the metrics server down. It is a no-op if Start was not called.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.server = nil
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (c *Collector) TransferStarted(direction string) {
	c.inFlight.WithLabelValues(direction).Inc()
}

func (c *Collector) TransferSettled(direction, status string, bytes int64, elapsed time.Duration) {
	c.inFlight.WithLabelValues(direction).Dec()
	c.transfers.WithLabelValues(direction, status).Inc()
	c.transferBytes.WithLabelValues(direction).Add(float64(bytes))
	c.transferDuration.WithLabelValues(direction).Observe(elapsed.Seconds())
}

func (c *Collector) PartFinished(direction, result string, bytes int64, elapsed time.Duration) {
	c.parts.WithLabelValues(direction, result).Inc()
	c.partDuration.WithLabelValues(direction).Observe(elapsed.Seconds())
}

func (c *Collector) PartRetried(direction, kind string) {
	c.partRetries.WithLabelValues(direction, kind).Inc()
}

func (c *Collector) AdmissionWaiting(delta int) {
	c.admissionWaiting.Add(float64(delta))
}

func (c *Collector) CacheHit(tier string) {
	c.cacheRequests.WithLabelValues("hit", tier).Inc()
}

// CacheMiss counts a page fetched from the store.
func (c *Collector) CacheMiss() {
	c.cacheRequests.WithLabelValues("miss", "store").Inc()
}

func (c *Collector) CacheEviction(tier string) {
	c.cacheEvictions.WithLabelValues(tier).Inc()
}
