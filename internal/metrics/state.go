package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/objectfs/bucketfs/internal/cache"
	"github.com/objectfs/bucketfs/internal/circuit"
	"github.com/objectfs/bucketfs/internal/storage/opstats"
	"github.com/objectfs/bucketfs/internal/transfer"
)

// Sources are read on every scrape. Nil sources are skipped.
type Sources struct {
	Engine  func() transfer.Stats
	Cache   func() cache.Stats
	Storage func() opstats.Snapshot
	Breaker func() circuit.Stats
}

// stateCollector turns point-in-time stats into gauges and counters at
// scrape time.
type stateCollector struct {
	src Sources

	buffersFree, buffersOutstanding, buffersWaiting *prometheus.Desc
	workersPending, workersRunning, workersPanicked *prometheus.Desc
	liveHandles                                     *prometheus.Desc

	cacheBytes, cacheCapacity, cacheHitRate *prometheus.Desc
	metadataEntries                         *prometheus.Desc

	storageRequests, storageErrors, storageBytes *prometheus.Desc
	storageLatency                               *prometheus.Desc

	breakerState, breakerTrips *prometheus.Desc
}

// RegisterSources adds scrape-time gauges for the engine, cache, storage
// client and circuit breaker.
func (c *Collector) RegisterSources(src Sources) error {
	ns, labels := c.config.Namespace, prometheus.Labels(c.config.Labels)
	desc := func(sub, name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, sub, name), help, variable, labels)
	}
	s := &stateCollector{
		src:                src,
		buffersFree:        desc("buffers", "free", "Buffers available in the pool."),
		buffersOutstanding: desc("buffers", "outstanding", "Buffers held by transfers."),
		buffersWaiting:     desc("buffers", "waiting", "Callers blocked on buffer acquisition."),
		workersPending:     desc("workers", "pending", "Queued part jobs."),
		workersRunning:     desc("workers", "running", "Part jobs executing."),
		workersPanicked:    desc("workers", "panics_total", "Jobs that panicked."),
		liveHandles:        desc("transfer", "live_handles", "Transfer handles not yet settled."),
		cacheBytes:         desc("cache", "size_bytes", "Bytes held per tier.", "tier"),
		cacheCapacity:      desc("cache", "capacity_bytes", "Configured bytes per tier.", "tier"),
		cacheHitRate:       desc("cache", "hit_ratio", "Hits over lookups per tier.", "tier"),
		metadataEntries:    desc("cache", "metadata_entries", "Cached object metadata entries."),
		storageRequests:    desc("storage", "requests_total", "Object store requests.", "backend"),
		storageErrors:      desc("storage", "errors_total", "Failed object store requests by error kind.", "backend", "kind"),
		storageBytes:       desc("storage", "bytes_total", "Bytes moved by the object client.", "backend", "direction"),
		storageLatency:     desc("storage", "average_latency_seconds", "Mean request latency.", "backend"),
		breakerState:       desc("circuit", "state", "1 for the breaker's current state.", "name", "state"),
		breakerTrips:       desc("circuit", "trips_total", "Times the breaker opened.", "name"),
	}
	return c.registry.Register(s)
}

func (s *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		s.buffersFree, s.buffersOutstanding, s.buffersWaiting,
		s.workersPending, s.workersRunning, s.workersPanicked, s.liveHandles,
		s.cacheBytes, s.cacheCapacity, s.cacheHitRate, s.metadataEntries,
		s.storageRequests, s.storageErrors, s.storageBytes, s.storageLatency,
		s.breakerState, s.breakerTrips,
	} {
		ch <- d
	}
}

func (s *stateCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	if s.src.Engine != nil {
		st := s.src.Engine()
		gauge(s.buffersFree, float64(st.Buffers.Free))
		gauge(s.buffersOutstanding, float64(st.Buffers.Outstanding))
		gauge(s.buffersWaiting, float64(st.Buffers.Waiting))
		gauge(s.workersPending, float64(st.Workers.Pending))
		gauge(s.workersRunning, float64(st.Workers.Running))
		counter(s.workersPanicked, float64(st.Workers.Panicked))
		gauge(s.liveHandles, float64(st.LiveHandles))
	}

	if s.src.Cache != nil {
		st := s.src.Cache()
		gauge(s.cacheBytes, float64(st.Tiers.Memory.Size), cache.TierMemory)
		gauge(s.cacheCapacity, float64(st.Tiers.Memory.Capacity), cache.TierMemory)
		gauge(s.cacheHitRate, st.Tiers.Memory.HitRate, cache.TierMemory)
		if p := st.Tiers.Persistent; p != nil {
			gauge(s.cacheBytes, float64(p.Size), cache.TierPersistent)
			gauge(s.cacheCapacity, float64(p.Capacity), cache.TierPersistent)
			gauge(s.cacheHitRate, p.HitRate, cache.TierPersistent)
		}
		gauge(s.metadataEntries, float64(st.MetadataEntries))
	}

	if s.src.Storage != nil {
		st := s.src.Storage()
		counter(s.storageRequests, float64(st.Requests), st.Backend)
		for kind, n := range st.ErrorsByKind {
			counter(s.storageErrors, float64(n), st.Backend, kind)
		}
		counter(s.storageBytes, float64(st.BytesUploaded), st.Backend, "upload")
		counter(s.storageBytes, float64(st.BytesDownloaded), st.Backend, "download")
		gauge(s.storageLatency, st.AverageLatency.Seconds(), st.Backend)
	}

	if s.src.Breaker != nil {
		st := s.src.Breaker()
		for _, state := range []circuit.State{circuit.StateClosed, circuit.StateOpen, circuit.StateHalfOpen} {
			v := 0.0
			if st.State == state {
				v = 1
			}
			gauge(s.breakerState, v, st.Name, state.String())
		}
		counter(s.breakerTrips, float64(st.Trips), st.Name)
	}
}
