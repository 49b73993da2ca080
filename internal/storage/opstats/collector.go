// Package opstats keeps per-backend request counters for the object clients.
package opstats

import (
	"sync"
	"time"

	"github.com/objectfs/bucketfs/pkg/errors"
)

// Snapshot is a point-in-time copy of a backend's counters.
type Snapshot struct {
	Backend         string        `json:"backend"`
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error,omitempty"`
	LastErrorTime   time.Time     `json:"last_error_time,omitempty"`

	ErrorsByKind map[string]int64 `json:"errors_by_kind,omitempty"`

	MultipartStarted   int64 `json:"multipart_started"`
	MultipartParts     int64 `json:"multipart_parts"`
	MultipartCompleted int64 `json:"multipart_completed"`
	MultipartAborted   int64 `json:"multipart_aborted"`
	AveragePartSize    int64 `json:"average_part_size"`

	AcceleratedUploads int64 `json:"accelerated_uploads"`
	FallbackEvents     int64 `json:"fallback_events"`
}

// ErrorRate returns failed requests as a fraction of all requests.
func (s Snapshot) ErrorRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Requests)
}

// Collector aggregates request outcomes. The zero value is not usable; call New.
type Collector struct {
	mu      sync.Mutex
	metrics Snapshot
}

// New returns a collector labelled with the backend name.
func New(backend string) *Collector {
	return &Collector{metrics: Snapshot{Backend: backend, ErrorsByKind: make(map[string]int64)}}
}

// Observe records one request. A nil err counts as success.
func (c *Collector) Observe(duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.Requests++
	if c.metrics.Requests == 1 {
		c.metrics.AverageLatency = duration
	} else {
		// exponential moving average, 1/10 weight for the newest sample
		c.metrics.AverageLatency = time.Duration((int64(c.metrics.AverageLatency)*9 + int64(duration)) / 10)
	}
	if err == nil {
		return
	}
	c.metrics.Errors++
	c.metrics.LastError = err.Error()
	c.metrics.LastErrorTime = time.Now()
	c.metrics.ErrorsByKind[errors.KindOf(err).String()]++
}

// Uploaded adds to the uploaded byte count.
func (c *Collector) Uploaded(n int64) {
	c.mu.Lock()
	c.metrics.BytesUploaded += n
	c.mu.Unlock()
}

// Downloaded adds to the downloaded byte count.
func (c *Collector) Downloaded(n int64) {
	c.mu.Lock()
	c.metrics.BytesDownloaded += n
	c.mu.Unlock()
}

// MultipartStarted counts an initiated multipart upload.
func (c *Collector) MultipartStarted() {
	c.mu.Lock()
	c.metrics.MultipartStarted++
	c.mu.Unlock()
}

// MultipartPart counts an uploaded part.
func (c *Collector) MultipartPart(size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.MultipartParts++
	if c.metrics.MultipartParts == 1 {
		c.metrics.AveragePartSize = size
	} else {
		c.metrics.AveragePartSize = (c.metrics.AveragePartSize*9 + size) / 10
	}
}

// MultipartCompleted counts a completed multipart upload.
func (c *Collector) MultipartCompleted() {
	c.mu.Lock()
	c.metrics.MultipartCompleted++
	c.mu.Unlock()
}

// MultipartAborted counts an aborted multipart upload.
func (c *Collector) MultipartAborted() {
	c.mu.Lock()
	c.metrics.MultipartAborted++
	c.mu.Unlock()
}

// Accelerated counts an upload that went through an accelerated path.
func (c *Collector) Accelerated() {
	c.mu.Lock()
	c.metrics.AcceleratedUploads++
	c.mu.Unlock()
}

// Fallback counts an accelerated upload that fell back to the plain path.
func (c *Collector) Fallback() {
	c.mu.Lock()
	c.metrics.FallbackEvents++
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.metrics
	s.ErrorsByKind = make(map[string]int64, len(c.metrics.ErrorsByKind))
	for k, v := range c.metrics.ErrorsByKind {
		s.ErrorsByKind[k] = v
	}
	return s
}

// Reset zeroes every counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = Snapshot{Backend: c.metrics.Backend, ErrorsByKind: make(map[string]int64)}
}
