// Package memmon samples process memory and flags heap growth past the
// budget the transfer engine and block cache were given, and goroutine
// growth that points at leaked transfer jobs.
package memmon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/objectfs/bucketfs/pkg/errors"
)

// Config configures the monitor.
type Config struct {
	// SampleInterval paces Run.
	SampleInterval time.Duration

	// MaxSamples bounds the sample history.
	MaxSamples int

	// HeapCeiling is the heap size past which the process is over budget.
	// Zero disables the check.
	HeapCeiling uint64

	// GoroutineGrowth is the ratio over the baseline goroutine count that
	// raises an alert. 1.5 alerts at 50% growth.
	GoroutineGrowth float64

	// ProfileDir receives a heap profile the first time the ceiling is
	// crossed. Empty disables profiling.
	ProfileDir string
}

// DefaultConfig samples every 30s and keeps 100 samples.
func DefaultConfig() Config {
	return Config{
		SampleInterval:  30 * time.Second,
		MaxSamples:      100,
		GoroutineGrowth: 1.5,
	}
}

// Sample is one reading of the runtime.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	HeapAlloc     uint64    `json:"heap_alloc"`
	HeapInuse     uint64    `json:"heap_inuse"`
	Sys           uint64    `json:"sys"`
	NumGC         uint32    `json:"num_gc"`
	Goroutines    int       `json:"goroutines"`
	GCCPUFraction float64   `json:"gc_cpu_fraction"`
}

// AlertType classifies an alert.
type AlertType int

const (
	AlertOverBudget AlertType = iota
	AlertGoroutineGrowth
)

func (t AlertType) String() string {
	switch t {
	case AlertOverBudget:
		return "over_budget"
	case AlertGoroutineGrowth:
		return "goroutine_growth"
	default:
		return "unknown"
	}
}

// Alert records a sample that crossed a threshold.
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	config Config
	logger *slog.Logger

	// overridden in tests
	readStats  func(*runtime.MemStats)
	goroutines func() int

	mu        sync.RWMutex
	baseline  *Sample
	samples   []Sample
	alerts    []Alert
	profiled  bool
	overSince time.Time
	growing   bool
}

// New creates a monitor. Zero fields take the defaults.
func New(config Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = def.SampleInterval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = def.MaxSamples
	}
	if config.GoroutineGrowth <= 1 {
		config.GoroutineGrowth = def.GoroutineGrowth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		config:     config,
		logger:     logger.With("component", "memmon"),
		readStats:  runtime.ReadMemStats,
		goroutines: runtime.NumGoroutine,
	}
}

// Run samples every SampleInterval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	m.Sample()
	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample reads the runtime, records the reading and raises any alerts.
// The first sample becomes the baseline.
func (m *Monitor) Sample() Sample {
	var ms runtime.MemStats
	m.readStats(&ms)
	s := Sample{
		Timestamp:     time.Now(),
		HeapAlloc:     ms.HeapAlloc,
		HeapInuse:     ms.HeapInuse,
		Sys:           ms.Sys,
		NumGC:         ms.NumGC,
		Goroutines:    m.goroutines(),
		GCCPUFraction: ms.GCCPUFraction,
	}

	m.mu.Lock()
	if m.baseline == nil {
		b := s
		m.baseline = &b
	}
	m.samples = append(m.samples, s)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[len(m.samples)-m.config.MaxSamples:]
	}
	profile := m.analyzeLocked(s)
	m.mu.Unlock()

	if profile {
		m.writeProfile()
	}
	return s
}

// analyzeLocked reports whether a heap profile should be written.
func (m *Monitor) analyzeLocked(s Sample) bool {
	profile := false
	if ceiling := m.config.HeapCeiling; ceiling > 0 {
		if s.HeapAlloc > ceiling {
			if m.overSince.IsZero() {
				m.overSince = s.Timestamp
				m.alertLocked(AlertOverBudget, fmt.Sprintf("heap %s exceeds budget %s",
					humanize.IBytes(s.HeapAlloc), humanize.IBytes(ceiling)))
				profile = !m.profiled && m.config.ProfileDir != ""
				m.profiled = m.profiled || profile
			}
		} else {
			m.overSince = time.Time{}
		}
	}

	base := m.baseline.Goroutines
	grown := base > 0 && float64(s.Goroutines) > float64(base)*m.config.GoroutineGrowth
	if grown && !m.growing {
		m.alertLocked(AlertGoroutineGrowth, fmt.Sprintf("goroutines grew from %d to %d", base, s.Goroutines))
	}
	m.growing = grown
	return profile
}

func (m *Monitor) alertLocked(t AlertType, msg string) {
	m.alerts = append(m.alerts, Alert{Timestamp: time.Now(), Type: t, Message: msg})
	if len(m.alerts) > m.config.MaxSamples {
		m.alerts = m.alerts[len(m.alerts)-m.config.MaxSamples:]
	}
	m.logger.Warn("memory alert", "type", t.String(), "message", msg)
}

func (m *Monitor) writeProfile() {
	if err := os.MkdirAll(m.config.ProfileDir, 0o750); err != nil {
		m.logger.Warn("creating profile directory failed", "error", err)
		return
	}
	name := filepath.Join(m.config.ProfileDir, fmt.Sprintf("heap-%s.pprof", time.Now().Format("20060102-150405")))
	f, err := os.Create(name)
	if err != nil {
		m.logger.Warn("creating heap profile failed", "error", err)
		return
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		m.logger.Warn("writing heap profile failed", "error", err)
		return
	}
	m.logger.Info("heap profile written", "path", name)
}

// Check fails while the latest sample is over the heap ceiling. It fits
// health.CheckFunc.
func (m *Monitor) Check(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.overSince.IsZero() || len(m.samples) == 0 {
		return nil
	}
	last := m.samples[len(m.samples)-1]
	return errors.Newf(errors.KindInternal, "heap %s over budget %s since %s",
		humanize.IBytes(last.HeapAlloc), humanize.IBytes(m.config.HeapCeiling), m.overSince.Format(time.RFC3339)).
		WithComponent("memmon")
}

// Samples returns the sample history, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample(nil), m.samples...)
}

// Alerts returns the alerts raised so far, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Alert(nil), m.alerts...)
}
