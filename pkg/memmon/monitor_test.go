package memmon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// fakeRuntime feeds scripted readings to a monitor.
type fakeRuntime struct {
	heap       uint64
	goroutines int
}

func newFakeMonitor(config Config, rt *fakeRuntime) *Monitor {
	m := New(config, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.readStats = func(ms *runtime.MemStats) { ms.HeapAlloc = rt.heap }
	m.goroutines = func() int { return rt.goroutines }
	return m
}

func TestNew_Defaults(t *testing.T) {
	m := New(Config{}, nil)
	if m.config.SampleInterval != 30*time.Second {
		t.Errorf("Expected 30s sample interval, got %v", m.config.SampleInterval)
	}
	if m.config.MaxSamples != 100 {
		t.Errorf("Expected 100 samples, got %d", m.config.MaxSamples)
	}
	if m.config.GoroutineGrowth != 1.5 {
		t.Errorf("Expected growth ratio 1.5, got %v", m.config.GoroutineGrowth)
	}
}

func TestMonitor_RealSample(t *testing.T) {
	m := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := m.Sample()
	if s.HeapAlloc == 0 {
		t.Error("Expected non-zero heap")
	}
	if s.Goroutines == 0 {
		t.Error("Expected goroutines")
	}
}

func TestMonitor_OverBudget(t *testing.T) {
	rt := &fakeRuntime{heap: 10 << 20, goroutines: 10}
	dir := filepath.Join(t.TempDir(), "profiles")
	m := newFakeMonitor(Config{HeapCeiling: 64 << 20, ProfileDir: dir}, rt)

	m.Sample()
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("Expected healthy monitor, got %v", err)
	}

	rt.heap = 100 << 20
	m.Sample()
	m.Sample()
	if err := m.Check(context.Background()); err == nil {
		t.Fatal("Expected over-budget error")
	}
	alerts := m.Alerts()
	if len(alerts) != 1 || alerts[0].Type != AlertOverBudget {
		t.Fatalf("Expected one over_budget alert, got %+v", alerts)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Expected profile directory: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected one heap profile, got %d", len(entries))
	}

	rt.heap = 20 << 20
	m.Sample()
	if err := m.Check(context.Background()); err != nil {
		t.Errorf("Expected recovery, got %v", err)
	}

	// a second breach alerts again but does not profile again
	rt.heap = 100 << 20
	m.Sample()
	if got := len(m.Alerts()); got != 2 {
		t.Errorf("Expected 2 alerts, got %d", got)
	}
	entries, _ = os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Expected still one heap profile, got %d", len(entries))
	}
}

func TestMonitor_GoroutineGrowth(t *testing.T) {
	rt := &fakeRuntime{heap: 1 << 20, goroutines: 10}
	m := newFakeMonitor(Config{GoroutineGrowth: 2}, rt)

	m.Sample()
	rt.goroutines = 15
	m.Sample()
	if len(m.Alerts()) != 0 {
		t.Fatal("Expected no alert below the growth ratio")
	}

	rt.goroutines = 25
	m.Sample()
	m.Sample()
	alerts := m.Alerts()
	if len(alerts) != 1 || alerts[0].Type != AlertGoroutineGrowth {
		t.Fatalf("Expected one goroutine_growth alert, got %+v", alerts)
	}
	if alerts[0].Type.String() != "goroutine_growth" {
		t.Errorf("Unexpected alert name %s", alerts[0].Type)
	}
}

func TestMonitor_SampleHistoryIsBounded(t *testing.T) {
	rt := &fakeRuntime{heap: 1 << 20, goroutines: 1}
	m := newFakeMonitor(Config{MaxSamples: 3}, rt)
	for i := 0; i < 5; i++ {
		rt.heap += 1 << 20
		m.Sample()
	}
	samples := m.Samples()
	if len(samples) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(samples))
	}
	if samples[2].HeapAlloc != 6<<20 {
		t.Errorf("Expected newest sample last, got %d", samples[2].HeapAlloc)
	}
}

func TestMonitor_Run(t *testing.T) {
	rt := &fakeRuntime{heap: 1 << 20, goroutines: 1}
	m := newFakeMonitor(Config{SampleInterval: 5 * time.Millisecond}, rt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(m.Samples()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if len(m.Samples()) < 3 {
		t.Errorf("Expected at least 3 samples, got %d", len(m.Samples()))
	}
}
