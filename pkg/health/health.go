// Package health tracks the health of bucketfs components from observed
// request outcomes and periodic probes.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/bucketfs/pkg/errors"
)

// State is the health of one component or of the whole process.
type State int

const (
	// StateHealthy indicates the component is fully operational.
	StateHealthy State = iota

	// StateDegraded indicates requests are failing but some still succeed.
	StateDegraded

	// StateReadOnly indicates reads work but writes are refused.
	StateReadOnly

	// StateUnavailable indicates the component is not operational.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read_only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for c := StateHealthy; c <= StateUnavailable; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown health state %q", text)
}

// Component is a snapshot of one tracked component.
type Component struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorKind     string    `json:"last_error_kind,omitempty"`
}

// Config sets the error counts that move a component between states.
type Config struct {
	// ErrorThreshold consecutive errors degrade a component.
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold consecutive errors make it unavailable.
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// CheckInterval paces Run.
	CheckInterval time.Duration `yaml:"check_interval"`
}

// DefaultConfig returns thresholds of 3 and 10 errors and 30s probes.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
	}
}

// ChangeFunc observes state transitions.
type ChangeFunc func(component string, from, to State, err error)

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) error

// Tracker is safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*Component
	config     Config
	onChange   []ChangeFunc
	logger     *slog.Logger
}

// NewTracker creates a tracker. Zero thresholds take the defaults.
func NewTracker(config Config, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(def.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		components: make(map[string]*Component),
		config:     config,
		logger:     logger.With("component", "health"),
	}
}

// Register starts tracking name as healthy. Registering twice is a no-op.
func (t *Tracker) Register(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.components[name]; ok {
		return
	}
	now := time.Now()
	t.components[name] = &Component{Name: name, State: StateHealthy, LastStateChange: now, LastCheck: now}
}

// OnChange registers fn for every state transition. fn runs synchronously
// after the tracker lock is released.
func (t *Tracker) OnChange(fn ChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// RecordSuccess clears the error streak of a registered component.
func (t *Tracker) RecordSuccess(name string) {
	t.record(name, nil, false)
}

// RecordError extends the error streak of a registered component.
func (t *Tracker) RecordError(name string, err error) {
	t.record(name, err, false)
}

// RecordWriteError is RecordError for a failed write. A component whose
// writes are refused for lack of permission becomes read-only rather than
// degraded.
func (t *Tracker) RecordWriteError(name string, err error) {
	t.record(name, err, true)
}

func (t *Tracker) record(name string, err error, write bool) {
	t.mu.Lock()
	c, ok := t.components[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	from := c.State
	c.LastCheck = time.Now()

	if err == nil {
		c.ConsecutiveErrors = 0
		c.LastError, c.LastErrorKind = "", ""
		t.setState(c, StateHealthy)
	} else {
		c.ConsecutiveErrors++
		c.LastError = err.Error()
		c.LastErrorKind = errors.KindOf(err).String()
		switch {
		case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
			t.setState(c, StateUnavailable)
		case c.ConsecutiveErrors >= t.config.ErrorThreshold:
			if write && errors.IsKind(err, errors.KindAuthFailure) {
				t.setState(c, StateReadOnly)
			} else {
				t.setState(c, StateDegraded)
			}
		}
	}
	to := c.State
	callbacks := t.onChange
	t.mu.Unlock()

	if from == to {
		return
	}
	if to == StateHealthy {
		t.logger.Info("component recovered", "name", name, "from", from.String())
	} else {
		t.logger.Warn("component health changed", "name", name, "from", from.String(), "to", to.String(), "error", err)
	}
	for _, fn := range callbacks {
		fn(name, from, to, err)
	}
}

func (t *Tracker) setState(c *Component, s State) {
	if c.State != s {
		c.State = s
		c.LastStateChange = time.Now()
	}
}

// State returns the state of name. Unknown components are unavailable.
func (t *Tracker) State(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.components[name]; ok {
		return c.State
	}
	return StateUnavailable
}

// Component returns a snapshot of name.
func (t *Tracker) Component(name string) (Component, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.components[name]
	if !ok {
		return Component{}, errors.Newf(errors.KindNotFound, "component %s not registered", name).WithComponent("health")
	}
	return *c, nil
}

// Components returns snapshots of every component, sorted by name.
func (t *Tracker) Components() []Component {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Component, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall is the worst component state, or healthy with no components.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	worst := StateHealthy
	for _, c := range t.components {
		if c.State > worst {
			worst = c.State
		}
	}
	return worst
}

// CanRead reports whether name still serves reads.
func (t *Tracker) CanRead(name string) bool {
	return t.State(name) != StateUnavailable
}

// CanWrite reports whether name still accepts writes.
func (t *Tracker) CanWrite(name string) bool {
	s := t.State(name)
	return s == StateHealthy || s == StateDegraded
}

// Run probes every component in checks each CheckInterval until ctx ends.
// Components are registered on entry.
func (t *Tracker) Run(ctx context.Context, checks map[string]CheckFunc) {
	for name := range checks {
		t.Register(name)
	}
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Probe(ctx, checks)
		}
	}
}

// Probe runs each check once, bounded by the check interval.
func (t *Tracker) Probe(ctx context.Context, checks map[string]CheckFunc) {
	for name, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, t.config.CheckInterval)
		err := check(cctx)
		cancel()
		if err != nil {
			t.RecordError(name, fmt.Errorf("probe: %w", err))
			continue
		}
		t.RecordSuccess(name)
	}
}

// TransferRecorder feeds part outcomes of the transfer engine into a
// tracked component. It satisfies transfer.Recorder.
type TransferRecorder struct {
	Tracker   *Tracker
	Component string
}

// NewTransferRecorder registers component and returns its recorder.
func NewTransferRecorder(t *Tracker, component string) TransferRecorder {
	t.Register(component)
	return TransferRecorder{Tracker: t, Component: component}
}

func (r TransferRecorder) TransferStarted(string)                              {}
func (r TransferRecorder) TransferSettled(string, string, int64, time.Duration) {}
func (r TransferRecorder) PartRetried(string, string)                          {}
func (r TransferRecorder) AdmissionWaiting(int)                                {}

// PartFinished counts "ok" as success and any error kind as a failure.
// Parts stopped by cancellation say nothing about the backend.
func (r TransferRecorder) PartFinished(direction, result string, _ int64, _ time.Duration) {
	switch result {
	case "ok":
		r.Tracker.RecordSuccess(r.Component)
	case "stopped":
	default:
		err := errors.Newf(errors.ParseKind(result), "%s part failed: %s", direction, result)
		if direction == "upload" {
			r.Tracker.RecordWriteError(r.Component, err)
			return
		}
		r.Tracker.RecordError(r.Component, err)
	}
}
