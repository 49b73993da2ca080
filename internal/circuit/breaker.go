// Package circuit implements a circuit breaker that sheds load from an object
// store that keeps failing.
//
// Only failures that say something about the health of the remote service
// count towards tripping: network errors, throttling and transient server
// errors. A missing key or a rejected request is a healthy answer.
package circuit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/objectfs/bucketfs/pkg/errors"
)

// State is the breaker state.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects every call until the cool-down expires.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config controls when the breaker trips and recovers.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// ConsecutiveFailures trips the breaker on its own.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`

	// FailureRatio trips the breaker when a failure brings the ratio to it
	// after at least MinRequests in the current interval. A success never
	// trips the breaker.
	FailureRatio float64 `yaml:"failure_ratio" validate:"gte=0,lte=1"`
	MinRequests  uint32  `yaml:"min_requests"`

	// Interval resets the closed-state counts.
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `yaml:"timeout"`

	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32 `yaml:"half_open_requests"`
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         20,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// Counts are the request tallies of the current interval.
type Counts struct {
	Requests             uint32 `json:"requests"`
	Successes            uint32 `json:"successes"`
	Failures             uint32 `json:"failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

func (c *Counts) success() {
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ErrOpen matches the error returned while the breaker rejects calls.
var ErrOpen = errors.New(errors.KindServerTransient, "circuit breaker is open").WithCode("CircuitOpen")

// Breaker guards calls to one backend.
type Breaker struct {
	name   string
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
	trips  uint64
}

// New returns a closed breaker. Zero fields of config take their defaults.
func New(name string, config Config, logger *slog.Logger) *Breaker {
	def := DefaultConfig()
	if config.ConsecutiveFailures == 0 {
		config.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if config.FailureRatio <= 0 {
		config.FailureRatio = def.FailureRatio
	}
	if config.MinRequests == 0 {
		config.MinRequests = def.MinRequests
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = def.HalfOpenRequests
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		name:   name,
		config: config,
		logger: logger.With("component", "circuit", "breaker", name),
		now:    time.Now,
	}
	b.expiry = b.now().Add(config.Interval)
	return b
}

// Failure reports whether err counts against the backend's health.
func Failure(err error) bool {
	if err == nil {
		return false
	}
	switch errors.KindOf(err) {
	case errors.KindNetwork, errors.KindThrottled, errors.KindServerTransient:
		return !errors.Is(err, ErrOpen)
	default:
		return false
	}
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.current(b.now())
	if state == StateOpen || (state == StateHalfOpen && b.counts.Requests >= b.config.HalfOpenRequests) {
		return errors.New(errors.KindServerTransient, "circuit breaker is open").
			WithCode("CircuitOpen").
			WithComponent("circuit").
			WithDetail("breaker", b.name).
			WithDetail("state", state.String())
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.current(now)
	if !Failure(err) {
		b.counts.success()
		if state == StateHalfOpen {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.failure()
	switch state {
	case StateHalfOpen:
		b.transition(StateOpen, now)
	case StateClosed:
		c := b.counts
		if c.ConsecutiveFailures >= b.config.ConsecutiveFailures ||
			(c.Requests >= b.config.MinRequests && float64(c.Failures)/float64(c.Requests) >= b.config.FailureRatio) {
			b.transition(StateOpen, now)
		}
	}
}

// current advances time-driven transitions. Callers hold b.mu.
func (b *Breaker) current(now time.Time) State {
	switch b.state {
	case StateClosed:
		if now.After(b.expiry) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if now.After(b.expiry) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.counts = Counts{}
	switch to {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.trips++
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}
	if to == StateOpen {
		b.logger.Warn("circuit opened", "from", from, "cooldown", b.config.Timeout)
	} else {
		b.logger.Info("circuit state changed", "from", from, "to", to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(b.now())
}

// Stats is a snapshot for the admin API.
type Stats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
	Trips  uint64 `json:"trips"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Name: b.name, State: b.current(b.now()), Counts: b.counts, Trips: b.trips}
}

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed, b.now())
	b.counts = Counts{}
}
