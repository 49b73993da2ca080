// Package worker provides a bounded pool of goroutines executing submitted tasks
// in FIFO order. Submission never blocks; a panicking task is reported through its
// Future instead of taking the worker down.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/objectfs/bucketfs/pkg/errors"
)

// ErrDrained is returned by Submit once Drain has been called.
var ErrDrained = errors.New(errors.KindPoolShutdown, "worker pool is drained").WithComponent("worker-pool")

// Future resolves when its task returns or panics.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the task finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finished or ctx is done. It returns the task's panic
// as an error, nil when the task returned normally, or ctx.Err().
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task outcome; only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

type task struct {
	fn     func()
	future *Future
}

// Stats is a point-in-time view of pool activity
type Stats struct {
	Workers   int    `json:"workers"`
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Completed uint64 `json:"completed"`
	Panicked  uint64 `json:"panicked"`
	Drained   bool   `json:"drained"`
}

// Pool runs tasks on a fixed number of goroutines.
type Pool struct {
	mu       sync.Mutex
	queued   *sync.Cond
	queue    []task
	workers  int
	running  int
	drained  bool
	wg       sync.WaitGroup
	stats    Stats
	logger   *slog.Logger
	onPanic  func(value interface{}, stack []byte)
	drainOne sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for panic reports.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPanicHandler registers a callback run on the worker after a task panics.
func WithPanicHandler(fn func(value interface{}, stack []byte)) Option {
	return func(p *Pool) {
		p.onPanic = fn
	}
}

// NewPool starts size workers. size below 1 is raised to 1.
func NewPool(size int, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		workers: size,
		logger:  slog.Default().With("component", "worker-pool"),
	}
	p.queued = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}
	return p
}

// Submit enqueues fn and returns its Future. It never blocks.
func (p *Pool) Submit(fn func()) (*Future, error) {
	f := newFuture()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drained {
		return nil, ErrDrained
	}
	p.queue = append(p.queue, task{fn: fn, future: f})
	p.queued.Signal()
	return f, nil
}

// Drain refuses new submissions, runs everything already queued and waits for
// the workers to exit. It is safe to call more than once.
func (p *Pool) Drain() {
	p.drainOne.Do(func() {
		p.mu.Lock()
		p.drained = true
		p.queued.Broadcast()
		p.mu.Unlock()
	})
	p.wg.Wait()
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.workers
}

// Pending returns the number of queued tasks not yet started.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// GetStats returns current pool statistics
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Workers = p.workers
	s.Pending = len(p.queue)
	s.Running = p.running
	s.Drained = p.drained
	return s
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.drained {
			p.queued.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = task{}
		p.queue = p.queue[1:]
		p.running++
		p.mu.Unlock()

		err := p.run(id, t.fn)

		p.mu.Lock()
		p.running--
		p.stats.Completed++
		if err != nil {
			p.stats.Panicked++
		}
		p.mu.Unlock()

		t.future.resolve(err)
	}
}

func (p *Pool) run(id int, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			p.logger.Error("task panicked", "worker", id, "panic", r, "stack", string(stack))
			if p.onPanic != nil {
				p.onPanic(r, stack)
			}
			err = errors.New(errors.KindInvariantViolation, fmt.Sprintf("task panicked: %v", r)).
				WithComponent("worker-pool").
				WithDetail("stack", string(stack))
		}
	}()
	fn()
	return nil
}
