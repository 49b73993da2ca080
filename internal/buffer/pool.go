package buffer

import (
	"fmt"
	"sync"

	"github.com/objectfs/bucketfs/pkg/errors"
)

// Buffer is one fixed-size region owned by a Pool. Whoever acquired it owns it
// exclusively until Release.
type Buffer struct {
	id   int
	data []byte
	pool *Pool
	out  bool
}

// Bytes returns the full backing slice.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int {
	return len(b.data)
}

// ID identifies the buffer within its pool.
func (b *Buffer) ID() int {
	return b.id
}

// Pool is a fixed-count pool of equally sized buffers. The buffers themselves are
// the semaphore tokens: Outstanding() + Free() == Capacity() at all times.
type Pool struct {
	mu       sync.Mutex
	released *sync.Cond
	free     []*Buffer
	capacity int
	size     int
	shutdown bool
	waiting  int
}

// PoolStats is a point-in-time view of pool usage
type PoolStats struct {
	Capacity    int  `json:"capacity"`
	Free        int  `json:"free"`
	Outstanding int  `json:"outstanding"`
	Waiting     int  `json:"waiting"`
	BufferSize  int  `json:"buffer_size"`
	Shutdown    bool `json:"shutdown"`
}

// NewPool allocates floor(heap/size) buffers of size bytes.
func NewPool(heap, size int64) (*Pool, error) {
	if size <= 0 {
		return nil, errors.Newf(errors.KindInvalidConfig, "buffer size must be positive, got %d", size)
	}
	count := heap / size
	if count < 1 {
		return nil, errors.Newf(errors.KindInvalidConfig,
			"buffer heap %d smaller than buffer size %d", heap, size)
	}

	p := &Pool{size: int(size)}
	p.released = sync.NewCond(&p.mu)
	p.free = make([]*Buffer, 0, count)
	for i := 0; i < int(count); i++ {
		p.Put(&Buffer{id: i, data: make([]byte, size)})
	}
	return p, nil
}

// Put adds a buffer to the free list without waking waiters. A buffer from no pool
// is adopted and grows the capacity; a checked-out buffer of this pool is reclaimed.
func (p *Pool) Put(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case b.pool == nil:
		b.pool = p
		p.capacity++
	case b.pool != p:
		panic(violation("put of buffer %d owned by another pool", b.id))
	case !b.out:
		panic(violation("put of buffer %d already in the pool", b.id))
	}
	b.out = false
	p.free = append(p.free, b)
}

// Acquire blocks until a buffer is free or the pool shuts down.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.free) == 0 && !p.shutdown {
		p.waiting++
		p.released.Wait()
		p.waiting--
	}
	if p.shutdown {
		return nil, errors.New(errors.KindPoolShutdown, "buffer pool is shut down").
			WithComponent("buffer-pool").WithOperation("Acquire")
	}

	b := p.free[len(p.free)-1]
	p.free[len(p.free)-1] = nil
	p.free = p.free[:len(p.free)-1]
	b.out = true
	return b, nil
}

// Release returns a buffer and wakes one waiter. It is legal after shutdown.
// Releasing a buffer twice panics.
func (p *Pool) Release(b *Buffer) {
	p.mu.Lock()
	if b.pool != p {
		p.mu.Unlock()
		panic(violation("release of buffer %d owned by another pool", b.id))
	}
	if !b.out {
		p.mu.Unlock()
		panic(violation("double release of buffer %d", b.id))
	}
	b.out = false
	p.free = append(p.free, b)
	if p.shutdown {
		// only the teardown waiter is left; wake it even if acquirers were signalled first
		p.released.Broadcast()
	} else {
		p.released.Signal()
	}
	p.mu.Unlock()
}

// Available is an advisory snapshot of whether Acquire would return immediately.
func (p *Pool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) > 0 && !p.shutdown
}

// ShutdownAndWait stops further acquisitions, blocks until expected buffers are
// back on the free list, then drains and returns them. expected is capped at Capacity.
func (p *Pool) ShutdownAndWait(expected int) []*Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if expected > p.capacity {
		expected = p.capacity
	}
	p.shutdown = true
	p.released.Broadcast()

	for len(p.free) < expected {
		p.waiting++
		p.released.Wait()
		p.waiting--
	}

	drained := p.free
	p.free = nil
	for _, b := range drained {
		b.out = true
	}
	return drained
}

// Capacity is the number of buffers the pool owns.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// Free is the number of buffers on the free list.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Outstanding is the number of buffers currently checked out (or drained by shutdown).
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.free)
}

// BufferSize is the size of every buffer in bytes.
func (p *Pool) BufferSize() int {
	return p.size
}

// IsShutdown reports whether ShutdownAndWait has been called.
func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// GetStats returns current pool statistics
func (p *Pool) GetStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Capacity:    p.capacity,
		Free:        len(p.free),
		Outstanding: p.capacity - len(p.free),
		Waiting:     p.waiting,
		BufferSize:  p.size,
		Shutdown:    p.shutdown,
	}
}

func violation(format string, args ...interface{}) *errors.Error {
	return errors.New(errors.KindInvariantViolation, fmt.Sprintf(format, args...)).
		WithComponent("buffer-pool").WithStack()
}
