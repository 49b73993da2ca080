package transfer

import (
	"context"
	"sync"

	"github.com/objectfs/bucketfs/pkg/errors"
)

// gate admits at most limit live handles.
type gate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	limit   int
	live    int
	waiting int
	closed  bool
}

func newGate(limit int) *gate {
	g := &gate{limit: limit}
	g.cond = sync.NewCond(&g.mu)
	return g
}

var errEngineClosed = errors.New(errors.KindPoolShutdown, "transfer engine is shut down").WithComponent("transfer")

// enter blocks until a slot is free, ctx is done or the gate closes.
func (g *gate) enter(ctx context.Context, rec Recorder) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()

	for g.live >= g.limit && !g.closed && ctx.Err() == nil {
		g.waiting++
		rec.AdmissionWaiting(1)
		g.cond.Wait()
		g.waiting--
		rec.AdmissionWaiting(-1)
	}

	switch {
	case g.closed:
		return errEngineClosed
	case ctx.Err() != nil:
		if g.live < g.limit {
			// pass on a wakeup this waiter may have consumed
			g.cond.Signal()
		}
		return ctx.Err()
	}
	g.live++
	return nil
}

// leave frees a slot and wakes one waiter.
func (g *gate) leave() {
	g.mu.Lock()
	g.live--
	g.cond.Signal()
	g.mu.Unlock()
}

// close fails current and future waiters.
func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *gate) stats() (live, waiting int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live, g.waiting
}
