package cache

import "sync"

const maxTrackedStreams = 1024

type stream struct {
	next   int64
	streak int
	ahead  int64 // highest page already scheduled
}

// readAhead detects sequential page access per object and proposes pages to
// prefetch once a reader has read two consecutive ranges in order.
type readAhead struct {
	pages int

	mu      sync.Mutex
	streams map[string]*stream
}

func newReadAhead(pages int) *readAhead {
	return &readAhead{pages: pages, streams: make(map[string]*stream)}
}

// observe records a read of pages first..last of object, whose last page is
// lastPage, and returns the pages to prefetch.
func (r *readAhead) observe(object string, first, last, lastPage int64) []int64 {
	if r.pages <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[object]
	if !ok {
		if len(r.streams) >= maxTrackedStreams {
			r.streams = make(map[string]*stream)
		}
		r.streams[object] = &stream{next: last + 1, ahead: -1}
		return nil
	}
	switch {
	case first == s.next || first == s.next-1:
		s.streak++
	default:
		s.streak = 0
		s.ahead = -1
	}
	s.next = last + 1
	if s.streak < 1 {
		return nil
	}

	start := max(last+1, s.ahead+1)
	end := min(last+int64(r.pages), lastPage)
	var out []int64
	for p := start; p <= end; p++ {
		out = append(out, p)
	}
	if end > s.ahead {
		s.ahead = end
	}
	return out
}

func (r *readAhead) forget(object string) {
	r.mu.Lock()
	delete(r.streams, object)
	r.mu.Unlock()
}
