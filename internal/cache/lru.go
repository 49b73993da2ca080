package cache

import (
	"container/list"
	"sync"

	"github.com/objectfs/bucketfs/pkg/types"
)

// LRU is a byte-bounded least-recently-used page cache. Cached pages are
// shared and must not be modified.
type LRU struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[PageID]*list.Element
	byObject  map[string]map[PageID]struct{}
	evictList *list.List
	onEvict   func()

	stats types.CacheStats
}

type lruEntry struct {
	id     PageID
	object string
	data   []byte
}

// NewLRU returns a cache holding at most capacity bytes of page data.
func NewLRU(capacity int64) *LRU {
	return &LRU{
		capacity:  capacity,
		items:     make(map[PageID]*list.Element),
		byObject:  make(map[string]map[PageID]struct{}),
		evictList: list.New(),
		stats:     types.CacheStats{Capacity: capacity},
	}
}

// Get returns the page and marks it recently used.
func (c *LRU) Get(id PageID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}
	c.evictList.MoveToFront(el)
	c.stats.Hits++
	c.updateHitRate()
	return el.Value.(*lruEntry).data, true
}

// Put stores a page of object. Pages larger than the capacity are not cached.
func (c *LRU) Put(object string, id PageID, data []byte) {
	size := int64(len(data))
	if size == 0 || size > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		// same id means same content
		c.evictList.MoveToFront(el)
		return
	}
	el := c.evictList.PushFront(&lruEntry{id: id, object: object, data: data})
	c.items[id] = el
	if c.byObject[object] == nil {
		c.byObject[object] = make(map[PageID]struct{})
	}
	c.byObject[object][id] = struct{}{}
	c.size += size

	for c.size > c.capacity {
		c.removeElement(c.evictList.Back())
		c.stats.Evictions++
		if c.onEvict != nil {
			c.onEvict()
		}
	}
	c.updateUtilization()
}

// RemoveObject drops every cached page of object and returns how many there were.
func (c *LRU) RemoveObject(object string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.byObject[object]
	n := len(ids)
	for id := range ids {
		if el, ok := c.items[id]; ok {
			c.removeElement(el)
		}
	}
	c.updateUtilization()
	return n
}

// Resize changes the capacity, evicting as needed.
func (c *LRU) Resize(capacity int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	c.stats.Capacity = capacity
	for c.size > c.capacity && c.evictList.Len() > 0 {
		c.removeElement(c.evictList.Back())
		c.stats.Evictions++
		if c.onEvict != nil {
			c.onEvict()
		}
	}
	c.updateUtilization()
}

// Clear drops all pages; statistics are kept.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[PageID]*list.Element)
	c.byObject = make(map[string]map[PageID]struct{})
	c.evictList.Init()
	c.size = 0
	c.updateUtilization()
}

// Len returns the number of cached pages.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size returns the cached bytes.
func (c *LRU) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *LRU) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.size
	return s
}

func (c *LRU) removeElement(el *list.Element) {
	e := el.Value.(*lruEntry)
	c.evictList.Remove(el)
	delete(c.items, e.id)
	if ids := c.byObject[e.object]; ids != nil {
		delete(ids, e.id)
		if len(ids) == 0 {
			delete(c.byObject, e.object)
		}
	}
	c.size -= int64(len(e.data))
}

func (c *LRU) updateHitRate() {
	if total := c.stats.Hits + c.stats.Misses; total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

func (c *LRU) updateUtilization() {
	c.stats.Size = c.size
	if c.capacity > 0 {
		c.stats.Utilization = float64(c.size) / float64(c.capacity)
	}
}
