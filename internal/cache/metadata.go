package cache

import (
	"sync"
	"time"
)

// Entry describes a file or directory as the filesystem sees it.
type Entry struct {
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	ETag        string    `json:"etag,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	IsDir       bool      `json:"is_dir"`
}

type metaItem struct {
	entry   Entry
	expires time.Time
}

// metaCache holds Stat results for a TTL.
type metaCache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	items map[string]metaItem
}

func newMetaCache(ttl time.Duration) *metaCache {
	return &metaCache{ttl: ttl, now: time.Now, items: make(map[string]metaItem)}
}

func (m *metaCache) get(key string) (Entry, bool) {
	if m.ttl <= 0 {
		return Entry{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return Entry{}, false
	}
	if m.now().After(it.expires) {
		delete(m.items, key)
		return Entry{}, false
	}
	return it.entry, true
}

func (m *metaCache) put(key string, e Entry) {
	if m.ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.items[key] = metaItem{entry: e, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
}

func (m *metaCache) forget(key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

func (m *metaCache) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
