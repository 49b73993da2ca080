package cache

import (
	"log/slog"

	"github.com/objectfs/bucketfs/pkg/types"
)

// Tier names reported to the recorder.
const (
	TierMemory     = "memory"
	TierPersistent = "persistent"
)

// Recorder receives cache events. Implementations must be safe for concurrent use.
type Recorder interface {
	CacheHit(tier string)
	CacheMiss()
	CacheEviction(tier string)
}

type nopRecorder struct{}

func (nopRecorder) CacheHit(string)      {}
func (nopRecorder) CacheMiss()           {}
func (nopRecorder) CacheEviction(string) {}

// tiers looks pages up in memory first and in the persistent store second.
// New pages go to both; persistent hits are promoted to memory.
type tiers struct {
	memory     *LRU
	persistent *PersistentStore
	recorder   Recorder
	logger     *slog.Logger
}

func (t *tiers) get(object string, id PageID) ([]byte, bool) {
	if data, ok := t.memory.Get(id); ok {
		t.recorder.CacheHit(TierMemory)
		return data, true
	}
	if t.persistent == nil {
		return nil, false
	}
	data, ok, err := t.persistent.Get(id)
	if err != nil {
		t.logger.Warn("persistent cache read failed", "key", object, "page", id.String(), "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	t.recorder.CacheHit(TierPersistent)
	t.memory.Put(object, id, data)
	return data, true
}

func (t *tiers) put(object string, id PageID, data []byte) {
	t.memory.Put(object, id, data)
	if t.persistent == nil {
		return
	}
	if err := t.persistent.Put(id, data); err != nil {
		t.logger.Warn("persistent cache write failed", "key", object, "page", id.String(), "error", err)
	}
}

// forget drops the object's pages from memory. Persistent pages are keyed by
// ETag and age out on their own.
func (t *tiers) forget(object string) {
	t.memory.RemoveObject(object)
}

// TierStats reports per-tier statistics.
type TierStats struct {
	Memory     types.CacheStats  `json:"memory"`
	Persistent *types.CacheStats `json:"persistent,omitempty"`
}

func (t *tiers) stats() TierStats {
	s := TierStats{Memory: t.memory.Stats()}
	if t.persistent != nil {
		p := t.persistent.Stats()
		s.Persistent = &p
	}
	return s
}
