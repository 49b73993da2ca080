package cache

import (
	"bytes"
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/types"
)

// Codec names the page compression of the persistent tier.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecLZ4
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec parses "none", "lz4" or "zstd". The empty string means none.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return 0, errors.Newf(errors.KindInvalidConfig, "unknown cache compression %q", name).WithComponent("cache")
}

// PersistentConfig configures the on-disk page tier.
type PersistentConfig struct {
	Enabled     bool
	Directory   string
	MaxSize     int64
	TTL         time.Duration
	Compression string
	GCInterval  time.Duration

	// InMemory keeps the database in memory. Used by tests.
	InMemory bool
}

// pageRecord is the stored value of one page.
type pageRecord struct {
	Codec Codec  `cbor:"1,keyasint"`
	Size  int    `cbor:"2,keyasint"`
	Sum   []byte `cbor:"3,keyasint"`
	Data  []byte `cbor:"4,keyasint"`
}

var pagePrefix = []byte("page/")

func pageKey(id PageID) []byte {
	return append(append([]byte(nil), pagePrefix...), id[:]...)
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// PersistentStore keeps pages in a badger database. Size is bounded by
// dropping the oldest written pages first.
type PersistentStore struct {
	db     *badger.DB
	codec  Codec
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	maxSize int64
	size    int64
	order   *list.List
	index   map[PageID]*list.Element
	stats   types.CacheStats

	stop chan struct{}
	done chan struct{}
}

type persistedPage struct {
	id   PageID
	size int64
}

// OpenPersistent opens the store in cfg.Directory and indexes the pages
// already there.
func OpenPersistent(cfg PersistentConfig, logger *slog.Logger) (*PersistentStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	codec, err := ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(cfg.Directory).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidConfig, "opening persistent cache").
			WithComponent("cache").WithDetail("directory", cfg.Directory)
	}

	s := &PersistentStore{
		db:      db,
		codec:   codec,
		ttl:     cfg.TTL,
		logger:  logger.With("component", "cache", "tier", "persistent"),
		maxSize: cfg.MaxSize,
		order:   list.New(),
		index:   make(map[PageID]*list.Element),
		stats:   types.CacheStats{Capacity: cfg.MaxSize},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := s.loadIndex(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "indexing persistent cache").WithComponent("cache")
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go s.gcLoop(interval)
	return s, nil
}

func (s *PersistentStore) loadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = pagePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var id PageID
			copy(id[:], item.Key()[len(pagePrefix):])
			s.track(id, item.ValueSize())
		}
		return nil
	})
}

// track records a stored page. Callers hold s.mu or own s exclusively.
func (s *PersistentStore) track(id PageID, size int64) {
	if _, ok := s.index[id]; ok {
		return
	}
	s.index[id] = s.order.PushBack(persistedPage{id: id, size: size})
	s.size += size
}

func (s *PersistentStore) untrack(id PageID) {
	if el, ok := s.index[id]; ok {
		s.size -= el.Value.(persistedPage).size
		s.order.Remove(el)
		delete(s.index, id)
	}
}

// Get returns the page, or false when it is absent, expired or corrupt.
func (s *PersistentStore) Get(id PageID) ([]byte, bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pageKey(id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		s.mu.Lock()
		s.stats.Misses++
		s.untrack(id)
		s.mu.Unlock()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.KindInternal, "reading cached page").WithComponent("cache")
	}

	data, err := decodePage(raw)
	if err != nil {
		s.logger.Warn("dropping corrupt page", "page", id.String(), "error", err)
		_ = s.Delete(id)
		s.mu.Lock()
		s.stats.Misses++
		s.mu.Unlock()
		return nil, false, nil
	}

	s.mu.Lock()
	s.stats.Hits++
	s.mu.Unlock()
	return data, true, nil
}

// Put stores a page, evicting older pages beyond the size bound.
func (s *PersistentStore) Put(id PageID, data []byte) error {
	raw, err := encodePage(data, s.codec)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding page").WithComponent("cache")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(pageKey(id), raw)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "writing page").WithComponent("cache")
	}

	s.mu.Lock()
	s.track(id, int64(len(raw)))
	var victims []PageID
	for s.maxSize > 0 && s.size > s.maxSize && s.order.Len() > 1 {
		victim := s.order.Front().Value.(persistedPage).id
		s.untrack(victim)
		s.stats.Evictions++
		victims = append(victims, victim)
	}
	s.mu.Unlock()

	for _, v := range victims {
		if err := s.deleteKey(v); err != nil {
			s.logger.Warn("evicting page failed", "page", v.String(), "error", err)
		}
	}
	return nil
}

// Delete removes a page.
func (s *PersistentStore) Delete(id PageID) error {
	s.mu.Lock()
	s.untrack(id)
	s.mu.Unlock()
	return s.deleteKey(id)
}

func (s *PersistentStore) deleteKey(id PageID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pageKey(id))
	})
}

// Len returns the number of indexed pages.
func (s *PersistentStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *PersistentStore) Stats() types.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Size = s.size
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	if s.maxSize > 0 {
		st.Utilization = float64(s.size) / float64(s.maxSize)
	}
	return st
}

func (s *PersistentStore) gcLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// Close stops garbage collection and closes the database.
func (s *PersistentStore) Close() error {
	select {
	case <-s.stop:
		return nil
	default:
	}
	close(s.stop)
	<-s.done
	return s.db.Close()
}

func encodePage(data []byte, codec Codec) ([]byte, error) {
	sum := blake3.Sum256(data)
	rec := pageRecord{Codec: CodecNone, Size: len(data), Sum: sum[:], Data: data}

	switch codec {
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// zero means incompressible
		if n > 0 && n < len(data) {
			rec.Codec, rec.Data = CodecLZ4, dst[:n]
		}
	case CodecZstd:
		if out := zstdEncoder.EncodeAll(data, nil); len(out) < len(data) {
			rec.Codec, rec.Data = CodecZstd, out
		}
	}
	return cbor.Marshal(rec)
}

func decodePage(raw []byte) ([]byte, error) {
	var rec pageRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}

	var data []byte
	switch rec.Codec {
	case CodecNone:
		data = rec.Data
	case CodecLZ4:
		data = make([]byte, rec.Size)
		n, err := lz4.UncompressBlock(rec.Data, data)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		data = data[:n]
	case CodecZstd:
		var err error
		if data, err = zstdDecoder.DecodeAll(rec.Data, make([]byte, 0, rec.Size)); err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown codec %d", rec.Codec)
	}

	if len(data) != rec.Size {
		return nil, fmt.Errorf("page is %d bytes, record says %d", len(data), rec.Size)
	}
	if sum := blake3.Sum256(data); !bytes.Equal(sum[:], rec.Sum) {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return data, nil
}
