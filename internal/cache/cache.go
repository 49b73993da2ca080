package cache

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/objectfs/bucketfs/internal/transfer"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/types"
)

const listPageSize = 1000

// Transferer is the part of the transfer engine the cache drives.
type Transferer interface {
	Download(ctx context.Context, key string, offset, length int64, sink io.WriterAt) (*transfer.Handle, error)
	Upload(ctx context.Context, key string, size int64, source io.ReaderAt, opts ...transfer.TransferOption) (*transfer.Handle, error)
	AbortMultipart(ctx context.Context, h *transfer.Handle) error
	Options() transfer.Options
}

// Config sizes the cache.
type Config struct {
	MemorySize     int64
	MetadataTTL    time.Duration
	ReadAheadPages int
	SpoolDir       string
	Persistent     PersistentConfig
}

// DefaultConfig returns a 256 MiB memory tier, 30s metadata TTL and two
// pages of read-ahead.
func DefaultConfig() Config {
	return Config{
		MemorySize:     256 << 20,
		MetadataTTL:    30 * time.Second,
		ReadAheadPages: 2,
	}
}

// Option customizes a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder routes cache events to a metrics sink.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		if r != nil {
			c.recorder = r
		}
	}
}

// Cache is the block cache facade. It is safe for concurrent use.
type Cache struct {
	client   types.ObjectClient
	engine   Transferer
	pageSize int64
	spoolDir string
	tiers    *tiers
	meta     *metaCache
	ahead    *readAhead
	group    singleflight.Group
	recorder Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	closed   bool
	prefetch sync.WaitGroup
}

// New builds a cache over client and engine. Pages are the engine's buffer size.
func New(client types.ObjectClient, engine Transferer, cfg Config, opts ...Option) (*Cache, error) {
	pageSize := engine.Options().BufferSize
	if pageSize <= 0 {
		return nil, errors.New(errors.KindInvalidConfig, "engine buffer size must be positive").WithComponent("cache")
	}
	if cfg.MemorySize < pageSize {
		return nil, errors.Newf(errors.KindInvalidConfig, "memory cache of %d bytes cannot hold a %d byte page", cfg.MemorySize, pageSize).
			WithComponent("cache")
	}

	c := &Cache{
		client:   client,
		engine:   engine,
		pageSize: pageSize,
		spoolDir: cfg.SpoolDir,
		meta:     newMetaCache(cfg.MetadataTTL),
		ahead:    newReadAhead(cfg.ReadAheadPages),
		recorder: nopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")

	memory := NewLRU(cfg.MemorySize)
	memory.onEvict = func() { c.recorder.CacheEviction(TierMemory) }
	c.tiers = &tiers{memory: memory, recorder: c.recorder, logger: c.logger}

	if cfg.Persistent.Enabled {
		ps, err := OpenPersistent(cfg.Persistent, c.logger)
		if err != nil {
			return nil, err
		}
		c.tiers.persistent = ps
	}
	return c, nil
}

// PageSize returns the page size in bytes.
func (c *Cache) PageSize() int64 { return c.pageSize }

func dirPrefix(dir string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return ""
	}
	return dir + "/"
}

func baseName(key string) string {
	return path.Base(strings.TrimSuffix(key, "/"))
}

// Stat returns the entry for key. A key with no object but with objects below
// it is a directory.
func (c *Cache) Stat(ctx context.Context, key string) (Entry, error) {
	key = strings.Trim(key, "/")
	if key == "" {
		return Entry{Name: "/", IsDir: true}, nil
	}
	if e, ok := c.meta.get(key); ok {
		return e, nil
	}

	info, err := c.client.HeadObject(ctx, key)
	if err == nil {
		e := Entry{
			Name:        baseName(key),
			Key:         key,
			Size:        info.Size,
			ModTime:     info.LastModified,
			ETag:        info.ETag,
			ContentType: info.ContentType,
		}
		c.meta.put(key, e)
		return e, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return Entry{}, err
	}

	page, lerr := c.client.ListObjects(ctx, key+"/", "/", "", 1)
	if lerr != nil {
		return Entry{}, lerr
	}
	if len(page.Objects) == 0 && len(page.CommonPrefixes) == 0 {
		return Entry{}, err
	}
	e := Entry{Name: baseName(key), Key: key + "/", IsDir: true}
	if len(page.Objects) > 0 {
		e.ModTime = page.Objects[0].LastModified
	}
	c.meta.put(key, e)
	return e, nil
}

// ReadAt reads len(p) bytes of key at off. Like io.ReaderAt it returns io.EOF
// when fewer bytes remain.
func (c *Cache) ReadAt(ctx context.Context, key string, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Newf(errors.KindInvalidRange, "negative offset %d", off).WithComponent("cache").WithKey(key)
	}
	e, err := c.Stat(ctx, key)
	if err != nil {
		return 0, err
	}
	if e.IsDir {
		return 0, errors.New(errors.KindInvalidState, "is a directory").WithComponent("cache").WithKey(key).WithCode("IsDirectory")
	}
	if off >= e.Size || len(p) == 0 {
		if off >= e.Size {
			return 0, io.EOF
		}
		return 0, nil
	}

	end := min(off+int64(len(p)), e.Size)
	first, last := off/c.pageSize, (end-1)/c.pageSize
	n := 0
	for idx := first; idx <= last; idx++ {
		page, err := c.page(ctx, e, idx)
		if err != nil {
			if errors.IsKind(err, errors.KindNotFound) || errors.IsKind(err, errors.KindInvalidRange) {
				// the object changed under us
				c.Invalidate(key)
			}
			return n, err
		}
		pageStart := idx * c.pageSize
		from := max(off, pageStart) - pageStart
		to := min(end, pageStart+int64(len(page))) - pageStart
		n += copy(p[n:], page[from:to])
	}

	c.startPrefetch(e, c.ahead.observe(key, first, last, (e.Size-1)/c.pageSize))
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// page returns page idx of e from a tier or the store. Concurrent misses on
// the same page share one download.
func (c *Cache) page(ctx context.Context, e Entry, idx int64) ([]byte, error) {
	id := NewPageID(e.Key, e.ETag, idx)
	if data, ok := c.tiers.get(e.Key, id); ok {
		return data, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id.String(), func() (interface{}, error) {
		if data, ok := c.tiers.get(e.Key, id); ok {
			return data, nil
		}
		c.recorder.CacheMiss()
		data, err := c.fetch(flightCtx, e, idx)
		if err != nil {
			return nil, err
		}
		c.tiers.put(e.Key, id, data)
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.KindInternal, "read interrupted").WithComponent("cache").WithKey(e.Key)
	}
}

func (c *Cache) fetch(ctx context.Context, e Entry, idx int64) ([]byte, error) {
	start := idx * c.pageSize
	sink := make(pageSink, min(c.pageSize, e.Size-start))
	h, err := c.engine.Download(ctx, e.Key, start, int64(len(sink)), sink)
	if err != nil {
		return nil, err
	}
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	return sink, nil
}

func (c *Cache) startPrefetch(e Entry, pages []int64) {
	if len(pages) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, idx := range pages {
		c.prefetch.Add(1)
		go func() {
			defer c.prefetch.Done()
			if _, err := c.page(context.Background(), e, idx); err != nil {
				c.logger.Debug("read-ahead failed", "key", e.Key, "page", idx, "error", err)
			}
		}()
	}
}

// pageSink receives one downloaded page.
type pageSink []byte

func (s pageSink) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(s)) {
		return 0, errors.Newf(errors.KindInvariantViolation, "write of %d bytes at %d outside page of %d", len(p), off, len(s)).
			WithComponent("cache")
	}
	return copy(s[off:], p), nil
}

// List returns the entries directly below dir, directories included.
func (c *Cache) List(ctx context.Context, dir string) ([]Entry, error) {
	prefix := dirPrefix(dir)
	var (
		entries []Entry
		marker  string
	)
	for {
		page, err := c.client.ListObjects(ctx, prefix, "/", marker, listPageSize)
		if err != nil {
			return nil, err
		}
		for _, o := range page.Objects {
			if o.Key == prefix {
				continue // directory marker
			}
			e := Entry{
				Name:        baseName(o.Key),
				Key:         o.Key,
				Size:        o.Size,
				ModTime:     o.LastModified,
				ETag:        o.ETag,
				ContentType: o.ContentType,
			}
			if e.ETag != "" {
				c.meta.put(o.Key, e)
			}
			entries = append(entries, e)
		}
		for _, p := range page.CommonPrefixes {
			entries = append(entries, Entry{Name: baseName(p), Key: p, IsDir: true})
		}
		if !page.Truncated || page.NextMarker == "" {
			break
		}
		marker = page.NextMarker
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Mkdir creates a directory marker object.
func (c *Cache) Mkdir(ctx context.Context, dir string) error {
	prefix := dirPrefix(dir)
	if prefix == "" {
		return errors.New(errors.KindInvalidState, "root already exists").WithComponent("cache").WithCode("Exists")
	}
	if _, err := c.client.PutObject(ctx, prefix, nil, "application/x-directory"); err != nil {
		return err
	}
	c.meta.put(strings.TrimSuffix(prefix, "/"), Entry{Name: baseName(prefix), Key: prefix, IsDir: true, ModTime: time.Now()})
	return nil
}

// Rmdir removes an empty directory.
func (c *Cache) Rmdir(ctx context.Context, dir string) error {
	prefix := dirPrefix(dir)
	page, err := c.client.ListObjects(ctx, prefix, "/", "", 2)
	if err != nil {
		return err
	}
	for _, o := range page.Objects {
		if o.Key != prefix {
			return notEmpty(dir)
		}
	}
	if len(page.CommonPrefixes) > 0 {
		return notEmpty(dir)
	}
	if err := c.client.DeleteObject(ctx, prefix); err != nil {
		return err
	}
	c.meta.forget(strings.TrimSuffix(prefix, "/"))
	return nil
}

func notEmpty(dir string) error {
	return errors.New(errors.KindInvalidState, "directory not empty").
		WithComponent("cache").WithKey(dir).WithCode("DirectoryNotEmpty")
}

// Remove deletes a file.
func (c *Cache) Remove(ctx context.Context, key string) error {
	key = strings.Trim(key, "/")
	if err := c.client.DeleteObject(ctx, key); err != nil {
		return err
	}
	c.Invalidate(key)
	return nil
}

// Rename copies a file to a new key through a spool file and deletes the old
// one. Directories cannot be renamed.
func (c *Cache) Rename(ctx context.Context, from, to string) error {
	from, to = strings.Trim(from, "/"), strings.Trim(to, "/")
	e, err := c.Stat(ctx, from)
	if err != nil {
		return err
	}
	if e.IsDir {
		return errors.New(errors.KindInvalidState, "directory rename is not supported").
			WithComponent("cache").WithKey(from).WithCode("IsDirectory")
	}

	spool, err := c.createSpool()
	if err != nil {
		return err
	}
	defer removeSpool(spool)

	if e.Size > 0 {
		h, err := c.engine.Download(ctx, from, 0, e.Size, spool)
		if err != nil {
			return err
		}
		if err := h.Wait(ctx); err != nil {
			return err
		}
	}
	etag, err := c.upload(ctx, to, e.Size, spool, e.ContentType)
	if err != nil {
		return err
	}
	if err := c.client.DeleteObject(ctx, from); err != nil {
		return err
	}

	c.Invalidate(from)
	c.Invalidate(to)
	c.meta.put(to, Entry{Name: baseName(to), Key: to, Size: e.Size, ModTime: time.Now(), ETag: etag, ContentType: e.ContentType})
	return nil
}

// upload stores size bytes of src as key and returns the new ETag. A failed
// multipart upload is aborted.
func (c *Cache) upload(ctx context.Context, key string, size int64, src io.ReaderAt, contentType string) (string, error) {
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
	}
	h, err := c.engine.Upload(ctx, key, size, src, transfer.WithContentType(contentType))
	if err != nil {
		return "", err
	}
	if err := h.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			h.Cancel()
		}
		if h.MultipartID() != "" {
			if aerr := c.engine.AbortMultipart(context.WithoutCancel(ctx), h); aerr != nil {
				c.logger.Error("abort after failed flush", "key", key, "upload_id", h.MultipartID(), "error", aerr)
			}
		}
		return "", err
	}
	return h.ETag(), nil
}

// Invalidate drops cached pages and metadata of key.
func (c *Cache) Invalidate(key string) {
	key = strings.Trim(key, "/")
	c.tiers.forget(key)
	c.meta.forget(key)
	c.ahead.forget(key)
}

// Stats reports cache usage.
type Stats struct {
	PageSize        int64     `json:"page_size"`
	MetadataEntries int       `json:"metadata_entries"`
	Tiers           TierStats `json:"tiers"`
}

func (c *Cache) Stats() Stats {
	return Stats{PageSize: c.pageSize, MetadataEntries: c.meta.len(), Tiers: c.tiers.stats()}
}

// Close waits for read-ahead and closes the persistent tier.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.prefetch.Wait()
	if c.tiers.persistent != nil {
		return c.tiers.persistent.Close()
	}
	return nil
}

func (c *Cache) createSpool() (*os.File, error) {
	f, err := os.CreateTemp(c.spoolDir, "bucketfs-spool-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "creating spool file").WithComponent("cache")
	}
	return f, nil
}

func removeSpool(f *os.File) {
	f.Close()
	os.Remove(f.Name())
}
