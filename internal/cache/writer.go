package cache

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/bucketfs/pkg/errors"
)

// Writer stages writes to one object in a spool file. Nothing reaches the
// store before Flush.
type Writer struct {
	c           *Cache
	key         string
	contentType string

	mu     sync.Mutex
	f      *os.File
	size   int64
	dirty  bool
	closed bool
}

// OpenWriter opens key for writing. Unless truncate is set, the current
// object content is downloaded into the spool first. A missing key is
// created on the first Flush.
func (c *Cache) OpenWriter(ctx context.Context, key string, truncate bool) (*Writer, error) {
	key = strings.Trim(key, "/")
	f, err := c.createSpool()
	if err != nil {
		return nil, err
	}
	w := &Writer{c: c, key: key, f: f, dirty: truncate}
	if truncate {
		return w, nil
	}

	e, err := c.Stat(ctx, key)
	switch {
	case errors.IsKind(err, errors.KindNotFound):
		w.dirty = true
		return w, nil
	case err != nil:
		removeSpool(f)
		return nil, err
	case e.IsDir:
		removeSpool(f)
		return nil, errors.New(errors.KindInvalidState, "is a directory").WithComponent("cache").WithKey(key).WithCode("IsDirectory")
	}

	w.size, w.contentType = e.Size, e.ContentType
	if e.Size > 0 {
		h, err := c.engine.Download(ctx, key, 0, e.Size, f)
		if err == nil {
			err = h.Wait(ctx)
		}
		if err != nil {
			removeSpool(f)
			return nil, err
		}
	}
	return w, nil
}

// Key returns the object key.
func (w *Writer) Key() string { return w.key }

// WriteAt writes p at off, growing the file as needed.
func (w *Writer) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	n, err := w.f.WriteAt(p, off)
	if end := off + int64(n); end > w.size {
		w.size = end
	}
	if n > 0 {
		w.dirty = true
	}
	if err != nil {
		return n, errors.Wrap(err, errors.KindInternal, "writing spool").WithComponent("cache").WithKey(w.key)
	}
	return n, nil
}

// ReadAt reads the staged content, so readers of an open writer see its writes.
func (w *Writer) ReadAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	if off >= w.size {
		return 0, io.EOF
	}
	if rem := w.size - off; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := w.f.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	if err == nil && off+int64(n) == w.size {
		err = io.EOF
	}
	return n, err
}

// Truncate changes the staged size.
func (w *Writer) Truncate(size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if err := w.f.Truncate(size); err != nil {
		return errors.Wrap(err, errors.KindInternal, "truncating spool").WithComponent("cache").WithKey(w.key)
	}
	w.size = size
	w.dirty = true
	return nil
}

// Size returns the staged size.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Dirty reports whether there are unflushed changes.
func (w *Writer) Dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty
}

// Flush uploads the staged content when it changed since the last flush.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if !w.dirty {
		return nil
	}

	etag, err := w.c.upload(ctx, w.key, w.size, w.f, w.contentType)
	if err != nil {
		return err
	}
	w.dirty = false
	w.c.Invalidate(w.key)
	w.c.meta.put(w.key, Entry{
		Name:        baseName(w.key),
		Key:         w.key,
		Size:        w.size,
		ModTime:     time.Now(),
		ETag:        etag,
		ContentType: w.contentType,
	})
	return nil
}

// Close discards the spool. Unflushed changes are lost.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	removeSpool(w.f)
	return nil
}
