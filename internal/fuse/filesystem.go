package fuse

import (
	"context"
	"io"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/bucketfs/internal/cache"
	"github.com/objectfs/bucketfs/pkg/errors"
)

// Store is the block cache surface the filesystem serves.
type Store interface {
	Stat(ctx context.Context, key string) (cache.Entry, error)
	List(ctx context.Context, dir string) ([]cache.Entry, error)
	ReadAt(ctx context.Context, key string, p []byte, off int64) (int, error)
	OpenWriter(ctx context.Context, key string, truncate bool) (*cache.Writer, error)
	Mkdir(ctx context.Context, dir string) error
	Rmdir(ctx context.Context, dir string) error
	Remove(ctx context.Context, key string) error
	Rename(ctx context.Context, from, to string) error
}

var _ Store = (*cache.Cache)(nil)

// Config controls ownership and permissions reported for objects, which
// carry none of their own.
type Config struct {
	ReadOnly bool
	UID      uint32
	GID      uint32
	FileMode uint32
	DirMode  uint32
}

// FilesystemStats counts filesystem operations.
type FilesystemStats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Flushes      int64 `json:"flushes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

type counters struct {
	lookups, opens, reads, writes, flushes atomic.Int64
	bytesRead, bytesWritten, errors        atomic.Int64
}

// FileSystem maps POSIX calls onto the block cache. Keys are paths relative
// to the mount root; directories are key prefixes.
type FileSystem struct {
	store  Store
	config Config
	logger *slog.Logger
	stats  counters
}

// NewFileSystem returns a filesystem over store.
func NewFileSystem(store Store, config Config, logger *slog.Logger) *FileSystem {
	if logger == nil {
		logger = slog.Default()
	}
	if config.FileMode == 0 {
		config.FileMode = 0o644
	}
	if config.DirMode == 0 {
		config.DirMode = 0o755
	}
	return &FileSystem{store: store, config: config, logger: logger.With("component", "fuse")}
}

// Root returns the root directory node.
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &dirNode{fsys: fsys}
}

// Stats returns a snapshot of the operation counters.
func (fsys *FileSystem) Stats() FilesystemStats {
	s := &fsys.stats
	return FilesystemStats{
		Lookups:      s.lookups.Load(),
		Opens:        s.opens.Load(),
		Reads:        s.reads.Load(),
		Writes:       s.writes.Load(),
		Flushes:      s.flushes.Load(),
		BytesRead:    s.bytesRead.Load(),
		BytesWritten: s.bytesWritten.Load(),
		Errors:       s.errors.Load(),
	}
}

// fail logs err and converts it to the errno returned to the kernel.
func (fsys *FileSystem) fail(op, key string, err error) syscall.Errno {
	errno := errors.ToErrno(err)
	if errno == syscall.ENOENT {
		return errno
	}
	fsys.stats.errors.Add(1)
	fsys.logger.Warn("operation failed", "op", op, "key", key, "errno", errno, "error", err)
	return errno
}

func (fsys *FileSystem) fillAttr(a *fuse.Attr, e cache.Entry) {
	if e.IsDir {
		a.Mode = syscall.S_IFDIR | fsys.config.DirMode
		a.Nlink = 2
	} else {
		a.Mode = syscall.S_IFREG | fsys.config.FileMode
		a.Nlink = 1
		a.Size = uint64(max(e.Size, 0))
		a.Blocks = (a.Size + 511) / 512
	}
	a.Uid, a.Gid = fsys.config.UID, fsys.config.GID
	mtime := e.ModTime
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}
	a.SetTimes(&mtime, &mtime, &mtime)
}

func (fsys *FileSystem) newChild(ctx context.Context, parent *fs.Inode, e cache.Entry, out *fuse.EntryOut) *fs.Inode {
	fsys.fillAttr(&out.Attr, e)
	if e.IsDir {
		return parent.NewInode(ctx, &dirNode{fsys: fsys}, fs.StableAttr{Mode: fuse.S_IFDIR})
	}
	return parent.NewInode(ctx, &fileNode{fsys: fsys}, fs.StableAttr{Mode: fuse.S_IFREG})
}

// keyOf returns the object key of an inode: its path below the mount root.
func keyOf(n *fs.Inode) string {
	return n.Path(n.Root())
}

type dirNode struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeGetattrer = (*dirNode)(nil)
	_ fs.NodeLookuper  = (*dirNode)(nil)
	_ fs.NodeReaddirer = (*dirNode)(nil)
	_ fs.NodeMkdirer   = (*dirNode)(nil)
	_ fs.NodeRmdirer   = (*dirNode)(nil)
	_ fs.NodeUnlinker  = (*dirNode)(nil)
	_ fs.NodeRenamer   = (*dirNode)(nil)
	_ fs.NodeCreater   = (*dirNode)(nil)
)

func (n *dirNode) child(name string) string {
	return path.Join(keyOf(&n.Inode), name)
}

func (n *dirNode) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fsys.fillAttr(&out.Attr, cache.Entry{IsDir: true})
	return 0
}

func (n *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.lookups.Add(1)
	key := n.child(name)
	e, err := n.fsys.store.Stat(ctx, key)
	if err != nil {
		return nil, n.fsys.fail("lookup", key, err)
	}
	return n.fsys.newChild(ctx, &n.Inode, e, out), 0
}

func (n *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	key := keyOf(&n.Inode)
	entries, err := n.fsys.store.List(ctx, key)
	if err != nil {
		return nil, n.fsys.fail("readdir", key, err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.IsDir {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

func (n *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, syscall.EROFS
	}
	key := n.child(name)
	if err := n.fsys.store.Mkdir(ctx, key); err != nil {
		return nil, n.fsys.fail("mkdir", key, err)
	}
	return n.fsys.newChild(ctx, &n.Inode, cache.Entry{Name: name, Key: key + "/", IsDir: true, ModTime: time.Now()}, out), 0
}

func (n *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	key := n.child(name)
	if err := n.fsys.store.Rmdir(ctx, key); err != nil {
		return n.fsys.fail("rmdir", key, err)
	}
	return 0
}

func (n *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	key := n.child(name)
	if err := n.fsys.store.Remove(ctx, key); err != nil {
		return n.fsys.fail("unlink", key, err)
	}
	return 0
}

func (n *dirNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	if flags != 0 {
		// RENAME_EXCHANGE and RENAME_NOREPLACE need atomicity the store lacks
		return syscall.ENOTSUP
	}
	from := n.child(name)
	to := path.Join(keyOf(newParent.EmbeddedInode()), newName)
	if err := n.fsys.store.Rename(ctx, from, to); err != nil {
		return n.fsys.fail("rename", from, err)
	}
	return 0
}

func (n *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	key := n.child(name)
	w, err := n.fsys.store.OpenWriter(ctx, key, true)
	if err != nil {
		return nil, nil, 0, n.fsys.fail("create", key, err)
	}

	node := &fileNode{fsys: n.fsys, writer: w, writers: 1}
	n.fsys.fillAttr(&out.Attr, cache.Entry{Name: name, Key: key, ModTime: time.Now()})
	inode := n.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG})
	n.fsys.stats.opens.Add(1)
	return inode, &fileHandle{node: node, write: true}, 0, 0
}

// fileNode is a regular file. While any handle has it open for writing,
// reads and attributes come from its spool writer.
type fileNode struct {
	fs.Inode
	fsys *FileSystem

	mu      sync.Mutex
	writer  *cache.Writer
	writers int
}

var (
	_ fs.NodeOpener    = (*fileNode)(nil)
	_ fs.NodeGetattrer = (*fileNode)(nil)
	_ fs.NodeSetattrer = (*fileNode)(nil)
)

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	f.fsys.stats.opens.Add(1)
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) == 0 {
		return &fileHandle{node: f}, 0, 0
	}
	if f.fsys.config.ReadOnly {
		return nil, 0, syscall.EROFS
	}
	if errno := f.acquireWriter(ctx, flags&syscall.O_TRUNC != 0); errno != 0 {
		return nil, 0, errno
	}
	return &fileHandle{node: f, write: true}, 0, 0
}

func (f *fileNode) acquireWriter(ctx context.Context, truncate bool) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keyOf(&f.Inode)
	if f.writer == nil {
		w, err := f.fsys.store.OpenWriter(ctx, key, truncate)
		if err != nil {
			return f.fsys.fail("open", key, err)
		}
		f.writer = w
	} else if truncate {
		if err := f.writer.Truncate(0); err != nil {
			return f.fsys.fail("open", key, err)
		}
	}
	f.writers++
	return 0
}

// releaseWriter flushes and closes the writer when the last write handle goes away.
func (f *fileNode) releaseWriter(ctx context.Context) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writers--
	if f.writers > 0 || f.writer == nil {
		return 0
	}
	w := f.writer
	f.writer = nil
	defer w.Close()
	if err := w.Flush(ctx); err != nil {
		return f.fsys.fail("release", w.Key(), err)
	}
	return 0
}

func (f *fileNode) activeWriter() *cache.Writer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer
}

func (f *fileNode) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	key := keyOf(&f.Inode)
	if w := f.activeWriter(); w != nil {
		f.fsys.fillAttr(&out.Attr, cache.Entry{Key: key, Size: w.Size(), ModTime: time.Now()})
		return 0
	}
	e, err := f.fsys.store.Stat(ctx, key)
	if err != nil {
		return f.fsys.fail("getattr", key, err)
	}
	f.fsys.fillAttr(&out.Attr, e)
	return 0
}

// Setattr supports size changes. Mode, ownership and times are not stored.
func (f *fileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	size, ok := in.GetSize()
	if ok {
		if f.fsys.config.ReadOnly {
			return syscall.EROFS
		}
		if errno := f.truncate(ctx, int64(size)); errno != 0 {
			return errno
		}
	}
	return f.Getattr(ctx, fh, out)
}

func (f *fileNode) truncate(ctx context.Context, size int64) syscall.Errno {
	if errno := f.acquireWriter(ctx, size == 0); errno != 0 {
		return errno
	}
	if err := f.activeWriter().Truncate(size); err != nil {
		f.releaseWriter(ctx)
		return f.fsys.fail("truncate", keyOf(&f.Inode), err)
	}
	return f.releaseWriter(ctx)
}

type fileHandle struct {
	node  *fileNode
	write bool

	once sync.Once
}

var (
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileWriter   = (*fileHandle)(nil)
	_ fs.FileFlusher  = (*fileHandle)(nil)
	_ fs.FileFsyncer  = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fsys := h.node.fsys
	fsys.stats.reads.Add(1)

	var (
		n   int
		err error
	)
	if w := h.node.activeWriter(); w != nil {
		n, err = w.ReadAt(dest, off)
	} else {
		n, err = fsys.store.ReadAt(ctx, keyOf(&h.node.Inode), dest, off)
	}
	if err != nil && err != io.EOF {
		return nil, fsys.fail("read", keyOf(&h.node.Inode), err)
	}
	fsys.stats.bytesRead.Add(int64(n))
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if !h.write {
		return 0, syscall.EBADF
	}
	fsys := h.node.fsys
	fsys.stats.writes.Add(1)
	w := h.node.activeWriter()
	if w == nil {
		return 0, syscall.EBADF
	}
	n, err := w.WriteAt(data, off)
	fsys.stats.bytesWritten.Add(int64(n))
	if err != nil {
		return uint32(n), fsys.fail("write", w.Key(), err)
	}
	return uint32(n), 0
}

// Flush runs on every close of a descriptor and uploads pending writes.
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	if !h.write {
		return 0
	}
	w := h.node.activeWriter()
	if w == nil {
		return 0
	}
	h.node.fsys.stats.flushes.Add(1)
	if err := w.Flush(ctx); err != nil {
		return h.node.fsys.fail("flush", w.Key(), err)
	}
	return 0
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return h.Flush(ctx)
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	if !h.write {
		return 0
	}
	errno := syscall.Errno(0)
	h.once.Do(func() { errno = h.node.releaseWriter(ctx) })
	return errno
}
