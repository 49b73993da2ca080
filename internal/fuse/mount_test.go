package fuse

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/bucketfs/internal/cache"
	"github.com/objectfs/bucketfs/internal/storage/memory"
	"github.com/objectfs/bucketfs/internal/transfer"
	"github.com/objectfs/bucketfs/pkg/errors"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewMountManager_Defaults(t *testing.T) {
	m := NewMountManager(NewFileSystem(nil, Config{}, quiet()), MountConfig{MountPoint: "/mnt/x"}, quiet())
	assert.Equal(t, 128<<10, m.config.Options.MaxWrite)
	assert.Equal(t, time.Second, m.config.Options.AttrTimeout)
	assert.Equal(t, "bucketfs", m.config.Options.FSName)
	assert.Equal(t, "/mnt/x", m.MountPoint())
	assert.False(t, m.IsMounted())

	err := m.Unmount()
	assert.True(t, errors.IsKind(err, errors.KindInvalidState))
}

func TestBuildFUSEOptions(t *testing.T) {
	cfg := MountConfig{
		MountPoint: "/mnt/x",
		Options: MountOptions{
			ReadOnly:     true,
			AllowOther:   true,
			DefaultPerms: true,
			AttrTimeout:  5 * time.Second,
			FSName:       "my-bucket",
		},
		Permissions: Permissions{UID: 42, GID: 7},
	}
	opts := NewMountManager(NewFileSystem(nil, cfg.FilesystemConfig(), quiet()), cfg, quiet()).buildFUSEOptions()

	assert.Equal(t, "my-bucket", opts.FsName)
	assert.Equal(t, "bucketfs", opts.Name)
	assert.True(t, opts.AllowOther)
	assert.False(t, opts.NullPermissions)
	assert.Equal(t, 5*time.Second, *opts.AttrTimeout)
	assert.Equal(t, time.Second, *opts.EntryTimeout)
	assert.Equal(t, uint32(42), opts.UID)
	assert.Contains(t, opts.Options, "ro")
	assert.Contains(t, opts.Options, "default_permissions")
}

func TestValidateMountPoint(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	mounts := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mounts, []byte("bucketfs "+dir+" fuse.bucketfs rw 0 0\n"), 0o644))
	old := mountsFile
	mountsFile = mounts
	t.Cleanup(func() { mountsFile = old })

	for name, mp := range map[string]string{
		"empty":           "",
		"missing":         filepath.Join(dir, "nope"),
		"not a directory": file,
		"already mounted": dir + "/",
	} {
		t.Run(name, func(t *testing.T) {
			m := NewMountManager(NewFileSystem(nil, Config{}, quiet()), MountConfig{MountPoint: mp}, quiet())
			assert.True(t, errors.IsKind(m.validateMountPoint(), errors.KindInvalidConfig))
		})
	}

	free := NewMountManager(NewFileSystem(nil, Config{}, quiet()), MountConfig{MountPoint: t.TempDir()}, quiet())
	assert.NoError(t, free.validateMountPoint())
}

func TestFillAttr(t *testing.T) {
	fsys := NewFileSystem(nil, Config{UID: 5, GID: 6}, quiet())
	mtime := time.Unix(1700000000, 0)

	var a fuse.Attr
	fsys.fillAttr(&a, cache.Entry{Size: 1000, ModTime: mtime})
	assert.Equal(t, uint32(syscall.S_IFREG|0o644), a.Mode)
	assert.Equal(t, uint64(1000), a.Size)
	assert.Equal(t, uint64(2), a.Blocks)
	assert.Equal(t, uint64(mtime.Unix()), a.Mtime)
	assert.Equal(t, uint32(5), a.Uid)

	var d fuse.Attr
	fsys.fillAttr(&d, cache.Entry{IsDir: true})
	assert.Equal(t, uint32(syscall.S_IFDIR|0o755), d.Mode)
	assert.Equal(t, uint32(2), d.Nlink)
}

// mountForTest mounts a filesystem over an in-memory store, or skips when
// FUSE is unavailable.
func mountForTest(t *testing.T) (string, *memory.Store) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("no /dev/fuse")
	}
	if _, err := exec.LookPath("fusermount3"); err != nil {
		if _, err := exec.LookPath("fusermount"); err != nil {
			t.Skip("no fusermount")
		}
	}

	store := memory.New(memory.WithMinPartSize(1))
	opts := transfer.DefaultOptions()
	opts.BufferSize, opts.BufferMaxHeap, opts.MinPartSize = 16, 256, 1
	engine, err := transfer.NewEngine(store, opts, transfer.WithLogger(quiet()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	c, err := cache.New(store, engine, cache.Config{MemorySize: 1 << 10, SpoolDir: t.TempDir()}, cache.WithLogger(quiet()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	dir := t.TempDir()
	cfg := MountConfig{MountPoint: dir}
	m := NewMountManager(NewFileSystem(c, cfg.FilesystemConfig(), quiet()), cfg, quiet())
	if err := m.Mount(context.Background()); err != nil {
		t.Skipf("mount unavailable: %v", err)
	}
	t.Cleanup(func() { _ = m.Unmount() })
	return dir, store
}

func TestMount_FileLifecycle(t *testing.T) {
	dir, store := mountForTest(t)
	ctx := context.Background()

	content := []byte("a file spanning several sixteen byte pages")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), content, 0o644))

	info, err := store.HeadObject(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.Size)

	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	f, err := os.OpenFile(filepath.Join(dir, "a.txt"), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString("!")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	got, err = os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, append(content, '!'), got)

	require.NoError(t, os.Truncate(filepath.Join(dir, "a.txt"), 4))
	st, err := os.Stat(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Size())

	require.NoError(t, os.Rename(filepath.Join(dir, "a.txt"), filepath.Join(dir, "b.txt")))
	_, err = os.Stat(filepath.Join(dir, "a.txt"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.Remove(filepath.Join(dir, "b.txt")))
	assert.Equal(t, 0, store.Len())
}

func TestMount_Directories(t *testing.T) {
	dir, store := mountForTest(t)
	ctx := context.Background()
	_, err := store.PutObject(ctx, "logs/2024/app.log", []byte("line\n"), "")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2024", entries[0].Name())
	assert.True(t, entries[0].IsDir())

	require.NoError(t, os.Mkdir(filepath.Join(dir, "empty"), 0o755))
	_, err = store.HeadObject(ctx, "empty/")
	require.NoError(t, err)

	err = os.Remove(filepath.Join(dir, "logs", "2024"))
	assert.ErrorIs(t, err, syscall.ENOTEMPTY)

	require.NoError(t, os.Remove(filepath.Join(dir, "empty")))
	_, err = os.Stat(filepath.Join(dir, "missing"))
	assert.True(t, os.IsNotExist(err))
}
