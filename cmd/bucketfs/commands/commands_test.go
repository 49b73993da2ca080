package commands

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/bucketfs/internal/journal"
	"github.com/objectfs/bucketfs/internal/storage"
	"github.com/objectfs/bucketfs/internal/storage/memory"
	"github.com/objectfs/bucketfs/pkg/types"
)

type harness struct {
	t       *testing.T
	store   *memory.Store
	journal string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	store := memory.New()
	prev := openClient
	openClient = func(context.Context, storage.Config, *slog.Logger) (types.ObjectClient, error) {
		return store, nil
	}
	t.Cleanup(func() { openClient = prev })
	return &harness{t: t, store: store, journal: filepath.Join(t.TempDir(), "journal.db")}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--backend", "memory", "--journal", h.journal, "--log-level", "ERROR"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) put(key, body string) {
	h.t.Helper()
	_, err := h.store.PutObject(context.Background(), key, []byte(body), "")
	require.NoError(h.t, err)
}

func TestCp_UploadAndDownload(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	local := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello bucket"), 0o600))

	out, err := h.run("cp", "-q", local, "bucket:docs/")
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded")

	info, err := h.store.HeadObject(context.Background(), "docs/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(12), info.Size)
	assert.Contains(t, info.ContentType, "text/plain")

	dst := t.TempDir()
	out, err = h.run("cp", "-q", "bucket:docs/notes.txt", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "downloaded")
	data, err := os.ReadFile(filepath.Join(dst, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello bucket", string(data))
}

func TestCp_Errors(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("cp", "a", "b")
	assert.Error(t, err)

	_, err = h.run("cp", "-q", "bucket:missing", t.TempDir())
	assert.Error(t, err)

	_, err = h.run("cp", "-q", filepath.Join(t.TempDir(), "nope"), "bucket:x")
	assert.Error(t, err)
}

func TestLs(t *testing.T) {
	h := newHarness(t)
	h.put("a/1.txt", "one")
	h.put("a/b/2.txt", "two")
	h.put("top", "t")

	out, err := h.run("ls")
	require.NoError(t, err)
	assert.Contains(t, out, "a/")
	assert.Contains(t, out, "top")
	assert.NotContains(t, out, "1.txt")

	out, err = h.run("ls", "bucket:a")
	require.NoError(t, err)
	assert.Contains(t, out, "a/1.txt")
	assert.Contains(t, out, "a/b/")
	assert.NotContains(t, out, "2.txt")

	out, err = h.run("ls", "-r", "--bytes", "a")
	require.NoError(t, err)
	assert.Contains(t, out, "a/b/2.txt")
	assert.NotContains(t, out, "top")
}

func TestRm(t *testing.T) {
	h := newHarness(t)
	h.put("a/1.txt", "one")
	h.put("a/b/2.txt", "two")
	h.put("top", "t")

	out, err := h.run("rm", "bucket:top")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted bucket:top")

	_, err = h.run("rm", "-r", "a")
	require.NoError(t, err)

	page, err := h.store.ListObjects(context.Background(), "", "", "", 100)
	require.NoError(t, err)
	assert.Empty(t, page.Objects)
}

func TestAbortOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.store.InitiateMultipartUpload(ctx, "big.bin", "")
	require.NoError(t, err)

	j, err := journal.Open(h.journal, "memory://", nil)
	require.NoError(t, err)
	require.NoError(t, j.Begin(ctx, "big.bin", id, 1<<30))
	require.NoError(t, j.Close())
	time.Sleep(10 * time.Millisecond)

	out, err := h.run("abort-orphans", "--older-than", "0s", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would abort 1 upload(s)")
	assert.Len(t, h.store.Uploads(), 1)

	out, err = h.run("abort-orphans", "--older-than", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "big.bin")
	assert.Contains(t, out, "aborted 1 upload(s)")
	assert.Empty(t, h.store.Uploads())

	out, err = h.run("abort-orphans", "--older-than", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "no orphaned uploads")
}

func TestConfigCommands(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "bucketfs.yaml")

	out, err := h.run("config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	_, err = h.run("config", "init", path)
	assert.Error(t, err)
	_, err = h.run("config", "init", "--force", path)
	require.NoError(t, err)

	out, err = h.run("--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "buffer_size:")
	assert.Contains(t, out, "backend: memory")

	out, err = h.run("--config", path, "config", "show", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"Transfer"`)

	_, err = h.run("--config", path, "config", "show", "-o", "xml")
	assert.Error(t, err)

	out, err = h.run("--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	_, err = h.run("--config", path, "--backend", "s3", "config", "validate")
	assert.Error(t, err, "s3 without a bucket")
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	out, err := h.run("version")
	require.NoError(t, err)
	assert.Contains(t, out, "bucketfs dev")
}
