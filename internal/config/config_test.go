package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/bucketfs/internal/storage"
	"github.com/objectfs/bucketfs/internal/transfer"
	"github.com/objectfs/bucketfs/pkg/errors"
)

func validConfig() *Configuration {
	cfg := NewDefault()
	cfg.Storage.S3.Bucket = "test-bucket"
	return cfg
}

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, "INFO", cfg.Global.Logging.Level)
	assert.Equal(t, storage.BackendS3, cfg.Storage.Backend)
	assert.Equal(t, "zstd", cfg.Cache.Persistent.Compression)
	assert.False(t, cfg.Cache.Persistent.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 1, cfg.Transfer.MaxParallelTransfers)
	assert.Equal(t, 0, cfg.Transfer.WorkerThreads)

	opts, err := cfg.EngineOptions()
	require.NoError(t, err)
	assert.Equal(t, transfer.DefaultOptions(), opts)
	assert.Equal(t, 4, opts.Workers())

	cc, err := cfg.CacheConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(256<<20), cc.MemorySize)
	assert.Equal(t, 2, cc.ReadAheadPages)
	assert.Equal(t, int64(2<<30), cc.Persistent.MaxSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Configuration)
		wantErr string
	}{
		{"valid", func(c *Configuration) {}, ""},
		{"missing bucket", func(c *Configuration) { c.Storage.S3.Bucket = "" }, "bucket"},
		{"memory backend needs no bucket", func(c *Configuration) {
			c.Storage.Backend = storage.BackendMemory
			c.Storage.S3.Bucket = ""
		}, ""},
		{"unknown backend", func(c *Configuration) { c.Storage.Backend = "ftp" }, "backend"},
		{"gcs bucket required", func(c *Configuration) { c.Storage.Backend = storage.BackendGCS }, "bucket"},
		{"azure needs credentials", func(c *Configuration) {
			c.Storage.Backend = storage.BackendAzure
			c.Storage.Azure.Container = "c"
		}, "account_url"},
		{"bad log level", func(c *Configuration) { c.Global.Logging.Level = "LOUD" }, "log level"},
		{"bad log format", func(c *Configuration) { c.Global.Logging.Format = "xml" }, "log format"},
		{"bad metrics addr", func(c *Configuration) { c.Global.MetricsAddr = "9090" }, "metrics_addr"},
		{"zero parallel transfers", func(c *Configuration) { c.Transfer.MaxParallelTransfers = 0 }, "max_parallel_transfers"},
		{"unparsable size", func(c *Configuration) { c.Transfer.BufferSize = "big" }, "invalid size"},
		{"buffer below min part", func(c *Configuration) { c.Transfer.BufferSize = "1MiB" }, "minimum part size"},
		{"heap below buffer", func(c *Configuration) { c.Transfer.BufferMaxHeap = "4MiB" }, "cannot hold"},
		{"cache below page", func(c *Configuration) { c.Cache.MemorySize = "1MiB" }, "smaller than one page"},
		{"persistent needs directory", func(c *Configuration) {
			c.Cache.Persistent.Enabled = true
			c.Cache.Persistent.Directory = ""
		}, "directory"},
		{"bad compression", func(c *Configuration) { c.Cache.Persistent.Compression = "brotli" }, "compression"},
		{"ratio out of range", func(c *Configuration) { c.Storage.CircuitBreaker.FailureRatio = 2 }, "failure_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindInvalidConfig), "kind of %v", err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bucketfs.yaml")
	data := `
global:
  logging:
    level: DEBUG
    format: json
  metrics_addr: ":9100"
transfer:
  buffer_max_heap: 64MiB
  buffer_size: 8MiB
  max_parallel_transfers: 4
  retry_base_delay: 250ms
storage:
  backend: memory
  memory:
    min_part_size: 1024
cache:
  memory_size: 512MiB
  read_ahead_pages: 4
mount:
  mount_point: /mnt/bucket
  options:
    read_only: true
journal:
  path: /var/lib/bucketfs/journal.db
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "DEBUG", cfg.Global.Logging.Level)
	assert.Equal(t, ":9100", cfg.Global.MetricsAddr)
	assert.Equal(t, storage.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, int64(1024), cfg.Storage.Memory.MinPartSize)
	assert.Equal(t, "/mnt/bucket", cfg.Mount.MountPoint)
	assert.True(t, cfg.Mount.Options.ReadOnly)
	// untouched fields keep their defaults
	assert.Equal(t, time.Second, cfg.Mount.Options.AttrTimeout)

	opts, err := cfg.EngineOptions()
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), opts.BufferMaxHeap)
	assert.Equal(t, int64(8<<20), opts.BufferSize)
	assert.Equal(t, 4, opts.MaxParallelTransfers)
	assert.Equal(t, 250*time.Millisecond, opts.RetryBaseDelay)
	assert.Equal(t, 3, opts.MaxRetries)
}

func TestLoadFromFile_Errors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsKind(err, errors.KindInvalidConfig))

	path := filepath.Join(t.TempDir(), "typo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transfer:\n  bufer_size: 1MiB\n"), 0o600))
	err = cfg.LoadFromFile(path)
	assert.True(t, errors.IsKind(err, errors.KindInvalidConfig))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BUCKETFS_LOG_LEVEL", "WARN")
	t.Setenv("BUCKETFS_BACKEND", "gcs")
	t.Setenv("BUCKETFS_GCS_BUCKET", "from-env")
	t.Setenv("BUCKETFS_MAX_PARALLEL_TRANSFERS", "16")
	t.Setenv("BUCKETFS_RETRY_MAX_DELAY", "10s")
	t.Setenv("BUCKETFS_READ_ONLY", "true")
	t.Setenv("BUCKETFS_BUFFER_SIZE", "")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "WARN", cfg.Global.Logging.Level)
	assert.Equal(t, storage.BackendGCS, cfg.Storage.Backend)
	assert.Equal(t, "from-env", cfg.Storage.GCS.Bucket)
	assert.Equal(t, 16, cfg.Transfer.MaxParallelTransfers)
	assert.Equal(t, 10*time.Second, cfg.Transfer.RetryMaxDelay)
	assert.True(t, cfg.Mount.Options.ReadOnly)
	assert.Equal(t, NewDefault().Transfer.BufferSize, cfg.Transfer.BufferSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	t.Setenv("BUCKETFS_WORKER_THREADS", "many")

	err := NewDefault().LoadFromEnv()
	require.Error(t, err)
	e, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "BUCKETFS_WORKER_THREADS", e.Details["variable"])
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "bucketfs.yaml")
	cfg := validConfig()
	cfg.Cache.Persistent.Enabled = true
	cfg.Transfer.RetryBaseDelay = 300 * time.Millisecond
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, cfg, loaded)
}
