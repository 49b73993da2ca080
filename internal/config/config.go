package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/bucketfs/internal/cache"
	"github.com/objectfs/bucketfs/internal/circuit"
	"github.com/objectfs/bucketfs/internal/fuse"
	"github.com/objectfs/bucketfs/internal/metrics"
	"github.com/objectfs/bucketfs/internal/storage"
	"github.com/objectfs/bucketfs/internal/storage/s3"
	"github.com/objectfs/bucketfs/internal/transfer"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BUCKETFS_"

// Configuration represents the complete bucketfs configuration.
type Configuration struct {
	Global   GlobalConfig     `yaml:"global"`
	Transfer TransferConfig   `yaml:"transfer"`
	Storage  storage.Config   `yaml:"storage"`
	Cache    CacheConfig      `yaml:"cache"`
	Mount    fuse.MountConfig `yaml:"mount"`
	Metrics  metrics.Config   `yaml:"metrics"`
	Journal  JournalConfig    `yaml:"journal"`
}

// GlobalConfig contains process-wide settings.
type GlobalConfig struct {
	Logging utils.LoggingConfig `yaml:"logging"`

	// MetricsAddr serves /metrics on its own listener. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// AdminAddr serves the admin API. Empty disables it.
	AdminAddr string `yaml:"admin_addr"`

	// Profiling serves pprof on the admin API.
	Profiling bool `yaml:"profiling"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// TransferConfig sizes the transfer engine. Sizes are strings such as "5MiB".
type TransferConfig struct {
	BufferMaxHeap        string        `yaml:"buffer_max_heap" validate:"required"`
	BufferSize           string        `yaml:"buffer_size" validate:"required"`
	MaxParallelTransfers int           `yaml:"max_parallel_transfers" validate:"gte=1"`
	WorkerThreads        int           `yaml:"worker_threads" validate:"gte=0"`
	MaxRetries           int           `yaml:"max_retries" validate:"gte=0"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay        time.Duration `yaml:"retry_max_delay" validate:"gte=0"`
	MinPartSize          string        `yaml:"min_part_size" validate:"required"`
	HandleHistory        int           `yaml:"handle_history" validate:"gte=0"`
}

// CacheConfig configures the block cache.
type CacheConfig struct {
	MemorySize     string                `yaml:"memory_size" validate:"required"`
	MetadataTTL    time.Duration         `yaml:"metadata_ttl" validate:"gte=0"`
	ReadAheadPages int                   `yaml:"read_ahead_pages" validate:"gte=0"`
	SpoolDir       string                `yaml:"spool_dir"`
	Persistent     PersistentCacheConfig `yaml:"persistent"`
}

// PersistentCacheConfig configures the on-disk page tier.
type PersistentCacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Directory   string        `yaml:"directory" validate:"required_if=Enabled true"`
	MaxSize     string        `yaml:"max_size"`
	TTL         time.Duration `yaml:"ttl" validate:"gte=0"`
	Compression string        `yaml:"compression" validate:"omitempty,oneof=none lz4 zstd"`
	GCInterval  time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// JournalConfig locates the multipart journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// NewDefault creates a configuration with default values.
func NewDefault() *Configuration {
	opts := transfer.DefaultOptions()
	cacheDefaults := cache.DefaultConfig()
	home, _ := os.UserHomeDir()

	return &Configuration{
		Global: GlobalConfig{
			Logging:         utils.DefaultLoggingConfig(),
			ShutdownTimeout: 30 * time.Second,
		},
		Transfer: TransferConfig{
			BufferMaxHeap:        utils.FormatBytes(opts.BufferMaxHeap),
			BufferSize:           utils.FormatBytes(opts.BufferSize),
			MaxParallelTransfers: opts.MaxParallelTransfers,
			WorkerThreads:        opts.WorkerThreads,
			MaxRetries:           opts.MaxRetries,
			RetryBaseDelay:       opts.RetryBaseDelay,
			RetryMaxDelay:        opts.RetryMaxDelay,
			MinPartSize:          utils.FormatBytes(opts.MinPartSize),
			HandleHistory:        opts.HandleHistory,
		},
		Storage: storage.Config{
			Backend:        storage.BackendS3,
			RequestTimeout: 30 * time.Second,
			S3:             *s3.NewDefaultConfig(),
			CircuitBreaker: circuit.DefaultConfig(),
		},
		Cache: CacheConfig{
			MemorySize:     utils.FormatBytes(cacheDefaults.MemorySize),
			MetadataTTL:    cacheDefaults.MetadataTTL,
			ReadAheadPages: cacheDefaults.ReadAheadPages,
			Persistent: PersistentCacheConfig{
				Directory:   filepath.Join(home, ".cache", "bucketfs", "pages"),
				MaxSize:     "2GiB",
				TTL:         24 * time.Hour,
				Compression: "zstd",
				GCInterval:  10 * time.Minute,
			},
		},
		Mount:   fuse.DefaultMountConfig(),
		Metrics: metrics.DefaultConfig(),
		Journal: JournalConfig{
			Path: filepath.Join(home, ".local", "state", "bucketfs", "journal.db"),
		},
	}
}

// LoadFromFile overlays the YAML file onto c.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.KindInvalidConfig, "failed to read config file").
			WithComponent("config").WithDetail("file", filename)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrap(err, errors.KindInvalidConfig, "failed to parse config file").
			WithComponent("config").WithDetail("file", filename)
	}
	return nil
}

// envBinding maps one BUCKETFS_ variable onto a field.
type envBinding struct {
	name string
	set  func(c *Configuration, v string) error
}

func str(dst func(*Configuration) *string) func(*Configuration, string) error {
	return func(c *Configuration, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(*Configuration) *int) func(*Configuration, string) error {
	return func(c *Configuration, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func boolean(dst func(*Configuration) *bool) func(*Configuration, string) error {
	return func(c *Configuration, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func duration(dst func(*Configuration) *time.Duration) func(*Configuration, string) error {
	return func(c *Configuration, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"LOG_LEVEL", str(func(c *Configuration) *string { return &c.Global.Logging.Level })},
	{"LOG_FORMAT", str(func(c *Configuration) *string { return &c.Global.Logging.Format })},
	{"LOG_FILE", str(func(c *Configuration) *string { return &c.Global.Logging.File })},
	{"METRICS_ADDR", str(func(c *Configuration) *string { return &c.Global.MetricsAddr })},
	{"ADMIN_ADDR", str(func(c *Configuration) *string { return &c.Global.AdminAddr })},

	{"BUFFER_MAX_HEAP", str(func(c *Configuration) *string { return &c.Transfer.BufferMaxHeap })},
	{"BUFFER_SIZE", str(func(c *Configuration) *string { return &c.Transfer.BufferSize })},
	{"MAX_PARALLEL_TRANSFERS", integer(func(c *Configuration) *int { return &c.Transfer.MaxParallelTransfers })},
	{"WORKER_THREADS", integer(func(c *Configuration) *int { return &c.Transfer.WorkerThreads })},
	{"MAX_RETRIES", integer(func(c *Configuration) *int { return &c.Transfer.MaxRetries })},
	{"RETRY_BASE_DELAY", duration(func(c *Configuration) *time.Duration { return &c.Transfer.RetryBaseDelay })},
	{"RETRY_MAX_DELAY", duration(func(c *Configuration) *time.Duration { return &c.Transfer.RetryMaxDelay })},
	{"MIN_PART_SIZE", str(func(c *Configuration) *string { return &c.Transfer.MinPartSize })},

	{"BACKEND", str(func(c *Configuration) *string { return &c.Storage.Backend })},
	{"S3_BUCKET", str(func(c *Configuration) *string { return &c.Storage.S3.Bucket })},
	{"S3_REGION", str(func(c *Configuration) *string { return &c.Storage.S3.Region })},
	{"S3_ENDPOINT", str(func(c *Configuration) *string { return &c.Storage.S3.Endpoint })},
	{"S3_FORCE_PATH_STYLE", boolean(func(c *Configuration) *bool { return &c.Storage.S3.ForcePathStyle })},
	{"GCS_BUCKET", str(func(c *Configuration) *string { return &c.Storage.GCS.Bucket })},
	{"AZURE_CONTAINER", str(func(c *Configuration) *string { return &c.Storage.Azure.Container })},
	{"AZURE_ACCOUNT_URL", str(func(c *Configuration) *string { return &c.Storage.Azure.AccountURL })},

	{"CACHE_SIZE", str(func(c *Configuration) *string { return &c.Cache.MemorySize })},
	{"CACHE_DIR", str(func(c *Configuration) *string { return &c.Cache.Persistent.Directory })},
	{"READ_AHEAD_PAGES", integer(func(c *Configuration) *int { return &c.Cache.ReadAheadPages })},

	{"MOUNT_POINT", str(func(c *Configuration) *string { return &c.Mount.MountPoint })},
	{"READ_ONLY", boolean(func(c *Configuration) *bool { return &c.Mount.Options.ReadOnly })},
	{"JOURNAL_PATH", str(func(c *Configuration) *string { return &c.Journal.Path })},
}

// LoadFromEnv applies BUCKETFS_* environment overrides.
func (c *Configuration) LoadFromEnv() error {
	for _, b := range envBindings {
		name := EnvPrefix + b.name
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			continue
		}
		if err := b.set(c, val); err != nil {
			return errors.Wrap(err, errors.KindInvalidConfig, "invalid environment override").
				WithComponent("config").WithDetail("variable", name)
		}
	}
	return nil
}

// SaveToFile writes the configuration as YAML, creating the directory.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to marshal config").WithComponent("config")
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return errors.Wrap(err, errors.KindInvalidConfig, "failed to create config directory").WithComponent("config")
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return errors.Wrap(err, errors.KindInvalidConfig, "failed to write config file").WithComponent("config")
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the rules that span fields.
func (c *Configuration) Validate() error {
	// only the selected backend's block has to be complete
	if err := validate.StructExcept(c, "Storage.S3", "Storage.GCS", "Storage.Azure"); err != nil {
		return invalid(err)
	}
	switch c.Storage.Backend {
	case storage.BackendS3, "":
		if err := validate.Struct(c.Storage.S3); err != nil {
			return invalid(err)
		}
	case storage.BackendGCS:
		if err := validate.Struct(c.Storage.GCS); err != nil {
			return invalid(err)
		}
	case storage.BackendAzure:
		if err := validate.Struct(c.Storage.Azure); err != nil {
			return invalid(err)
		}
		if c.Storage.Azure.AccountURL == "" && c.Storage.Azure.ConnectionString == "" {
			return configError("azure needs account_url or connection_string")
		}
	}

	if _, err := utils.ParseLogLevel(c.Global.Logging.Level); err != nil {
		return configError(err.Error())
	}
	if f := strings.ToLower(c.Global.Logging.Format); f != "" && f != "text" && f != "json" {
		return configError(fmt.Sprintf("log format %q must be text or json", c.Global.Logging.Format))
	}
	for name, addr := range map[string]string{"metrics_addr": c.Global.MetricsAddr, "admin_addr": c.Global.AdminAddr} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return configError(fmt.Sprintf("%s %q is not host:port", name, addr))
		}
	}

	opts, err := c.EngineOptions()
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	cc, err := c.CacheConfig()
	if err != nil {
		return err
	}
	if cc.MemorySize < opts.BufferSize {
		return configError(fmt.Sprintf("cache memory_size %s is smaller than one page of %s",
			utils.FormatBytes(cc.MemorySize), utils.FormatBytes(opts.BufferSize)))
	}
	return nil
}

// EngineOptions converts the transfer section.
func (c *Configuration) EngineOptions() (transfer.Options, error) {
	t := c.Transfer
	heap, err := parseSize("transfer.buffer_max_heap", t.BufferMaxHeap)
	if err != nil {
		return transfer.Options{}, err
	}
	bufSize, err := parseSize("transfer.buffer_size", t.BufferSize)
	if err != nil {
		return transfer.Options{}, err
	}
	minPart, err := parseSize("transfer.min_part_size", t.MinPartSize)
	if err != nil {
		return transfer.Options{}, err
	}
	return transfer.Options{
		BufferMaxHeap:        heap,
		BufferSize:           bufSize,
		MaxParallelTransfers: t.MaxParallelTransfers,
		WorkerThreads:        t.WorkerThreads,
		MaxRetries:           t.MaxRetries,
		RetryBaseDelay:       t.RetryBaseDelay,
		RetryMaxDelay:        t.RetryMaxDelay,
		MinPartSize:          minPart,
		HandleHistory:        t.HandleHistory,
	}, nil
}

// CacheConfig converts the cache section.
func (c *Configuration) CacheConfig() (cache.Config, error) {
	mem, err := parseSize("cache.memory_size", c.Cache.MemorySize)
	if err != nil {
		return cache.Config{}, err
	}
	p := c.Cache.Persistent
	var diskSize int64
	if p.MaxSize != "" {
		if diskSize, err = parseSize("cache.persistent.max_size", p.MaxSize); err != nil {
			return cache.Config{}, err
		}
	}
	return cache.Config{
		MemorySize:     mem,
		MetadataTTL:    c.Cache.MetadataTTL,
		ReadAheadPages: c.Cache.ReadAheadPages,
		SpoolDir:       c.Cache.SpoolDir,
		Persistent: cache.PersistentConfig{
			Enabled:     p.Enabled,
			Directory:   p.Directory,
			MaxSize:     diskSize,
			TTL:         p.TTL,
			Compression: p.Compression,
			GCInterval:  p.GCInterval,
		},
	}, nil
}

func parseSize(field, value string) (int64, error) {
	n, err := utils.ParseBytes(value)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInvalidConfig, "invalid size").
			WithComponent("config").WithDetail("field", field)
	}
	return n, nil
}

func configError(msg string) error {
	return errors.New(errors.KindInvalidConfig, msg).WithComponent("config")
}

// invalid flattens validator failures into one configuration error.
func invalid(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Wrap(err, errors.KindInvalidConfig, "invalid configuration").WithComponent("config")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Namespace() + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return errors.New(errors.KindInvalidConfig, "invalid configuration: "+strings.Join(msgs, "; ")).
		WithComponent("config")
}
