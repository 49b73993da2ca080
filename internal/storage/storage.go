// Package storage selects and assembles the object client for a configured
// backend.
package storage

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/objectfs/bucketfs/internal/circuit"
	"github.com/objectfs/bucketfs/internal/storage/azure"
	"github.com/objectfs/bucketfs/internal/storage/gcs"
	"github.com/objectfs/bucketfs/internal/storage/memory"
	"github.com/objectfs/bucketfs/internal/storage/opstats"
	"github.com/objectfs/bucketfs/internal/storage/s3"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/types"
)

// Backend names.
const (
	BackendS3     = "s3"
	BackendMemory = "memory"
	BackendGCS    = "gcs"
	BackendAzure  = "azure"
)

// Config selects a backend and carries the settings of every backend.
type Config struct {
	Backend        string         `yaml:"backend" validate:"oneof=s3 memory gcs azure"`
	RequestTimeout time.Duration  `yaml:"request_timeout"`
	S3             s3.Config      `yaml:"s3"`
	GCS            gcs.Config     `yaml:"gcs"`
	Azure          azure.Config   `yaml:"azure"`
	Memory         MemoryConfig   `yaml:"memory"`
	CircuitBreaker circuit.Config `yaml:"circuit_breaker"`
}

// MemoryConfig configures the in-process backend.
type MemoryConfig struct {
	MinPartSize int64 `yaml:"min_part_size"`
}

// StatsProvider is implemented by clients that keep request counters.
type StatsProvider interface {
	Stats() opstats.Snapshot
}

// New builds the client for cfg.Backend, wrapped in a circuit breaker when
// one is enabled. RequestTimeout applies to backends that leave their own
// timeout unset.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (types.ObjectClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		client types.ObjectClient
		err    error
	)
	switch backend := strings.ToLower(cfg.Backend); backend {
	case BackendS3, "":
		s3cfg := cfg.S3
		if s3cfg.RequestTimeout <= 0 {
			s3cfg.RequestTimeout = cfg.RequestTimeout
		}
		client, err = s3.New(ctx, &s3cfg, s3.WithLogger(logger))
	case BackendGCS:
		gcfg := cfg.GCS
		if gcfg.RequestTimeout <= 0 {
			gcfg.RequestTimeout = cfg.RequestTimeout
		}
		client, err = gcs.New(ctx, gcfg, gcs.WithLogger(logger))
	case BackendAzure:
		acfg := cfg.Azure
		if acfg.RequestTimeout <= 0 {
			acfg.RequestTimeout = cfg.RequestTimeout
		}
		client, err = azure.New(ctx, acfg, azure.WithLogger(logger))
	case BackendMemory:
		var opts []memory.Option
		if cfg.Memory.MinPartSize > 0 {
			opts = append(opts, memory.WithMinPartSize(cfg.Memory.MinPartSize))
		}
		client = memory.New(opts...)
	default:
		return nil, errors.Newf(errors.KindInvalidConfig, "unknown storage backend %q", backend).
			WithComponent("storage")
	}
	if err != nil {
		return nil, err
	}

	if !cfg.CircuitBreaker.Enabled {
		return client, nil
	}
	name := cfg.Backend
	if name == "" {
		name = BackendS3
	}
	logger.Info("storage backend ready", "backend", name, "circuit_breaker", true)
	return Guard(client, circuit.New(name, cfg.CircuitBreaker, logger)), nil
}
