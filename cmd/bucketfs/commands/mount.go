package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/objectfs/bucketfs/internal/cache"
	"github.com/objectfs/bucketfs/internal/fuse"
	"github.com/objectfs/bucketfs/internal/metrics"
	"github.com/objectfs/bucketfs/internal/storage"
	"github.com/objectfs/bucketfs/pkg/api"
	"github.com/objectfs/bucketfs/pkg/health"
	"github.com/objectfs/bucketfs/pkg/memmon"
)

const (
	defaultShutdownTimeout = 30 * time.Second

	// heapSlack is allowed on top of the buffer heap and memory cache
	// before the process counts as over budget.
	heapSlack = 256 << 20
)

func newMountCmd(a *app) *cobra.Command {
	var (
		readOnly   bool
		allowOther bool
	)
	cmd := &cobra.Command{
		Use:   "mount [mount-point]",
		Short: "Mount the bucket as a filesystem",
		Long: `Mount the configured bucket at mount-point (or mount.mount_point) and
serve it until interrupted. The admin API and Prometheus metrics are
served when global.admin_addr and global.metrics_addr are set.

Examples:
  bucketfs mount --bucket my-data /mnt/data
  BUCKETFS_READ_ONLY=true bucketfs mount --config /etc/bucketfs.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				a.cfg.Mount.MountPoint = args[0]
			}
			if readOnly {
				a.cfg.Mount.Options.ReadOnly = true
			}
			if allowOther {
				a.cfg.Mount.Options.AllowOther = true
			}
			if a.cfg.Mount.MountPoint == "" {
				return fmt.Errorf("no mount point given")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serveMount(ctx)
		},
	}
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "mount read-only")
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "let other users access the mount")
	return cmd
}

// mountServices are the long-running pieces of a mount.
type mountServices struct {
	stack *stack
	cache *cache.Cache
	mount *fuse.MountManager
	api   *api.Server
	mem   *memmon.Monitor
}

func (a *app) startMount(ctx context.Context) (*mountServices, error) {
	s, err := a.buildStack(ctx, stackOptions{observe: true})
	if err != nil {
		return nil, err
	}
	ms := &mountServices{stack: s}

	cacheCfg, err := a.cfg.CacheConfig()
	if err != nil {
		ms.stop(context.Background())
		return nil, err
	}
	cacheOpts := []cache.Option{cache.WithLogger(a.logger)}
	if s.collector != nil {
		cacheOpts = append(cacheOpts, cache.WithRecorder(s.collector))
	}
	ms.cache, err = cache.New(s.client, s.engine, cacheCfg, cacheOpts...)
	if err != nil {
		ms.stop(context.Background())
		return nil, err
	}

	memCfg := memmon.DefaultConfig()
	memCfg.HeapCeiling = uint64(s.engine.Options().BufferMaxHeap + cacheCfg.MemorySize + heapSlack)
	ms.mem = memmon.New(memCfg, a.logger)

	if s.collector != nil {
		if err := a.startMetrics(s, ms.cache); err != nil {
			ms.stop(context.Background())
			return nil, err
		}
	}

	if addr := a.cfg.Global.AdminAddr; addr != "" {
		sc := api.DefaultServerConfig()
		sc.Address = addr
		sc.EnableProfiling = a.cfg.Global.Profiling
		opts := []api.Option{
			api.WithLogger(a.logger),
			api.WithHealth(s.tracker),
			api.WithCacheStats(ms.cache.Stats),
		}
		if s.collector != nil {
			opts = append(opts, api.WithMetrics(s.collector.Handler()))
		}
		ms.api = api.NewServer(sc, s.engine, opts...)
		ms.api.StartBackground()
	}

	filesystem := fuse.NewFileSystem(ms.cache, a.cfg.Mount.FilesystemConfig(), a.logger)
	ms.mount = fuse.NewMountManager(filesystem, a.cfg.Mount, a.logger)
	if err := ms.mount.Mount(ctx); err != nil {
		ms.mount = nil
		ms.stop(context.Background())
		return nil, err
	}
	return ms, nil
}

func (a *app) startMetrics(s *stack, c *cache.Cache) error {
	src := metrics.Sources{
		Engine: s.engine.Stats,
		Cache:  c.Stats,
	}
	if sp, ok := s.client.(storage.StatsProvider); ok {
		src.Storage = sp.Stats
	}
	if g, ok := s.client.(*storage.Guarded); ok {
		src.Breaker = g.Breaker().Stats
	}
	if err := s.collector.RegisterSources(src); err != nil {
		return err
	}
	if addr := a.cfg.Global.MetricsAddr; addr != "" {
		bound, err := s.collector.Start(addr)
		if err != nil {
			return err
		}
		a.logger.Info("metrics server listening", "address", bound)
	}
	return nil
}

// healthChecks probe the store and the mount.
func (ms *mountServices) healthChecks() map[string]health.CheckFunc {
	return map[string]health.CheckFunc{
		"storage": func(ctx context.Context) error {
			_, err := ms.stack.client.ListObjects(ctx, "", "/", "", 1)
			return err
		},
		"memory": ms.mem.Check,
		"mount": func(context.Context) error {
			if !ms.mount.IsMounted() {
				return fmt.Errorf("%s is not mounted", ms.mount.MountPoint())
			}
			return nil
		},
	}
}

// stop unmounts, then drains the cache, servers and engine in that order.
func (ms *mountServices) stop(ctx context.Context) error {
	var errs []error
	if ms.mount != nil && ms.mount.IsMounted() {
		if err := ms.mount.Unmount(); err != nil {
			errs = append(errs, err)
		}
	}
	if ms.cache != nil {
		if err := ms.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if ms.api != nil {
		if err := ms.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}
	if ms.stack.collector != nil {
		if err := ms.stack.collector.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	if err := ms.stack.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) serveMount(ctx context.Context) error {
	ms, err := a.startMount(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("bucketfs mounted",
		"mount_point", a.cfg.Mount.MountPoint,
		"backend", a.cfg.Storage.Backend,
		"read_only", a.cfg.Mount.Options.ReadOnly)

	checkCtx, stopChecks := context.WithCancel(ctx)
	defer stopChecks()
	go ms.mem.Run(checkCtx)
	go ms.stack.tracker.Run(checkCtx, ms.healthChecks())

	unmounted := make(chan struct{})
	go func() {
		ms.mount.Wait()
		close(unmounted)
	}()
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, unmounting")
	case <-unmounted:
		a.logger.Info("filesystem unmounted externally")
	}
	stopChecks()

	timeout := a.cfg.Global.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ms.stop(shutdownCtx); err != nil {
		a.logger.Error("shutdown incomplete", "error", err)
		return err
	}
	a.logger.Info("bucketfs stopped")
	return nil
}
