// Package commands implements the bucketfs command line.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/objectfs/bucketfs/internal/config"
	"github.com/objectfs/bucketfs/internal/storage"
	"github.com/objectfs/bucketfs/pkg/types"
	"github.com/objectfs/bucketfs/pkg/utils"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// openClient builds the object client. Tests replace it to share one
// in-memory store across invocations.
var openClient = func(ctx context.Context, cfg storage.Config, logger *slog.Logger) (types.ObjectClient, error) {
	return storage.New(ctx, cfg, logger)
}

// globalFlags are the persistent flags every command reads.
type globalFlags struct {
	configFile string
	logLevel   string
	backend    string
	bucket     string
	journal    string
}

// app carries state shared by the commands of one invocation.
type app struct {
	flags  globalFlags
	cfg    *config.Configuration
	logger *slog.Logger
	closer io.Closer
}

// Execute runs the root command against os.Args.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		root.PrintErrln("Error:", err)
		return err
	}
	return nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "bucketfs",
		Short: "Mount and move data in object storage buckets",
		Long: `bucketfs exposes an object storage bucket (S3, GCS, Azure Blob) as a
POSIX filesystem and moves objects with a parallel, bounded-memory
transfer engine.

Configuration is read from --config (default $XDG_CONFIG_HOME/bucketfs/config.yaml
when present), then BUCKETFS_* environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["skipSetup"] == "true" {
				return nil
			}
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.closer != nil {
				_ = a.closer.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/bucketfs/config.yaml)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	pf.StringVar(&a.flags.backend, "backend", "", "storage backend (s3, gcs, azure, memory)")
	pf.StringVarP(&a.flags.bucket, "bucket", "b", "", "bucket or container of the selected backend")
	pf.StringVar(&a.flags.journal, "journal", "", "multipart journal database path")

	root.AddCommand(
		newMountCmd(a),
		newCpCmd(a),
		newLsCmd(a),
		newRmCmd(a),
		newAbortOrphansCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

// DefaultConfigPath is where the config is looked up without --config.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "bucketfs.yaml")
	}
	return filepath.Join(dir, "bucketfs", "config.yaml")
}

// loadConfig layers defaults, the config file, the environment and flags,
// then validates the result.
func (a *app) loadConfig() (*config.Configuration, error) {
	cfg, err := a.layerConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *app) layerConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()

	path := a.flags.configFile
	if path == "" {
		if _, err := os.Stat(DefaultConfigPath()); err == nil {
			path = DefaultConfigPath()
		}
	}
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	a.applyFlags(cfg)
	return cfg, nil
}

func (a *app) applyFlags(cfg *config.Configuration) {
	if a.flags.logLevel != "" {
		cfg.Global.Logging.Level = a.flags.logLevel
	}
	if a.flags.backend != "" {
		cfg.Storage.Backend = a.flags.backend
	}
	if a.flags.bucket != "" {
		switch cfg.Storage.Backend {
		case storage.BackendGCS:
			cfg.Storage.GCS.Bucket = a.flags.bucket
		case storage.BackendAzure:
			cfg.Storage.Azure.Container = a.flags.bucket
		default:
			cfg.Storage.S3.Bucket = a.flags.bucket
		}
	}
	if a.flags.journal != "" {
		cfg.Journal.Path = a.flags.journal
	}
}

func (a *app) setup() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := utils.SetupLogging(cfg.Global.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	a.cfg, a.logger, a.closer = cfg, logger, closer
	logger.Debug("configuration loaded", "backend", cfg.Storage.Backend, "source", a.configSource())
	return nil
}

func (a *app) configSource() string {
	if a.flags.configFile != "" {
		return a.flags.configFile
	}
	if _, err := os.Stat(DefaultConfigPath()); err == nil {
		return DefaultConfigPath()
	}
	return "defaults"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Show version information",
		Annotations: map[string]string{"skipSetup": "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bucketfs %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}
