package fuse

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/bucketfs/pkg/errors"
)

// mountsFile lists active mounts.
var mountsFile = "/proc/mounts"

// MountConfig contains mount-specific configuration.
type MountConfig struct {
	MountPoint  string       `yaml:"mount_point"`
	Options     MountOptions `yaml:"options"`
	Permissions Permissions  `yaml:"permissions"`
}

// MountOptions contains FUSE mount options.
type MountOptions struct {
	ReadOnly     bool `yaml:"read_only"`
	AllowOther   bool `yaml:"allow_other"`
	DefaultPerms bool `yaml:"default_permissions"`

	MaxWrite     int           `yaml:"max_write"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`

	Debug   bool   `yaml:"debug"`
	FSName  string `yaml:"fsname"`
	Subtype string `yaml:"subtype"`
}

// Permissions are reported for every file and directory.
type Permissions struct {
	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`
}

// DefaultMountConfig returns 128 KiB writes, one second attribute and entry
// timeouts and the current user's ownership.
func DefaultMountConfig() MountConfig {
	return MountConfig{
		Options: MountOptions{
			MaxWrite:     128 << 10,
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			FSName:       "bucketfs",
			Subtype:      "bucketfs",
		},
		Permissions: Permissions{
			UID:      uint32(os.Getuid()),
			GID:      uint32(os.Getgid()),
			FileMode: 0o644,
			DirMode:  0o755,
		},
	}
}

// FilesystemConfig derives the filesystem settings of the mount.
func (c MountConfig) FilesystemConfig() Config {
	return Config{
		ReadOnly: c.Options.ReadOnly,
		UID:      c.Permissions.UID,
		GID:      c.Permissions.GID,
		FileMode: c.Permissions.FileMode,
		DirMode:  c.Permissions.DirMode,
	}
}

// MountManager manages one FUSE mount.
type MountManager struct {
	filesystem *FileSystem
	config     MountConfig
	logger     *slog.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// NewMountManager creates a mount manager. Zero option values take the
// defaults of DefaultMountConfig.
func NewMountManager(filesystem *FileSystem, config MountConfig, logger *slog.Logger) *MountManager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultMountConfig()
	if config.Options.MaxWrite == 0 {
		config.Options.MaxWrite = def.Options.MaxWrite
	}
	if config.Options.AttrTimeout == 0 {
		config.Options.AttrTimeout = def.Options.AttrTimeout
	}
	if config.Options.EntryTimeout == 0 {
		config.Options.EntryTimeout = def.Options.EntryTimeout
	}
	if config.Options.FSName == "" {
		config.Options.FSName = def.Options.FSName
	}
	if config.Options.Subtype == "" {
		config.Options.Subtype = def.Options.Subtype
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     logger.With("component", "mount", "mount_point", config.MountPoint),
	}
}

// Mount mounts the filesystem and serves it in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mounted {
		return errors.New(errors.KindInvalidState, "filesystem is already mounted").WithComponent("mount")
	}
	if err := m.validateMountPoint(); err != nil {
		return err
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to mount filesystem").
			WithComponent("mount").WithDetail("mount_point", m.config.MountPoint)
	}
	m.server = server
	m.mounted = true
	m.logger.Info("filesystem mounted", "read_only", m.config.Options.ReadOnly)

	go func() {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
		}
		m.mu.Unlock()
		m.logger.Info("fuse server stopped")
	}()
	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy unmount when the
// mount point is busy.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted || m.server == nil {
		return errors.New(errors.KindInvalidState, "filesystem is not mounted").WithComponent("mount")
	}

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("unmount failed, trying lazy unmount", "error", err)
		if ferr := m.forceUnmount(); ferr != nil {
			return errors.Wrap(err, errors.KindInternal, "unmount failed").
				WithComponent("mount").WithDetail("force_error", ferr.Error())
		}
	}
	m.mounted = false
	m.server = nil
	m.logger.Info("filesystem unmounted")
	return nil
}

// IsMounted reports whether the filesystem is mounted.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// MountPoint returns the mount point.
func (m *MountManager) MountPoint() string { return m.config.MountPoint }

// Wait blocks until the filesystem is unmounted.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// Stats returns filesystem operation counters.
func (m *MountManager) Stats() FilesystemStats {
	return m.filesystem.Stats()
}

func (m *MountManager) validateMountPoint() error {
	invalid := func(msg string) error {
		return errors.New(errors.KindInvalidConfig, msg).WithComponent("mount").WithDetail("mount_point", m.config.MountPoint)
	}
	if m.config.MountPoint == "" {
		return invalid("mount point cannot be empty")
	}
	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		return errors.Wrap(err, errors.KindInvalidConfig, "cannot access mount point").
			WithComponent("mount").WithDetail("mount_point", m.config.MountPoint)
	}
	if !info.IsDir() {
		return invalid("mount point is not a directory")
	}
	if entries, err := os.ReadDir(m.config.MountPoint); err == nil && len(entries) > 0 {
		m.logger.Warn("mount point is not empty")
	}
	if isMounted(m.config.MountPoint) {
		return invalid("mount point is already mounted")
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config.Options
	attrTimeout, entryTimeout := o.AttrTimeout, o.EntryTimeout
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       o.Subtype,
			FsName:     o.FSName,
			Debug:      o.Debug,
			AllowOther: o.AllowOther,
			MaxWrite:   o.MaxWrite,
		},
		AttrTimeout:     &attrTimeout,
		EntryTimeout:    &entryTimeout,
		NullPermissions: !o.DefaultPerms,
		UID:             m.config.Permissions.UID,
		GID:             m.config.Permissions.GID,
		Logger:          slog.NewLogLogger(m.logger.Handler(), slog.LevelDebug),
	}
	if o.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	if o.DefaultPerms {
		opts.Options = append(opts.Options, "default_permissions")
	}
	return opts
}

// isMounted reports whether dir appears as a mount point in mountsFile.
func isMounted(dir string) bool {
	f, err := os.Open(mountsFile)
	if err != nil {
		return false
	}
	defer f.Close()

	dir = filepath.Clean(dir)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == dir {
			return true
		}
	}
	return false
}

func (m *MountManager) forceUnmount() error {
	return syscall.Unmount(m.config.MountPoint, 2) // MNT_DETACH
}
