package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const backupTimeFormat = "2006-01-02T15-04-05.000"

// RotationConfig configures a RotatingFile.
type RotationConfig struct {
	Filename string

	// MaxSize in bytes triggers rotation before a write would exceed it. 0 disables.
	MaxSize int64

	// MaxAgeDays rotates the live file and prunes backups older than this. 0 disables.
	MaxAgeDays int

	// MaxBackups bounds the kept backups. 0 keeps all.
	MaxBackups int

	Compress bool
}

// RotatingFile is an io.WriteCloser appending to a log file that is renamed
// to a timestamped backup once it grows too large or too old.
type RotatingFile struct {
	mu       sync.Mutex
	cfg      RotationConfig
	file     *os.File
	size     int64
	openedAt time.Time
	now      func() time.Time
}

// NewRotatingFile opens cfg.Filename for appending, creating its directory.
func NewRotatingFile(cfg RotationConfig) (*RotatingFile, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}
	rf := &RotatingFile{cfg: cfg, now: time.Now}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Write appends p, rotating first when needed.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.due(int64(len(p))) {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("rotating log: %w", err)
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Rotate moves the live file aside immediately.
func (rf *RotatingFile) Rotate() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.rotate()
}

// Sync flushes the live file.
func (rf *RotatingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	return rf.file.Sync()
}

// Close closes the live file. Further writes fail.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

func (rf *RotatingFile) due(n int64) bool {
	if rf.size == 0 {
		return false
	}
	if rf.cfg.MaxSize > 0 && rf.size+n > rf.cfg.MaxSize {
		return true
	}
	return rf.cfg.MaxAgeDays > 0 && rf.now().Sub(rf.openedAt) >= rf.maxAge()
}

func (rf *RotatingFile) maxAge() time.Duration {
	return time.Duration(rf.cfg.MaxAgeDays) * 24 * time.Hour
}

func (rf *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(rf.cfg.Filename), 0o750); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(rf.cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rf.file, rf.size, rf.openedAt = f, info.Size(), rf.now()
	return nil
}

func (rf *RotatingFile) rotate() error {
	if rf.file != nil {
		if err := rf.file.Close(); err != nil {
			return err
		}
		rf.file = nil
	}

	backup := rf.backupName(rf.now().UTC())
	if err := os.Rename(rf.cfg.Filename, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	if rf.cfg.Compress {
		if err := gzipFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "compressing %s: %v\n", backup, err)
		}
	}
	rf.prune()
	return rf.open()
}

// backupName inserts the timestamp before the extension: app.log becomes
// app-2024-01-02T03-04-05.000.log.
func (rf *RotatingFile) backupName(t time.Time) string {
	dir, base := filepath.Split(rf.cfg.Filename)
	ext := filepath.Ext(base)
	return filepath.Join(dir, strings.TrimSuffix(base, ext)+"-"+t.Format(backupTimeFormat)+ext)
}

// Backups lists rotated files, oldest first.
func (rf *RotatingFile) Backups() ([]string, error) {
	dir, base := filepath.Split(rf.cfg.Filename)
	if dir == "" {
		dir = "."
	}
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if name == base || !strings.HasPrefix(name, prefix) {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			names = append(names, filepath.Join(dir, name))
		}
	}
	// the timestamp format sorts lexically
	sort.Strings(names)
	return names, nil
}

func (rf *RotatingFile) prune() {
	backups, err := rf.Backups()
	if err != nil {
		return
	}
	var drop []string
	if rf.cfg.MaxBackups > 0 && len(backups) > rf.cfg.MaxBackups {
		excess := len(backups) - rf.cfg.MaxBackups
		drop, backups = append(drop, backups[:excess]...), backups[excess:]
	}
	if rf.cfg.MaxAgeDays > 0 {
		cutoff := rf.now().Add(-rf.maxAge())
		for _, name := range backups {
			if info, err := os.Stat(name); err == nil && info.ModTime().Before(cutoff) {
				drop = append(drop, name)
			}
		}
	}
	for _, name := range drop {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "removing old log %s: %v\n", name, err)
		}
	}
}

func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(name+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
