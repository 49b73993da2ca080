/*
Package fuse exposes the block cache as a POSIX filesystem through
github.com/hanwen/go-fuse/v2.

The layering is:

	┌─────────────────────────────────────────────┐
	│          Kernel VFS / FUSE driver           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│     dirNode / fileNode / fileHandle         │  ← This Package
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  cache.Cache: pages, metadata, spool writer │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  transfer.Engine over types.ObjectClient    │
	└─────────────────────────────────────────────┘

# Semantics

Keys are paths below the mount root. A directory is either a "dir/" marker
object or a prefix with objects below it. Reads go through the page cache.
Files opened for writing are staged in a local spool file and uploaded on
flush (every close of a descriptor) and on the final release; until then
other readers of the same inode see the staged content.

Errors are translated with errors.ToErrno: a missing key is ENOENT, a
non-empty rmdir is ENOTEMPTY, store failures are EIO.

Not supported: hard and symbolic links, extended attributes, chmod and
chown (modes and ownership come from Config), renaming directories.

# Usage

	fsys := fuse.NewFileSystem(blockCache, fuse.Config{UID: 1000, GID: 1000}, logger)
	m := fuse.NewMountManager(fsys, fuse.MountConfig{MountPoint: "/mnt/bucket"}, logger)
	if err := m.Mount(ctx); err != nil {
		return err
	}
	defer m.Unmount()
	m.Wait()
*/
package fuse
