/*
Package cache is the block cache that sits between the filesystem layer and the
transfer engine.

Objects are read in pages of the engine's buffer size. A page is addressed by
the BLAKE3 hash of the object key, its ETag and the page index, so pages of an
overwritten object are never served for the new version:

	ReadAt ──► metadata (TTL) ──► memory LRU ──► persistent tier ──► engine.Download
	                                  ▲                │
	                                  └── promotion ◄──┘

Concurrent misses on one page share a single download. Sequential readers
trigger read-ahead of the following pages.

Writes are staged in a spool file per open writer and uploaded as one object
on Flush through engine.Upload. A failed multipart flush aborts its upload.

The persistent tier keeps pages in a badger database. Each value is a CBOR
record holding the codec, the raw length, a BLAKE3 checksum and the page
compressed with zstd or lz4.

Every error the facade returns is an *errors.Error, so callers can map it to an
errno with errors.ToErrno.
*/
package cache
