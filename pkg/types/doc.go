/*
Package types defines the data structures and the object client contract shared by
the transfer engine, the block cache and the storage backends.

	┌─────────────────────────────────────────────┐
	│        FUSE layer (internal/fuse)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│      Block cache facade (internal/cache)    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   Transfer engine (internal/transfer)       │
	│   buffer pool · worker pool · handles       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   ObjectClient (internal/storage/...)       │
	│   s3 · gcs · azure · memory                 │
	└─────────────────────────────────────────────┘

ObjectClient implementations report failures as *errors.Error values whose Kind
drives retry decisions in the engine and errno mapping in the filesystem layer.
*/
package types
