package types

import (
	"context"

	"github.com/objectfs/bucketfs/pkg/byterange"
)

// ObjectClient is the set of remote object store operations the transfer engine and
// the block cache rely on. Implementations must be safe for concurrent use and apply
// their own per-call timeout.
type ObjectClient interface {
	// HeadObject returns object metadata or a KindNotFound error.
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)

	// GetObject streams the object, or the given range of it when rng is non-nil.
	GetObject(ctx context.Context, key string, rng *byterange.Range) (*GetObjectOutput, error)

	// PutObject stores data as a single object and returns its ETag.
	PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Multipart upload lifecycle.
	InitiateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	// ListObjects returns one page of keys under prefix, grouping by delimiter when set.
	// marker is the NextMarker of the previous page and is opaque to callers.
	ListObjects(ctx context.Context, prefix, delimiter, marker string, maxKeys int) (*ListPage, error)

	// DeleteObject removes the object. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, key string) error
}
