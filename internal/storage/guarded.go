package storage

import (
	"context"

	"github.com/objectfs/bucketfs/internal/circuit"
	"github.com/objectfs/bucketfs/internal/storage/opstats"
	"github.com/objectfs/bucketfs/pkg/byterange"
	"github.com/objectfs/bucketfs/pkg/types"
)

// Guarded runs every call of the wrapped client through a circuit breaker.
// AbortMultipartUpload bypasses the breaker: cleanup is always attempted.
type Guarded struct {
	next    types.ObjectClient
	breaker *circuit.Breaker
}

// Guard wraps next with breaker.
func Guard(next types.ObjectClient, breaker *circuit.Breaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Unwrap returns the wrapped client.
func (g *Guarded) Unwrap() types.ObjectClient { return g.next }

// Breaker returns the guarding breaker.
func (g *Guarded) Breaker() *circuit.Breaker { return g.breaker }

// Stats forwards to the wrapped client when it keeps counters.
func (g *Guarded) Stats() opstats.Snapshot {
	if sp, ok := g.next.(StatsProvider); ok {
		return sp.Stats()
	}
	return opstats.Snapshot{}
}

func (g *Guarded) HeadObject(ctx context.Context, key string) (info *types.ObjectInfo, err error) {
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		info, err = g.next.HeadObject(ctx, key)
		return err
	})
	return info, err
}

func (g *Guarded) GetObject(ctx context.Context, key string, rng *byterange.Range) (out *types.GetObjectOutput, err error) {
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		out, err = g.next.GetObject(ctx, key, rng)
		return err
	})
	return out, err
}

func (g *Guarded) PutObject(ctx context.Context, key string, data []byte, contentType string) (etag string, err error) {
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		etag, err = g.next.PutObject(ctx, key, data, contentType)
		return err
	})
	return etag, err
}

func (g *Guarded) InitiateMultipartUpload(ctx context.Context, key, contentType string) (id string, err error) {
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		id, err = g.next.InitiateMultipartUpload(ctx, key, contentType)
		return err
	})
	return id, err
}

func (g *Guarded) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (etag string, err error) {
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		etag, err = g.next.UploadPart(ctx, key, uploadID, partNumber, data)
		return err
	})
	return etag, err
}

func (g *Guarded) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (etag string, err error) {
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		etag, err = g.next.CompleteMultipartUpload(ctx, key, uploadID, parts)
		return err
	})
	return etag, err
}

func (g *Guarded) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return g.next.AbortMultipartUpload(ctx, key, uploadID)
}

func (g *Guarded) ListObjects(ctx context.Context, prefix, delimiter, marker string, maxKeys int) (page *types.ListPage, err error) {
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		page, err = g.next.ListObjects(ctx, prefix, delimiter, marker, maxKeys)
		return err
	})
	return page, err
}

func (g *Guarded) DeleteObject(ctx context.Context, key string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.DeleteObject(ctx, key)
	})
}
