package gcs

import (
	"context"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// API is the subset of the Cloud Storage client the object client uses,
// narrowed so tests can substitute it.
type API interface {
	NewWriter(ctx context.Context, bucket, object, contentType string, metadata map[string]string) io.WriteCloser
	// NewRangeReader follows gcs.ObjectHandle.NewRangeReader: a negative
	// offset reads the last -offset bytes, a negative length reads to the end.
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (*Reader, error)
	Attrs(ctx context.Context, bucket, object string) (*Attrs, error)
	Delete(ctx context.Context, bucket, object string) error
	Compose(ctx context.Context, bucket, dst string, srcs []string, contentType string) (*Attrs, error)
	List(ctx context.Context, bucket string, query *gcs.Query, pageSize int, token string) (*Listing, error)
}

// Attrs is the part of gcs.ObjectAttrs the client reads. For synthetic
// directory entries only Prefix is set.
type Attrs struct {
	Name        string
	Prefix      string
	Size        int64
	ETag        string
	ContentType string
	Updated     time.Time
	Metadata    map[string]string
}

// Reader is an open object body. Start and Remain describe the served range
// and Size is the whole object's length.
type Reader struct {
	io.ReadCloser
	Start  int64
	Remain int64
	Size   int64
	Attrs  Attrs
}

// Listing is one page of a listing.
type Listing struct {
	Entries   []Attrs
	NextToken string
}

type realAPI struct {
	client *gcs.Client
}

func toAttrs(a *gcs.ObjectAttrs) *Attrs {
	return &Attrs{
		Name:        a.Name,
		Prefix:      a.Prefix,
		Size:        a.Size,
		ETag:        a.Etag,
		ContentType: a.ContentType,
		Updated:     a.Updated,
		Metadata:    a.Metadata,
	}
}

func (r *realAPI) NewWriter(ctx context.Context, bucket, object, contentType string, metadata map[string]string) io.WriteCloser {
	w := r.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata
	return w
}

func (r *realAPI) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (*Reader, error) {
	rd, err := r.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, err
	}
	return &Reader{
		ReadCloser: rd,
		Start:      rd.Attrs.StartOffset,
		Remain:     rd.Remain(),
		Size:       rd.Attrs.Size,
		Attrs: Attrs{
			Name:        object,
			Size:        rd.Attrs.Size,
			ContentType: rd.Attrs.ContentType,
			Updated:     rd.Attrs.LastModified,
		},
	}, nil
}

func (r *realAPI) Attrs(ctx context.Context, bucket, object string) (*Attrs, error) {
	attrs, err := r.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return toAttrs(attrs), nil
}

func (r *realAPI) Delete(ctx context.Context, bucket, object string) error {
	return r.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (r *realAPI) Compose(ctx context.Context, bucket, dst string, srcs []string, contentType string) (*Attrs, error) {
	handles := make([]*gcs.ObjectHandle, len(srcs))
	for i, name := range srcs {
		handles[i] = r.client.Bucket(bucket).Object(name)
	}
	composer := r.client.Bucket(bucket).Object(dst).ComposerFrom(handles...)
	composer.ContentType = contentType
	attrs, err := composer.Run(ctx)
	if err != nil {
		return nil, err
	}
	return toAttrs(attrs), nil
}

func (r *realAPI) List(ctx context.Context, bucket string, query *gcs.Query, pageSize int, token string) (*Listing, error) {
	it := r.client.Bucket(bucket).Objects(ctx, query)
	var page []*gcs.ObjectAttrs
	next, err := iterator.NewPager(it, pageSize, token).NextPage(&page)
	if err != nil {
		return nil, err
	}
	listing := &Listing{Entries: make([]Attrs, 0, len(page)), NextToken: next}
	for _, a := range page {
		listing.Entries = append(listing.Entries, *toAttrs(a))
	}
	return listing, nil
}
