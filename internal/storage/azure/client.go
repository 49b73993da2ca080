// Package azure implements the object client on Azure Blob Storage.
//
// Multipart uploads map onto block blobs: each part is staged as a block on
// the destination blob and CompleteMultipartUpload commits the block list.
// Aborting drops the local record only, since uncommitted blocks expire on
// their own after seven days.
package azure

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/bucketfs/internal/storage/opstats"
	"github.com/objectfs/bucketfs/pkg/byterange"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/types"
)

const defaultMaxKeys = 1000

// Config holds Azure connection settings.
type Config struct {
	AccountURL         string        `yaml:"account_url"`
	Container          string        `yaml:"container" validate:"required"`
	ConnectionString   string        `yaml:"connection_string"`
	UseManagedIdentity bool          `yaml:"use_managed_identity"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

type upload struct {
	key         string
	contentType string
}

// Client implements types.ObjectClient on one container.
type Client struct {
	api       API
	container string
	timeout   time.Duration
	metrics   *opstats.Collector
	logger    *slog.Logger

	mu      sync.Mutex
	uploads map[string]upload
}

// Option configures a Client.
type Option func(*Client)

// WithAPI replaces the Blob Storage client, mainly for tests.
func WithAPI(api API) Option {
	return func(c *Client) { c.api = api }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a client for cfg.Container.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.Container == "" {
		return nil, errors.New(errors.KindInvalidConfig, "container name cannot be empty").WithComponent("azure")
	}
	if cfg.ConnectionString == "" && cfg.AccountURL == "" {
		return nil, errors.New(errors.KindInvalidConfig, "account_url or connection_string is required").WithComponent("azure")
	}
	c := &Client{
		container: cfg.Container,
		timeout:   cfg.RequestTimeout,
		metrics:   opstats.New("azure"),
		logger:    slog.Default(),
		uploads:   make(map[string]upload),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "azure", "container", cfg.Container)
	if c.api != nil {
		return c, nil
	}

	api, err := newRealAPI(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidConfig, "creating Azure Blob client").WithComponent("azure")
	}
	c.api = api
	return c, nil
}

// Stats returns the client's request counters.
func (c *Client) Stats() opstats.Snapshot {
	return c.metrics.Snapshot()
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) observe(start time.Time, err error) {
	c.metrics.Observe(time.Since(start), err)
}

// blockID derives a fixed-length block id. All ids committed to one blob
// must have the same length.
func blockID(uploadID string, partNumber int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%05d", uploadID, partNumber)))
}

func md5ETag(data []byte) string {
	return fmt.Sprintf(`"%x"`, md5.Sum(data))
}

// HeadObject returns blob properties.
func (c *Client) HeadObject(ctx context.Context, key string) (info *types.ObjectInfo, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	props, err := c.api.Properties(ctx, c.container, key)
	if err != nil {
		return nil, translateError(err, "GetProperties", key)
	}
	return &types.ObjectInfo{
		Key:          key,
		Size:         props.Size,
		LastModified: props.LastModified,
		ETag:         props.ETag,
		ContentType:  props.ContentType,
		Metadata:     props.Metadata,
	}, nil
}

// GetObject downloads the blob or a range of it. Suffix ranges need the blob
// size first, because the service only takes offset and count.
func (c *Client) GetObject(ctx context.Context, key string, rng *byterange.Range) (out *types.GetObjectOutput, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)

	var offset, count int64
	if rng != nil {
		switch {
		case rng.IsSuffix():
			props, err := c.api.Properties(ctx, c.container, key)
			if err != nil {
				cancel()
				return nil, translateError(err, "GetProperties", key)
			}
			first, last, err := rng.Resolve(props.Size)
			if err != nil {
				cancel()
				return nil, err
			}
			offset, count = first, last-first+1
		default:
			if err := rng.Validate(); err != nil {
				cancel()
				return nil, err
			}
			offset = rng.Start
			if !rng.IsOpen() {
				count = rng.End - rng.Start + 1
			}
		}
	}

	dl, err := c.api.Download(ctx, c.container, key, offset, count)
	if err != nil {
		cancel()
		return nil, translateError(err, "DownloadStream", key)
	}
	out = &types.GetObjectOutput{
		Body:          &body{ReadCloser: dl.Body, cancel: cancel, metrics: c.metrics},
		ContentLength: dl.ContentLength,
		ETag:          dl.ETag,
		ContentType:   dl.ContentType,
		LastModified:  dl.LastModified,
	}
	if rng != nil && dl.ContentRange != "" {
		cr, err := byterange.ParseContentRange(dl.ContentRange)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.ContentRange = &cr
	}
	return out, nil
}

// PutObject uploads the blob in one call.
func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType string) (etag string, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	etag, err = c.api.Upload(ctx, c.container, key, data, contentType)
	if err != nil {
		return "", translateError(err, "UploadBuffer", key)
	}
	c.metrics.Uploaded(int64(len(data)))
	return etag, nil
}

// InitiateMultipartUpload only allocates an id; nothing is sent until the
// first block is staged.
func (c *Client) InitiateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	id := uuid.New().String()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.mu.Lock()
	c.uploads[id] = upload{key: key, contentType: contentType}
	c.mu.Unlock()
	c.metrics.MultipartStarted()
	return id, nil
}

func (c *Client) lookup(key, uploadID string) (upload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	up, ok := c.uploads[uploadID]
	if !ok || up.key != key {
		return upload{}, errors.New(errors.KindNotFound, "upload not found").
			WithComponent("azure").WithKey(key).WithCode("NoSuchUpload")
	}
	return up, nil
}

// UploadPart stages one block on the destination blob.
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (etag string, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	if _, err := c.lookup(key, uploadID); err != nil {
		return "", err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.api.StageBlock(ctx, c.container, key, blockID(uploadID, partNumber), data); err != nil {
		return "", translateError(err, "StageBlock", key)
	}
	c.metrics.MultipartPart(int64(len(data)))
	c.metrics.Uploaded(int64(len(data)))
	return md5ETag(data), nil
}

// CompleteMultipartUpload commits the staged blocks in part order.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (etag string, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	up, err := c.lookup(key, uploadID)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", errors.New(errors.KindServerPermanent, "no parts given").WithComponent("azure").WithKey(key).WithCode("MalformedXML")
	}
	ids := make([]string, len(parts))
	for i, p := range parts {
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			return "", errors.Newf(errors.KindServerPermanent, "part %d listed after part %d", p.PartNumber, parts[i-1].PartNumber).
				WithComponent("azure").WithKey(key).WithCode("InvalidPartOrder")
		}
		ids[i] = blockID(uploadID, p.PartNumber)
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()
	etag, err = c.api.CommitBlockList(ctx, c.container, key, ids, up.contentType)
	if err != nil {
		return "", translateError(err, "CommitBlockList", key)
	}

	c.mu.Lock()
	delete(c.uploads, uploadID)
	c.mu.Unlock()
	c.metrics.MultipartCompleted()
	return etag, nil
}

// AbortMultipartUpload forgets the upload.
func (c *Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if _, err := c.lookup(key, uploadID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.uploads, uploadID)
	c.mu.Unlock()
	c.metrics.MultipartAborted()
	return nil
}

// ListObjects lists one page; the marker is the service's continuation marker.
func (c *Client) ListObjects(ctx context.Context, prefix, delimiter, marker string, maxKeys int) (page *types.ListPage, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	listing, err := c.api.List(ctx, c.container, prefix, delimiter, marker, int32(maxKeys))
	if err != nil {
		return nil, translateError(err, "ListBlobs", prefix)
	}
	page = &types.ListPage{
		Objects:        make([]types.ObjectInfo, 0, len(listing.Blobs)),
		CommonPrefixes: listing.Prefixes,
		NextMarker:     listing.NextMarker,
		Truncated:      listing.NextMarker != "",
	}
	for _, b := range listing.Blobs {
		page.Objects = append(page.Objects, types.ObjectInfo{
			Key:          b.Name,
			Size:         b.Size,
			LastModified: b.LastModified,
			ETag:         b.ETag,
			ContentType:  b.ContentType,
		})
	}
	return page, nil
}

// DeleteObject removes the blob; a missing blob is not an error.
func (c *Client) DeleteObject(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if derr := c.api.Delete(ctx, c.container, key); derr != nil {
		if terr := translateError(derr, "DeleteBlob", key); !errors.IsKind(terr, errors.KindNotFound) {
			return terr
		}
	}
	return nil
}

type body struct {
	io.ReadCloser
	cancel  context.CancelFunc
	metrics *opstats.Collector
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.metrics.Downloaded(int64(n))
	return n, err
}

func (b *body) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
