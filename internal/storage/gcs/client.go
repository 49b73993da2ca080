// Package gcs implements the object client on Google Cloud Storage.
//
// Multipart uploads have no native GCS equivalent. Each part is written as a
// temporary object under UploadsPrefix and CompleteMultipartUpload composes
// them into the destination, chaining compose calls in batches of 32.
// Part objects are deleted after completion or abort. Part ETags are MD5
// digests computed locally.
package gcs

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/objectfs/bucketfs/internal/storage/opstats"
	"github.com/objectfs/bucketfs/pkg/byterange"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/types"
)

// maxComposeSources is the GCS limit on source objects per compose call.
const maxComposeSources = 32

const defaultMaxKeys = 1000

// Config holds GCS connection settings.
type Config struct {
	Bucket          string        `yaml:"bucket" validate:"required"`
	CredentialsFile string        `yaml:"credentials_file"`
	Endpoint        string        `yaml:"endpoint"`
	Anonymous       bool          `yaml:"anonymous"` // emulators such as fake-gcs-server
	UploadsPrefix   string        `yaml:"uploads_prefix"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// Client implements types.ObjectClient on a GCS bucket.
type Client struct {
	api     API
	bucket  string
	uploads string
	timeout time.Duration
	metrics *opstats.Collector
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPI replaces the Cloud Storage client, mainly for tests.
func WithAPI(api API) Option {
	return func(c *Client) { c.api = api }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a client. Credentials come from CredentialsFile when set and
// Application Default Credentials otherwise.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.KindInvalidConfig, "bucket name cannot be empty").WithComponent("gcs")
	}
	c := &Client{
		bucket:  cfg.Bucket,
		uploads: cfg.UploadsPrefix,
		timeout: cfg.RequestTimeout,
		metrics: opstats.New("gcs"),
		logger:  slog.Default(),
	}
	if c.uploads == "" {
		c.uploads = ".bucketfs-uploads/"
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "gcs", "bucket", cfg.Bucket)
	if c.api != nil {
		return c, nil
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Anonymous {
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidConfig, "creating GCS client").WithComponent("gcs")
	}
	c.api = &realAPI{client: client}
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

func (c *Client) partName(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s%s/%05d", c.uploads, uploadID, partNumber)
}

func (c *Client) manifestName(uploadID string) string {
	return c.uploads + uploadID + "/manifest"
}

func md5ETag(data []byte) string {
	return fmt.Sprintf(`"%x"`, md5.Sum(data))
}

func quote(etag string) string {
	if etag == "" || strings.HasPrefix(etag, `"`) {
		return etag
	}
	return `"` + etag + `"`
}

// HeadObject returns object metadata.
func (c *Client) HeadObject(ctx context.Context, key string) (info *types.ObjectInfo, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	attrs, err := c.api.Attrs(ctx, c.bucket, key)
	if err != nil {
		return nil, translateError(err, "Attrs", key)
	}
	return &types.ObjectInfo{
		Key:          key,
		Size:         attrs.Size,
		LastModified: attrs.Updated,
		ETag:         quote(attrs.ETag),
		ContentType:  attrs.ContentType,
		Metadata:     attrs.Metadata,
	}, nil
}

// GetObject opens the object or a range of it. The request timeout lasts
// until the body is closed.
func (c *Client) GetObject(ctx context.Context, key string, rng *byterange.Range) (out *types.GetObjectOutput, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	offset, length := int64(0), int64(-1)
	if rng != nil {
		if err := rng.Validate(); err != nil {
			return nil, err
		}
		switch {
		case rng.IsSuffix():
			offset = -rng.Suffix
		case rng.IsOpen():
			offset = rng.Start
		default:
			offset, length = rng.Start, rng.End-rng.Start+1
		}
	}

	ctx, cancel := c.callContext(ctx)
	rd, err := c.api.NewRangeReader(ctx, c.bucket, key, offset, length)
	if err != nil {
		cancel()
		return nil, translateError(err, "NewRangeReader", key)
	}
	out = &types.GetObjectOutput{
		Body:          &body{ReadCloser: rd.ReadCloser, cancel: cancel, metrics: c.metrics},
		ContentLength: rd.Remain,
		ContentType:   rd.Attrs.ContentType,
		LastModified:  rd.Attrs.Updated,
		ETag:          quote(rd.Attrs.ETag),
	}
	if rng != nil {
		out.ContentRange = &byterange.ContentRange{Start: rd.Start, Length: rd.Remain, Total: rd.Size}
	}
	return out, nil
}

// PutObject writes the object in one resumable-upload session.
func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType string) (etag string, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	if err := c.write(ctx, key, data, contentType, nil); err != nil {
		return "", translateError(err, "NewWriter", key)
	}
	c.metrics.Uploaded(int64(len(data)))
	return md5ETag(data), nil
}

func (c *Client) write(ctx context.Context, name string, data []byte, contentType string, metadata map[string]string) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	w := c.api.NewWriter(ctx, c.bucket, name, contentType, metadata)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// InitiateMultipartUpload records a manifest naming the destination key and
// returns a fresh upload id.
func (c *Client) InitiateMultipartUpload(ctx context.Context, key, contentType string) (id string, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	id = uuid.New().String()
	meta := map[string]string{"key": key, "content-type": contentType}
	if err := c.write(ctx, c.manifestName(id), nil, "application/octet-stream", meta); err != nil {
		return "", translateError(err, "NewWriter", key)
	}
	c.metrics.MultipartStarted()
	return id, nil
}

// UploadPart stores one part as a temporary object.
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (etag string, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	if err := c.write(ctx, c.partName(uploadID, partNumber), data, "application/octet-stream", nil); err != nil {
		return "", translateError(err, "NewWriter", key)
	}
	c.metrics.MultipartPart(int64(len(data)))
	c.metrics.Uploaded(int64(len(data)))
	return md5ETag(data), nil
}

// manifest returns the upload's destination key and content type.
func (c *Client) manifest(ctx context.Context, key, uploadID string) (string, error) {
	attrs, err := c.api.Attrs(ctx, c.bucket, c.manifestName(uploadID))
	if err != nil {
		e := translateError(err, "Attrs", key)
		if errors.IsKind(e, errors.KindNotFound) {
			return "", errors.New(errors.KindNotFound, "upload not found").
				WithComponent("gcs").WithKey(key).WithCode("NoSuchUpload")
		}
		return "", e
	}
	if attrs.Metadata["key"] != key {
		return "", errors.New(errors.KindNotFound, "upload belongs to another key").
			WithComponent("gcs").WithKey(key).WithCode("NoSuchUpload")
	}
	return attrs.Metadata["content-type"], nil
}

// CompleteMultipartUpload composes the parts into key and removes the
// temporary objects.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (etag string, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	if len(parts) == 0 {
		return "", errors.New(errors.KindServerPermanent, "no parts given").WithComponent("gcs").WithKey(key).WithCode("MalformedXML")
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			return "", errors.Newf(errors.KindServerPermanent, "part %d listed after part %d", parts[i].PartNumber, parts[i-1].PartNumber).
				WithComponent("gcs").WithKey(key).WithCode("InvalidPartOrder")
		}
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	contentType, err := c.manifest(ctx, key, uploadID)
	if err != nil {
		return "", err
	}
	sources := make([]string, len(parts))
	for i, p := range parts {
		sources[i] = c.partName(uploadID, p.PartNumber)
	}
	attrs, intermediates, err := c.compose(ctx, key, sources, contentType)
	c.cleanup(ctx, intermediates)
	if err != nil {
		return "", translateError(err, "Compose", key)
	}
	c.cleanup(ctx, append(sources, c.manifestName(uploadID)))
	c.metrics.MultipartCompleted()
	return quote(attrs.ETag), nil
}

// compose chains compose calls for more than 32 sources and returns the
// intermediate objects it created.
func (c *Client) compose(ctx context.Context, dst string, sources []string, contentType string) (*Attrs, []string, error) {
	var intermediates []string
	for generation := 0; len(sources) > maxComposeSources; generation++ {
		var next []string
		for i := 0; i < len(sources); i += maxComposeSources {
			batch := sources[i:min(i+maxComposeSources, len(sources))]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%s.compose-%d-%d", batch[0], generation, i)
			if _, err := c.api.Compose(ctx, c.bucket, name, batch, "application/octet-stream"); err != nil {
				return nil, intermediates, err
			}
			intermediates = append(intermediates, name)
			next = append(next, name)
		}
		sources = next
	}
	attrs, err := c.api.Compose(ctx, c.bucket, dst, sources, contentType)
	return attrs, intermediates, err
}

func (c *Client) cleanup(ctx context.Context, names []string) {
	for _, name := range names {
		if err := c.api.Delete(ctx, c.bucket, name); err != nil && !errors.IsKind(translateError(err, "Delete", name), errors.KindNotFound) {
			c.logger.Warn("failed to delete temporary object", "object", name, "error", err)
		}
	}
}

// AbortMultipartUpload deletes the upload's part objects and manifest.
func (c *Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) (err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if _, err := c.manifest(ctx, key, uploadID); err != nil {
		return err
	}
	listing, err := c.api.List(ctx, c.bucket, &gcs.Query{Prefix: c.uploads + uploadID + "/"}, defaultMaxKeys, "")
	if err != nil {
		return translateError(err, "List", key)
	}
	names := make([]string, 0, len(listing.Entries))
	for _, e := range listing.Entries {
		if e.Name != c.manifestName(uploadID) {
			names = append(names, e.Name)
		}
	}
	// manifest last, so a partial abort can be retried
	c.cleanup(ctx, append(names, c.manifestName(uploadID)))
	c.metrics.MultipartAborted()
	return nil
}

// ListObjects lists one page. The marker is the page token of the previous
// page. Temporary upload objects are hidden.
func (c *Client) ListObjects(ctx context.Context, prefix, delimiter, marker string, maxKeys int) (page *types.ListPage, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	listing, err := c.api.List(ctx, c.bucket, &gcs.Query{Prefix: prefix, Delimiter: delimiter}, maxKeys, marker)
	if err != nil {
		return nil, translateError(err, "List", prefix)
	}

	page = &types.ListPage{
		Objects:    make([]types.ObjectInfo, 0, len(listing.Entries)),
		NextMarker: listing.NextToken,
		Truncated:  listing.NextToken != "",
	}
	for _, e := range listing.Entries {
		if e.Prefix != "" {
			if e.Prefix != c.uploads {
				page.CommonPrefixes = append(page.CommonPrefixes, e.Prefix)
			}
			continue
		}
		if strings.HasPrefix(e.Name, c.uploads) {
			continue
		}
		page.Objects = append(page.Objects, types.ObjectInfo{
			Key:          e.Name,
			Size:         e.Size,
			LastModified: e.Updated,
			ETag:         quote(e.ETag),
			ContentType:  e.ContentType,
		})
	}
	return page, nil
}

// DeleteObject removes an object. GCS reports missing objects, which are
// treated as already deleted.
func (c *Client) DeleteObject(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if derr := c.api.Delete(ctx, c.bucket, key); derr != nil {
		if terr := translateError(derr, "Delete", key); !errors.IsKind(terr, errors.KindNotFound) {
			return terr
		}
	}
	return nil
}

// body counts downloaded bytes and ends the request context on Close.
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
