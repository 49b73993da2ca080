package s3

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/objectfs/bucketfs/pkg/byterange"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/types"
)

// HeadObject retrieves metadata about an object
func (c *Client) HeadObject(ctx context.Context, key string) (info *types.ObjectInfo, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	result, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateError(err, "HeadObject", key)
	}

	info = &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
		ContentType:  aws.ToString(result.ContentType),
		Metadata:     make(map[string]string, len(result.Metadata)),
	}
	for k, v := range result.Metadata {
		info.Metadata[k] = v
	}
	return info, nil
}

// GetObject streams an object or a range of it. The request timeout covers
// reading the body, so it is released when the body is closed.
func (c *Client) GetObject(ctx context.Context, key string, rng *byterange.Range) (out *types.GetObjectOutput, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)

	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		if err := rng.Validate(); err != nil {
			cancel()
			return nil, err
		}
		input.Range = aws.String(rng.Header())
	}

	result, err := c.api.GetObject(ctx, input)
	if err != nil {
		cancel()
		return nil, translateError(err, "GetObject", key)
	}

	out = &types.GetObjectOutput{
		Body:          &countingBody{ReadCloser: result.Body, cancel: cancel, client: c},
		ContentLength: aws.ToInt64(result.ContentLength),
		ETag:          aws.ToString(result.ETag),
		ContentType:   aws.ToString(result.ContentType),
		LastModified:  aws.ToTime(result.LastModified),
	}
	if header := aws.ToString(result.ContentRange); header != "" {
		cr, err := byterange.ParseContentRange(header)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.ContentRange = &cr
	}
	return out, nil
}

// countingBody credits downloaded bytes and ends the request context on Close.
type countingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
	client *Client
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.client.metrics.Downloaded(int64(n))
	return n, err
}

func (b *countingBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// PutObject stores an object in a single request. Large bodies go through
// CargoShip when it is enabled, falling back to a plain PUT on failure.
func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType string) (etag string, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	if contentType == "" {
		contentType = detectContentType(key)
	}

	if c.accelerated != nil && int64(len(data)) >= c.config.CargoShipThreshold {
		accETag, accErr := c.putAccelerated(ctx, key, data, contentType)
		if accErr == nil {
			return accETag, nil
		}
		c.metrics.Fallback()
		c.logger.Warn("CargoShip upload failed, falling back to standard S3", "key", key, "error", accErr)
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()
	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	}
	if c.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(c.config.StorageClass)
	}
	result, err := c.api.PutObject(ctx, input)
	if err != nil {
		return "", translateError(err, "PutObject", key)
	}
	c.metrics.Uploaded(int64(len(data)))
	return aws.ToString(result.ETag), nil
}

// putAccelerated uploads through CargoShip, which does not report the ETag,
// and reads it back with a HEAD.
func (c *Client) putAccelerated(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	if err := c.accelerated(ctx, key, data, contentType); err != nil {
		return "", err
	}
	c.metrics.Accelerated()
	c.metrics.Uploaded(int64(len(data)))

	result, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", translateError(err, "HeadObject", key)
	}
	return aws.ToString(result.ETag), nil
}

// InitiateMultipartUpload starts a multipart upload and returns its id.
func (c *Client) InitiateMultipartUpload(ctx context.Context, key, contentType string) (id string, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if contentType == "" {
		contentType = detectContentType(key)
	}
	input := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}
	if c.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(c.config.StorageClass)
	}
	result, err := c.api.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", translateError(err, "CreateMultipartUpload", key)
	}
	id = aws.ToString(result.UploadId)
	if id == "" {
		return "", errors.New(errors.KindServerPermanent, "store returned an empty upload id").
			WithComponent("s3").WithOperation("CreateMultipartUpload").WithKey(key)
	}
	c.metrics.MultipartStarted()
	return id, nil
}

// UploadPart uploads one part and returns its ETag.
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (etag string, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	result, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", translateError(err, "UploadPart", key)
	}
	c.metrics.MultipartPart(int64(len(data)))
	c.metrics.Uploaded(int64(len(data)))
	return aws.ToString(result.ETag), nil
}

// CompleteMultipartUpload assembles the uploaded parts into the final object.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (etag string, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	completed := make([]s3types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = s3types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		}
	}
	result, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", translateError(err, "CompleteMultipartUpload", key)
	}
	c.metrics.MultipartCompleted()
	return aws.ToString(result.ETag), nil
}

// AbortMultipartUpload discards an upload and its stored parts.
func (c *Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) (err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	_, err = c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return translateError(err, "AbortMultipartUpload", key)
	}
	c.metrics.MultipartAborted()
	return nil
}

// ListObjects lists one page with ListObjectsV2. The marker is the
// continuation token of the previous page.
func (c *Client) ListObjects(ctx context.Context, prefix, delimiter, marker string, maxKeys int) (page *types.ListPage, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}
	if marker != "" {
		input.ContinuationToken = aws.String(marker)
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(maxKeys))
	}

	result, err := c.api.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, translateError(err, "ListObjectsV2", prefix)
	}

	page = &types.ListPage{
		Objects:   make([]types.ObjectInfo, 0, len(result.Contents)),
		Truncated: aws.ToBool(result.IsTruncated),
	}
	for _, obj := range result.Contents {
		page.Objects = append(page.Objects, types.ObjectInfo{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
			ETag:         aws.ToString(obj.ETag),
		})
	}
	for _, cp := range result.CommonPrefixes {
		page.CommonPrefixes = append(page.CommonPrefixes, aws.ToString(cp.Prefix))
	}
	if page.Truncated {
		page.NextMarker = aws.ToString(result.NextContinuationToken)
	}
	return page, nil
}

// DeleteObject removes an object. S3 reports success for missing keys.
func (c *Client) DeleteObject(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if terr := translateError(err, "DeleteObject", key); !errors.IsKind(terr, errors.KindNotFound) {
			return terr
		}
	}
	return nil
}

var contentTypes = map[string]string{
	".json": "application/json",
	".xml":  "application/xml",
	".html": "text/html",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".pdf":  "application/pdf",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
}

func detectContentType(key string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	return "application/octet-stream"
}
