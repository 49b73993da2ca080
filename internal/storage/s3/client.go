package s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/objectfs/bucketfs/internal/storage/opstats"
	"github.com/objectfs/bucketfs/pkg/errors"
)

// API is the subset of *s3.Client the object client calls.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// uploadFunc is an alternative single-part upload path.
type uploadFunc func(ctx context.Context, key string, data []byte, contentType string) error

// Client implements types.ObjectClient on Amazon S3 and S3-compatible stores.
type Client struct {
	api         API
	bucket      string
	config      *Config
	accelerated uploadFunc
	metrics     *opstats.Collector
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithAPI replaces the SDK client, mainly for tests.
func WithAPI(api API) Option {
	return func(c *Client) {
		c.api = api
	}
}

// New builds a client for cfg.Bucket. Static credentials are used when an
// access key is configured, otherwise the default AWS credential chain.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.Bucket == "" {
		return nil, errors.New(errors.KindInvalidConfig, "bucket name cannot be empty").WithComponent("s3")
	}

	c := &Client{
		bucket:  cfg.Bucket,
		config:  cfg,
		metrics: opstats.New("s3"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "s3", "bucket", cfg.Bucket)

	if c.api != nil {
		return c, nil
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(max(cfg.MaxRetries, 1)),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidConfig, "failed to load AWS config").WithComponent("s3")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
		if cfg.UseDualStack {
			o.EndpointOptions.UseDualStackEndpoint = aws.DualStackEndpointStateEnabled
		}
	})
	c.api = client

	if cfg.EnableCargoShipOptimization {
		c.accelerated = cargoShipUploader(client, cfg, c.logger)
		c.logger.Info("CargoShip S3 optimization enabled",
			"target_throughput", cfg.TargetThroughput,
			"threshold", cfg.CargoShipThreshold,
			"concurrency", cfg.CargoShipConcurrency)
	}
	return c, nil
}

func cargoShipUploader(client *s3.Client, cfg *Config, logger *slog.Logger) uploadFunc {
	transporter := cargoships3.NewTransporter(client, awsconfig.S3Config{
		Bucket:             cfg.Bucket,
		StorageClass:       awsconfig.StorageClassIntelligentTiering,
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        max(cfg.CargoShipConcurrency, 1),
	})
	return func(ctx context.Context, key string, data []byte, contentType string) error {
		result, err := transporter.Upload(ctx, cargoships3.Archive{
			Key:    key,
			Reader: bytes.NewReader(data),
			Size:   int64(len(data)),
			Metadata: map[string]string{
				"bucketfs-upload": "true",
				"content-type":    contentType,
			},
		})
		if err != nil {
			return err
		}
		logger.Debug("CargoShip upload completed",
			"key", key,
			"size", len(data),
			"throughput", result.Throughput,
			"duration", result.Duration)
		return nil
	}
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// Stats returns the client's request counters.
func (c *Client) Stats() opstats.Snapshot {
	return c.metrics.Snapshot()
}

// HealthCheck verifies the bucket is reachable with the configured credentials.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return translateError(err, "HeadBucket", c.bucket)
	}
	return nil
}

// callContext bounds one request by the configured timeout.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}

func (c *Client) observe(start time.Time, err error) {
	c.metrics.Observe(time.Since(start), err)
}

func (c *Client) String() string {
	return fmt.Sprintf("s3://%s", c.bucket)
}
