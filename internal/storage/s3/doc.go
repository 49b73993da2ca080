/*
Package s3 implements the object client on Amazon S3 and S3-compatible stores
(MinIO, LocalStack, Ceph RGW) with aws-sdk-go-v2.

Every call runs under the configured request timeout. For GetObject the
timeout also covers reading the body and ends when the caller closes it.

# Errors

SDK errors are translated into *errors.Error values. The kind is taken from the
S3 error code when it is known (NoSuchKey, SlowDown, AccessDenied, ...), then
from the HTTP status, and a failure that never produced a response is a network
error:

	NoSuchKey, NoSuchUpload, 404   -> KindNotFound
	InvalidRange, 416              -> KindInvalidRange
	AccessDenied, 401, 403         -> KindAuthFailure
	SlowDown, 429                  -> KindThrottled
	InternalError, 5xx, 408        -> KindServerTransient
	EntityTooSmall, other 4xx      -> KindServerPermanent

The original error stays reachable through errors.Unwrap and the S3 code is kept
in Error.Code.

# CargoShip

With EnableCargoShipOptimization set, single-part uploads at or above
CargoShipThreshold are sent through the CargoShip transporter. A failed
accelerated upload falls back to a plain PutObject. The transporter does not
report the ETag, so the client reads it back with HeadObject.

# Usage

	cfg := s3.NewDefaultConfig()
	cfg.Bucket = "my-bucket"
	cfg.Endpoint = "http://localhost:9000"
	cfg.ForcePathStyle = true

	client, err := s3.New(ctx, cfg)
	if err != nil {
		return err
	}
	engine, err := transfer.NewEngine(client, transfer.DefaultOptions())
*/
package s3
