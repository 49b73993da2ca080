package s3

import (
	"context"
	stderrors "errors"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/bucketfs/pkg/errors"
)

var codeKinds = map[string]errors.Kind{
	"NoSuchKey":    errors.KindNotFound,
	"NoSuchUpload": errors.KindNotFound,
	"NoSuchBucket": errors.KindNotFound,
	"NotFound":     errors.KindNotFound,

	"InvalidRange": errors.KindInvalidRange,

	"AccessDenied":          errors.KindAuthFailure,
	"InvalidAccessKeyId":    errors.KindAuthFailure,
	"SignatureDoesNotMatch": errors.KindAuthFailure,
	"ExpiredToken":          errors.KindAuthFailure,
	"InvalidToken":          errors.KindAuthFailure,

	"SlowDown":                 errors.KindThrottled,
	"Throttling":               errors.KindThrottled,
	"ThrottlingException":      errors.KindThrottled,
	"RequestLimitExceeded":     errors.KindThrottled,
	"TooManyRequestsException": errors.KindThrottled,

	"InternalError":      errors.KindServerTransient,
	"ServiceUnavailable": errors.KindServerTransient,
	"RequestTimeout":     errors.KindServerTransient,

	"EntityTooSmall":   errors.KindServerPermanent,
	"InvalidPart":      errors.KindServerPermanent,
	"InvalidPartOrder": errors.KindServerPermanent,
	"MalformedXML":     errors.KindServerPermanent,
}

// classify maps an SDK error to a kind. API error codes win over the HTTP
// status; a failure without any response is a network error.
func classify(err error) errors.Kind {
	switch {
	case isErrorType[*s3types.NoSuchKey](err),
		isErrorType[*s3types.NoSuchUpload](err),
		isErrorType[*s3types.NoSuchBucket](err),
		isErrorType[*s3types.NotFound](err):
		return errors.KindNotFound
	case stderrors.Is(err, context.Canceled):
		return errors.KindInternal
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		if kind, ok := codeKinds[apiErr.ErrorCode()]; ok {
			return kind
		}
	}
	var respErr *awshttp.ResponseError
	if stderrors.As(err, &respErr) {
		if kind := errors.FromHTTPStatus(respErr.HTTPStatusCode()); kind != errors.KindInternal {
			return kind
		}
	}
	if apiErr != nil {
		if apiErr.ErrorFault() == smithy.FaultServer {
			return errors.KindServerTransient
		}
		return errors.KindServerPermanent
	}

	// no response from the store: refused connection, DNS, timeout or a cut stream
	return errors.KindNetwork
}

func translateError(err error, operation, key string) error {
	if err == nil {
		return nil
	}
	e := errors.Wrap(err, classify(err), operation+" failed").
		WithComponent("s3").
		WithOperation(operation).
		WithKey(key)

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		e.WithCode(apiErr.ErrorCode())
	}
	var respErr *awshttp.ResponseError
	if stderrors.As(err, &respErr) {
		e.HTTPStatus = respErr.HTTPStatusCode()
	}
	return e
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
