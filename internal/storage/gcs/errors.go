package gcs

import (
	"context"
	stderrors "errors"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/objectfs/bucketfs/pkg/errors"
)

func classify(err error) (errors.Kind, int) {
	var apiErr *googleapi.Error
	switch {
	case stderrors.Is(err, gcs.ErrObjectNotExist), stderrors.Is(err, gcs.ErrBucketNotExist):
		return errors.KindNotFound, 404
	case stderrors.Is(err, context.Canceled):
		return errors.KindInternal, 0
	case stderrors.As(err, &apiErr):
		return errors.FromHTTPStatus(apiErr.Code), apiErr.Code
	}
	// no HTTP response: connection failure, timeout or a cut stream
	return errors.KindNetwork, 0
}

func translateError(err error, operation, key string) error {
	if err == nil {
		return nil
	}
	kind, status := classify(err)
	e := errors.Wrap(err, kind, operation+" failed").
		WithComponent("gcs").
		WithOperation(operation).
		WithKey(key)
	if status != 0 {
		e.HTTPStatus = status
	}
	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) && len(apiErr.Errors) > 0 {
		e.WithCode(apiErr.Errors[0].Reason)
	}
	return e
}
