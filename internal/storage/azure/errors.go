package azure

import (
	"context"
	stderrors "errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/objectfs/bucketfs/pkg/errors"
)

func classify(err error) errors.Kind {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return errors.KindNotFound
	case bloberror.HasCode(err, bloberror.InvalidRange):
		return errors.KindInvalidRange
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure,
		bloberror.InsufficientAccountPermissions):
		return errors.KindAuthFailure
	case bloberror.HasCode(err, bloberror.ServerBusy):
		return errors.KindThrottled
	case bloberror.HasCode(err, bloberror.OperationTimedOut, bloberror.InternalError):
		return errors.KindServerTransient
	case bloberror.HasCode(err, bloberror.InvalidBlockList, bloberror.InvalidBlockID):
		return errors.KindServerPermanent
	case stderrors.Is(err, context.Canceled):
		return errors.KindInternal
	}
	var respErr *azcore.ResponseError
	if stderrors.As(err, &respErr) {
		return errors.FromHTTPStatus(respErr.StatusCode)
	}
	// no HTTP response: connection failure, timeout or a cut stream
	return errors.KindNetwork
}

func translateError(err error, operation, key string) error {
	if err == nil {
		return nil
	}
	e := errors.Wrap(err, classify(err), operation+" failed").
		WithComponent("azure").
		WithOperation(operation).
		WithKey(key)
	var respErr *azcore.ResponseError
	if stderrors.As(err, &respErr) {
		e.WithCode(respErr.ErrorCode)
		e.HTTPStatus = respErr.StatusCode
	}
	return e
}
