package azure

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// API is the subset of the Blob Storage client the object client uses,
// narrowed so tests can substitute it.
type API interface {
	Upload(ctx context.Context, containerName, blobName string, data []byte, contentType string) (string, error)
	// Download reads count bytes from offset; count 0 reads to the end.
	Download(ctx context.Context, containerName, blobName string, offset, count int64) (*Download, error)
	Properties(ctx context.Context, containerName, blobName string) (*Properties, error)
	Delete(ctx context.Context, containerName, blobName string) error
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string, contentType string) (string, error)
	List(ctx context.Context, containerName, prefix, delimiter, marker string, maxResults int32) (*Listing, error)
}

// Properties describes one blob.
type Properties struct {
	Name         string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// Download is an open blob body.
type Download struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentRange  string
	Properties
}

// Listing is one page of a listing.
type Listing struct {
	Blobs      []Properties
	Prefixes   []string
	NextMarker string
}

type realAPI struct {
	client *azblob.Client
}

// newRealAPI authenticates with a connection string when given, then managed
// identity when requested, and DefaultAzureCredential otherwise.
func newRealAPI(cfg Config) (*realAPI, error) {
	if cfg.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, err
		}
		return &realAPI{client: client}, nil
	}

	var cred azcore.TokenCredential
	var err error
	if cfg.UseManagedIdentity {
		cred, err = azidentity.NewManagedIdentityCredential(nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, err
	}
	client, err := azblob.NewClient(cfg.AccountURL, cred, nil)
	if err != nil {
		return nil, err
	}
	return &realAPI{client: client}, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func etagString(e *azcore.ETag) string {
	if e == nil {
		return ""
	}
	return string(*e)
}

func (r *realAPI) blobClient(containerName, blobName string) *blob.Client {
	return r.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName)
}

func (r *realAPI) Upload(ctx context.Context, containerName, blobName string, data []byte, contentType string) (string, error) {
	resp, err := r.client.UploadBuffer(ctx, containerName, blobName, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return "", err
	}
	return etagString(resp.ETag), nil
}

func (r *realAPI) Download(ctx context.Context, containerName, blobName string, offset, count int64) (*Download, error) {
	resp, err := r.client.DownloadStream(ctx, containerName, blobName, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset, Count: count},
	})
	if err != nil {
		return nil, err
	}
	return &Download{
		Body:          resp.Body,
		ContentLength: deref(resp.ContentLength),
		ContentRange:  deref(resp.ContentRange),
		Properties: Properties{
			Name:         blobName,
			ETag:         etagString(resp.ETag),
			ContentType:  deref(resp.ContentType),
			LastModified: deref(resp.LastModified),
		},
	}, nil
}

func (r *realAPI) Properties(ctx context.Context, containerName, blobName string) (*Properties, error) {
	resp, err := r.blobClient(containerName, blobName).GetProperties(ctx, nil)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(resp.Metadata))
	for k, v := range resp.Metadata {
		meta[k] = deref(v)
	}
	return &Properties{
		Name:         blobName,
		Size:         deref(resp.ContentLength),
		ETag:         etagString(resp.ETag),
		ContentType:  deref(resp.ContentType),
		LastModified: deref(resp.LastModified),
		Metadata:     meta,
	}, nil
}

func (r *realAPI) Delete(ctx context.Context, containerName, blobName string) error {
	_, err := r.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (r *realAPI) StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error {
	bb := r.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
	_, err := bb.StageBlock(ctx, blockID, streaming.NopCloser(bytes.NewReader(data)), nil)
	return err
}

func (r *realAPI) CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string, contentType string) (string, error) {
	bb := r.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
	resp, err := bb.CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return "", err
	}
	return etagString(resp.ETag), nil
}

func (r *realAPI) List(ctx context.Context, containerName, prefix, delimiter, marker string, maxResults int32) (*Listing, error) {
	cc := r.client.ServiceClient().NewContainerClient(containerName)
	var markerPtr *string
	if marker != "" {
		markerPtr = &marker
	}
	listing := &Listing{}

	appendItems := func(items []*container.BlobItem) {
		for _, item := range items {
			p := Properties{Name: deref(item.Name)}
			if props := item.Properties; props != nil {
				p.Size = deref(props.ContentLength)
				p.ETag = etagString(props.ETag)
				p.ContentType = deref(props.ContentType)
				p.LastModified = deref(props.LastModified)
			}
			listing.Blobs = append(listing.Blobs, p)
		}
	}

	if delimiter == "" {
		pager := r.client.NewListBlobsFlatPager(containerName, &azblob.ListBlobsFlatOptions{
			Prefix: &prefix, Marker: markerPtr, MaxResults: &maxResults,
		})
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		appendItems(resp.Segment.BlobItems)
		listing.NextMarker = deref(resp.NextMarker)
		return listing, nil
	}

	pager := cc.NewListBlobsHierarchyPager(delimiter, &container.ListBlobsHierarchyOptions{
		Prefix: &prefix, Marker: markerPtr, MaxResults: &maxResults,
	})
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return nil, err
	}
	appendItems(resp.Segment.BlobItems)
	for _, p := range resp.Segment.BlobPrefixes {
		listing.Prefixes = append(listing.Prefixes, deref(p.Name))
	}
	listing.NextMarker = deref(resp.NextMarker)
	return listing, nil
}
