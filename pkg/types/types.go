package types

import (
	"io"
	"sort"
	"time"

	"github.com/objectfs/bucketfs/pkg/byterange"
)

// ObjectInfo represents metadata about an object
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag"`
	ContentType  string            `json:"content_type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// GetObjectOutput is the result of a (possibly ranged) GetObject call.
// The caller must close Body.
type GetObjectOutput struct {
	Body          io.ReadCloser
	ContentLength int64
	// ContentRange is set when the request carried a range.
	ContentRange *byterange.ContentRange
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Close releases the response body.
func (o *GetObjectOutput) Close() error {
	if o == nil || o.Body == nil {
		return nil
	}
	return o.Body.Close()
}

// ListPage is one page of a ListObjects call.
type ListPage struct {
	Objects        []ObjectInfo `json:"objects"`
	CommonPrefixes []string     `json:"common_prefixes,omitempty"`
	NextMarker     string       `json:"next_marker,omitempty"`
	Truncated      bool         `json:"truncated"`
}

// CompletedPart names an uploaded part when completing a multipart upload.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// SortParts orders parts by ascending part number in place.
func SortParts(parts []CompletedPart) {
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}
