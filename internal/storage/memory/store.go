// Package memory is an in-process object store with S3 semantics: ranged
// reads, multipart uploads with a minimum part size, MD5 ETags and delimiter
// listing. It backs tests and the "memory" storage backend.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/bucketfs/pkg/byterange"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/types"
)

const defaultMaxKeys = 1000

type object struct {
	data        []byte
	etag        string
	contentType string
	modified    time.Time
}

type part struct {
	data []byte
	etag string
}

type upload struct {
	key         string
	contentType string
	parts       map[int]part
	created     time.Time
}

// Store keeps objects in maps guarded by one lock.
type Store struct {
	mu          sync.RWMutex
	objects     map[string]object
	uploads     map[string]*upload
	minPartSize int64
}

// Option configures a Store.
type Option func(*Store)

// WithMinPartSize sets the minimum size of non-final multipart parts.
func WithMinPartSize(n int64) Option {
	return func(s *Store) {
		s.minPartSize = n
	}
}

// New returns an empty store enforcing a 5 MiB minimum part size.
func New(opts ...Option) *Store {
	s := &Store{
		objects:     make(map[string]object),
		uploads:     make(map[string]*upload),
		minPartSize: 5 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func computeETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

func notFound(key, what string) error {
	return errors.Newf(errors.KindNotFound, "%s not found", what).
		WithComponent("memory").WithKey(key).WithCode("NoSuch" + what)
}

// HeadObject returns metadata for key.
func (s *Store) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, notFound(key, "Key")
	}
	return &types.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
		ETag:         obj.etag,
		ContentType:  obj.contentType,
	}, nil
}

// GetObject returns a copy of the object or of the requested range.
func (s *Store) GetObject(ctx context.Context, key string, rng *byterange.Range) (*types.GetObjectOutput, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(key, "Key")
	}

	size := int64(len(obj.data))
	out := &types.GetObjectOutput{
		ETag:         obj.etag,
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}
	start, end := int64(0), size-1
	if rng != nil {
		var err error
		if start, end, err = rng.Resolve(size); err != nil {
			return nil, err
		}
		out.ContentRange = &byterange.ContentRange{Start: start, Length: end - start + 1, Total: size}
	}

	data := make([]byte, end-start+1)
	copy(data, obj.data[start:end+1])
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.ContentLength = int64(len(data))
	return out, nil
}

// PutObject stores a copy of data.
func (s *Store) PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	stored := append([]byte(nil), data...)
	etag := computeETag(stored)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: stored, etag: etag, contentType: contentType, modified: time.Now()}
	return etag, nil
}

// InitiateMultipartUpload returns a fresh upload id.
func (s *Store) InitiateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[id] = &upload{key: key, contentType: contentType, parts: make(map[int]part), created: time.Now()}
	return id, nil
}

// UploadPart stores one part, replacing an earlier upload of the same number.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (string, error) {
	if partNumber < 1 || partNumber > 10000 {
		return "", errors.Newf(errors.KindServerPermanent, "part number %d out of range", partNumber).
			WithComponent("memory").WithKey(key).WithCode("InvalidArgument")
	}
	stored := append([]byte(nil), data...)
	etag := computeETag(stored)

	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return "", notFound(key, "Upload")
	}
	up.parts[partNumber] = part{data: stored, etag: etag}
	return etag, nil
}

// CompleteMultipartUpload assembles the listed parts in order. Parts must be
// ascending, match their ETags and, except the last, reach the minimum size.
func (s *Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (string, error) {
	invalid := func(code, format string, args ...interface{}) error {
		return errors.Newf(errors.KindServerPermanent, format, args...).
			WithComponent("memory").WithKey(key).WithCode(code)
	}
	if len(parts) == 0 {
		return "", invalid("MalformedXML", "no parts given")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return "", notFound(key, "Upload")
	}

	var assembled bytes.Buffer
	composite := md5.New()
	for i, cp := range parts {
		if i > 0 && cp.PartNumber <= parts[i-1].PartNumber {
			return "", invalid("InvalidPartOrder", "part %d listed after part %d", cp.PartNumber, parts[i-1].PartNumber)
		}
		p, ok := up.parts[cp.PartNumber]
		if !ok || p.etag != cp.ETag {
			return "", invalid("InvalidPart", "part %d missing or etag mismatch", cp.PartNumber)
		}
		if i < len(parts)-1 && int64(len(p.data)) < s.minPartSize {
			return "", invalid("EntityTooSmall", "part %d is %d bytes, minimum is %d", cp.PartNumber, len(p.data), s.minPartSize)
		}
		assembled.Write(p.data)
		sum := md5.Sum(p.data)
		composite.Write(sum[:])
	}

	etag := fmt.Sprintf(`"%x-%d"`, composite.Sum(nil), len(parts))
	s.objects[key] = object{data: assembled.Bytes(), etag: etag, contentType: up.contentType, modified: time.Now()}
	delete(s.uploads, uploadID)
	return etag, nil
}

// AbortMultipartUpload discards an upload and its parts.
func (s *Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return notFound(key, "Upload")
	}
	delete(s.uploads, uploadID)
	return nil
}

// ListObjects lists keys under prefix in lexical order. With a delimiter, keys
// sharing the next path segment collapse into one common prefix.
func (s *Store) ListObjects(ctx context.Context, prefix, delimiter, marker string, maxKeys int) (*types.ListPage, error) {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	page := &types.ListPage{}
	seen := make(map[string]bool)
	count := 0
	for _, k := range keys {
		if k <= marker {
			continue
		}
		entry, isPrefix := k, false
		if delimiter != "" {
			if i := strings.Index(k[len(prefix):], delimiter); i >= 0 {
				entry, isPrefix = k[:len(prefix)+i+len(delimiter)], true
			}
		}
		if isPrefix && (seen[entry] || entry <= marker) {
			continue
		}
		if count == maxKeys {
			page.Truncated = true
			break
		}
		count++
		page.NextMarker = entry
		if isPrefix {
			seen[entry] = true
			page.CommonPrefixes = append(page.CommonPrefixes, entry)
			continue
		}
		obj := s.objects[k]
		page.Objects = append(page.Objects, types.ObjectInfo{
			Key:          k,
			Size:         int64(len(obj.data)),
			LastModified: obj.modified,
			ETag:         obj.etag,
			ContentType:  obj.contentType,
		})
	}
	s.mu.RUnlock()

	if !page.Truncated {
		page.NextMarker = ""
	}
	return page, nil
}

// DeleteObject removes key. Missing keys are not an error.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Uploads returns the ids of multipart uploads that are neither completed nor aborted.
func (s *Store) Uploads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.uploads))
	for id := range s.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
