package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/bucketfs/pkg/byterange"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/types"
)

// call is one recorded client operation.
type call struct {
	op     string
	key    string
	part   int
	offset int64
}

// fakeClient is a scripted in-memory object store. hook runs before every
// operation and may block, fail it or panic.
type fakeClient struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploads   map[string]map[int][]byte
	seq       int
	calls     []call
	completed [][]types.CompletedPart
	hook      func(c call) error
	shortBody bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		objects: make(map[string][]byte),
		uploads: make(map[string]map[int][]byte),
	}
}

func (f *fakeClient) setHook(hook func(c call) error) {
	f.mu.Lock()
	f.hook = hook
	f.mu.Unlock()
}

func (f *fakeClient) seed(key string, data []byte) {
	f.mu.Lock()
	f.objects[key] = append([]byte(nil), data...)
	f.mu.Unlock()
}

func (f *fakeClient) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func (f *fakeClient) record(c call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		return hook(c)
	}
	return nil
}

func (f *fakeClient) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (f *fakeClient) callsOf(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeClient) completions() [][]types.CompletedPart {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]types.CompletedPart(nil), f.completed...)
}

func (f *fakeClient) openUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func etagOf(data []byte) string {
	return fmt.Sprintf("\"%x\"", md5.Sum(data))
}

func (f *fakeClient) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	if err := f.record(call{op: "HeadObject", key: key}); err != nil {
		return nil, err
	}
	data, ok := f.object(key)
	if !ok {
		return nil, errors.New(errors.KindNotFound, "no such key").WithKey(key)
	}
	return &types.ObjectInfo{Key: key, Size: int64(len(data)), ETag: etagOf(data)}, nil
}

func (f *fakeClient) GetObject(ctx context.Context, key string, rng *byterange.Range) (*types.GetObjectOutput, error) {
	c := call{op: "GetObject", key: key}
	if rng != nil {
		c.offset = rng.Start
	}
	if err := f.record(c); err != nil {
		return nil, err
	}
	data, ok := f.object(key)
	if !ok {
		return nil, errors.New(errors.KindNotFound, "no such key").WithKey(key)
	}
	start, end := int64(0), int64(len(data))-1
	if rng != nil {
		var err error
		if start, end, err = rng.Resolve(int64(len(data))); err != nil {
			return nil, err
		}
	}
	body := append([]byte(nil), data[start:end+1]...)

	f.mu.Lock()
	short := f.shortBody
	f.mu.Unlock()
	if short && len(body) > 0 {
		body = body[:len(body)-1]
	}
	return &types.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		ETag:          etagOf(data),
	}, nil
}

func (f *fakeClient) PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := f.record(call{op: "PutObject", key: key}); err != nil {
		return "", err
	}
	f.seed(key, data)
	return etagOf(data), nil
}

func (f *fakeClient) InitiateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	if err := f.record(call{op: "InitiateMultipartUpload", key: key}); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("upload-%d", f.seq)
	f.uploads[id] = make(map[int][]byte)
	return id, nil
}

func (f *fakeClient) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (string, error) {
	if err := f.record(call{op: "UploadPart", key: key, part: partNumber}); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.uploads[uploadID]
	if !ok {
		return "", errors.New(errors.KindNotFound, "no such upload").WithKey(key)
	}
	parts[partNumber] = append([]byte(nil), data...)
	return fmt.Sprintf("\"etag-%d\"", partNumber), nil
}

func (f *fakeClient) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (string, error) {
	if err := f.record(call{op: "CompleteMultipartUpload", key: key}); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.uploads[uploadID]
	if !ok {
		return "", errors.New(errors.KindNotFound, "no such upload").WithKey(key)
	}
	f.completed = append(f.completed, append([]types.CompletedPart(nil), parts...))

	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := stored[p.PartNumber]
		if !ok || p.ETag != fmt.Sprintf("\"etag-%d\"", p.PartNumber) {
			return "", errors.Newf(errors.KindServerPermanent, "invalid part %d", p.PartNumber)
		}
		buf.Write(data)
	}
	delete(f.uploads, uploadID)
	f.objects[key] = buf.Bytes()
	return fmt.Sprintf("\"%x-%d\"", md5.Sum(buf.Bytes()), len(parts)), nil
}

func (f *fakeClient) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := f.record(call{op: "AbortMultipartUpload", key: key}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.uploads[uploadID]; !ok {
		return errors.New(errors.KindNotFound, "no such upload").WithKey(key)
	}
	delete(f.uploads, uploadID)
	return nil
}

func (f *fakeClient) ListObjects(ctx context.Context, prefix, delimiter, marker string, maxKeys int) (*types.ListPage, error) {
	if err := f.record(call{op: "ListObjects", key: prefix}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	page := &types.ListPage{}
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) && key > marker {
			page.Objects = append(page.Objects, types.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(page.Objects, func(i, j int) bool { return page.Objects[i].Key < page.Objects[j].Key })
	return page, nil
}

func (f *fakeClient) DeleteObject(ctx context.Context, key string) error {
	if err := f.record(call{op: "DeleteObject", key: key}); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.objects, key)
	f.mu.Unlock()
	return nil
}

// memSink is a growable io.WriterAt.
type memSink struct {
	mu   sync.Mutex
	data []byte
}

func (s *memSink) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if end := int(off) + len(p); end > len(s.data) {
		s.data = append(s.data, make([]byte, end-len(s.data))...)
	}
	copy(s.data[off:], p)
	return len(p), nil
}

func (s *memSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// gateHook blocks matching calls until released.
type gateHook struct {
	release chan struct{}
	once    sync.Once
}

func newGateHook() *gateHook {
	return &gateHook{release: make(chan struct{})}
}

func (g *gateHook) wait() {
	<-g.release
}

func (g *gateHook) open() {
	g.once.Do(func() { close(g.release) })
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(partSize int64, buffers int) Options {
	return Options{
		BufferMaxHeap:        partSize * int64(buffers),
		BufferSize:           partSize,
		MaxParallelTransfers: 4,
		MaxRetries:           3,
		RetryBaseDelay:       time.Millisecond,
		RetryMaxDelay:        4 * time.Millisecond,
		MinPartSize:          1,
	}
}

func newTestEngine(t *testing.T, client types.ObjectClient, opts Options, extra ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(client, opts, append([]Option{WithLogger(quietLogger())}, extra...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func transient(msg string) error {
	return errors.New(errors.KindServerTransient, msg)
}
