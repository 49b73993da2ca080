package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/bucketfs/internal/cache"
	"github.com/objectfs/bucketfs/internal/storage/memory"
	"github.com/objectfs/bucketfs/internal/transfer"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/health"
)

// gatedStore holds UploadPart calls until release is closed.
type gatedStore struct {
	*memory.Store
	inPart  atomic.Int32
	release chan struct{}
	once    sync.Once
}

func newGatedStore() *gatedStore {
	return &gatedStore{Store: memory.New(memory.WithMinPartSize(1)), release: make(chan struct{})}
}

func (s *gatedStore) open() { s.once.Do(func() { close(s.release) }) }

func (s *gatedStore) UploadPart(ctx context.Context, key, uploadID string, n int, data []byte) (string, error) {
	s.inPart.Add(1)
	<-s.release
	return s.Store.UploadPart(ctx, key, uploadID, n, data)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestEngine(t *testing.T, store *gatedStore) *transfer.Engine {
	t.Helper()
	opts := transfer.Options{
		BufferMaxHeap:        64,
		BufferSize:           4,
		MaxParallelTransfers: 2,
		MaxRetries:           0,
		RetryBaseDelay:       time.Millisecond,
		RetryMaxDelay:        time.Millisecond,
		MinPartSize:          1,
		HandleHistory:        16,
	}
	e, err := transfer.NewEngine(store, opts, transfer.WithLogger(quiet()))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.open()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func upload(t *testing.T, e *transfer.Engine, key string, data []byte) *transfer.Handle {
	t.Helper()
	h, err := e.Upload(context.Background(), key, int64(len(data)), bytes.NewReader(data))
	require.NoError(t, err)
	return h
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

func TestServer_Transfers(t *testing.T) {
	store := newGatedStore()
	store.open()
	e := newTestEngine(t, store)
	s := NewServer(DefaultServerConfig(), e, WithLogger(quiet()))

	h := upload(t, e, "docs/a.txt", []byte("0123456789"))
	require.NoError(t, h.Wait(context.Background()))

	w := do(t, s, http.MethodGet, "/transfers")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Transfers []map[string]interface{} `json:"transfers"`
		Count     int                      `json:"count"`
	}
	decode(t, w, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "docs/a.txt", list.Transfers[0]["key"])
	assert.Equal(t, "completed", list.Transfers[0]["status"])
	assert.Equal(t, "upload", list.Transfers[0]["direction"])

	w = do(t, s, http.MethodGet, "/transfers?status=failed")
	decode(t, w, &list)
	assert.Zero(t, list.Count)

	w = do(t, s, http.MethodGet, fmt.Sprintf("/transfers/%d", h.ID()))
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Parts    int                      `json:"parts"`
		PartList []map[string]interface{} `json:"part_list"`
	}
	decode(t, w, &detail)
	assert.Equal(t, 3, detail.Parts)
	require.Len(t, detail.PartList, 3)
	assert.Equal(t, "done", detail.PartList[2]["status"])

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/transfers/999").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/transfers/abc").Code)

	w = do(t, s, http.MethodPost, fmt.Sprintf("/transfers/%d/cancel", h.ID()))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, fmt.Sprintf("/transfers/%d/abort", h.ID()))
	assert.Equal(t, http.StatusConflict, w.Code)
	var apiErr errorResponse
	decode(t, w, &apiErr)
	assert.Equal(t, errors.KindInvalidState.String(), apiErr.Kind)
}

func TestServer_CancelAndAbort(t *testing.T) {
	store := newGatedStore()
	e := newTestEngine(t, store)
	s := NewServer(DefaultServerConfig(), e, WithLogger(quiet()))

	h := upload(t, e, "big", []byte("0123456789ab"))
	require.Eventually(t, func() bool { return store.inPart.Load() > 0 }, 5*time.Second, time.Millisecond)
	require.NotEmpty(t, store.Uploads())

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- do(t, s, http.MethodPost, fmt.Sprintf("/transfers/%d/abort", h.ID())) }()

	require.Eventually(t, func() bool { return h.Status() == transfer.StatusCancelled }, 5*time.Second, time.Millisecond)
	store.open()

	var w *httptest.ResponseRecorder
	select {
	case w = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not return")
	}
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var info map[string]interface{}
	decode(t, w, &info)
	assert.Equal(t, "aborted", info["status"])
	assert.Equal(t, transfer.StatusAborted, h.Status())
	assert.Empty(t, store.Uploads())

	w = do(t, s, http.MethodGet, "/transfers?status=aborted&direction=upload")
	var list struct {
		Count int `json:"count"`
	}
	decode(t, w, &list)
	assert.Equal(t, 1, list.Count)
}

func TestServer_AbortRejectsDownloads(t *testing.T) {
	store := newGatedStore()
	store.open()
	_, err := store.PutObject(context.Background(), "obj", []byte("abc"), "")
	require.NoError(t, err)
	e := newTestEngine(t, store)
	s := NewServer(DefaultServerConfig(), e, WithLogger(quiet()))

	sink := make(sliceSink, 3)
	h, err := e.Download(context.Background(), "obj", 0, 3, sink)
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	w := do(t, s, http.MethodPost, fmt.Sprintf("/transfers/%d/abort", h.ID()))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type sliceSink []byte

func (s sliceSink) WriteAt(p []byte, off int64) (int, error) { return copy(s[off:], p), nil }

func TestServer_Health(t *testing.T) {
	store := newGatedStore()
	store.open()
	e := newTestEngine(t, store)
	tracker := health.NewTracker(health.Config{ErrorThreshold: 1, UnavailableThreshold: 2}, quiet())
	tracker.Register("storage")
	s := NewServer(DefaultServerConfig(), e, WithLogger(quiet()), WithHealth(tracker))

	w := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status     string             `json:"status"`
		Components []health.Component `json:"components"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Components, 1)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/ready").Code)

	boom := errors.New(errors.KindNetwork, "unreachable")
	tracker.RecordError("storage", boom)
	tracker.RecordError("storage", boom)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live").Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tracker.RecordSuccess("storage")
	require.NoError(t, e.Shutdown(ctx))
	w = do(t, s, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "shut down")
}

func TestServer_StatsMetricsInfo(t *testing.T) {
	store := newGatedStore()
	store.open()
	e := newTestEngine(t, store)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "bucketfs_up 1")
	})
	s := NewServer(DefaultServerConfig(), e,
		WithLogger(quiet()),
		WithMetrics(metrics),
		WithCacheStats(func() cache.Stats { return cache.Stats{PageSize: 4, MetadataEntries: 2} }),
	)

	w := do(t, s, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Engine transfer.Stats `json:"engine"`
		Cache  *cache.Stats   `json:"cache"`
	}
	decode(t, w, &stats)
	assert.Equal(t, 4, stats.Engine.Buffers.BufferSize)
	require.NotNil(t, stats.Cache)
	assert.Equal(t, 2, stats.Cache.MetadataEntries)

	w = do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bucketfs_up 1")

	w = do(t, s, http.MethodGet, "/info")
	assert.Contains(t, w.Body.String(), "/metrics")
}

func TestServer_CORSAndServe(t *testing.T) {
	store := newGatedStore()
	store.open()
	e := newTestEngine(t, store)
	cfg := DefaultServerConfig()
	cfg.EnableCORS = true
	cfg.EnableProfiling = true
	s := NewServer(cfg, e, WithLogger(quiet()))

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/debug/pprof/").Code)
	assert.Equal(t, http.StatusNotFound, do(t, NewServer(DefaultServerConfig(), e), http.MethodGet, "/debug/pprof/").Code)

	w := do(t, s, http.MethodOptions, "/transfers")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
}
