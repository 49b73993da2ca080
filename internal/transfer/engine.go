// Package transfer moves objects between a remote object store and local
// streams. Transfers are split into buffer-sized parts executed by a bounded
// worker pool; the number of buffers bounds memory and the admission gate
// bounds the number of live transfers.
package transfer

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/objectfs/bucketfs/internal/buffer"
	"github.com/objectfs/bucketfs/internal/worker"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/retry"
	"github.com/objectfs/bucketfs/pkg/types"
)

const tracerName = "github.com/objectfs/bucketfs/internal/transfer"

// Engine schedules uploads and downloads against one object client.
type Engine struct {
	client   types.ObjectClient
	opts     Options
	buffers  *buffer.Pool
	workers  *worker.Pool
	gate     *gate
	handles  *registry
	env      *jobEnv
	retryer  *retry.Retryer
	recorder Recorder
	journal  Journal
	tracer   trace.Tracer
	logger   *slog.Logger
	nextID   atomic.Uint64

	mu       sync.Mutex
	closed   bool
	shutdown chan struct{}
}

// Stats is a point-in-time view of engine resources.
type Stats struct {
	Buffers          buffer.PoolStats `json:"buffers"`
	Workers          worker.Stats     `json:"workers"`
	LiveHandles      int              `json:"live_handles"`
	AdmissionWaiting int              `json:"admission_waiting"`
}

// NewEngine allocates the buffer pool and starts the workers.
func NewEngine(client types.ObjectClient, opts Options, options ...Option) (*Engine, error) {
	if client == nil {
		return nil, errors.New(errors.KindInvalidConfig, "object client is required").WithComponent("transfer")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.HandleHistory == 0 {
		opts.HandleHistory = defaultHandleHistory
	}

	e := &Engine{
		client:   client,
		opts:     opts,
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default().With("component", "transfer"),
	}
	for _, opt := range options {
		opt(e)
	}

	buffers, err := buffer.NewPool(opts.BufferMaxHeap, opts.BufferSize)
	if err != nil {
		return nil, err
	}
	e.buffers = buffers
	e.workers = worker.NewPool(opts.Workers(), worker.WithLogger(e.logger))
	e.gate = newGate(opts.MaxParallelTransfers)
	e.handles = newRegistry(opts.HandleHistory)
	e.retryer = retry.New(retry.Config{
		MaxRetries:         opts.MaxRetries,
		BaseDelay:          opts.RetryBaseDelay,
		MaxDelay:           opts.RetryMaxDelay,
		Multiplier:         2.0,
		Jitter:             0.2,
		ThrottleMultiplier: 4.0,
	})
	e.env = &jobEnv{
		client:   client,
		buffers:  buffers,
		workers:  e.workers,
		retryer:  e.retryer,
		recorder: e.recorder,
		journal:  e.journal,
		tracer:   e.tracer,
		logger:   e.logger,
	}

	e.logger.Info("transfer engine started",
		"buffers", buffers.Capacity(),
		"buffer_size", opts.BufferSize,
		"workers", e.workers.Size(),
		"max_parallel", opts.MaxParallelTransfers)
	return e, nil
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// Download copies length bytes of key starting at offset into sink. Byte
// offset+i of the object lands at sink position i. The call blocks only for
// admission; use the returned handle to wait for the result.
func (e *Engine) Download(ctx context.Context, key string, offset, length int64, sink io.WriterAt) (*Handle, error) {
	if offset < 0 || length < 0 {
		return nil, errors.Newf(errors.KindInvalidRange, "invalid download range offset=%d length=%d", offset, length).
			WithComponent("transfer").WithKey(key)
	}
	if sink == nil && length > 0 {
		return nil, errors.New(errors.KindInvalidConfig, "download sink is required").WithComponent("transfer").WithKey(key)
	}

	ctx, span := e.tracer.Start(ctx, "transfer.Download", trace.WithAttributes(
		attribute.String("object.key", key),
		attribute.Int64("transfer.offset", offset),
		attribute.Int64("transfer.length", length),
	))
	defer span.End()

	if err := e.gate.enter(ctx, e.recorder); err != nil {
		spanError(span, err)
		return nil, err
	}

	h := newHandle(e.nextID.Add(1), DirectionDownload, key, offset, length, planParts(offset, length, e.opts.BufferSize))
	h.sink = sink
	span.SetAttributes(attribute.Int64("transfer.handle", int64(h.id)))
	e.track(h)

	numbers := make([]int, len(h.parts))
	for i := range h.parts {
		numbers[i] = h.parts[i].Number
	}
	h.start(len(numbers))
	e.cancelIfClosed(h)

	jobCtx := context.WithoutCancel(ctx)
	for _, n := range numbers {
		e.env.submit(h, func() { e.env.runPart(jobCtx, h, n) })
	}
	return h, nil
}

// Upload stores size bytes read from source as key. Objects up to one buffer
// are stored with a single PutObject, larger ones as a multipart upload.
func (e *Engine) Upload(ctx context.Context, key string, size int64, source io.ReaderAt, opts ...TransferOption) (*Handle, error) {
	if size < 0 {
		return nil, errors.Newf(errors.KindInvalidRange, "invalid upload size %d", size).WithComponent("transfer").WithKey(key)
	}
	if source == nil && size > 0 {
		return nil, errors.New(errors.KindInvalidConfig, "upload source is required").WithComponent("transfer").WithKey(key)
	}
	var settings transferSettings
	for _, opt := range opts {
		opt(&settings)
	}

	ctx, span := e.tracer.Start(ctx, "transfer.Upload", trace.WithAttributes(
		attribute.String("object.key", key),
		attribute.Int64("transfer.size", size),
	))
	defer span.End()

	if err := e.gate.enter(ctx, e.recorder); err != nil {
		spanError(span, err)
		return nil, err
	}

	h := newHandle(e.nextID.Add(1), DirectionUpload, key, 0, size, planParts(0, size, e.opts.BufferSize))
	h.source = source
	h.contentType = settings.contentType
	h.singlePart = size <= e.opts.BufferSize
	span.SetAttributes(
		attribute.Int64("transfer.handle", int64(h.id)),
		attribute.Bool("transfer.multipart", !h.singlePart),
	)
	e.track(h)

	h.start(1)
	e.cancelIfClosed(h)

	jobCtx := context.WithoutCancel(ctx)
	switch {
	case size == 0:
		e.env.submit(h, func() { e.env.putEmpty(jobCtx, h) })
	case h.singlePart:
		e.env.submit(h, func() { e.env.runPart(jobCtx, h, 1) })
	default:
		e.env.submit(h, func() { e.env.initiate(jobCtx, h) })
	}
	return h, nil
}

// RetryDownload resumes a failed download, fetching only parts that are not
// done. A non-nil sink replaces the previous one.
func (e *Engine) RetryDownload(ctx context.Context, h *Handle, sink io.WriterAt) (*Handle, error) {
	if h.direction != DirectionDownload {
		return nil, errors.Newf(errors.KindInvalidState, "handle %d is not a download", h.id).WithComponent("transfer")
	}
	if err := e.gate.enter(ctx, e.recorder); err != nil {
		return nil, err
	}
	numbers, err := h.restart()
	if err != nil {
		e.gate.leave()
		return nil, err
	}
	if sink != nil {
		h.streamMu.Lock()
		h.sink = sink
		h.streamMu.Unlock()
	}
	e.retrack(h)

	e.logger.Info("retrying download", "handle", h.id, "key", h.key, "parts", len(numbers))
	jobCtx := context.WithoutCancel(ctx)
	h.addJobs(len(numbers))
	for _, n := range numbers {
		e.env.submit(h, func() { e.env.runPart(jobCtx, h, n) })
	}
	return h, nil
}

// RetryUpload resumes a failed upload. Done parts are not sent again; a
// multipart upload that failed while completing only retries the completion.
func (e *Engine) RetryUpload(ctx context.Context, h *Handle) (*Handle, error) {
	if h.direction != DirectionUpload {
		return nil, errors.Newf(errors.KindInvalidState, "handle %d is not an upload", h.id).WithComponent("transfer")
	}
	if err := e.gate.enter(ctx, e.recorder); err != nil {
		return nil, err
	}
	numbers, err := h.restart()
	if err != nil {
		e.gate.leave()
		return nil, err
	}
	e.retrack(h)

	e.logger.Info("retrying upload", "handle", h.id, "key", h.key, "parts", len(numbers))
	jobCtx := context.WithoutCancel(ctx)
	switch {
	case h.totalSize == 0:
		h.addJobs(1)
		e.env.submit(h, func() { e.env.putEmpty(jobCtx, h) })
	case h.singlePart:
		h.addJobs(1)
		e.env.submit(h, func() { e.env.runPart(jobCtx, h, 1) })
	case h.MultipartID() == "":
		h.addJobs(1)
		e.env.submit(h, func() { e.env.initiate(jobCtx, h) })
	case len(numbers) == 0:
		h.addJobs(1)
		e.env.submit(h, func() { e.env.finalize(jobCtx, h) })
	default:
		h.addJobs(len(numbers))
		for _, n := range numbers {
			e.env.submit(h, func() { e.env.runPart(jobCtx, h, n) })
		}
	}
	return h, nil
}

// abortCall is an AbortMultipartUpload in flight. Concurrent aborts of the
// same handle wait for it and share its result.
type abortCall struct {
	done chan struct{}
	err  error
}

// AbortMultipart waits for h to settle and discards its server-side multipart
// state. It is a no-op for handles that are already aborted or never started a
// multipart upload, and an error for completed ones.
func (e *Engine) AbortMultipart(ctx context.Context, h *Handle) error {
	if err := h.waitSettled(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	switch {
	case h.status == StatusAborted:
		h.mu.Unlock()
		return nil
	case h.status == StatusCompleted:
		h.mu.Unlock()
		return errors.Newf(errors.KindInvalidState, "handle %d already completed", h.id).
			WithComponent("transfer").WithOperation("AbortMultipart").WithKey(h.key)
	case !h.status.Terminal():
		h.mu.Unlock()
		return errors.Newf(errors.KindInvalidState, "handle %d is %s", h.id, h.status).
			WithComponent("transfer").WithOperation("AbortMultipart").WithKey(h.key)
	case h.multipartID == "":
		h.mu.Unlock()
		return nil
	case h.abort != nil:
		call := h.abort
		h.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &abortCall{done: make(chan struct{})}
	h.abort = call
	uploadID := h.multipartID
	h.mu.Unlock()

	call.err = e.abortUpload(ctx, h, uploadID)

	h.mu.Lock()
	h.abort = nil
	if call.err == nil {
		h.setStatusLocked(StatusAborted)
	}
	h.mu.Unlock()
	close(call.done)
	return call.err
}

func (e *Engine) abortUpload(ctx context.Context, h *Handle, uploadID string) error {
	ctx, span := e.tracer.Start(ctx, "transfer.AbortMultipart", trace.WithAttributes(
		attribute.String("object.key", h.key),
		attribute.String("transfer.upload_id", uploadID),
	))
	defer span.End()

	err := e.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return e.client.AbortMultipartUpload(ctx, h.key, uploadID)
	})
	if errors.IsKind(err, errors.KindNotFound) {
		// the upload is already gone server-side
		err = nil
	}
	if err != nil {
		spanError(span, err)
		e.logger.Error("abort multipart failed", "handle", h.id, "key", h.key, "upload_id", uploadID, "error", err)
		return err
	}
	if e.journal != nil {
		if jerr := e.journal.End(ctx, uploadID); jerr != nil {
			e.logger.Warn("journal end failed", "upload_id", uploadID, "error", jerr)
		}
	}
	e.logger.Info("multipart upload aborted", "handle", h.id, "key", h.key, "upload_id", uploadID)
	return nil
}

// Shutdown refuses new transfers, cancels live ones, waits for in-flight part
// calls to finish and reclaims every buffer. It returns ctx.Err() if ctx ends
// first; the teardown then continues in the background.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown == nil {
		e.closed = true
		e.shutdown = make(chan struct{})
		done := e.shutdown
		e.mu.Unlock()

		e.gate.close()
		live := e.handles.live()
		for _, h := range live {
			h.cancelWith(errEngineClosed)
		}
		e.logger.Info("transfer engine shutting down", "cancelled", len(live))

		go func() {
			e.workers.Drain()
			e.buffers.ShutdownAndWait(e.buffers.Capacity())
			close(done)
		}()
	} else {
		e.mu.Unlock()
	}

	select {
	case <-e.shutdown:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handles returns live handles followed by recently settled ones, by id.
func (e *Engine) Handles() []*Handle {
	return e.handles.list()
}

// Handle looks up a live or recently settled handle.
func (e *Engine) Handle(id uint64) (*Handle, bool) {
	return e.handles.get(id)
}

// Stats returns resource usage.
func (e *Engine) Stats() Stats {
	live, waiting := e.gate.stats()
	return Stats{
		Buffers:          e.buffers.GetStats(),
		Workers:          e.workers.GetStats(),
		LiveHandles:      live,
		AdmissionWaiting: waiting,
	}
}

func (e *Engine) track(h *Handle) {
	started := time.Now()
	g, reg, rec := e.gate, e.handles, e.recorder
	h.onSettle = func(h *Handle) {
		reg.settle(h)
		g.leave()
		rec.TransferSettled(h.direction.String(), h.Status().String(), h.BytesTransferred(), time.Since(started))
	}
	reg.add(h)
	rec.TransferStarted(h.direction.String())
}

func (e *Engine) retrack(h *Handle) {
	e.handles.add(h)
	e.recorder.TransferStarted(h.direction.String())
}

func (e *Engine) cancelIfClosed(h *Handle) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		h.cancelWith(errEngineClosed)
	}
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// registry keeps live handles and a bounded history of settled ones.
type registry struct {
	mu      sync.Mutex
	active  map[uint64]*Handle
	settled []*Handle
	keep    int
}

func newRegistry(keep int) *registry {
	if keep < 0 {
		keep = 0
	}
	return &registry{active: make(map[uint64]*Handle), keep: keep}
}

func (r *registry) add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[h.id] = h
	for i, s := range r.settled {
		if s == h {
			r.settled = append(r.settled[:i], r.settled[i+1:]...)
			break
		}
	}
}

func (r *registry) settle(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, h.id)
	if r.keep == 0 {
		return
	}
	r.settled = append(r.settled, h)
	if over := len(r.settled) - r.keep; over > 0 {
		r.settled = append(r.settled[:0], r.settled[over:]...)
	}
}

func (r *registry) get(id uint64) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.active[id]; ok {
		return h, true
	}
	for _, h := range r.settled {
		if h.id == id {
			return h, true
		}
	}
	return nil, false
}

func (r *registry) live() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.active))
	for _, h := range r.active {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *registry) list() []*Handle {
	out := r.live()
	r.mu.Lock()
	out = append(out, r.settled...)
	r.mu.Unlock()
	return out
}
