package transfer

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/objectfs/bucketfs/internal/buffer"
	"github.com/objectfs/bucketfs/internal/worker"
	"github.com/objectfs/bucketfs/pkg/byterange"
	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/retry"
	"github.com/objectfs/bucketfs/pkg/types"
)

// errStopped ends a retry loop whose handle is no longer in progress.
var errStopped = stderr.New("transfer no longer active")

// jobEnv is everything a part job needs. Jobs hold this and their handle,
// never the engine.
type jobEnv struct {
	client   types.ObjectClient
	buffers  *buffer.Pool
	workers  *worker.Pool
	retryer  *retry.Retryer
	recorder Recorder
	journal  Journal
	tracer   trace.Tracer
	logger   *slog.Logger
}

// submit queues fn, which must call h.jobDone when it exits. The job must
// already be counted on h. A drained pool cancels h instead.
func (env *jobEnv) submit(h *Handle, fn func()) {
	if _, err := env.workers.Submit(fn); err != nil {
		h.cancelWith(err)
		h.jobDone()
	}
}

// runPart moves one part between the object store and the handle's stream.
func (env *jobEnv) runPart(ctx context.Context, h *Handle, number int) {
	defer h.jobDone()
	defer env.recoverJob(h, number)

	if !h.active() {
		return
	}
	buf, err := env.buffers.Acquire()
	if err != nil {
		env.logger.Warn("buffer unavailable, cancelling transfer", "handle", h.id, "key", h.key, "error", err)
		h.cancelWith(err)
		return
	}
	part, ok := h.claimPart(number)
	if !ok {
		env.buffers.Release(buf)
		return
	}

	ctx, span := env.tracer.Start(ctx, "transfer.part", trace.WithAttributes(
		attribute.String("object.key", h.key),
		attribute.Int64("transfer.handle", int64(h.id)),
		attribute.Int("transfer.part", part.Number),
		attribute.Int64("transfer.part_length", part.Length),
		attribute.String("transfer.direction", h.direction.String()),
	))
	defer span.End()

	started := time.Now()
	var etag string
	err = func() error {
		defer env.buffers.Release(buf)
		data := buf.Bytes()[:part.Length]
		if h.direction == DirectionDownload {
			return env.do(ctx, h, part.Number, func(ctx context.Context) error {
				return env.fetch(ctx, h, part, data)
			})
		}
		if err := h.readAt(data, part.Offset); err != nil {
			return err
		}
		return env.do(ctx, h, part.Number, func(ctx context.Context) error {
			var err error
			etag, err = env.send(ctx, h, part, data)
			return err
		})
	}()

	dir := h.direction.String()
	switch {
	case err == nil:
		env.recorder.PartFinished(dir, "ok", part.Length, time.Since(started))
		env.logger.Debug("part done", "handle", h.id, "key", h.key, "part", part.Number, "bytes", part.Length)
		if h.singlePart && h.direction == DirectionUpload {
			h.setETag(etag)
		}
		if h.updatePart(part.Number, PartDone, part.Length, etag, nil) {
			env.complete(ctx, h)
		}
	case stderr.Is(err, errStopped):
		env.recorder.PartFinished(dir, "stopped", 0, time.Since(started))
		h.releasePart(part.Number)
	default:
		spanError(span, err)
		env.recorder.PartFinished(dir, errors.KindOf(err).String(), 0, time.Since(started))
		env.logger.Error("part failed", "handle", h.id, "key", h.key, "part", part.Number,
			"attempts", retry.Attempts(err), "error", err)
		h.UpdatePart(part.Number, PartFailed, 0, err)
	}
}

// fetch reads one ranged GET into data and writes it to the sink.
func (env *jobEnv) fetch(ctx context.Context, h *Handle, part Part, data []byte) error {
	rng := byterange.Span(part.Offset, part.Length)
	out, err := env.client.GetObject(ctx, h.key, &rng)
	if err != nil {
		return err
	}
	defer out.Close()

	n, err := io.ReadFull(out.Body, data)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if out.ContentLength >= part.Length {
				// the server promised the full range; the stream was cut
				return errors.Wrap(err, errors.KindNetwork, fmt.Sprintf("part %d body ended after %d bytes", part.Number, n)).
					WithKey(h.key)
			}
			return errors.Newf(errors.KindInvalidRange, "part %d returned %d bytes, expected %d", part.Number, n, part.Length).
				WithComponent("transfer").WithKey(h.key)
		}
		return errors.Wrap(err, errors.KindNetwork, fmt.Sprintf("reading part %d body", part.Number)).WithKey(h.key)
	}
	return h.writeAt(data, part.Offset)
}

// send uploads one part, or the whole object for single-part uploads.
func (env *jobEnv) send(ctx context.Context, h *Handle, part Part, data []byte) (string, error) {
	if h.singlePart {
		return env.client.PutObject(ctx, h.key, data, h.contentType)
	}
	return env.client.UploadPart(ctx, h.key, h.MultipartID(), part.Number, data)
}

// putEmpty stores a zero-byte object. It needs no buffer.
func (env *jobEnv) putEmpty(ctx context.Context, h *Handle) {
	defer h.jobDone()
	defer env.recoverJob(h, 0)

	if !h.active() {
		return
	}
	var etag string
	err := env.do(ctx, h, 0, func(ctx context.Context) error {
		var err error
		etag, err = env.client.PutObject(ctx, h.key, nil, h.contentType)
		return err
	})
	switch {
	case err == nil:
		h.finish(etag)
	case stderr.Is(err, errStopped):
	default:
		env.logger.Error("empty object upload failed", "handle", h.id, "key", h.key, "error", err)
		h.fail(err)
	}
}

// initiate starts a multipart upload and queues its parts.
func (env *jobEnv) initiate(ctx context.Context, h *Handle) {
	defer h.jobDone()
	defer env.recoverJob(h, 0)

	if !h.active() {
		return
	}
	ctx, span := env.tracer.Start(ctx, "transfer.InitiateMultipart", trace.WithAttributes(
		attribute.String("object.key", h.key),
		attribute.Int64("transfer.handle", int64(h.id)),
	))
	defer span.End()

	var uploadID string
	err := env.do(ctx, h, 0, func(ctx context.Context) error {
		var err error
		uploadID, err = env.client.InitiateMultipartUpload(ctx, h.key, h.contentType)
		return err
	})
	if err != nil {
		if !stderr.Is(err, errStopped) {
			spanError(span, err)
			env.logger.Error("initiate multipart failed", "handle", h.id, "key", h.key, "error", err)
			h.fail(err)
		}
		return
	}

	h.SetMultipartID(uploadID)
	span.SetAttributes(attribute.String("transfer.upload_id", uploadID))
	env.logger.Debug("multipart upload initiated", "handle", h.id, "key", h.key, "upload_id", uploadID)
	if env.journal != nil {
		if err := env.journal.Begin(ctx, h.key, uploadID, h.totalSize); err != nil {
			env.logger.Warn("journal begin failed", "upload_id", uploadID, "error", err)
		}
	}

	var numbers []int
	for _, p := range h.PartsSnapshot() {
		if p.Status == PartPending || p.Status == PartFailed {
			numbers = append(numbers, p.Number)
		}
	}
	h.addJobs(len(numbers))
	for _, n := range numbers {
		env.submit(h, func() { env.runPart(ctx, h, n) })
	}
}

// finalize completes a multipart upload whose parts were all done before a retry.
func (env *jobEnv) finalize(ctx context.Context, h *Handle) {
	defer h.jobDone()
	defer env.recoverJob(h, 0)

	if h.beginFinalize() {
		env.complete(ctx, h)
	}
}

// complete issues CompleteMultipartUpload. The caller holds the handle's
// finalizing claim, so this runs once per round.
func (env *jobEnv) complete(ctx context.Context, h *Handle) {
	parts, err := h.completedParts()
	if err != nil {
		panic(err)
	}
	uploadID := h.MultipartID()

	ctx, span := env.tracer.Start(ctx, "transfer.CompleteMultipart", trace.WithAttributes(
		attribute.String("object.key", h.key),
		attribute.String("transfer.upload_id", uploadID),
		attribute.Int("transfer.parts", len(parts)),
	))
	defer span.End()

	var etag string
	err = env.do(ctx, h, 0, func(ctx context.Context) error {
		var err error
		etag, err = env.client.CompleteMultipartUpload(ctx, h.key, uploadID, parts)
		return err
	})
	if err != nil {
		spanError(span, err)
		env.logger.Error("complete multipart failed", "handle", h.id, "key", h.key, "upload_id", uploadID, "error", err)
		h.fail(err)
		return
	}

	h.finish(etag)
	env.logger.Debug("multipart upload completed", "handle", h.id, "key", h.key, "parts", len(parts))
	if env.journal != nil {
		if err := env.journal.End(ctx, uploadID); err != nil {
			env.logger.Warn("journal end failed", "upload_id", uploadID, "error", err)
		}
	}
}

// do runs fn under the retry policy. Between attempts it gives up with
// errStopped once the handle is no longer in progress.
func (env *jobEnv) do(ctx context.Context, h *Handle, part int, fn func(context.Context) error) error {
	dir := h.direction.String()
	r := env.retryer.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		env.recorder.PartRetried(dir, errors.KindOf(err).String())
		env.logger.Warn("retrying object call", "handle", h.id, "key", h.key, "part", part,
			"attempt", attempt, "delay", delay, "error", err)
	})

	attempt := 0
	return r.DoWithContext(ctx, func(ctx context.Context) error {
		if attempt > 0 && !h.active() {
			return errStopped
		}
		attempt++
		if part > 0 {
			h.countAttempt(part)
		}
		return fn(ctx)
	})
}

// recoverJob turns a job panic into a failed part and handle, then re-panics
// so the worker pool reports it.
func (env *jobEnv) recoverJob(h *Handle, number int) {
	r := recover()
	if r == nil {
		return
	}
	err := errors.New(errors.KindInvariantViolation, fmt.Sprintf("transfer job panicked: %v", r)).
		WithComponent("transfer").WithKey(h.key)
	env.logger.Error("transfer job panicked", "handle", h.id, "key", h.key, "part", number, "panic", r)
	h.failPart(number, err)
	panic(r)
}
