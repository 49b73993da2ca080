package transfer

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/objectfs/bucketfs/pkg/errors"
)

const (
	// DefaultMinPartSize is the smallest non-final multipart part S3 accepts.
	DefaultMinPartSize = 5 << 20

	defaultHandleHistory = 128
)

// Options sizes the engine.
type Options struct {
	// BufferMaxHeap bounds the memory held by part buffers.
	BufferMaxHeap int64 `json:"buffer_max_heap"`

	// BufferSize is the part size and the size of every buffer.
	BufferSize int64 `json:"buffer_size"`

	// MaxParallelTransfers is the number of handles admitted at once.
	MaxParallelTransfers int `json:"max_parallel_transfers"`

	// WorkerThreads is the number of part workers; 0 picks max(4, 2*MaxParallelTransfers).
	WorkerThreads int `json:"worker_threads"`

	MaxRetries     int           `json:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay"`

	// MinPartSize is the backend's minimum size for non-final multipart parts.
	MinPartSize int64 `json:"min_part_size"`

	// HandleHistory is how many settled handles stay visible through Handles.
	HandleHistory int `json:"handle_history"`
}

// DefaultOptions returns 50 MiB of 5 MiB buffers, one transfer at a time on
// four workers and 3 retries.
func DefaultOptions() Options {
	return Options{
		BufferMaxHeap:        50 << 20,
		BufferSize:           5 << 20,
		MaxParallelTransfers: 1,
		MaxRetries:           3,
		RetryBaseDelay:       100 * time.Millisecond,
		RetryMaxDelay:        5 * time.Second,
		MinPartSize:          DefaultMinPartSize,
		HandleHistory:        defaultHandleHistory,
	}
}

// Workers returns the effective worker count.
func (o Options) Workers() int {
	if o.WorkerThreads > 0 {
		return o.WorkerThreads
	}
	return max(4, 2*o.MaxParallelTransfers)
}

// Validate checks the option ranges and their relations.
func (o Options) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return errors.Newf(errors.KindInvalidConfig, format, args...).WithComponent("transfer")
	}
	switch {
	case o.MinPartSize < 1:
		return fail("min part size must be positive, got %d", o.MinPartSize)
	case o.BufferSize < o.MinPartSize:
		return fail("buffer size %d is below the minimum part size %d", o.BufferSize, o.MinPartSize)
	case o.BufferMaxHeap < o.BufferSize:
		return fail("buffer heap %d cannot hold one buffer of %d bytes", o.BufferMaxHeap, o.BufferSize)
	case o.MaxParallelTransfers < 1:
		return fail("max parallel transfers must be at least 1, got %d", o.MaxParallelTransfers)
	case o.WorkerThreads < 0:
		return fail("worker threads must not be negative, got %d", o.WorkerThreads)
	case o.MaxRetries < 0:
		return fail("max retries must not be negative, got %d", o.MaxRetries)
	case o.RetryBaseDelay < 0 || o.RetryMaxDelay < 0:
		return fail("retry delays must not be negative")
	case o.RetryBaseDelay > o.RetryMaxDelay:
		return fail("retry base delay %s exceeds max delay %s", o.RetryBaseDelay, o.RetryMaxDelay)
	}
	return nil
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecorder routes transfer events to a metrics sink.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithJournal records multipart ids until they are completed or aborted.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithTracerProvider sets the provider used for transfer spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// TransferOption customizes one Upload or Download.
type TransferOption func(*transferSettings)

type transferSettings struct {
	contentType string
}

// WithContentType sets the content type of an uploaded object.
func WithContentType(ct string) TransferOption {
	return func(s *transferSettings) {
		s.contentType = ct
	}
}
