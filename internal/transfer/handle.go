package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/objectfs/bucketfs/pkg/errors"
	"github.com/objectfs/bucketfs/pkg/types"
)

// Status is the lifecycle state of a transfer handle.
type Status int

const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further part work will be started for this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled || s == StatusAborted
}

// Direction tells uploads from downloads.
type Direction int

const (
	DirectionDownload Direction = iota
	DirectionUpload
)

func (d Direction) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// MarshalText renders the direction name in JSON.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// PartStatus is the state of one part.
type PartStatus int

const (
	PartPending PartStatus = iota
	PartInFlight
	PartDone
	PartFailed
)

func (s PartStatus) String() string {
	switch s {
	case PartPending:
		return "pending"
	case PartInFlight:
		return "in_flight"
	case PartDone:
		return "done"
	case PartFailed:
		return "failed"
	default:
		return fmt.Sprintf("part_status(%d)", int(s))
	}
}

// MarshalText renders the part status name in JSON.
func (s PartStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Part describes one slice of a transfer.
type Part struct {
	Number   int         `json:"number"`
	Offset   int64       `json:"offset"`
	Length   int64       `json:"length"`
	Status   PartStatus  `json:"status"`
	FailKind errors.Kind `json:"fail_kind,omitempty"`
	ETag     string      `json:"etag,omitempty"`
	Attempts int         `json:"attempts"`
}

// ErrCancelled is returned by Wait for a cancelled handle.
var ErrCancelled = errors.New(errors.KindInvalidState, "transfer cancelled").
	WithComponent("transfer").WithCode("cancelled")

// ErrAborted is returned by Wait for a handle whose multipart upload was aborted.
var ErrAborted = errors.New(errors.KindInvalidState, "transfer aborted").
	WithComponent("transfer").WithCode("aborted")

// Handle tracks one upload or download. It is shared by the caller and the
// workers running its parts; every mutable field is guarded by mu.
type Handle struct {
	id          uint64
	direction   Direction
	key         string
	offset      int64
	totalSize   int64
	contentType string
	singlePart  bool

	mu          sync.Mutex
	status      Status
	multipartID string
	parts       []Part
	bytes       int64
	lastErr     error
	etag        string
	finalizing  bool
	abort       *abortCall
	jobs        int
	settled     chan struct{}
	isSettled   bool
	createdAt   time.Time
	updatedAt   time.Time
	onSettle    func(*Handle)

	streamMu sync.Mutex
	sink     io.WriterAt
	source   io.ReaderAt
}

func newHandle(id uint64, dir Direction, key string, offset, size int64, parts []Part) *Handle {
	now := time.Now()
	return &Handle{
		id:        id,
		direction: dir,
		key:       key,
		offset:    offset,
		totalSize: size,
		parts:     parts,
		status:    StatusNotStarted,
		settled:   make(chan struct{}),
		createdAt: now,
		updatedAt: now,
	}
}

// planParts slices [offset, offset+size) into parts of at most partSize bytes.
func planParts(offset, size, partSize int64) []Part {
	if size <= 0 {
		return nil
	}
	count := (size + partSize - 1) / partSize
	parts := make([]Part, 0, count)
	for i := int64(0); i < count; i++ {
		length := partSize
		if rest := size - i*partSize; rest < length {
			length = rest
		}
		parts = append(parts, Part{
			Number: int(i) + 1,
			Offset: offset + i*partSize,
			Length: length,
		})
	}
	return parts
}

// ID is unique within the engine's lifetime.
func (h *Handle) ID() uint64 { return h.id }

// Direction reports whether this is an upload or a download.
func (h *Handle) Direction() Direction { return h.direction }

// Key is the object key.
func (h *Handle) Key() string { return h.key }

// Offset is the first object byte a download reads. Always 0 for uploads.
func (h *Handle) Offset() int64 { return h.offset }

// TotalSize is the number of bytes the transfer moves.
func (h *Handle) TotalSize() int64 { return h.totalSize }

// Status returns the current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// BytesTransferred is the sum of the lengths of done parts.
func (h *Handle) BytesTransferred() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytes
}

// MultipartID returns the server-side upload id, empty for single-part transfers.
func (h *Handle) MultipartID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.multipartID
}

// SetMultipartID records the id returned by InitiateMultipartUpload.
func (h *Handle) SetMultipartID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.multipartID = id
	h.updatedAt = time.Now()
}

// ETag is the final object ETag of a completed upload.
func (h *Handle) ETag() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.etag
}

// Err returns the last recorded error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// PartsSnapshot returns a copy of the parts in part-number order.
func (h *Handle) PartsSnapshot() []Part {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Part, len(h.parts))
	copy(out, h.parts)
	return out
}

// UpdatePart records a part state change. Moving a part to PartDone credits
// bytesDelta, which must equal the part length. When every part is done the
// handle completes, except for multipart uploads which complete only after the
// engine has issued CompleteMultipartUpload. A failed part fails the handle.
func (h *Handle) UpdatePart(number int, status PartStatus, bytesDelta int64, err error) {
	h.updatePart(number, status, bytesDelta, "", err)
}

// updatePart implements UpdatePart and reports whether the caller must now
// finalize a multipart upload.
func (h *Handle) updatePart(number int, status PartStatus, bytesDelta int64, etag string, err error) (finalize bool) {
	h.mu.Lock()
	if number < 1 || number > len(h.parts) {
		h.mu.Unlock()
		panic(violation("part %d out of range for handle %d with %d parts", number, h.id, len(h.parts)))
	}
	p := &h.parts[number-1]
	if status == PartDone && p.Status != PartDone && bytesDelta != p.Length {
		h.mu.Unlock()
		panic(violation("part %d of handle %d credited %d bytes, length is %d", number, h.id, bytesDelta, p.Length))
	}

	switch status {
	case PartDone:
		if p.Status != PartDone {
			p.Status = PartDone
			p.FailKind = errors.KindInternal
			if etag != "" {
				p.ETag = etag
			}
			h.bytes += bytesDelta
		}
		if h.status == StatusInProgress && h.allDoneLocked() {
			if h.needsFinalizeLocked() {
				if !h.finalizing {
					h.finalizing = true
					finalize = true
				}
			} else {
				h.setStatusLocked(StatusCompleted)
			}
		}
	case PartFailed:
		p.Status = PartFailed
		p.FailKind = errors.KindOf(err)
		if h.status == StatusInProgress {
			h.lastErr = err
			h.setStatusLocked(StatusFailed)
		}
	default:
		p.Status = status
	}
	h.updatedAt = time.Now()
	settle := h.settleLocked()
	h.mu.Unlock()

	if settle {
		h.notifySettled()
	}
	return finalize
}

// Cancel stops the transfer if it is not terminal. Queued parts exit on pickup
// and in-flight calls run to completion. Once CompleteMultipartUpload has been
// issued the upload can no longer be cancelled. Returns whether the call changed
// the status.
func (h *Handle) Cancel() bool {
	return h.cancelWith(nil)
}

func (h *Handle) cancelWith(err error) bool {
	h.mu.Lock()
	if h.status.Terminal() || h.finalizing {
		h.mu.Unlock()
		return false
	}
	if err != nil {
		h.lastErr = err
	}
	h.setStatusLocked(StatusCancelled)
	settle := h.settleLocked()
	h.mu.Unlock()

	if settle {
		h.notifySettled()
	}
	return true
}

// Wait blocks until the handle is terminal and none of its jobs are running.
// It returns nil for a completed transfer, the last error for a failed one,
// ErrCancelled or ErrAborted otherwise, or ctx.Err().
func (h *Handle) Wait(ctx context.Context) error {
	if err := h.waitSettled(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.status {
	case StatusCompleted:
		return nil
	case StatusFailed:
		if h.lastErr == nil {
			return errors.New(errors.KindInternal, "transfer failed").WithKey(h.key)
		}
		return h.lastErr
	case StatusAborted:
		return ErrAborted
	default:
		if h.lastErr != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, h.lastErr)
		}
		return ErrCancelled
	}
}

func (h *Handle) waitSettled(ctx context.Context) error {
	h.mu.Lock()
	ch := h.settled
	h.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info is a JSON-friendly snapshot of a handle.
type Info struct {
	ID               uint64      `json:"id"`
	Direction        Direction   `json:"direction"`
	Key              string      `json:"key"`
	Offset           int64       `json:"offset"`
	TotalSize        int64       `json:"total_size"`
	BytesTransferred int64       `json:"bytes_transferred"`
	Status           Status      `json:"status"`
	MultipartID      string      `json:"multipart_id,omitempty"`
	Parts            int         `json:"parts"`
	PartsDone        int         `json:"parts_done"`
	ETag             string      `json:"etag,omitempty"`
	Error            string      `json:"error,omitempty"`
	ErrorKind        errors.Kind `json:"error_kind,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Snapshot returns the handle's current state.
func (h *Handle) Snapshot() Info {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := Info{
		ID:               h.id,
		Direction:        h.direction,
		Key:              h.key,
		Offset:           h.offset,
		TotalSize:        h.totalSize,
		BytesTransferred: h.bytes,
		Status:           h.status,
		MultipartID:      h.multipartID,
		Parts:            len(h.parts),
		ETag:             h.etag,
		CreatedAt:        h.createdAt,
		UpdatedAt:        h.updatedAt,
	}
	for _, p := range h.parts {
		if p.Status == PartDone {
			info.PartsDone++
		}
	}
	if h.lastErr != nil {
		info.Error = h.lastErr.Error()
		info.ErrorKind = errors.KindOf(h.lastErr)
	}
	return info
}

// start moves a fresh handle to in progress. A handle with nothing to move
// completes immediately.
func (h *Handle) start(jobs int) {
	h.mu.Lock()
	h.jobs += jobs
	h.setStatusLocked(StatusInProgress)
	if jobs == 0 && h.totalSize == 0 {
		h.setStatusLocked(StatusCompleted)
	}
	settle := h.settleLocked()
	h.mu.Unlock()

	if settle {
		h.notifySettled()
	}
}

// active reports whether part work should continue.
func (h *Handle) active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status == StatusInProgress
}

// claimPart marks a pending or failed part in flight and returns a copy of it.
func (h *Handle) claimPart(number int) (Part, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusInProgress {
		return Part{}, false
	}
	p := &h.parts[number-1]
	if p.Status == PartDone || p.Status == PartInFlight {
		return Part{}, false
	}
	p.Status = PartInFlight
	h.updatedAt = time.Now()
	return *p, true
}

// releasePart puts an in-flight part back to pending after its worker stopped early.
func (h *Handle) releasePart(number int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p := &h.parts[number-1]; p.Status == PartInFlight {
		p.Status = PartPending
	}
}

func (h *Handle) countAttempt(number int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if number >= 1 && number <= len(h.parts) {
		h.parts[number-1].Attempts++
	}
}

// addJobs registers jobs that will call jobDone when they exit.
func (h *Handle) addJobs(n int) {
	h.mu.Lock()
	h.jobs += n
	h.mu.Unlock()
}

func (h *Handle) jobDone() {
	h.mu.Lock()
	h.jobs--
	if h.jobs < 0 {
		h.mu.Unlock()
		panic(violation("handle %d job count went negative", h.id))
	}
	settle := h.settleLocked()
	h.mu.Unlock()

	if settle {
		h.notifySettled()
	}
}

// fail records err and moves an in-progress handle to failed.
func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.finalizing = false
	if !h.status.Terminal() {
		h.lastErr = err
		h.setStatusLocked(StatusFailed)
	}
	settle := h.settleLocked()
	h.mu.Unlock()

	if settle {
		h.notifySettled()
	}
}

// failPart marks a part failed unless it already finished, then fails the handle.
func (h *Handle) failPart(number int, err error) {
	h.mu.Lock()
	if number >= 1 && number <= len(h.parts) {
		if p := &h.parts[number-1]; p.Status != PartDone {
			p.Status = PartFailed
			p.FailKind = errors.KindOf(err)
		}
	}
	h.mu.Unlock()
	h.fail(err)
}

// beginFinalize claims the right to complete a multipart upload whose parts are all done.
func (h *Handle) beginFinalize() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusInProgress || h.finalizing || !h.allDoneLocked() {
		return false
	}
	h.finalizing = true
	return true
}

// finish completes an upload with the final object ETag.
func (h *Handle) finish(etag string) {
	h.mu.Lock()
	h.finalizing = false
	h.etag = etag
	if h.status == StatusInProgress && h.allDoneLocked() && h.bytes == h.totalSize {
		h.setStatusLocked(StatusCompleted)
	}
	settle := h.settleLocked()
	h.mu.Unlock()

	if settle {
		h.notifySettled()
	}
}

// setETag records the ETag of a single-part upload.
func (h *Handle) setETag(etag string) {
	h.mu.Lock()
	h.etag = etag
	h.mu.Unlock()
}

// completedParts lists every part for CompleteMultipartUpload in ascending order.
func (h *Handle) completedParts() ([]types.CompletedPart, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.CompletedPart, 0, len(h.parts))
	for _, p := range h.parts {
		if p.Status != PartDone {
			return nil, violation("completing handle %d with part %d %s", h.id, p.Number, p.Status)
		}
		out = append(out, types.CompletedPart{PartNumber: p.Number, ETag: p.ETag})
	}
	types.SortParts(out)
	return out, nil
}

// restart re-arms a failed handle for another round and returns the numbers of
// the parts that still need work.
func (h *Handle) restart() ([]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != StatusFailed || !h.isSettled {
		return nil, errors.Newf(errors.KindInvalidState,
			"handle %d is %s, only settled failed transfers can be retried", h.id, h.status).WithKey(h.key)
	}
	if h.abort != nil {
		return nil, errors.Newf(errors.KindInvalidState, "handle %d is being aborted", h.id).WithKey(h.key)
	}

	var todo []int
	for i := range h.parts {
		p := &h.parts[i]
		if p.Status == PartFailed || p.Status == PartPending {
			p.Status = PartPending
			p.FailKind = errors.KindInternal
			todo = append(todo, p.Number)
		}
	}
	h.lastErr = nil
	h.finalizing = false
	h.settled = make(chan struct{})
	h.isSettled = false
	h.setStatusLocked(StatusInProgress)
	return todo, nil
}

func (h *Handle) allDoneLocked() bool {
	for i := range h.parts {
		if h.parts[i].Status != PartDone {
			return false
		}
	}
	return true
}

func (h *Handle) needsFinalizeLocked() bool {
	return h.direction == DirectionUpload && !h.singlePart
}

func (h *Handle) setStatusLocked(s Status) {
	h.status = s
	h.updatedAt = time.Now()
}

// settleLocked closes the settled channel once the handle is terminal and idle.
// The caller must invoke notifySettled after unlocking when it returns true.
func (h *Handle) settleLocked() bool {
	if h.isSettled || !h.status.Terminal() || h.jobs > 0 {
		return false
	}
	h.isSettled = true
	close(h.settled)
	return true
}

func (h *Handle) notifySettled() {
	if h.onSettle != nil {
		h.onSettle(h)
	}
}

// writeAt copies a downloaded part into the sink at its position relative to the download offset.
func (h *Handle) writeAt(data []byte, objectOffset int64) error {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()
	if _, err := h.sink.WriteAt(data, objectOffset-h.offset); err != nil {
		return errors.Wrap(err, errors.KindInternal, "writing part to sink").WithKey(h.key)
	}
	return nil
}

// readAt fills data from the upload source at objectOffset.
func (h *Handle) readAt(data []byte, objectOffset int64) error {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()
	n, err := h.source.ReadAt(data, objectOffset)
	if n == len(data) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.Wrap(err, errors.KindInternal, "reading part from source").WithKey(h.key)
}

func violation(format string, args ...interface{}) *errors.Error {
	return errors.Newf(errors.KindInvariantViolation, format, args...).WithComponent("transfer").WithStack()
}
