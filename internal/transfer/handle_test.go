package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/bucketfs/pkg/errors"
)

func TestPlanParts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		offset     int64
		size       int64
		partSize   int64
		wantLens   []int64
		wantOffset int64
	}{
		{"empty", 0, 0, 10, nil, 0},
		{"single short", 0, 3, 10, []int64{3}, 0},
		{"exact", 0, 10, 10, []int64{10}, 0},
		{"one over", 0, 11, 10, []int64{10, 1}, 0},
		{"offset", 100, 25, 10, []int64{10, 10, 5}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := planParts(tt.offset, tt.size, tt.partSize)
			require.Len(t, parts, len(tt.wantLens))
			next := tt.wantOffset
			for i, p := range parts {
				assert.Equal(t, i+1, p.Number)
				assert.Equal(t, tt.wantLens[i], p.Length)
				assert.Equal(t, next, p.Offset)
				assert.Equal(t, PartPending, p.Status)
				next += p.Length
			}
		})
	}
}

func newTestHandle(dir Direction, size int64, partSize int64) *Handle {
	h := newHandle(1, dir, "key", 0, size, planParts(0, size, partSize))
	h.singlePart = size <= partSize
	h.start(0)
	return h
}

func TestHandle_UpdatePartCreditsOnce(t *testing.T) {
	t.Parallel()

	h := newTestHandle(DirectionDownload, 25, 10)
	h.UpdatePart(1, PartInFlight, 0, nil)
	h.UpdatePart(1, PartDone, 10, nil)
	h.UpdatePart(1, PartDone, 10, nil)

	assert.Equal(t, int64(10), h.BytesTransferred())
	assert.Equal(t, StatusInProgress, h.Status())

	h.UpdatePart(2, PartDone, 10, nil)
	h.UpdatePart(3, PartDone, 5, nil)
	assert.Equal(t, StatusCompleted, h.Status())
	assert.Equal(t, h.TotalSize(), h.BytesTransferred())
	require.NoError(t, h.Wait(context.Background()))
}

func TestHandle_UpdatePartRejectsBadCredit(t *testing.T) {
	t.Parallel()

	h := newTestHandle(DirectionDownload, 25, 10)
	assert.Panics(t, func() { h.UpdatePart(1, PartDone, 3, nil) })
	assert.Panics(t, func() { h.UpdatePart(9, PartDone, 10, nil) })
	assert.Equal(t, int64(0), h.BytesTransferred())
}

func TestHandle_FailedPartFailsHandle(t *testing.T) {
	t.Parallel()

	h := newTestHandle(DirectionDownload, 20, 10)
	cause := errors.New(errors.KindNotFound, "gone")
	h.UpdatePart(2, PartFailed, 0, cause)

	assert.Equal(t, StatusFailed, h.Status())
	assert.Equal(t, errors.KindNotFound, h.PartsSnapshot()[1].FailKind)
	assert.ErrorIs(t, h.Wait(context.Background()), cause)

	// a late success still counts bytes but cannot complete a failed handle
	h.UpdatePart(1, PartDone, 10, nil)
	assert.Equal(t, StatusFailed, h.Status())
	assert.Equal(t, int64(10), h.BytesTransferred())
}

func TestHandle_CancelIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newTestHandle(DirectionDownload, 20, 10)
	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel())
	assert.Equal(t, StatusCancelled, h.Status())
	assert.ErrorIs(t, h.Wait(context.Background()), ErrCancelled)
	assert.NotErrorIs(t, h.Wait(context.Background()), ErrAborted)
}

func TestHandle_CancelLosesToFinalize(t *testing.T) {
	t.Parallel()

	h := newTestHandle(DirectionUpload, 20, 10)
	assert.False(t, h.updatePart(1, PartDone, 10, `"a"`, nil))
	assert.True(t, h.updatePart(2, PartDone, 10, `"b"`, nil), "last part claims the completion")
	assert.Equal(t, StatusInProgress, h.Status())

	assert.False(t, h.Cancel(), "completion already issued")
	parts, err := h.completedParts()
	require.NoError(t, err)
	assert.Equal(t, `"b"`, parts[1].ETag)

	h.finish(`"ab-2"`)
	assert.Equal(t, StatusCompleted, h.Status())
	assert.Equal(t, `"ab-2"`, h.ETag())
}

func TestHandle_CompletedPartsRequiresAllDone(t *testing.T) {
	t.Parallel()

	h := newTestHandle(DirectionUpload, 20, 10)
	h.UpdatePart(1, PartDone, 10, nil)
	_, err := h.completedParts()
	assert.True(t, errors.IsKind(err, errors.KindInvariantViolation))
}

func TestHandle_WaitWaitsForJobs(t *testing.T) {
	t.Parallel()

	h := newTestHandle(DirectionDownload, 20, 10)
	h.addJobs(1)
	assert.True(t, h.Cancel())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded, "a running job keeps the handle unsettled")

	h.jobDone()
	assert.ErrorIs(t, h.Wait(context.Background()), ErrCancelled)
}

func TestHandle_RestartOnlyFromFailed(t *testing.T) {
	t.Parallel()

	h := newTestHandle(DirectionDownload, 30, 10)
	_, err := h.restart()
	assert.True(t, errors.IsKind(err, errors.KindInvalidState))

	h.UpdatePart(1, PartDone, 10, nil)
	h.UpdatePart(2, PartFailed, 0, errors.New(errors.KindNetwork, "reset"))
	require.Equal(t, StatusFailed, h.Status())

	todo, err := h.restart()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, todo)
	assert.Equal(t, StatusInProgress, h.Status())
	assert.NoError(t, h.Err())
	assert.Equal(t, int64(10), h.BytesTransferred())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded, "restart re-arms the settled signal")
}

func TestHandle_SettleCallbackRunsOnce(t *testing.T) {
	t.Parallel()

	h := newHandle(7, DirectionDownload, "k", 0, 10, planParts(0, 10, 10))
	calls := 0
	h.onSettle = func(*Handle) { calls++ }
	h.start(0)

	h.UpdatePart(1, PartDone, 10, nil)
	h.Cancel()
	h.fail(errors.New(errors.KindInternal, "late"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusCompleted, h.Status())
}

func TestHandle_Snapshot(t *testing.T) {
	t.Parallel()

	h := newTestHandle(DirectionUpload, 25, 10)
	h.SetMultipartID("mp-1")
	h.UpdatePart(1, PartDone, 10, nil)
	h.UpdatePart(2, PartFailed, 0, errors.New(errors.KindThrottled, "slow down"))

	info := h.Snapshot()
	assert.Equal(t, uint64(1), info.ID)
	assert.Equal(t, DirectionUpload, info.Direction)
	assert.Equal(t, "mp-1", info.MultipartID)
	assert.Equal(t, 3, info.Parts)
	assert.Equal(t, 1, info.PartsDone)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, errors.KindThrottled, info.ErrorKind)
	assert.Contains(t, info.Error, "slow down")
}

func TestStatusNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "in_progress", StatusInProgress.String())
	assert.Equal(t, "aborted", StatusAborted.String())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.Equal(t, "upload", DirectionUpload.String())
	assert.Equal(t, "in_flight", PartInFlight.String())

	text, err := StatusFailed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "failed", string(text))
}
