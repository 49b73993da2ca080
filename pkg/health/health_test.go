package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/bucketfs/pkg/errors"
)

func newTestTracker() *Tracker {
	return NewTracker(Config{ErrorThreshold: 2, UnavailableThreshold: 4, CheckInterval: 10 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTracker_Transitions(t *testing.T) {
	tr := newTestTracker()
	tr.Register("storage")
	tr.Register("storage")

	var changes []State
	tr.OnChange(func(_ string, _, to State, _ error) { changes = append(changes, to) })

	boom := errors.New(errors.KindNetwork, "connection reset")
	tr.RecordError("storage", boom)
	assert.Equal(t, StateHealthy, tr.State("storage"))
	tr.RecordError("storage", boom)
	assert.Equal(t, StateDegraded, tr.State("storage"))
	assert.True(t, tr.CanWrite("storage"))

	tr.RecordError("storage", boom)
	tr.RecordError("storage", boom)
	assert.Equal(t, StateUnavailable, tr.State("storage"))
	assert.False(t, tr.CanRead("storage"))

	c, err := tr.Component("storage")
	require.NoError(t, err)
	assert.Equal(t, 4, c.ConsecutiveErrors)
	assert.Equal(t, "network", c.LastErrorKind)

	tr.RecordSuccess("storage")
	assert.Equal(t, StateHealthy, tr.State("storage"))
	c, _ = tr.Component("storage")
	assert.Zero(t, c.ConsecutiveErrors)
	assert.Empty(t, c.LastError)

	assert.Equal(t, []State{StateDegraded, StateUnavailable, StateHealthy}, changes)
}

func TestTracker_WriteAuthFailureIsReadOnly(t *testing.T) {
	tr := newTestTracker()
	tr.Register("storage")
	denied := errors.New(errors.KindAuthFailure, "access denied")

	tr.RecordWriteError("storage", denied)
	tr.RecordWriteError("storage", denied)
	assert.Equal(t, StateReadOnly, tr.State("storage"))
	assert.True(t, tr.CanRead("storage"))
	assert.False(t, tr.CanWrite("storage"))
}

func TestTracker_UnknownComponents(t *testing.T) {
	tr := newTestTracker()
	tr.RecordError("ghost", errors.New(errors.KindNetwork, "x"))

	assert.Equal(t, StateUnavailable, tr.State("ghost"))
	_, err := tr.Component("ghost")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
	assert.Equal(t, StateHealthy, tr.Overall())
	assert.Empty(t, tr.Components())
}

func TestTracker_OverallIsWorst(t *testing.T) {
	tr := newTestTracker()
	tr.Register("storage")
	tr.Register("cache")
	for i := 0; i < 2; i++ {
		tr.RecordError("cache", errors.New(errors.KindInternal, "disk"))
	}
	assert.Equal(t, StateDegraded, tr.Overall())

	comps := tr.Components()
	require.Len(t, comps, 2)
	assert.Equal(t, "cache", comps[0].Name)

	data, err := json.Marshal(comps[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"degraded"`)
}

func TestTracker_Run(t *testing.T) {
	tr := newTestTracker()
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(ctx, map[string]CheckFunc{
			"storage": func(context.Context) error {
				calls.Add(1)
				return errors.New(errors.KindNetwork, "unreachable")
			},
		})
	}()

	assert.Eventually(t, func() bool { return tr.State("storage") == StateDegraded }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestTransferRecorder(t *testing.T) {
	tr := newTestTracker()
	rec := NewTransferRecorder(tr, "storage")

	rec.PartFinished("download", "throttled", 0, time.Millisecond)
	rec.PartFinished("download", "stopped", 0, time.Millisecond)
	rec.PartFinished("download", "server_transient", 0, time.Millisecond)
	assert.Equal(t, StateDegraded, tr.State("storage"))
	c, _ := tr.Component("storage")
	assert.Equal(t, "server_transient", c.LastErrorKind)

	rec.PartFinished("upload", "ok", 1024, time.Millisecond)
	assert.Equal(t, StateHealthy, tr.State("storage"))

	rec.PartFinished("upload", "auth_failure", 0, time.Millisecond)
	rec.PartFinished("upload", "auth_failure", 0, time.Millisecond)
	assert.Equal(t, StateReadOnly, tr.State("storage"))
}
