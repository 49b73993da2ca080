package opstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/objectfs/bucketfs/pkg/errors"
)

func TestCollector_Observe(t *testing.T) {
	c := New("s3")
	c.Observe(10*time.Millisecond, nil)
	c.Observe(20*time.Millisecond, errors.New(errors.KindThrottled, "slow down"))
	c.Observe(20*time.Millisecond, errors.New(errors.KindThrottled, "slow down"))
	c.Uploaded(100)
	c.Downloaded(50)

	s := c.Snapshot()
	assert.Equal(t, "s3", s.Backend)
	assert.Equal(t, int64(3), s.Requests)
	assert.Equal(t, int64(2), s.Errors)
	assert.Equal(t, int64(2), s.ErrorsByKind["throttled"])
	assert.InDelta(t, 2.0/3.0, s.ErrorRate(), 1e-9)
	assert.Equal(t, int64(100), s.BytesUploaded)
	assert.Equal(t, int64(50), s.BytesDownloaded)
	assert.Contains(t, s.LastError, "slow down")
	assert.Greater(t, s.AverageLatency, 10*time.Millisecond)

	s.ErrorsByKind["throttled"] = 99
	assert.Equal(t, int64(2), c.Snapshot().ErrorsByKind["throttled"], "snapshot is a copy")
}

func TestCollector_Multipart(t *testing.T) {
	c := New("memory")
	c.MultipartStarted()
	c.MultipartPart(10)
	c.MultipartPart(20)
	c.MultipartCompleted()
	c.MultipartAborted()

	s := c.Snapshot()
	assert.Equal(t, int64(1), s.MultipartStarted)
	assert.Equal(t, int64(2), s.MultipartParts)
	assert.Equal(t, int64(11), s.AveragePartSize)
	assert.Equal(t, int64(1), s.MultipartCompleted)
	assert.Equal(t, int64(1), s.MultipartAborted)

	c.Reset()
	assert.Equal(t, Snapshot{Backend: "memory", ErrorsByKind: map[string]int64{}}, c.Snapshot())
	assert.Zero(t, New("x").Snapshot().ErrorRate())
}
