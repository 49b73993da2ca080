package transfer

import (
	"context"
	"time"
)

// Recorder receives transfer events. Implementations must be safe for concurrent use.
type Recorder interface {
	TransferStarted(direction string)
	TransferSettled(direction, status string, bytes int64, elapsed time.Duration)
	PartFinished(direction, result string, bytes int64, elapsed time.Duration)
	PartRetried(direction, kind string)
	AdmissionWaiting(delta int)
}

type nopRecorder struct{}

func (nopRecorder) TransferStarted(string) {}
func (nopRecorder) TransferSettled(string, string, int64, time.Duration) {}
func (nopRecorder) PartFinished(string, string, int64, time.Duration) {}
func (nopRecorder) PartRetried(string, string) {}
func (nopRecorder) AdmissionWaiting(int) {}

// Recorders fans events out to every non-nil recorder in rs.
func Recorders(rs ...Recorder) Recorder {
	var m multiRecorder
	for _, r := range rs {
		if r != nil {
			m = append(m, r)
		}
	}
	switch len(m) {
	case 0:
		return nopRecorder{}
	case 1:
		return m[0]
	}
	return m
}

type multiRecorder []Recorder

func (m multiRecorder) TransferStarted(direction string) {
	for _, r := range m {
		r.TransferStarted(direction)
	}
}

func (m multiRecorder) TransferSettled(direction, status string, bytes int64, elapsed time.Duration) {
	for _, r := range m {
		r.TransferSettled(direction, status, bytes, elapsed)
	}
}

func (m multiRecorder) PartFinished(direction, result string, bytes int64, elapsed time.Duration) {
	for _, r := range m {
		r.PartFinished(direction, result, bytes, elapsed)
	}
}

func (m multiRecorder) PartRetried(direction, kind string) {
	for _, r := range m {
		r.PartRetried(direction, kind)
	}
}

func (m multiRecorder) AdmissionWaiting(delta int) {
	for _, r := range m {
		r.AdmissionWaiting(delta)
	}
}

// Journal persists multipart upload ids so uploads interrupted by a crash can be
// aborted later.
type Journal interface {
	Begin(ctx context.Context, key, uploadID string, size int64) error
	End(ctx context.Context, uploadID string) error
}
