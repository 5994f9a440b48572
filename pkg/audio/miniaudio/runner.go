package miniaudio

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/voicelink-go/voicelink/pkg/audio"
	"github.com/voicelink-go/voicelink/pkg/metrics"
)

// Capture stream fault classes. The runner maps each to a recovery action.
var (
	errXrun      = errors.New("miniaudio: capture overrun")
	errSuspended = errors.New("miniaudio: capture suspended")
)

// captureStream is the raw device-facing side of the capture loop. The
// malgo-backed implementation is the production one; tests substitute fakes.
type captureStream interface {
	// Read blocks for the next device-rate PCM block. It returns errXrun on
	// an overrun, errSuspended when the device stopped underneath us, or a
	// device error.
	Read(ctx context.Context) ([]byte, error)
	// Recover drops stale device state after an overrun.
	Recover() error
	// Resume restarts a suspended stream in place.
	Resume() error
	// Reset tears the stream down and rebuilds it from scratch.
	Reset() error
}

const (
	resumeAttempts = 5
	resumeDelay    = 50 * time.Millisecond
)

// captureRunner pumps a captureStream into a push function, absorbing
// transient device faults so the caller never sees them.
type captureRunner struct {
	stream captureStream
	push   func(pcm []byte)
	log    *zap.Logger
	met    *metrics.Metrics
	report func(*audio.Error)
}

// run loops until ctx is cancelled or an unrecoverable fault occurs. Fault
// handling is layered: overruns recover in place, suspensions resume then
// fall back to a full reset, anything else gets one reset before giving up.
func (r *captureRunner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		block, err := r.stream.Read(ctx)
		if err == nil {
			if len(block) > 0 {
				r.push(block)
			}
			continue
		}

		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return

		case errors.Is(err, errXrun):
			if recErr := r.stream.Recover(); recErr != nil {
				r.fail("recover", "overrun recovery failed", recErr)
				return
			}
			r.met.IncXrunsRecovered()
			r.log.Debug("capture overrun recovered")

		case errors.Is(err, errSuspended):
			if !r.resumeOrReset(ctx) {
				return
			}

		default:
			r.log.Warn("capture fault, resetting stream", zap.Error(err))
			if resetErr := r.stream.Reset(); resetErr != nil {
				r.fail("reset", "device recovery exhausted", resetErr)
				return
			}
		}
	}
}

func (r *captureRunner) resumeOrReset(ctx context.Context) bool {
	for i := 0; i < resumeAttempts; i++ {
		if ctx.Err() != nil {
			return false
		}
		if err := r.stream.Resume(); err == nil {
			r.log.Info("capture resumed after suspension")
			return true
		}
		time.Sleep(resumeDelay)
	}
	r.log.Warn("resume exhausted, rebuilding capture stream")
	if err := r.stream.Reset(); err != nil {
		r.fail("reset", "suspended device could not be rebuilt", err)
		return false
	}
	return true
}

func (r *captureRunner) fail(op, recovery string, err error) {
	r.log.Error("capture stream failed", zap.String("op", op), zap.Error(err))
	if r.report != nil {
		r.report(&audio.Error{Op: op, Recovery: recovery, Err: err})
	}
}
