package miniaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// streamParams describes how to open a capture device.
type streamParams struct {
	rate     int
	channels int
	periodMS int
	deviceID *malgo.DeviceID // nil selects the system default
}

// malgoStream adapts a malgo capture device to the captureStream contract.
// The device callback appends into a bounded buffer; Read drains it. When the
// callback outpaces Read past the buffer bound, the backlog is discarded and
// the next Read reports an overrun.
type malgoStream struct {
	ctx    malgo.Context
	params streamParams

	mu   sync.Mutex
	cond *sync.Cond

	device    *malgo.Device
	buf       []byte
	maxBuf    int
	overrun   bool
	suspended bool
	closed    bool
}

func newMalgoStream(ctx malgo.Context, params streamParams) (*malgoStream, error) {
	if params.channels <= 0 {
		params.channels = 1
	}
	if params.periodMS <= 0 {
		params.periodMS = 20
	}
	s := &malgoStream{
		ctx:    ctx,
		params: params,
		// One second of backlog before an overrun is declared.
		maxBuf: params.rate * params.channels * 2,
	}
	s.cond = sync.NewCond(&s.mu)
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *malgoStream) open() error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(s.params.channels)
	deviceConfig.SampleRate = uint32(s.params.rate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(s.params.periodMS)
	if s.params.deviceID != nil {
		deviceConfig.Capture.DeviceID = s.params.deviceID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			s.mu.Lock()
			if len(s.buf)+len(in) > s.maxBuf {
				s.buf = s.buf[:0]
				s.overrun = true
			}
			s.buf = append(s.buf, in...)
			s.mu.Unlock()
			s.cond.Signal()
		},
		Stop: func() {
			s.mu.Lock()
			if !s.closed {
				s.suspended = true
			}
			s.mu.Unlock()
			s.cond.Broadcast()
		},
	}

	device, err := malgo.InitDevice(s.ctx, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("miniaudio: init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("miniaudio: start capture device: %w", err)
	}
	s.mu.Lock()
	s.device = device
	s.suspended = false
	s.mu.Unlock()
	return nil
}

func (s *malgoStream) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed || ctx.Err() != nil {
			return nil, context.Canceled
		}
		if s.overrun {
			return nil, errXrun
		}
		if len(s.buf) > 0 {
			block := s.buf
			s.buf = make([]byte, 0, cap(block))
			return block, nil
		}
		if s.suspended {
			return nil, errSuspended
		}
		s.cond.Wait()
	}
}

func (s *malgoStream) Recover() error {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.overrun = false
	s.mu.Unlock()
	return nil
}

func (s *malgoStream) Resume() error {
	s.mu.Lock()
	device := s.device
	s.mu.Unlock()
	if device == nil {
		return fmt.Errorf("miniaudio: no device to resume")
	}
	if err := device.Start(); err != nil {
		return fmt.Errorf("miniaudio: resume capture: %w", err)
	}
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()
	return nil
}

func (s *malgoStream) Reset() error {
	s.mu.Lock()
	device := s.device
	s.device = nil
	s.buf = s.buf[:0]
	s.overrun = false
	s.mu.Unlock()
	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
	return s.open()
}

func (s *malgoStream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	device := s.device
	s.device = nil
	s.mu.Unlock()
	s.cond.Broadcast()
	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
}
