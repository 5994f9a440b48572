// Package miniaudio implements the audio hardware port on top of the
// miniaudio bindings: device enumeration, full-duplex capture and playback,
// and in-place recovery from capture faults.
package miniaudio

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/voicelink-go/voicelink/pkg/audio"
	"github.com/voicelink-go/voicelink/pkg/metrics"
)

// Config shapes the hardware port.
type Config struct {
	// CaptureRate is the microphone device rate.
	CaptureRate int
	// TargetRate is the provider rate capture chunks are emitted at.
	TargetRate int
	// PlaybackRate is the speaker device rate.
	PlaybackRate int
	// ChunkMS is the capture chunk duration.
	ChunkMS int
	// PreRollMS delays playback until enough audio is queued.
	PreRollMS int
	// CrossfadeSamples is the playback fade-in after a gap.
	CrossfadeSamples int
	// CapacitySeconds sizes the playback ring.
	CapacitySeconds int
	Log             *zap.Logger
	Metrics         *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.CaptureRate <= 0 {
		c.CaptureRate = 48000
	}
	if c.TargetRate <= 0 {
		c.TargetRate = 24000
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = 48000
	}
	if c.ChunkMS <= 0 {
		c.ChunkMS = 100
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	return c
}

// Port is the miniaudio-backed implementation of audio.Port.
type Port struct {
	cfg Config
	log *zap.Logger
	met *metrics.Metrics

	mctx     *malgo.AllocatedContext
	playback *audio.PlaybackPipeline
	playDev  *malgo.Device

	mu           sync.Mutex
	stream       *malgoStream
	runnerCancel context.CancelFunc
	runnerDone   chan struct{}
	recording    bool
	selected     *malgo.DeviceID
	selectedID   string
	sink         audio.CaptureSink
	closed       bool

	diag atomic.Int32
	errs chan *audio.Error
}

var _ audio.Port = (*Port)(nil)

// New creates an uninitialized Port. Call Init before use.
func New(cfg Config) *Port {
	cfg = cfg.withDefaults()
	return &Port{
		cfg:  cfg,
		log:  cfg.Log,
		met:  cfg.Metrics,
		errs: make(chan *audio.Error, 16),
	}
}

// Init opens the audio backend and starts the playback device. Playback
// emits silence until response audio is queued.
func (p *Port) Init() error {
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	mctx, err := malgo.InitContext(nil, ctxConfig, func(message string) {
		if p.DiagnosticLevel() >= audio.DiagTrace {
			p.log.Debug("backend", zap.String("message", message))
		}
	})
	if err != nil {
		return fmt.Errorf("miniaudio: init context: %w", err)
	}
	p.mctx = mctx

	p.playback = audio.NewPlaybackPipeline(audio.PlaybackConfig{
		DeviceRate:       p.cfg.PlaybackRate,
		PreRollMS:        p.cfg.PreRollMS,
		CrossfadeSamples: p.cfg.CrossfadeSamples,
		CapacitySeconds:  p.cfg.CapacitySeconds,
	})

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(p.cfg.PlaybackRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	playDev, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			p.playback.Pull(out)
			p.met.SetPlaybackBuffered(p.playback.BufferedMS())
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("miniaudio: init playback device: %w", err)
	}
	if err := playDev.Start(); err != nil {
		playDev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("miniaudio: start playback device: %w", err)
	}
	p.playDev = playDev

	p.log.Info("audio backend ready",
		zap.Int("capture_rate", p.cfg.CaptureRate),
		zap.Int("target_rate", p.cfg.TargetRate),
		zap.Int("playback_rate", p.cfg.PlaybackRate))
	return nil
}

// ListDevices enumerates capture devices.
func (p *Port) ListDevices() ([]audio.DeviceInfo, error) {
	if p.mctx == nil {
		return nil, fmt.Errorf("miniaudio: not initialized")
	}
	infos, err := p.mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: enumerate devices: %w", err)
	}
	out := make([]audio.DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, audio.DeviceInfo{
			ID:        deviceIDString(info.ID),
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return out, nil
}

// SelectDevice switches the capture device. When a recording is in
// progress the switch is transparent: the same sink keeps receiving chunks
// from the new device.
func (p *Port) SelectDevice(id string) error {
	if p.mctx == nil {
		return fmt.Errorf("miniaudio: not initialized")
	}
	infos, err := p.mctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("miniaudio: enumerate devices: %w", err)
	}
	var match *malgo.DeviceID
	for _, info := range infos {
		if deviceIDString(info.ID) == id {
			deviceID := info.ID
			match = &deviceID
			break
		}
	}
	if match == nil {
		return fmt.Errorf("%w: %s", audio.ErrDeviceNotFound, id)
	}

	p.mu.Lock()
	p.selected = match
	p.selectedID = id
	wasRecording := p.recording
	sink := p.sink
	p.mu.Unlock()

	p.met.IncDeviceSwitches()
	p.log.Info("capture device selected", zap.String("device_id", id))

	if !wasRecording {
		return nil
	}
	// Restart capture on the new device without surfacing a gap to the
	// caller.
	if err := p.StopRecording(); err != nil {
		return err
	}
	return p.StartRecording(sink)
}

// CurrentDevice returns the selected capture device ID, if one was chosen
// explicitly.
func (p *Port) CurrentDevice() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectedID, p.selected != nil
}

// StartRecording opens the capture device and streams provider-rate chunks
// to sink until StopRecording.
func (p *Port) StartRecording(sink audio.CaptureSink) error {
	if p.mctx == nil {
		return fmt.Errorf("miniaudio: not initialized")
	}
	if sink == nil {
		return fmt.Errorf("miniaudio: capture sink is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("miniaudio: port is closed")
	}
	if p.recording {
		return audio.ErrDeviceBusy
	}

	pipeline, err := audio.NewCapturePipeline(audio.CaptureConfig{
		DeviceRate: p.cfg.CaptureRate,
		TargetRate: p.cfg.TargetRate,
		ChunkMS:    p.cfg.ChunkMS,
	}, sink)
	if err != nil {
		return err
	}

	stream, err := newMalgoStream(p.mctx.Context, streamParams{
		rate:     p.cfg.CaptureRate,
		channels: 1,
		deviceID: p.selected,
	})
	if err != nil {
		return &audio.Error{Op: "start_recording", Recovery: "check device availability and format", Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	runner := &captureRunner{
		stream: stream,
		push:   pipeline.Push,
		log:    p.log,
		met:    p.met,
		report: p.reportError,
	}
	go func() {
		defer close(done)
		runner.run(ctx)
	}()

	p.stream = stream
	p.runnerCancel = cancel
	p.runnerDone = done
	p.sink = sink
	p.recording = true
	p.log.Info("recording started")
	return nil
}

// StopRecording stops the capture device and the recovery loop.
func (p *Port) StopRecording() error {
	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return audio.ErrNotRecording
	}
	stream := p.stream
	cancel := p.runnerCancel
	done := p.runnerDone
	p.stream = nil
	p.runnerCancel = nil
	p.runnerDone = nil
	p.recording = false
	p.mu.Unlock()

	cancel()
	stream.close()
	<-done
	p.log.Info("recording stopped")
	return nil
}

// Play decodes a base64 PCM16 chunk and queues it for playback. Chunks
// dropped by the overflow policy are counted, not surfaced: continuity of
// already-queued audio wins.
func (p *Port) Play(base64PCM string, sampleRateHz int) error {
	if p.playback == nil {
		return fmt.Errorf("miniaudio: not initialized")
	}
	pcm, err := base64.StdEncoding.DecodeString(base64PCM)
	if err != nil {
		return fmt.Errorf("miniaudio: decode audio chunk: %w", err)
	}
	if err := p.playback.Play(pcm, sampleRateHz); err != nil {
		if errors.Is(err, audio.ErrBufferFull) {
			p.met.IncChunksDropped()
			if p.DiagnosticLevel() >= audio.DiagInfo {
				p.log.Info("playback chunk dropped, buffer full",
					zap.Int64("buffered_ms", p.playback.BufferedMS()))
			}
			return nil
		}
		return err
	}
	p.met.SetPlaybackBuffered(p.playback.BufferedMS())
	return nil
}

// ClearQueue flushes queued playback immediately.
func (p *Port) ClearQueue() {
	if p.playback != nil {
		p.playback.Clear()
		p.met.SetPlaybackBuffered(0)
	}
}

// Drain blocks until queued playback has been emitted or ctx is cancelled.
func (p *Port) Drain(ctx context.Context) error {
	if p.playback == nil {
		return nil
	}
	return p.playback.Drain(ctx)
}

// DiagnosticLevel returns the current diagnostic verbosity.
func (p *Port) DiagnosticLevel() audio.DiagnosticLevel {
	return audio.DiagnosticLevel(p.diag.Load())
}

// SetDiagnosticLevel adjusts diagnostic verbosity at runtime.
func (p *Port) SetDiagnosticLevel(level audio.DiagnosticLevel) {
	p.diag.Store(int32(level))
}

// Errors returns the asynchronous device fault channel.
func (p *Port) Errors() <-chan *audio.Error {
	return p.errs
}

// Close releases all devices and the backend context.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	recording := p.recording
	p.mu.Unlock()

	if recording {
		_ = p.StopRecording()
	}
	if p.playDev != nil {
		_ = p.playDev.Stop()
		p.playDev.Uninit()
		p.playDev = nil
	}
	if p.mctx != nil {
		_ = p.mctx.Uninit()
		p.mctx.Free()
		p.mctx = nil
	}
	return nil
}

func (p *Port) reportError(err *audio.Error) {
	select {
	case p.errs <- err:
	default:
	}
}

// deviceIDString renders a backend device ID as stable hex, trimming the
// zero padding the backend leaves in the fixed-size array.
func deviceIDString(id malgo.DeviceID) string {
	raw := id[:]
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	if end == 0 {
		return "default"
	}
	return hex.EncodeToString(raw[:end])
}
