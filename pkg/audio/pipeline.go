package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CaptureConfig describes the capture-side rate conversion.
type CaptureConfig struct {
	// DeviceRate is the negotiated hardware sample rate (commonly 48000).
	DeviceRate int
	// TargetRate is the provider sample rate (commonly 16000 or 24000).
	TargetRate int
	// ChunkMS is the emitted chunk duration in milliseconds.
	ChunkMS int
}

// DefaultCaptureConfig returns the standard 48 kHz -> 24 kHz capture shape
// with 100 ms chunks.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		DeviceRate: 48000,
		TargetRate: 24000,
		ChunkMS:    100,
	}
}

// CapturePipeline converts device-rate PCM into fixed-duration provider-rate
// chunks: anti-alias filter, integer decimation, then chunk assembly.
// It is single-writer: only the capture loop may call Push.
type CapturePipeline struct {
	cfg          CaptureConfig
	decimator    *Decimator // nil when device and target rates match
	chunkSamples int
	acc          []float32
	scratch      []float32
	sink         CaptureSink
}

// NewCapturePipeline creates a capture pipeline emitting chunks to sink.
// The device rate must be an integer multiple of the target rate.
func NewCapturePipeline(cfg CaptureConfig, sink CaptureSink) (*CapturePipeline, error) {
	if cfg.DeviceRate <= 0 || cfg.TargetRate <= 0 {
		return nil, fmt.Errorf("audio: invalid rates %d -> %d", cfg.DeviceRate, cfg.TargetRate)
	}
	if cfg.ChunkMS <= 0 {
		cfg.ChunkMS = 100
	}
	if sink == nil {
		return nil, fmt.Errorf("audio: capture sink is required")
	}

	p := &CapturePipeline{
		cfg:          cfg,
		chunkSamples: cfg.TargetRate * cfg.ChunkMS / 1000,
		sink:         sink,
	}
	if cfg.DeviceRate != cfg.TargetRate {
		if cfg.DeviceRate%cfg.TargetRate != 0 {
			return nil, fmt.Errorf("audio: device rate %d is not an integer multiple of target rate %d",
				cfg.DeviceRate, cfg.TargetRate)
		}
		dec, err := NewDecimator(cfg.DeviceRate, cfg.DeviceRate/cfg.TargetRate)
		if err != nil {
			return nil, err
		}
		p.decimator = dec
	}
	return p, nil
}

// Push feeds device-rate PCM16 bytes through the pipeline, invoking the sink
// once per completed chunk.
func (p *CapturePipeline) Push(pcm []byte) {
	in := PCM16ToFloat32(pcm)
	if p.decimator != nil {
		p.scratch = p.decimator.Process(in, p.scratch[:0])
		in = p.scratch
	}
	p.acc = append(p.acc, in...)

	for len(p.acc) >= p.chunkSamples {
		p.sink(Float32ToPCM16(p.acc[:p.chunkSamples]))
		n := copy(p.acc, p.acc[p.chunkSamples:])
		p.acc = p.acc[:n]
	}
}

// Reset discards partial chunks and filter state.
func (p *CapturePipeline) Reset() {
	p.acc = p.acc[:0]
	if p.decimator != nil {
		p.decimator.Reset()
	}
}

// ChunkBytes returns the emitted chunk size in bytes.
func (p *CapturePipeline) ChunkBytes() int {
	return p.chunkSamples * 2
}

// PlaybackConfig describes playback-side buffering and rate conversion.
type PlaybackConfig struct {
	// DeviceRate is the negotiated hardware sample rate.
	DeviceRate int
	// PreRollMS is the minimum buffered audio before emission starts.
	PreRollMS int
	// CrossfadeSamples is the fade-in window after a silence gap.
	CrossfadeSamples int
	// CapacitySeconds sizes the ring for the worst case.
	CapacitySeconds int
}

// DefaultPlaybackConfig returns the standard playback shape: 48 kHz device,
// 200 ms pre-roll, 256-sample crossfade, two minutes of headroom.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		DeviceRate:       48000,
		PreRollMS:        200,
		CrossfadeSamples: 256,
		CapacitySeconds:  120,
	}
}

// PlaybackPipeline queues decoded provider audio for device emission.
//
// Chunks at the device rate pass straight through; chunks at half the device
// rate are upsampled by linear interpolation; any other rate is rejected.
// Chunks that would overflow the ring are dropped whole.
type PlaybackPipeline struct {
	cfg  PlaybackConfig
	ring *RingBuffer

	mu  sync.Mutex
	up  Upsampler2x
	gen uint64 // bumped by Clear; writes racing a clear are discarded

	played  atomic.Int64 // samples actually emitted to the device
	dropped atomic.Int64 // chunks dropped due to overflow or clear race
	scratch []float32    // guarded by mu; used by Play only

	pullBuf []float32 // device callback only, single consumer

	// decoded, when set, runs between chunk decode and admission. Tests use
	// it to interleave a Clear with an in-flight Play.
	decoded func()
}

// NewPlaybackPipeline creates a playback pipeline.
func NewPlaybackPipeline(cfg PlaybackConfig) *PlaybackPipeline {
	if cfg.DeviceRate <= 0 {
		cfg.DeviceRate = 48000
	}
	if cfg.PreRollMS <= 0 {
		cfg.PreRollMS = 200
	}
	if cfg.CrossfadeSamples <= 0 {
		cfg.CrossfadeSamples = 256
	}
	if cfg.CapacitySeconds <= 0 {
		cfg.CapacitySeconds = 120
	}
	capacity := cfg.DeviceRate * cfg.CapacitySeconds
	preRoll := cfg.DeviceRate * cfg.PreRollMS / 1000
	return &PlaybackPipeline{
		cfg:  cfg,
		ring: NewRingBuffer(capacity, preRoll, cfg.CrossfadeSamples),
	}
}

// Play queues a PCM16 chunk declared at sampleRateHz. Returns
// ErrUnsupportedRate when the rate cannot be reconciled with the device
// rate, and ErrBufferFull when the chunk was dropped by the overflow policy.
func (p *PlaybackPipeline) Play(pcm []byte, sampleRateHz int) error {
	if sampleRateHz != p.cfg.DeviceRate && sampleRateHz*2 != p.cfg.DeviceRate {
		return fmt.Errorf("%w: %d Hz against %d Hz device", ErrUnsupportedRate, sampleRateHz, p.cfg.DeviceRate)
	}

	gen := p.generation()
	samples := PCM16ToFloat32(pcm)
	if p.decoded != nil {
		p.decoded()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		// A clear landed while this chunk was being decoded; the chunk
		// belongs to the discarded stream.
		p.dropped.Add(1)
		return nil
	}
	if sampleRateHz*2 == p.cfg.DeviceRate {
		p.scratch = p.up.Process(samples, p.scratch[:0])
		samples = p.scratch
	}
	if err := p.ring.Write(samples); err != nil {
		p.dropped.Add(1)
		return err
	}
	return nil
}

// Pull fills dst with playable PCM16 bytes for the device callback. Silence
// is emitted while pre-roll accumulates or after the ring runs dry.
func (p *PlaybackPipeline) Pull(dst []byte) {
	frames := len(dst) / 2
	if cap(p.pullBuf) < frames {
		p.pullBuf = make([]float32, frames)
	}
	buf := p.pullBuf[:frames]

	emitted := p.ring.Read(buf)
	p.played.Add(int64(emitted))

	pcm := Float32ToPCM16(buf)
	copy(dst, pcm)
}

// Clear resets the pipeline immediately: ring zeroed, interpolation state
// dropped, and any in-flight chunk write discarded.
func (p *PlaybackPipeline) Clear() {
	p.mu.Lock()
	p.gen++
	p.up.Reset()
	p.mu.Unlock()
	p.ring.Clear()
}

// Drain blocks until the ring is empty or ctx is cancelled. The hardware
// period still in the device buffer is the caller's to wait out.
func (p *PlaybackPipeline) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.ring.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// BufferedMS reports queued audio in milliseconds.
func (p *PlaybackPipeline) BufferedMS() int64 {
	return int64(p.ring.Len()) * 1000 / int64(p.cfg.DeviceRate)
}

// PlayedMS reports emitted audio in milliseconds.
func (p *PlaybackPipeline) PlayedMS() int64 {
	return p.played.Load() * 1000 / int64(p.cfg.DeviceRate)
}

// DroppedChunks reports chunks discarded by the overflow policy.
func (p *PlaybackPipeline) DroppedChunks() int64 {
	return p.dropped.Load()
}

func (p *PlaybackPipeline) generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}
