package audio

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when a write would overflow the ring buffer.
// Overflowing writes are rejected wholesale: already-queued audio wins over
// fresh audio.
var ErrBufferFull = errors.New("audio: ring buffer full")

// RingBuffer is a fixed-capacity circular store of float32 samples with
// pre-roll gating and resume crossfading.
//
// Readers receive silence until at least preRoll samples have accumulated.
// If the buffer runs dry mid-stream, output falls back to silence and the
// pre-roll gate re-arms; when real samples resume, a short linear fade-in
// masks the discontinuity.
type RingBuffer struct {
	mu sync.Mutex

	data     []float32
	capacity int
	writeIdx int
	readIdx  int
	fill     int

	preRoll   int // samples required before emission starts
	crossfade int // fade-in length after a silence gap

	gated         bool // waiting for pre-roll
	fadeRemaining int
}

// NewRingBuffer creates a ring buffer holding up to capacity samples.
// preRoll samples must accumulate before Read emits audio; crossfade is the
// fade-in length applied when emission resumes after a gap.
func NewRingBuffer(capacity, preRoll, crossfade int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	if preRoll < 0 {
		preRoll = 0
	}
	if preRoll > capacity {
		preRoll = capacity
	}
	if crossfade < 0 {
		crossfade = 0
	}
	return &RingBuffer{
		data:      make([]float32, capacity),
		capacity:  capacity,
		preRoll:   preRoll,
		crossfade: crossfade,
		gated:     true,
	}
}

// Write appends samples to the buffer. If the samples do not all fit, nothing
// is written and ErrBufferFull is returned.
func (r *RingBuffer) Write(samples []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(samples) > r.capacity-r.fill {
		return ErrBufferFull
	}
	for _, s := range samples {
		r.data[r.writeIdx] = s
		r.writeIdx = (r.writeIdx + 1) % r.capacity
	}
	r.fill += len(samples)
	return nil
}

// Read fills dst with playable samples. While the pre-roll gate is closed, or
// when the buffer runs dry mid-read, the remainder of dst is zeroed. The
// return value is the number of real (non-silence) samples emitted.
func (r *RingBuffer) Read(dst []float32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gated {
		if r.fill < r.preRoll {
			zero(dst)
			return 0
		}
		// Pre-roll satisfied: open the gate and fade in.
		r.gated = false
		r.fadeRemaining = r.crossfade
	}

	emitted := 0
	for i := range dst {
		if r.fill == 0 {
			// Ran dry mid-stream: silence out, re-arm the gate.
			zero(dst[i:])
			r.gated = true
			break
		}
		s := r.data[r.readIdx]
		r.readIdx = (r.readIdx + 1) % r.capacity
		r.fill--

		if r.fadeRemaining > 0 {
			gain := float32(r.crossfade-r.fadeRemaining) / float32(r.crossfade)
			s *= gain
			r.fadeRemaining--
		}
		dst[i] = s
		emitted++
	}
	return emitted
}

// Clear zeroes the buffer and resets all pointers immediately (hard cut).
// The pre-roll gate re-arms so the next stream fades in cleanly.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.data {
		r.data[i] = 0
	}
	r.writeIdx = 0
	r.readIdx = 0
	r.fill = 0
	r.gated = true
	r.fadeRemaining = 0
}

// Len returns the number of buffered samples.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fill
}

// Free returns the remaining write capacity in samples.
func (r *RingBuffer) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity - r.fill
}

// Cap returns the total capacity in samples.
func (r *RingBuffer) Cap() int {
	return r.capacity
}

func zero(dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
}
