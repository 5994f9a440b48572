package audio

import (
	"testing"
)

func TestRingBufferConservation(t *testing.T) {
	r := NewRingBuffer(1024, 0, 0)

	in := make([]float32, 300)
	for i := range in {
		in[i] = float32(i%100) / 100
	}
	if err := r.Write(in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := r.Len(); got != 300 {
		t.Fatalf("Len = %d, want 300", got)
	}

	out := make([]float32, 300)
	if n := r.Read(out); n != 300 {
		t.Fatalf("Read emitted %d, want 300", n)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: got %v, want %v", i, out[i], in[i])
		}
	}
	if got := r.Len(); got != 0 {
		t.Fatalf("Len after drain = %d, want 0", got)
	}
}

func TestRingBufferWraparound(t *testing.T) {
	r := NewRingBuffer(64, 0, 0)
	chunk := make([]float32, 48)
	out := make([]float32, 48)

	// Push the indices past the physical end several times.
	for round := 0; round < 10; round++ {
		for i := range chunk {
			chunk[i] = float32(round*48 + i)
		}
		if err := r.Write(chunk); err != nil {
			t.Fatalf("round %d Write: %v", round, err)
		}
		if n := r.Read(out); n != 48 {
			t.Fatalf("round %d Read emitted %d, want 48", round, n)
		}
		for i := range out {
			if out[i] != chunk[i] {
				t.Fatalf("round %d sample %d: got %v, want %v", round, i, out[i], chunk[i])
			}
		}
	}
}

func TestRingBufferOverflowRejectsWholesale(t *testing.T) {
	r := NewRingBuffer(100, 0, 0)

	if err := r.Write(make([]float32, 90)); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	err := r.Write(make([]float32, 20))
	if err != ErrBufferFull {
		t.Fatalf("overflow Write err = %v, want ErrBufferFull", err)
	}
	// Nothing partial may land.
	if got := r.Len(); got != 90 {
		t.Fatalf("Len after rejected write = %d, want 90", got)
	}
	// A fitting write still succeeds.
	if err := r.Write(make([]float32, 10)); err != nil {
		t.Fatalf("fitting Write: %v", err)
	}
}

func TestRingBufferPreRollGate(t *testing.T) {
	// Gate opens only once 100 samples are buffered.
	r := NewRingBuffer(1024, 100, 0)

	if err := r.Write(make([]float32, 50)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := make([]float32, 50)
	out[0] = 1 // must be overwritten with silence
	if n := r.Read(out); n != 0 {
		t.Fatalf("gated Read emitted %d, want 0", n)
	}
	for i, s := range out {
		if s != 0 {
			t.Fatalf("gated sample %d = %v, want silence", i, s)
		}
	}
	// Buffered audio is retained during gating, not consumed.
	if got := r.Len(); got != 50 {
		t.Fatalf("Len after gated read = %d, want 50", got)
	}

	if err := r.Write(make([]float32, 50)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n := r.Read(out); n != 50 {
		t.Fatalf("Read after pre-roll emitted %d, want 50", n)
	}
}

func TestRingBufferDryoutRearmsAndCrossfades(t *testing.T) {
	r := NewRingBuffer(1024, 4, 4)

	ones := []float32{1, 1, 1, 1, 1, 1}
	if err := r.Write(ones); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := make([]float32, 8)
	n := r.Read(out)
	if n != 6 {
		t.Fatalf("Read emitted %d, want 6", n)
	}
	// Fade-in ramps 0, .25, .5, .75 then unity.
	want := []float32{0, 0.25, 0.5, 0.75, 1, 1, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, out[i], want[i])
		}
	}

	// The gate re-armed on dryout: a trickle below pre-roll stays silent.
	if err := r.Write(ones[:2]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n := r.Read(out); n != 0 {
		t.Fatalf("post-dryout Read emitted %d, want 0", n)
	}

	// Once pre-roll refills, emission resumes with a fresh fade.
	if err := r.Write(ones[:4]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n := r.Read(out[:4]); n != 4 {
		t.Fatalf("resumed Read emitted %d, want 4", n)
	}
	if out[0] != 0 {
		t.Fatalf("resumed stream did not fade in: first sample %v", out[0])
	}
}

func TestRingBufferClear(t *testing.T) {
	r := NewRingBuffer(256, 16, 0)
	if err := r.Write(make([]float32, 200)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r.Clear()
	if got := r.Len(); got != 0 {
		t.Fatalf("Len after Clear = %d, want 0", got)
	}
	// Gate re-armed: silence until pre-roll refills.
	out := make([]float32, 8)
	if err := r.Write(make([]float32, 8)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n := r.Read(out); n != 0 {
		t.Fatalf("Read after Clear emitted %d, want 0 until pre-roll", n)
	}
}
