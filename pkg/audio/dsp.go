package audio

import (
	"fmt"
	"math"
)

// BiquadLowPass is a 2nd-order Butterworth low-pass filter (RBJ cookbook
// coefficients). It keeps state across calls so it can run over a chunked
// stream.
type BiquadLowPass struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

// NewBiquadLowPass creates a low-pass filter with the given cutoff frequency
// at the given sample rate.
func NewBiquadLowPass(sampleRate, cutoffHz float64) *BiquadLowPass {
	w0 := 2 * math.Pi * cutoffHz / sampleRate
	cosw0 := math.Cos(w0)
	// Q of 1/sqrt(2) gives the Butterworth (maximally flat) response.
	alpha := math.Sin(w0) / (2 * math.Sqrt2 / 2.0)

	a0 := 1 + alpha
	f := &BiquadLowPass{
		b0: (1 - cosw0) / 2 / a0,
		b1: (1 - cosw0) / a0,
		b2: (1 - cosw0) / 2 / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}
	return f
}

// Process filters a single sample.
func (f *BiquadLowPass) Process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// ProcessBuf filters samples in place.
func (f *BiquadLowPass) ProcessBuf(samples []float32) {
	for i, s := range samples {
		samples[i] = float32(f.Process(float64(s)))
	}
}

// Reset clears the filter state.
func (f *BiquadLowPass) Reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}

// Decimator reduces the sample rate by an integer factor: it low-pass
// filters at slightly below the target Nyquist frequency, then keeps every
// factor-th sample. Phase is preserved across chunk boundaries.
type Decimator struct {
	factor int
	filter *BiquadLowPass
	phase  int
}

// NewDecimator creates a decimator from sourceRate to sourceRate/factor.
// The anti-alias cutoff sits at 45% of the target rate, leaving headroom
// below the target Nyquist.
func NewDecimator(sourceRate, factor int) (*Decimator, error) {
	if factor < 2 {
		return nil, fmt.Errorf("audio: decimation factor must be >= 2, got %d", factor)
	}
	if sourceRate%factor != 0 {
		return nil, fmt.Errorf("audio: source rate %d not divisible by factor %d", sourceRate, factor)
	}
	targetRate := sourceRate / factor
	return &Decimator{
		factor: factor,
		filter: NewBiquadLowPass(float64(sourceRate), 0.45*float64(targetRate)),
	}, nil
}

// Factor returns the decimation factor.
func (d *Decimator) Factor() int { return d.factor }

// Process filters and decimates in, appending kept samples to out.
// The returned slice may share out's backing array.
func (d *Decimator) Process(in []float32, out []float32) []float32 {
	for _, s := range in {
		filtered := float32(d.filter.Process(float64(s)))
		if d.phase == 0 {
			out = append(out, filtered)
		}
		d.phase++
		if d.phase == d.factor {
			d.phase = 0
		}
	}
	return out
}

// Reset clears filter state and decimation phase.
func (d *Decimator) Reset() {
	d.filter.Reset()
	d.phase = 0
}

// Upsampler2x doubles the sample rate by linear interpolation, carrying the
// last input sample across chunk boundaries so interpolation stays continuous.
type Upsampler2x struct {
	last    float32
	started bool
}

// Process appends 2*len(in) interpolated samples to out.
func (u *Upsampler2x) Process(in []float32, out []float32) []float32 {
	for _, s := range in {
		if !u.started {
			u.last = s
			u.started = true
		}
		out = append(out, (u.last+s)/2, s)
		u.last = s
	}
	return out
}

// Reset clears the interpolation carry.
func (u *Upsampler2x) Reset() {
	u.last = 0
	u.started = false
}

// PCM16ToFloat32 converts little-endian signed 16-bit PCM bytes to
// normalized float samples. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		out = append(out, float32(s)/32768.0)
	}
	return out
}

// Float32ToPCM16 converts normalized float samples to little-endian signed
// 16-bit PCM bytes, clipping out-of-range values.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// RMSEnergy computes the root-mean-square energy of float samples,
// returning a value between 0.0 and 1.0.
func RMSEnergy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// PeakAmplitude returns the maximum absolute amplitude of the samples,
// between 0.0 and 1.0 for normalized input.
func PeakAmplitude(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		abs := math.Abs(float64(s))
		if abs > peak {
			peak = abs
		}
	}
	return peak
}
