// Package audio implements the buffering and resampling pipeline that sits
// between the audio hardware and the wire protocol.
//
// The capture path low-pass filters device-rate PCM, decimates it to the
// provider rate, and emits fixed-duration chunks. The playback path feeds a
// large ring buffer from decoded provider chunks, withholds output until a
// pre-roll threshold is met, upsamples when the provider rate is half the
// device rate, and crossfades back in after silence gaps.
//
// The Port interface at the bottom of the package is the hardware capability
// set consumed by the conversation engine; pkg/audio/miniaudio provides the
// device-backed implementation.
package audio
