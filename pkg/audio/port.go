package audio

import (
	"context"
	"errors"
	"fmt"
)

// Hardware error conditions surfaced by Port implementations.
var (
	// ErrDeviceNotFound means the requested device ID is unknown.
	ErrDeviceNotFound = errors.New("audio: device not found")
	// ErrFormatRejected means the device refused the required format, rate,
	// or channel count. Fatal for that device.
	ErrFormatRejected = errors.New("audio: device rejected format")
	// ErrDeviceBusy means the device is temporarily unavailable; the caller
	// may retry.
	ErrDeviceBusy = errors.New("audio: device busy")
	// ErrNotRecording is returned by StopRecording when capture is not
	// running.
	ErrNotRecording = errors.New("audio: not recording")
	// ErrUnsupportedRate is returned by Play when the declared sample rate
	// cannot be reconciled with the device rate.
	ErrUnsupportedRate = errors.New("audio: unsupported sample rate")
)

// DeviceInfo identifies a capture or playback device.
type DeviceInfo struct {
	ID        string
	Name      string
	IsDefault bool
}

// DiagnosticLevel controls how chatty a Port is about device-level events.
type DiagnosticLevel int

const (
	// DiagOff suppresses all diagnostics.
	DiagOff DiagnosticLevel = iota
	// DiagErrors reports device failures only.
	DiagErrors
	// DiagInfo adds lifecycle events (open, close, switch, recovery).
	DiagInfo
	// DiagTrace adds per-chunk detail.
	DiagTrace
)

// String returns a human-readable level name.
func (l DiagnosticLevel) String() string {
	switch l {
	case DiagOff:
		return "off"
	case DiagErrors:
		return "errors"
	case DiagInfo:
		return "info"
	case DiagTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// Error describes a hardware failure: which operation failed and what
// recovery, if any, was attempted.
type Error struct {
	Op       string // operation that failed, e.g. "capture read"
	Recovery string // recovery attempted, empty if none
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Recovery != "" {
		return fmt.Sprintf("audio %s: %v (recovery: %s)", e.Op, e.Err, e.Recovery)
	}
	return fmt.Sprintf("audio %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// CaptureSink receives fixed-duration chunks of little-endian signed 16-bit
// PCM at the capture pipeline's target rate.
type CaptureSink func(chunk []byte)

// Port is the audio hardware capability set consumed by the conversation
// engine. Implementations own their devices: every open handle must be
// released on every exit path.
type Port interface {
	// Init prepares the backend. It must be called before any other method.
	Init() error

	// StartRecording opens the capture device and begins pushing chunks to
	// sink. Recording survives device switches transparently.
	StartRecording(sink CaptureSink) error

	// StopRecording stops the capture loop and closes the capture device.
	StopRecording() error

	// Play decodes a base64 PCM16 chunk at the declared rate and queues it
	// for playback. Chunks that would overflow the playback buffer are
	// dropped in their entirety.
	Play(base64PCM string, sampleRateHz int) error

	// ClearQueue hard-stops playback: all queued audio is discarded
	// immediately.
	ClearQueue()

	// Drain blocks until the hardware has emitted all queued samples, or
	// ctx is cancelled.
	Drain(ctx context.Context) error

	// ListDevices enumerates capture devices.
	ListDevices() ([]DeviceInfo, error)

	// SelectDevice switches the active capture device. If recording, the
	// switch is transparent: capture resumes on the new device with the
	// same sink.
	SelectDevice(id string) error

	// CurrentDevice returns the active capture device ID, if any.
	CurrentDevice() (string, bool)

	// DiagnosticLevel returns the current verbosity.
	DiagnosticLevel() DiagnosticLevel

	// SetDiagnosticLevel adjusts verbosity at runtime.
	SetDiagnosticLevel(level DiagnosticLevel)

	// Errors delivers hardware failures that exhausted internal recovery.
	Errors() <-chan *Error

	// Close releases all devices and backend resources.
	Close() error
}
