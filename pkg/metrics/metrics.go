// Package metrics exposes Prometheus instrumentation for the voice engine.
//
// A nil *Metrics is valid everywhere: all increment helpers are nil-safe, so
// components can take metrics as an optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the voice engine.
type Metrics struct {
	// Transport metrics
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	SendErrors     prometheus.Counter
	Reconnects     prometheus.Counter
	DecodeErrors   prometheus.Counter

	// Conversation metrics
	BargeIns       prometheus.Counter
	ToolCalls      *prometheus.CounterVec
	ResponsesDone  prometheus.Counter
	ServerErrors   prometheus.Counter

	// Audio metrics
	CaptureChunks    prometheus.Counter
	PlaybackChunks   prometheus.Counter
	ChunksDropped    prometheus.Counter
	XrunsRecovered   prometheus.Counter
	DeviceSwitches   prometheus.Counter
	PlaybackBuffered prometheus.Gauge
}

// New creates and registers all metrics on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_frames_sent_total",
			Help: "Total number of frames written to the session socket",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_frames_received_total",
			Help: "Total number of frames read from the session socket",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_send_errors_total",
			Help: "Total number of failed frame writes",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_reconnects_total",
			Help: "Total number of session reconnect attempts",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_decode_errors_total",
			Help: "Total number of inbound frames that failed to decode",
		}),
		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_barge_ins_total",
			Help: "Total number of user interruptions of an active response",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_tool_calls_total",
			Help: "Total number of tool invocations by outcome",
		}, []string{"tool", "outcome"}),
		ResponsesDone: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_responses_done_total",
			Help: "Total number of completed model responses",
		}),
		ServerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_server_errors_total",
			Help: "Total number of error events received from the server",
		}),
		CaptureChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_capture_chunks_total",
			Help: "Total number of microphone chunks sent upstream",
		}),
		PlaybackChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_playback_chunks_total",
			Help: "Total number of audio chunks queued for playback",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_playback_chunks_dropped_total",
			Help: "Total number of playback chunks dropped by the overflow policy",
		}),
		XrunsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_capture_xruns_recovered_total",
			Help: "Total number of capture overruns recovered in place",
		}),
		DeviceSwitches: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_device_switches_total",
			Help: "Total number of input device switches",
		}),
		PlaybackBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_playback_buffered_ms",
			Help: "Milliseconds of audio currently queued for playback",
		}),
	}
}

// Handler returns the Prometheus scrape handler for gatherer, defaulting to
// the global gatherer when nil.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// IncFramesSent increments the sent-frame counter.
func (m *Metrics) IncFramesSent() {
	if m != nil {
		m.FramesSent.Inc()
	}
}

// IncFramesReceived increments the received-frame counter.
func (m *Metrics) IncFramesReceived() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

// IncSendErrors increments the failed-write counter.
func (m *Metrics) IncSendErrors() {
	if m != nil {
		m.SendErrors.Inc()
	}
}

// IncReconnects increments the reconnect counter.
func (m *Metrics) IncReconnects() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

// IncDecodeErrors increments the inbound decode failure counter.
func (m *Metrics) IncDecodeErrors() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

// IncBargeIns increments the interruption counter.
func (m *Metrics) IncBargeIns() {
	if m != nil {
		m.BargeIns.Inc()
	}
}

// IncToolCall increments the tool-call counter for a tool and outcome.
func (m *Metrics) IncToolCall(tool, outcome string) {
	if m != nil {
		m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	}
}

// IncResponsesDone increments the completed-response counter.
func (m *Metrics) IncResponsesDone() {
	if m != nil {
		m.ResponsesDone.Inc()
	}
}

// IncServerErrors increments the server-error counter.
func (m *Metrics) IncServerErrors() {
	if m != nil {
		m.ServerErrors.Inc()
	}
}

// IncCaptureChunks increments the capture chunk counter.
func (m *Metrics) IncCaptureChunks() {
	if m != nil {
		m.CaptureChunks.Inc()
	}
}

// IncPlaybackChunks increments the playback chunk counter.
func (m *Metrics) IncPlaybackChunks() {
	if m != nil {
		m.PlaybackChunks.Inc()
	}
}

// IncChunksDropped increments the dropped playback chunk counter.
func (m *Metrics) IncChunksDropped() {
	if m != nil {
		m.ChunksDropped.Inc()
	}
}

// IncXrunsRecovered increments the capture overrun recovery counter.
func (m *Metrics) IncXrunsRecovered() {
	if m != nil {
		m.XrunsRecovered.Inc()
	}
}

// IncDeviceSwitches increments the device switch counter.
func (m *Metrics) IncDeviceSwitches() {
	if m != nil {
		m.DeviceSwitches.Inc()
	}
}

// SetPlaybackBuffered records queued playback audio in milliseconds.
func (m *Metrics) SetPlaybackBuffered(ms int64) {
	if m != nil {
		m.PlaybackBuffered.Set(float64(ms))
	}
}
