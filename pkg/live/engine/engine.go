// Package engine implements the conversation core of a live session: it
// interprets decoded server events, maintains response phase and local
// transcript history, executes tool calls, and drives playback.
//
// Server frames must be fed to HandleFrame from a single goroutine. That
// ordering guarantee is what makes interruption correct: once a barge-in
// cancels the active response, no stale audio delta behind it can reach the
// speaker.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/voicelink-go/voicelink/pkg/live/protocol"
	"github.com/voicelink-go/voicelink/pkg/metrics"
)

// ResponsePhase tracks where the model response lifecycle stands.
type ResponsePhase int

const (
	// PhaseIdle means no response is in flight.
	PhaseIdle ResponsePhase = iota
	// PhaseActive means the model is producing a response.
	PhaseActive
	// PhaseCancelling means a cancel was sent and the response tail is
	// being discarded until response.done arrives.
	PhaseCancelling
)

// String returns the phase name for logging.
func (p ResponsePhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	case PhaseCancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Sender writes outbound protocol events to the session.
type Sender interface {
	Send(v any) error
}

// AudioSink receives decoded response audio.
type AudioSink interface {
	Play(base64PCM string, sampleRateHz int) error
	ClearQueue()
}

// Config shapes an Engine.
type Config struct {
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Sender  Sender
	Sink    AudioSink
	Tools   *ToolRegistry
	// OutputSampleRate is the sample rate of server response audio.
	OutputSampleRate int
	// PlayGate, when set, is consulted before queueing response audio.
	// Audio arriving while the gate is closed is discarded.
	PlayGate func() bool
	// EventBuffer sizes the application event channel.
	EventBuffer int
}

// Engine is the conversation state machine.
type Engine struct {
	log   *zap.Logger
	met   *metrics.Metrics
	send  Sender
	sink  AudioSink
	tools *ToolRegistry

	outputRate int
	playGate   func() bool

	history *History
	events  chan Event

	phaseMu sync.Mutex
	phase   ResponsePhase

	// Dispatch-goroutine state, no locking needed.
	sessionID     string
	responseID    string
	assistantText strings.Builder
	callArgs      map[string]*strings.Builder
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("engine: sender is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Tools == nil {
		cfg.Tools = NewToolRegistry()
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = 24000
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Engine{
		log:        cfg.Log,
		met:        cfg.Metrics,
		send:       cfg.Sender,
		sink:       cfg.Sink,
		tools:      cfg.Tools,
		outputRate: cfg.OutputSampleRate,
		playGate:   cfg.PlayGate,
		history:    &History{},
		events:     make(chan Event, cfg.EventBuffer),
		callArgs:   make(map[string]*strings.Builder),
	}, nil
}

// Events returns the application event channel. Events are dropped rather
// than blocking the dispatch goroutine when the consumer falls behind.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// History returns the local conversation transcript.
func (e *Engine) History() *History {
	return e.history
}

// Phase returns the current response phase.
func (e *Engine) Phase() ResponsePhase {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()
	return e.phase
}

func (e *Engine) setPhase(p ResponsePhase) {
	e.phaseMu.Lock()
	e.phase = p
	e.phaseMu.Unlock()
}

// SessionID returns the server-assigned session identifier, if known.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Negotiate sends the initial session.update declaring formats, voice and
// tools.
func (e *Engine) Negotiate(cfg protocol.SessionConfig) error {
	if len(cfg.Tools) == 0 {
		cfg.Tools = e.tools.Declarations()
	}
	if cfg.InputAudioFormat == "" {
		cfg.InputAudioFormat = protocol.AudioFormatPCM16
	}
	if cfg.OutputAudioFormat == "" {
		cfg.OutputAudioFormat = protocol.AudioFormatPCM16
	}
	return e.send.Send(protocol.NewSessionUpdate(cfg))
}

// SendAudio streams a base64 microphone chunk upstream.
func (e *Engine) SendAudio(base64PCM string) error {
	if err := e.send.Send(protocol.NewInputAudioBufferAppend(base64PCM)); err != nil {
		return err
	}
	e.met.IncCaptureChunks()
	return nil
}

// SendUserText injects typed user text and requests a response.
func (e *Engine) SendUserText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("engine: empty user text")
	}
	if err := e.send.Send(protocol.NewUserTextItem(text)); err != nil {
		return err
	}
	e.history.Add(RoleUser, text)
	return e.send.Send(protocol.NewResponseCreate())
}

// Interrupt cancels the in-flight response, if any, and flushes queued
// playback. Safe to call from any goroutine.
func (e *Engine) Interrupt() error {
	e.phaseMu.Lock()
	if e.phase != PhaseActive {
		e.phaseMu.Unlock()
		return nil
	}
	e.phase = PhaseCancelling
	e.phaseMu.Unlock()

	err := e.send.Send(protocol.NewResponseCancel())
	if e.sink != nil {
		e.sink.ClearQueue()
	}
	e.met.IncBargeIns()
	return err
}

// HandleFrame decodes and dispatches one server frame. It must be called
// from a single goroutine.
func (e *Engine) HandleFrame(ctx context.Context, frame []byte) {
	ev, err := protocol.DecodeServerMessage(frame)
	if err != nil {
		e.met.IncDecodeErrors()
		e.log.Warn("undecodable server frame", zap.Error(err))
		e.emit(ErrorEvent{Code: "decode_error", Message: err.Error()})
		return
	}

	switch msg := ev.(type) {
	case protocol.SessionCreated:
		e.sessionID = msg.Session.ID
		e.log.Info("session created", zap.String("session_id", e.sessionID))
		e.emit(SessionReadyEvent{SessionID: e.sessionID})

	case protocol.SessionUpdated:
		if msg.Session.ID != "" {
			e.sessionID = msg.Session.ID
		}
		e.emit(SessionReadyEvent{SessionID: e.sessionID, Updated: true})

	case protocol.ResponseCreated:
		e.responseID = msg.Response.ID
		e.assistantText.Reset()
		e.setPhase(PhaseActive)
		e.emit(ResponseStartedEvent{ResponseID: msg.Response.ID})

	case protocol.ResponseDone:
		e.setPhase(PhaseIdle)
		e.met.IncResponsesDone()
		e.emit(ResponseDoneEvent{ResponseID: msg.Response.ID, Status: msg.Response.Status})

	case protocol.TextDelta:
		if e.Phase() == PhaseCancelling {
			return
		}
		e.assistantText.WriteString(msg.Delta)
		e.emit(TextDeltaEvent{Delta: msg.Delta})

	case protocol.TextDone:
		if e.Phase() == PhaseCancelling {
			return
		}
		text := msg.Text
		if text == "" {
			text = e.assistantText.String()
		}
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			e.history.Add(RoleAssistant, trimmed)
		}
		e.emit(TextDoneEvent{Text: text})

	case protocol.AudioDelta:
		e.handleAudioDelta(msg)

	case protocol.AudioDone:
		// Playback continues from the buffer; nothing to flush here.

	case protocol.AudioTranscriptDone:
		if e.Phase() == PhaseCancelling {
			return
		}
		if transcript := strings.TrimSpace(msg.Transcript); transcript != "" {
			if e.history.Add(RoleAssistant, transcript) {
				e.emit(AssistantTranscriptEvent{Transcript: transcript})
			}
		}

	case protocol.SpeechStarted:
		e.handleSpeechStarted()

	case protocol.SpeechStopped:
		e.emit(SpeechStoppedEvent{})

	case protocol.InputTranscriptionCompleted:
		if transcript := strings.TrimSpace(msg.Transcript); transcript != "" {
			if e.history.Add(RoleUser, transcript) {
				e.emit(UserTranscriptEvent{Transcript: transcript})
			}
		}

	case protocol.FunctionCallArgumentsDelta:
		buf := e.callArgs[msg.CallID]
		if buf == nil {
			buf = &strings.Builder{}
			e.callArgs[msg.CallID] = buf
		}
		buf.WriteString(msg.Delta)

	case protocol.FunctionCallArgumentsDone:
		e.handleToolCall(ctx, msg)

	case protocol.ServerError:
		e.handleServerError(msg)

	case protocol.UnknownEvent:
		e.log.Debug("ignoring unknown server event", zap.String("type", msg.Type))
	}
}

func (e *Engine) handleAudioDelta(msg protocol.AudioDelta) {
	// Stale tail of a cancelled response.
	if e.Phase() == PhaseCancelling {
		return
	}
	if e.sink == nil {
		return
	}
	if e.playGate != nil && !e.playGate() {
		return
	}
	if err := e.sink.Play(msg.Delta, e.outputRate); err != nil {
		e.log.Warn("playback chunk rejected", zap.Error(err))
		return
	}
	e.met.IncPlaybackChunks()
}

// handleSpeechStarted implements barge-in: when the user speaks over an
// active response, the response is cancelled and queued playback flushed
// before any further frame is dispatched.
func (e *Engine) handleSpeechStarted() {
	interrupted := false
	if e.Phase() == PhaseActive {
		e.setPhase(PhaseCancelling)
		if err := e.send.Send(protocol.NewResponseCancel()); err != nil {
			e.log.Warn("cancel send failed", zap.Error(err))
		}
		if e.sink != nil {
			e.sink.ClearQueue()
		}
		e.met.IncBargeIns()
		interrupted = true
		e.log.Info("user interrupted response", zap.String("response_id", e.responseID))
	}
	e.emit(SpeechStartedEvent{Interrupted: interrupted})
}

func (e *Engine) handleToolCall(ctx context.Context, msg protocol.FunctionCallArgumentsDone) {
	args := msg.Arguments
	if buf := e.callArgs[msg.CallID]; buf != nil {
		if args == "" {
			args = buf.String()
		}
		delete(e.callArgs, msg.CallID)
	}
	if args == "" {
		args = "{}"
	}

	e.history.Add(RoleTool, fmt.Sprintf("call %s(%s)", msg.Name, args))

	var result toolResult
	def, ok := e.tools.Resolve(msg.Name)
	switch {
	case !ok:
		result = toolResult{Success: false, Error: fmt.Sprintf("unknown tool: %s", msg.Name)}
		e.met.IncToolCall(msg.Name, "unknown")
	default:
		out, err := def.Handler(ctx, json.RawMessage(args))
		if err != nil {
			result = toolResult{Success: false, Error: err.Error()}
			e.met.IncToolCall(def.Name, "error")
		} else {
			result = toolResult{Success: true, Data: out}
			e.met.IncToolCall(def.Name, "ok")
		}
	}

	payload := marshalToolResult(result)
	e.history.Add(RoleTool, fmt.Sprintf("result %s: %s", msg.Name, payload))

	if err := e.send.Send(protocol.NewFunctionCallOutputItem(msg.CallID, payload)); err != nil {
		e.log.Error("tool result send failed", zap.Error(err))
		return
	}
	if err := e.send.Send(protocol.NewResponseCreate()); err != nil {
		e.log.Error("post-tool response.create failed", zap.Error(err))
		return
	}
	e.emit(ToolCalledEvent{Name: msg.Name, CallID: msg.CallID, Failed: !result.Success})
}

func (e *Engine) handleServerError(msg protocol.ServerError) {
	// Cancelling a response that already finished is a race, not a fault.
	if msg.Error.Code == "response_cancel_not_active" {
		e.log.Debug("cancel raced response completion")
		return
	}
	e.met.IncServerErrors()
	e.log.Warn("server error",
		zap.String("code", msg.Error.Code),
		zap.String("message", msg.Error.Message))
	e.emit(ErrorEvent{Code: msg.Error.Code, Message: msg.Error.Message})
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		// Avoid deadlocking the dispatch goroutine if the caller stops
		// consuming.
	}
}
