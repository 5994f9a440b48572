package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/voicelink-go/voicelink/pkg/live/protocol"
)

type fakeSender struct {
	sent []any
	err  error
}

func (f *fakeSender) Send(v any) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSender) types() []string {
	out := make([]string, 0, len(f.sent))
	for _, v := range f.sent {
		data, _ := json.Marshal(v)
		var envelope struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &envelope)
		out = append(out, envelope.Type)
	}
	return out
}

type fakeSink struct {
	played  []string
	cleared int
	playErr error
}

func (f *fakeSink) Play(base64PCM string, sampleRateHz int) error {
	if f.playErr != nil {
		return f.playErr
	}
	f.played = append(f.played, base64PCM)
	return nil
}

func (f *fakeSink) ClearQueue() { f.cleared++ }

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeSender, *fakeSink) {
	t.Helper()
	sender := &fakeSender{}
	sink := &fakeSink{}
	cfg.Sender = sender
	cfg.Sink = sink
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, sender, sink
}

func feed(t *testing.T, e *Engine, frames ...string) {
	t.Helper()
	for _, f := range frames {
		e.HandleFrame(context.Background(), []byte(f))
	}
}

func drain(e *Engine) []Event {
	var out []Event
	for {
		select {
		case ev := <-e.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestResponseLifecyclePhases(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	if got := e.Phase(); got != PhaseIdle {
		t.Fatalf("initial phase = %s", got)
	}
	feed(t, e, `{"type":"response.created","response":{"id":"r1"}}`)
	if got := e.Phase(); got != PhaseActive {
		t.Fatalf("phase after response.created = %s", got)
	}
	feed(t, e, `{"type":"response.done","response":{"id":"r1","status":"completed"}}`)
	if got := e.Phase(); got != PhaseIdle {
		t.Fatalf("phase after response.done = %s", got)
	}
}

func TestBargeInCancelsAndFlushesBeforeNextDelta(t *testing.T) {
	e, sender, sink := newTestEngine(t, Config{})

	feed(t, e,
		`{"type":"response.created","response":{"id":"r1"}}`,
		`{"type":"response.output_audio.delta","delta":"QUFB"}`,
		`{"type":"input_audio_buffer.speech_started"}`,
		// Stale tail behind the interruption must not reach the speaker.
		`{"type":"response.output_audio.delta","delta":"QkJC"}`,
		`{"type":"response.done","response":{"id":"r1","status":"cancelled"}}`,
	)

	if len(sink.played) != 1 || sink.played[0] != "QUFB" {
		t.Fatalf("played = %v, want only pre-interrupt chunk", sink.played)
	}
	if sink.cleared != 1 {
		t.Fatalf("ClearQueue calls = %d, want 1", sink.cleared)
	}
	types := sender.types()
	if len(types) != 1 || types[0] != "response.cancel" {
		t.Fatalf("sent = %v, want [response.cancel]", types)
	}
	if got := e.Phase(); got != PhaseIdle {
		t.Fatalf("phase after done = %s", got)
	}

	var speech *SpeechStartedEvent
	for _, ev := range drain(e) {
		if s, ok := ev.(SpeechStartedEvent); ok {
			speech = &s
		}
	}
	if speech == nil || !speech.Interrupted {
		t.Fatalf("speech event = %+v, want Interrupted", speech)
	}
}

func TestSpeechStartedWhileIdleDoesNotCancel(t *testing.T) {
	e, sender, sink := newTestEngine(t, Config{})
	feed(t, e, `{"type":"input_audio_buffer.speech_started"}`)
	if len(sender.sent) != 0 {
		t.Fatalf("sent = %v, want none", sender.types())
	}
	if sink.cleared != 0 {
		t.Fatalf("ClearQueue calls = %d, want 0", sink.cleared)
	}
}

func TestToolCallFlow(t *testing.T) {
	tools := NewToolRegistry()
	tools.Register(ToolDef{
		Name: "get_weather",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var req struct {
				City string `json:"city"`
			}
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, err
			}
			return map[string]string{"city": req.City, "forecast": "sunny"}, nil
		},
	})
	e, sender, _ := newTestEngine(t, Config{Tools: tools})

	feed(t, e,
		`{"type":"response.function_call_arguments.delta","call_id":"c1","delta":"{\"city\":"}`,
		`{"type":"response.function_call_arguments.delta","call_id":"c1","delta":"\"Oslo\"}"}`,
		`{"type":"response.function_call_arguments.done","call_id":"c1","name":"get_weather","arguments":""}`,
	)

	types := sender.types()
	want := []string{"conversation.item.create", "response.create"}
	if len(types) != len(want) {
		t.Fatalf("sent = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("sent[%d] = %q, want %q", i, types[i], want[i])
		}
	}

	// The result payload carries the handler output.
	data, _ := json.Marshal(sender.sent[0])
	if !strings.Contains(string(data), "sunny") {
		t.Fatalf("tool output missing from item: %s", data)
	}
	if !strings.Contains(string(data), `"call_id":"c1"`) {
		t.Fatalf("call_id missing from item: %s", data)
	}

	// Invocation and result both land in history.
	msgs := e.History().Messages()
	if len(msgs) != 2 {
		t.Fatalf("history = %d entries, want 2", len(msgs))
	}
	if msgs[0].Role != RoleTool || !strings.Contains(msgs[0].Text, "call get_weather") {
		t.Fatalf("history[0] = %+v", msgs[0])
	}
	if !strings.Contains(msgs[1].Text, "sunny") {
		t.Fatalf("history[1] = %+v", msgs[1])
	}
}

func TestUnknownToolStillCompletesFlow(t *testing.T) {
	e, sender, _ := newTestEngine(t, Config{})
	feed(t, e, `{"type":"response.function_call_arguments.done","call_id":"c9","name":"missing_tool","arguments":"{}"}`)

	types := sender.types()
	if len(types) != 2 || types[0] != "conversation.item.create" || types[1] != "response.create" {
		t.Fatalf("sent = %v", types)
	}
	data, _ := json.Marshal(sender.sent[0])
	if !strings.Contains(string(data), `\"success\":false`) && !strings.Contains(string(data), `"success":false`) {
		t.Fatalf("result not a structured failure: %s", data)
	}
	if !strings.Contains(string(data), "unknown tool") {
		t.Fatalf("missing unknown-tool error: %s", data)
	}

	var called *ToolCalledEvent
	for _, ev := range drain(e) {
		if c, ok := ev.(ToolCalledEvent); ok {
			called = &c
		}
	}
	if called == nil || !called.Failed {
		t.Fatalf("tool event = %+v, want Failed", called)
	}
}

func TestToolHandlerErrorProducesFailureResult(t *testing.T) {
	tools := NewToolRegistry()
	tools.Register(ToolDef{
		Name: "flaky",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, fmt.Errorf("backend unavailable")
		},
	})
	e, sender, _ := newTestEngine(t, Config{Tools: tools})
	feed(t, e, `{"type":"response.function_call_arguments.done","call_id":"c2","name":"FLAKY","arguments":"{}"}`)

	// Case-insensitive resolution still finds the tool.
	data, _ := json.Marshal(sender.sent[0])
	if !strings.Contains(string(data), "backend unavailable") {
		t.Fatalf("handler error missing: %s", data)
	}
}

func TestTranscriptsLandInHistoryWithoutDuplicates(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	feed(t, e,
		`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`,
		`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`,
		`{"type":"response.output_audio_transcript.done","transcript":"hi there"}`,
		`{"type":"response.output_audio_transcript.done","transcript":"hi there"}`,
		`{"type":"response.output_audio_transcript.done","transcript":""}`,
	)
	msgs := e.History().Messages()
	if len(msgs) != 2 {
		t.Fatalf("history = %v, want 2 entries", msgs)
	}
	if msgs[0].Role != RoleUser || msgs[0].Text != "hello" {
		t.Fatalf("history[0] = %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Text != "hi there" {
		t.Fatalf("history[1] = %+v", msgs[1])
	}
}

func TestTextAccumulation(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	feed(t, e,
		`{"type":"response.created","response":{"id":"r1"}}`,
		`{"type":"response.output_text.delta","delta":"Hel"}`,
		`{"type":"response.output_text.delta","delta":"lo"}`,
		`{"type":"response.output_text.done","text":""}`,
	)
	var done *TextDoneEvent
	for _, ev := range drain(e) {
		if d, ok := ev.(TextDoneEvent); ok {
			done = &d
		}
	}
	if done == nil || done.Text != "Hello" {
		t.Fatalf("text done = %+v, want accumulated Hello", done)
	}
}

func TestTextDoneFlushesHistory(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	feed(t, e,
		`{"type":"response.created","response":{"id":"r1"}}`,
		`{"type":"response.output_text.delta","delta":"Hel"}`,
		`{"type":"response.output_text.delta","delta":"lo"}`,
		`{"type":"response.output_text.done","text":""}`,
	)
	msgs := e.History().Messages()
	if len(msgs) != 1 {
		t.Fatalf("history has %d entries, want 1", len(msgs))
	}
	if msgs[0].Role != RoleAssistant || msgs[0].Text != "Hello" {
		t.Fatalf("history[0] = %+v, want assistant Hello", msgs[0])
	}

	// A repeated done for the same text collapses rather than appending.
	feed(t, e,
		`{"type":"response.output_text.done","text":"Hello"}`,
	)
	if got := e.History().Len(); got != 1 {
		t.Fatalf("history has %d entries after duplicate done, want 1", got)
	}
}

func TestBenignCancelErrorSuppressed(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	feed(t, e, `{"type":"error","error":{"code":"response_cancel_not_active","message":"no active response"}}`)
	for _, ev := range drain(e) {
		if _, ok := ev.(ErrorEvent); ok {
			t.Fatal("benign cancel error surfaced to application")
		}
	}

	feed(t, e, `{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`)
	found := false
	for _, ev := range drain(e) {
		if errEv, ok := ev.(ErrorEvent); ok && errEv.Code == "rate_limited" {
			found = true
		}
	}
	if !found {
		t.Fatal("real server error not surfaced")
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	e, sender, _ := newTestEngine(t, Config{})
	feed(t, e, `{"type":"rate_limits.updated","rate_limits":[]}`)
	if len(sender.sent) != 0 {
		t.Fatalf("sent = %v", sender.types())
	}
	for _, ev := range drain(e) {
		if _, ok := ev.(ErrorEvent); ok {
			t.Fatal("unknown tag produced an error event")
		}
	}
}

func TestPlayGateDiscardsAudio(t *testing.T) {
	gate := false
	sender := &fakeSender{}
	sink := &fakeSink{}
	e, err := New(Config{Sender: sender, Sink: sink, PlayGate: func() bool { return gate }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	feed(t, e,
		`{"type":"response.created","response":{"id":"r1"}}`,
		`{"type":"response.output_audio.delta","delta":"QUFB"}`,
	)
	if len(sink.played) != 0 {
		t.Fatalf("played through closed gate: %v", sink.played)
	}
	gate = true
	feed(t, e, `{"type":"response.output_audio.delta","delta":"QkJC"}`)
	if len(sink.played) != 1 {
		t.Fatalf("played = %v, want one chunk", sink.played)
	}
}

func TestSendUserText(t *testing.T) {
	e, sender, _ := newTestEngine(t, Config{})
	if err := e.SendUserText("  what time is it?  "); err != nil {
		t.Fatalf("SendUserText: %v", err)
	}
	types := sender.types()
	if len(types) != 2 || types[0] != "conversation.item.create" || types[1] != "response.create" {
		t.Fatalf("sent = %v", types)
	}
	if err := e.SendUserText("   "); err == nil {
		t.Fatal("empty text accepted")
	}
	msgs := e.History().Messages()
	if len(msgs) != 1 || msgs[0].Text != "what time is it?" {
		t.Fatalf("history = %v", msgs)
	}
}

func TestInterruptOutsideActiveResponseIsNoop(t *testing.T) {
	e, sender, sink := newTestEngine(t, Config{})
	if err := e.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if len(sender.sent) != 0 || sink.cleared != 0 {
		t.Fatalf("idle Interrupt acted: sent=%v cleared=%d", sender.types(), sink.cleared)
	}
}

func TestNegotiateIncludesRegisteredTools(t *testing.T) {
	tools := NewToolRegistry()
	tools.Register(ToolDef{Name: "get_weather", Handler: func(context.Context, json.RawMessage) (any, error) { return nil, nil }})
	e, sender, _ := newTestEngine(t, Config{Tools: tools})

	if err := e.Negotiate(protocol.SessionConfig{Voice: "alloy"}); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	data, _ := json.Marshal(sender.sent[0])
	if !strings.Contains(string(data), "get_weather") {
		t.Fatalf("tools missing from session.update: %s", data)
	}
	if !strings.Contains(string(data), "pcm16") {
		t.Fatalf("formats not defaulted: %s", data)
	}
}

func TestEngineRequiresSender(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New accepted nil sender")
	}
}

func TestHistoryClear(t *testing.T) {
	var h History
	h.Add(RoleUser, "a")
	h.Add(RoleUser, "b")
	if h.Len() != 2 {
		t.Fatalf("Len = %d", h.Len())
	}
	h.Clear()
	if h.Len() != 0 {
		t.Fatalf("Len after Clear = %d", h.Len())
	}
}

func TestDecodeFailureSurfacesErrorEvent(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	feed(t, e, `{{`)
	found := false
	for _, ev := range drain(e) {
		if errEv, ok := ev.(ErrorEvent); ok && errEv.Code == "decode_error" {
			found = true
		}
	}
	if !found {
		t.Fatal("decode failure not surfaced")
	}
}
