// Package protocol defines the wire envelopes of the realtime voice
// session: typed outbound client events and a decoder for inbound server
// events. Every frame is a JSON object whose "type" field selects the shape.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Audio encodings carried in session format fields.
const (
	AudioFormatPCM16 = "pcm16"
)

// DecodeError describes a frame that could not be decoded into a known
// server event.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// NewEventID produces a client event identifier.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}

// --- Outbound (client -> server) ---

// Tool declares a callable function to the model.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// SessionConfig is the negotiable session shape sent in session.update.
type SessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Tools                   []Tool         `json:"tools,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
}

// Transcription selects the input transcription model.
type Transcription struct {
	Model string `json:"model"`
}

// SessionUpdate pushes session configuration to the server.
type SessionUpdate struct {
	EventID string        `json:"event_id,omitempty"`
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// NewSessionUpdate builds a session.update event.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{EventID: NewEventID(), Type: "session.update", Session: cfg}
}

// InputAudioBufferAppend streams a base64 PCM chunk to the server.
type InputAudioBufferAppend struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

// NewInputAudioBufferAppend builds an input_audio_buffer.append event.
func NewInputAudioBufferAppend(base64Audio string) InputAudioBufferAppend {
	return InputAudioBufferAppend{EventID: NewEventID(), Type: "input_audio_buffer.append", Audio: base64Audio}
}

// ResponseCancel asks the server to stop the in-flight response.
type ResponseCancel struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

// NewResponseCancel builds a response.cancel event.
func NewResponseCancel() ResponseCancel {
	return ResponseCancel{EventID: NewEventID(), Type: "response.cancel"}
}

// ConversationItem is an item injected into server conversation history.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
	Content []ItemContent `json:"content,omitempty"`
}

// ItemContent is one content part of a conversation item.
type ItemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ConversationItemCreate injects an item into the conversation.
type ConversationItemCreate struct {
	EventID string           `json:"event_id,omitempty"`
	Type    string           `json:"type"`
	Item    ConversationItem `json:"item"`
}

// NewUserTextItem builds a conversation.item.create carrying user text.
func NewUserTextItem(text string) ConversationItemCreate {
	return ConversationItemCreate{
		EventID: NewEventID(),
		Type:    "conversation.item.create",
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ItemContent{{Type: "input_text", Text: text}},
		},
	}
}

// NewFunctionCallOutputItem builds a conversation.item.create carrying a
// tool result for the given call.
func NewFunctionCallOutputItem(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		EventID: NewEventID(),
		Type:    "conversation.item.create",
		Item: ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// ResponseCreate asks the server to generate a response now.
type ResponseCreate struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

// NewResponseCreate builds a response.create event.
func NewResponseCreate() ResponseCreate {
	return ResponseCreate{EventID: NewEventID(), Type: "response.create"}
}

// --- Inbound (server -> client) ---

// ServerEvent is implemented by every decoded server event.
type ServerEvent interface {
	ServerEventType() string
}

// SessionCreated confirms session establishment.
type SessionCreated struct {
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Session SessionSnapshot `json:"session"`
}

// SessionUpdated confirms a session.update took effect.
type SessionUpdated struct {
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Session SessionSnapshot `json:"session"`
}

// SessionSnapshot is the server's view of the session.
type SessionSnapshot struct {
	ID                string   `json:"id,omitempty"`
	Model             string   `json:"model,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	Modalities        []string `json:"modalities,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format,omitempty"`
	OutputAudioFormat string   `json:"output_audio_format,omitempty"`
}

// ResponseCreated marks the start of a model response.
type ResponseCreated struct {
	EventID  string       `json:"event_id"`
	Type     string       `json:"type"`
	Response ResponseMeta `json:"response"`
}

// ResponseDone marks the end of a model response, completed or cancelled.
type ResponseDone struct {
	EventID  string       `json:"event_id"`
	Type     string       `json:"type"`
	Response ResponseMeta `json:"response"`
}

// ResponseMeta carries response identity and terminal status.
type ResponseMeta struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
}

// TextDelta carries an incremental assistant text fragment.
type TextDelta struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta"`
}

// TextDone carries the final assistant text of a response.
type TextDone struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Text       string `json:"text"`
}

// AudioDelta carries a base64 PCM16 audio fragment.
type AudioDelta struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta"`
}

// AudioDone marks the end of response audio.
type AudioDone struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

// AudioTranscriptDone carries the transcript of the spoken response.
type AudioTranscriptDone struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Transcript string `json:"transcript"`
}

// SpeechStarted signals server-side VAD detected the user speaking.
type SpeechStarted struct {
	EventID      string `json:"event_id"`
	Type         string `json:"type"`
	AudioStartMS int64  `json:"audio_start_ms,omitempty"`
}

// SpeechStopped signals server-side VAD detected end of user speech.
type SpeechStopped struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	AudioEndMS int64  `json:"audio_end_ms,omitempty"`
}

// InputTranscriptionCompleted carries the transcript of user speech.
type InputTranscriptionCompleted struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript"`
}

// FunctionCallArgumentsDelta streams partial tool-call arguments.
type FunctionCallArgumentsDelta struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Delta   string `json:"delta"`
}

// FunctionCallArgumentsDone carries a complete tool call.
type FunctionCallArgumentsDone struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ServerError is a protocol-level error reported by the server.
type ServerError struct {
	EventID string      `json:"event_id"`
	Type    string      `json:"type"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail describes a server-reported failure.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// UnknownEvent preserves frames with an unrecognized type tag. Forward
// compatibility: unknown tags are surfaced, never treated as errors.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e SessionCreated) ServerEventType() string { return e.Type }

func (e SessionUpdated) ServerEventType() string { return e.Type }

func (e ResponseCreated) ServerEventType() string { return e.Type }

func (e ResponseDone) ServerEventType() string { return e.Type }

func (e TextDelta) ServerEventType() string { return e.Type }

func (e TextDone) ServerEventType() string { return e.Type }

func (e AudioDelta) ServerEventType() string { return e.Type }

func (e AudioDone) ServerEventType() string { return e.Type }

func (e AudioTranscriptDone) ServerEventType() string { return e.Type }

func (e SpeechStarted) ServerEventType() string { return e.Type }

func (e SpeechStopped) ServerEventType() string { return e.Type }

func (e InputTranscriptionCompleted) ServerEventType() string { return e.Type }

func (e FunctionCallArgumentsDelta) ServerEventType() string { return e.Type }

func (e FunctionCallArgumentsDone) ServerEventType() string { return e.Type }

func (e ServerError) ServerEventType() string { return e.Type }

func (e UnknownEvent) ServerEventType() string { return e.Type }

// DecodeServerMessage decodes a server frame into a typed event. Frames with
// an unrecognized type decode to UnknownEvent; malformed frames return a
// *DecodeError.
func DecodeServerMessage(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case "session.created":
		var msg SessionCreated
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid session.created", "")
		}
		return msg, nil
	case "session.updated":
		var msg SessionUpdated
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid session.updated", "")
		}
		return msg, nil
	case "response.created":
		var msg ResponseCreated
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.created", "")
		}
		return msg, nil
	case "response.done":
		var msg ResponseDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.done", "")
		}
		return msg, nil
	case "response.output_text.delta":
		var msg TextDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.output_text.delta", "")
		}
		return msg, nil
	case "response.output_text.done":
		var msg TextDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.output_text.done", "")
		}
		return msg, nil
	case "response.output_audio.delta":
		var msg AudioDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.output_audio.delta", "")
		}
		if strings.TrimSpace(msg.Delta) == "" {
			return nil, badFrame("response.output_audio.delta.delta is required", "delta")
		}
		return msg, nil
	case "response.output_audio.done":
		var msg AudioDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.output_audio.done", "")
		}
		return msg, nil
	case "response.output_audio_transcript.done":
		var msg AudioTranscriptDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response.output_audio_transcript.done", "")
		}
		return msg, nil
	case "input_audio_buffer.speech_started":
		var msg SpeechStarted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid input_audio_buffer.speech_started", "")
		}
		return msg, nil
	case "input_audio_buffer.speech_stopped":
		var msg SpeechStopped
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid input_audio_buffer.speech_stopped", "")
		}
		return msg, nil
	case "conversation.item.input_audio_transcription.completed":
		var msg InputTranscriptionCompleted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid input_audio_transcription.completed", "")
		}
		return msg, nil
	case "response.function_call_arguments.delta":
		var msg FunctionCallArgumentsDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid function_call_arguments.delta", "")
		}
		return msg, nil
	case "response.function_call_arguments.done":
		var msg FunctionCallArgumentsDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid function_call_arguments.done", "")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badFrame("function_call_arguments.done.name is required", "name")
		}
		return msg, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownEvent{Type: typ, Raw: raw}, nil
	}
}
