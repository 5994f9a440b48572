package engine

// Event is a conversation-level notification for the application.
type Event interface {
	EventType() string
}

// SessionReadyEvent fires when the server confirms the session.
type SessionReadyEvent struct {
	SessionID string
	Updated   bool // true for session.updated, false for session.created
}

// ResponseStartedEvent fires when the model begins a response.
type ResponseStartedEvent struct {
	ResponseID string
}

// ResponseDoneEvent fires when a response finishes, completed or cancelled.
type ResponseDoneEvent struct {
	ResponseID string
	Status     string
}

// TextDeltaEvent carries an incremental assistant text fragment.
type TextDeltaEvent struct {
	Delta string
}

// TextDoneEvent carries the complete assistant text of a response.
type TextDoneEvent struct {
	Text string
}

// UserTranscriptEvent carries the transcript of what the user said.
type UserTranscriptEvent struct {
	Transcript string
}

// AssistantTranscriptEvent carries the transcript of what was spoken.
type AssistantTranscriptEvent struct {
	Transcript string
}

// SpeechStartedEvent fires when server VAD detects the user speaking.
// Interrupted is true when an active response was cancelled because of it.
type SpeechStartedEvent struct {
	Interrupted bool
}

// SpeechStoppedEvent fires when server VAD detects end of user speech.
type SpeechStoppedEvent struct{}

// ToolCalledEvent fires after a tool invocation completed locally.
type ToolCalledEvent struct {
	Name   string
	CallID string
	Failed bool
}

// ErrorEvent surfaces a server-reported or protocol-level failure.
type ErrorEvent struct {
	Code    string
	Message string
}

func (SessionReadyEvent) EventType() string { return "session_ready" }

func (ResponseStartedEvent) EventType() string { return "response_started" }

func (ResponseDoneEvent) EventType() string { return "response_done" }

func (TextDeltaEvent) EventType() string { return "text_delta" }

func (TextDoneEvent) EventType() string { return "text_done" }

func (UserTranscriptEvent) EventType() string { return "user_transcript" }

func (AssistantTranscriptEvent) EventType() string { return "assistant_transcript" }

func (SpeechStartedEvent) EventType() string { return "speech_started" }

func (SpeechStoppedEvent) EventType() string { return "speech_stopped" }

func (ToolCalledEvent) EventType() string { return "tool_called" }

func (ErrorEvent) EventType() string { return "error" }
