// Package realtime defines the Provider interface for realtime
// speech-to-speech voice backends.
//
// A realtime provider wraps a voice-AI service that accepts streamed caller
// audio and produces synthesised speech, transcripts, and tool calls over a
// single stateful connection. Backend notifications are surfaced as a closed
// set of [Event] values on one ordered channel rather than as registered
// callbacks, so a per-call control loop can consume them with auditable
// ordering guarantees.
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// EventType enumerates the backend notifications a session can emit.
type EventType string

const (
	// EventSessionCreated is emitted once the backend has acknowledged the
	// session negotiation. No audio should be sent before it arrives.
	EventSessionCreated EventType = "session.created"

	// EventSessionUpdated acknowledges a mid-session configuration push.
	EventSessionUpdated EventType = "session.updated"

	// EventSpeechStarted reports that backend voice-activity detection has
	// demarcated the start of caller speech.
	EventSpeechStarted EventType = "speech.started"

	// EventSpeechStopped reports the end of caller speech.
	EventSpeechStopped EventType = "speech.stopped"

	// EventTranscriptDone carries a finalised transcript of caller speech
	// in the Text field.
	EventTranscriptDone EventType = "transcript.done"

	// EventResponseCreated reports that the backend has started generating a
	// response. ResponseID identifies the generation.
	EventResponseCreated EventType = "response.created"

	// EventAudioDelta carries a chunk of synthesised response audio in the
	// Audio field.
	EventAudioDelta EventType = "response.audio.delta"

	// EventAudioDone reports that all audio for the current response has
	// been delivered.
	EventAudioDone EventType = "response.audio.done"

	// EventTextDelta carries a chunk of the response transcript in Text.
	EventTextDelta EventType = "response.text.delta"

	// EventTextDone carries the complete response transcript in Text.
	EventTextDone EventType = "response.text.done"

	// EventResponseDone reports that the response identified by ResponseID
	// has finished (completed, cancelled, or failed).
	EventResponseDone EventType = "response.done"

	// EventToolCall reports a structured function call issued by the model.
	// The Tool field carries name, call id and JSON-encoded arguments.
	EventToolCall EventType = "tool.call"

	// EventError reports a non-fatal backend error in Err. Fatal transport
	// errors close the Events channel instead; check SessionHandle.Err.
	EventError EventType = "error"
)

// ToolCall is a structured function invocation issued by the model.
type ToolCall struct {
	// CallID correlates the eventual result with this invocation.
	CallID string

	// Name is the registered tool name.
	Name string

	// Arguments is the JSON-encoded argument object as produced by the model.
	Arguments string
}

// Event is one backend notification. Only the fields meaningful to Type are
// populated.
type Event struct {
	Type       EventType
	ResponseID string
	Audio      []byte
	Text       string
	Tool       ToolCall
	Err        error
}

// ToolDefinition describes one function the model may invoke.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// TurnDetection holds backend voice-activity-detection tuning.
type TurnDetection struct {
	// Threshold is the activation threshold in [0,1]. Zero means provider
	// default.
	Threshold float64

	// PrefixPaddingMs is audio included before detected speech onset.
	PrefixPaddingMs int

	// SilenceDurationMs is the trailing silence that ends a turn.
	SilenceDurationMs int
}

// SessionConfig is the negotiation payload for a new backend session. It is
// treated as an immutable snapshot: mode transitions build a fresh value and
// push it atomically with UpdateSession.
type SessionConfig struct {
	// Instructions is the active system prompt.
	Instructions string

	// Voice selects the synthesised voice.
	Voice string

	// InputFormat and OutputFormat name the audio encodings exchanged with
	// the backend (e.g. "pcm16", "g711_ulaw").
	InputFormat  string
	OutputFormat string

	// TranscriptionModel selects the input-transcription model, if any.
	TranscriptionModel string

	// Temperature is the sampling temperature. Zero means provider default.
	Temperature float64

	// TurnDetection tunes the backend VAD.
	TurnDetection TurnDetection

	// Tools is the set of functions offered to the model.
	Tools []ToolDefinition
}

// ConversationItem is a text item injected into the backend conversation.
type ConversationItem struct {
	// Role is "user", "assistant", or "system".
	Role string

	// Text is the item content.
	Text string
}

// SessionHandle is one open backend session.
//
// Command methods must return quickly; they may perform a single network
// write but never wait for a backend reply. Notifications arrive on the
// Events channel in backend order. Consumers must drain Events promptly so
// the receive loop is never stalled. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio appends one caller audio chunk to the backend input buffer.
	SendAudio(chunk []byte) error

	// CommitInput finalises the buffered caller audio as a completed turn.
	CommitInput() error

	// ClearInput discards any buffered, uncommitted caller audio.
	ClearInput() error

	// CreateResponse asks the backend to begin generating a response.
	CreateResponse() error

	// CancelResponse cancels the in-flight response identified by id.
	CancelResponse(id string) error

	// CreateItem appends a conversation item out-of-band of the audio stream.
	CreateItem(item ConversationItem) error

	// SubmitToolResult returns a tool invocation result to the backend and
	// requests that generation continue.
	SubmitToolResult(callID, output string) error

	// UpdateSession pushes a new configuration snapshot mid-session.
	UpdateSession(cfg SessionConfig) error

	// Events returns the ordered notification stream. The channel is closed
	// when the session ends; check Err afterwards for the cause.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil after a
	// clean close.
	Err() error

	// Close terminates the session and closes the Events channel.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider dials new backend sessions.
//
// Connect must not return until the backend has acknowledged the session
// negotiation, so callers may stream audio immediately afterwards.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
