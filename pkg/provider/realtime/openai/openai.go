// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It holds a bidirectional WebSocket connection to the Realtime endpoint and
// translates the wire protocol into the closed realtime.Event taxonomy: audio
// arrives as base64-encoded chunks, tool calls as function_call_arguments
// events, and turn boundaries as input_audio_buffer speech events. Commands
// (append/commit/clear audio, response create/cancel, conversation items,
// session updates) map one-to-one onto client events.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var (
	_ realtime.Provider      = (*Provider)(nil)
	_ realtime.SessionHandle = (*session)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// handshakeTimeout bounds the wait for the backend's session.created
	// acknowledgement after dialing.
	handshakeTimeout = 10 * time.Second

	// eventBuf is the buffer depth of the session's Events channel.
	eventBuf = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Realtime model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Realtime endpoint, pushes the initial session
// configuration, and blocks until the backend acknowledges with
// session.created (or ctx/handshake timeout expires). The returned handle is
// ready for audio immediately.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.Event, eventBuf),
		ready:  make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	go sess.receiveLoop()

	if err := sess.UpdateSession(cfg); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	// The session is not usable until the backend acknowledges creation.
	select {
	case <-sess.ready:
	case <-ctx.Done():
		_ = sess.Close()
		return nil, fmt.Errorf("openai: handshake: %w", ctx.Err())
	case <-time.After(handshakeTimeout):
		_ = sess.Close()
		return nil, fmt.Errorf("openai: handshake: no session.created within %s", handshakeTimeout)
	case <-sessCtx.Done():
		return nil, fmt.Errorf("openai: handshake: connection closed: %w", sess.Err())
	}

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities         []string             `json:"modalities"`
	Voice              string               `json:"voice,omitempty"`
	Instructions       string               `json:"instructions,omitempty"`
	InputAudioFormat   string               `json:"input_audio_format"`
	OutputAudioFormat  string               `json:"output_audio_format"`
	InputTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection      *turnDetectionParams `json:"turn_detection,omitempty"`
	Temperature        float64              `json:"temperature,omitempty"`
	Tools              []oaiTool            `json:"tools,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded
}

type cancelResponseMessage struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in a Realtime error event.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverResponseRef struct {
	ID string `json:"id"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.created / response.done carry a nested response object;
	// delta events reference the response by id directly.
	Response   *serverResponseRef `json:"response,omitempty"`
	ResponseID string             `json:"response_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event

	// ready is closed by receiveLoop when session.created arrives.
	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads wire events, translates them to realtime.Event values,
// and delivers them in arrival order. It owns the events channel and closes
// it on exit.
func (s *session) receiveLoop() {
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.dispatch(&evt)
	}
}

// dispatch translates one wire event. Unknown event types are ignored so the
// provider stays compatible with protocol additions.
func (s *session) dispatch(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		s.readyOnce.Do(func() { close(s.ready) })
		s.emit(realtime.Event{Type: realtime.EventSessionCreated})

	case "session.updated":
		s.emit(realtime.Event{Type: realtime.EventSessionUpdated})

	case "input_audio_buffer.speech_started":
		s.emit(realtime.Event{Type: realtime.EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emit(realtime.Event{Type: realtime.EventSpeechStopped})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: evt.Transcript})

	case "response.created":
		s.emit(realtime.Event{Type: realtime.EventResponseCreated, ResponseID: responseID(evt)})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventAudioDelta, ResponseID: responseID(evt), Audio: audio})

	case "response.audio.done":
		s.emit(realtime.Event{Type: realtime.EventAudioDone, ResponseID: responseID(evt)})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventTextDelta, ResponseID: responseID(evt), Text: evt.Delta})

	case "response.audio_transcript.done":
		s.emit(realtime.Event{Type: realtime.EventTextDone, ResponseID: responseID(evt), Text: evt.Transcript})

	case "response.done":
		s.emit(realtime.Event{Type: realtime.EventResponseDone, ResponseID: responseID(evt)})

	case "response.function_call_arguments.done":
		s.emit(realtime.Event{
			Type: realtime.EventToolCall,
			Tool: realtime.ToolCall{
				CallID:    evt.CallID,
				Name:      evt.Name,
				Arguments: evt.Arguments,
			},
		})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(realtime.Event{Type: realtime.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

// responseID extracts the response identifier from whichever field the event
// carries it in.
func responseID(evt *serverEvent) string {
	if evt.ResponseID != "" {
		return evt.ResponseID
	}
	if evt.Response != nil {
		return evt.Response.ID
	}
	return ""
}

func (s *session) emit(evt realtime.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// toOAITools converts realtime tool definitions to the wire format.
func toOAITools(tools []realtime.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends a raw audio chunk to the backend input buffer.
func (s *session) SendAudio(chunk []byte) error {
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CommitInput finalises the buffered caller audio as a completed turn.
func (s *session) CommitInput() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

// ClearInput discards any buffered, uncommitted caller audio.
func (s *session) ClearInput() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// CreateResponse asks the backend to begin generating a response.
func (s *session) CreateResponse() error {
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// CancelResponse cancels the in-flight response identified by id.
func (s *session) CancelResponse(id string) error {
	return s.writeJSON(cancelResponseMessage{Type: "response.cancel", ResponseID: id})
}

// CreateItem appends a conversation item out-of-band of the audio stream.
// Unknown roles are coerced to "user"; assistant items use the "text" content
// part type, everything else "input_text".
func (s *session) CreateItem(item realtime.ConversationItem) error {
	role := item.Role
	switch role {
	case "assistant", "system":
	default:
		role = "user"
	}

	partType := "input_text"
	if role == "assistant" {
		partType = "text"
	}

	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    role,
			Content: []conversationPart{{Type: partType, Text: item.Text}},
		},
	})
}

// SubmitToolResult returns a function_call_output item and requests that
// generation continue, keeping the conversation loop alive after a tool call.
func (s *session) SubmitToolResult(callID, output string) error {
	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return s.CreateResponse()
}

// UpdateSession pushes a configuration snapshot as a session.update event.
func (s *session) UpdateSession(cfg realtime.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  cfg.InputFormat,
		OutputAudioFormat: cfg.OutputFormat,
		Temperature:       cfg.Temperature,
	}
	if params.InputAudioFormat == "" {
		params.InputAudioFormat = "pcm16"
	}
	if params.OutputAudioFormat == "" {
		params.OutputAudioFormat = "pcm16"
	}
	if cfg.TranscriptionModel != "" {
		params.InputTranscription = &transcriptionParams{Model: cfg.TranscriptionModel}
	}
	if cfg.TurnDetection != (realtime.TurnDetection{}) {
		params.TurnDetection = &turnDetectionParams{
			Type:              "server_vad",
			Threshold:         cfg.TurnDetection.Threshold,
			PrefixPaddingMs:   cfg.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: cfg.TurnDetection.SilenceDurationMs,
		}
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// Events returns the ordered backend notification stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the error that terminated the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases the connection. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
