// Package bridge owns one session's connection to the voice-AI backend and
// enforces its turn-taking discipline.
//
// All backend events flow through a single per-bridge control loop, so state
// transitions (barge-in, response supersede, commit debounce) are processed
// in a deterministic order. Caller audio enters via [Bridge.SendAudio] from
// the session's read loop; everything the session needs back is delivered
// through the [Sink] interface from the control loop goroutine.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/provider/moderation"
	"github.com/voxgate/voxgate/pkg/provider/realtime"
)

// Timeout reasons reported through [Sink.SessionTimeout].
const (
	ReasonMaxDuration = "max_duration"
	ReasonInactivity  = "inactivity"
)

// Defaults applied when the corresponding Config field is zero.
const (
	defaultMaxDuration   = 5 * time.Minute
	defaultInactivity    = 30 * time.Second
	defaultCommitDelay   = 300 * time.Millisecond
	defaultBargeInWindow = time.Second
	defaultTimeoutTick   = 5 * time.Second
)

// Sink receives everything the bridge produces for the owning session.
// Methods are called from the bridge's control loop and must not block for
// long; the session relays audio and events to the client transport.
type Sink interface {
	// BotAudio delivers one complete synthesized audio unit in the
	// backend's output format.
	BotAudio(audio []byte)
	// UserTranscript delivers a finalized, moderation-cleared caller
	// transcript.
	UserTranscript(text string)
	// BotTranscript delivers the text of a completed bot utterance.
	BotTranscript(text string)
	// UserSpeechStarted fires when the backend detects caller speech.
	UserSpeechStarted()
	// TurnComplete fires when a response finishes without interruption.
	TurnComplete()
	// SessionTimeout reports that a duration or inactivity ceiling was hit.
	SessionTimeout(reason string)
	// BridgeError reports a backend error. Fatal transport errors are
	// followed by the control loop exiting.
	BridgeError(err error)
}

// ToolFunc executes one named backend tool call. It returns a JSON-encoded
// result, or an error that the bridge translates into a structured error
// payload for the backend.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Config parameterizes a bridge.
type Config struct {
	// Session is the initial backend session configuration, including
	// instructions, audio formats, and tool definitions.
	Session realtime.SessionConfig

	// Moderation gates finalized caller transcripts. Nil disables the check.
	Moderation moderation.Checker

	// RejectionUtterance is spoken by the bot when moderation flags a
	// transcript.
	RejectionUtterance string

	// Tools maps tool names to their handlers.
	Tools map[string]ToolFunc

	MaxDuration       time.Duration
	InactivityTimeout time.Duration
	CommitDebounce    time.Duration
	BargeInWindow     time.Duration
	TimeoutTick       time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Moderation == nil {
		c.Moderation = moderation.Disabled
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = defaultMaxDuration
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivity
	}
	if c.CommitDebounce <= 0 {
		c.CommitDebounce = defaultCommitDelay
	}
	if c.BargeInWindow <= 0 {
		c.BargeInWindow = defaultBargeInWindow
	}
	if c.TimeoutTick <= 0 {
		c.TimeoutTick = defaultTimeoutTick
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Bridge manages one live backend session.
type Bridge struct {
	sess realtime.SessionHandle
	sink Sink
	cfg  Config
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu                sync.Mutex
	currentResponseID string
	shouldInterrupt   bool
	pending           []byte
	startedAt         time.Time
	lastActivity      time.Time
	lastSpeechAt      time.Time
	commitTimer       *time.Timer
	timedOut          bool
	closed            bool
}

// Connect opens the backend session and starts the control loop. It blocks
// until the backend has acknowledged the session configuration.
func Connect(ctx context.Context, provider realtime.Provider, cfg Config, sink Sink) (*Bridge, error) {
	cfg.applyDefaults()

	sess, err := provider.Connect(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("bridge: connect backend: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	b := &Bridge{
		sess:         sess,
		sink:         sink,
		cfg:          cfg,
		log:          cfg.Logger,
		ctx:          loopCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
		startedAt:    now,
		lastActivity: now,
	}
	go b.run()
	return b, nil
}

// SendAudio forwards one caller audio frame to the backend. If a response is
// mid-generation and the caller spoke within the barge-in window, the
// in-flight response is cancelled first.
func (b *Bridge) SendAudio(frame []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bridge: closed")
	}
	b.lastActivity = time.Now()
	cancelID := ""
	if b.currentResponseID != "" && time.Since(b.lastSpeechAt) < b.cfg.BargeInWindow {
		cancelID = b.bargeInLocked()
	}
	b.mu.Unlock()

	if cancelID != "" {
		if err := b.sess.CancelResponse(cancelID); err != nil {
			b.log.Warn("cancel response on barge-in failed", "response_id", cancelID, "err", err)
		}
	}
	return b.sess.SendAudio(frame)
}

// InjectUserText adds a caller-originated text item (e.g. a DTMF digit
// announcement) to the backend conversation.
func (b *Bridge) InjectUserText(text string) error {
	b.touch()
	return b.sess.CreateItem(realtime.ConversationItem{Role: "user", Text: text})
}

// UpdateInstructions pushes a new immutable instruction snapshot to the
// backend. Subsequent generations use the new instructions; the rest of the
// session configuration is unchanged.
func (b *Bridge) UpdateInstructions(instructions string) error {
	cfg := b.cfg.Session
	cfg.Instructions = instructions
	return b.sess.UpdateSession(cfg)
}

// RequestResponse asks the backend to start generating a turn now, without
// waiting for voice-activity detection. Used for the opening greeting.
func (b *Bridge) RequestResponse() error {
	return b.sess.CreateResponse()
}

// Disconnect tears the bridge down: stops timers, ends the control loop, and
// closes the backend session. Safe to call multiple times.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.commitTimer != nil {
		b.commitTimer.Stop()
		b.commitTimer = nil
	}
	b.currentResponseID = ""
	b.shouldInterrupt = false
	b.pending = nil
	b.mu.Unlock()

	b.cancel()
	b.sess.Close()
	<-b.done
}

// ── control loop ─────────────────────────────────────────────────────────

func (b *Bridge) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.TimeoutTick)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.checkTimeouts()
		case evt, ok := <-b.sess.Events():
			if !ok {
				if err := b.sess.Err(); err != nil && b.ctx.Err() == nil {
					b.sink.BridgeError(fmt.Errorf("bridge: backend session: %w", err))
				}
				return
			}
			b.handleEvent(evt)
		}
	}
}

func (b *Bridge) handleEvent(evt realtime.Event) {
	b.cfg.Metrics.RecordUpstreamEvent(b.ctx, string(evt.Type))

	switch evt.Type {
	case realtime.EventSpeechStarted:
		b.onSpeechStarted()
	case realtime.EventSpeechStopped:
		b.onSpeechStopped()
	case realtime.EventTranscriptDone:
		b.onTranscript(evt.Text)
	case realtime.EventResponseCreated:
		b.onResponseCreated(evt.ResponseID)
	case realtime.EventAudioDelta:
		b.onAudioDelta(evt)
	case realtime.EventAudioDone:
		b.onAudioDone(evt)
	case realtime.EventTextDone:
		b.onTextDone(evt)
	case realtime.EventResponseDone:
		b.onResponseDone(evt.ResponseID)
	case realtime.EventToolCall:
		b.onToolCall(evt.Tool)
	case realtime.EventError:
		// Error events are advisory: the common case is response.cancel
		// racing a response that just completed, which must not end the
		// call. Fatal transport failures close the Events channel instead
		// and are reported from the run loop.
		b.log.Warn("backend error event", "err", evt.Err)
	case realtime.EventSessionCreated, realtime.EventSessionUpdated,
		realtime.EventTextDelta:
		// Lifecycle acks and partials carry no state the bridge acts on.
	}
}

func (b *Bridge) onSpeechStarted() {
	b.mu.Lock()
	now := time.Now()
	b.lastActivity = now
	b.lastSpeechAt = now
	cancelID := ""
	if b.currentResponseID != "" {
		cancelID = b.bargeInLocked()
	}
	b.mu.Unlock()

	if cancelID != "" {
		if err := b.sess.CancelResponse(cancelID); err != nil {
			b.log.Warn("cancel response on speech start failed", "response_id", cancelID, "err", err)
		}
	}
	b.sink.UserSpeechStarted()
}

// bargeInLocked marks the in-flight response interrupted and clears it,
// returning the response id the caller must cancel upstream. b.mu held.
func (b *Bridge) bargeInLocked() string {
	id := b.currentResponseID
	b.currentResponseID = ""
	b.shouldInterrupt = true
	b.pending = nil
	if b.commitTimer != nil {
		b.commitTimer.Stop()
		b.commitTimer = nil
	}
	b.log.Debug("barge-in", "cancelled_response_id", id)
	return id
}

func (b *Bridge) onSpeechStopped() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastActivity = time.Now()
	// Additional stop events reschedule the commit rather than stacking.
	if b.commitTimer != nil {
		b.commitTimer.Stop()
	}
	b.commitTimer = time.AfterFunc(b.cfg.CommitDebounce, b.commitInput)
}

// commitInput flushes the buffered caller audio as one turn, unless a
// response is already generating or an interruption is still pending.
func (b *Bridge) commitInput() {
	b.mu.Lock()
	skip := b.closed || b.currentResponseID != "" || b.shouldInterrupt
	b.mu.Unlock()
	if skip {
		return
	}
	if err := b.sess.CommitInput(); err != nil {
		b.log.Warn("commit input failed", "err", err)
	}
}

func (b *Bridge) onTranscript(text string) {
	b.touch()
	if text == "" {
		return
	}

	flagged, err := b.cfg.Moderation.Check(b.ctx, text)
	if err != nil {
		// Moderation outages never block the call.
		b.log.Warn("moderation check failed, passing transcript through", "err", err)
		b.cfg.Metrics.RecordModerationCheck(b.ctx, "error")
		b.sink.UserTranscript(text)
		return
	}
	if !flagged {
		b.cfg.Metrics.RecordModerationCheck(b.ctx, "clear")
		b.sink.UserTranscript(text)
		return
	}

	b.cfg.Metrics.RecordModerationCheck(b.ctx, "flagged")
	b.log.Info("transcript flagged by moderation, injecting rejection")
	b.mu.Lock()
	cancelID := ""
	if b.currentResponseID != "" {
		cancelID = b.bargeInLocked()
	}
	b.mu.Unlock()
	if cancelID != "" {
		if err := b.sess.CancelResponse(cancelID); err != nil {
			b.log.Warn("cancel response after moderation flag failed", "err", err)
		}
	}
	// Drop any uncommitted remnants of the flagged utterance so they cannot
	// roll into the next committed turn.
	if err := b.sess.ClearInput(); err != nil {
		b.log.Warn("clear input after moderation flag failed", "err", err)
	}
	if err := b.sess.CreateItem(realtime.ConversationItem{Role: "assistant", Text: b.cfg.RejectionUtterance}); err != nil {
		b.log.Warn("inject rejection item failed", "err", err)
		return
	}
	if err := b.sess.CreateResponse(); err != nil {
		b.log.Warn("request rejection response failed", "err", err)
	}
}

func (b *Bridge) onResponseCreated(id string) {
	b.mu.Lock()
	if b.currentResponseID != "" {
		// The backend must not start a second response; supersede the old
		// one rather than tracking two.
		b.log.Warn("response started while one was current, superseding",
			"old", b.currentResponseID, "new", id)
	}
	b.currentResponseID = id
	b.pending = b.pending[:0]
	b.shouldInterrupt = false
	b.lastActivity = time.Now()
	b.mu.Unlock()
}

func (b *Bridge) onAudioDelta(evt realtime.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastActivity = time.Now()
	if b.shouldInterrupt {
		return
	}
	if evt.ResponseID != "" && evt.ResponseID != b.currentResponseID {
		// Trailing delta from a cancelled or superseded response.
		return
	}
	b.pending = append(b.pending, evt.Audio...)
}

func (b *Bridge) onAudioDone(evt realtime.Event) {
	b.mu.Lock()
	if b.shouldInterrupt || (evt.ResponseID != "" && evt.ResponseID != b.currentResponseID) || len(b.pending) == 0 {
		b.pending = b.pending[:0]
		b.mu.Unlock()
		return
	}
	out := make([]byte, len(b.pending))
	copy(out, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	b.sink.BotAudio(out)
}

func (b *Bridge) onTextDone(evt realtime.Event) {
	b.mu.Lock()
	interrupted := b.shouldInterrupt
	b.mu.Unlock()
	if interrupted || evt.Text == "" {
		return
	}
	b.sink.BotTranscript(evt.Text)
}

func (b *Bridge) onResponseDone(id string) {
	b.mu.Lock()
	interrupted := b.shouldInterrupt
	if id == "" || id == b.currentResponseID {
		b.currentResponseID = ""
	}
	b.lastActivity = time.Now()
	b.mu.Unlock()

	if !interrupted {
		b.sink.TurnComplete()
	}
}

func (b *Bridge) onToolCall(call realtime.ToolCall) {
	b.touch()

	fn, ok := b.cfg.Tools[call.Name]
	var output, status string
	if !ok {
		output = toolError(fmt.Sprintf("unknown tool %q", call.Name))
		status = "unknown"
	} else if result, err := fn(b.ctx, json.RawMessage(call.Arguments)); err != nil {
		// Malformed or failed calls answer with a structured error payload;
		// the conversation keeps going.
		b.log.Warn("tool call failed", "tool", call.Name, "err", err)
		output = toolError(err.Error())
		status = "error"
	} else {
		output = result
		status = "ok"
	}
	b.cfg.Metrics.RecordToolCall(b.ctx, call.Name, status)

	if err := b.sess.SubmitToolResult(call.CallID, output); err != nil {
		b.log.Warn("submit tool result failed", "tool", call.Name, "err", err)
	}
}

func toolError(msg string) string {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return string(payload)
}

func (b *Bridge) checkTimeouts() {
	b.mu.Lock()
	if b.timedOut || b.closed {
		b.mu.Unlock()
		return
	}
	now := time.Now()
	reason := ""
	switch {
	case now.Sub(b.startedAt) > b.cfg.MaxDuration:
		reason = ReasonMaxDuration
	case now.Sub(b.lastActivity) > b.cfg.InactivityTimeout:
		reason = ReasonInactivity
	}
	if reason != "" {
		b.timedOut = true
	}
	b.mu.Unlock()

	if reason != "" {
		b.log.Info("session timeout", "reason", reason)
		b.sink.SessionTimeout(reason)
	}
}

func (b *Bridge) touch() {
	b.mu.Lock()
	b.lastActivity = time.Now()
	b.mu.Unlock()
}
