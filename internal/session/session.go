// Package session owns one client connection's lifecycle: open/close
// handshake, inbound message dispatch, audio relay in both directions, and
// idle/error disconnects.
//
// A Session is bound to the transport at upgrade time and moves through
// Connecting → Open → Active → Closing → Closed. Control messages are
// processed in arrival order on the session's read loop; backend events
// arrive through the [bridge.Sink] methods the Session implements.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/internal/dialog"
	"github.com/voxgate/voxgate/internal/gateway/auth"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/protocol"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/audio/ulaw"
	"github.com/voxgate/voxgate/pkg/provider/moderation"
	"github.com/voxgate/voxgate/pkg/provider/realtime"
)

// State is the session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Telephony-side audio parameters: 8 kHz mono μ-law, one byte per sample.
const (
	telephonyRate   = 8000
	telephonyFormat = "PCMU"
)

// backendPCMRate is the sample rate the backend expects for pcm16 audio.
const backendPCMRate = 24000

// openTimeout bounds how long an upgraded transport may stay silent before
// sending open. Post-open idleness is policed by the bridge inactivity timer.
const openTimeout = 30 * time.Second

// Disconnect error codes carried in error-typed messages.
const (
	errCodeNoSession = 410
	errCodeServer    = 500
)

// Transport abstracts the client WebSocket for the session. Implementations
// wrap a live connection; tests provide fakes.
type Transport interface {
	// Read returns the next frame. binary is true for raw audio frames and
	// false for JSON control frames.
	Read(ctx context.Context) (binary bool, data []byte, err error)

	// WriteText sends one JSON control frame.
	WriteText(ctx context.Context, data []byte) error

	// WriteBinary sends one raw audio frame.
	WriteBinary(ctx context.Context, data []byte) error

	// Close closes the transport. Safe to call more than once.
	Close() error
}

// Config parameterizes a Session.
type Config struct {
	// Identity is the verified caller identity from the upgrade request.
	Identity auth.Identity

	// Provider dials the voice-AI backend.
	Provider realtime.Provider

	// Backend is the base backend session configuration (voice, formats,
	// temperature, VAD). Instructions and tools are filled in per session.
	Backend realtime.SessionConfig

	// Instructions holds the per-mode instruction text and task catalog.
	Instructions dialog.InstructionSet

	// Moderation gates caller transcripts. Nil disables the check.
	Moderation moderation.Checker

	// RejectionUtterance is spoken when moderation flags a transcript.
	RejectionUtterance string

	// FallbackAudio is a μ-law apology prompt sent when the backend is
	// unreachable. Empty skips the prompt.
	FallbackAudio []byte

	// Timing knobs; zero values use the bridge defaults.
	MaxDuration       time.Duration
	InactivityTimeout time.Duration
	CommitDebounce    time.Duration
	BargeInWindow     time.Duration
	HandoverGrace     time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Session is one live client connection.
type Session struct {
	id        string
	cfg       Config
	transport Transport
	framer    *protocol.Framer
	log       *slog.Logger
	metrics   *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu       sync.Mutex
	bridge   *bridge.Bridge
	router   *dialog.Router
	openedAt time.Time

	// audioOut counts μ-law bytes relayed to the client; at 8 kHz one byte
	// is 125 μs, so position in seconds is audioOut / 8000.
	audioOut atomic.Int64

	// botSpeaking is set while a bot audio unit is being relayed and
	// cleared on turn completion; it gates the discarded notification.
	botSpeaking atomic.Bool

	writeMu     sync.Mutex
	cleanupOnce sync.Once
	done        chan struct{}
}

// Interface assertion: the session is the bridge's event sink.
var _ bridge.Sink = (*Session)(nil)

// New binds a Session to an upgraded transport. The session starts in
// Connecting and processes nothing until Run is called.
func New(transport Transport, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        cfg.Identity.SessionID,
		cfg:       cfg,
		transport: transport,
		framer:    protocol.NewFramer(),
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session identifier. Before open it is the identifier from
// the upgrade headers; open may replace it.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run processes inbound frames until the transport closes or the session
// ends. It always runs cleanup before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.cleanup()

	openTimer := time.AfterFunc(openTimeout, func() {
		if s.State() == StateConnecting {
			s.log.Info("no open within handshake window, disconnecting")
			s.sendError(errCodeServer, "Open handshake timed out")
			go s.cleanup()
		}
	})
	defer openTimer.Stop()

	for {
		binary, data, err := s.transport.Read(ctx)
		if err != nil {
			if s.State() < StateClosing {
				s.log.Debug("transport read ended", "err", err)
			}
			return
		}

		if binary {
			if !s.handleAudio(data) {
				return
			}
			continue
		}
		if !s.handleControl(data) {
			return
		}
	}
}

// handleAudio relays one caller audio frame. Returns false when the session
// must end.
func (s *Session) handleAudio(frame []byte) bool {
	switch s.State() {
	case StateOpen, StateActive:
	case StateClosing, StateClosed:
		return false
	default:
		// Audio before open: the transport has no live session to dispatch
		// to, so answer with exactly one error disconnect.
		s.rejectNoSession()
		return false
	}

	s.mu.Lock()
	br := s.bridge
	s.mu.Unlock()
	if br == nil {
		return true
	}

	converted := s.inboundAudio(frame)
	if err := br.SendAudio(converted); err != nil {
		s.log.Warn("forward caller audio failed", "err", err)
	}
	return true
}

// handleControl dispatches one JSON control frame. Returns false when the
// session must end.
func (s *Session) handleControl(data []byte) bool {
	msg, err := s.framer.Decode(data)
	if err != nil {
		s.log.Warn("invalid control frame", "err", err)
		s.sendError(errCodeServer, "Invalid message")
		return false
	}

	// Pings are answered immediately in every state except Closed.
	if msg.Type == protocol.TypePing {
		if s.State() == StateClosed {
			return false
		}
		s.send(protocol.TypePong, nil)
		return true
	}

	switch s.State() {
	case StateConnecting:
		if msg.Type == protocol.TypeOpen {
			return s.handleOpen(msg)
		}
		if msg.Type == protocol.TypeClose {
			s.send(protocol.TypeClosed, nil)
			return false
		}
		s.rejectNoSession()
		return false

	case StateOpen, StateActive:
		switch msg.Type {
		case protocol.TypeClose:
			return s.handleClose(msg)
		case protocol.TypeDTMF:
			s.handleDTMF(msg)
			return true
		case protocol.TypeOpen:
			s.sendError(errCodeServer, "Session already open")
			return false
		default:
			s.log.Warn("unexpected control message", "type", string(msg.Type), "state", s.State().String())
			return true
		}

	default:
		return false
	}
}

func (s *Session) handleOpen(msg protocol.Message) bool {
	params, err := protocol.DecodeParams[protocol.OpenParams](msg)
	if err != nil {
		s.sendError(errCodeServer, "Invalid open parameters")
		return false
	}

	s.mu.Lock()
	if msg.ID != "" {
		s.id = msg.ID
	} else if s.id == "" {
		s.id = uuid.NewString()
	}
	if params.ConversationID != "" {
		s.log = s.log.With("conversation_id", params.ConversationID)
	}
	s.openedAt = time.Now()
	s.mu.Unlock()

	s.state.Store(int32(StateOpen))
	s.send(protocol.TypeOpened, protocol.OpenedParams{
		Media: protocol.MediaFormat{Format: telephonyFormat, Rate: telephonyRate, Channels: 1},
	})

	// The backend conversation starts with the call: greet immediately
	// rather than waiting for the caller to speak.
	if err := s.connectBridge(); err != nil {
		s.log.Error("backend connect failed", "err", err)
		s.playFallback()
		s.sendError(errCodeServer, "Service temporarily unavailable")
		return false
	}
	return true
}

// connectBridge dials the backend, wires the mode router, and requests the
// greeting turn.
func (s *Session) connectBridge() error {
	router := dialog.New(
		s.cfg.Instructions,
		s.pushInstructions,
		s.Terminate,
		dialog.WithGrace(s.cfg.HandoverGrace),
		dialog.WithLogger(s.log),
	)

	backendCfg := s.cfg.Backend
	backendCfg.Instructions = s.cfg.Instructions.Greeting
	backendCfg.Tools = append(backendCfg.Tools, realtime.ToolDefinition{
		Name:        dialog.RouteIntentToolName,
		Description: "Report the caller's classified intent so the call can be routed.",
		Parameters:  dialog.RouteIntentParameters(),
	})

	start := time.Now()
	br, err := bridge.Connect(s.ctx, s.cfg.Provider, bridge.Config{
		Session:            backendCfg,
		Moderation:         s.cfg.Moderation,
		RejectionUtterance: s.cfg.RejectionUtterance,
		Tools: map[string]bridge.ToolFunc{
			dialog.RouteIntentToolName: router.HandleRouteIntent,
		},
		MaxDuration:       s.cfg.MaxDuration,
		InactivityTimeout: s.cfg.InactivityTimeout,
		CommitDebounce:    s.cfg.CommitDebounce,
		BargeInWindow:     s.cfg.BargeInWindow,
		Metrics:           s.metrics,
		Logger:            s.log,
	}, s)
	if err != nil {
		router.Stop()
		return err
	}
	s.metrics.UpstreamConnectDuration.Record(s.ctx, time.Since(start).Seconds())

	s.mu.Lock()
	s.bridge = br
	s.router = router
	s.mu.Unlock()

	if err := br.RequestResponse(); err != nil {
		s.log.Warn("greeting request failed", "err", err)
	}
	return nil
}

func (s *Session) handleClose(msg protocol.Message) bool {
	params, _ := protocol.DecodeParams[protocol.CloseParams](msg)
	s.log.Info("client close", "reason", params.Reason)
	s.state.Store(int32(StateClosing))
	s.send(protocol.TypeClosed, nil)
	return false
}

func (s *Session) handleDTMF(msg protocol.Message) {
	params, err := protocol.DecodeParams[protocol.DTMFParams](msg)
	if err != nil || params.Digit == "" {
		s.log.Warn("dtmf message without digit")
		return
	}

	s.mu.Lock()
	br := s.bridge
	s.mu.Unlock()
	if br == nil {
		return
	}
	if err := br.InjectUserText(fmt.Sprintf("The caller pressed the %s key.", params.Digit)); err != nil {
		s.log.Warn("inject dtmf failed", "digit", params.Digit, "err", err)
	}
}

// ── bridge.Sink ───────────────────────────────────────────────────────────

// BotAudio relays one completed synthesized audio unit to the client.
func (s *Session) BotAudio(data []byte) {
	if s.State() >= StateClosing {
		return
	}
	out := s.outboundAudio(data)
	if len(out) == 0 {
		return
	}
	s.botSpeaking.Store(true)
	if err := s.writeBinary(out); err != nil {
		s.log.Warn("relay bot audio failed", "err", err)
		return
	}
	s.audioOut.Add(int64(len(out)))
}

// UserTranscript marks call activity; the first transcript advances the
// greeting to intent classification.
func (s *Session) UserTranscript(text string) {
	s.log.Debug("caller transcript", "text", text)
	s.markActive()
	s.withRouter(func(r *dialog.Router) { r.OnUserTurn() })
}

// BotTranscript logs the bot's completed utterance.
func (s *Session) BotTranscript(text string) {
	s.log.Debug("bot transcript", "text", text)
}

// UserSpeechStarted handles caller speech onset: first speech advances the
// mode router, and speech over bot audio tells the client the remainder of
// that audio was discarded.
func (s *Session) UserSpeechStarted() {
	s.markActive()
	s.withRouter(func(r *dialog.Router) { r.OnUserTurn() })

	if s.botSpeaking.CompareAndSwap(true, false) {
		s.metrics.BargeIns.Add(s.ctx, 1)
		s.send(protocol.TypeDiscarded, protocol.DiscardedParams{
			Start:    s.position(),
			Duration: "PT0S",
		})
	}
}

// TurnComplete marks the end of an uninterrupted bot turn.
func (s *Session) TurnComplete() {
	s.botSpeaking.Store(false)
	s.markActive()
	s.withRouter(func(r *dialog.Router) { r.OnResponseComplete() })
}

// SessionTimeout ends the call with the bridge's reason tag.
func (s *Session) SessionTimeout(reason string) {
	s.metrics.RecordSessionTimeout(s.ctx, reason)
	s.Terminate(reason)
}

// BridgeError ends the call after an unrecoverable backend failure.
func (s *Session) BridgeError(err error) {
	s.log.Error("backend bridge failed", "err", err)
	if s.State() >= StateClosing {
		return
	}
	s.sendError(errCodeServer, "Upstream connection lost")
	go s.cleanup()
}

// ── termination ───────────────────────────────────────────────────────────

// Terminate gracefully ends the call with a close message carrying reason.
// Used for timeouts and handover completion; safe from any goroutine.
func (s *Session) Terminate(reason string) {
	if s.State() >= StateClosing {
		return
	}
	s.log.Info("terminating session", "reason", reason)
	s.send(protocol.TypeClose, protocol.CloseParams{Reason: reason})
	go s.cleanup()
}

// cleanup releases the bridge, router, and transport exactly once. Safe to
// invoke repeatedly from any goroutine.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.state.Store(int32(StateClosing))

		s.mu.Lock()
		br := s.bridge
		router := s.router
		openedAt := s.openedAt
		s.mu.Unlock()

		if router != nil {
			router.Stop()
		}
		if br != nil {
			br.Disconnect()
		}
		s.cancel()
		_ = s.transport.Close()

		if !openedAt.IsZero() {
			s.metrics.SessionDuration.Record(context.Background(), time.Since(openedAt).Seconds())
		}
		s.state.Store(int32(StateClosed))
		s.log.Info("session closed")
		close(s.done)
	})
	<-s.done
}

// Done returns a channel closed once cleanup has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ── helpers ───────────────────────────────────────────────────────────────

func (s *Session) markActive() {
	s.state.CompareAndSwap(int32(StateOpen), int32(StateActive))
}

func (s *Session) withRouter(fn func(*dialog.Router)) {
	s.mu.Lock()
	r := s.router
	s.mu.Unlock()
	if r != nil {
		fn(r)
	}
}

// pushInstructions is the router's snapshot push target.
func (s *Session) pushInstructions(snap dialog.Snapshot) error {
	s.mu.Lock()
	br := s.bridge
	s.mu.Unlock()
	if br == nil {
		return errors.New("session: bridge not connected")
	}
	s.log.Info("instructions updated", "mode", snap.Mode.String(), "task_id", snap.TaskID, "version", snap.Version)
	return br.UpdateInstructions(snap.Instructions)
}

// inboundAudio converts caller μ-law to the backend's input format.
func (s *Session) inboundAudio(frame []byte) []byte {
	if s.cfg.Backend.InputFormat != "pcm16" {
		return frame
	}
	pcm := ulaw.Decode(frame)
	return audio.ResampleMono16(pcm, telephonyRate, backendPCMRate)
}

// outboundAudio converts backend audio to telephony μ-law.
func (s *Session) outboundAudio(data []byte) []byte {
	if s.cfg.Backend.OutputFormat != "pcm16" {
		return data
	}
	pcm := audio.ResampleMono16(data, backendPCMRate, telephonyRate)
	return ulaw.Encode(pcm)
}

// position reports the outbound stream position as an ISO-8601 duration.
func (s *Session) position() string {
	return fmt.Sprintf("PT%dS", s.audioOut.Load()/telephonyRate)
}

// rejectNoSession answers a frame that has no live session behind it with a
// single error disconnect.
func (s *Session) rejectNoSession() {
	s.sendError(errCodeNoSession, "Session does not exist")
}

func (s *Session) sendError(code int, message string) {
	s.send(protocol.TypeError, protocol.ErrorParams{Code: code, Message: message})
}

// playFallback streams the local apology prompt, if configured.
func (s *Session) playFallback() {
	if len(s.cfg.FallbackAudio) == 0 {
		return
	}
	if err := s.writeBinary(s.cfg.FallbackAudio); err != nil {
		s.log.Warn("fallback prompt failed", "err", err)
	}
}

// send frames and writes one control message; errors are logged, not
// propagated, because the transport ending is handled by the read loop.
func (s *Session) send(typ protocol.MessageType, params any) {
	data, err := s.framer.Encode(s.ID(), typ, s.position(), params)
	if err != nil {
		s.log.Error("encode control message failed", "type", string(typ), "err", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.transport.WriteText(ctx, data); err != nil {
		s.log.Debug("write control message failed", "type", string(typ), "err", err)
	}
}

func (s *Session) writeBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.transport.WriteBinary(ctx, data)
}
