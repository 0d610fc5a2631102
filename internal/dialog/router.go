// Package dialog implements the conversation-mode router: the per-call state
// machine that decides which instruction set the backend generates under.
//
// Modes progress Greeting → Intent → Bot(task) or Handover. Every transition
// produces an immutable [Snapshot] pushed atomically through the configured
// push function, so a racing backend event can never observe a half-applied
// instruction update.
package dialog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Termination reasons passed to the terminate callback.
const (
	ReasonHandoverComplete = "handover_complete"
	ReasonEndSession       = "end_session"
)

// defaultGrace is how long trailing audio is allowed to flush before a
// deferred termination fires.
const defaultGrace = time.Second

// Mode identifies the active conversation mode.
type Mode int

const (
	// ModeGreeting is the initial mode: the bot welcomes the caller.
	ModeGreeting Mode = iota
	// ModeIntent classifies what the caller wants.
	ModeIntent
	// ModeBot runs a task-specific persona.
	ModeBot
	// ModeHandover wraps the call up for transfer to a human.
	ModeHandover
)

func (m Mode) String() string {
	switch m {
	case ModeGreeting:
		return "greeting"
	case ModeIntent:
		return "intent"
	case ModeBot:
		return "bot"
	case ModeHandover:
		return "handover"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Outcome is the closed set of intent-routing results. Exactly one variant
// is produced per routing decision.
type Outcome interface {
	isOutcome()
}

// Match reports that the classifier identified a supported intent.
type Match struct {
	// TaskID names the task configuration to activate.
	TaskID string
}

// NoMatch reports that the caller's request matched no known intent.
type NoMatch struct{}

// NoInput reports that the caller said nothing classifiable.
type NoInput struct{}

// EndSession reports that the caller asked to end the call.
type EndSession struct{}

func (Match) isOutcome()      {}
func (NoMatch) isOutcome()    {}
func (NoInput) isOutcome()    {}
func (EndSession) isOutcome() {}

// Task is one routable task configuration.
type Task struct {
	ID           string
	Instructions string
}

// InstructionSet holds the instruction text for each mode and the task
// catalog. Loaded once at startup; the router never mutates it.
type InstructionSet struct {
	Greeting string
	Intent   string
	Handover string
	Tasks    map[string]Task
}

// Snapshot is one immutable instruction configuration produced by a mode
// transition. Version increases by 1 per transition within a router.
type Snapshot struct {
	Mode         Mode
	TaskID       string
	Instructions string
	Version      uint64
}

// Router is the per-call mode state machine. Safe for concurrent use; all
// transitions are serialized under one lock.
type Router struct {
	set       InstructionSet
	push      func(Snapshot) error
	terminate func(reason string)
	grace     time.Duration
	log       *slog.Logger

	mu               sync.Mutex
	mode             Mode
	taskID           string
	firstTurnSeen    bool
	awaitingHandover bool
	version          uint64
	termTimer        *time.Timer
	stopped          bool
}

// Option is a functional option for Router.
type Option func(*Router)

// WithGrace overrides the deferred-termination delay.
func WithGrace(d time.Duration) Option {
	return func(r *Router) { r.grace = d }
}

// WithLogger sets the router's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// New builds a Router in Greeting mode. push is called with each new
// instruction snapshot; terminate is called at most once, with a reason,
// when the call should end.
func New(set InstructionSet, push func(Snapshot) error, terminate func(reason string), opts ...Option) *Router {
	r := &Router{
		set:       set,
		push:      push,
		terminate: terminate,
		grace:     defaultGrace,
		log:       slog.Default(),
		mode:      ModeGreeting,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Mode returns the current mode.
func (r *Router) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// OnUserTurn handles the caller's first speech activity or first finalized
// transcript. The first turn while greeting switches to intent
// classification; later turns are no-ops.
func (r *Router) OnUserTurn() {
	r.mu.Lock()
	if r.firstTurnSeen || r.stopped {
		r.mu.Unlock()
		return
	}
	r.firstTurnSeen = true
	if r.mode != ModeGreeting {
		r.mu.Unlock()
		return
	}
	snap := r.transitionLocked(ModeIntent, "")
	r.mu.Unlock()

	r.pushSnapshot(snap)
}

// OnIntentRouted handles an intent-routing result. A matched intent with a
// configured task activates that task; everything else, including a matched
// intent with no task configuration, hands the call over.
func (r *Router) OnIntentRouted(outcome Outcome) {
	r.mu.Lock()
	if r.stopped || r.mode == ModeHandover {
		r.mu.Unlock()
		return
	}

	var snap Snapshot
	switch o := outcome.(type) {
	case Match:
		if task, ok := r.set.Tasks[o.TaskID]; ok {
			snap = r.transitionLocked(ModeBot, task.ID)
			r.mu.Unlock()
			r.pushSnapshot(snap)
			return
		}
		r.log.Info("no task configured for intent, handing over", "task_id", o.TaskID)
		snap = r.handoverLocked()
	case NoMatch, NoInput:
		snap = r.handoverLocked()
	case EndSession:
		r.mu.Unlock()
		r.deferTerminate(ReasonEndSession)
		return
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.pushSnapshot(snap)
}

// OnResponseComplete handles a completed backend response. While a handover
// is awaiting completion, the next completed response arms the deferred
// termination that ends the call.
func (r *Router) OnResponseComplete() {
	r.mu.Lock()
	fire := r.mode == ModeHandover && r.awaitingHandover && !r.stopped
	if fire {
		r.awaitingHandover = false
	}
	r.mu.Unlock()

	if fire {
		r.deferTerminate(ReasonHandoverComplete)
	}
}

// Stop cancels any pending deferred termination and freezes the router.
// Idempotent; called during session cleanup.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.termTimer != nil {
		r.termTimer.Stop()
		r.termTimer = nil
	}
}

// transitionLocked moves to mode and returns the snapshot to push. r.mu held.
func (r *Router) transitionLocked(mode Mode, taskID string) Snapshot {
	r.mode = mode
	r.taskID = taskID
	r.version++
	r.log.Debug("mode transition", "mode", mode.String(), "task_id", taskID, "version", r.version)
	return Snapshot{
		Mode:         mode,
		TaskID:       taskID,
		Instructions: r.instructionsLocked(),
		Version:      r.version,
	}
}

func (r *Router) handoverLocked() Snapshot {
	r.awaitingHandover = true
	return r.transitionLocked(ModeHandover, "")
}

func (r *Router) instructionsLocked() string {
	switch r.mode {
	case ModeIntent:
		return r.set.Intent
	case ModeBot:
		return r.set.Tasks[r.taskID].Instructions
	case ModeHandover:
		return r.set.Handover
	default:
		return r.set.Greeting
	}
}

func (r *Router) pushSnapshot(snap Snapshot) {
	if err := r.push(snap); err != nil {
		r.log.Warn("instruction push failed", "mode", snap.Mode.String(), "err", err)
	}
}

// deferTerminate arms the grace timer that ends the call, letting trailing
// audio flush first. A second arm replaces the first.
func (r *Router) deferTerminate(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.termTimer != nil {
		r.termTimer.Stop()
	}
	r.termTimer = time.AfterFunc(r.grace, func() {
		r.terminate(reason)
	})
}
