// Package mock provides hand-rolled fakes for the realtime provider
// interfaces, used by bridge and gateway tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/realtime"
)

// Compile-time interface assertions.
var (
	_ realtime.Provider      = (*Provider)(nil)
	_ realtime.SessionHandle = (*Session)(nil)
)

// Provider is a scripted realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. When nil, Connect builds a fresh
	// Session with buffered channels.
	Session *Session

	// ConnectErr, when non-nil, is returned by Connect instead of a session.
	ConnectErr error

	// ConnectCalls records the config of every Connect invocation.
	ConnectCalls []realtime.SessionConfig
}

// Connect records the call and returns the scripted session or error.
func (p *Provider) Connect(_ context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ConnectCalls = append(p.ConnectCalls, cfg)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// ToolResult records one SubmitToolResult call.
type ToolResult struct {
	CallID string
	Output string
}

// Session is a scripted realtime.SessionHandle. Tests feed backend
// notifications with [Session.Emit] and inspect the recorded commands.
type Session struct {
	mu sync.Mutex

	EventsCh chan realtime.Event

	// ErrResult is returned by Err.
	ErrResult error

	// WriteErr, when non-nil, is returned by every command method.
	WriteErr error

	SendAudioCalls      [][]byte
	CommitCalls         int
	ClearCalls          int
	CreateResponseCalls int
	CancelCalls         []string
	Items               []realtime.ConversationItem
	ToolResults         []ToolResult
	Updates             []realtime.SessionConfig
	Closed              bool

	closeOnce sync.Once
}

// NewSession builds a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan realtime.Event, 64)}
}

// Emit feeds one backend notification to the session consumer.
func (s *Session) Emit(evt realtime.Event) {
	s.EventsCh <- evt
}

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, c)
	return nil
}

func (s *Session) CommitInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.CommitCalls++
	return nil
}

func (s *Session) ClearInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.ClearCalls++
	return nil
}

func (s *Session) CreateResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.CreateResponseCalls++
	return nil
}

func (s *Session) CancelResponse(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.CancelCalls = append(s.CancelCalls, id)
	return nil
}

func (s *Session) CreateItem(item realtime.ConversationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.Items = append(s.Items, item)
	return nil
}

func (s *Session) SubmitToolResult(callID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.ToolResults = append(s.ToolResults, ToolResult{CallID: callID, Output: output})
	return nil
}

func (s *Session) UpdateSession(cfg realtime.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.Updates = append(s.Updates, cfg)
	return nil
}

func (s *Session) Events() <-chan realtime.Event { return s.EventsCh }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrResult
}

// Fail simulates a dropped backend transport: Err reports err and the events
// channel closes.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	s.ErrResult = err
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.EventsCh) })
}

// Close marks the session closed and closes the events channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.Closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.EventsCh) })
	return nil
}

// Snapshot helpers: tests read recorded state under the session lock.

// SendAudioCount returns how many audio chunks were appended.
func (s *Session) SendAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Cancelled returns the recorded CancelResponse ids.
func (s *Session) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.CancelCalls))
	copy(out, s.CancelCalls)
	return out
}

// CreateResponses returns how many CreateResponse calls were made.
func (s *Session) CreateResponses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CreateResponseCalls
}

// Commits returns how many CommitInput calls were made.
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CommitCalls
}

// InputClears returns how many ClearInput calls were made.
func (s *Session) InputClears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ClearCalls
}

// RecordedItems returns the conversation items created so far.
func (s *Session) RecordedItems() []realtime.ConversationItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.ConversationItem, len(s.Items))
	copy(out, s.Items)
	return out
}

// RecordedUpdates returns the session configuration pushes so far.
func (s *Session) RecordedUpdates() []realtime.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.SessionConfig, len(s.Updates))
	copy(out, s.Updates)
	return out
}

// RecordedToolResults returns the submitted tool results so far.
func (s *Session) RecordedToolResults() []ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolResult, len(s.ToolResults))
	copy(out, s.ToolResults)
	return out
}
