// Package protocol implements the downstream control-plane message envelope
// and the per-connection framing rules.
//
// Control messages are JSON text frames sharing one envelope shape; caller
// and bot audio travel as raw binary frames on the same transport and never
// carry an envelope. Each direction keeps its own sequence counter, and each
// message acknowledges the highest sequence seen from the peer.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol revision spoken by this gateway.
const Version = "2"

// MessageType identifies a control message.
type MessageType string

const (
	// TypeOpen is the client's request to start a media session.
	TypeOpen MessageType = "open"
	// TypeOpened acknowledges open and carries the selected media format.
	TypeOpened MessageType = "opened"
	// TypeClose is a request, from either side, to end the session.
	TypeClose MessageType = "close"
	// TypeClosed acknowledges close; the transport ends after it.
	TypeClosed MessageType = "closed"
	// TypePing is a client liveness probe.
	TypePing MessageType = "ping"
	// TypePong answers a ping. It carries no business data.
	TypePong MessageType = "pong"
	// TypeDTMF reports a telephone keypad digit pressed by the caller.
	TypeDTMF MessageType = "dtmf"
	// TypeDiscarded tells the client a span of bot audio was dropped,
	// typically because the caller barged in.
	TypeDiscarded MessageType = "discarded"
	// TypeError is a server-initiated disconnect with a readable reason.
	TypeError MessageType = "error"
)

var knownTypes = map[MessageType]bool{
	TypeOpen:      true,
	TypeOpened:    true,
	TypeClose:     true,
	TypeClosed:    true,
	TypePing:      true,
	TypePong:      true,
	TypeDTMF:      true,
	TypeDiscarded: true,
	TypeError:     true,
}

// Valid reports whether t is part of the fixed message-type set.
func (t MessageType) Valid() bool {
	return knownTypes[t]
}

// Message is the immutable control-message envelope. Sequence and
// AcknowledgedSequence are managed by [Framer]; senders fill the rest.
type Message struct {
	Version              string          `json:"version"`
	ID                   string          `json:"id"`
	Type                 MessageType     `json:"type"`
	Sequence             uint64          `json:"sequence"`
	AcknowledgedSequence uint64          `json:"acknowledgedSequence"`
	Position             string          `json:"position"`
	Parameters           json.RawMessage `json:"parameters,omitempty"`
}

// MediaFormat describes one audio stream encoding offered or selected
// during session open.
type MediaFormat struct {
	Format   string `json:"format"`
	Rate     int    `json:"rate"`
	Channels int    `json:"channels"`
}

// OpenParams are the parameters of an open message.
type OpenParams struct {
	OrganizationID string        `json:"organizationId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	Media          []MediaFormat `json:"media,omitempty"`
}

// OpenedParams acknowledge an open with the media format the server selected.
type OpenedParams struct {
	Media MediaFormat `json:"media"`
}

// CloseParams carry the reason a side is ending the session.
type CloseParams struct {
	Reason string `json:"reason,omitempty"`
}

// DTMFParams carry a single keypad digit.
type DTMFParams struct {
	Digit string `json:"digit"`
}

// DiscardedParams describe a span of outbound audio that was dropped.
// Start and Duration use the same ISO-8601 duration form as Position.
type DiscardedParams struct {
	Start    string `json:"start"`
	Duration string `json:"duration"`
}

// ErrorParams carry a machine code and human-readable reason for a
// server-initiated disconnect.
type ErrorParams struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DecodeParams unmarshals a message's parameters into the typed shape for
// its message type.
func DecodeParams[T any](m Message) (T, error) {
	var out T
	if len(m.Parameters) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(m.Parameters, &out); err != nil {
		return out, fmt.Errorf("protocol: decode %s parameters: %w", m.Type, err)
	}
	return out, nil
}
