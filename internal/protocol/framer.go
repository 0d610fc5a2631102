package protocol

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Framer owns one connection's sequencing state. Outbound control messages
// are numbered 1, 2, 3, … in send order; inbound messages are validated and
// their sequence and acknowledgement counters recorded.
//
// The client's acknowledgedSequence is tracked for observability only: this
// layer implements no retransmission, so a gap in acknowledgements is not
// acted on.
//
// Safe for concurrent use; the session's read loop and the bridge's emit
// path both frame messages.
type Framer struct {
	mu sync.Mutex

	nextSeq       uint64 // sequence assigned to the next outbound message
	lastClientSeq uint64 // highest sequence received from the client
	clientAck     uint64 // highest of our sequences the client has acknowledged
}

// NewFramer returns a Framer whose first outbound message gets sequence 1.
func NewFramer() *Framer {
	return &Framer{nextSeq: 1}
}

// Decode parses and validates an inbound JSON control frame, recording its
// sequence counters. Binary audio frames never reach Decode; the transport
// layer routes them separately.
func (f *Framer) Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: malformed control frame: %w", err)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("protocol: unknown message type %q", m.Type)
	}

	f.mu.Lock()
	if m.Sequence > f.lastClientSeq {
		f.lastClientSeq = m.Sequence
	}
	if m.AcknowledgedSequence > f.clientAck {
		f.clientAck = m.AcknowledgedSequence
	}
	f.mu.Unlock()

	return m, nil
}

// Encode builds and serializes an outbound control message, assigning the
// next sequence number and acknowledging everything received so far.
// Position is the stream position in ISO-8601 duration form ("PT12S").
func (f *Framer) Encode(id string, typ MessageType, position string, params any) ([]byte, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s parameters: %w", typ, err)
		}
		raw = b
	}

	f.mu.Lock()
	m := Message{
		Version:              Version,
		ID:                   id,
		Type:                 typ,
		Sequence:             f.nextSeq,
		AcknowledgedSequence: f.lastClientSeq,
		Position:             position,
		Parameters:           raw,
	}
	f.nextSeq++
	f.mu.Unlock()

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", typ, err)
	}
	return data, nil
}

// LastClientSequence returns the highest sequence number received from the
// client so far.
func (f *Framer) LastClientSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastClientSeq
}

// ClientAcknowledged returns the highest of this side's sequence numbers the
// client has acknowledged.
func (f *Framer) ClientAcknowledged() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clientAck
}
