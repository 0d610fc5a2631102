package protocol

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestEncode_SequencesStartAtOneAndIncrement(t *testing.T) {
	f := NewFramer()

	for want := uint64(1); want <= 5; want++ {
		data, err := f.Encode("sess-1", TypePong, "PT0S", nil)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m.Sequence != want {
			t.Fatalf("message %d: Sequence = %d, want %d", want, m.Sequence, want)
		}
		if m.Version != Version {
			t.Errorf("Version = %q, want %q", m.Version, Version)
		}
	}
}

func TestEncode_AcknowledgesLastClientSequence(t *testing.T) {
	f := NewFramer()

	if _, err := f.Decode([]byte(`{"version":"2","id":"s","type":"ping","sequence":7}`)); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	data, err := f.Encode("s", TypePong, "PT1S", nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.AcknowledgedSequence != 7 {
		t.Errorf("AcknowledgedSequence = %d, want 7", m.AcknowledgedSequence)
	}
}

func TestDecode_TracksClientAcknowledgement(t *testing.T) {
	f := NewFramer()

	frames := []string{
		`{"version":"2","id":"s","type":"ping","sequence":1,"acknowledgedSequence":2}`,
		`{"version":"2","id":"s","type":"ping","sequence":2,"acknowledgedSequence":1}`,
	}
	for _, frame := range frames {
		if _, err := f.Decode([]byte(frame)); err != nil {
			t.Fatalf("Decode(%s) error = %v", frame, err)
		}
	}

	// Acknowledgements never move backwards even if frames arrive reordered.
	if got := f.ClientAcknowledged(); got != 2 {
		t.Errorf("ClientAcknowledged() = %d, want 2", got)
	}
	if got := f.LastClientSequence(); got != 2 {
		t.Errorf("LastClientSequence() = %d, want 2", got)
	}
}

func TestDecode_RejectsMalformedAndUnknown(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "not json", frame: `{{{`},
		{name: "unknown type", frame: `{"version":"2","id":"s","type":"teleport","sequence":1}`},
		{name: "empty type", frame: `{"version":"2","id":"s","sequence":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFramer()
			if _, err := f.Decode([]byte(tt.frame)); err == nil {
				t.Error("Decode() expected error, got nil")
			}
		})
	}
}

func TestDecode_InvalidFrameDoesNotAdvanceCounters(t *testing.T) {
	f := NewFramer()

	_, _ = f.Decode([]byte(`{"version":"2","id":"s","type":"warp","sequence":9,"acknowledgedSequence":9}`))

	if got := f.LastClientSequence(); got != 0 {
		t.Errorf("LastClientSequence() = %d after rejected frame, want 0", got)
	}
}

func TestDecodeParams_TypedShapes(t *testing.T) {
	f := NewFramer()

	m, err := f.Decode([]byte(`{
		"version": "2",
		"id": "s",
		"type": "dtmf",
		"sequence": 1,
		"parameters": {"digit": "5"}
	}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	params, err := DecodeParams[DTMFParams](m)
	if err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}
	if params.Digit != "5" {
		t.Errorf("Digit = %q, want %q", params.Digit, "5")
	}
}

func TestDecodeParams_MissingParametersYieldZeroValue(t *testing.T) {
	m := Message{Type: TypeClose}

	params, err := DecodeParams[CloseParams](m)
	if err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}
	if params.Reason != "" {
		t.Errorf("Reason = %q, want empty", params.Reason)
	}
}

func TestEncode_ParamsRoundTrip(t *testing.T) {
	f := NewFramer()

	data, err := f.Encode("s", TypeError, "PT3S", ErrorParams{Code: 410, Message: "Session does not exist"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	params, err := DecodeParams[ErrorParams](m)
	if err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}
	if params.Code != 410 || params.Message != "Session does not exist" {
		t.Errorf("params = %+v, want code 410 with message", params)
	}
	if m.Position != "PT3S" {
		t.Errorf("Position = %q, want PT3S", m.Position)
	}
}

func TestEncode_ConcurrentSequencesAreUnique(t *testing.T) {
	f := NewFramer()

	const n = 64
	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := f.Encode("s", TypePong, "PT0S", nil)
			if err != nil {
				t.Errorf("Encode() error = %v", err)
				return
			}
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				t.Errorf("unmarshal: %v", err)
				return
			}
			seqs <- m.Sequence
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool, n)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate sequence %d", s)
		}
		seen[s] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d unique sequences, want %d", len(seen), n)
	}
}
