package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestUnmarshal_Valid(t *testing.T) {
	raw := []byte(`{"type":"audio_chunk","sessionId":"s-1","data":{"sequenceNumber":3,"audioData":"AAAA"},"timestamp":1700000000000}`)

	e, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Kind != "audio_chunk" {
		t.Errorf("kind = %q, want audio_chunk", e.Kind)
	}
	if e.SessionID != "s-1" {
		t.Errorf("sessionId = %q, want s-1", e.SessionID)
	}
	if e.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", e.Timestamp)
	}

	var chunk AudioChunk
	if err := e.DecodeData(&chunk); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if chunk.SequenceNumber != 3 || chunk.AudioData != "AAAA" {
		t.Errorf("unexpected payload: %+v", chunk)
	}
}

func TestUnmarshal_OptionalFields(t *testing.T) {
	e, err := Unmarshal([]byte(`{"type":"end_utterance","timestamp":42}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.SessionID != "" {
		t.Errorf("sessionId = %q, want empty", e.SessionID)
	}
	if e.Data != nil {
		t.Errorf("data = %s, want nil", e.Data)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"empty input", ``, ErrNotJSON},
		{"not json", `hello`, ErrNotJSON},
		{"json array", `[1,2]`, ErrNotJSON},
		{"truncated object", `{"type":"ping"`, ErrNotJSON},
		{"missing type", `{"timestamp":1}`, ErrMissingKind},
		{"empty type", `{"type":"","timestamp":1}`, ErrMissingKind},
		{"null type", `{"type":null,"timestamp":1}`, ErrMissingKind},
		{"missing timestamp", `{"type":"ping"}`, ErrMissingTimestamp},
		{"null timestamp", `{"type":"ping","timestamp":null}`, ErrMissingTimestamp},
		{"zero timestamp", `{"type":"ping","timestamp":0}`, ErrBadTimestamp},
		{"negative timestamp", `{"type":"ping","timestamp":-5}`, ErrBadTimestamp},
		{"float timestamp", `{"type":"ping","timestamp":1.5}`, ErrBadTimestamp},
		{"string timestamp", `{"type":"ping","timestamp":"1"}`, ErrBadTimestamp},
		{"numeric sessionId", `{"type":"ping","sessionId":7,"timestamp":1}`, ErrBadSessionID},
		{"object sessionId", `{"type":"ping","sessionId":{},"timestamp":1}`, ErrBadSessionID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	envelopes := []Envelope{
		{Kind: "ping", Timestamp: 1},
		{Kind: "transcript", SessionID: "s-9", Data: json.RawMessage(`{"transcript":"hello","isFinal":true,"confidence":0.97}`), Timestamp: 1700000000123},
		{Kind: "response_audio", SessionID: "s-9", Data: json.RawMessage(`{"turnId":"t-1","audioData":"UklGRg==","sequenceNumber":0}`), Timestamp: 99},
		{Kind: "error", Data: json.RawMessage(`{"errorCode":"INTERNAL_ERROR","errorMessage":"boom","recoverable":true}`), Timestamp: 5},
	}

	for _, want := range envelopes {
		t.Run(want.Kind, func(t *testing.T) {
			raw, err := Marshal(want)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := Unmarshal(raw)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Kind != want.Kind || got.SessionID != want.SessionID || got.Timestamp != want.Timestamp {
				t.Errorf("got %+v, want %+v", got, want)
			}
			if string(got.Data) != string(want.Data) {
				t.Errorf("data = %s, want %s", got.Data, want.Data)
			}
		})
	}
}

func TestMarshal_RejectsInvalid(t *testing.T) {
	if _, err := Marshal(Envelope{Timestamp: 1}); !errors.Is(err, ErrMissingKind) {
		t.Errorf("error = %v, want ErrMissingKind", err)
	}
	if _, err := Marshal(Envelope{Kind: "ping"}); !errors.Is(err, ErrBadTimestamp) {
		t.Errorf("error = %v, want ErrBadTimestamp", err)
	}
}

func TestNew_StampsTimestamp(t *testing.T) {
	e, err := New(KindPong, "s-1", Heartbeat{Timestamp: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Timestamp <= 0 {
		t.Errorf("timestamp = %d, want positive", e.Timestamp)
	}
	if err := e.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}
