// Package protocol defines the wire format spoken on the duplex client
// channel: a four-field JSON envelope plus the payload shapes carried in its
// data field.
//
// Every message in both directions is a UTF-8 JSON object with exactly these
// top-level keys:
//
//	{"type":"<kind>","sessionId":"<id>","data":<any>,"timestamp":<unix-ms>}
//
// type is a non-empty string, sessionId is optional, data is optional and
// free-form per kind, timestamp is a strictly positive integer. Unmarshal is
// total: it returns either a validated envelope or a descriptive error and
// never panics. For every valid envelope e, Unmarshal(Marshal(e)) == e.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Validation errors returned by [Unmarshal] and [Envelope.Validate].
var (
	ErrNotJSON          = errors.New("protocol: message is not a JSON object")
	ErrMissingKind      = errors.New("protocol: missing or empty \"type\" field")
	ErrBadSessionID     = errors.New("protocol: \"sessionId\" must be a string")
	ErrMissingTimestamp = errors.New("protocol: missing \"timestamp\" field")
	ErrBadTimestamp     = errors.New("protocol: \"timestamp\" must be a positive integer")
)

// Envelope is the wire object used for every message in both directions.
// Data is kept as raw JSON so the envelope layer stays payload-agnostic and
// round-trips byte-exactly.
type Envelope struct {
	Kind      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// New constructs an envelope of the given kind, stamping the current time.
// data may be nil for kinds that carry no payload. Returns an error only if
// data cannot be marshalled.
func New(kind, sessionID string, data any) (Envelope, error) {
	e := Envelope{
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("protocol: marshal %s data: %w", kind, err)
		}
		e.Data = raw
	}
	return e, nil
}

// Validate reports whether the envelope satisfies the wire contract.
func (e Envelope) Validate() error {
	if e.Kind == "" {
		return ErrMissingKind
	}
	if e.Timestamp <= 0 {
		return ErrBadTimestamp
	}
	return nil
}

// DecodeData unmarshals the envelope's data field into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: %s envelope has no data", e.Kind)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: decode %s data: %w", e.Kind, err)
	}
	return nil
}

// Marshal serialises a validated envelope to its wire form.
func Marshal(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// wireEnvelope mirrors Envelope with every field raw so that Unmarshal can
// distinguish "absent" from "present but of the wrong JSON type".
type wireEnvelope struct {
	Kind      *string         `json:"type"`
	SessionID json.RawMessage `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Unmarshal parses and validates a wire message. It never panics; malformed
// input of any shape yields a descriptive error.
func Unmarshal(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, ErrNotJSON
	}

	var w wireEnvelope
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	if w.Kind == nil || *w.Kind == "" {
		return Envelope{}, ErrMissingKind
	}

	e := Envelope{Kind: *w.Kind, Data: w.Data}

	if len(w.SessionID) > 0 && !bytes.Equal(w.SessionID, []byte("null")) {
		if err := json.Unmarshal(w.SessionID, &e.SessionID); err != nil {
			return Envelope{}, ErrBadSessionID
		}
	}

	if len(w.Timestamp) == 0 || bytes.Equal(w.Timestamp, []byte("null")) {
		return Envelope{}, ErrMissingTimestamp
	}
	dec := json.NewDecoder(bytes.NewReader(w.Timestamp))
	dec.UseNumber()
	var num json.Number
	if err := dec.Decode(&num); err != nil {
		return Envelope{}, ErrBadTimestamp
	}
	ts, err := num.Int64()
	if err != nil || ts <= 0 {
		return Envelope{}, ErrBadTimestamp
	}
	e.Timestamp = ts

	return e, nil
}
