package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrMissingEvent = errors.New("frame has no event")
)

// NewEnvelope stamps a fresh id and timestamp on an outbound event.
func NewEnvelope(event string, data interface{}) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Encode marshals an envelope into a single websocket text frame.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Event, err)
	}
	return data, nil
}

// DecodeRequest parses an inbound client frame.
func DecodeRequest(frame []byte) (Request, error) {
	var req Request
	if len(frame) == 0 {
		return req, ErrEmptyFrame
	}
	if err := json.Unmarshal(frame, &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	if req.Event == "" {
		return req, ErrMissingEvent
	}
	return req, nil
}

// DecodeEnvelope parses an outbound server frame on the client side.
func DecodeEnvelope(frame []byte) (RawEnvelope, error) {
	var env RawEnvelope
	if len(frame) == 0 {
		return env, ErrEmptyFrame
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// DecodeData unmarshals a raw data section into v. Missing data decodes as
// an empty object.
func DecodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, v)
}

// NewRequest builds a client frame with a fresh id.
func NewRequest(event string, data interface{}) ([]byte, string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, "", err
	}
	req := Request{ID: uuid.NewString(), Event: event, Data: raw}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, "", err
	}
	return frame, req.ID, nil
}
