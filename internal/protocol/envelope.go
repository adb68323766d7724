package protocol

import (
	"time"

	"github.com/goccy/go-json"
)

// Request is a frame sent by a client. ID is chosen by the client and is
// echoed back as Ref on the matching ack or error.
type Request struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Envelope wraps every payload the server sends.
type Envelope struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Ref       string      `json:"ref,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// RawEnvelope is an Envelope with its data left undecoded, as seen by clients.
type RawEnvelope struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Ref       string          `json:"ref,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	AckStatusOK = "ok"
)

// AckPayload acknowledges a successfully handled request.
type AckPayload struct {
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
}

// ErrorPayload reports why a request failed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
