package client

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/fenggwsx/SlashLive/internal/protocol"
)

type rawAck struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

func decodeEvent[T any](env protocol.RawEnvelope) (T, error) {
	var v T
	if err := protocol.DecodeData(env.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return v, nil
}

// decodeResult extracts the typed result carried by an ack.
func decodeResult[T any](ack rawAck) (T, error) {
	var v T
	if err := protocol.DecodeData(ack.Result, &v); err != nil {
		return v, fmt.Errorf("decode ack result: %w", err)
	}
	return v, nil
}

func prettyJSON(body []byte) string {
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return string(body)
	}
	return out.String()
}
