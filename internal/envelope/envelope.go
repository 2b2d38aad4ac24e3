// Package envelope implements the single-line JSON wrapper that carries a
// gzipped, base64-encoded OTLP batch through a log stream, together with
// the environment-variable precedence rules shared by the exporter and
// the forwarder.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Version identifies the envelope format emitted by this module.
const Version = "0.17.0"

// DefaultEndpoint is the advisory endpoint recorded in every envelope.
const DefaultEndpoint = "http://localhost:4318/v1/traces"

// Envelope is the wire record, one JSON object per line.
type Envelope struct {
	Version         string            `json:"__otel_otlp_stdout"`
	Source          string            `json:"source"`
	Endpoint        string            `json:"endpoint"`
	Method          string            `json:"method"`
	ContentType     string            `json:"content-type"`
	ContentEncoding string            `json:"content-encoding"`
	Headers         map[string]string `json:"headers,omitempty"`
	Payload         string            `json:"payload"`
	Base64          bool              `json:"base64"`
	Level           string            `json:"level,omitempty"`
}

// Encode serializes the envelope to its single-line JSON form.
func (e *Envelope) Encode() (string, error) {
	buf, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(buf), nil
}

// Parse decodes one log line into an Envelope. Lines that are valid JSON
// but lack the version or payload fields are rejected so that ordinary
// application logs are not mistaken for envelopes.
func Parse(line string) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if e.Version == "" || e.Payload == "" {
		return nil, fmt.Errorf("line is not an otlp stdout envelope")
	}
	return &e, nil
}
