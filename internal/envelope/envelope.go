// Package envelope implements the REQ envelope: base64 of {success, body},
// carried inside WebSocket messages and in the X-Req HTTP header.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// HeaderName is the HTTP header carrying an encoded envelope.
const HeaderName = "X-Req"

// DefaultMaxBytes caps the encoded size when no limit is configured.
const DefaultMaxBytes = 4 << 20

var (
	// ErrEnvelopeTooLarge indicates an encoded envelope above the size cap.
	ErrEnvelopeTooLarge = errors.New("envelope: too large")
	// ErrMalformedEnvelope indicates an envelope that is not base64 JSON of {success, body}.
	ErrMalformedEnvelope = errors.New("envelope: malformed")
)

// Envelope is the decoded wrapper. Body is kept raw until a typed decode.
type Envelope struct {
	Success bool            `json:"success"`
	Body    json.RawMessage `json:"body"`
}

// StatusBody is the generic response body accompanying a response envelope.
type StatusBody struct {
	Status string `json:"status"`
}

// Codec encodes and decodes envelopes under a size cap.
type Codec struct {
	maxBytes int
}

// NewCodec returns a codec rejecting encoded envelopes longer than maxBytes.
func NewCodec(maxBytes int) Codec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return Codec{maxBytes: maxBytes}
}

// MaxBytes reports the configured cap.
func (c Codec) MaxBytes() int {
	return c.maxBytes
}

// Encode wraps body and returns the base64 text. Oversize output is an error,
// never truncated.
func (c Codec) Encode(success bool, body any) (string, error) {
	raw, err := json.Marshal(struct {
		Success bool `json:"success"`
		Body    any  `json:"body"`
	}{Success: success, Body: body})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if base64.StdEncoding.EncodedLen(len(raw)) > c.maxBytes {
		return "", fmt.Errorf("%w: %d bytes encoded, limit %d", ErrEnvelopeTooLarge, base64.StdEncoding.EncodedLen(len(raw)), c.maxBytes)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode unwraps an encoded envelope. When target is non-nil the body is
// decoded into it as well.
func (c Codec) Decode(encoded string, target any) (Envelope, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return Envelope{}, fmt.Errorf("%w: empty", ErrMalformedEnvelope)
	}
	if len(trimmed) > c.maxBytes {
		return Envelope{}, fmt.Errorf("%w: %d bytes encoded, limit %d", ErrEnvelopeTooLarge, len(trimmed), c.maxBytes)
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(trimmed, "="))
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
	}
	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if target != nil {
		if len(decoded.Body) == 0 || string(decoded.Body) == "null" {
			return Envelope{}, fmt.Errorf("%w: missing body", ErrMalformedEnvelope)
		}
		if err := json.Unmarshal(decoded.Body, target); err != nil {
			return Envelope{}, fmt.Errorf("%w: body: %v", ErrMalformedEnvelope, err)
		}
	}
	return decoded, nil
}

// FromHeader decodes the envelope in the X-Req header, reporting whether one was present.
func (c Codec) FromHeader(header http.Header, target any) (bool, error) {
	value := header.Get(HeaderName)
	if value == "" {
		return false, nil
	}
	_, err := c.Decode(value, target)
	return true, err
}

// Respond sets the X-Req response header and returns the generic status body.
func (c Codec) Respond(header http.Header, success bool, body any) (StatusBody, error) {
	encoded, err := c.Encode(success, body)
	if err != nil {
		return StatusBody{Status: "error"}, err
	}
	header.Set(HeaderName, encoded)
	if success {
		return StatusBody{Status: "ok"}, nil
	}
	return StatusBody{Status: "error"}, nil
}
