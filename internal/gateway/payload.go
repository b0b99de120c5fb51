package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Payload is the one canonical push message shape. The wire format is strict:
// decoding rejects unknown fields instead of probing several nested locations
// for the same value.
type Payload struct {
	Type     PayloadType `json:"type"`
	CallerID string      `json:"caller_id"`
	RoomName string      `json:"room_name"`
	CallType string      `json:"call_type,omitempty"`

	DisplayName string `json:"display_name,omitempty"`
	MessageID   string `json:"message_id"`

	IsCancellation bool `json:"is_cancellation,omitempty"`
	IsDecline      bool `json:"is_decline,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

type PayloadType string

const (
	PayloadIncomingCall PayloadType = "incoming_call"
	PayloadCancellation PayloadType = "call_cancelled"
	PayloadDecline      PayloadType = "call_declined"
)

var ErrInvalidPayload = errors.New("gateway: invalid payload")

// Validate checks the canonical shape. Cancellation and decline payloads set
// the matching flag; incoming calls never do.
func (p Payload) Validate() error {
	if p.CallerID == "" || p.RoomName == "" {
		return ErrInvalidPayload
	}
	if p.Timestamp.IsZero() {
		return ErrInvalidPayload
	}
	switch p.Type {
	case PayloadIncomingCall:
		if p.IsCancellation || p.IsDecline {
			return ErrInvalidPayload
		}
	case PayloadCancellation:
		if !p.IsCancellation {
			return ErrInvalidPayload
		}
	case PayloadDecline:
		if !p.IsDecline {
			return ErrInvalidPayload
		}
	default:
		return ErrInvalidPayload
	}
	return nil
}

// Terminates reports whether the payload signals the end of an attempt
// rather than a new incoming call.
func (p Payload) Terminates() bool {
	return p.IsCancellation || p.IsDecline
}

// ParsePayload decodes exactly one canonical payload and nothing else.
func ParsePayload(raw []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return Payload{}, ErrInvalidPayload
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
