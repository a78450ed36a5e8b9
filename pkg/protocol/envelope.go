package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope wraps an arbitrary payload for sequence-numbered reliable delivery.
// Data envelopes carry Payload; ack envelopes echo the Seq they acknowledge.
type Envelope struct {
	Type      string  `json:"type"`
	Seq       uint64  `json:"seq"`
	Payload   []byte  `json:"payload,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// NewDataEnvelope wraps payload under seq.
func NewDataEnvelope(seq uint64, payload []byte, now time.Time) Envelope {
	return Envelope{Type: TypeData, Seq: seq, Payload: payload, Timestamp: UnixSeconds(now)}
}

// NewAckEnvelope acknowledges seq.
func NewAckEnvelope(seq uint64, now time.Time) Envelope {
	return Envelope{Type: TypeAck, Seq: seq, Timestamp: UnixSeconds(now)}
}

// ValidateBasic checks the envelope type.
func (e Envelope) ValidateBasic() error {
	switch e.Type {
	case TypeData, TypeAck:
		return nil
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("invalid envelope type %q", e.Type)
	}
}

// DecodeEnvelope parses and validates a frame holding an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
