package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeEnvelopeData(t *testing.T) {
	now := time.Unix(1700000000, 0)
	env := NewDataEnvelope(12, []byte{0x00, 0xff, 0x10}, now)

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got.Type != TypeData || got.Seq != 12 {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if !bytes.Equal(got.Payload, []byte{0x00, 0xff, 0x10}) {
		t.Fatalf("payload = %x", got.Payload)
	}
	if got.Timestamp != 1700000000 {
		t.Fatalf("timestamp = %v", got.Timestamp)
	}
}

func TestDecodeEnvelopeAckHasNoPayload(t *testing.T) {
	data, err := json.Marshal(NewAckEnvelope(3, time.Unix(1, 0)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(data, []byte("payload")) {
		t.Fatalf("ack envelope should omit payload: %s", data)
	}
	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got.Type != TypeAck || got.Seq != 3 {
		t.Fatalf("unexpected envelope %+v", got)
	}
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing type", `{"seq":1}`},
		{"unknown type", `{"type":"nack","seq":1}`},
		{"not json", "\x00\x01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEnvelope([]byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
