package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeMessageSyncFrames(t *testing.T) {
	body := []byte{0x01, 0x02, 0x03}
	cases := []struct {
		name     string
		frame    []byte
		expected SyncType
	}{
		{name: "step1", frame: EncodeSyncStep1(body), expected: SyncStep1},
		{name: "step2", frame: EncodeSyncStep2(body), expected: SyncStep2},
		{name: "update", frame: EncodeSyncUpdate(body), expected: SyncUpdate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			message, err := DecodeMessage(tc.frame)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if message.Type != MessageSync {
				t.Fatalf("expected sync message, got %s", message.Type)
			}
			if message.Sync != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected, message.Sync)
			}
			if !bytes.Equal(message.Payload, body) {
				t.Fatalf("unexpected payload %v", message.Payload)
			}
		})
	}
}

func TestEncodeSyncStep1WireLayout(t *testing.T) {
	frame := EncodeSyncStep1([]byte{0xAA})
	expected := []byte{0x00, 0x00, 0x01, 0xAA}
	if !bytes.Equal(frame, expected) {
		t.Fatalf("expected %v, got %v", expected, frame)
	}
}

func TestDecodeMessageAwareness(t *testing.T) {
	message, err := DecodeMessage(EncodeAwareness([]byte("presence")))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if message.Type != MessageAwareness {
		t.Fatalf("expected awareness message, got %s", message.Type)
	}
	if string(message.Payload) != "presence" {
		t.Fatalf("unexpected payload %q", message.Payload)
	}
}

func TestDecodeMessageRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
		want  error
	}{
		{name: "empty", frame: nil, want: ErrMalformed},
		{name: "unknown type", frame: []byte{0x07, 0x00}, want: ErrUnknownMessageType},
		{name: "unknown sync type", frame: []byte{0x00, 0x09, 0x00}, want: ErrUnknownSyncType},
		{name: "truncated payload", frame: []byte{0x00, 0x02, 0x05, 0x01}, want: ErrMalformed},
		{name: "trailing bytes", frame: append(EncodeAwareness([]byte{0x01}), 0xFF), want: ErrTrailingBytes},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeMessage(tc.frame)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecoderReadsLargeVarints(t *testing.T) {
	encoder := NewEncoder(0)
	encoder.WriteVarUint(1 << 40)
	encoder.WriteVarString("cell:A1")
	decoder := NewDecoder(encoder.Bytes())
	value, err := decoder.ReadVarUint()
	if err != nil || value != 1<<40 {
		t.Fatalf("unexpected varint %d (%v)", value, err)
	}
	text, err := decoder.ReadVarString()
	if err != nil || text != "cell:A1" {
		t.Fatalf("unexpected string %q (%v)", text, err)
	}
	if err := decoder.Finish(); err != nil {
		t.Fatalf("expected decoder to be drained: %v", err)
	}
}
