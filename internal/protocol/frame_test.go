package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeFrameRoundTrip(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	for _, tag := range []FrameTag{TagVectorRequest, TagVectorReply, TagUpdate, TagAwareness} {
		frame, err := DecodeFrame(EncodeFrame(tag, payload))
		if err != nil {
			t.Fatalf("decode tag %d: %v", tag, err)
		}
		if frame.Tag != tag {
			t.Fatalf("expected tag %d, got %d", tag, frame.Tag)
		}
		if !bytes.Equal(frame.Payload, payload) {
			t.Fatalf("payload mismatch for tag %d", tag)
		}
	}
}

func TestDecodeFrameAllowsEmptyPayload(t *testing.T) {
	frame, err := DecodeFrame([]byte{byte(TagVectorRequest)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frame.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(frame.Payload))
	}
}

func TestDecodeFrameRejectsEmptyFrame(t *testing.T) {
	if _, err := DecodeFrame(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestDecodeFrameRejectsUnknownTag(t *testing.T) {
	if _, err := DecodeFrame([]byte{0x7F, 0x01}); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestPresenceEventEncoding(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	encoded, err := NewPresenceEvent("user-7", PresenceActionJoined, at).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "presence" {
		t.Fatalf("expected type presence, got %v", decoded["type"])
	}
	if decoded["userId"] != "user-7" {
		t.Fatalf("expected userId user-7, got %v", decoded["userId"])
	}
	if decoded["action"] != "joined" {
		t.Fatalf("expected action joined, got %v", decoded["action"])
	}
	if int64(decoded["timestamp"].(float64)) != at.UnixMilli() {
		t.Fatalf("expected timestamp %d, got %v", at.UnixMilli(), decoded["timestamp"])
	}
}
