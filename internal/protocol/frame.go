// Package protocol defines the binary sync frames and the out-of-band
// presence message exchanged over collaboration connections.
package protocol

import (
	"errors"
	"fmt"
)

// FrameTag identifies the meaning of a binary frame. It is the first byte on
// the wire; the rest of the frame is the tag-specific payload.
type FrameTag byte

const (
	// TagVectorRequest asks the receiver to respond with everything the
	// sender is missing. Payload: the sender's encoded state vector.
	TagVectorRequest FrameTag = 0
	// TagVectorReply answers a vector request. Payload: an encoded update
	// addressed to the requester.
	TagVectorReply FrameTag = 1
	// TagUpdate broadcasts a document change. Payload: an encoded update.
	TagUpdate FrameTag = 2
	// TagAwareness relays ephemeral session state such as cursors and
	// selections. Payload: opaque, never persisted.
	TagAwareness FrameTag = 3
)

var (
	// ErrEmptyFrame indicates a frame with no tag byte. Empty frames are a
	// framing violation; callers close the connection.
	ErrEmptyFrame = errors.New("protocol: empty frame")
	// ErrUnknownTag indicates a frame whose tag byte matches no known type.
	ErrUnknownTag = errors.New("protocol: unknown frame tag")
)

// Frame is a decoded binary message.
type Frame struct {
	Tag     FrameTag
	Payload []byte
}

// EncodeFrame prefixes the payload with the tag byte.
func EncodeFrame(tag FrameTag, payload []byte) []byte {
	encoded := make([]byte, 0, 1+len(payload))
	encoded = append(encoded, byte(tag))
	return append(encoded, payload...)
}

// DecodeFrame splits a raw binary message into tag and payload.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	tag := FrameTag(raw[0])
	if tag > TagAwareness {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, raw[0])
	}
	return Frame{Tag: tag, Payload: raw[1:]}, nil
}
