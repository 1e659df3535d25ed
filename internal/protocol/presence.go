package protocol

import (
	"encoding/json"
	"time"
)

const (
	presenceMessageType = "presence"

	// PresenceActionJoined announces a user entering a room.
	PresenceActionJoined = "joined"
	// PresenceActionLeft announces a user leaving a room.
	PresenceActionLeft = "left"
)

// PresenceEvent is the out-of-band text message broadcast when a user joins
// or leaves a room. It travels as a websocket text frame so clients can
// distinguish it from binary sync traffic.
type PresenceEvent struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// NewPresenceEvent builds a presence event stamped with unix milliseconds.
func NewPresenceEvent(userID string, action string, at time.Time) PresenceEvent {
	return PresenceEvent{
		Type:      presenceMessageType,
		UserID:    userID,
		Action:    action,
		Timestamp: at.UnixMilli(),
	}
}

// Encode renders the event as JSON.
func (event PresenceEvent) Encode() ([]byte, error) {
	return json.Marshal(event)
}
