// Package protocol defines the wire format shared by every component of the
// realtime engine. All traffic is a JSON envelope {type, data}; presence
// traffic is double-tagged with an inner {type, data} frame inside the outer
// "presence" envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Outer envelope types.
const (
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
	TypeDelivered   = "delivered"
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypePresence    = "presence"
)

// Inner presence frame types.
const (
	PresenceHeartbeat = "heartbeat"
	PresenceUpdate    = "presence_update"
	PresenceList      = "presence_list"
)

// ErrMalformedEnvelope is returned when an inbound frame cannot be decoded.
// It is a protocol error, not a connection error: the connection stays alive.
var ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

// Envelope is the outer wire frame. Data stays raw so each consumer can
// decode only the payloads it cares about.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PresenceFrame is the inner frame carried inside a "presence" envelope.
type PresenceFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MessagePayload is the body of a "message" envelope.
type MessagePayload struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	SenderRole string    `json:"sender_role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// TypingPayload is the body of a "typing" envelope.
type TypingPayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// ReadReceiptPayload is the body of a "read_receipt" envelope.
type ReadReceiptPayload struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// DeliveredPayload is the body of a "delivered" envelope.
type DeliveredPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

// RoomEventPayload is the body of "join" and "leave" envelopes.
type RoomEventPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// PresencePayload is the body of a "presence_update" inner frame, and of
// each entry in a "presence_list" frame.
type PresencePayload struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatPayload is the body of a "heartbeat" inner frame.
type HeartbeatPayload struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceListPayload is the body of a "presence_list" inner frame: a bulk
// snapshot of remote users, typically sent on connect.
type PresenceListPayload struct {
	Users []PresencePayload `json:"users"`
}

// Encode wraps a payload in an outer envelope and marshals it for the wire.
func Encode(msgType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Data: data})
}

// Decode parses an inbound frame into an envelope. A frame that is not a
// JSON object with a string "type" yields ErrMalformedEnvelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}

// NewPresenceFrame builds the inner frame for a "presence" envelope.
func NewPresenceFrame(frameType string, payload any) (PresenceFrame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return PresenceFrame{}, fmt.Errorf("protocol: encode %s frame: %w", frameType, err)
	}
	return PresenceFrame{Type: frameType, Data: data}, nil
}

// DecodePresenceFrame parses the inner frame of a "presence" envelope.
func DecodePresenceFrame(data json.RawMessage) (PresenceFrame, error) {
	var frame PresenceFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return PresenceFrame{}, fmt.Errorf("%w: presence frame: %v", ErrMalformedEnvelope, err)
	}
	if frame.Type == "" {
		return PresenceFrame{}, fmt.Errorf("%w: presence frame missing type", ErrMalformedEnvelope)
	}
	return frame, nil
}
