// Package chat implements room-scoped chat semantics on top of one
// transport connection: membership, message send/receive with local caching
// and deduplication, typing indicators and delivery/read receipts.
package chat

import (
	"time"

	"github.com/vitaglow/realtime/protocol"
)

// SystemRole marks synthetic messages the session generates for remote
// join/leave events, so UIs can render them distinctly.
const SystemRole = "system"

// Message is one chat message as held in the room cache. Identity is ID;
// a cached message is mutated in place when delivery or read receipts
// arrive for it.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	SenderRole string    `json:"sender_role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Read       bool      `json:"read"`
	Delivered  bool      `json:"delivered"`
	ReadBy     []string  `json:"read_by"`
	System     bool      `json:"system,omitempty"`
}

// TypingEvent is delivered to OnTyping. Expired indicators arrive with
// IsTyping=false even if the remote side never cleared them.
type TypingEvent struct {
	UserID   string
	UserName string
	RoomID   string
	IsTyping bool
}

// Handlers receives session events. Any field may be nil.
type Handlers struct {
	// OnMessage fires for every new message materialized in the room
	// stream: inbound messages, the optimistic local echo of SendMessage,
	// cached replays on JoinRoom, and synthetic system messages.
	OnMessage func(Message)

	// OnMessageUpdate fires when a cached message mutates, i.e. when a
	// delivery or read receipt lands on it.
	OnMessageUpdate func(Message)

	OnTyping      func(TypingEvent)
	OnReadReceipt func(protocol.ReadReceiptPayload)
	OnDelivered   func(protocol.DeliveredPayload)

	OnConnected    func()
	OnDisconnected func()
	OnError        func(error)
}

func messageFromPayload(p protocol.MessagePayload) *Message {
	return &Message{
		ID:         p.ID,
		RoomID:     p.RoomID,
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		SenderRole: p.SenderRole,
		Content:    p.Content,
		Timestamp:  p.Timestamp,
	}
}

func payloadFromMessage(m *Message) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		SenderRole: m.SenderRole,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	}
}
