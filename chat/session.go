package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitaglow/realtime/protocol"
	"github.com/vitaglow/realtime/transport"
)

// ErrNoActiveRoom is surfaced through OnError when an operation that needs
// room context (SendMessage, SendTyping, MarkAsRead) runs before JoinRoom.
var ErrNoActiveRoom = errors.New("chat: no active room")

const (
	// DefaultTypingTimeout bounds the "is typing…" state: an indicator
	// that is not refreshed within this window is treated as cleared.
	DefaultTypingTimeout = 3 * time.Second

	// DefaultCacheGrace is how long a room's message cache survives after
	// leaving the room, in case of a rapid rejoin.
	DefaultCacheGrace = 60 * time.Second
)

// Session provides room-scoped chat on top of a transport connection it
// owns. All exported methods are safe for concurrent use.
type Session struct {
	tp     transport.Transport
	logger *slog.Logger

	typingTimeout time.Duration
	cacheGrace    time.Duration
	now           func() time.Time
	transportOpts []transport.Option

	mu       sync.Mutex
	handlers Handlers

	roomID   string
	userID   string
	userName string
	role     string

	// cache holds the ordered message stream per room; index provides
	// id-based dedupe and receipt lookup into the same *Message values.
	cache map[string][]*Message
	index map[string]map[string]*Message

	typingTimers    map[string]*time.Timer // remote userID -> expiry
	selfTypingTimer *time.Timer
	evictTimers     map[string]*time.Timer // roomID -> cache eviction

	destroyed bool
}

// Option configures a Session.
type Option func(*Session)

// WithTransport substitutes the connection, primarily for tests. The
// session still owns it and destroys it on Destroy.
func WithTransport(tp transport.Transport) Option {
	return func(s *Session) { s.tp = tp }
}

// WithTypingTimeout overrides the typing auto-expiry window.
func WithTypingTimeout(d time.Duration) Option {
	return func(s *Session) { s.typingTimeout = d }
}

// WithCacheGrace overrides how long a left room's cache is retained.
func WithCacheGrace(d time.Duration) Option {
	return func(s *Session) { s.cacheGrace = d }
}

// WithClock substitutes the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithTransportOptions forwards options to the transport the session dials
// for itself. Ignored when WithTransport is given.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(s *Session) { s.transportOpts = opts }
}

// NewSession creates a chat session and connects it to the endpoint. The
// session owns its connection; use Destroy to tear everything down.
func NewSession(endpoint string, handlers Handlers, opts ...Option) *Session {
	s := &Session{
		logger:        slog.Default().With("component", "chat"),
		typingTimeout: DefaultTypingTimeout,
		cacheGrace:    DefaultCacheGrace,
		now:           time.Now,
		handlers:      handlers,
		cache:         make(map[string][]*Message),
		index:         make(map[string]map[string]*Message),
		typingTimers:  make(map[string]*time.Timer),
		evictTimers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}

	dialed := false
	if s.tp == nil {
		s.tp = transport.New(endpoint, s.transportOpts...)
		dialed = true
	}

	s.tp.OnMessage(s.handleEnvelope)
	s.tp.OnConnected(s.handleConnected)
	s.tp.OnDisconnected(func() {
		s.mu.Lock()
		h := s.handlers
		s.mu.Unlock()
		if h.OnDisconnected != nil {
			h.OnDisconnected()
		}
	})
	s.tp.OnError(func(err error) {
		s.mu.Lock()
		h := s.handlers
		destroyed := s.destroyed
		s.mu.Unlock()
		if h.OnError != nil && !destroyed {
			h.OnError(err)
		}
	})

	if dialed {
		if conn, ok := s.tp.(*transport.Conn); ok {
			conn.Connect()
		}
	}
	return s
}

// handleConnected re-establishes room context after a (re)connect and then
// notifies the host.
func (s *Session) handleConnected() {
	s.mu.Lock()
	roomID, userID, userName := s.roomID, s.userID, s.userName
	handlers := s.handlers
	s.mu.Unlock()

	if roomID != "" && userID != "" {
		s.sendJoin(roomID, userID, userName)
	}
	if handlers.OnConnected != nil {
		handlers.OnConnected()
	}
}

// JoinRoom enters a room with the given identity. Joining the room the
// session is already in with the same user is a no-op; otherwise any
// current room is left first. Cached messages for the room are replayed to
// OnMessage before the join envelope goes out, and the room is rejoined
// automatically if the transport reconnects later.
func (s *Session) JoinRoom(roomID, userID, userName, role string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.roomID == roomID && s.userID == userID {
		s.mu.Unlock()
		return
	}
	if s.roomID != "" {
		s.leaveLocked()
	}

	s.roomID = roomID
	s.userID = userID
	s.userName = userName
	s.role = role

	// A rapid rejoin keeps the cache.
	if timer, ok := s.evictTimers[roomID]; ok {
		timer.Stop()
		delete(s.evictTimers, roomID)
	}

	replay := make([]Message, 0, len(s.cache[roomID]))
	for _, m := range s.cache[roomID] {
		replay = append(replay, *m)
	}
	handlers := s.handlers
	s.mu.Unlock()

	s.logger.Info("joining room", "room_id", roomID, "user_id", userID, "cached", len(replay))
	for _, m := range replay {
		if handlers.OnMessage != nil {
			handlers.OnMessage(m)
		}
	}

	if s.tp.IsConnected() {
		s.sendJoin(roomID, userID, userName)
	}
}

func (s *Session) sendJoin(roomID, userID, userName string) {
	err := s.tp.Send(protocol.TypeJoin, protocol.RoomEventPayload{
		RoomID:   roomID,
		UserID:   userID,
		UserName: userName,
	})
	if err != nil {
		s.logger.Warn("join send dropped", "room_id", roomID, "error", err)
	}
}

// LeaveRoom leaves the current room. The room's message cache is retained
// for a grace period before eviction, in case the user rejoins quickly.
func (s *Session) LeaveRoom() {
	s.mu.Lock()
	if s.roomID == "" {
		s.mu.Unlock()
		return
	}
	s.leaveLocked()
	s.mu.Unlock()
}

// leaveLocked performs the leave with s.mu held.
func (s *Session) leaveLocked() {
	roomID := s.roomID
	userID, userName := s.userID, s.userName

	for id, timer := range s.typingTimers {
		timer.Stop()
		delete(s.typingTimers, id)
	}
	if s.selfTypingTimer != nil {
		s.selfTypingTimer.Stop()
		s.selfTypingTimer = nil
	}

	if timer, ok := s.evictTimers[roomID]; ok {
		timer.Stop()
	}
	s.evictTimers[roomID] = time.AfterFunc(s.cacheGrace, func() { s.evictRoom(roomID) })

	s.roomID = ""

	if s.tp.IsConnected() {
		// Send outside the lock is preferable, but the transport drops
		// rather than blocks, so a direct send here cannot deadlock.
		go func() {
			err := s.tp.Send(protocol.TypeLeave, protocol.RoomEventPayload{
				RoomID:   roomID,
				UserID:   userID,
				UserName: userName,
			})
			if err != nil {
				s.logger.Warn("leave send dropped", "room_id", roomID, "error", err)
			}
		}()
	}
	s.logger.Info("left room", "room_id", roomID)
}

// evictRoom drops a room's cache once the grace period elapses without a
// rejoin.
func (s *Session) evictRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.roomID == roomID {
		return
	}
	delete(s.cache, roomID)
	delete(s.index, roomID)
	delete(s.evictTimers, roomID)
	s.logger.Debug("evicted room cache", "room_id", roomID)
}

// SendMessage sends a chat message to the current room and returns its
// generated id. The message is cached and echoed to OnMessage immediately,
// before any network acknowledgement, so the sender's UI reflects it
// without a round trip. Without an active room it logs, surfaces
// ErrNoActiveRoom and returns "".
func (s *Session) SendMessage(content, userID, userName, role string) string {
	s.mu.Lock()
	if s.destroyed || s.roomID == "" {
		handlers := s.handlers
		s.mu.Unlock()
		s.logger.Warn("send without active room, dropping", "user_id", userID)
		if handlers.OnError != nil {
			handlers.OnError(ErrNoActiveRoom)
		}
		return ""
	}

	msg := &Message{
		ID:         uuid.NewString(),
		RoomID:     s.roomID,
		SenderID:   userID,
		SenderName: userName,
		SenderRole: role,
		Content:    content,
		Timestamp:  s.now(),
		ReadBy:     []string{},
	}
	s.insertLocked(msg)
	echo := *msg
	handlers := s.handlers
	s.mu.Unlock()

	if err := s.tp.Send(protocol.TypeMessage, payloadFromMessage(&echo)); err != nil {
		s.logger.Warn("message send dropped", "message_id", echo.ID, "error", err)
	}

	// Optimistic local echo, independent of transport acknowledgement.
	if handlers.OnMessage != nil {
		handlers.OnMessage(echo)
	}
	return echo.ID
}

// insertLocked adds a message to its room cache. Caller holds s.mu.
func (s *Session) insertLocked(m *Message) {
	if s.index[m.RoomID] == nil {
		s.index[m.RoomID] = make(map[string]*Message)
	}
	s.index[m.RoomID][m.ID] = m
	s.cache[m.RoomID] = append(s.cache[m.RoomID], m)
}

// SendTyping transmits a typing indicator for the current room. A true
// indicator arms a self-clearing timer that sends false automatically if
// the caller does not refresh it, so the remote "is typing…" state is
// bounded even if the host forgets to clear it.
func (s *Session) SendTyping(isTyping bool) {
	s.mu.Lock()
	if s.destroyed || s.roomID == "" || s.userID == "" {
		s.mu.Unlock()
		return
	}
	payload := protocol.TypingPayload{
		UserID:   s.userID,
		UserName: s.userName,
		RoomID:   s.roomID,
		IsTyping: isTyping,
	}

	if s.selfTypingTimer != nil {
		s.selfTypingTimer.Stop()
		s.selfTypingTimer = nil
	}
	if isTyping {
		s.selfTypingTimer = time.AfterFunc(s.typingTimeout, func() { s.SendTyping(false) })
	}
	s.mu.Unlock()

	if !s.tp.IsConnected() {
		return
	}
	if err := s.tp.Send(protocol.TypeTyping, payload); err != nil {
		s.logger.Warn("typing send dropped", "error", err)
	}
}

// MarkAsRead marks a cached message read by the local user and transmits a
// read receipt. Idempotent beyond the duplicate network send.
func (s *Session) MarkAsRead(messageID string) {
	s.mu.Lock()
	if s.destroyed || s.roomID == "" || s.userID == "" {
		handlers := s.handlers
		s.mu.Unlock()
		if handlers.OnError != nil {
			handlers.OnError(ErrNoActiveRoom)
		}
		return
	}
	userID := s.userID
	if m, ok := s.index[s.roomID][messageID]; ok {
		m.Read = true
		if !containsUser(m.ReadBy, userID) {
			m.ReadBy = append(m.ReadBy, userID)
		}
	}
	s.mu.Unlock()

	err := s.tp.Send(protocol.TypeReadReceipt, protocol.ReadReceiptPayload{
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    s.now(),
	})
	if err != nil {
		s.logger.Warn("read receipt send dropped", "message_id", messageID, "error", err)
	}
}

func containsUser(users []string, id string) bool {
	for _, u := range users {
		if u == id {
			return true
		}
	}
	return false
}

// handleEnvelope dispatches one inbound envelope.
func (s *Session) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMessage:
		var p protocol.MessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.emitError(fmt.Errorf("%w: message payload: %v", protocol.ErrMalformedEnvelope, err))
			return
		}
		s.handleInboundMessage(p)

	case protocol.TypeTyping:
		var p protocol.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.emitError(fmt.Errorf("%w: typing payload: %v", protocol.ErrMalformedEnvelope, err))
			return
		}
		s.handleTyping(p)

	case protocol.TypeReadReceipt:
		var p protocol.ReadReceiptPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.emitError(fmt.Errorf("%w: read receipt payload: %v", protocol.ErrMalformedEnvelope, err))
			return
		}
		s.handleReadReceipt(p)

	case protocol.TypeDelivered:
		var p protocol.DeliveredPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.emitError(fmt.Errorf("%w: delivered payload: %v", protocol.ErrMalformedEnvelope, err))
			return
		}
		s.handleDelivered(p)

	case protocol.TypeJoin, protocol.TypeLeave:
		var p protocol.RoomEventPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.emitError(fmt.Errorf("%w: room event payload: %v", protocol.ErrMalformedEnvelope, err))
			return
		}
		s.handleRoomEvent(env.Type, p)
	}
}

// handleInboundMessage materializes an inbound message at most once. New
// messages from other senders are acknowledged with a delivered envelope.
func (s *Session) handleInboundMessage(p protocol.MessagePayload) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.index[p.RoomID][p.ID]; dup {
		s.mu.Unlock()
		s.logger.Debug("dropping duplicate message", "message_id", p.ID)
		return
	}
	msg := messageFromPayload(p)
	msg.ReadBy = []string{}
	s.insertLocked(msg)
	fromSelf := p.SenderID == s.userID
	localUser := s.userID
	echo := *msg
	handlers := s.handlers
	s.mu.Unlock()

	if handlers.OnMessage != nil {
		handlers.OnMessage(echo)
	}

	if !fromSelf && s.tp.IsConnected() {
		err := s.tp.Send(protocol.TypeDelivered, protocol.DeliveredPayload{
			MessageID: p.ID,
			UserID:    localUser,
		})
		if err != nil {
			s.logger.Warn("delivered ack dropped", "message_id", p.ID, "error", err)
		}
	}
}

// handleTyping surfaces a remote typing indicator and (re)arms its expiry
// timer so a stuck indicator clears itself.
func (s *Session) handleTyping(p protocol.TypingPayload) {
	s.mu.Lock()
	if s.destroyed || p.UserID == s.userID {
		s.mu.Unlock()
		return
	}
	if timer, ok := s.typingTimers[p.UserID]; ok {
		timer.Stop()
		delete(s.typingTimers, p.UserID)
	}
	if p.IsTyping {
		expired := p
		expired.IsTyping = false
		s.typingTimers[p.UserID] = time.AfterFunc(s.typingTimeout, func() {
			s.expireTyping(expired)
		})
	}
	handlers := s.handlers
	s.mu.Unlock()

	if handlers.OnTyping != nil {
		handlers.OnTyping(TypingEvent{
			UserID:   p.UserID,
			UserName: p.UserName,
			RoomID:   p.RoomID,
			IsTyping: p.IsTyping,
		})
	}
}

// expireTyping fires the auto-clear for a typing indicator that was never
// refreshed.
func (s *Session) expireTyping(p protocol.TypingPayload) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	delete(s.typingTimers, p.UserID)
	handlers := s.handlers
	s.mu.Unlock()

	if handlers.OnTyping != nil {
		handlers.OnTyping(TypingEvent{
			UserID:   p.UserID,
			UserName: p.UserName,
			RoomID:   p.RoomID,
			IsTyping: false,
		})
	}
}

func (s *Session) handleReadReceipt(p protocol.ReadReceiptPayload) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	var updated *Message
	for _, byID := range s.index {
		if m, ok := byID[p.MessageID]; ok {
			m.Read = true
			if !containsUser(m.ReadBy, p.UserID) {
				m.ReadBy = append(m.ReadBy, p.UserID)
			}
			updated = m
			break
		}
	}
	var echo Message
	if updated != nil {
		echo = *updated
	}
	handlers := s.handlers
	s.mu.Unlock()

	if handlers.OnReadReceipt != nil {
		handlers.OnReadReceipt(p)
	}
	if updated != nil && handlers.OnMessageUpdate != nil {
		handlers.OnMessageUpdate(echo)
	}
}

func (s *Session) handleDelivered(p protocol.DeliveredPayload) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	var updated *Message
	for _, byID := range s.index {
		if m, ok := byID[p.MessageID]; ok {
			m.Delivered = true
			updated = m
			break
		}
	}
	var echo Message
	if updated != nil {
		echo = *updated
	}
	handlers := s.handlers
	s.mu.Unlock()

	if handlers.OnDelivered != nil {
		handlers.OnDelivered(p)
	}
	if updated != nil && handlers.OnMessageUpdate != nil {
		handlers.OnMessageUpdate(echo)
	}
}

// handleRoomEvent surfaces another user's join/leave as a synthetic system
// message in the room stream.
func (s *Session) handleRoomEvent(eventType string, p protocol.RoomEventPayload) {
	s.mu.Lock()
	if s.destroyed || p.UserID == s.userID {
		s.mu.Unlock()
		return
	}

	verb := "joined"
	if eventType == protocol.TypeLeave {
		verb = "left"
	}
	name := p.UserName
	if name == "" {
		name = p.UserID
	}
	msg := &Message{
		ID:         uuid.NewString(),
		RoomID:     p.RoomID,
		SenderID:   p.UserID,
		SenderName: p.UserName,
		SenderRole: SystemRole,
		Content:    fmt.Sprintf("%s has %s the room", name, verb),
		Timestamp:  s.now(),
		ReadBy:     []string{},
		System:     true,
	}
	s.insertLocked(msg)
	echo := *msg
	handlers := s.handlers
	s.mu.Unlock()

	if handlers.OnMessage != nil {
		handlers.OnMessage(echo)
	}
}

// Messages returns a snapshot of the cached stream for a room.
func (s *Session) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.cache[roomID]))
	for _, m := range s.cache[roomID] {
		out = append(out, *m)
	}
	return out
}

// CurrentRoom returns the active room id, or "" when not in a room.
func (s *Session) CurrentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) emitError(err error) {
	s.mu.Lock()
	handlers := s.handlers
	destroyed := s.destroyed
	s.mu.Unlock()
	s.logger.Warn("session error", "error", err)
	if handlers.OnError != nil && !destroyed {
		handlers.OnError(err)
	}
}

// Destroy tears the session down: all timers cancelled, caches dropped and
// the owned transport terminated. Idempotent; no handlers fire afterwards.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	for id, timer := range s.typingTimers {
		timer.Stop()
		delete(s.typingTimers, id)
	}
	if s.selfTypingTimer != nil {
		s.selfTypingTimer.Stop()
		s.selfTypingTimer = nil
	}
	for id, timer := range s.evictTimers {
		timer.Stop()
		delete(s.evictTimers, id)
	}
	s.cache = make(map[string][]*Message)
	s.index = make(map[string]map[string]*Message)
	s.handlers = Handlers{}
	s.roomID = ""
	s.mu.Unlock()

	s.tp.Destroy()
	s.logger.Info("chat session destroyed")
}
