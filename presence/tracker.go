// Package presence broadcasts the local user's liveness and derives remote
// users' online/away/offline state from the inbound presence stream.
package presence

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaglow/realtime/protocol"
	"github.com/vitaglow/realtime/transport"
)

// Status is a user's liveness state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

const (
	// DefaultHeartbeatInterval is how often the local heartbeat is sent.
	DefaultHeartbeatInterval = 30 * time.Second

	// StaleThresholdMultiplier determines how many missed heartbeats to
	// tolerate before a remote user is considered stale. The stale
	// threshold must stay strictly greater than the heartbeat interval.
	StaleThresholdMultiplier = 2

	// DefaultStaleCheckInterval is how often the stale sweep runs.
	DefaultStaleCheckInterval = 30 * time.Second

	// DefaultActivityCooldown is how long the activity signal is ignored
	// after it fires once, so continuous input does not cause an update
	// storm.
	DefaultActivityCooldown = 5 * time.Second
)

// UserPresence is the last-known liveness state of a remote user. Entries
// are created on first sight and only ever marked offline, never removed.
type UserPresence struct {
	UserID        string    `json:"user_id"`
	UserName      string    `json:"user_name"`
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastSeen      time.Time `json:"last_seen"`
}

// Handlers receives presence events. Any field may be nil.
// OnPresenceUpdate fires on every upsert; the three transition handlers
// fire exactly once per status edge, never for repeated identical status.
type Handlers struct {
	OnPresenceUpdate func(UserPresence)
	OnUserOnline     func(UserPresence)
	OnUserAway       func(UserPresence)
	OnUserOffline    func(UserPresence)
}

// Tracker broadcasts local liveness over an injected transport and keeps a
// map of remote presences. All exported methods are safe for concurrent use.
type Tracker struct {
	tp     transport.Transport
	logger *slog.Logger

	heartbeatInterval  time.Duration
	staleCheckInterval time.Duration
	staleThreshold     time.Duration
	activityCooldown   time.Duration
	now                func() time.Time

	mu       sync.RWMutex
	users    map[string]UserPresence
	handlers Handlers

	userID      string
	userName    string
	tracking    bool
	localStatus Status

	lastActivityFire time.Time

	stopHeartbeat chan struct{}
	stopStale     chan struct{}
	destroyed     bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHeartbeatInterval overrides the heartbeat interval. The stale
// threshold follows it unless WithStaleThreshold is also given.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *Tracker) {
		t.heartbeatInterval = d
		t.staleThreshold = d * StaleThresholdMultiplier
	}
}

// WithStaleCheckInterval overrides how often the stale sweep runs.
func WithStaleCheckInterval(d time.Duration) Option {
	return func(t *Tracker) { t.staleCheckInterval = d }
}

// WithStaleThreshold overrides the staleness threshold directly.
func WithStaleThreshold(d time.Duration) Option {
	return func(t *Tracker) { t.staleThreshold = d }
}

// WithActivityCooldown overrides the activity throttle window.
func WithActivityCooldown(d time.Duration) Option {
	return func(t *Tracker) { t.activityCooldown = d }
}

// WithClock substitutes the time source, so staleness and last-seen
// formatting are testable without sleeping.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker on the given transport. The transport is
// injected, not owned: the tracker registers its inbound handler but never
// destroys the connection.
func NewTracker(tp transport.Transport, opts ...Option) *Tracker {
	t := &Tracker{
		tp:                 tp,
		logger:             slog.Default().With("component", "presence"),
		heartbeatInterval:  DefaultHeartbeatInterval,
		staleCheckInterval: DefaultStaleCheckInterval,
		staleThreshold:     DefaultHeartbeatInterval * StaleThresholdMultiplier,
		activityCooldown:   DefaultActivityCooldown,
		now:                time.Now,
		users:              make(map[string]UserPresence),
		localStatus:        StatusOffline,
	}
	for _, opt := range opts {
		opt(t)
	}

	tp.OnMessage(t.handleEnvelope)
	return t
}

// StartTracking records the local identity, immediately announces
// status=online plus one heartbeat, and arms the repeating heartbeat timer.
func (t *Tracker) StartTracking(userID, userName string, handlers Handlers) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	if t.tracking {
		t.mu.Unlock()
		t.logger.Warn("already tracking, ignoring start", "user_id", userID)
		return
	}
	t.userID = userID
	t.userName = userName
	t.handlers = handlers
	t.localStatus = StatusOnline
	t.tracking = true
	t.stopHeartbeat = make(chan struct{})
	stop := t.stopHeartbeat
	t.mu.Unlock()

	t.sendStatus(StatusOnline)
	t.sendHeartbeat()

	go t.heartbeatLoop(stop)
	t.logger.Info("presence tracking started", "user_id", userID)
}

func (t *Tracker) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sendHeartbeat()
		case <-stop:
			return
		}
	}
}

// StopTracking announces status=offline and cancels the heartbeat timer.
// Safe to call multiple times and before tracking ever started.
func (t *Tracker) StopTracking() {
	t.mu.Lock()
	if !t.tracking {
		t.mu.Unlock()
		return
	}
	t.tracking = false
	t.localStatus = StatusOffline
	close(t.stopHeartbeat)
	t.stopHeartbeat = nil
	userID, userName := t.userID, t.userName
	t.mu.Unlock()

	t.sendPresence(protocol.PresenceUpdate, protocol.PresencePayload{
		UserID:    userID,
		UserName:  userName,
		Status:    string(StatusOffline),
		Timestamp: t.now(),
	})
	t.logger.Info("presence tracking stopped", "user_id", userID)
}

// UpdateStatus explicitly changes the local status and always transmits a
// presence_update, e.g. to announce "away" when the host detects idleness.
func (t *Tracker) UpdateStatus(status Status) {
	t.mu.Lock()
	if t.destroyed || !t.tracking {
		t.mu.Unlock()
		return
	}
	t.localStatus = status
	t.mu.Unlock()

	t.sendStatus(status)
}

// Activity is the passive activity signal (pointer or keyboard input on the
// host side). When the local status is not online it transmits a return to
// online, throttled so a burst of input produces at most one update per
// cooldown window.
func (t *Tracker) Activity() {
	t.mu.Lock()
	if t.destroyed || !t.tracking || t.localStatus == StatusOnline {
		t.mu.Unlock()
		return
	}
	now := t.now()
	if !t.lastActivityFire.IsZero() && now.Sub(t.lastActivityFire) < t.activityCooldown {
		t.mu.Unlock()
		return
	}
	t.lastActivityFire = now
	t.localStatus = StatusOnline
	t.mu.Unlock()

	t.sendStatus(StatusOnline)
}

// StartStaleCheck arms the repeating sweep that demotes remote users whose
// heartbeat has gone silent for longer than the stale threshold. This is the
// mechanism that catches peers who disconnected without saying goodbye.
func (t *Tracker) StartStaleCheck() {
	t.mu.Lock()
	if t.destroyed || t.stopStale != nil {
		t.mu.Unlock()
		return
	}
	t.stopStale = make(chan struct{})
	stop := t.stopStale
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.staleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.checkStalePresence()
			case <-stop:
				return
			}
		}
	}()
}

// checkStalePresence performs one sweep over the remote map.
func (t *Tracker) checkStalePresence() {
	threshold := t.now().Add(-t.staleThreshold)

	t.mu.Lock()
	var demoted []UserPresence
	for id, p := range t.users {
		if p.Status != StatusOffline && p.LastHeartbeat.Before(threshold) {
			p.Status = StatusOffline
			t.users[id] = p
			demoted = append(demoted, p)
		}
	}
	handlers := t.handlers
	t.mu.Unlock()

	for _, p := range demoted {
		t.logger.Info("remote user went stale", "user_id", p.UserID, "last_heartbeat", p.LastHeartbeat)
		if handlers.OnUserOffline != nil {
			handlers.OnUserOffline(p)
		}
		if handlers.OnPresenceUpdate != nil {
			handlers.OnPresenceUpdate(p)
		}
	}
}

// handleEnvelope ingests inbound presence envelopes. Everything else on the
// wire is ignored; the chat session runs on its own connection.
func (t *Tracker) handleEnvelope(env protocol.Envelope) {
	if env.Type != protocol.TypePresence {
		return
	}

	frame, err := protocol.DecodePresenceFrame(env.Data)
	if err != nil {
		t.logger.Warn("dropping malformed presence frame", "error", err)
		return
	}

	switch frame.Type {
	case protocol.PresenceHeartbeat:
		var hb protocol.HeartbeatPayload
		if err := json.Unmarshal(frame.Data, &hb); err != nil {
			t.logger.Warn("dropping malformed heartbeat", "error", err)
			return
		}
		t.applyHeartbeat(hb)

	case protocol.PresenceUpdate:
		var p protocol.PresencePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			t.logger.Warn("dropping malformed presence update", "error", err)
			return
		}
		t.applyUpdate(p)

	case protocol.PresenceList:
		var list protocol.PresenceListPayload
		if err := json.Unmarshal(frame.Data, &list); err != nil {
			t.logger.Warn("dropping malformed presence list", "error", err)
			return
		}
		for _, p := range list.Users {
			t.applyUpdate(p)
		}

	default:
		t.logger.Warn("unknown presence frame type", "type", frame.Type)
	}
}

// applyUpdate upserts one remote presence and dispatches callbacks. The
// transition handlers fire only on a status edge; an event older than the
// recorded heartbeat is discarded so out-of-order delivery cannot regress
// a newer status.
func (t *Tracker) applyUpdate(p protocol.PresencePayload) {
	t.mu.Lock()
	if p.UserID == t.userID {
		// The local user is sent, never stored.
		t.mu.Unlock()
		return
	}

	prev, known := t.users[p.UserID]
	if known && p.Timestamp.Before(prev.LastHeartbeat) {
		t.mu.Unlock()
		t.logger.Debug("discarding out-of-order presence event",
			"user_id", p.UserID, "event_ts", p.Timestamp, "known_ts", prev.LastHeartbeat)
		return
	}

	next := UserPresence{
		UserID:        p.UserID,
		UserName:      p.UserName,
		Status:        Status(p.Status),
		LastHeartbeat: p.Timestamp,
		LastSeen:      p.Timestamp,
	}
	if next.UserName == "" {
		next.UserName = prev.UserName
	}
	t.users[p.UserID] = next

	transitioned := !known || prev.Status != next.Status
	handlers := t.handlers
	t.mu.Unlock()

	if handlers.OnPresenceUpdate != nil {
		handlers.OnPresenceUpdate(next)
	}
	if !transitioned {
		return
	}
	switch next.Status {
	case StatusOnline:
		if handlers.OnUserOnline != nil {
			handlers.OnUserOnline(next)
		}
	case StatusAway:
		if handlers.OnUserAway != nil {
			handlers.OnUserAway(next)
		}
	case StatusOffline:
		if handlers.OnUserOffline != nil {
			handlers.OnUserOffline(next)
		}
	}
}

// applyHeartbeat refreshes only the heartbeat timestamp of a known user. A
// heartbeat from an unseen user creates the entry as online, since a
// heartbeat is itself evidence of liveness.
func (t *Tracker) applyHeartbeat(hb protocol.HeartbeatPayload) {
	t.mu.Lock()
	if hb.UserID == t.userID {
		t.mu.Unlock()
		return
	}

	p, known := t.users[hb.UserID]
	if known {
		if hb.Timestamp.Before(p.LastHeartbeat) {
			t.mu.Unlock()
			return
		}
		p.LastHeartbeat = hb.Timestamp
		t.users[hb.UserID] = p
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.applyUpdate(protocol.PresencePayload{
		UserID:    hb.UserID,
		UserName:  hb.UserName,
		Status:    string(StatusOnline),
		Timestamp: hb.Timestamp,
	})
}

func (t *Tracker) sendHeartbeat() {
	t.mu.RLock()
	if !t.tracking {
		t.mu.RUnlock()
		return
	}
	hb := protocol.HeartbeatPayload{
		UserID:    t.userID,
		UserName:  t.userName,
		Timestamp: t.now(),
	}
	t.mu.RUnlock()

	t.sendPresence(protocol.PresenceHeartbeat, hb)
}

func (t *Tracker) sendStatus(status Status) {
	t.mu.RLock()
	payload := protocol.PresencePayload{
		UserID:    t.userID,
		UserName:  t.userName,
		Status:    string(status),
		Timestamp: t.now(),
	}
	t.mu.RUnlock()

	t.sendPresence(protocol.PresenceUpdate, payload)
}

func (t *Tracker) sendPresence(frameType string, payload any) {
	frame, err := protocol.NewPresenceFrame(frameType, payload)
	if err != nil {
		t.logger.Error("failed to encode presence frame", "type", frameType, "error", err)
		return
	}
	if err := t.tp.Send(protocol.TypePresence, frame); err != nil {
		// The transport already surfaced the error; a dropped liveness
		// signal is recoverable on the next tick.
		t.logger.Warn("presence send dropped", "type", frameType, "error", err)
	}
}

// GetUserPresence returns the last-known state of a remote user.
func (t *Tracker) GetUserPresence(userID string) (UserPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.users[userID]
	return p, ok
}

// GetAllPresence returns a snapshot of the remote presence map.
func (t *Tracker) GetAllPresence() map[string]UserPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snapshot := make(map[string]UserPresence, len(t.users))
	for id, p := range t.users {
		snapshot[id] = p
	}
	return snapshot
}

// GetOnlineCount returns the number of remote users currently online.
func (t *Tracker) GetOnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, p := range t.users {
		if p.Status == StatusOnline {
			count++
		}
	}
	return count
}

// IsUserOnline reports whether a remote user is currently online.
func (t *Tracker) IsUserOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.users[userID].Status == StatusOnline
}

// GetLastSeen returns when a remote user was last seen.
func (t *Tracker) GetLastSeen(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.users[userID]
	return p.LastSeen, ok
}

// Destroy stops tracking, cancels the stale sweep and drops all state.
// Idempotent, and safe after partial initialization.
func (t *Tracker) Destroy() {
	t.StopTracking()

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	if t.stopStale != nil {
		close(t.stopStale)
		t.stopStale = nil
	}
	t.handlers = Handlers{}
	t.mu.Unlock()

	t.logger.Info("presence tracker destroyed")
}
