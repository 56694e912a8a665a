package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaglow/realtime/protocol"
	"github.com/vitaglow/realtime/transport"
)

// mockTransport implements transport.Transport for testing, recording every
// outbound envelope.
type mockTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []sentEnvelope
	onMessage func(protocol.Envelope)
}

type sentEnvelope struct {
	msgType string
	payload any
}

func newMockTransport() *mockTransport {
	return &mockTransport{connected: true}
}

func (m *mockTransport) Send(msgType string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return transport.ErrNotConnected
	}
	m.sent = append(m.sent, sentEnvelope{msgType: msgType, payload: payload})
	return nil
}

func (m *mockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) OnMessage(fn func(protocol.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

func (m *mockTransport) OnConnected(fn func())    {}
func (m *mockTransport) OnDisconnected(fn func()) {}
func (m *mockTransport) OnError(fn func(error))   {}
func (m *mockTransport) Destroy()                 {}

// sentFrames returns the inner presence frames sent so far, filtered by
// frame type ("" for all).
func (m *mockTransport) sentFrames(frameType string) []protocol.PresenceFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	var frames []protocol.PresenceFrame
	for _, env := range m.sent {
		frame, ok := env.payload.(protocol.PresenceFrame)
		if !ok {
			continue
		}
		if frameType == "" || frame.Type == frameType {
			frames = append(frames, frame)
		}
	}
	return frames
}

// deliver injects an inbound presence frame as if it arrived on the wire.
func (m *mockTransport) deliver(t *testing.T, frameType string, payload any) {
	t.Helper()
	frame, err := protocol.NewPresenceFrame(frameType, payload)
	require.NoError(t, err)
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	m.mu.Lock()
	handler := m.onMessage
	m.mu.Unlock()
	require.NotNil(t, handler, "tracker did not register a message handler")
	handler(protocol.Envelope{Type: protocol.TypePresence, Data: data})
}

func TestTracker_StartTracking_SendsInitialUpdateAndHeartbeat(t *testing.T) {
	tp := newMockTransport()
	tracker := NewTracker(tp, WithHeartbeatInterval(100*time.Millisecond))
	defer tracker.Destroy()

	tracker.StartTracking("u1", "Nadia", Handlers{})

	updates := tp.sentFrames(protocol.PresenceUpdate)
	require.Len(t, updates, 1)
	var status protocol.PresencePayload
	require.NoError(t, json.Unmarshal(updates[0].Data, &status))
	assert.Equal(t, "online", status.Status)
	assert.Equal(t, "u1", status.UserID)

	assert.Len(t, tp.sentFrames(protocol.PresenceHeartbeat), 1)

	// One interval later exactly one more heartbeat has gone out.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, tp.sentFrames(protocol.PresenceHeartbeat), 2)
}

func TestTracker_StopTracking_SendsOfflineAndSilencesHeartbeats(t *testing.T) {
	tp := newMockTransport()
	tracker := NewTracker(tp, WithHeartbeatInterval(50*time.Millisecond))
	defer tracker.Destroy()

	tracker.StartTracking("u1", "Nadia", Handlers{})
	tracker.StopTracking()
	tracker.StopTracking() // safe to call twice

	updates := tp.sentFrames(protocol.PresenceUpdate)
	require.Len(t, updates, 2)
	var last protocol.PresencePayload
	require.NoError(t, json.Unmarshal(updates[len(updates)-1].Data, &last))
	assert.Equal(t, "offline", last.Status)

	heartbeats := len(tp.sentFrames(protocol.PresenceHeartbeat))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, heartbeats, len(tp.sentFrames(protocol.PresenceHeartbeat)),
		"no heartbeats may be sent after StopTracking")
}

func TestTracker_TransitionCallbacksFireOncePerEdge(t *testing.T) {
	tp := newMockTransport()
	tracker := NewTracker(tp)
	defer tracker.Destroy()

	var mu sync.Mutex
	var online, away, updates int
	tracker.StartTracking("u1", "Nadia", Handlers{
		OnPresenceUpdate: func(UserPresence) { mu.Lock(); updates++; mu.Unlock() },
		OnUserOnline:     func(UserPresence) { mu.Lock(); online++; mu.Unlock() },
		OnUserAway:       func(UserPresence) { mu.Lock(); away++; mu.Unlock() },
	})

	base := time.Now()
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u2", UserName: "Theo", Status: "online", Timestamp: base,
	})
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u2", UserName: "Theo", Status: "online", Timestamp: base.Add(time.Second),
	})
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u2", UserName: "Theo", Status: "away", Timestamp: base.Add(2 * time.Second),
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, online, "repeated identical status must not re-fire the online callback")
	assert.Equal(t, 1, away)
	assert.Equal(t, 3, updates, "every upsert fires OnPresenceUpdate")
}

func TestTracker_ActivityBurstSendsOneUpdate(t *testing.T) {
	tp := newMockTransport()
	tracker := NewTracker(tp)
	defer tracker.Destroy()

	tracker.StartTracking("u1", "Nadia", Handlers{})
	tracker.UpdateStatus(StatusAway)

	before := len(tp.sentFrames(protocol.PresenceUpdate))
	for i := 0; i < 10; i++ {
		tracker.Activity()
	}
	after := len(tp.sentFrames(protocol.PresenceUpdate))

	assert.Equal(t, 1, after-before, "an activity burst collapses to one online update")
	assert.False(t, tracker.IsUserOnline("u1"), "local user is never stored")
}

func TestTracker_PresenceListFiresUpdatePerUser(t *testing.T) {
	tp := newMockTransport()
	tracker := NewTracker(tp)
	defer tracker.Destroy()

	var mu sync.Mutex
	var updates int
	tracker.StartTracking("u1", "Nadia", Handlers{
		OnPresenceUpdate: func(UserPresence) { mu.Lock(); updates++; mu.Unlock() },
	})

	now := time.Now()
	tp.deliver(t, protocol.PresenceList, protocol.PresenceListPayload{
		Users: []protocol.PresencePayload{
			{UserID: "u2", UserName: "Theo", Status: "online", Timestamp: now},
			{UserID: "u3", UserName: "Ada", Status: "away", Timestamp: now},
			{UserID: "u4", UserName: "Femi", Status: "online", Timestamp: now},
		},
	})

	mu.Lock()
	assert.Equal(t, 3, updates)
	mu.Unlock()

	assert.Equal(t, 2, tracker.GetOnlineCount())
	assert.True(t, tracker.IsUserOnline("u2"))
	assert.False(t, tracker.IsUserOnline("u3"))
	assert.Len(t, tracker.GetAllPresence(), 3)
}

func TestTracker_StaleSweepDemotesSilentPeer(t *testing.T) {
	tp := newMockTransport()
	tracker := NewTracker(tp,
		WithHeartbeatInterval(30*time.Millisecond),
		WithStaleCheckInterval(40*time.Millisecond),
	)
	defer tracker.Destroy()

	var mu sync.Mutex
	var offline int
	tracker.StartTracking("u1", "Nadia", Handlers{
		OnUserOffline: func(p UserPresence) {
			mu.Lock()
			offline++
			mu.Unlock()
			assert.Equal(t, "u2", p.UserID)
		},
	})

	// The peer checked in two minutes ago and has been silent since.
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u2", UserName: "Theo", Status: "online", Timestamp: time.Now().Add(-2 * time.Minute),
	})
	require.True(t, tracker.IsUserOnline("u2"))

	tracker.StartStaleCheck()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, offline, "one sweep demotes the peer exactly once")
	mu.Unlock()

	p, ok := tracker.GetUserPresence("u2")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, p.Status)
}

func TestTracker_OutOfOrderEventDoesNotRegressStatus(t *testing.T) {
	tp := newMockTransport()
	tracker := NewTracker(tp)
	defer tracker.Destroy()

	var mu sync.Mutex
	var away int
	tracker.StartTracking("u1", "Nadia", Handlers{
		OnUserAway: func(UserPresence) { mu.Lock(); away++; mu.Unlock() },
	})

	now := time.Now()
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u2", UserName: "Theo", Status: "online", Timestamp: now,
	})
	// A delayed event from one minute earlier must be discarded.
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u2", UserName: "Theo", Status: "away", Timestamp: now.Add(-time.Minute),
	})

	mu.Lock()
	assert.Equal(t, 0, away)
	mu.Unlock()
	assert.True(t, tracker.IsUserOnline("u2"))
}

func TestTracker_HeartbeatRefreshesWithoutStatusChange(t *testing.T) {
	tp := newMockTransport()
	tracker := NewTracker(tp)
	defer tracker.Destroy()

	var mu sync.Mutex
	var online int
	tracker.StartTracking("u1", "Nadia", Handlers{
		OnUserOnline: func(UserPresence) { mu.Lock(); online++; mu.Unlock() },
	})

	base := time.Now()
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u2", UserName: "Theo", Status: "away", Timestamp: base,
	})
	tp.deliver(t, protocol.PresenceHeartbeat, protocol.HeartbeatPayload{
		UserID: "u2", UserName: "Theo", Timestamp: base.Add(10 * time.Second),
	})

	p, ok := tracker.GetUserPresence("u2")
	require.True(t, ok)
	assert.Equal(t, StatusAway, p.Status, "a heartbeat refreshes the timestamp, not the status")
	assert.Equal(t, base.Add(10*time.Second).Unix(), p.LastHeartbeat.Unix())

	// A heartbeat from an unseen user is itself evidence of liveness.
	tp.deliver(t, protocol.PresenceHeartbeat, protocol.HeartbeatPayload{
		UserID: "u3", UserName: "Ada", Timestamp: base,
	})
	assert.True(t, tracker.IsUserOnline("u3"))

	mu.Lock()
	assert.Equal(t, 1, online)
	mu.Unlock()
}

func TestTracker_FormatLastSeen(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	tp := newMockTransport()
	tracker := NewTracker(tp, WithClock(func() time.Time { return now }))
	defer tracker.Destroy()

	tracker.StartTracking("u1", "Nadia", Handlers{})

	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u2", Status: "online", Timestamp: now,
	})
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u3", Status: "offline", Timestamp: now.Add(-5 * time.Minute),
	})
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u4", Status: "offline", Timestamp: now.Add(-2 * time.Hour),
	})
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u5", Status: "offline", Timestamp: now.Add(-30 * time.Second),
	})
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u6", Status: "offline", Timestamp: now.Add(-26 * time.Hour),
	})

	assert.Equal(t, "Online now", tracker.FormatLastSeen("u2"))
	assert.Equal(t, "5 minutes ago", tracker.FormatLastSeen("u3"))
	assert.Equal(t, "2 hours ago", tracker.FormatLastSeen("u4"))
	assert.Equal(t, "Just now", tracker.FormatLastSeen("u5"))
	assert.Equal(t, "1 day ago", tracker.FormatLastSeen("u6"))
	assert.Equal(t, "Offline", tracker.FormatLastSeen("nobody"))
}

func TestTracker_DestroyIsIdempotent(t *testing.T) {
	tp := newMockTransport()

	// Destroy before any tracking started must not panic.
	tracker := NewTracker(tp)
	tracker.Destroy()
	tracker.Destroy()

	tracker = NewTracker(tp, WithHeartbeatInterval(30*time.Millisecond))
	tracker.StartTracking("u1", "Nadia", Handlers{})
	tracker.StartStaleCheck()
	tracker.Destroy()
	tracker.Destroy()

	sent := len(tp.sentFrames(""))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sent, len(tp.sentFrames("")), "no timers may fire after Destroy")
}

func TestTracker_LocalUserIsNeverStored(t *testing.T) {
	tp := newMockTransport()
	tracker := NewTracker(tp)
	defer tracker.Destroy()

	tracker.StartTracking("u1", "Nadia", Handlers{})
	tp.deliver(t, protocol.PresenceUpdate, protocol.PresencePayload{
		UserID: "u1", UserName: "Nadia", Status: "online", Timestamp: time.Now(),
	})

	_, ok := tracker.GetUserPresence("u1")
	assert.False(t, ok)
	assert.Empty(t, tracker.GetAllPresence())
}
