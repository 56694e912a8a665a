package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RejectsMalformedFrames(t *testing.T) {
	_, err := Decode([]byte("not json at all"))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = Decode([]byte(`{"data": {}}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope, "an envelope without a type is malformed")
}

func TestEncode_ProducesDecodableEnvelope(t *testing.T) {
	raw, err := Encode(TypeTyping, TypingPayload{UserID: "u1", RoomID: "room-1", IsTyping: true})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeTyping, env.Type)

	var p TypingPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "u1", p.UserID)
	assert.True(t, p.IsTyping)
}

func TestPresenceFrames_AreDoubleTagged(t *testing.T) {
	frame, err := NewPresenceFrame(PresenceHeartbeat, HeartbeatPayload{UserID: "u1"})
	require.NoError(t, err)

	raw, err := Encode(TypePresence, frame)
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypePresence, env.Type)

	inner, err := DecodePresenceFrame(env.Data)
	require.NoError(t, err)
	assert.Equal(t, PresenceHeartbeat, inner.Type)

	var hb HeartbeatPayload
	require.NoError(t, json.Unmarshal(inner.Data, &hb))
	assert.Equal(t, "u1", hb.UserID)
}

func TestDecodePresenceFrame_RejectsMissingType(t *testing.T) {
	_, err := DecodePresenceFrame(json.RawMessage(`{"data": {}}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}
