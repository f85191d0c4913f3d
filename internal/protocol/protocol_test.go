package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{EventDrawCreate, EventDrawCreate, true},
		{EventDrawCreated, EventDrawCreated, true},
		{EventDrawUpdate, EventDrawUpdated, true},
		{EventDrawDelete, EventDrawDeleted, true},
		{EventCursorMove, EventCursorMoved, true},
		{EventLaserLine, EventLaserLine, true},
		{EventChatSend, EventChatMessage, true},
		{"strat:phase:create", "strat:phase:created", true},
		{"strat:slot:switch", "strat:slot:switched", true},
		{"strat:ban:delete", "strat:ban:deleted", true},
		{"strat:weather:create", "", false},
		{"strat:phase:explode", "", false},
		{EventJoined, "", false},
		{"nonsense", "", false},
	}

	for _, tt := range tests {
		got, ok := RelayName(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestIsMutating(t *testing.T) {
	assert.True(t, IsMutating(EventDrawCreate))
	assert.True(t, IsMutating(EventDrawDelete))
	assert.True(t, IsMutating("strat:visibility:update"))
	assert.False(t, IsMutating(EventCursorMove))
	assert.False(t, IsMutating(EventLaserLine))
	assert.False(t, IsMutating(EventChatSend))
}

func TestEncodeDecode(t *testing.T) {
	frame, err := Encode(EventUserLeft, UserLeft{UserID: "u1"})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, EventUserLeft, env.Event)
	assert.JSONEq(t, `{"userId":"u1"}`, string(env.Data))

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err)
	_, err = Decode(nil)
	assert.Error(t, err)
}
