package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDispatchesByType(t *testing.T) {
	raw := []byte(`{"type":"call_invite","callId":"c1","roomId":"r1","senderId":"u1","senderName":"Ada","callType":"video","timestamp":1700000000000}`)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindCallInvite, env.Type)
	assert.Equal(t, "c1", env.CallID)
	assert.True(t, env.Signaling())
}

func TestDecodeChat(t *testing.T) {
	raw := []byte(`{"type":"CHAT_MESSAGE","id":"m1","text":"b64ct","iv":"b64iv","isEncrypted":true,"lang":"en","senderId":"u1","senderName":"Ada","timestamp":5}`)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindChat, env.Type)
	assert.True(t, env.IsEncrypted)
	assert.False(t, env.Signaling())
}

func TestDecodeUnknownKind(t *testing.T) {
	env, err := Decode([]byte(`{"type":"presence_ping","senderId":"u1"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.NotNil(t, env)
}

func TestDecodeBadJSON(t *testing.T) {
	_, err := Decode([]byte(`{`))
	assert.Error(t, err)
}
