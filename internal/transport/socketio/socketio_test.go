package socketio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asrhub/asrhub/internal/transport/ws"
)

func TestEncodeDecodeEventPacketRoundTrips(t *testing.T) {
	env := ws.Envelope{Type: "status", Payload: []byte(`{"session_id":"s1"}`)}

	frame := encodeEventPacket(env)
	require.Equal(t, byte('4'), frame[0])
	require.Equal(t, byte('2'), frame[1])

	decoded, ok := decodeEventPacket(frame)
	require.True(t, ok)
	require.Equal(t, env.Type, decoded.Type)
	require.JSONEq(t, string(env.Payload), string(decoded.Payload))
}

func TestEncodeEventPacketWithoutPayload(t *testing.T) {
	env := ws.Envelope{Type: "connection_ready"}
	frame := encodeEventPacket(env)

	decoded, ok := decodeEventPacket(frame)
	require.True(t, ok)
	require.Equal(t, "connection_ready", decoded.Type)
	require.Empty(t, decoded.Payload)
}

func TestDecodeEventPacketRejectsNonEventFrames(t *testing.T) {
	_, ok := decodeEventPacket([]byte(packetPing))
	require.False(t, ok)

	_, ok = decodeEventPacket([]byte(packetOpen + `{"sid":"x"}`))
	require.False(t, ok)
}
