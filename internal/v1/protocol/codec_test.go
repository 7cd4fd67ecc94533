package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_SingleMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{name: "sync step 1", msg: SyncStep1([]byte(`{"k":1}`))},
		{name: "sync step 2", msg: SyncStep2([]byte("update-bytes"))},
		{name: "awareness", msg: Awareness([]byte("cursor"))},
		{name: "auth request empty payload", msg: AuthRequest(nil)},
		{name: "auth reply", msg: AuthReply([]byte("token"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := Encode(tt.msg)
			msgs, err := Decode(frame)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.msg.Kind, msgs[0].Kind)
			assert.Equal(t, []byte(tt.msg.Payload), msgs[0].Payload)
		})
	}
}

func TestEncodeDecode_CompositeFrame(t *testing.T) {
	frame := Encode(
		SyncStep2([]byte("doc")),
		SyncStep1([]byte("sv")),
	)

	msgs, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, KindSyncStep2, msgs[0].Kind)
	assert.Equal(t, []byte("doc"), msgs[0].Payload)
	assert.Equal(t, KindSyncStep1, msgs[1].Kind)
	assert.Equal(t, []byte("sv"), msgs[1].Payload)
}

func TestDecode_EmptyPayloadSurvives(t *testing.T) {
	msgs, err := Decode(Encode(AuthRequest(nil)))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Payload)
}

func TestDecode_Malformed(t *testing.T) {
	oversize := binary.AppendUvarint(nil, uint64(KindSyncStep2))
	oversize = binary.AppendUvarint(oversize, MaxPayloadSize+1)

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "empty frame", frame: nil},
		{name: "unknown kind", frame: Encode(Message{Kind: 9, Payload: []byte("x")})},
		{name: "truncated payload", frame: Encode(SyncStep2([]byte("hello")))[:4]},
		{name: "length without payload", frame: []byte{byte(KindSyncStep2), 10}},
		{name: "oversize payload length", frame: oversize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecode_PayloadIsCopied(t *testing.T) {
	frame := Encode(SyncStep2([]byte("abc")))
	msgs, err := Decode(frame)
	require.NoError(t, err)

	// Mutating the frame must not corrupt decoded payloads.
	for i := range frame {
		frame[i] = 0
	}
	assert.Equal(t, []byte("abc"), msgs[0].Payload)
}
