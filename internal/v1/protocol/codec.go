// Package protocol implements the binary wire codec used on WebSocket
// sessions. A frame is a concatenation of messages, each encoded as a uvarint
// kind tag followed by a uvarint length and that many payload bytes.
// Server-originated frames may pack several messages; clients send one message
// per frame.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind identifies a message type on the wire.
type Kind uint64

const (
	// KindSyncStep1 carries a remote state vector.
	KindSyncStep1 Kind = 0
	// KindSyncStep2 carries CRDT update bytes (also used for incremental updates).
	KindSyncStep2 Kind = 1
	// KindAwareness carries an awareness update; never persisted.
	KindAwareness Kind = 2
	// KindAuthRequest asks the client to present a token (server to client).
	KindAuthRequest Kind = 3
	// KindAuthReply carries a token (client to server).
	KindAuthReply Kind = 4
)

// ErrMalformedFrame is returned when a frame cannot be decoded. Sessions that
// produce it are closed with WebSocket code 1003.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// MaxPayloadSize bounds a single message payload. Oversize messages are
// treated as protocol violations.
const MaxPayloadSize = 16 << 20

// Message is one decoded unit of a frame.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Encode packs one or more messages into a single frame.
func Encode(msgs ...Message) []byte {
	var size int
	for _, m := range msgs {
		size += binary.MaxVarintLen64*2 + len(m.Payload)
	}
	buf := make([]byte, 0, size)
	for _, m := range msgs {
		buf = binary.AppendUvarint(buf, uint64(m.Kind))
		buf = binary.AppendUvarint(buf, uint64(len(m.Payload)))
		buf = append(buf, m.Payload...)
	}
	return buf
}

// Decode parses a frame into its messages. An empty frame, a truncated
// message, an unknown kind, or an oversize payload all yield ErrMalformedFrame.
func Decode(frame []byte) ([]Message, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	var msgs []Message
	for len(frame) > 0 {
		kind, n := binary.Uvarint(frame)
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad kind varint", ErrMalformedFrame)
		}
		frame = frame[n:]

		if Kind(kind) > KindAuthReply {
			return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, kind)
		}

		length, n := binary.Uvarint(frame)
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad length varint", ErrMalformedFrame)
		}
		frame = frame[n:]

		if length > MaxPayloadSize {
			return nil, fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrMalformedFrame, length)
		}
		if uint64(len(frame)) < length {
			return nil, fmt.Errorf("%w: truncated payload", ErrMalformedFrame)
		}

		payload := make([]byte, length)
		copy(payload, frame[:length])
		frame = frame[length:]

		msgs = append(msgs, Message{Kind: Kind(kind), Payload: payload})
	}
	return msgs, nil
}

// SyncStep1 builds a state-vector request message.
func SyncStep1(stateVector []byte) Message {
	return Message{Kind: KindSyncStep1, Payload: stateVector}
}

// SyncStep2 builds an update message. It answers a SyncStep1 and also carries
// incremental updates.
func SyncStep2(update []byte) Message {
	return Message{Kind: KindSyncStep2, Payload: update}
}

// Awareness builds an awareness message.
func Awareness(update []byte) Message {
	return Message{Kind: KindAwareness, Payload: update}
}

// AuthRequest builds a server-originated token request.
func AuthRequest(payload []byte) Message {
	return Message{Kind: KindAuthRequest, Payload: payload}
}

// AuthReply builds a client-originated token message.
func AuthReply(token []byte) Message {
	return Message{Kind: KindAuthReply, Payload: token}
}
