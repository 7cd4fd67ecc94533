package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshdocs/meshdocs/internal/v1/auth"
	"github.com/meshdocs/meshdocs/internal/v1/logging"
	"github.com/meshdocs/meshdocs/internal/v1/metrics"
	"github.com/meshdocs/meshdocs/internal/v1/protocol"
)

const (
	writeWait = 10 * time.Second

	// pingPeriod is the WebSocket keepalive interval; pongWait allows two
	// missed pongs before the session is closed.
	pingPeriod = 30 * time.Second
	pongWait   = 2*pingPeriod + 5*time.Second

	// CloseProtocolError is sent for unparseable frames.
	CloseProtocolError = websocket.CloseUnsupportedData // 1003
	// ClosePolicyViolation is sent when a slow consumer's buffer fills.
	ClosePolicyViolation = websocket.ClosePolicyViolation // 1008
	// CloseAuthFailure is the application close code for failed auth.
	CloseAuthFailure = 4001
)

// wsConnection is the seam between the session and gorilla/websocket, kept
// narrow so tests can drive sessions with a mock.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client is one authenticated WebSocket session joined to a single room.
type Client struct {
	conn  wsConnection
	hub   *Hub
	room  string
	docid string

	originID string
	identity *auth.Identity

	// send is the bounded outbound FIFO; overflowing it drops the session
	// rather than blocking the fan-out loop.
	send chan []byte

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeOnce sync.Once
}

// OriginID satisfies subscription.Subscriber.
func (c *Client) OriginID() string {
	return c.originID
}

// DeliverUpdate satisfies subscription.Subscriber: the stream entry goes out
// as a sync-step-2 frame.
func (c *Client) DeliverUpdate(room, docid string, payload []byte) {
	c.enqueue(protocol.Encode(protocol.SyncStep2(payload)))
}

// DeliverAwareness satisfies subscription.Subscriber.
func (c *Client) DeliverAwareness(room, docid string, payload []byte) {
	c.enqueue(protocol.Encode(protocol.Awareness(payload)))
}

// enqueue appends a frame to the session FIFO. A full buffer marks the
// session as the slowest consumer and closes it with 1008.
func (c *Client) enqueue(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	defer func() {
		// Disconnect may close the channel concurrently with a send.
		if r := recover(); r != nil {
			logging.Debug(context.Background(), "dropped frame for closing session",
				zap.String("origin_id", c.originID))
		}
	}()

	select {
	case c.send <- frame:
	default:
		logging.Warn(context.Background(), "send buffer full, dropping slow client",
			zap.String("room", c.room), zap.String("user_id", c.identity.UserID))
		metrics.SlowClientDrops.Inc()
		c.Disconnect(ClosePolicyViolation)
	}
}

// Disconnect closes the session once, recording the close code the writePump
// will put on the wire.
func (c *Client) Disconnect(code int) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeCode = code
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump consumes client frames until the connection drops or a protocol
// violation occurs. Session closure unsubscribes from all rooms synchronously.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		msgs, err := protocol.Decode(data)
		if err != nil {
			logging.Warn(context.Background(), "closing session on malformed frame",
				zap.String("room", c.room), zap.Error(err))
			c.Disconnect(CloseProtocolError)
			return
		}

		ctx := context.WithValue(context.Background(), logging.RoomIDKey, c.room)
		for _, msg := range msgs {
			c.hub.route(ctx, c, msg)
		}
	}
}

// writePump owns all writes to the connection: queued frames, keepalive
// pings, and the final close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.mu.Lock()
				code := c.closeCode
				c.mu.Unlock()
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, ""))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					logging.Debug(context.Background(), "write failed", zap.Error(err))
				}
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
