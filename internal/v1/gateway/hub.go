// Package gateway accepts WebSocket sessions, authenticates them, and relays
// traffic between clients and the shared room streams.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/meshdocs/meshdocs/internal/v1/api"
	"github.com/meshdocs/meshdocs/internal/v1/auth"
	"github.com/meshdocs/meshdocs/internal/v1/crdt"
	"github.com/meshdocs/meshdocs/internal/v1/logging"
	"github.com/meshdocs/meshdocs/internal/v1/metrics"
	"github.com/meshdocs/meshdocs/internal/v1/protocol"
	"github.com/meshdocs/meshdocs/internal/v1/ratelimit"
	"github.com/meshdocs/meshdocs/internal/v1/subscription"
)

// DefaultDocID is the document every room serves today; the key space keeps a
// docid slot for multi-doc rooms later.
const DefaultDocID = "index"

// authHandshakeWait bounds how long a session may take to present a token
// when none came on the URL.
const authHandshakeWait = 10 * time.Second

// Hub coordinates all sessions on this gateway.
type Hub struct {
	mux      *subscription.Multiplexer
	api      *api.Client
	provider crdt.Provider
	checker  auth.Checker
	limiter  *ratelimit.Limiter

	sendBuffer     int
	allowedOrigins set.Set[string]

	mu sync.Mutex
	// sessions is keyed by origin ID.
	sessions map[string]*Client
}

// NewHub wires the hub with its dependencies. limiter may be nil in
// development mode.
func NewHub(mux *subscription.Multiplexer, apiClient *api.Client, provider crdt.Provider,
	checker auth.Checker, limiter *ratelimit.Limiter, sendBuffer int, allowedOrigins set.Set[string]) *Hub {
	return &Hub{
		mux:            mux,
		api:            apiClient,
		provider:       provider,
		checker:        checker,
		limiter:        limiter,
		sendBuffer:     sendBuffer,
		allowedOrigins: allowedOrigins,
		sessions:       make(map[string]*Client),
	}
}

// ServeWs upgrades an HTTP request on /ws/:room into a session.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.AllowWebSocket(c) {
		return // response already written
	}

	if err := auth.ValidateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return auth.ValidateOrigin(r, h.allowedOrigins) == nil
		},
	}

	room := c.Param("room")
	token := c.Query("token")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(conn, room, token)
}

// HandleConnection authenticates an established connection and starts its
// pumps. token may be empty, in which case the session must answer an
// auth-request frame.
func (h *Hub) HandleConnection(conn wsConnection, room, token string) {
	ctx := context.WithValue(context.Background(), logging.RoomIDKey, room)

	if token == "" {
		var err error
		token, err = h.awaitAuthReply(conn)
		if err != nil {
			logging.Info(ctx, "auth handshake failed", zap.Error(err))
			closeWithCode(conn, CloseAuthFailure)
			return
		}
	}

	identity, err := h.checker.Check(token, room)
	if err != nil {
		logging.Info(ctx, "auth rejected", zap.Error(err))
		closeWithCode(conn, CloseAuthFailure)
		return
	}

	client := &Client{
		conn:     conn,
		hub:      h,
		room:     room,
		docid:    DefaultDocID,
		originID: uuid.NewString(),
		identity: identity,
		send:     make(chan []byte, h.sendBuffer),
	}

	h.mu.Lock()
	h.sessions[client.originID] = client
	h.mu.Unlock()
	metrics.IncConnection()

	h.mux.Subscribe(client, room, client.docid)
	h.sendInitialSync(ctx, client)

	go client.writePump()
	go client.readPump()
}

// awaitAuthReply asks the client for a token and waits for the auth-reply
// frame, which must be the first message on the session.
func (h *Hub) awaitAuthReply(conn wsConnection) (string, error) {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage,
		protocol.Encode(protocol.AuthRequest(nil))); err != nil {
		return "", err
	}

	if err := conn.SetReadDeadline(time.Now().Add(authHandshakeWait)); err != nil {
		return "", err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}

	msgs, err := protocol.Decode(data)
	if err != nil {
		return "", err
	}
	for _, msg := range msgs {
		if msg.Kind == protocol.KindAuthReply {
			return string(msg.Payload), nil
		}
	}
	return "", protocol.ErrMalformedFrame
}

// sendInitialSync pushes the merged document as sync-step-2, paired with the
// server's state vector as sync-step-1 so the client can answer with its own
// missing updates.
func (h *Hub) sendInitialSync(ctx context.Context, client *Client) {
	doc, err := h.api.GetDoc(ctx, client.room, client.docid)
	if err != nil {
		logging.Error(ctx, "initial sync failed", zap.Error(err))
		client.Disconnect(websocket.CloseInternalServerErr)
		return
	}
	client.enqueue(protocol.Encode(
		protocol.SyncStep2(doc.Doc),
		protocol.SyncStep1(doc.StateVector),
	))
}

// route dispatches one decoded message from a session.
func (h *Hub) route(ctx context.Context, client *Client, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindSyncStep1:
		h.handleSyncStep1(ctx, client, msg.Payload)
	case protocol.KindSyncStep2:
		h.handleUpdate(ctx, client, msg.Payload)
	case protocol.KindAwareness:
		h.mux.BroadcastAwareness(client, client.room, client.docid, msg.Payload)
	case protocol.KindAuthReply, protocol.KindAuthRequest:
		// Auth is settled during the handshake; late frames are noise.
	}
}

// handleSyncStep1 answers a state vector with the diff the client is missing.
func (h *Hub) handleSyncStep1(ctx context.Context, client *Client, stateVector []byte) {
	doc, err := h.api.GetDoc(ctx, client.room, client.docid)
	if err != nil {
		logging.Error(ctx, "sync-step-1 read failed", zap.Error(err))
		return
	}
	diff, err := h.provider.Diff(doc.Doc, stateVector)
	if err != nil {
		logging.Warn(ctx, "closing session on undecodable state vector", zap.Error(err))
		client.Disconnect(CloseProtocolError)
		return
	}
	client.enqueue(protocol.Encode(protocol.SyncStep2(diff)))
}

// handleUpdate publishes a client update to the room stream. The multiplexer
// fans it out to every peer, local and remote, skipping the origin session.
func (h *Hub) handleUpdate(ctx context.Context, client *Client, update []byte) {
	if client.identity.Permission != auth.PermissionWrite {
		logging.Warn(ctx, "dropping update from read-only session",
			zap.String("user_id", client.identity.UserID))
		return
	}
	if _, err := h.mux.PublishFrom(ctx, client, client.room, client.docid, update); err != nil {
		logging.Error(ctx, "publish failed", zap.Error(err))
	}
}

func (h *Hub) handleDisconnect(client *Client) {
	h.mux.UnsubscribeAll(client)
	client.Disconnect(websocket.CloseNormalClosure)

	h.mu.Lock()
	delete(h.sessions, client.originID)
	h.mu.Unlock()
}

func closeWithCode(conn wsConnection, code int) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	_ = conn.Close()
}

// Shutdown closes every active session gracefully.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	sessions := make([]*Client, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect(websocket.CloseGoingAway)
	}
	logging.Info(ctx, "all sessions closed", zap.Int("count", len(sessions)))
	return nil
}
