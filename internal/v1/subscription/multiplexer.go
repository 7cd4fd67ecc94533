// Package subscription owns the per-gateway subscription table: which local
// sessions are joined to which rooms, and the single blocking XREAD loop that
// fans stream entries out to them in strict stream-ID order.
package subscription

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshdocs/meshdocs/internal/v1/api"
	"github.com/meshdocs/meshdocs/internal/v1/logging"
	"github.com/meshdocs/meshdocs/internal/v1/metrics"
	"github.com/meshdocs/meshdocs/internal/v1/stream"
)

// Subscriber is one local session able to receive room traffic. Delivery must
// not block: implementations enqueue onto a bounded buffer and handle overflow
// themselves.
type Subscriber interface {
	// OriginID identifies the session for in-process echo suppression. It
	// never crosses the wire.
	OriginID() string
	// DeliverUpdate hands the session one CRDT update from the room stream.
	DeliverUpdate(room, docid string, payload []byte)
	// DeliverAwareness hands the session a local awareness update.
	DeliverAwareness(room, docid string, payload []byte)
}

type roomKey struct {
	room  string
	docid string
}

type roomState struct {
	// lastID is the highest stream ID already delivered to local clients.
	lastID string
	// clients is keyed by origin ID, which doubles as the echo-suppression
	// lookup during fan-out.
	clients map[string]Subscriber
	readers int
	// origins maps recently published entry IDs to the session that produced
	// them, so the fan-out loop can skip the echo.
	origins map[string]string
}

// Multiplexer maintains the subscription table. Invariant: a room is present
// iff it has at least one client, and at most one blocking XREAD is
// outstanding across all rooms.
type Multiplexer struct {
	api       *api.Client
	readBlock time.Duration

	mu    sync.Mutex
	rooms map[roomKey]*roomState

	// wake nudges the loop when the table goes from empty to non-empty.
	wake chan struct{}
}

// NewMultiplexer builds an idle multiplexer; Run starts the fan-out loop.
func NewMultiplexer(apiClient *api.Client, readBlock time.Duration) *Multiplexer {
	return &Multiplexer{
		api:       apiClient,
		readBlock: readBlock,
		rooms:     make(map[roomKey]*roomState),
		wake:      make(chan struct{}, 1),
	}
}

// Subscribe adds the client to the room, initializing the cursor at "0" (the
// beginning of the current stream) when the room was absent. The caller sends
// the merged doc to the new client; entries already in the stream follow
// through the loop.
func (m *Multiplexer) Subscribe(client Subscriber, room, docid string) {
	key := roomKey{room, docid}

	m.mu.Lock()
	rs, ok := m.rooms[key]
	if !ok {
		rs = &roomState{
			lastID:  "0",
			clients: make(map[string]Subscriber),
			origins: make(map[string]string),
		}
		m.rooms[key] = rs
		metrics.SubscribedRooms.Inc()
	}
	rs.clients[client.OriginID()] = client
	m.mu.Unlock()

	// Trigger an immediate catch-up read if the loop was idle.
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Unsubscribe removes the client; the room leaves the table with its last
// client, and the next XREAD cycle no longer covers it.
func (m *Multiplexer) Unsubscribe(client Subscriber, room, docid string) {
	key := roomKey{room, docid}

	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.rooms[key]
	if !ok {
		return
	}
	delete(rs.clients, client.OriginID())
	if len(rs.clients) == 0 {
		delete(m.rooms, key)
		metrics.SubscribedRooms.Dec()
	}
}

// UnsubscribeAll removes the client from every room; called on session close.
func (m *Multiplexer) UnsubscribeAll(client Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, rs := range m.rooms {
		delete(rs.clients, client.OriginID())
		if len(rs.clients) == 0 {
			delete(m.rooms, key)
			metrics.SubscribedRooms.Dec()
		}
	}
}

// PublishFrom appends an update on behalf of a session and records it as the
// entry's origin so the fan-out loop can skip the echo. The publish runs
// outside the table lock: a slow Redis must not stall fan-out or session
// teardown. When the loop forwards the entry before the mark lands, the
// origin receives its own update back once, which the CRDT absorbs.
func (m *Multiplexer) PublishFrom(ctx context.Context, client Subscriber, room, docid string, update []byte) (string, error) {
	id, err := m.api.AddUpdate(ctx, room, docid, update)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	// Skip the mark when the entry was already forwarded, or it would sit in
	// the origins map until the room empties.
	if rs, ok := m.rooms[roomKey{room, docid}]; ok && stream.CompareIDs(id, rs.lastID) > 0 {
		rs.origins[id] = client.OriginID()
	}
	m.mu.Unlock()
	return id, nil
}

// BroadcastAwareness forwards an awareness payload to the room's local
// clients, excluding the origin. Awareness is never persisted or relayed.
func (m *Multiplexer) BroadcastAwareness(client Subscriber, room, docid string, payload []byte) {
	for _, target := range m.targets(roomKey{room, docid}, client.OriginID()) {
		target.DeliverAwareness(room, docid, payload)
	}
}

// Run drives the fan-out loop until ctx is cancelled.
func (m *Multiplexer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		positions := m.snapshotPositions()
		if len(positions) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			case <-time.After(m.readBlock):
			}
			continue
		}

		m.addReaders(positions, 1)
		entries, err := m.api.Streams().ReadRooms(ctx, positions, m.readBlock)
		m.addReaders(positions, -1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Reconnect with the preserved cursor map; nothing is skipped and
			// the id > lastID filter drops boundary duplicates.
			logging.Warn(ctx, "stream read failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			m.forward(entry)
		}
	}
}

// forward advances the room cursor and delivers the entry to every subscribed
// client except the origin session. Per room, delivery follows stream order.
func (m *Multiplexer) forward(entry stream.Entry) {
	key := roomKey{entry.Room, entry.DocID}

	m.mu.Lock()
	rs, ok := m.rooms[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	if stream.CompareIDs(entry.ID, rs.lastID) <= 0 {
		m.mu.Unlock()
		return
	}
	rs.lastID = entry.ID
	origin := rs.origins[entry.ID]
	delete(rs.origins, entry.ID)
	targets := make([]Subscriber, 0, len(rs.clients))
	for id, client := range rs.clients {
		if origin != "" && id == origin {
			continue
		}
		targets = append(targets, client)
	}
	m.mu.Unlock()

	for _, target := range targets {
		target.DeliverUpdate(entry.Room, entry.DocID, entry.Payload)
		metrics.FanoutDeliveries.Inc()
	}
}

func (m *Multiplexer) snapshotPositions() []stream.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions := make([]stream.Position, 0, len(m.rooms))
	for key, rs := range m.rooms {
		positions = append(positions, stream.Position{
			Room:   key.room,
			DocID:  key.docid,
			LastID: rs.lastID,
		})
	}
	return positions
}

func (m *Multiplexer) addReaders(positions []stream.Position, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		if rs, ok := m.rooms[roomKey{p.Room, p.DocID}]; ok {
			rs.readers += delta
		}
	}
}

func (m *Multiplexer) targets(key roomKey, excludeOrigin string) []Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.rooms[key]
	if !ok {
		return nil
	}
	targets := make([]Subscriber, 0, len(rs.clients))
	for id, client := range rs.clients {
		if id == excludeOrigin {
			continue
		}
		targets = append(targets, client)
	}
	return targets
}

// RoomCount reports the number of subscribed rooms, for tests and health.
func (m *Multiplexer) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
