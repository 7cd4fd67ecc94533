// Package api reconstructs documents from snapshot storage plus the room
// stream tail, and injects new updates. It is embedded in the gateway and
// usable standalone.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshdocs/meshdocs/internal/v1/crdt"
	"github.com/meshdocs/meshdocs/internal/v1/logging"
	"github.com/meshdocs/meshdocs/internal/v1/storage"
	"github.com/meshdocs/meshdocs/internal/v1/stream"
)

// ErrEmptyUpdate rejects zero-length update payloads before they reach Redis.
var ErrEmptyUpdate = errors.New("api: empty update")

// ErrUndecodable marks a document whose accumulated bytes no longer merge.
// Unlike transport errors this is permanent: retrying cannot fix the data.
var ErrUndecodable = errors.New("api: document does not decode")

// Document is a fully merged view of a room at read time.
type Document struct {
	Doc         []byte
	StateVector []byte
	// References are the live snapshots folded into Doc; callers hand them
	// back for deletion once a fresher snapshot supersedes them.
	References []storage.Reference
	// LastID is the highest stream entry merged into Doc, "" when the stream
	// was empty.
	LastID string
}

// Client combines the stream client, snapshot storage, and the CRDT provider.
type Client struct {
	streams  *stream.Client
	store    storage.Storage
	provider crdt.Provider

	// lifetime is how long a room counts as already-scheduled after an
	// enqueue; mirrors the stream drain window.
	lifetime time.Duration

	mu             sync.Mutex
	recentlyQueued map[string]time.Time
	now            func() time.Time
}

// New builds a Client. lifetime should equal redisMinMessageLifetime.
func New(streams *stream.Client, store storage.Storage, provider crdt.Provider, lifetime time.Duration) *Client {
	return &Client{
		streams:        streams,
		store:          store,
		provider:       provider,
		lifetime:       lifetime,
		recentlyQueued: make(map[string]time.Time),
		now:            time.Now,
	}
}

// GetDoc merges the latest snapshots with the full stream tail.
func (c *Client) GetDoc(ctx context.Context, room, docid string) (*Document, error) {
	snap, err := c.store.RetrieveDoc(ctx, room, docid)
	if err != nil {
		return nil, fmt.Errorf("retrieve snapshot: %w", err)
	}

	entries, err := c.streams.ReadRange(ctx, room, docid, "-", "+")
	if err != nil {
		return nil, fmt.Errorf("replay stream: %w", err)
	}

	updates := make([][]byte, 0, len(entries)+1)
	var refs []storage.Reference
	if snap != nil {
		updates = append(updates, snap.Merged)
		refs = snap.References
	}
	lastID := ""
	for _, e := range entries {
		updates = append(updates, e.Payload)
		lastID = e.ID
	}

	merged, err := c.provider.Merge(updates)
	if err != nil {
		return nil, fmt.Errorf("%w: merge %s/%s: %v", ErrUndecodable, room, docid, err)
	}
	sv, err := c.provider.StateVector(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: state vector %s/%s: %v", ErrUndecodable, room, docid, err)
	}

	return &Document{Doc: merged, StateVector: sv, References: refs, LastID: lastID}, nil
}

// GetStateVector takes the storage cheap path when the stream is empty,
// falling back to a full GetDoc otherwise.
func (c *Client) GetStateVector(ctx context.Context, room, docid string) ([]byte, error) {
	n, err := c.streams.StreamLen(ctx, c.streams.RoomStreamKey(room, docid))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		sv, err := c.store.RetrieveStateVector(ctx, room, docid)
		if err != nil {
			return nil, fmt.Errorf("retrieve state vector: %w", err)
		}
		if sv != nil {
			return sv, nil
		}
	}

	doc, err := c.GetDoc(ctx, room, docid)
	if err != nil {
		return nil, err
	}
	return doc.StateVector, nil
}

// AddUpdate appends an update to the room stream and schedules the room for
// compaction when it was previously clean.
func (c *Client) AddUpdate(ctx context.Context, room, docid string, update []byte) (string, error) {
	if len(update) == 0 {
		return "", ErrEmptyUpdate
	}

	id, err := c.streams.Publish(ctx, room, docid, update)
	if err != nil {
		return "", err
	}

	if c.markDirty(room, docid) {
		if err := c.streams.EnqueueTask(ctx, room, docid); err != nil {
			// The update is durably in the stream; only the scheduling
			// failed. Unmark so the next publish retries the enqueue instead
			// of waiting out the window.
			c.unmark(room, docid)
			logging.Warn(ctx, "compaction enqueue failed",
				zap.String("room", room), zap.String("doc", docid), zap.Error(err))
		}
	}
	return id, nil
}

func (c *Client) unmark(room, docid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recentlyQueued, room+"\x00"+docid)
}

// markDirty records the room as scheduled and reports whether this publish is
// the first since the room was last clean.
func (c *Client) markDirty(room, docid string) bool {
	key := room + "\x00" + docid
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, expiry := range c.recentlyQueued {
		if now.After(expiry) {
			delete(c.recentlyQueued, k)
		}
	}

	if _, ok := c.recentlyQueued[key]; ok {
		return false
	}
	c.recentlyQueued[key] = now.Add(c.lifetime)
	return true
}

// Streams exposes the underlying stream client for callers that already hold
// an api.Client, such as the subscription multiplexer.
func (c *Client) Streams() *stream.Client {
	return c.streams
}
