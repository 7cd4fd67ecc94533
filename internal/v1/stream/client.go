// Package stream is a thin layer over Redis stream commands. It carries room
// updates on one stream per (room, docid) and worker tasks on a single shared
// stream consumed through a consumer group.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/meshdocs/meshdocs/internal/v1/logging"
	"github.com/meshdocs/meshdocs/internal/v1/metrics"
)

const (
	// payloadField is the stream entry field holding the update bytes.
	payloadField = "m"
	roomField    = "room"
	docField     = "doc"

	// WorkerGroup is the consumer group on the worker task stream.
	WorkerGroup = "worker"

	// maxStreamLen is the XADD MAXLEN ~ trim hint on room streams. The worker
	// trims precisely; this only bounds runaway rooms between compactions.
	maxStreamLen = 10000
)

// Entry is one update read from a room stream.
type Entry struct {
	Room    string
	DocID   string
	ID      string
	Payload []byte
}

// Task is one claimed worker queue entry.
type Task struct {
	ID    string
	Room  string
	DocID string
}

// Position is a room stream cursor for ReadRooms.
type Position struct {
	Room   string
	DocID  string
	LastID string
}

// Client wraps a Redis connection with the stream operations the gateway and
// worker need. The publish path is guarded by a circuit breaker; reads are
// long-blocking and retried by their callers.
type Client struct {
	rdb    redis.UniversalClient
	prefix string
	cb     *gobreaker.CircuitBreaker
}

// NewClient connects to Redis and verifies connectivity.
func NewClient(redisURL, prefix string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 30 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Info(context.Background(), "Connected to Redis", zap.String("addr", opts.Addr))
	return NewClientFromRedis(rdb, prefix), nil
}

// NewClientFromRedis wraps an existing connection; used by tests with miniredis.
func NewClientFromRedis(rdb redis.UniversalClient, prefix string) *Client {
	st := gobreaker.Settings{
		Name:        "redis-stream",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}
	return &Client{
		rdb:    rdb,
		prefix: prefix,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

// RoomStreamKey returns {prefix}:room:{room}:{docid}.
func (c *Client) RoomStreamKey(room, docid string) string {
	return fmt.Sprintf("%s:room:%s:%s", c.prefix, room, docid)
}

// WorkerStreamKey returns {prefix}:worker.
func (c *Client) WorkerStreamKey() string {
	return c.prefix + ":worker"
}

// Publish appends one update to the room stream and returns its entry ID.
func (c *Client) Publish(ctx context.Context, room, docid string, payload []byte) (string, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: c.RoomStreamKey(room, docid),
			MaxLen: maxStreamLen,
			Approx: true,
			ID:     "*",
			Values: map[string]interface{}{payloadField: payload},
		}).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		metrics.StreamPublishes.WithLabelValues("error").Inc()
		return "", fmt.Errorf("publish to %s: %w", c.RoomStreamKey(room, docid), err)
	}
	metrics.StreamPublishes.WithLabelValues("ok").Inc()
	return res.(string), nil
}

// ReadRooms issues a single blocking XREAD across every subscribed room at its
// stored cursor. It returns an empty slice on timeout. Per-stream ordering of
// the result matches Redis stream order; the caller still filters id > lastId
// at the resubscription boundary.
func (c *Client) ReadRooms(ctx context.Context, positions []Position, block time.Duration) ([]Entry, error) {
	if len(positions) == 0 {
		return nil, nil
	}

	streams := make([]string, 0, len(positions)*2)
	byKey := make(map[string]Position, len(positions))
	for _, p := range positions {
		key := c.RoomStreamKey(p.Room, p.DocID)
		streams = append(streams, key)
		byKey[key] = p
	}
	for _, p := range positions {
		streams = append(streams, p.LastID)
	}

	res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread rooms: %w", err)
	}

	var entries []Entry
	for _, s := range res {
		pos, ok := byKey[s.Stream]
		if !ok {
			continue
		}
		for _, msg := range s.Messages {
			payload, ok := msg.Values[payloadField].(string)
			if !ok {
				continue
			}
			entries = append(entries, Entry{
				Room:    pos.Room,
				DocID:   pos.DocID,
				ID:      msg.ID,
				Payload: []byte(payload),
			})
		}
	}
	return entries, nil
}

// ReadRange replays a room stream between from and to ("-" and "+" for the
// whole stream).
func (c *Client) ReadRange(ctx context.Context, room, docid, from, to string) ([]Entry, error) {
	msgs, err := c.rdb.XRange(ctx, c.RoomStreamKey(room, docid), from, to).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", c.RoomStreamKey(room, docid), err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		payload, ok := msg.Values[payloadField].(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Room: room, DocID: docid, ID: msg.ID, Payload: []byte(payload)})
	}
	return entries, nil
}

// TailID returns the highest entry ID in a stream, or "" when the stream is
// empty or absent.
func (c *Client) TailID(ctx context.Context, key string) (string, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrevrange %s: %w", key, err)
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ID, nil
}

// StreamLen returns XLEN; absent streams report zero.
func (c *Client) StreamLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.XLen(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("xlen %s: %w", key, err)
	}
	return n, nil
}

// TrimStream drops every entry with ID below uptoID (XTRIM MINID).
func (c *Client) TrimStream(ctx context.Context, key, uptoID string) error {
	if err := c.rdb.XTrimMinID(ctx, key, uptoID).Err(); err != nil {
		return fmt.Errorf("xtrim %s: %w", key, err)
	}
	return nil
}

// DeleteStream removes the stream key entirely.
func (c *Client) DeleteStream(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Redis exposes the underlying connection for subsystems that share it, such
// as the rate limiter store.
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

// Ping verifies connectivity; used by readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ParseID splits a Redis stream ID into its millisecond and sequence parts.
func ParseID(id string) (ms int64, seq int64, err error) {
	parts := strings.SplitN(id, "-", 2)
	ms, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse stream id %q: %w", id, err)
	}
	if len(parts) == 2 {
		seq, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse stream id %q: %w", id, err)
		}
	}
	return ms, seq, nil
}

// CompareIDs orders two stream IDs; "0" and "" sort before everything.
func CompareIDs(a, b string) int {
	ams, aseq, aerr := ParseID(a)
	bms, bseq, berr := ParseID(b)
	if aerr != nil || berr != nil {
		return strings.Compare(a, b)
	}
	if ams != bms {
		if ams < bms {
			return -1
		}
		return 1
	}
	if aseq != bseq {
		if aseq < bseq {
			return -1
		}
		return 1
	}
	return 0
}

// EntryTime extracts the wall-clock timestamp embedded in a stream ID.
func EntryTime(id string) (time.Time, error) {
	ms, _, err := ParseID(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// NextID returns the smallest ID strictly greater than id, for XTRIM MINID
// cuts that must keep nothing at or below id.
func NextID(id string) (string, error) {
	ms, seq, err := ParseID(id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%d", ms, seq+1), nil
}
