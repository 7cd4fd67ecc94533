package gateway

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/set"

	"github.com/meshdocs/meshdocs/internal/v1/api"
	"github.com/meshdocs/meshdocs/internal/v1/auth"
	"github.com/meshdocs/meshdocs/internal/v1/crdt"
	"github.com/meshdocs/meshdocs/internal/v1/storage"
	"github.com/meshdocs/meshdocs/internal/v1/stream"
	"github.com/meshdocs/meshdocs/internal/v1/subscription"
)

var errConnClosed = errors.New("use of closed connection")

type mockWrite struct {
	messageType int
	data        []byte
}

type mockRead struct {
	messageType int
	data        []byte
	err         error
}

// mockConn implements wsConnection for driving sessions without a network.
type mockConn struct {
	inbound chan mockRead

	mu     sync.Mutex
	writes []mockWrite

	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan mockRead, 16),
		closed:  make(chan struct{}),
	}
}

func (c *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.inbound:
		return r.messageType, r.data, r.err
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *mockConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, mockWrite{messageType, append([]byte(nil), data...)})
	return nil
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (c *mockConn) SetPongHandler(func(string) error) {}

// writeSnapshot copies the writes recorded so far.
func (c *mockConn) writeSnapshot() []mockWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mockWrite(nil), c.writes...)
}

// waitForWrite polls until a recorded write satisfies pred.
func (c *mockConn) waitForWrite(t *testing.T, pred func(mockWrite) bool) mockWrite {
	t.Helper()
	var match mockWrite
	require.Eventually(t, func() bool {
		for _, w := range c.writeSnapshot() {
			if pred(w) {
				match = w
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return match
}

// rejectAllChecker fails every token.
type rejectAllChecker struct{}

func (rejectAllChecker) Check(token, room string) (*auth.Identity, error) {
	return nil, errors.New("bad token")
}

// readOnlyChecker grants read-only access to any token.
type readOnlyChecker struct{}

func (readOnlyChecker) Check(token, room string) (*auth.Identity, error) {
	return &auth.Identity{UserID: "viewer", Permission: auth.PermissionRead}, nil
}

type testHub struct {
	hub     *Hub
	mux     *subscription.Multiplexer
	api     *api.Client
	streams *stream.Client
}

func newTestHub(t *testing.T, checker auth.Checker) *testHub {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider := crdt.LWWMap{}
	streams := stream.NewClientFromRedis(rdb, "y")
	apiClient := api.New(streams, storage.NewMemory(provider), provider, time.Minute)
	mux := subscription.NewMultiplexer(apiClient, 50*time.Millisecond)

	hub := NewHub(mux, apiClient, provider, checker, nil, 16, set.New("*"))
	return &testHub{hub: hub, mux: mux, api: apiClient, streams: streams}
}
