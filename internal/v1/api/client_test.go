package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdocs/meshdocs/internal/v1/crdt"
	"github.com/meshdocs/meshdocs/internal/v1/storage"
	"github.com/meshdocs/meshdocs/internal/v1/stream"
)

func newTestAPI(t *testing.T) (*Client, *storage.Memory, *stream.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider := crdt.LWWMap{}
	streams := stream.NewClientFromRedis(rdb, "y")
	store := storage.NewMemory(provider)

	require.NoError(t, streams.EnsureWorkerGroup(context.Background()))
	return New(streams, store, provider, time.Minute), store, streams
}

func TestGetDoc_EmptyRoom(t *testing.T) {
	api, _, _ := newTestAPI(t)

	doc, err := api.GetDoc(context.Background(), "room-1", "index")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(doc.Doc))
	assert.JSONEq(t, `{}`, string(doc.StateVector))
	assert.Empty(t, doc.References)
	assert.Empty(t, doc.LastID)
}

func TestAddUpdate_RejectsEmpty(t *testing.T) {
	api, _, _ := newTestAPI(t)

	_, err := api.AddUpdate(context.Background(), "room-1", "index", nil)
	assert.ErrorIs(t, err, ErrEmptyUpdate)
}

func TestAddUpdate_ThenGetDoc(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	u1, _ := crdt.Set("title", 1, "alice", "draft")
	u2, _ := crdt.Set("title", 2, "bob", "final")

	id1, err := api.AddUpdate(ctx, "room-1", "index", u1)
	require.NoError(t, err)
	id2, err := api.AddUpdate(ctx, "room-1", "index", u2)
	require.NoError(t, err)
	assert.Equal(t, -1, stream.CompareIDs(id1, id2))

	doc, err := api.GetDoc(ctx, "room-1", "index")
	require.NoError(t, err)
	assert.Equal(t, id2, doc.LastID)

	v, ok, err := crdt.Get[string](doc.Doc, "title")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "final", v)
}

func TestGetDoc_MergesSnapshotWithStreamTail(t *testing.T) {
	api, store, _ := newTestAPI(t)
	ctx := context.Background()
	provider := crdt.LWWMap{}

	snapState, _ := crdt.Set("a", 1, "alice", "snapshotted")
	snapSV, _ := provider.StateVector(snapState)
	ref, err := store.PersistDoc(ctx, "room-1", "index", snapState, snapSV)
	require.NoError(t, err)

	tail, _ := crdt.Set("b", 2, "bob", "live")
	_, err = api.AddUpdate(ctx, "room-1", "index", tail)
	require.NoError(t, err)

	doc, err := api.GetDoc(ctx, "room-1", "index")
	require.NoError(t, err)
	assert.Equal(t, []storage.Reference{ref}, doc.References)

	a, ok, err := crdt.Get[string](doc.Doc, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "snapshotted", a)
	b, ok, err := crdt.Get[string](doc.Doc, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "live", b)
}

func TestGetDoc_UndecodableData(t *testing.T) {
	api, _, streams := newTestAPI(t)
	ctx := context.Background()

	_, err := streams.Publish(ctx, "room-1", "index", []byte("not json"))
	require.NoError(t, err)

	_, err = api.GetDoc(ctx, "room-1", "index")
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestGetStateVector_CheapPathWhenStreamEmpty(t *testing.T) {
	api, store, _ := newTestAPI(t)
	ctx := context.Background()
	provider := crdt.LWWMap{}

	state, _ := crdt.Set("a", 3, "alice", "v")
	sv, _ := provider.StateVector(state)
	_, err := store.PersistDoc(ctx, "room-1", "index", state, sv)
	require.NoError(t, err)

	got, err := api.GetStateVector(ctx, "room-1", "index")
	require.NoError(t, err)
	assert.JSONEq(t, string(sv), string(got))
}

func TestAddUpdate_EnqueuesCompactionOncePerWindow(t *testing.T) {
	api, _, streams := newTestAPI(t)
	ctx := context.Background()

	u, _ := crdt.Set("a", 1, "alice", "v")
	for i := 0; i < 3; i++ {
		_, err := api.AddUpdate(ctx, "room-1", "index", u)
		require.NoError(t, err)
	}

	// Three publishes, one task.
	n, err := streams.StreamLen(ctx, streams.WorkerStreamKey())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestAddUpdate_ReenqueuesAfterWindowExpires(t *testing.T) {
	api, _, streams := newTestAPI(t)
	ctx := context.Background()

	now := time.Now()
	api.now = func() time.Time { return now }

	u, _ := crdt.Set("a", 1, "alice", "v")
	_, err := api.AddUpdate(ctx, "room-1", "index", u)
	require.NoError(t, err)

	// Past the drain window the next publish schedules a fresh task.
	now = now.Add(2 * time.Minute)
	_, err = api.AddUpdate(ctx, "room-1", "index", u)
	require.NoError(t, err)

	n, err := streams.StreamLen(ctx, streams.WorkerStreamKey())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestAddUpdate_PublishSurvivesEnqueueFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider := crdt.LWWMap{}
	streams := stream.NewClientFromRedis(rdb, "y")
	api := New(streams, storage.NewMemory(provider), provider, time.Minute)
	ctx := context.Background()

	// A worker queue key of the wrong type fails every enqueue while room
	// publishes keep working.
	require.NoError(t, mr.Set(streams.WorkerStreamKey(), "wedged"))

	u, _ := crdt.Set("a", 1, "alice", "v")
	id, err := api.AddUpdate(ctx, "room-1", "index", u)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := streams.StreamLen(ctx, streams.RoomStreamKey("room-1", "index"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Once the queue recovers, the very next publish schedules the task.
	mr.Del(streams.WorkerStreamKey())
	_, err = api.AddUpdate(ctx, "room-1", "index", u)
	require.NoError(t, err)
	n, err = streams.StreamLen(ctx, streams.WorkerStreamKey())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestAddUpdate_TracksRoomsIndependently(t *testing.T) {
	api, _, streams := newTestAPI(t)
	ctx := context.Background()

	u, _ := crdt.Set("a", 1, "alice", "v")
	_, err := api.AddUpdate(ctx, "room-1", "index", u)
	require.NoError(t, err)
	_, err = api.AddUpdate(ctx, "room-2", "index", u)
	require.NoError(t, err)

	n, err := streams.StreamLen(ctx, streams.WorkerStreamKey())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
