package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/meshdocs/meshdocs/internal/v1/api"
	"github.com/meshdocs/meshdocs/internal/v1/crdt"
	"github.com/meshdocs/meshdocs/internal/v1/storage"
	"github.com/meshdocs/meshdocs/internal/v1/stream"
)

type testEnv struct {
	api     *api.Client
	store   *storage.Memory
	streams *stream.Client
	mr      *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider := crdt.LWWMap{}
	streams := stream.NewClientFromRedis(rdb, "y")
	store := storage.NewMemory(provider)
	require.NoError(t, streams.EnsureWorkerGroup(context.Background()))

	return &testEnv{
		api:     api.New(streams, store, provider, time.Minute),
		store:   store,
		streams: streams,
		mr:      mr,
	}
}

// newCompactor builds a compactor with a zero drain window so tests do not
// wait out the message lifetime.
func (e *testEnv) newCompactor(consumer string) *Compactor {
	return NewCompactor(e.api, e.store, consumer, 10*time.Millisecond, 0, time.Minute)
}

func (e *testEnv) claimTask(t *testing.T, consumer string) *stream.Task {
	t.Helper()
	task, err := e.streams.ClaimNextTask(context.Background(), consumer, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestCompact_DrainsStreamIntoSnapshot(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	u1, _ := crdt.Set("a", 1, "alice", "one")
	u2, _ := crdt.Set("b", 2, "bob", "two")
	_, err := e.api.AddUpdate(ctx, "room-1", "index", u1)
	require.NoError(t, err)
	_, err = e.api.AddUpdate(ctx, "room-1", "index", u2)
	require.NoError(t, err)

	comp := e.newCompactor("w1")
	comp.Process(ctx, e.claimTask(t, "w1"))

	// The snapshot holds the merged document.
	doc, err := e.store.RetrieveDoc(ctx, "room-1", "index")
	require.NoError(t, err)
	require.NotNil(t, doc)
	a, _, err := crdt.Get[string](doc.Merged, "a")
	require.NoError(t, err)
	assert.Equal(t, "one", a)
	b, _, err := crdt.Get[string](doc.Merged, "b")
	require.NoError(t, err)
	assert.Equal(t, "two", b)

	// The drained stream is gone and the task acked.
	n, err := e.streams.StreamLen(ctx, e.streams.RoomStreamKey("room-1", "index"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	n, err = e.streams.StreamLen(ctx, e.streams.WorkerStreamKey())
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	// A later read still converges from the snapshot alone.
	rebuilt, err := e.api.GetDoc(ctx, "room-1", "index")
	require.NoError(t, err)
	assert.JSONEq(t, string(doc.Merged), string(rebuilt.Doc))
}

func TestCompact_EmptyStreamAcksWithoutSnapshot(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.streams.EnqueueTask(ctx, "room-1", "index"))
	comp := e.newCompactor("w1")
	comp.Process(ctx, e.claimTask(t, "w1"))

	doc, err := e.store.RetrieveDoc(ctx, "room-1", "index")
	require.NoError(t, err)
	assert.Nil(t, doc)

	n, err := e.streams.StreamLen(ctx, e.streams.WorkerStreamKey())
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestCompact_SupersedesOldSnapshots(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	provider := crdt.LWWMap{}

	oldState, _ := crdt.Set("a", 1, "alice", "old")
	oldSV, _ := provider.StateVector(oldState)
	oldRef, err := e.store.PersistDoc(ctx, "room-1", "index", oldState, oldSV)
	require.NoError(t, err)

	update, _ := crdt.Set("a", 2, "bob", "new")
	_, err = e.api.AddUpdate(ctx, "room-1", "index", update)
	require.NoError(t, err)

	comp := e.newCompactor("w1")
	comp.Process(ctx, e.claimTask(t, "w1"))

	doc, err := e.store.RetrieveDoc(ctx, "room-1", "index")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Len(t, doc.References, 1)
	assert.NotContains(t, doc.References, oldRef)

	v, _, err := crdt.Get[string](doc.Merged, "a")
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestCompact_QuarantinesUndecodableRoom(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.streams.Publish(ctx, "room-1", "index", []byte("not a valid update"))
	require.NoError(t, err)
	require.NoError(t, e.streams.EnqueueTask(ctx, "room-1", "index"))

	comp := e.newCompactor("w1")
	comp.Process(ctx, e.claimTask(t, "w1"))

	// The raw stream survives for manual recovery.
	n, err := e.streams.StreamLen(ctx, e.streams.RoomStreamKey("room-1", "index"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// The task is acked so the queue keeps moving.
	n, err = e.streams.StreamLen(ctx, e.streams.WorkerStreamKey())
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	// Deletes on the room are refused from here on.
	err = e.store.DeleteReferences(ctx, "room-1", "index", nil)
	assert.ErrorIs(t, err, storage.ErrQuarantined)
}

func TestCompact_ReenqueuesUpdatesArrivingMidDrain(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	u1, _ := crdt.Set("a", 1, "alice", "one")
	_, err := e.api.AddUpdate(ctx, "room-1", "index", u1)
	require.NoError(t, err)
	task := e.claimTask(t, "w1")

	// The second update lands once the drain wait begins, after the trim cut
	// has been chosen, so it survives the trim. The publish is inside the
	// dedup window and schedules no task of its own.
	comp := e.newCompactor("w1")
	clockReads := 0
	comp.now = func() time.Time {
		clockReads++
		if clockReads == 2 {
			u2, _ := crdt.Set("b", 2, "bob", "two")
			_, err := e.api.AddUpdate(ctx, "room-1", "index", u2)
			require.NoError(t, err)
		}
		return time.Now()
	}

	comp.Process(ctx, task)

	// The late update is still in the stream and a fresh task covers it.
	n, err := e.streams.StreamLen(ctx, e.streams.RoomStreamKey("room-1", "index"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	next := e.claimTask(t, "w1")
	assert.NotEqual(t, task.ID, next.ID)
	assert.Equal(t, "room-1", next.Room)
	assert.Equal(t, "index", next.DocID)

	// The second pass drains the leftover and retires the stream.
	comp2 := e.newCompactor("w1")
	comp2.Process(ctx, next)
	n, err = e.streams.StreamLen(ctx, e.streams.RoomStreamKey("room-1", "index"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestCompact_AbortsWhenClaimStolen(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	u, _ := crdt.Set("a", 1, "alice", "v")
	_, err := e.api.AddUpdate(ctx, "room-1", "index", u)
	require.NoError(t, err)

	task := e.claimTask(t, "w1")

	// Another worker steals the claim after the TTL. FastForward only ages key
	// TTLs; pending-entry idle time comes from miniredis's clock, so pin it.
	e.mr.SetTime(time.Now().Add(2 * time.Minute))
	stolen, err := e.streams.ReclaimStale(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, stolen)

	comp := e.newCompactor("w1")
	comp.Process(ctx, task)

	// w1 backed off: no snapshot, stream intact, task still pending for w2.
	doc, err := e.store.RetrieveDoc(ctx, "room-1", "index")
	require.NoError(t, err)
	assert.Nil(t, doc)

	n, err := e.streams.StreamLen(ctx, e.streams.RoomStreamKey("room-1", "index"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	owner, err := e.streams.TaskOwner(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "w2", owner)
}

func TestRun_ProcessesQueuedTasks(t *testing.T) {
	// Registered before newTestEnv so the check runs after its cleanups have
	// closed the redis client and miniredis.
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	comp := e.newCompactor("w1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = comp.Run(ctx)
	}()

	u, _ := crdt.Set("a", 1, "alice", "v")
	_, err := e.api.AddUpdate(ctx, "room-1", "index", u)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		doc, err := e.store.RetrieveDoc(context.Background(), "room-1", "index")
		return err == nil && doc != nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestPool_RunsAndStops(t *testing.T) {
	// Registered before newTestEnv so the check runs after its cleanups have
	// closed the redis client and miniredis.
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })
	e := newTestEnv(t)

	pool := NewPool(e.api, e.store, 3, 10*time.Millisecond, 0, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	u, _ := crdt.Set("a", 1, "alice", "v")
	_, err := e.api.AddUpdate(ctx, "room-1", "index", u)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		doc, err := e.store.RetrieveDoc(context.Background(), "room-1", "index")
		return err == nil && doc != nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
