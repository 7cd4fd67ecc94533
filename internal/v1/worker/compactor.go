// Package worker drains room streams into snapshot storage. Workers compete
// for tasks on a shared consumer group; a claim expires after the worker
// timeout and becomes stealable, so a crashed worker never strands a room.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/meshdocs/meshdocs/internal/v1/api"
	"github.com/meshdocs/meshdocs/internal/v1/logging"
	"github.com/meshdocs/meshdocs/internal/v1/metrics"
	"github.com/meshdocs/meshdocs/internal/v1/storage"
	"github.com/meshdocs/meshdocs/internal/v1/stream"
)

// ownerPollInterval is how often a waiting worker re-checks that it still owns
// its claim.
const ownerPollInterval = time.Second

// Compactor is one consumer on the worker task stream.
type Compactor struct {
	api      *api.Client
	streams  *stream.Client
	store    storage.Storage
	consumer string

	// block bounds each XREADGROUP wait; minLifetime is the drain window a
	// stream tail must outlive before its entries may be folded away;
	// claimTTL is the idle time after which another worker may steal a task.
	block       time.Duration
	minLifetime time.Duration
	claimTTL    time.Duration

	now func() time.Time
}

// NewCompactor builds one consumer identified by name within the worker group.
func NewCompactor(apiClient *api.Client, store storage.Storage, consumer string,
	block, minLifetime, claimTTL time.Duration) *Compactor {
	return &Compactor{
		api:         apiClient,
		streams:     apiClient.Streams(),
		store:       store,
		consumer:    consumer,
		block:       block,
		minLifetime: minLifetime,
		claimTTL:    claimTTL,
		now:         time.Now,
	}
}

// Run claims and compacts tasks until ctx is cancelled. Each idle cycle also
// probes for stale claims abandoned by dead workers.
func (c *Compactor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		task, err := c.streams.ClaimNextTask(ctx, c.consumer, c.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Warn(ctx, "task claim failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if task == nil {
			task, err = c.streams.ReclaimStale(ctx, c.consumer, c.claimTTL)
			if err != nil {
				logging.Warn(ctx, "stale claim probe failed", zap.Error(err))
				continue
			}
			if task == nil {
				continue
			}
			logging.Info(ctx, "reclaimed stale task",
				zap.String("room", task.Room), zap.String("task_id", task.ID))
		}

		c.Process(ctx, task)
	}
}

// Process runs one compaction attempt for a claimed task.
func (c *Compactor) Process(ctx context.Context, task *stream.Task) {
	start := c.now()
	status := c.compact(ctx, task)
	metrics.CompactionRuns.WithLabelValues(status).Inc()
	metrics.CompactionDuration.Observe(c.now().Sub(start).Seconds())
}

// compact implements one pass of the drain cycle and returns the outcome
// label. The task is acked on success, on an empty stream, on quarantine, and
// when leftover entries were re-enqueued; it stays pending on transient errors
// so the claim TTL retries it.
func (c *Compactor) compact(ctx context.Context, task *stream.Task) string {
	ctx = context.WithValue(ctx, logging.RoomIDKey, task.Room)
	key := c.streams.RoomStreamKey(task.Room, task.DocID)

	n, err := c.streams.StreamLen(ctx, key)
	if err != nil {
		logging.Warn(ctx, "stream length check failed", zap.Error(err))
		return "error"
	}
	if n == 0 {
		// Nothing accumulated since the task was queued.
		c.ack(ctx, task)
		return "empty"
	}

	tail, err := c.streams.TailID(ctx, key)
	if err != nil || tail == "" {
		logging.Warn(ctx, "tail lookup failed", zap.Error(err))
		return "error"
	}

	if ok := c.waitForDrain(ctx, task, tail); !ok {
		return "aborted"
	}

	doc, err := c.api.GetDoc(ctx, task.Room, task.DocID)
	if err != nil {
		if c.quarantine(ctx, task, err) {
			return "quarantined"
		}
		logging.Warn(ctx, "document rebuild failed", zap.Error(err))
		return "error"
	}

	if _, err := c.store.PersistDoc(ctx, task.Room, task.DocID, doc.Doc, doc.StateVector); err != nil {
		logging.Warn(ctx, "snapshot persist failed", zap.Error(err))
		return "error"
	}

	if len(doc.References) > 0 {
		if err := c.store.DeleteReferences(ctx, task.Room, task.DocID, doc.References); err != nil {
			if errors.Is(err, storage.ErrQuarantined) {
				logging.Warn(ctx, "skipping snapshot cleanup for quarantined room")
			} else {
				// The new snapshot is durable; stale references only cost
				// space and are retried next cycle.
				logging.Warn(ctx, "snapshot cleanup failed", zap.Error(err))
			}
		}
	}

	// Cut everything folded into the snapshot. Entries newer than the tail
	// stay in the stream for their full drain window.
	cut, err := stream.NextID(tail)
	if err != nil {
		logging.Warn(ctx, "bad tail id", zap.String("tail", tail), zap.Error(err))
		return "error"
	}
	if err := c.streams.TrimStream(ctx, key, cut); err != nil {
		logging.Warn(ctx, "stream trim failed", zap.Error(err))
		return "error"
	}

	// Updates published during the drain wait sit above the cut. Hand the
	// room straight back to the queue; waiting for the next publish could
	// leave them stranded forever.
	remaining, err := c.streams.StreamLen(ctx, key)
	if err != nil {
		logging.Warn(ctx, "stream length re-check failed", zap.Error(err))
		return "error"
	}
	if remaining > 0 {
		if err := c.streams.EnqueueTask(ctx, task.Room, task.DocID); err != nil {
			// Leave the task pending; the claim TTL retries the whole pass.
			logging.Warn(ctx, "re-enqueue failed", zap.Error(err))
			return "error"
		}
		c.ack(ctx, task)
		logging.Info(ctx, "room compacted with live tail, re-enqueued",
			zap.String("room", task.Room), zap.String("doc", task.DocID),
			zap.Int64("remaining", remaining))
		return "requeued"
	}

	if err := c.streams.DeleteStream(ctx, key); err != nil {
		logging.Warn(ctx, "stream delete failed", zap.Error(err))
	}

	c.ack(ctx, task)
	logging.Info(ctx, "room compacted",
		zap.String("room", task.Room), zap.String("doc", task.DocID), zap.String("upto", tail))
	return "ok"
}

// waitForDrain blocks until the stream tail is at least minLifetime old,
// re-checking claim ownership each poll. Returns false when the claim was
// stolen or ctx ended; the thief finishes the work.
func (c *Compactor) waitForDrain(ctx context.Context, task *stream.Task, tail string) bool {
	tailTime, err := stream.EntryTime(tail)
	if err != nil {
		logging.Warn(ctx, "bad tail id", zap.String("tail", tail), zap.Error(err))
		return false
	}

	for {
		remaining := c.minLifetime - c.now().Sub(tailTime)
		if remaining <= 0 {
			owner, err := c.streams.TaskOwner(ctx, task.ID)
			if err != nil {
				logging.Warn(ctx, "claim ownership check failed", zap.Error(err))
				return false
			}
			if owner != c.consumer {
				logging.Info(ctx, "claim stolen during drain wait",
					zap.String("task_id", task.ID), zap.String("owner", owner))
				return false
			}
			return true
		}

		wait := remaining
		if wait > ownerPollInterval {
			wait = ownerPollInterval
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		owner, err := c.streams.TaskOwner(ctx, task.ID)
		if err != nil {
			logging.Warn(ctx, "claim ownership check failed", zap.Error(err))
			return false
		}
		if owner != c.consumer {
			logging.Info(ctx, "claim stolen during drain wait",
				zap.String("task_id", task.ID), zap.String("owner", owner))
			return false
		}
	}
}

// quarantine handles an undecodable room: the raw data is preserved, the
// stream is never trimmed again, and the task is acked so the queue keeps
// moving. Returns false when the error does not look like corrupt data.
func (c *Compactor) quarantine(ctx context.Context, task *stream.Task, cause error) bool {
	if !errors.Is(cause, api.ErrUndecodable) {
		return false
	}

	logging.Error(ctx, "room quarantined: document no longer decodes",
		zap.String("room", task.Room), zap.String("doc", task.DocID), zap.Error(cause))
	if err := c.store.Quarantine(ctx, task.Room, task.DocID, cause.Error()); err != nil {
		logging.Error(ctx, "quarantine marker write failed", zap.Error(err))
	}
	metrics.QuarantinedRooms.Inc()
	c.ack(ctx, task)
	return true
}

func (c *Compactor) ack(ctx context.Context, task *stream.Task) {
	if err := c.streams.AckTask(ctx, task.ID); err != nil {
		logging.Warn(ctx, "task ack failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}
