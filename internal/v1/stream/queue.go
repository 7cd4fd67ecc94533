package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// EnsureWorkerGroup creates the worker task stream and its consumer group.
// Safe to call from every process; BUSYGROUP is tolerated.
func (c *Client) EnsureWorkerGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.WorkerStreamKey(), WorkerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create worker group: %w", err)
	}
	return nil
}

// EnqueueTask schedules a room for inspection by the worker pool.
func (c *Client) EnqueueTask(ctx context.Context, room, docid string) error {
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.WorkerStreamKey(),
		ID:     "*",
		Values: map[string]interface{}{roomField: room, docField: docid},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue worker task: %w", err)
	}
	return nil
}

// ClaimNextTask reads one fresh task for this consumer, blocking up to block.
// Returns nil when the queue stays empty.
func (c *Client) ClaimNextTask(ctx context.Context, consumer string, block time.Duration) (*Task, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    WorkerGroup,
		Consumer: consumer,
		Streams:  []string{c.WorkerStreamKey(), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim worker task: %w", err)
	}
	for _, s := range res {
		for _, msg := range s.Messages {
			return taskFromMessage(msg), nil
		}
	}
	return nil, nil
}

// ReclaimStale transfers one task whose current owner has been idle longer
// than minIdle, implementing the claim TTL. Returns nil when nothing is stale.
func (c *Client) ReclaimStale(ctx context.Context, consumer string, minIdle time.Duration) (*Task, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.WorkerStreamKey(),
		Group:    WorkerGroup,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("auto claim worker task: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return taskFromMessage(msgs[0]), nil
}

// TaskOwner reports the consumer currently holding a pending task, or "" when
// the task is no longer pending. The worker uses it to detect a stolen claim
// before persisting.
func (c *Client) TaskOwner(ctx context.Context, taskID string) (string, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.WorkerStreamKey(),
		Group:  WorkerGroup,
		Start:  taskID,
		End:    taskID,
		Count:  1,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xpending %s: %w", taskID, err)
	}
	if len(pending) == 0 {
		return "", nil
	}
	return pending[0].Consumer, nil
}

// AckTask acknowledges and removes a completed task.
func (c *Client) AckTask(ctx context.Context, taskID string) error {
	if err := c.rdb.XAck(ctx, c.WorkerStreamKey(), WorkerGroup, taskID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", taskID, err)
	}
	if err := c.rdb.XDel(ctx, c.WorkerStreamKey(), taskID).Err(); err != nil {
		return fmt.Errorf("xdel %s: %w", taskID, err)
	}
	return nil
}

func taskFromMessage(msg redis.XMessage) *Task {
	task := &Task{ID: msg.ID}
	if room, ok := msg.Values[roomField].(string); ok {
		task.Room = room
	}
	if doc, ok := msg.Values[docField].(string); ok {
		task.DocID = doc
	}
	return task
}
