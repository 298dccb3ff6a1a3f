// Package queue implements the device-ID job queue: a durable FIFO backed
// by a Redis list, with an auxiliary set enforcing at-most-one pending
// enqueue per device.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	listKey = "plowpath:queue"
	setKey  = "plowpath:inflight"
)

// Queue offers, takes, and releases device IDs against Redis.
type Queue struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// New constructs a Queue over an already-connected Redis client.
func New(client redis.UniversalClient, log *zap.Logger) *Queue {
	return &Queue{client: client, log: log.Named("queue")}
}

// Offer pushes device_id to the tail of the queue and adds it to the
// inflight set, unless it is already present (at-most-one-pending rule).
func (q *Queue) Offer(ctx context.Context, deviceID string) error {
	added, err := q.client.SAdd(ctx, setKey, deviceID).Result()
	if err != nil {
		return fmt.Errorf("queue: sadd inflight: %w", err)
	}
	if added == 0 {
		// Already queued or in-flight; no-op per spec §4.4.
		return nil
	}
	if err := q.client.LPush(ctx, listKey, deviceID).Err(); err != nil {
		// Roll back the set membership so a future offer isn't silently
		// swallowed by a queue entry that never landed.
		q.client.SRem(context.Background(), setKey, deviceID)
		return fmt.Errorf("queue: lpush: %w", err)
	}
	return nil
}

// Take blocks up to timeout for a device ID to become available at the
// head of the queue. It returns ("", nil) on timeout (no work), and
// propagates ctx cancellation as an error so Worker can distinguish
// shutdown from a clean empty-queue timeout.
func (q *Queue) Take(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BRPop(ctx, timeout, listKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("queue: brpop: %w", err)
	}
	// BRPop returns [key, value]; the device ID remains in the inflight
	// set until Release is called.
	if len(res) != 2 {
		return "", fmt.Errorf("queue: unexpected brpop reply shape: %v", res)
	}
	return res[1], nil
}

// Release removes device_id from the inflight set. Called by Worker after
// processing completes, success or failure.
func (q *Queue) Release(ctx context.Context, deviceID string) error {
	if err := q.client.SRem(ctx, setKey, deviceID).Err(); err != nil {
		return fmt.Errorf("queue: srem inflight: %w", err)
	}
	return nil
}

// Depth returns the current queue length, for stats reporting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, listKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: llen: %w", err)
	}
	return n, nil
}

// Inflight returns the current inflight-set cardinality, for stats reporting.
func (q *Queue) Inflight(ctx context.Context) (int64, error) {
	n, err := q.client.SCard(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scard: %w", err)
	}
	return n, nil
}
