package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis counter keys share the queue's prefix so StopAndDrain can delete
// them with one pattern scan.
const (
	globalKey        = "modelcheck:admission:global"
	channelKeyPrefix = "modelcheck:admission:channel:"

	// counterTTL auto-cleans slots held by a crashed worker.
	counterTTL = 120 * time.Second

	// pollInterval is how often a contended acquirer re-checks.
	pollInterval = 500 * time.Millisecond
)

// Redis is the broker-backed controller. Slots are INCR/DECR counters with
// TTLs; contended acquirers poll. Counters observed at or below zero after
// a decrement are deleted to undo wedge states left by a drain.
type Redis struct {
	client     *redis.Client
	globalCap  int
	channelCap int
}

// NewRedis creates a broker-backed controller with the given capacities.
func NewRedis(client *redis.Client, globalCap, channelCap int) *Redis {
	return &Redis{client: client, globalCap: globalCap, channelCap: channelCap}
}

func channelKey(channelID int64) string {
	return fmt.Sprintf("%s%d", channelKeyPrefix, channelID)
}

// Acquire increments the global counter, then the channel counter. If
// either bound is exceeded the increment is undone and the acquirer polls.
// The global slot is not held while waiting on a contended channel slot.
func (r *Redis) Acquire(ctx context.Context, channelID int64) error {
	chKey := channelKey(channelID)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.tryIncr(ctx, globalKey, r.globalCap)
		if err != nil {
			return err
		}
		if ok {
			chOK, err := r.tryIncr(ctx, chKey, r.channelCap)
			if err != nil {
				r.decr(ctx, globalKey)
				return err
			}
			if chOK {
				return nil
			}
			// Channel contended: release the global slot before polling.
			r.decr(ctx, globalKey)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryIncr atomically increments key and refreshes its TTL; when the bound
// is exceeded the increment is rolled back.
func (r *Redis) tryIncr(ctx context.Context, key string, capacity int) (bool, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("incrementing %s: %w", key, err)
	}
	if err := r.client.Expire(ctx, key, counterTTL).Err(); err != nil {
		slog.Warn("Failed to refresh admission counter TTL", "key", key, "error", err)
	}
	if n > int64(capacity) {
		r.decr(ctx, key)
		return false, nil
	}
	return true, nil
}

// decr decrements key and deletes it if the counter fell to or below zero,
// preventing a wedged negative counter after StopAndDrain removed the key.
func (r *Redis) decr(ctx context.Context, key string) {
	n, err := r.client.Decr(ctx, key).Result()
	if err != nil {
		slog.Warn("Failed to decrement admission counter", "key", key, "error", err)
		return
	}
	if n <= 0 {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			slog.Warn("Failed to delete drained admission counter", "key", key, "error", err)
		}
	}
}

// Release returns both slots. Uses a background context: releases must not
// be skipped because the job's context was canceled.
func (r *Redis) Release(channelID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.decr(ctx, channelKey(channelID))
	r.decr(ctx, globalKey)
}

// Reset deletes every admission counter key.
func (r *Redis) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	iter := r.client.Scan(ctx, 0, "modelcheck:admission:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			slog.Warn("Failed to delete admission counter", "key", iter.Val(), "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		slog.Warn("Admission counter scan failed", "error", err)
	}
}
