package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Moyucharm/model-check/pkg/models"
)

// Redis key layout. All keys live under one prefix so StopAndDrain can
// clean up admission counters alongside queue state.
const (
	keyWaiting   = "modelcheck:queue:waiting"
	keyActive    = "modelcheck:queue:active"
	keyDelayed   = "modelcheck:queue:delayed"
	keyCompleted = "modelcheck:queue:completed"
	keyFailed    = "modelcheck:queue:failed"
	keyStopped   = "modelcheck:queue:stopped"

	completedCounterTTL = time.Hour
	failedCounterTTL    = 24 * time.Hour
)

// RedisQueue is the broker-backed queue. Jobs are JSON blobs in a waiting
// list, an active hash, and a delayed sorted set scored by retry time.
// Failed jobs retry up to maxAttempts times with exponential backoff
// starting at retryBackoffBase.
type RedisQueue struct {
	client *redis.Client

	// now is swapped by tests to control retry due times.
	now func() time.Time
}

// NewRedisQueue creates a queue over an existing Redis client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, now: time.Now}
}

// Enqueue appends a single job.
func (q *RedisQueue) Enqueue(ctx context.Context, job *models.ProbeJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}
	return q.client.RPush(ctx, keyWaiting, data).Err()
}

// EnqueueBulk appends a batch in one RPUSH so the batch becomes visible
// atomically.
func (q *RedisQueue) EnqueueBulk(ctx context.Context, jobs []*models.ProbeJob) error {
	if len(jobs) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(jobs))
	for _, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshaling job %s: %w", job.ID, err)
		}
		values = append(values, data)
	}
	return q.client.RPush(ctx, keyWaiting, values...).Err()
}

// Stats returns current counters.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, keyWaiting)
	active := pipe.HLen(ctx, keyActive)
	delayed := pipe.ZCard(ctx, keyDelayed)
	completed := pipe.Get(ctx, keyCompleted)
	failed := pipe.Get(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("reading queue stats: %w", err)
	}

	s := Stats{
		Waiting: int(waiting.Val()),
		Active:  int(active.Val()),
		Delayed: int(delayed.Val()),
	}
	s.Completed, _ = completed.Int()
	s.Failed, _ = failed.Int()
	s.Total = s.Waiting + s.Active + s.Delayed + s.Completed + s.Failed
	return s, nil
}

// TestingModelIDs scans waiting, active and delayed jobs for model ids.
func (q *RedisQueue) TestingModelIDs(ctx context.Context) (map[int64]struct{}, error) {
	ids := make(map[int64]struct{})
	err := q.scanJobs(ctx, func(job *models.ProbeJob) {
		ids[job.ModelID] = struct{}{}
	})
	return ids, err
}

// TestingChannelIDs scans waiting, active and delayed jobs for channel ids.
func (q *RedisQueue) TestingChannelIDs(ctx context.Context) (map[int64]struct{}, error) {
	ids := make(map[int64]struct{})
	err := q.scanJobs(ctx, func(job *models.ProbeJob) {
		ids[job.ChannelID] = struct{}{}
	})
	return ids, err
}

// scanJobs applies fn to every pending job in the three holding areas.
func (q *RedisQueue) scanJobs(ctx context.Context, fn func(*models.ProbeJob)) error {
	waiting, err := q.client.LRange(ctx, keyWaiting, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("scanning waiting jobs: %w", err)
	}
	active, err := q.client.HVals(ctx, keyActive).Result()
	if err != nil {
		return fmt.Errorf("scanning active jobs: %w", err)
	}
	delayed, err := q.client.ZRange(ctx, keyDelayed, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("scanning delayed jobs: %w", err)
	}

	for _, raw := range append(append(waiting, active...), delayed...) {
		var job models.ProbeJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			slog.Warn("Skipping malformed job during queue scan", "error", err)
			continue
		}
		fn(&job)
	}
	return nil
}

// StopAndDrain sets the stop flag (with TTL), drains waiting and delayed
// jobs, and deletes admission counter keys so a crashed batch cannot wedge
// future ones. Active jobs stay in the active hash until their worker
// observes the flag and calls MarkDone.
func (q *RedisQueue) StopAndDrain(ctx context.Context) ([]*models.ProbeJob, error) {
	if err := q.client.Set(ctx, keyStopped, "1", StopFlagTTL).Err(); err != nil {
		return nil, fmt.Errorf("setting stop flag: %w", err)
	}

	var drained []*models.ProbeJob
	collect := func(raw string) {
		var job models.ProbeJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			slog.Warn("Skipping malformed job during drain", "error", err)
			return
		}
		drained = append(drained, &job)
	}

	waiting, err := q.client.LRange(ctx, keyWaiting, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("draining waiting jobs: %w", err)
	}
	for _, raw := range waiting {
		collect(raw)
	}
	delayed, err := q.client.ZRange(ctx, keyDelayed, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("draining delayed jobs: %w", err)
	}
	for _, raw := range delayed {
		collect(raw)
	}

	pipe := q.client.Pipeline()
	pipe.Del(ctx, keyWaiting, keyDelayed)
	pipe.IncrBy(ctx, keyFailed, int64(len(drained)))
	pipe.Expire(ctx, keyFailed, failedCounterTTL)
	// Admission counters are deleted so no slot stays leaked.
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("clearing queue state: %w", err)
	}
	if err := q.deleteAdmissionKeys(ctx); err != nil {
		return nil, err
	}

	return drained, nil
}

// deleteAdmissionKeys removes every admission counter key.
func (q *RedisQueue) deleteAdmissionKeys(ctx context.Context) error {
	iter := q.client.Scan(ctx, 0, "modelcheck:admission:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := q.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("deleting admission key %s: %w", iter.Val(), err)
		}
	}
	return iter.Err()
}

// Stopped reports whether the stop flag key exists.
func (q *RedisQueue) Stopped(ctx context.Context) bool {
	n, err := q.client.Exists(ctx, keyStopped).Result()
	if err != nil {
		slog.Warn("Failed to read stop flag, assuming not stopped", "error", err)
		return false
	}
	return n > 0
}

// ClearStopped deletes the stop flag key.
func (q *RedisQueue) ClearStopped(ctx context.Context) error {
	return q.client.Del(ctx, keyStopped).Err()
}

// PullNext promotes due delayed jobs, then claims the head of the waiting
// list into the active hash.
func (q *RedisQueue) PullNext(ctx context.Context) (*models.ProbeJob, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	raw, err := q.client.LPop(ctx, keyWaiting).Result()
	if err == redis.Nil {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, fmt.Errorf("popping job: %w", err)
	}

	var job models.ProbeJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	if err := q.client.HSet(ctx, keyActive, job.ID, raw).Err(); err != nil {
		return nil, fmt.Errorf("marking job active: %w", err)
	}
	return &job, nil
}

// promoteDue moves delayed jobs whose retry time has passed back to waiting.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := float64(q.now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("reading due delayed jobs: %w", err)
	}
	for _, raw := range due {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, keyDelayed, raw)
		pipe.RPush(ctx, keyWaiting, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promoting delayed job: %w", err)
		}
	}
	return nil
}

// MarkDone removes the job from the active hash. Failed jobs are retried
// with exponential backoff until the attempt limit, then counted as failed.
func (q *RedisQueue) MarkDone(ctx context.Context, job *models.ProbeJob, success bool) error {
	if err := q.client.HDel(ctx, keyActive, job.ID).Err(); err != nil {
		return fmt.Errorf("removing active job %s: %w", job.ID, err)
	}

	if success {
		pipe := q.client.Pipeline()
		pipe.Incr(ctx, keyCompleted)
		pipe.Expire(ctx, keyCompleted, completedCounterTTL)
		_, err := pipe.Exec(ctx)
		return err
	}

	// Retries do not apply once detection has been stopped.
	if job.Attempt+1 < maxAttempts && !q.Stopped(ctx) {
		retry := *job
		retry.Attempt++
		data, err := json.Marshal(&retry)
		if err != nil {
			return fmt.Errorf("marshaling retry for %s: %w", job.ID, err)
		}
		backoff := time.Duration(float64(retryBackoffBase) * math.Pow(2, float64(job.Attempt)))
		score := float64(q.now().Add(backoff).UnixMilli())
		return q.client.ZAdd(ctx, keyDelayed, redis.Z{Score: score, Member: data}).Err()
	}

	pipe := q.client.Pipeline()
	pipe.Incr(ctx, keyFailed)
	pipe.Expire(ctx, keyFailed, failedCounterTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// HasPendingForModel scans for another job of the same model.
func (q *RedisQueue) HasPendingForModel(ctx context.Context, modelID int64, excludeJobID string) (bool, error) {
	found := false
	err := q.scanJobs(ctx, func(job *models.ProbeJob) {
		if job.ModelID == modelID && job.ID != excludeJobID {
			found = true
		}
	})
	return found, err
}
