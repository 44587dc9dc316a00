// Package queue provides the probe job queue and the worker pool that
// drains it. Two interchangeable backends exist: an in-process FIFO and a
// Redis-backed queue for multi-process deployments.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/Moyucharm/model-check/pkg/models"
)

// ErrNoJobs is returned by PullNext when the queue is empty.
var ErrNoJobs = errors.New("no jobs available")

// StopFlagTTL bounds how long the stop flag suppresses new work.
const StopFlagTTL = 5 * time.Minute

// Retry policy for the Redis backend.
const (
	maxAttempts      = 3
	retryBackoffBase = 5 * time.Second
)

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Total     int `json:"total"`
}

// Queue is a durable FIFO of probe jobs plus the shared stop flag.
//
// Workers drive both backends uniformly through PullNext/MarkDone; the
// Redis backend additionally retries failed jobs with exponential backoff
// before counting them as failed.
type Queue interface {
	// Enqueue appends a single job.
	Enqueue(ctx context.Context, job *models.ProbeJob) error

	// EnqueueBulk appends a batch of jobs; jobs from one batch become
	// visible together.
	EnqueueBulk(ctx context.Context, jobs []*models.ProbeJob) error

	// Stats returns current counters.
	Stats(ctx context.Context) (Stats, error)

	// TestingModelIDs returns the model ids with waiting, active or
	// delayed jobs.
	TestingModelIDs(ctx context.Context) (map[int64]struct{}, error)

	// TestingChannelIDs returns the channel ids with pending jobs.
	TestingChannelIDs(ctx context.Context) (map[int64]struct{}, error)

	// StopAndDrain sets the stop flag and empties the waiting queue,
	// returning the drained jobs so the caller can record canceled
	// outcomes for them. In-flight jobs observe the flag at their next
	// checkpoint.
	StopAndDrain(ctx context.Context) ([]*models.ProbeJob, error)

	// Stopped reports whether the stop flag is set.
	Stopped(ctx context.Context) bool

	// ClearStopped clears the stop flag; called by triggers before
	// enqueueing a new batch.
	ClearStopped(ctx context.Context) error

	// PullNext claims the next job, or ErrNoJobs.
	PullNext(ctx context.Context) (*models.ProbeJob, error)

	// MarkDone retires a claimed job. The Redis backend re-queues failed
	// jobs until the attempt limit.
	MarkDone(ctx context.Context, job *models.ProbeJob, success bool) error

	// HasPendingForModel reports whether another job for the model is
	// still waiting, active or delayed.
	HasPendingForModel(ctx context.Context, modelID int64, excludeJobID string) (bool, error)
}
