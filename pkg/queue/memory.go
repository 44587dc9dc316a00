package queue

import (
	"context"
	"sync"
	"time"

	"github.com/Moyucharm/model-check/pkg/models"
)

// MemoryQueue is the in-process backend: a FIFO slice of waiting jobs and a
// map of active ones. The stop flag is a timestamped boolean; it does not
// survive restarts.
type MemoryQueue struct {
	mu        sync.Mutex
	waiting   []*models.ProbeJob
	active    map[string]*models.ProbeJob
	completed int
	failed    int
	stoppedAt time.Time
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{active: make(map[string]*models.ProbeJob)}
}

// Enqueue appends a single job.
func (q *MemoryQueue) Enqueue(_ context.Context, job *models.ProbeJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiting = append(q.waiting, job)
	return nil
}

// EnqueueBulk appends a batch of jobs under one lock acquisition.
func (q *MemoryQueue) EnqueueBulk(_ context.Context, jobs []*models.ProbeJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiting = append(q.waiting, jobs...)
	return nil
}

// Stats returns current counters.
func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Waiting:   len(q.waiting),
		Active:    len(q.active),
		Completed: q.completed,
		Failed:    q.failed,
	}
	s.Total = s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
	return s, nil
}

// TestingModelIDs returns model ids with waiting or active jobs.
func (q *MemoryQueue) TestingModelIDs(_ context.Context) (map[int64]struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make(map[int64]struct{})
	for _, j := range q.waiting {
		ids[j.ModelID] = struct{}{}
	}
	for _, j := range q.active {
		ids[j.ModelID] = struct{}{}
	}
	return ids, nil
}

// TestingChannelIDs returns channel ids with waiting or active jobs.
func (q *MemoryQueue) TestingChannelIDs(_ context.Context) (map[int64]struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make(map[int64]struct{})
	for _, j := range q.waiting {
		ids[j.ChannelID] = struct{}{}
	}
	for _, j := range q.active {
		ids[j.ChannelID] = struct{}{}
	}
	return ids, nil
}

// StopAndDrain sets the stop flag and clears the waiting queue. Active jobs
// observe the flag at their next checkpoint and short-circuit.
func (q *MemoryQueue) StopAndDrain(_ context.Context) ([]*models.ProbeJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.waiting
	q.waiting = nil
	q.failed += len(drained)
	q.stoppedAt = time.Now()
	return drained, nil
}

// Stopped reports whether the stop flag is set and inside its TTL.
func (q *MemoryQueue) Stopped(_ context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.stoppedAt.IsZero() && time.Since(q.stoppedAt) < StopFlagTTL
}

// ClearStopped clears the stop flag.
func (q *MemoryQueue) ClearStopped(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stoppedAt = time.Time{}
	return nil
}

// PullNext claims the head of the FIFO.
func (q *MemoryQueue) PullNext(_ context.Context) (*models.ProbeJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return nil, ErrNoJobs
	}
	job := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active[job.ID] = job
	return job, nil
}

// MarkDone retires a claimed job. The in-memory backend does not retry.
// Completion counters reset once the queue fully drains so the next batch
// starts its progress from zero.
func (q *MemoryQueue) MarkDone(_ context.Context, job *models.ProbeJob, success bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, job.ID)
	if success {
		q.completed++
	} else {
		q.failed++
	}
	if len(q.waiting) == 0 && len(q.active) == 0 {
		q.completed = 0
		q.failed = 0
	}
	return nil
}

// HasPendingForModel reports whether another job for the model is pending.
func (q *MemoryQueue) HasPendingForModel(_ context.Context, modelID int64, excludeJobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.waiting {
		if j.ModelID == modelID && j.ID != excludeJobID {
			return true, nil
		}
	}
	for _, j := range q.active {
		if j.ModelID == modelID && j.ID != excludeJobID {
			return true, nil
		}
	}
	return false, nil
}
