package queue

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Moyucharm/model-check/pkg/events"
	"github.com/Moyucharm/model-check/pkg/models"
	"github.com/Moyucharm/model-check/pkg/observability"
)

// Worker is a single probe worker. It pulls jobs, honors the stop flag at
// the dequeue and post-admission checkpoints, sleeps the configured jitter,
// executes the probe, persists, publishes, and releases its slots.
type Worker struct {
	id       string
	pool     *WorkerPool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWorker(id string, pool *WorkerPool) *Worker {
	return &Worker{
		id:     id,
		pool:   pool,
		stopCh: make(chan struct{}),
	}
}

// start begins the worker polling loop in a goroutine.
func (w *Worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// stop signals the worker to stop and waits for it to finish. Safe to call
// multiple times.
func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Debug("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Debug("Worker shutting down")
			return
		case <-ctx.Done():
			return
		default:
			job, err := w.pool.queue.PullNext(ctx)
			if err != nil {
				w.sleep(w.pool.cfg.PollInterval)
				continue
			}
			w.process(ctx, job)
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// process drives one job through the probe state machine.
func (w *Worker) process(ctx context.Context, job *models.ProbeJob) {
	log := slog.With("worker_id", w.id, "job_id", job.ID, "model", job.ModelName, "kind", job.Kind)

	// DEQUEUED checkpoint: a stopped queue short-circuits before any slot
	// is taken.
	if w.pool.queue.Stopped(ctx) {
		w.finishCanceled(ctx, job, log)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.pool.registerJob(job.ID, cancel)
	defer w.pool.unregisterJob(job.ID)

	cfg := w.pool.cfgCache.Get(ctx)

	acquireStart := time.Now()
	if err := w.pool.admission.Acquire(jobCtx, job.ChannelID); err != nil {
		if w.pool.queue.Stopped(ctx) {
			w.finishCanceled(ctx, job, log)
			return
		}
		// Transient acquire failure: hand the job back to the queue's
		// retry path.
		log.Warn("Admission acquire failed", "error", err)
		if err := w.pool.queue.MarkDone(ctx, job, false); err != nil {
			log.Error("Failed to mark job after acquire failure", "error", err)
		}
		return
	}
	observability.AdmissionWaitSeconds.Observe(time.Since(acquireStart).Seconds())
	defer w.pool.admission.Release(job.ChannelID)

	// Post-admission checkpoint closes the race where the flag was set
	// while this worker waited for slots.
	if w.pool.queue.Stopped(ctx) {
		w.finishCanceled(ctx, job, log)
		return
	}

	if canceled := w.jitter(jobCtx, cfg); canceled {
		w.finishCanceled(ctx, job, log)
		return
	}

	observability.ProbesInFlight.Inc()
	outcome := w.pool.executor.Execute(jobCtx, job)
	observability.ProbesInFlight.Dec()

	// A cancel observed mid-probe is recorded as a user stop, not as a
	// transport error.
	if jobCtx.Err() != nil && w.pool.queue.Stopped(ctx) {
		outcome = models.CanceledOutcome(job.Kind)
	}

	w.finish(ctx, job, outcome, log)
}

// jitter sleeps the uniform random pre-probe delay. Returns true when the
// job context was canceled during the wait.
func (w *Worker) jitter(ctx context.Context, cfg *models.SchedulerConfig) bool {
	delay := jitterDuration(cfg.MinJitterMs, cfg.MaxJitterMs)
	if delay <= 0 {
		return ctx.Err() != nil
	}
	select {
	case <-ctx.Done():
		return true
	case <-time.After(delay):
		return false
	}
}

// jitterDuration picks a uniform random delay in [minMs, maxMs].
func jitterDuration(minMs, maxMs int) time.Duration {
	if maxMs <= 0 || maxMs < minMs {
		return 0
	}
	span := maxMs - minMs
	ms := minMs
	if span > 0 {
		ms += rand.IntN(span + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

// finishCanceled records and publishes the canceled outcome for a job.
func (w *Worker) finishCanceled(ctx context.Context, job *models.ProbeJob, log *slog.Logger) {
	w.finish(ctx, job, models.CanceledOutcome(job.Kind), log)
}

// finish persists the outcome, publishes progress, and retires the job.
// Persistence failures still publish a best-effort progress event so UI
// state updates, and count the job as failed.
func (w *Worker) finish(ctx context.Context, job *models.ProbeJob, outcome *models.ProbeOutcome, log *slog.Logger) {
	// Persist with a background-derived context: the job context may
	// already be canceled, and the record must still land.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	persistErr := w.pool.repo.PersistProbeOutcome(persistCtx, job, outcome)
	if persistErr != nil {
		log.Error("Failed to persist probe outcome", "error", persistErr)
	}

	pending, err := w.pool.queue.HasPendingForModel(ctx, job.ModelID, job.ID)
	if err != nil {
		log.Warn("Failed to check pending jobs for model", "error", err)
	}

	w.pool.publisher.Publish(persistCtx, events.ProgressEvent{
		ChannelID:       job.ChannelID,
		ModelID:         job.ModelID,
		ModelName:       job.ModelName,
		Kind:            outcome.Kind,
		Status:          outcome.Status,
		LatencyMs:       outcome.LatencyMs,
		Timestamp:       time.Now(),
		IsModelComplete: !pending,
	})

	observability.ProbesTotal.WithLabelValues(string(outcome.Kind), string(outcome.Status)).Inc()
	if outcome.LatencyMs > 0 {
		observability.ProbeDurationSeconds.WithLabelValues(string(outcome.Kind)).
			Observe(float64(outcome.LatencyMs) / 1000)
	}

	canceled := outcome.ErrorMsg == models.CanceledMessage
	if err := w.pool.queue.MarkDone(ctx, job, persistErr == nil && !canceled); err != nil {
		log.Error("Failed to mark job done", "error", err)
	}
}
