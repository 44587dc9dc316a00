package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Moyucharm/model-check/pkg/admission"
	"github.com/Moyucharm/model-check/pkg/events"
	"github.com/Moyucharm/model-check/pkg/observability"
	"github.com/Moyucharm/model-check/pkg/probe"
	"github.com/Moyucharm/model-check/pkg/repository"
)

// stopWatchInterval is how often the pool re-checks the shared stop flag
// so a stop issued by another process reaches in-flight jobs here.
const stopWatchInterval = 500 * time.Millisecond

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	// WorkerCount is the number of worker goroutines. Defaults to 5 for
	// the in-memory backend and 50 for the broker backend; the admission
	// controller bounds actual probing either way.
	WorkerCount int

	// PollInterval is the idle-queue poll interval.
	PollInterval time.Duration
}

// DefaultPoolConfig returns the pool defaults for the given backend mode.
func DefaultPoolConfig(broker bool) PoolConfig {
	workers := 5
	if broker {
		workers = 50
	}
	return PoolConfig{WorkerCount: workers, PollInterval: 250 * time.Millisecond}
}

// WorkerPool manages the probe workers draining the job queue.
type WorkerPool struct {
	queue     Queue
	admission admission.Controller
	repo      repository.Repository
	executor  *probe.Executor
	publisher events.Publisher
	cfg       PoolConfig
	cfgCache  *configCache

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Active job cancel registry: job id → cancel function.
	mu         sync.Mutex
	activeJobs map[string]context.CancelFunc
	started    bool
}

// NewWorkerPool creates a worker pool. Overrides come from the process
// environment and are applied on top of every stored configuration read.
func NewWorkerPool(
	q Queue,
	adm admission.Controller,
	repo repository.Repository,
	executor *probe.Executor,
	publisher events.Publisher,
	cfg PoolConfig,
	overrides Overrides,
) *WorkerPool {
	return &WorkerPool{
		queue:      q,
		admission:  adm,
		repo:       repo,
		executor:   executor,
		publisher:  publisher,
		cfg:        cfg,
		cfgCache:   newConfigCache(repo, overrides),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines and the stop-flag watcher. It is safe
// to call more than once; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true
	p.mu.Unlock()

	slog.Info("Starting worker pool", "worker_count", p.cfg.WorkerCount)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		worker := newWorker(fmt.Sprintf("worker-%d", i), p)
		p.workers = append(p.workers, worker)
		worker.start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.watchStopFlag(ctx)
	}()
}

// Stop signals all workers to stop and waits for them to finish their
// current jobs.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	for _, w := range p.workers {
		w.stop()
	}
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// ReloadConfig invalidates the memoized scheduler configuration so the
// next job reads fresh tunables.
func (p *WorkerPool) ReloadConfig() {
	p.cfgCache.Invalidate()
}

// CancelActive cancels the context of every in-flight job and resets the
// admission counters. Called by the detection service right after
// StopAndDrain so cancellation reaches in-flight work without waiting for
// the watcher. Stale releases from the canceled holders are safe: both
// controller backends guard against going negative.
func (p *WorkerPool) CancelActive() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.activeJobs))
	for _, cancel := range p.activeJobs {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	p.admission.Reset()
}

// registerJob tracks an in-flight job's cancel function.
func (p *WorkerPool) registerJob(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[jobID] = cancel
}

// unregisterJob drops a finished job from the registry.
func (p *WorkerPool) unregisterJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, jobID)
}

// watchStopFlag propagates a broker-set stop flag to in-flight jobs and
// keeps the queue depth gauges current.
func (p *WorkerPool) watchStopFlag(ctx context.Context) {
	ticker := time.NewTicker(stopWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.queue.Stopped(ctx) {
				p.CancelActive()
			}
			if stats, err := p.queue.Stats(ctx); err == nil {
				observability.QueueDepth.WithLabelValues("waiting").Set(float64(stats.Waiting))
				observability.QueueDepth.WithLabelValues("active").Set(float64(stats.Active))
				observability.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
			}
		}
	}
}
