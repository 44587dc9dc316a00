package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moyucharm/model-check/pkg/admission"
	"github.com/Moyucharm/model-check/pkg/events"
	"github.com/Moyucharm/model-check/pkg/models"
	"github.com/Moyucharm/model-check/pkg/probe"
	"github.com/Moyucharm/model-check/pkg/repository"
)

// harness wires a pool over in-memory backends and a stub upstream.
type harness struct {
	repo  *repository.Memory
	queue *MemoryQueue
	adm   *admission.Memory
	bus   *events.Bus
	pool  *WorkerPool
}

// newHarness builds the pool. jitterMs configures the stored scheduler
// config's fixed jitter; concurrency bounds size the admission controller.
func newHarness(t *testing.T, workers, globalCap, channelCap, jitterMs int) *harness {
	t.Helper()

	repo := repository.NewMemory()
	cfg := models.DefaultSchedulerConfig()
	cfg.MinJitterMs = jitterMs
	cfg.MaxJitterMs = jitterMs
	cfg.ChannelConcurrency = channelCap
	cfg.MaxGlobalConcurrency = globalCap
	require.NoError(t, repo.UpsertSchedulerConfig(context.Background(), cfg))

	q := NewMemoryQueue()
	adm := admission.NewMemory(globalCap, channelCap)
	bus := events.NewBus()
	pool := NewWorkerPool(q, adm, repo, probe.NewExecutor(), events.LocalPublisher{Bus: bus},
		PoolConfig{WorkerCount: workers, PollInterval: 10 * time.Millisecond}, Overrides{})

	return &harness{repo: repo, queue: q, adm: adm, bus: bus, pool: pool}
}

// seed creates a channel pointing at baseURL with n chat models, returning
// one ready-to-enqueue job per model.
func (h *harness) seed(t *testing.T, baseURL string, n int) []*models.ProbeJob {
	t.Helper()
	ch := h.repo.AddChannel(&models.Channel{
		Name:          "stub",
		BaseURL:       baseURL,
		PrimaryAPIKey: "sk-ok",
		KeyMode:       models.KeyModeSingle,
		Enabled:       true,
	})
	jobs := make([]*models.ProbeJob, 0, n)
	for i := 0; i < n; i++ {
		mdl := h.repo.AddModel(ch.ID, "gpt-4")
		jobs = append(jobs, &models.ProbeJob{
			ID:        models.NewJobID(ch.ID, mdl.ID, models.KindChat, i),
			ChannelID: ch.ID,
			ModelID:   mdl.ID,
			ModelName: mdl.ModelName,
			Kind:      models.KindChat,
			BaseURL:   ch.BaseURL,
			APIKey:    ch.PrimaryAPIKey,
		})
	}
	return jobs
}

func okUpstream() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
}

func TestWorkerPool_HappyPath(t *testing.T) {
	srv := okUpstream()
	defer srv.Close()

	h := newHarness(t, 2, 5, 5, 0)
	jobs := h.seed(t, srv.URL, 1)

	eventCh, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.queue.EnqueueBulk(ctx, jobs))
	h.pool.Start(ctx)
	defer h.pool.Stop()

	var event events.ProgressEvent
	select {
	case event = <-eventCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no progress event")
	}

	assert.Equal(t, models.ProbeSuccess, event.Status)
	assert.Equal(t, models.KindChat, event.Kind)
	assert.True(t, event.IsModelComplete)

	mdl, err := h.repo.GetModel(ctx, jobs[0].ModelID)
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, mdl.HealthStatus)

	endpoints, err := h.repo.ListModelEndpoints(ctx, jobs[0].ModelID)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, models.ProbeSuccess, endpoints[0].Status)

	logs, err := h.repo.ListCheckLogs(ctx, jobs[0].ModelID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ProbeSuccess, logs[0].Status)
}

func TestWorkerPool_UpstreamFailureRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	h := newHarness(t, 1, 5, 5, 0)
	jobs := h.seed(t, srv.URL, 1)

	eventCh, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.queue.EnqueueBulk(ctx, jobs))
	h.pool.Start(ctx)
	defer h.pool.Stop()

	select {
	case event := <-eventCh:
		assert.Equal(t, models.ProbeFail, event.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no progress event")
	}

	mdl, err := h.repo.GetModel(ctx, jobs[0].ModelID)
	require.NoError(t, err)
	assert.Equal(t, models.HealthUnhealthy, mdl.HealthStatus)
}

// Stopping detection mid-jitter cancels queued and in-flight jobs: every
// job concludes as a recorded "Detection stopped by user" failure within
// one jitter window, and the queue drains completely.
func TestWorkerPool_CancellationDuringJitter(t *testing.T) {
	srv := okUpstream()
	defer srv.Close()

	const jobCount = 10
	h := newHarness(t, 4, 30, 2, 1000)
	jobs := h.seed(t, srv.URL, jobCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.queue.EnqueueBulk(ctx, jobs))
	h.pool.Start(ctx)
	defer h.pool.Stop()

	// Let the first workers enter their jitter sleep, then stop.
	time.Sleep(100 * time.Millisecond)
	drained, err := h.queue.StopAndDrain(ctx)
	require.NoError(t, err)
	h.pool.CancelActive()

	// Drained jobs are recorded by the caller (the detection service in
	// production); here we persist them directly to mirror it.
	for _, job := range drained {
		require.NoError(t, h.repo.PersistProbeOutcome(ctx, job, models.CanceledOutcome(job.Kind)))
	}

	// Every job concludes canceled within one jitter window.
	require.Eventually(t, func() bool {
		for _, job := range jobs {
			logs, err := h.repo.ListCheckLogs(ctx, job.ModelID, 1)
			if err != nil || len(logs) != 1 {
				return false
			}
			if logs[0].ErrorMsg == nil || *logs[0].ErrorMsg != models.CanceledMessage {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Waiting)

	require.Eventually(t, func() bool {
		s, _ := h.queue.Stats(ctx)
		return s.Active == 0
	}, 2*time.Second, 20*time.Millisecond)
}

// The count of probes executing concurrently never exceeds the global
// bound, and per channel never exceeds the channel bound.
func TestWorkerPool_AdmissionBound(t *testing.T) {
	const (
		globalCap  = 3
		channelCap = 2
		channels   = 4
		perChannel = 5
	)

	var (
		mu        sync.Mutex
		inFlight  = map[string]int{}
		maxGlobal int
		maxByChan = map[string]int{}
		total     atomic.Int64
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Authorization")
		mu.Lock()
		inFlight["global"]++
		inFlight[key]++
		if inFlight["global"] > maxGlobal {
			maxGlobal = inFlight["global"]
		}
		if inFlight[key] > maxByChan[key] {
			maxByChan[key] = inFlight[key]
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight["global"]--
		inFlight[key]--
		mu.Unlock()
		total.Add(1)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	h := newHarness(t, 10, globalCap, channelCap, 0)

	// Build jobs across distinct channels; the API key distinguishes the
	// channel on the upstream side.
	var jobs []*models.ProbeJob
	for c := 0; c < channels; c++ {
		ch := h.repo.AddChannel(&models.Channel{
			Name:          "stub-" + string(rune('a'+c)),
			BaseURL:       srv.URL,
			PrimaryAPIKey: "sk-" + string(rune('a'+c)),
			KeyMode:       models.KeyModeSingle,
			Enabled:       true,
		})
		for i := 0; i < perChannel; i++ {
			mdl := h.repo.AddModel(ch.ID, "gpt-4")
			jobs = append(jobs, &models.ProbeJob{
				ID:        models.NewJobID(ch.ID, mdl.ID, models.KindChat, i),
				ChannelID: ch.ID,
				ModelID:   mdl.ID,
				ModelName: mdl.ModelName,
				Kind:      models.KindChat,
				BaseURL:   ch.BaseURL,
				APIKey:    ch.PrimaryAPIKey,
			})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.queue.EnqueueBulk(ctx, jobs))
	h.pool.Start(ctx)
	defer h.pool.Stop()

	require.Eventually(t, func() bool {
		return total.Load() == int64(len(jobs))
	}, 15*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxGlobal, globalCap)
	for key, max := range maxByChan {
		if key == "global" {
			continue
		}
		assert.LessOrEqual(t, max, channelCap, "channel %s exceeded its bound", key)
	}
}

func TestWorkerPool_StartIsIdempotent(t *testing.T) {
	h := newHarness(t, 1, 5, 5, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.pool.Start(ctx)
	h.pool.Start(ctx)
	defer h.pool.Stop()

	assert.Len(t, h.pool.workers, 1)
}
