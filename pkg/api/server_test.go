package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moyucharm/model-check/pkg/catalog"
	"github.com/Moyucharm/model-check/pkg/config"
	"github.com/Moyucharm/model-check/pkg/detection"
	"github.com/Moyucharm/model-check/pkg/events"
	"github.com/Moyucharm/model-check/pkg/models"
	"github.com/Moyucharm/model-check/pkg/probe"
	"github.com/Moyucharm/model-check/pkg/queue"
	"github.com/Moyucharm/model-check/pkg/repository"
	"github.com/Moyucharm/model-check/pkg/scheduler"
)

type noopPool struct{}

func (noopPool) ReloadConfig() {}
func (noopPool) CancelActive() {}

type testServer struct {
	server *Server
	repo   *repository.Memory
	queue  *queue.MemoryQueue
	bus    *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repo := repository.NewMemory()
	q := queue.NewMemoryQueue()
	bus := events.NewBus()
	syncer := catalog.NewSyncer(repo, probe.NewExecutor())
	det := detection.NewService(repo, q, noopPool{}, syncer, events.LocalPublisher{Bus: bus})
	sched := scheduler.NewService(repo, det, "")
	t.Cleanup(sched.StopAll)

	cfg := config.Defaults()
	server := NewServer(cfg, repo, det, sched, bus, nil)
	return &testServer{server: server, repo: repo, queue: q, bus: bus}
}

func (ts *testServer) seedChannel(modelNames ...string) *models.Channel {
	ch := ts.repo.AddChannel(&models.Channel{
		Name:          "main",
		BaseURL:       "https://api.example.test",
		PrimaryAPIKey: "sk-ok",
		KeyMode:       models.KeyModeSingle,
		Enabled:       true,
	})
	for _, n := range modelNames {
		ts.repo.AddModel(ch.ID, n)
	}
	return ch
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := doJSON(t, ts.server.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerChannelEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ch := ts.seedChannel("gpt-4", "claude-3")

	rec := doJSON(t, ts.server.Handler(), http.MethodPost, "/api/v1/detect/channel/1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result detection.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.ModelCount)
	assert.Len(t, result.JobIDs, 2)
	assert.Equal(t, int64(1), ch.ID)
}

func TestTriggerChannelEndpoint_NotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := doJSON(t, ts.server.Handler(), http.MethodPost, "/api/v1/detect/channel/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressAndStopEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.seedChannel("gpt-4")

	rec := doJSON(t, ts.server.Handler(), http.MethodPost, "/api/v1/detect/channel/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, ts.server.Handler(), http.MethodGet, "/api/v1/detect/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap detection.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.IsRunning)
	assert.Equal(t, 1, snap.Waiting)

	rec = doJSON(t, ts.server.Handler(), http.MethodPost, "/api/v1/detect/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stopResp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stopResp))
	assert.Equal(t, 1, stopResp["cleared"])
}

func TestChannelListingEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.seedChannel("gpt-4")

	rec := doJSON(t, ts.server.Handler(), http.MethodGet, "/api/v1/channels?with_models=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gpt-4")

	rec = doJSON(t, ts.server.Handler(), http.MethodGet, "/api/v1/channels/1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown")
}

func TestSchedulerEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := doJSON(t, ts.server.Handler(), http.MethodPost, "/api/v1/scheduler/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, ts.server.Handler(), http.MethodGet, "/api/v1/scheduler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status scheduler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Detection.Running)
	assert.True(t, status.Cleanup.Running)

	rec = doJSON(t, ts.server.Handler(), http.MethodPost, "/api/v1/scheduler/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSchedulerConfigEndpoints(t *testing.T) {
	ts := newTestServer(t)

	cfg := models.DefaultSchedulerConfig()
	cfg.Enabled = true
	cfg.CronExpression = "*/30 * * * *"
	rec := doJSON(t, ts.server.Handler(), http.MethodPut, "/api/v1/scheduler/config", cfg)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, ts.server.Handler(), http.MethodGet, "/api/v1/scheduler/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.SchedulerConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Enabled)
	assert.Equal(t, "*/30 * * * *", got.CronExpression)

	bad := models.DefaultSchedulerConfig()
	bad.ChannelConcurrency = 0
	rec = doJSON(t, ts.server.Handler(), http.MethodPut, "/api/v1/scheduler/config", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStream_ConnectedAndProgress(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/detect/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line := readSSELine(t, reader)
	assert.Contains(t, line, `"type":"connected"`)

	// The subscriber registers before "connected" is written, so this
	// publish is delivered.
	ts.bus.Publish(events.ProgressEvent{
		ChannelID: 1, ModelID: 2, ModelName: "gpt-4",
		Kind: models.KindChat, Status: models.ProbeSuccess,
		Timestamp: time.Now(), IsModelComplete: true,
	})

	line = readSSELine(t, reader)
	assert.Contains(t, line, `"type":"progress"`)
	assert.Contains(t, line, `"is_model_complete":true`)
}

// readSSELine returns the next non-empty SSE data line.
func readSSELine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
}
