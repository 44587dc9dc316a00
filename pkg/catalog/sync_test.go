package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Moyucharm/model-check/pkg/models"
	"github.com/Moyucharm/model-check/pkg/probe"
	"github.com/Moyucharm/model-check/pkg/repository"
)

func channelFor(repo *repository.Memory, baseURL string) *models.Channel {
	return repo.AddChannel(&models.Channel{
		Name:          "upstream",
		BaseURL:       baseURL,
		PrimaryAPIKey: "sk-ok",
		KeyMode:       models.KeyModeSingle,
		Enabled:       true,
	})
}

func TestSync_OpenAIShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-ok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4"},{"id":"gpt-4o"}]}`))
	}))
	defer srv.Close()

	repo := repository.NewMemory()
	ch := channelFor(repo, srv.URL)

	result := NewSyncer(repo, probe.NewExecutor()).Sync(context.Background(), ch)

	assert.Empty(t, result.Error)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 2, result.Total)
}

func TestSync_GoogleShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"models":[{"name":"gemini-pro"},{"name":"gemini-flash"}]}`))
	}))
	defer srv.Close()

	repo := repository.NewMemory()
	ch := channelFor(repo, srv.URL)

	result := NewSyncer(repo, probe.NewExecutor()).Sync(context.Background(), ch)

	assert.Empty(t, result.Error)
	assert.Equal(t, 2, result.Added)
}

func TestSync_NeverDeletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"}]}`))
	}))
	defer srv.Close()

	repo := repository.NewMemory()
	ch := channelFor(repo, srv.URL)
	repo.AddModel(ch.ID, "legacy-model")

	result := NewSyncer(repo, probe.NewExecutor()).Sync(context.Background(), ch)

	assert.Empty(t, result.Error)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 2, result.Total, "stale local models are kept")
}

func TestSync_EmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	repo := repository.NewMemory()
	ch := channelFor(repo, srv.URL)

	result := NewSyncer(repo, probe.NewExecutor()).Sync(context.Background(), ch)

	assert.Equal(t, ErrEmptyModelList.Error(), result.Error)
}

func TestSync_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	repo := repository.NewMemory()
	ch := channelFor(repo, srv.URL)

	result := NewSyncer(repo, probe.NewExecutor()).Sync(context.Background(), ch)

	assert.Contains(t, result.Error, "502")
}
