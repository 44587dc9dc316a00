// Package catalog reconciles a channel's local model entities against the
// upstream model-list endpoint.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Moyucharm/model-check/pkg/models"
	"github.com/Moyucharm/model-check/pkg/repository"
)

// ErrEmptyModelList is returned when the upstream response parses but
// contains no models.
var ErrEmptyModelList = errors.New("empty model list")

// listTimeout bounds the model-list request.
const listTimeout = 30 * time.Second

// SyncResult summarizes one channel's reconciliation.
type SyncResult struct {
	ChannelID int64  `json:"channel_id"`
	Added     int    `json:"added"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"`
}

// HTTPClientFactory returns an HTTP client honoring the channel's proxy
// settings. The probe executor's cached clients satisfy this.
type HTTPClientFactory interface {
	ClientFor(proxyURL string) (*http.Client, error)
}

// Syncer fetches upstream model lists and adds missing local entities.
// Local models are never deleted: stale names keep their probe history.
type Syncer struct {
	repo    repository.Repository
	clients HTTPClientFactory
}

// NewSyncer creates a catalog syncer.
func NewSyncer(repo repository.Repository, clients HTTPClientFactory) *Syncer {
	return &Syncer{repo: repo, clients: clients}
}

// Sync reconciles one channel and returns the added/total counts.
func (s *Syncer) Sync(ctx context.Context, channel *models.Channel) SyncResult {
	result := SyncResult{ChannelID: channel.ID}

	names, err := s.fetchModelNames(ctx, channel)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	added, err := s.repo.ReplaceOrAddModels(ctx, channel.ID, names)
	if err != nil {
		result.Error = fmt.Sprintf("storing models: %v", err)
		return result
	}
	result.Added = added

	current, err := s.repo.ListModelsForSync(ctx, channel.ID)
	if err != nil {
		result.Error = fmt.Sprintf("listing models: %v", err)
		return result
	}
	result.Total = len(current)

	slog.Info("Model catalog synced",
		"channel_id", channel.ID, "added", added, "total", result.Total)
	return result
}

// fetchModelNames calls GET {baseUrl}/v1/models and parses either the
// OpenAI shape {data:[{id}]} or the Google shape {models:[{name}]}.
func (s *Syncer) fetchModelNames(ctx context.Context, channel *models.Channel) ([]string, error) {
	client, err := s.clients.ClientFor(channel.ProxyURL)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	url := models.NormalizeBaseURL(channel.BaseURL) + "/v1/models"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+channel.PrimaryAPIKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching model list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("model list returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading model list: %w", err)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing model list: %w", err)
	}

	var names []string
	for _, d := range parsed.Data {
		if d.ID != "" {
			names = append(names, d.ID)
		}
	}
	for _, m := range parsed.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	if len(names) == 0 {
		return nil, ErrEmptyModelList
	}
	return names, nil
}
