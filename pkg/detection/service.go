// Package detection translates user intents (full / channel / model /
// selective) into probe job batches.
package detection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Moyucharm/model-check/pkg/catalog"
	"github.com/Moyucharm/model-check/pkg/events"
	"github.com/Moyucharm/model-check/pkg/models"
	"github.com/Moyucharm/model-check/pkg/observability"
	"github.com/Moyucharm/model-check/pkg/probe"
	"github.com/Moyucharm/model-check/pkg/queue"
	"github.com/Moyucharm/model-check/pkg/repository"
)

// Result summarizes a trigger call.
type Result struct {
	Channels    int                  `json:"channels"`
	ModelCount  int                  `json:"model_count"`
	JobIDs      []string             `json:"job_ids"`
	SyncResults []catalog.SyncResult `json:"sync_results,omitempty"`
}

// Snapshot is the dashboard progress view.
type Snapshot struct {
	queue.Stats
	IsRunning       bool    `json:"is_running"`
	ProgressPercent float64 `json:"progress_percent"`
	TestingModelIDs []int64 `json:"testing_model_ids"`
}

// Pool is the subset of the worker pool the service drives.
type Pool interface {
	ReloadConfig()
	CancelActive()
}

// Service builds and enqueues probe batches. For every model in a batch
// the repository reset commits before any of its jobs becomes visible in
// the queue.
type Service struct {
	repo      repository.Repository
	queue     queue.Queue
	pool      Pool
	syncer    *catalog.Syncer
	publisher events.Publisher

	// secondaryChat configures which non-chat kinds also get a chat
	// probe. Empty by default: native kind only.
	secondaryChat []models.EndpointKind
}

// NewService creates a detection service.
func NewService(
	repo repository.Repository,
	q queue.Queue,
	pool Pool,
	syncer *catalog.Syncer,
	publisher events.Publisher,
) *Service {
	return &Service{
		repo:      repo,
		queue:     q,
		pool:      pool,
		syncer:    syncer,
		publisher: publisher,
	}
}

// SetSecondaryChatKinds configures the kinds that receive an additional
// chat probe.
func (s *Service) SetSecondaryChatKinds(kinds []models.EndpointKind) {
	s.secondaryChat = kinds
}

// TriggerFull probes every model of every enabled channel. With syncFirst
// the model catalog is reconciled per channel, in series, before
// enqueueing.
func (s *Service) TriggerFull(ctx context.Context, syncFirst bool) (*Result, error) {
	if err := s.queue.ClearStopped(ctx); err != nil {
		return nil, fmt.Errorf("clearing stop flag: %w", err)
	}

	channels, err := s.repo.LoadEnabledChannels(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("loading channels: %w", err)
	}

	result := &Result{Channels: len(channels)}
	if syncFirst {
		for _, ch := range channels {
			result.SyncResults = append(result.SyncResults, s.syncer.Sync(ctx, ch))
		}
		// Re-read models so newly synced entries are probed too.
		channels, err = s.repo.LoadEnabledChannels(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("reloading channels after sync: %w", err)
		}
	}

	var targets []target
	for _, ch := range channels {
		for _, mdl := range ch.Models {
			targets = append(targets, target{channel: ch, model: mdl})
		}
	}

	if err := s.enqueueBatch(ctx, targets, result); err != nil {
		return nil, err
	}
	observability.DetectionRuns.WithLabelValues("full").Inc()
	return result, nil
}

// TriggerChannel probes one channel, optionally restricted to specific
// models. The catalog is not synced.
func (s *Service) TriggerChannel(ctx context.Context, channelID int64, modelIDs []int64) (*Result, error) {
	if err := s.queue.ClearStopped(ctx); err != nil {
		return nil, fmt.Errorf("clearing stop flag: %w", err)
	}

	ch, err := s.repo.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	selected := make(map[int64]struct{}, len(modelIDs))
	for _, id := range modelIDs {
		selected[id] = struct{}{}
	}

	var targets []target
	for _, mdl := range ch.Models {
		if len(selected) > 0 {
			if _, ok := selected[mdl.ID]; !ok {
				continue
			}
		}
		targets = append(targets, target{channel: ch, model: mdl})
	}

	result := &Result{Channels: 1}
	if err := s.enqueueBatch(ctx, targets, result); err != nil {
		return nil, err
	}
	observability.DetectionRuns.WithLabelValues("channel").Inc()
	return result, nil
}

// TriggerModel probes a single model.
func (s *Service) TriggerModel(ctx context.Context, modelID int64) (*Result, error) {
	if err := s.queue.ClearStopped(ctx); err != nil {
		return nil, fmt.Errorf("clearing stop flag: %w", err)
	}

	mdl, err := s.repo.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	ch, err := s.repo.GetChannel(ctx, mdl.ChannelID)
	if err != nil {
		return nil, err
	}

	result := &Result{Channels: 1}
	if err := s.enqueueBatch(ctx, []target{{channel: ch, model: mdl}}, result); err != nil {
		return nil, err
	}
	observability.DetectionRuns.WithLabelValues("model").Inc()
	return result, nil
}

// TriggerSelective probes the configured channel/model selection. Each
// selected channel is synced first; per-channel sync errors are logged,
// not fatal.
func (s *Service) TriggerSelective(ctx context.Context, channelIDs []int64, modelIDsByChannel map[int64][]int64) (*Result, error) {
	if err := s.queue.ClearStopped(ctx); err != nil {
		return nil, fmt.Errorf("clearing stop flag: %w", err)
	}

	channels, err := s.repo.LoadEnabledChannels(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("loading channels: %w", err)
	}

	wanted := make(map[int64]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		wanted[id] = struct{}{}
	}

	result := &Result{}
	var targets []target
	for _, ch := range channels {
		if len(wanted) > 0 {
			if _, ok := wanted[ch.ID]; !ok {
				continue
			}
		}
		result.Channels++

		syncRes := s.syncer.Sync(ctx, ch)
		result.SyncResults = append(result.SyncResults, syncRes)
		if syncRes.Error != "" {
			slog.Warn("Catalog sync failed for channel, continuing",
				"channel_id", ch.ID, "error", syncRes.Error)
		}

		full, err := s.repo.GetChannel(ctx, ch.ID)
		if err != nil {
			slog.Warn("Failed to reload channel, skipping", "channel_id", ch.ID, "error", err)
			continue
		}

		selected := modelIDsByChannel[ch.ID]
		selectedSet := make(map[int64]struct{}, len(selected))
		for _, id := range selected {
			selectedSet[id] = struct{}{}
		}
		for _, mdl := range full.Models {
			if len(selectedSet) > 0 {
				if _, ok := selectedSet[mdl.ID]; !ok {
					continue
				}
			}
			targets = append(targets, target{channel: full, model: mdl})
		}
	}

	if err := s.enqueueBatch(ctx, targets, result); err != nil {
		return nil, err
	}
	observability.DetectionRuns.WithLabelValues("selective").Inc()
	return result, nil
}

// Stop drains the queue, cancels in-flight work, and records canceled
// outcomes for every drained job so the UI sees each probe conclude.
func (s *Service) Stop(ctx context.Context) (int, error) {
	drained, err := s.queue.StopAndDrain(ctx)
	if err != nil {
		return 0, fmt.Errorf("stopping queue: %w", err)
	}
	s.pool.CancelActive()

	for _, job := range drained {
		outcome := models.CanceledOutcome(job.Kind)
		if err := s.repo.PersistProbeOutcome(ctx, job, outcome); err != nil {
			slog.Error("Failed to persist canceled outcome", "job_id", job.ID, "error", err)
		}
		s.publisher.Publish(ctx, events.ProgressEvent{
			ChannelID:       job.ChannelID,
			ModelID:         job.ModelID,
			ModelName:       job.ModelName,
			Kind:            job.Kind,
			Status:          models.ProbeFail,
			Timestamp:       time.Now(),
			IsModelComplete: true,
		})
	}

	slog.Info("Detection stopped", "cleared", len(drained))
	return len(drained), nil
}

// ProgressSnapshot returns the dashboard progress view.
func (s *Service) ProgressSnapshot(ctx context.Context) (*Snapshot, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	testing, err := s.queue.TestingModelIDs(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(testing))
	for id := range testing {
		ids = append(ids, id)
	}

	snap := &Snapshot{
		Stats:           stats,
		IsRunning:       stats.Waiting+stats.Active+stats.Delayed > 0,
		TestingModelIDs: ids,
	}
	if stats.Total > 0 {
		snap.ProgressPercent = float64(stats.Completed+stats.Failed) / float64(stats.Total) * 100
	}
	return snap, nil
}

// target pairs a model with its owning channel for job building.
type target struct {
	channel *models.Channel
	model   *models.Model
}

// enqueueBatch resets every targeted model, then enqueues one job per
// endpoint kind. The reset commits before EnqueueBulk makes any job
// visible.
func (s *Service) enqueueBatch(ctx context.Context, targets []target, result *Result) error {
	if len(targets) == 0 {
		return nil
	}

	modelIDs := make([]int64, 0, len(targets))
	for _, t := range targets {
		modelIDs = append(modelIDs, t.model.ID)
	}
	if err := s.repo.ResetModelsProbeState(ctx, modelIDs); err != nil {
		return fmt.Errorf("resetting models: %w", err)
	}

	batchID := uuid.New().String()
	var jobs []*models.ProbeJob
	for _, t := range targets {
		kinds := probe.KindsToProbe(t.model.ModelName, s.secondaryChat)
		for i, kind := range kinds {
			jobs = append(jobs, &models.ProbeJob{
				ID:         models.NewJobID(t.channel.ID, t.model.ID, kind, i),
				BatchID:    batchID,
				ChannelID:  t.channel.ID,
				ModelID:    t.model.ID,
				ModelName:  t.model.ModelName,
				Kind:       kind,
				BaseURL:    t.channel.BaseURL,
				APIKey:     t.channel.PrimaryAPIKey,
				ProxyURL:   t.channel.ProxyURL,
				EnqueuedAt: time.Now(),
			})
		}
	}

	if err := s.queue.EnqueueBulk(ctx, jobs); err != nil {
		return fmt.Errorf("enqueueing %d jobs: %w", len(jobs), err)
	}
	s.pool.ReloadConfig()

	result.ModelCount = len(targets)
	for _, j := range jobs {
		result.JobIDs = append(result.JobIDs, j.ID)
	}
	slog.Info("Detection batch enqueued",
		"batch_id", batchID, "models", len(targets), "jobs", len(jobs))
	return nil
}
