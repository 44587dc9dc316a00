// Package scheduler drives periodic detection and check-log retention via
// cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Moyucharm/model-check/pkg/detection"
	"github.com/Moyucharm/model-check/pkg/models"
	"github.com/Moyucharm/model-check/pkg/repository"
)

// cleanupSchedule runs retention daily at 02:00 in the configured timezone.
const cleanupSchedule = "0 2 * * *"

// reloadInterval is how often stored tunables are re-read so a changed
// cron expression takes effect without a restart.
const reloadInterval = time.Minute

// TaskStatus describes one cron task for the status endpoint.
type TaskStatus struct {
	Enabled       bool       `json:"enabled,omitempty"`
	Running       bool       `json:"running"`
	Schedule      string     `json:"schedule"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	RetentionDays int        `json:"retention_days,omitempty"`
}

// Status is the full scheduler status object.
type Status struct {
	Detection TaskStatus             `json:"detection"`
	Cleanup   TaskStatus             `json:"cleanup"`
	Config    map[string]interface{} `json:"config"`
}

// Service owns the cron runner and its two named tasks. Starts are
// idempotent: a second start of a running task is a no-op.
type Service struct {
	repo    repository.Repository
	det     *detection.Service
	cronEnv string // CRON_SCHEDULE override, empty when unset

	mu          sync.Mutex
	runner      *cron.Cron
	detectionID cron.EntryID
	cleanupID   cron.EntryID
	detExpr     string
	timezone    string
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewService creates a scheduler. cronOverride, when non-empty, replaces
// the stored detection cron expression.
func NewService(repo repository.Repository, det *detection.Service, cronOverride string) *Service {
	return &Service{repo: repo, det: det, cronEnv: cronOverride}
}

// StartAll starts the detection and cleanup tasks plus the config reload
// loop.
func (s *Service) StartAll(ctx context.Context) error {
	if err := s.StartDetection(ctx); err != nil {
		return err
	}
	if err := s.StartCleanup(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		var reloadCtx context.Context
		reloadCtx, s.cancel = context.WithCancel(ctx)
		s.done = make(chan struct{})
		go s.reloadLoop(reloadCtx, s.done)
	}
	return nil
}

// StopAll stops the cron runner and the reload loop.
func (s *Service) StopAll() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	runner := s.runner
	s.runner = nil
	s.detectionID = 0
	s.cleanupID = 0
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if runner != nil {
		<-runner.Stop().Done()
	}
	slog.Info("Scheduler stopped")
}

// StartDetection schedules the periodic detection task. Idempotent: if the
// task is already scheduled the call succeeds without creating a second
// entry.
func (s *Service) StartDetection(ctx context.Context) error {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureRunnerLocked(cfg.Timezone); err != nil {
		return err
	}
	if s.detectionID != 0 {
		return nil
	}

	expr := s.detectionExpr(cfg)
	id, err := s.runner.AddFunc(expr, func() { s.runDetection(context.Background()) })
	if err != nil {
		return fmt.Errorf("invalid detection cron expression %q: %w", expr, err)
	}
	s.detectionID = id
	s.detExpr = expr
	slog.Info("Detection cron scheduled", "schedule", expr, "timezone", cfg.Timezone)
	return nil
}

// StartCleanup schedules the daily retention task. Idempotent.
func (s *Service) StartCleanup(ctx context.Context) error {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureRunnerLocked(cfg.Timezone); err != nil {
		return err
	}
	if s.cleanupID != 0 {
		return nil
	}

	id, err := s.runner.AddFunc(cleanupSchedule, func() { s.CleanupNow(context.Background()) })
	if err != nil {
		return fmt.Errorf("invalid cleanup cron expression %q: %w", cleanupSchedule, err)
	}
	s.cleanupID = id
	slog.Info("Cleanup cron scheduled", "schedule", cleanupSchedule)
	return nil
}

// CleanupNow purges logs older than the configured retention immediately.
func (s *Service) CleanupNow(ctx context.Context) (int64, error) {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -cfg.LogRetentionDays)
	deleted, err := s.repo.PurgeCheckLogsOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Check log retention purge failed", "error", err)
		return 0, err
	}
	if deleted > 0 {
		slog.Info("Check log retention purge complete",
			"deleted", deleted, "retention_days", cfg.LogRetentionDays)
	}
	return deleted, nil
}

// GetStatus returns the status object for both tasks.
func (s *Service) GetStatus(ctx context.Context) (*Status, error) {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	status := &Status{
		Detection: TaskStatus{
			Enabled:  cfg.Enabled,
			Running:  s.detectionID != 0,
			Schedule: s.detectionExpr(cfg),
		},
		Cleanup: TaskStatus{
			Running:       s.cleanupID != 0,
			Schedule:      cleanupSchedule,
			RetentionDays: cfg.LogRetentionDays,
		},
		Config: map[string]interface{}{
			"channel_concurrency":    cfg.ChannelConcurrency,
			"max_global_concurrency": cfg.MaxGlobalConcurrency,
			"min_jitter_ms":          cfg.MinJitterMs,
			"max_jitter_ms":          cfg.MaxJitterMs,
		},
	}

	if s.runner != nil {
		if s.detectionID != 0 {
			next := s.runner.Entry(s.detectionID).Next
			status.Detection.NextRun = &next
		}
		if s.cleanupID != 0 {
			next := s.runner.Entry(s.cleanupID).Next
			status.Cleanup.NextRun = &next
		}
	}
	return status, nil
}

// runDetection fires one scheduled detection run according to the stored
// selection.
func (s *Service) runDetection(ctx context.Context) {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		slog.Error("Scheduled detection skipped: config load failed", "error", err)
		return
	}
	if !cfg.Enabled {
		slog.Debug("Scheduled detection skipped: disabled")
		return
	}

	if cfg.DetectAllChannels {
		if _, err := s.det.TriggerFull(ctx, true); err != nil {
			slog.Error("Scheduled full detection failed", "error", err)
		}
		return
	}
	if _, err := s.det.TriggerSelective(ctx, cfg.SelectedChannelIDs, cfg.SelectedModelIDs); err != nil {
		slog.Error("Scheduled selective detection failed", "error", err)
	}
}

// reloadLoop re-reads stored tunables and reschedules the detection entry
// when its cron expression changed. It closes done on return.
func (s *Service) reloadLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := s.loadConfig(ctx)
			if err != nil {
				slog.Warn("Scheduler config reload failed", "error", err)
				continue
			}
			s.rescheduleIfChanged(cfg)
		}
	}
}

// rescheduleIfChanged swaps the detection entry when the expression
// changed in the store.
func (s *Service) rescheduleIfChanged(cfg *models.SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expr := s.detectionExpr(cfg)
	if s.runner == nil || s.detectionID == 0 || expr == s.detExpr {
		return
	}

	id, err := s.runner.AddFunc(expr, func() { s.runDetection(context.Background()) })
	if err != nil {
		slog.Error("Ignoring invalid updated cron expression", "schedule", expr, "error", err)
		return
	}
	s.runner.Remove(s.detectionID)
	s.detectionID = id
	s.detExpr = expr
	slog.Info("Detection cron rescheduled", "schedule", expr)
}

// detectionExpr resolves the effective detection cron expression.
func (s *Service) detectionExpr(cfg *models.SchedulerConfig) string {
	if s.cronEnv != "" {
		return s.cronEnv
	}
	if cfg.CronExpression != "" {
		return cfg.CronExpression
	}
	return models.DefaultSchedulerConfig().CronExpression
}

// ensureRunnerLocked creates and starts the cron runner on first use.
// Callers hold mu.
func (s *Service) ensureRunnerLocked(timezone string) error {
	if s.runner != nil {
		return nil
	}
	loc, err := loadLocation(timezone)
	if err != nil {
		return err
	}
	s.timezone = timezone
	s.runner = cron.New(cron.WithLocation(loc))
	s.runner.Start()
	return nil
}

// loadLocation resolves a config timezone name; "Local" and empty mean the
// process-local zone.
func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// loadConfig reads the stored scheduler config, falling back to defaults.
func (s *Service) loadConfig(ctx context.Context) (*models.SchedulerConfig, error) {
	cfg, err := s.repo.LoadSchedulerConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading scheduler config: %w", err)
	}
	return cfg, nil
}
