package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Moyucharm/model-check/pkg/models"
)

// Postgres is the production repository over database/sql with the pgx
// driver. Health derivation runs inside the same transaction that writes
// the endpoint row; PersistProbeOutcome first locks the model row, which
// serializes concurrent writers to the same model.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// LoadEnabledChannels returns enabled channels in display order, optionally
// with their models.
func (p *Postgres) LoadEnabledChannels(ctx context.Context, withModels bool) ([]*models.Channel, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, base_url, primary_api_key, key_mode, COALESCE(proxy_url, ''),
		       enabled, sort_order, created_at, updated_at
		FROM channels
		WHERE enabled
		ORDER BY sort_order ASC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying enabled channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []*models.Channel
	for rows.Next() {
		ch := &models.Channel{}
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.BaseURL, &ch.PrimaryAPIKey, &ch.KeyMode,
			&ch.ProxyURL, &ch.Enabled, &ch.SortOrder, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if withModels {
		for _, ch := range channels {
			ch.Models, err = p.channelModels(ctx, ch.ID)
			if err != nil {
				return nil, err
			}
		}
	}
	return channels, nil
}

// GetChannel returns one channel with models.
func (p *Postgres) GetChannel(ctx context.Context, id int64) (*models.Channel, error) {
	ch := &models.Channel{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, primary_api_key, key_mode, COALESCE(proxy_url, ''),
		       enabled, sort_order, created_at, updated_at
		FROM channels WHERE id = $1`, id).
		Scan(&ch.ID, &ch.Name, &ch.BaseURL, &ch.PrimaryAPIKey, &ch.KeyMode,
			&ch.ProxyURL, &ch.Enabled, &ch.SortOrder, &ch.CreatedAt, &ch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel %d: %w", id, err)
	}
	ch.Models, err = p.channelModels(ctx, id)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (p *Postgres) channelModels(ctx context.Context, channelID int64) ([]*models.Model, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, channel_id, model_name, health_status, last_status,
		       last_latency_ms, last_checked_at, channel_key_id, created_at
		FROM models WHERE channel_id = $1 ORDER BY id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("querying models of channel %d: %w", channelID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Model
	for rows.Next() {
		mdl := &models.Model{}
		if err := rows.Scan(&mdl.ID, &mdl.ChannelID, &mdl.ModelName, &mdl.HealthStatus,
			&mdl.LastStatus, &mdl.LastLatencyMs, &mdl.LastCheckedAt, &mdl.ChannelKeyID,
			&mdl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning model: %w", err)
		}
		out = append(out, mdl)
	}
	return out, rows.Err()
}

// GetModel returns one model.
func (p *Postgres) GetModel(ctx context.Context, id int64) (*models.Model, error) {
	mdl := &models.Model{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, channel_id, model_name, health_status, last_status,
		       last_latency_ms, last_checked_at, channel_key_id, created_at
		FROM models WHERE id = $1`, id).
		Scan(&mdl.ID, &mdl.ChannelID, &mdl.ModelName, &mdl.HealthStatus,
			&mdl.LastStatus, &mdl.LastLatencyMs, &mdl.LastCheckedAt, &mdl.ChannelKeyID,
			&mdl.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying model %d: %w", id, err)
	}
	return mdl, nil
}

// ResetModelsProbeState clears endpoint rows and resets models to unknown
// in one transaction.
func (p *Postgres) ResetModelsProbeState(ctx context.Context, modelIDs []int64) error {
	if len(modelIDs) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := int64Array(modelIDs)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM model_endpoints WHERE model_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("deleting endpoint rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE models
		SET health_status = 'unknown', last_status = NULL,
		    last_latency_ms = NULL, last_checked_at = NULL
		WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("resetting models: %w", err)
	}
	return tx.Commit()
}

// PersistProbeOutcome runs the upsert-log-derive-update sequence in one
// transaction.
func (p *Postgres) PersistProbeOutcome(ctx context.Context, job *models.ProbeJob, outcome *models.ProbeOutcome) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning outcome transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT id FROM models WHERE id = $1 FOR UPDATE`, job.ModelID); err != nil {
		return fmt.Errorf("locking model row: %w", err)
	}

	now := time.Now()
	statusCode := intPtrOrNil(outcome.HTTPStatus)
	errMsg := strPtrOrNil(outcome.ErrorMsg)
	content := strPtrOrNil(outcome.ResponseContent)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO model_endpoints
			(model_id, endpoint_kind, status, latency_ms, status_code, error_msg, response_content, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (model_id, endpoint_kind) DO UPDATE SET
			status = EXCLUDED.status,
			latency_ms = EXCLUDED.latency_ms,
			status_code = EXCLUDED.status_code,
			error_msg = EXCLUDED.error_msg,
			response_content = EXCLUDED.response_content,
			checked_at = EXCLUDED.checked_at`,
		job.ModelID, outcome.Kind, outcome.Status, outcome.LatencyMs,
		statusCode, errMsg, content, now); err != nil {
		return fmt.Errorf("upserting endpoint row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO check_logs
			(model_id, endpoint_kind, status, latency_ms, status_code, error_msg, response_content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ModelID, outcome.Kind, outcome.Status, outcome.LatencyMs,
		statusCode, errMsg, content, now); err != nil {
		return fmt.Errorf("appending check log: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT status FROM model_endpoints WHERE model_id = $1`, job.ModelID)
	if err != nil {
		return fmt.Errorf("reading endpoint statuses: %w", err)
	}
	var statuses []models.ProbeStatus
	for rows.Next() {
		var s models.ProbeStatus
		if err := rows.Scan(&s); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning endpoint status: %w", err)
		}
		statuses = append(statuses, s)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	health, lastStatus := models.DeriveHealth(statuses)
	if _, err := tx.ExecContext(ctx, `
		UPDATE models
		SET health_status = $2, last_status = $3, last_latency_ms = $4, last_checked_at = $5
		WHERE id = $1`,
		job.ModelID, health, lastStatus, outcome.LatencyMs, now); err != nil {
		return fmt.Errorf("updating model health: %w", err)
	}

	return tx.Commit()
}

// LoadSchedulerConfig returns the singleton config row or the defaults.
func (p *Postgres) LoadSchedulerConfig(ctx context.Context) (*models.SchedulerConfig, error) {
	cfg := models.DefaultSchedulerConfig()
	var selectedChannels, selectedModels []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT enabled, cron_expression, timezone, channel_concurrency,
		       max_global_concurrency, min_jitter_ms, max_jitter_ms,
		       detect_all_channels, log_retention_days,
		       selected_channel_ids, selected_model_ids
		FROM scheduler_config WHERE id = $1`, models.SchedulerConfigID).
		Scan(&cfg.Enabled, &cfg.CronExpression, &cfg.Timezone, &cfg.ChannelConcurrency,
			&cfg.MaxGlobalConcurrency, &cfg.MinJitterMs, &cfg.MaxJitterMs,
			&cfg.DetectAllChannels, &cfg.LogRetentionDays,
			&selectedChannels, &selectedModels)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultSchedulerConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading scheduler config: %w", err)
	}
	if err := decodeSelection(selectedChannels, &cfg.SelectedChannelIDs); err != nil {
		return nil, err
	}
	if err := decodeSelection(selectedModels, &cfg.SelectedModelIDs); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpsertSchedulerConfig stores the singleton config row.
func (p *Postgres) UpsertSchedulerConfig(ctx context.Context, cfg *models.SchedulerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	selectedChannels, err := encodeSelection(cfg.SelectedChannelIDs)
	if err != nil {
		return err
	}
	selectedModels, err := encodeSelection(cfg.SelectedModelIDs)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO scheduler_config
			(id, enabled, cron_expression, timezone, channel_concurrency,
			 max_global_concurrency, min_jitter_ms, max_jitter_ms,
			 detect_all_channels, log_retention_days,
			 selected_channel_ids, selected_model_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			channel_concurrency = EXCLUDED.channel_concurrency,
			max_global_concurrency = EXCLUDED.max_global_concurrency,
			min_jitter_ms = EXCLUDED.min_jitter_ms,
			max_jitter_ms = EXCLUDED.max_jitter_ms,
			detect_all_channels = EXCLUDED.detect_all_channels,
			log_retention_days = EXCLUDED.log_retention_days,
			selected_channel_ids = EXCLUDED.selected_channel_ids,
			selected_model_ids = EXCLUDED.selected_model_ids`,
		models.SchedulerConfigID, cfg.Enabled, cfg.CronExpression, cfg.Timezone,
		cfg.ChannelConcurrency, cfg.MaxGlobalConcurrency, cfg.MinJitterMs,
		cfg.MaxJitterMs, cfg.DetectAllChannels, cfg.LogRetentionDays,
		selectedChannels, selectedModels)
	if err != nil {
		return fmt.Errorf("upserting scheduler config: %w", err)
	}
	return nil
}

// PurgeCheckLogsOlderThan deletes logs created before the cutoff.
func (p *Postgres) PurgeCheckLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM check_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging check logs: %w", err)
	}
	return res.RowsAffected()
}

// ListModelsForSync returns a channel's models.
func (p *Postgres) ListModelsForSync(ctx context.Context, channelID int64) ([]*models.Model, error) {
	return p.channelModels(ctx, channelID)
}

// ReplaceOrAddModels inserts missing names with skip-duplicate semantics.
func (p *Postgres) ReplaceOrAddModels(ctx context.Context, channelID int64, names []string) (int, error) {
	added := 0
	for _, name := range names {
		res, err := p.db.ExecContext(ctx, `
			INSERT INTO models (channel_id, model_name, health_status, created_at)
			VALUES ($1, $2, 'unknown', NOW())
			ON CONFLICT (channel_id, model_name) DO NOTHING`,
			channelID, name)
		if err != nil {
			return added, fmt.Errorf("inserting model %q: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return added, err
		}
		added += int(n)
	}
	return added, nil
}

// ListModelEndpoints returns a model's endpoint rows.
func (p *Postgres) ListModelEndpoints(ctx context.Context, modelID int64) ([]*models.ModelEndpoint, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT model_id, endpoint_kind, status, latency_ms, status_code,
		       error_msg, response_content, checked_at
		FROM model_endpoints WHERE model_id = $1 ORDER BY endpoint_kind`, modelID)
	if err != nil {
		return nil, fmt.Errorf("querying endpoints of model %d: %w", modelID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ModelEndpoint
	for rows.Next() {
		e := &models.ModelEndpoint{}
		if err := rows.Scan(&e.ModelID, &e.Kind, &e.Status, &e.LatencyMs,
			&e.StatusCode, &e.ErrorMsg, &e.ResponseContent, &e.CheckedAt); err != nil {
			return nil, fmt.Errorf("scanning endpoint row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListCheckLogs returns a model's most recent logs, newest first.
func (p *Postgres) ListCheckLogs(ctx context.Context, modelID int64, limit int) ([]*models.CheckLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, model_id, endpoint_kind, status, latency_ms, status_code,
		       error_msg, response_content, created_at
		FROM check_logs
		WHERE model_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, modelID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying check logs of model %d: %w", modelID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.CheckLog
	for rows.Next() {
		l := &models.CheckLog{}
		if err := rows.Scan(&l.ID, &l.ModelID, &l.Kind, &l.Status, &l.LatencyMs,
			&l.StatusCode, &l.ErrorMsg, &l.ResponseContent, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning check log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
