// Package repository provides typed persistence for channels, models,
// endpoint states and check logs. Two implementations exist: Postgres for
// production and Memory for tests and database-less development.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Moyucharm/model-check/pkg/models"
)

// Repository errors.
var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrModelNotFound   = errors.New("model not found")
)

// Repository is the persistence surface the probe engine consumes. Every
// operation either completes or leaves the store unchanged.
type Repository interface {
	// LoadEnabledChannels returns enabled channels ordered by sort order
	// ascending, ties broken by creation time descending.
	LoadEnabledChannels(ctx context.Context, withModels bool) ([]*models.Channel, error)

	// GetChannel returns one channel with its models loaded.
	GetChannel(ctx context.Context, id int64) (*models.Channel, error)

	// GetModel returns one model.
	GetModel(ctx context.Context, id int64) (*models.Model, error)

	// ResetModelsProbeState deletes all endpoint rows for the models and
	// resets them to unknown, in one transaction.
	ResetModelsProbeState(ctx context.Context, modelIDs []int64) error

	// PersistProbeOutcome upserts the (model, kind) endpoint row, appends
	// a check log, re-derives the model health from all current endpoint
	// rows, and updates the model — all in one transaction. This is the
	// atomicity boundary for model health: concurrent writers to the same
	// model serialize here.
	PersistProbeOutcome(ctx context.Context, job *models.ProbeJob, outcome *models.ProbeOutcome) error

	// LoadSchedulerConfig returns the singleton scheduler configuration,
	// or the defaults when none is stored.
	LoadSchedulerConfig(ctx context.Context) (*models.SchedulerConfig, error)

	// UpsertSchedulerConfig stores the singleton scheduler configuration.
	UpsertSchedulerConfig(ctx context.Context, cfg *models.SchedulerConfig) error

	// PurgeCheckLogsOlderThan deletes logs created before the cutoff and
	// returns the deleted count.
	PurgeCheckLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// ListModelsForSync returns a channel's models.
	ListModelsForSync(ctx context.Context, channelID int64) ([]*models.Model, error)

	// ReplaceOrAddModels inserts new (channel, name) models with
	// skip-duplicate semantics; stale names are kept. Returns the number
	// of models added.
	ReplaceOrAddModels(ctx context.Context, channelID int64, names []string) (int, error)

	// ListModelEndpoints returns a model's current endpoint rows.
	ListModelEndpoints(ctx context.Context, modelID int64) ([]*models.ModelEndpoint, error)

	// ListCheckLogs returns a model's most recent logs, newest first.
	ListCheckLogs(ctx context.Context, modelID int64, limit int) ([]*models.CheckLog, error)
}
