package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Moyucharm/model-check/pkg/models"
)

// Memory is the in-process repository used by tests and database-less
// development mode. A single mutex serializes all writes, which also makes
// PersistProbeOutcome's read-derive-update sequence atomic.
type Memory struct {
	mu sync.Mutex

	channels  map[int64]*models.Channel
	models    map[int64]*models.Model
	endpoints map[int64]map[models.EndpointKind]*models.ModelEndpoint
	logs      []*models.CheckLog
	schedCfg  *models.SchedulerConfig

	nextChannelID int64
	nextModelID   int64
	nextLogID     int64
}

// NewMemory creates an empty in-process repository.
func NewMemory() *Memory {
	return &Memory{
		channels:      make(map[int64]*models.Channel),
		models:        make(map[int64]*models.Model),
		endpoints:     make(map[int64]map[models.EndpointKind]*models.ModelEndpoint),
		nextChannelID: 1,
		nextModelID:   1,
		nextLogID:     1,
	}
}

// AddChannel stores a channel, assigning an id. Test/seed helper.
func (m *Memory) AddChannel(ch *models.Channel) *models.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch.ID = m.nextChannelID
	m.nextChannelID++
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	ch.UpdatedAt = ch.CreatedAt
	m.channels[ch.ID] = ch
	return ch
}

// AddModel stores a model under a channel, assigning an id. Test/seed helper.
func (m *Memory) AddModel(channelID int64, name string) *models.Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addModelLocked(channelID, name)
}

func (m *Memory) addModelLocked(channelID int64, name string) *models.Model {
	mdl := &models.Model{
		ID:           m.nextModelID,
		ChannelID:    channelID,
		ModelName:    name,
		HealthStatus: models.HealthUnknown,
		CreatedAt:    time.Now(),
	}
	m.nextModelID++
	m.models[mdl.ID] = mdl
	return mdl
}

// SeedCheckLog appends a raw check log. Test helper for retention tests.
func (m *Memory) SeedCheckLog(modelID int64, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, &models.CheckLog{
		ID:        m.nextLogID,
		ModelID:   modelID,
		Kind:      models.KindChat,
		Status:    models.ProbeSuccess,
		CreatedAt: createdAt,
	})
	m.nextLogID++
}

// LoadEnabledChannels returns enabled channels in display order.
func (m *Memory) LoadEnabledChannels(_ context.Context, withModels bool) ([]*models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Channel
	for _, ch := range m.channels {
		if !ch.Enabled {
			continue
		}
		cp := *ch
		if withModels {
			cp.Models = m.channelModelsLocked(ch.ID)
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) channelModelsLocked(channelID int64) []*models.Model {
	var out []*models.Model
	for _, mdl := range m.models {
		if mdl.ChannelID == channelID {
			cp := *mdl
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetChannel returns one channel with models.
func (m *Memory) GetChannel(_ context.Context, id int64) (*models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	cp := *ch
	cp.Models = m.channelModelsLocked(id)
	return &cp, nil
}

// GetModel returns one model.
func (m *Memory) GetModel(_ context.Context, id int64) (*models.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mdl, ok := m.models[id]
	if !ok {
		return nil, ErrModelNotFound
	}
	cp := *mdl
	return &cp, nil
}

// ResetModelsProbeState clears endpoint rows and resets health to unknown.
func (m *Memory) ResetModelsProbeState(_ context.Context, modelIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range modelIDs {
		mdl, ok := m.models[id]
		if !ok {
			continue
		}
		delete(m.endpoints, id)
		mdl.HealthStatus = models.HealthUnknown
		mdl.LastStatus = nil
		mdl.LastLatencyMs = nil
		mdl.LastCheckedAt = nil
	}
	return nil
}

// PersistProbeOutcome upserts the endpoint row, appends a log, and
// re-derives the model health, all under one lock acquisition.
func (m *Memory) PersistProbeOutcome(_ context.Context, job *models.ProbeJob, outcome *models.ProbeOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mdl, ok := m.models[job.ModelID]
	if !ok {
		return ErrModelNotFound
	}

	now := time.Now()
	slot := m.endpoints[job.ModelID]
	if slot == nil {
		slot = make(map[models.EndpointKind]*models.ModelEndpoint)
		m.endpoints[job.ModelID] = slot
	}
	slot[outcome.Kind] = &models.ModelEndpoint{
		ModelID:         job.ModelID,
		Kind:            outcome.Kind,
		Status:          outcome.Status,
		LatencyMs:       outcome.LatencyMs,
		StatusCode:      intPtrOrNil(outcome.HTTPStatus),
		ErrorMsg:        strPtrOrNil(outcome.ErrorMsg),
		ResponseContent: strPtrOrNil(outcome.ResponseContent),
		CheckedAt:       now,
	}

	m.logs = append(m.logs, &models.CheckLog{
		ID:              m.nextLogID,
		ModelID:         job.ModelID,
		Kind:            outcome.Kind,
		Status:          outcome.Status,
		LatencyMs:       outcome.LatencyMs,
		StatusCode:      intPtrOrNil(outcome.HTTPStatus),
		ErrorMsg:        strPtrOrNil(outcome.ErrorMsg),
		ResponseContent: strPtrOrNil(outcome.ResponseContent),
		CreatedAt:       now,
	})
	m.nextLogID++

	statuses := make([]models.ProbeStatus, 0, len(slot))
	for _, e := range slot {
		statuses = append(statuses, e.Status)
	}
	health, lastStatus := models.DeriveHealth(statuses)
	mdl.HealthStatus = health
	mdl.LastStatus = lastStatus
	latency := outcome.LatencyMs
	mdl.LastLatencyMs = &latency
	mdl.LastCheckedAt = &now
	return nil
}

// LoadSchedulerConfig returns the stored config or defaults.
func (m *Memory) LoadSchedulerConfig(_ context.Context) (*models.SchedulerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schedCfg == nil {
		return models.DefaultSchedulerConfig(), nil
	}
	cp := *m.schedCfg
	return &cp, nil
}

// UpsertSchedulerConfig stores the singleton config.
func (m *Memory) UpsertSchedulerConfig(_ context.Context, cfg *models.SchedulerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	cp.ID = models.SchedulerConfigID
	m.schedCfg = &cp
	return nil
}

// PurgeCheckLogsOlderThan deletes logs created before the cutoff.
func (m *Memory) PurgeCheckLogsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	var deleted int64
	for _, l := range m.logs {
		if l.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	m.logs = kept
	return deleted, nil
}

// ListModelsForSync returns a channel's models.
func (m *Memory) ListModelsForSync(_ context.Context, channelID int64) ([]*models.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelModelsLocked(channelID), nil
}

// ReplaceOrAddModels inserts missing names; existing names are kept.
func (m *Memory) ReplaceOrAddModels(_ context.Context, channelID int64, names []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]struct{})
	for _, mdl := range m.models {
		if mdl.ChannelID == channelID {
			existing[strings.ToLower(mdl.ModelName)] = struct{}{}
		}
	}

	added := 0
	for _, name := range names {
		if _, ok := existing[strings.ToLower(name)]; ok {
			continue
		}
		m.addModelLocked(channelID, name)
		existing[strings.ToLower(name)] = struct{}{}
		added++
	}
	return added, nil
}

// ListModelEndpoints returns a model's endpoint rows.
func (m *Memory) ListModelEndpoints(_ context.Context, modelID int64) ([]*models.ModelEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ModelEndpoint
	for _, e := range m.endpoints[modelID] {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

// ListCheckLogs returns a model's most recent logs, newest first.
func (m *Memory) ListCheckLogs(_ context.Context, modelID int64, limit int) ([]*models.CheckLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CheckLog
	for i := len(m.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.logs[i].ModelID == modelID {
			cp := *m.logs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func intPtrOrNil(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func strPtrOrNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
