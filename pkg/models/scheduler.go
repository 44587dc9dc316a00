package models

import "fmt"

// SchedulerConfigID is the id of the singleton scheduler configuration row.
const SchedulerConfigID = "default"

// SchedulerConfig is the singleton persisted configuration for periodic
// detection, admission limits, and log retention.
type SchedulerConfig struct {
	ID                   string  `json:"id"`
	Enabled              bool    `json:"enabled"`
	CronExpression       string  `json:"cron_expression"`
	Timezone             string  `json:"timezone"`
	ChannelConcurrency   int     `json:"channel_concurrency"`
	MaxGlobalConcurrency int     `json:"max_global_concurrency"`
	MinJitterMs          int     `json:"min_jitter_ms"`
	MaxJitterMs          int     `json:"max_jitter_ms"`
	DetectAllChannels    bool    `json:"detect_all_channels"`
	LogRetentionDays     int     `json:"log_retention_days"`

	// SelectedChannelIDs is nil when all channels are selected.
	SelectedChannelIDs []int64 `json:"selected_channel_ids,omitempty"`
	// SelectedModelIDs maps channel id → ordered model ids; nil means all.
	SelectedModelIDs map[int64][]int64 `json:"selected_model_ids,omitempty"`
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		ID:                   SchedulerConfigID,
		Enabled:              false,
		CronExpression:       "0 */6 * * *",
		Timezone:             "Local",
		ChannelConcurrency:   5,
		MaxGlobalConcurrency: 30,
		MinJitterMs:          3000,
		MaxJitterMs:          5000,
		DetectAllChannels:    true,
		LogRetentionDays:     7,
	}
}

// Validate checks the scheduler configuration invariants.
func (c *SchedulerConfig) Validate() error {
	if c.MinJitterMs < 0 || c.MaxJitterMs < 0 {
		return fmt.Errorf("jitter bounds must be non-negative")
	}
	if c.MinJitterMs > c.MaxJitterMs {
		return fmt.Errorf("min jitter %dms exceeds max jitter %dms", c.MinJitterMs, c.MaxJitterMs)
	}
	if c.ChannelConcurrency < 1 {
		return fmt.Errorf("channel concurrency must be at least 1")
	}
	if c.MaxGlobalConcurrency < c.ChannelConcurrency {
		return fmt.Errorf("global concurrency %d below channel concurrency %d", c.MaxGlobalConcurrency, c.ChannelConcurrency)
	}
	if c.LogRetentionDays < 1 {
		return fmt.Errorf("log retention must be at least 1 day")
	}
	return nil
}
