// Package events provides the process-local progress bus and its optional
// cross-process Redis mirror.
package events

import (
	"time"

	"github.com/Moyucharm/model-check/pkg/models"
)

// ProgressEvent is published after every probe completes and consumed by
// the dashboard via SSE.
type ProgressEvent struct {
	ChannelID       int64               `json:"channel_id"`
	ModelID         int64               `json:"model_id"`
	ModelName       string              `json:"model_name"`
	Kind            models.EndpointKind `json:"endpoint_kind"`
	Status          models.ProbeStatus  `json:"status"`
	LatencyMs       int64               `json:"latency_ms"`
	Timestamp       time.Time           `json:"timestamp"`
	IsModelComplete bool                `json:"is_model_complete"`

	// SourceID tags the publishing process in multi-process mode so the
	// mirror can skip re-emitting its own events.
	SourceID string `json:"source_id,omitempty"`
}

// listenerBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this starts dropping events; publishers are
// never blocked.
const listenerBuffer = 64
