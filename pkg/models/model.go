package models

import "time"

// HealthStatus is the aggregate health of a model, derived from its
// per-kind endpoint states.
type HealthStatus string

// Health status constants.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthPartial   HealthStatus = "partial"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ProbeStatus is the outcome of a single endpoint probe.
type ProbeStatus string

// Probe status constants.
const (
	ProbeSuccess ProbeStatus = "success"
	ProbeFail    ProbeStatus = "fail"
)

// Model is a named identifier offered by a channel. It owns per-kind
// endpoint state and the derived aggregate health.
type Model struct {
	ID            int64        `json:"id"`
	ChannelID     int64        `json:"channel_id"`
	ModelName     string       `json:"model_name"`
	HealthStatus  HealthStatus `json:"health_status"`
	LastStatus    *bool        `json:"last_status"`
	LastLatencyMs *int64       `json:"last_latency_ms"`
	LastCheckedAt *time.Time   `json:"last_checked_at"`
	ChannelKeyID  *int64       `json:"channel_key_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// ModelEndpoint is the latest probe result for one (model, kind) slot.
// At most one row exists per slot; each persist overwrites the previous one.
type ModelEndpoint struct {
	ModelID         int64        `json:"model_id"`
	Kind            EndpointKind `json:"endpoint_kind"`
	Status          ProbeStatus  `json:"status"`
	LatencyMs       int64        `json:"latency_ms"`
	StatusCode      *int         `json:"status_code"`
	ErrorMsg        *string      `json:"error_msg"`
	ResponseContent *string      `json:"response_content"`
	CheckedAt       time.Time    `json:"checked_at"`
}

// CheckLog is an append-only record of a single probe.
type CheckLog struct {
	ID              int64        `json:"id"`
	ModelID         int64        `json:"model_id"`
	Kind            EndpointKind `json:"endpoint_kind"`
	Status          ProbeStatus  `json:"status"`
	LatencyMs       int64        `json:"latency_ms"`
	StatusCode      *int         `json:"status_code"`
	ErrorMsg        *string      `json:"error_msg"`
	ResponseContent *string      `json:"response_content"`
	CreatedAt       time.Time    `json:"created_at"`
}

// DeriveHealth computes the aggregate model health from the set of current
// endpoint statuses. This is the single source of truth for the derivation:
//
//	no endpoints          → unknown,   lastStatus nil
//	all success           → healthy,   lastStatus true
//	all fail              → unhealthy, lastStatus false
//	mixed                 → partial,   lastStatus true
//
// Callers must invoke it inside the same transaction that wrote the
// endpoint row.
func DeriveHealth(statuses []ProbeStatus) (HealthStatus, *bool) {
	if len(statuses) == 0 {
		return HealthUnknown, nil
	}
	success, fail := 0, 0
	for _, s := range statuses {
		if s == ProbeSuccess {
			success++
		} else {
			fail++
		}
	}
	switch {
	case fail == 0:
		return HealthHealthy, boolPtr(true)
	case success == 0:
		return HealthUnhealthy, boolPtr(false)
	default:
		return HealthPartial, boolPtr(true)
	}
}

func boolPtr(b bool) *bool { return &b }
