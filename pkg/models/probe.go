package models

import (
	"fmt"
	"time"
)

// EndpointKind selects the probe's URL, auth header and body shape.
type EndpointKind string

// Endpoint kind constants.
const (
	KindChat   EndpointKind = "chat"
	KindClaude EndpointKind = "claude"
	KindGemini EndpointKind = "gemini"
	KindCodex  EndpointKind = "codex"
	KindImage  EndpointKind = "image"
)

// AllEndpointKinds lists every kind, in display order.
var AllEndpointKinds = []EndpointKind{KindChat, KindClaude, KindGemini, KindCodex, KindImage}

// ProbeJob is one unit of probe work: a (channel, model, endpoint kind)
// triple plus everything needed to build the request.
type ProbeJob struct {
	ID         string       `json:"id"`
	BatchID    string       `json:"batch_id"`
	ChannelID  int64        `json:"channel_id"`
	ModelID    int64        `json:"model_id"`
	ModelName  string       `json:"model_name"`
	Kind       EndpointKind `json:"endpoint_kind"`
	BaseURL    string       `json:"base_url"`
	APIKey     string       `json:"api_key"`
	ProxyURL   string       `json:"proxy_url,omitempty"`
	Attempt    int          `json:"attempt"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// NewJobID builds the informational job identifier. Uniqueness is not
// required for correctness; the index disambiguates jobs created in the
// same millisecond.
func NewJobID(channelID, modelID int64, kind EndpointKind, index int) string {
	id := fmt.Sprintf("%d-%d-%s-%d", channelID, modelID, kind, time.Now().UnixMilli())
	if index > 0 {
		id = fmt.Sprintf("%s-%d", id, index)
	}
	return id
}

// ProbeOutcome is the result of executing one probe. Strategies and the
// executor return outcomes, never errors, across the worker boundary.
type ProbeOutcome struct {
	Kind            EndpointKind `json:"endpoint_kind"`
	Status          ProbeStatus  `json:"status"`
	LatencyMs       int64        `json:"latency_ms"`
	HTTPStatus      int          `json:"http_status,omitempty"`
	ErrorMsg        string       `json:"error_msg,omitempty"`
	ResponseContent string       `json:"response_content,omitempty"`
}

// CanceledMessage is the error message recorded when the stop flag
// short-circuits a job.
const CanceledMessage = "Detection stopped by user"

// CanceledOutcome builds the outcome for a job observed after stop.
// It is persisted and published like any other failure so UI state updates.
func CanceledOutcome(kind EndpointKind) *ProbeOutcome {
	return &ProbeOutcome{Kind: kind, Status: ProbeFail, ErrorMsg: CanceledMessage}
}
