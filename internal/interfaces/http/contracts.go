package http

import (
	"time"

	"github.com/torobias/torobias/internal/domain/bias"
	"github.com/torobias/torobias/internal/domain/factor"
)

// ErrorResponse is the standard error payload. Rejected ingests carry the
// taxonomy reason so producers can distinguish their bug from our outage.
type ErrorResponse struct {
	Error     string              `json:"error"`
	Reason    factor.RejectReason `json:"reason,omitempty"`
	Message   string              `json:"message,omitempty"`
	RequestID string              `json:"request_id"`
	Timestamp time.Time           `json:"timestamp"`
}

// IngestAccepted confirms what was persisted, including the timestamp
// source so a producer can see when its submission fell back to ingest time.
type IngestAccepted struct {
	FactorID        string                 `json:"factor_id"`
	Score           float64                `json:"score"`
	ObservedAt      time.Time              `json:"observed_at"`
	TimestampSource factor.TimestampSource `json:"timestamp_source"`
}

// TriggerRequest names one circuit breaker trigger to apply.
type TriggerRequest struct {
	Trigger string `json:"trigger"`
}

// OverrideRequest sets a manual bias override with an expiry.
type OverrideRequest struct {
	Level      bias.Level `json:"level"`
	Reason     string     `json:"reason"`
	TTLMinutes int        `json:"ttl_minutes"`
}

// HealthResponse reports per-component status.
type HealthResponse struct {
	Status     string            `json:"status"` // healthy or degraded
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}
