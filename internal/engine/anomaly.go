package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/broadcast"
)

// Anomaly is a data-quality or degraded-state event: a rejected submission,
// a cached entry evicted by the startup sweep, or a durability gap.
type Anomaly struct {
	Kind     string    `json:"kind"`
	FactorID string    `json:"factor_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	Field    string    `json:"field,omitempty"`
	Value    float64   `json:"value,omitempty"`
	Min      float64   `json:"min,omitempty"`
	Max      float64   `json:"max,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

const (
	AnomalyOutOfRange       = "OUT_OF_RANGE"
	AnomalyCacheEvicted     = "CACHE_EVICTED"
	AnomalyPersistFailed    = "COMPOSITE_PERSIST_FAILED"
	AnomalyBreakerStateLost = "CIRCUIT_BREAKER_FALLBACK_LOST"
)

// publishAnomaly is best-effort: a failed publish is logged, never surfaced
// to the ingest path.
func publishAnomaly(ctx context.Context, hub *broadcast.Hub, a Anomaly) {
	payload, err := json.Marshal(a)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal anomaly")
		return
	}
	if _, err := hub.Publish(ctx, broadcast.TopicAnomalies, payload); err != nil {
		log.Error().Err(err).Str("kind", a.Kind).Msg("failed to publish anomaly")
	}
}
