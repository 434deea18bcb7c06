package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/broadcast"
	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/gateway"
	"github.com/torobias/torobias/internal/metrics"
)

// Submission is a raw factor update from a producer, before validation.
type Submission struct {
	FactorID    string                 `json:"factor_id"`
	Score       float64                `json:"score"`
	SignalLabel string                 `json:"signal_label"`
	Detail      string                 `json:"detail"`
	Source      factor.Source          `json:"source"`
	Producer    string                 `json:"-"` // authenticated producer identity
	ObservedAt  *time.Time             `json:"observed_at,omitempty"`
	Raw         map[string]interface{} `json:"raw,omitempty"`
}

// Ingestor validates factor submissions and drives them through persistence
// and recompute. Validation is fail-fast: the first failing gate rejects.
type Ingestor struct {
	registry  *factor.Registry
	readings  gateway.ReadingsRepo
	kv        gateway.KV
	hub       *broadcast.Hub
	recompute *Recomputer
	now       func() time.Time
}

// NewIngestor wires the ingest path.
func NewIngestor(registry *factor.Registry, readings gateway.ReadingsRepo, kv gateway.KV, hub *broadcast.Hub, recompute *Recomputer) *Ingestor {
	return &Ingestor{
		registry:  registry,
		readings:  readings,
		kv:        kv,
		hub:       hub,
		recompute: recompute,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest validates and durably records one submission, then requests a
// recompute. The returned reading is what was persisted.
func (in *Ingestor) Ingest(ctx context.Context, sub Submission) (factor.Reading, error) {
	reading, err := in.validate(ctx, sub)
	if err != nil {
		if reason, ok := factor.ReasonOf(err); ok {
			metrics.ReadingsRejected.WithLabelValues(string(reason)).Inc()
		}
		return factor.Reading{}, err
	}

	// The record store is the source of truth: a failed write rejects the
	// submission outright rather than accepting data that could be lost.
	if err := in.readings.Insert(ctx, reading); err != nil {
		metrics.GatewayErrors.WithLabelValues("readings.insert").Inc()
		metrics.ReadingsRejected.WithLabelValues(string(factor.ReasonGatewayUnavailable)).Inc()
		reject := factor.Reject(factor.ReasonGatewayUnavailable,
			"failed to persist reading for %s: %v", sub.FactorID, err)
		publishAnomaly(ctx, in.hub, Anomaly{
			Kind:     string(factor.ReasonGatewayUnavailable),
			FactorID: sub.FactorID,
			Detail:   reject.Error(),
			At:       in.now(),
		})
		return factor.Reading{}, reject
	}

	// Cache write is best effort; the recompute falls back to the record
	// store on a miss.
	if payload, err := json.Marshal(reading); err == nil {
		if err := in.kv.Put(ctx, gateway.FactorLatestKey(reading.FactorID), payload, gateway.TTLFactorLatest); err != nil {
			metrics.GatewayErrors.WithLabelValues("kv.put").Inc()
			log.Warn().Err(err).Str("factor_id", reading.FactorID).
				Msg("cache write failed; recompute will read from record store")
		}
	}

	metrics.ReadingsIngested.WithLabelValues(reading.FactorID, string(reading.Source)).Inc()
	log.Info().
		Str("factor_id", reading.FactorID).
		Float64("score", reading.Score).
		Str("source", string(reading.Source)).
		Str("timestamp_source", string(reading.Metadata.TimestampSource)).
		Msg("reading ingested")

	in.recompute.Request()
	return reading, nil
}

// validate runs the ingest gates in order: known factor, ownership, score
// range, sanity bounds, timestamp resolution. Every rejection publishes an
// anomaly event so nothing drops with only a log line.
func (in *Ingestor) validate(ctx context.Context, sub Submission) (factor.Reading, error) {
	meta, ok := in.registry.Lookup(sub.FactorID)
	if !ok {
		return factor.Reading{}, in.reject(ctx, sub, factor.Reject(factor.RejectUnknownFactor,
			"factor %q is not registered", sub.FactorID))
	}

	if sub.Producer != meta.Owner {
		return factor.Reading{}, in.reject(ctx, sub, factor.Reject(factor.RejectOwnershipViolation,
			"producer %q does not own factor %q (owner: %q)", sub.Producer, sub.FactorID, meta.Owner))
	}

	if sub.Score < -1 || sub.Score > 1 {
		return factor.Reading{}, in.reject(ctx, sub, factor.Reject(factor.RejectOutOfRange,
			"score %v outside [-1, 1]", sub.Score))
	}

	for field, bounds := range meta.SanityBounds {
		value, ok := numericField(sub.Raw, field)
		if !ok {
			continue
		}
		if !bounds.Contains(value) {
			publishAnomaly(ctx, in.hub, Anomaly{
				Kind:     AnomalyOutOfRange,
				FactorID: sub.FactorID,
				Field:    field,
				Value:    value,
				Min:      bounds.Min,
				Max:      bounds.Max,
				At:       in.now(),
			})
			return factor.Reading{}, factor.Reject(factor.RejectOutOfRange,
				"%s=%v outside sanity bounds [%v, %v]", field, value, bounds.Min, bounds.Max)
		}
	}

	ingestedAt := in.now()
	reading := factor.Reading{
		FactorID:    sub.FactorID,
		Score:       sub.Score,
		SignalLabel: sub.SignalLabel,
		Detail:      sub.Detail,
		Source:      sub.Source,
		IngestedAt:  ingestedAt,
		Raw:         sub.Raw,
		Metadata:    factor.Metadata{TimestampSource: factor.TimestampSourceEvent},
	}
	if sub.ObservedAt != nil && !sub.ObservedAt.IsZero() {
		reading.ObservedAt = sub.ObservedAt.UTC()
	} else {
		// No event timestamp: anchor freshness to ingestion and mark the
		// reading so the composite can surface it.
		reading.ObservedAt = ingestedAt
		reading.Metadata.TimestampSource = factor.TimestampSourceIngestionFallback
		log.Warn().Str("factor_id", sub.FactorID).
			Msg("submission missing event timestamp; using ingestion time")
	}
	return reading, nil
}

// reject publishes the anomaly for a gate failure and passes the error
// through.
func (in *Ingestor) reject(ctx context.Context, sub Submission, err *factor.RejectError) error {
	publishAnomaly(ctx, in.hub, Anomaly{
		Kind:     string(err.Reason),
		FactorID: sub.FactorID,
		Detail:   err.Detail,
		At:       in.now(),
	})
	return err
}

func numericField(raw map[string]interface{}, field string) (float64, bool) {
	v, ok := raw[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
