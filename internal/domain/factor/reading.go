package factor

import (
	"time"
)

// Source identifies how a reading entered the system.
type Source string

const (
	SourceScheduledPull Source = "SCHEDULED_PULL"
	SourceWebhook       Source = "WEBHOOK"
	SourceManual        Source = "MANUAL"
	SourceFallbackCache Source = "FALLBACK_CACHE"
)

// TimestampSource marks whether a reading's freshness is anchored to the
// underlying market event or only to the moment of ingestion.
type TimestampSource string

const (
	TimestampSourceEvent             TimestampSource = "SOURCE_EVENT"
	TimestampSourceIngestionFallback TimestampSource = "INGESTION_FALLBACK"
)

// Metadata carries reading bookkeeping that is not part of the score itself.
type Metadata struct {
	TimestampSource TimestampSource `json:"timestamp_source"`
}

// Reading is an immutable snapshot of a single factor observation.
// ObservedAt is event time (when the market event occurred); IngestedAt is
// when the engine accepted it. Freshness decisions prefer event time.
type Reading struct {
	FactorID    string                 `json:"factor_id"`
	Score       float64                `json:"score"`
	SignalLabel string                 `json:"signal_label"`
	Detail      string                 `json:"detail"`
	Source      Source                 `json:"source"`
	ObservedAt  time.Time              `json:"observed_at"`
	IngestedAt  time.Time              `json:"ingested_at"`
	Raw         map[string]interface{} `json:"raw,omitempty"`
	Metadata    Metadata               `json:"metadata"`
}

// Unverifiable reports whether the reading's freshness cannot be tied to an
// event timestamp.
func (r Reading) Unverifiable() bool {
	return r.Metadata.TimestampSource == TimestampSourceIngestionFallback
}

// FreshnessAnchor is the timestamp staleness budgets are measured against:
// event time when available, ingestion time otherwise.
func (r Reading) FreshnessAnchor() time.Time {
	if r.Unverifiable() || r.ObservedAt.IsZero() {
		return r.IngestedAt
	}
	return r.ObservedAt
}
