package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-wide collectors, registered on the default registry and served by
// the /metrics endpoint.
var (
	ReadingsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torobias_readings_ingested_total",
		Help: "Factor readings accepted, by factor and source.",
	}, []string{"factor_id", "source"})

	ReadingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torobias_readings_rejected_total",
		Help: "Factor readings rejected, by taxonomy reason.",
	}, []string{"reason"})

	CompositeScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "torobias_composite_score",
		Help: "Most recent composite bias score in [-1, 1].",
	})

	CompositeRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torobias_composite_recomputes_total",
		Help: "Composite recomputations performed.",
	})

	RecomputesCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torobias_recomputes_coalesced_total",
		Help: "Recompute requests merged into an already-pending pass.",
	})

	StaleFactors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "torobias_stale_factors",
		Help: "Factors currently excluded from the composite as stale.",
	})

	BreakerTriggersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "torobias_breaker_triggers_active",
		Help: "Circuit breaker triggers currently engaged.",
	})

	SignalsScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torobias_signals_scored_total",
		Help: "Signals scored, by type and zone.",
	}, []string{"signal_type", "zone"})

	BroadcastEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torobias_broadcast_events_total",
		Help: "Events published to the broadcast fabric, by topic.",
	}, []string{"topic"})

	SubscribersEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torobias_subscribers_evicted_total",
		Help: "Slow subscribers dropped, by topic.",
	}, []string{"topic"})

	SubscribersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "torobias_subscribers_active",
		Help: "Live subscribers, by topic.",
	}, []string{"topic"})

	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torobias_provider_requests_total",
		Help: "Upstream provider requests, by provider and result.",
	}, []string{"provider", "result"})

	OutcomesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torobias_outcomes_recorded_total",
		Help: "Terminal signal outcomes recorded by the replay job, by outcome.",
	}, []string{"outcome"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torobias_job_runs_total",
		Help: "Scheduled job executions, by job and result.",
	}, []string{"job", "result"})

	GatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torobias_gateway_errors_total",
		Help: "Cache or record-store failures, by operation.",
	}, []string{"op"})
)
