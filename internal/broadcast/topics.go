package broadcast

// Topic names. Sequences are scoped per topic; subscribers resume by
// (topic, sequence).
const (
	TopicBiasUpdates    = "bias.updates"
	TopicSignalsNew     = "signals.new"
	TopicSignalOutcomes = "signal.outcome"
	TopicBreakerEvents  = "breaker.events"
	TopicAnomalies      = "anomalies"
)

// Topics lists every known topic, for validation at the subscribe edge.
var Topics = map[string]bool{
	TopicBiasUpdates:    true,
	TopicSignalsNew:     true,
	TopicSignalOutcomes: true,
	TopicBreakerEvents:  true,
	TopicAnomalies:      true,
}
