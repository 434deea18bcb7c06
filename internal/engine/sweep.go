package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/broadcast"
	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/outcome"
	"github.com/torobias/torobias/internal/gateway"
)

// Sweep validates cached factor and price entries on startup: entries for
// unregistered factors, corrupt payloads, and values outside sanity bounds
// are evicted and surfaced as anomalies. Returns the number of evictions.
func Sweep(ctx context.Context, kv gateway.KV, registry *factor.Registry, hub *broadcast.Hub) (int, error) {
	factorKeys, err := kv.Keys(ctx, gateway.FactorLatestPattern())
	if err != nil {
		return 0, err
	}
	priceKeys, err := kv.Keys(ctx, gateway.PricePattern())
	if err != nil {
		return 0, err
	}

	evicted := 0
	evict := func(key, reason string) {
		if err := kv.Del(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("sweep eviction failed")
			return
		}
		evicted++
		publishAnomaly(ctx, hub, Anomaly{
			Kind:   AnomalyCacheEvicted,
			Key:    key,
			Detail: reason,
		})
		log.Warn().Str("key", key).Str("reason", reason).Msg("evicted cached entry")
	}

	for _, key := range factorKeys {
		if reason := sweepEntry(ctx, kv, registry, key); reason != "" {
			evict(key, reason)
		}
	}
	for _, key := range priceKeys {
		if reason := sweepPriceEntry(ctx, kv, key); reason != "" {
			evict(key, reason)
		}
	}

	log.Info().Int("scanned", len(factorKeys)+len(priceKeys)).Int("evicted", evicted).
		Msg("startup cache sweep complete")
	return evicted, nil
}

// sweepEntry returns a non-empty eviction reason when the cached entry is
// invalid.
func sweepEntry(ctx context.Context, kv gateway.KV, registry *factor.Registry, key string) string {
	id := factorIDFromKey(key)
	meta, ok := registry.Lookup(id)
	if !ok {
		return "factor no longer registered"
	}

	payload, err := kv.Get(ctx, key)
	if err != nil {
		return "" // expired between scan and read
	}

	var reading factor.Reading
	if err := json.Unmarshal(payload, &reading); err != nil {
		return "corrupt payload"
	}
	if reading.Score < -1 || reading.Score > 1 {
		return "score outside [-1, 1]"
	}
	for field, bounds := range meta.SanityBounds {
		value, ok := numericField(reading.Raw, field)
		if !ok {
			continue
		}
		if !bounds.Contains(value) {
			return "raw value outside sanity bounds"
		}
	}
	return ""
}

// sweepPriceEntry validates a cached bar window. Prices have no registry
// bounds; the checks are structural: parseable, non-empty, and internally
// consistent OHLC ranges.
func sweepPriceEntry(ctx context.Context, kv gateway.KV, key string) string {
	payload, err := kv.Get(ctx, key)
	if err != nil {
		return "" // expired between scan and read
	}

	var bars []outcome.Bar
	if err := json.Unmarshal(payload, &bars); err != nil {
		return "corrupt payload"
	}
	if len(bars) == 0 {
		return "empty bar window"
	}
	for _, bar := range bars {
		if bar.Low <= 0 || bar.High < bar.Low {
			return "bar range implausible"
		}
		if bar.Close < bar.Low || bar.Close > bar.High {
			return "close outside bar range"
		}
	}
	return ""
}

func factorIDFromKey(key string) string {
	id := strings.TrimPrefix(key, "factor:")
	return strings.TrimSuffix(id, ":latest")
}
