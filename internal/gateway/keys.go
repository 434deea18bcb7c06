package gateway

import (
	"fmt"
	"time"
)

// Key namespace. Every cached entity lives under one of these prefixes;
// the startup sweep and the admin purge command pattern-match on them.
const (
	KeyBiasCompositeLatest = "bias:composite:latest"
	KeyBiasOverride        = "bias:override"
	KeyBreakerState        = "breaker:state"

	factorLatestPattern = "factor:*:latest"
	pricePattern        = "price:*"
)

// Cache TTLs. Factor and bias entries outlive their staleness budgets so
// the engine can still degrade gracefully on provider outages.
const (
	TTLFactorLatest  = 48 * time.Hour
	TTLPrice         = 30 * time.Minute
	TTLCTAZone       = 4 * time.Hour
	TTLBiasComposite = 48 * time.Hour
	TTLFlow          = 6 * time.Hour
	TTLBreakerState  = 0 // never expires; cleared explicitly
)

// FactorLatestKey is the cache slot for a factor's most recent reading.
func FactorLatestKey(factorID string) string {
	return fmt.Sprintf("factor:%s:latest", factorID)
}

// PriceKey caches a bar window for a symbol. The version segment lets a
// format change invalidate old entries wholesale.
func PriceKey(version int, symbol string, bars int, adjusted bool) string {
	adj := "raw"
	if adjusted {
		adj = "adj"
	}
	return fmt.Sprintf("price:v%d:%s:%d:%s", version, symbol, bars, adj)
}

// CTAZoneKey caches a symbol's derived CTA zone.
func CTAZoneKey(symbol string) string {
	return fmt.Sprintf("cta:zone:%s", symbol)
}

// FlowKey caches unusual-options-flow commentary for a symbol.
func FlowKey(symbol string) string {
	return fmt.Sprintf("uw:flow:%s", symbol)
}

// FactorLatestPattern matches every cached factor reading.
func FactorLatestPattern() string { return factorLatestPattern }

// PricePattern matches every cached price entry.
func PricePattern() string { return pricePattern }
