package signal

// Zone is the CTA regime of a symbol, derived from price against its
// 20/50/120/200 simple moving averages.
type Zone string

const (
	ZoneMaxLong      Zone = "MAX_LONG"
	ZoneRecovery     Zone = "RECOVERY"
	ZoneDeLeveraging Zone = "DE_LEVERAGING"
	ZoneWaterfall    Zone = "WATERFALL"
	ZoneCapitulation Zone = "CAPITULATION"
	ZoneTransition   Zone = "TRANSITION"
)

// ClassifyZone derives the CTA zone from price versus the four SMAs. The
// ladder counts how many averages price holds above; full stacks with an
// inverted 20/50 cross land in TRANSITION rather than MAX_LONG, and fully
// broken tape splits into WATERFALL vs CAPITULATION on SMA ordering.
func ClassifyZone(price, sma20, sma50, sma120, sma200 float64) Zone {
	above := 0
	for _, s := range []float64{sma20, sma50, sma120, sma200} {
		if price > s {
			above++
		}
	}
	switch above {
	case 4:
		if sma20 >= sma50 {
			return ZoneMaxLong
		}
		return ZoneTransition
	case 3:
		return ZoneRecovery
	case 2:
		return ZoneTransition
	case 1:
		return ZoneDeLeveraging
	default:
		if sma20 < sma50 && sma50 < sma120 {
			return ZoneCapitulation
		}
		return ZoneWaterfall
	}
}

// Bullish reports whether the zone leans long.
func (z Zone) Bullish() bool {
	return z == ZoneMaxLong || z == ZoneRecovery
}

// Bearish reports whether the zone leans short.
func (z Zone) Bearish() bool {
	return z == ZoneDeLeveraging || z == ZoneWaterfall || z == ZoneCapitulation
}

// preferredStopSMA names the SMA a zone anchors protective stops to.
// 20 in strong trends, 50 in recoveries, 120 when de-leveraging, 200 in
// broken tape.
func preferredStopSMA(z Zone) string {
	switch z {
	case ZoneMaxLong:
		return "sma20"
	case ZoneRecovery, ZoneTransition:
		return "sma50"
	case ZoneDeLeveraging:
		return "sma120"
	default:
		return "sma200"
	}
}
