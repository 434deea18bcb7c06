package signal

import (
	"fmt"
	"math"
	"sort"

	"github.com/torobias/torobias/internal/domain/bias"
)

const (
	// stopBufferATR pads the protective SMA when anchoring a stop.
	stopBufferATR = 0.25
	// minRiskATR / maxRiskATR bound an acceptable stop distance.
	minRiskATR = 0.5
	maxRiskATR = 3.0
	// minT1RewardRatio collapses T1 into T2 when the first target pays
	// less than this fraction of the risk.
	minT1RewardRatio = 0.75
	// maxRewardATR caps the conviction-adjusted T2 distance.
	maxRewardATR = 5.0

	convictionAligned      = 1.2
	convictionCounterTrend = 0.8
)

// Environment is everything outside the candidate itself that scoring needs.
// The engine layer assembles it from cache reads; every field is optional
// and missing data degrades rather than fails.
type Environment struct {
	// SectorZone is the candidate's sector ETF zone, when cached.
	SectorZone    Zone
	SectorSymbol  string
	HasSectorZone bool

	// BiasLevel is the latest composite level, when cached.
	BiasLevel    bias.Level
	HasBiasLevel bool

	// Caps are the live circuit-breaker constraints, when engaged.
	Caps *bias.Caps

	// FlowNote is cached unusual-options-flow commentary for the symbol.
	FlowNote     string
	FlowConflict bool
	HasFlow      bool

	// PriorZone is the symbol's previously cached zone, used to flag
	// zone upgrades/downgrades as scoring context.
	PriorZone    Zone
	HasPriorZone bool
}

// Scorer turns candidates into fully-populated signals. It is pure: all
// external state arrives via the Environment.
type Scorer struct{}

// NewScorer returns a signal scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score derives the final enriched signal for a candidate.
func (sc *Scorer) Score(c Candidate, env Environment) (Signal, error) {
	if err := c.Validate(); err != nil {
		return Signal{}, err
	}

	zone := ClassifyZone(c.Entry, c.SMA20, c.SMA50, c.SMA120, c.SMA200)
	profile, profileKey := LookupRRProfile(c.Type, zone)

	stop, anchor := sc.placeStop(c, zone, profile)
	risk := math.Abs(c.Entry - stop)

	t1, t2 := sc.placeTargets(c, profile, risk)
	low, high := entryWindow(c)
	invalidation, invalidationReason := invalidationLevel(c)

	wind := sectorWind(c.Direction, env)
	alignment, conviction := biasAlignment(c.Direction, env)

	// Conviction scales the reward leg, never the risk leg. The adjusted
	// T2 stays within maxRewardATR of entry.
	if conviction != 1.0 {
		reward := math.Abs(t2-c.Entry) * conviction
		reward = math.Min(reward, maxRewardATR*c.ATR)
		if c.Direction == Long {
			t2 = c.Entry + reward
		} else {
			t2 = c.Entry - reward
		}
		if c.Direction == Long && t1 > t2 || c.Direction == Short && t1 < t2 {
			t1 = t2
		}
	}

	setup := Setup{
		Entry:              c.Entry,
		EntryWindowLow:     low,
		EntryWindowHigh:    high,
		Stop:               stop,
		T1:                 t1,
		T2:                 t2,
		InvalidationLevel:  invalidation,
		InvalidationReason: invalidationReason,
	}
	if risk > 0 {
		setup.RRT1 = math.Abs(t1-c.Entry) / risk
		setup.RRT2 = math.Abs(t2-c.Entry) / risk
	}

	ctx := SetupContext{
		StopAnchor:    anchor,
		RRProfileKey:  profileKey,
		SectorWind:    wind,
		BiasAlignment: alignment,
	}
	if env.HasFlow {
		if env.FlowConflict {
			ctx.FlowConfirmation = "conflict: " + env.FlowNote
		} else {
			ctx.FlowConfirmation = "confirmation: " + env.FlowNote
		}
	}
	if env.HasPriorZone && env.PriorZone != zone {
		note := fmt.Sprintf("%s -> %s", env.PriorZone, zone)
		if zoneRank(zone) > zoneRank(env.PriorZone) {
			ctx.ZoneUpgradeContext = note
		} else {
			ctx.ZoneDowngradeContext = note
		}
	}

	score := sc.score(c, zone, ctx, conviction, env.Caps)
	confidence := confidenceFromScore(score)

	// A breaker-floored regime stands against fresh longs: emit anyway
	// but at LOW confidence, except for exhaustion/reversal setups.
	if c.Direction == Long && env.Caps != nil && env.Caps.Floor != nil &&
		c.Type != TypeExhaustionReversal {
		confidence = bias.ConfidenceLow
		ctx.Flags = append(ctx.Flags, "BREAKER_COUNTERED")
	}

	return Signal{
		SignalID:   ID(c.Symbol, c.Type, c.CreatedAt),
		Symbol:     c.Symbol,
		Direction:  c.Direction,
		Type:       c.Type,
		Source:     c.Source,
		Setup:      setup,
		Context:    ctx,
		Priority:   int(math.Round(score)),
		Score:      bias.Bucket(score),
		Confidence: confidence,
		Zone:       zone,
		CreatedAt:  c.CreatedAt,
		Status:     StatusActive,
	}, nil
}

// placeStop anchors the stop to a protective-side SMA plus buffer, preferring
// the zone's SMA, then the closest qualifying one, then a pure ATR stop.
func (sc *Scorer) placeStop(c Candidate, zone Zone, profile RRProfile) (float64, string) {
	type smaCandidate struct {
		name  string
		value float64
	}
	smas := []smaCandidate{
		{"sma20", c.SMA20},
		{"sma50", c.SMA50},
		{"sma120", c.SMA120},
		{"sma200", c.SMA200},
	}

	buffer := stopBufferATR * c.ATR
	var qualifying []smaCandidate
	for _, s := range smas {
		if s.value <= 0 {
			continue
		}
		protective := (c.Direction == Long && s.value < c.Entry) ||
			(c.Direction == Short && s.value > c.Entry)
		if !protective {
			continue
		}
		stop := s.value - buffer
		if c.Direction == Short {
			stop = s.value + buffer
		}
		risk := math.Abs(c.Entry - stop)
		if risk >= minRiskATR*c.ATR && risk <= maxRiskATR*c.ATR {
			qualifying = append(qualifying, smaCandidate{s.name, stop})
		}
	}

	preferred := preferredStopSMA(zone)
	for _, q := range qualifying {
		if q.name == preferred {
			return q.value, fmt.Sprintf("%s-%.2gatr", q.name, stopBufferATR)
		}
	}
	if len(qualifying) > 0 {
		sort.Slice(qualifying, func(i, j int) bool {
			return math.Abs(c.Entry-qualifying[i].value) < math.Abs(c.Entry-qualifying[j].value)
		})
		q := qualifying[0]
		return q.value, fmt.Sprintf("%s-%.2gatr (closest qualifying)", q.name, stopBufferATR)
	}

	// No SMA qualifies: pure ATR stop.
	dist := profile.StopATRMult * c.ATR
	if c.Direction == Long {
		return c.Entry - dist, fmt.Sprintf("%.2gatr (no qualifying sma)", profile.StopATRMult)
	}
	return c.Entry + dist, fmt.Sprintf("%.2gatr (no qualifying sma)", profile.StopATRMult)
}

// placeTargets derives T2 from the profile and T1 as the closer of half the
// reward or the nearest SMA inside the reward leg. A T1 that pays under
// minT1RewardRatio of the risk collapses into T2.
func (sc *Scorer) placeTargets(c Candidate, profile RRProfile, risk float64) (t1, t2 float64) {
	dist := profile.TargetATRMult * c.ATR
	if c.Direction == Long {
		t2 = c.Entry + dist
	} else {
		t2 = c.Entry - dist
	}

	reward := math.Abs(t2 - c.Entry)
	if c.Direction == Long {
		t1 = c.Entry + 0.5*reward
	} else {
		t1 = c.Entry - 0.5*reward
	}

	for _, s := range []float64{c.SMA20, c.SMA50, c.SMA120, c.SMA200} {
		if c.Direction == Long && s > c.Entry && s < t2 && s < t1 {
			t1 = s
		}
		if c.Direction == Short && s < c.Entry && s > t2 && s > t1 {
			t1 = s
		}
	}

	if math.Abs(t1-c.Entry) < minT1RewardRatio*risk {
		t1 = t2 // single-target setup
	}
	return t1, t2
}

// entryWindow returns the price band in which the entry thesis holds.
func entryWindow(c Candidate) (low, high float64) {
	type band struct{ low, high float64 }
	var b band
	switch c.Type {
	case TypeGoldenTouch:
		b = band{c.SMA20, c.SMA20 + 0.75*c.ATR}
	case TypePullbackEntry:
		b = band{c.SMA50, c.SMA50 + 0.75*c.ATR}
	case TypeTwoCloseVolume:
		b = band{c.Entry - 0.25*c.ATR, c.Entry + 1.0*c.ATR}
	case TypeTrappedShorts:
		b = band{c.Entry - 0.5*c.ATR, c.Entry + 1.0*c.ATR}
	default:
		b = band{c.Entry - 0.5*c.ATR, c.Entry + 0.75*c.ATR}
	}
	if c.Direction == Short {
		// Mirror the band around entry for the short side.
		return 2*c.Entry - b.high, 2*c.Entry - b.low
	}
	return b.low, b.high
}

// invalidationLevel is the structural price at which the thesis breaks,
// independent of the stop.
func invalidationLevel(c Candidate) (float64, string) {
	sign := 1.0
	if c.Direction == Short {
		sign = -1.0
	}
	switch c.Type {
	case TypeGoldenTouch:
		return c.SMA50 - sign*stopBufferATR*c.ATR, "close beyond sma50"
	case TypePullbackEntry:
		return c.SMA120 - sign*stopBufferATR*c.ATR, "close beyond sma120"
	case TypeTrappedShorts:
		return c.Entry - sign*1.25*c.ATR, "squeeze thesis unwound"
	case TypeTwoCloseVolume:
		return c.Entry - sign*1.5*c.ATR, "volume thrust failed"
	default:
		return c.Entry - sign*1.5*c.ATR, "structure lost"
	}
}

// sectorWind compares the sector ETF's zone with the signal direction.
func sectorWind(dir Direction, env Environment) Wind {
	if !env.HasSectorZone {
		return WindUnknown
	}
	z := env.SectorZone
	switch {
	case z.Bullish() && dir == Long, z.Bearish() && dir == Short:
		return WindTailwind
	case z.Bullish() && dir == Short, z.Bearish() && dir == Long:
		return WindHeadwind
	default:
		return WindNeutral
	}
}

// biasAlignment maps the composite level onto a conviction multiplier for
// the reward leg.
func biasAlignment(dir Direction, env Environment) (Alignment, float64) {
	if !env.HasBiasLevel {
		return AlignmentUnknown, 1.0
	}
	rank := env.BiasLevel.Rank()
	bullish := rank >= bias.ToroMinor.Rank()
	bearish := rank <= bias.UrsaMinor.Rank()
	switch {
	case bullish && dir == Long, bearish && dir == Short:
		return AlignmentAligned, convictionAligned
	case bullish && dir == Short, bearish && dir == Long:
		return AlignmentCounterTrend, convictionCounterTrend
	default:
		return AlignmentNeutral, 1.0
	}
}

// typeBaseScores are the per-setup starting scores.
var typeBaseScores = map[Type]float64{
	TypeGoldenTouch:        70,
	TypeTrappedShorts:      68,
	TypeTwoCloseVolume:     64,
	TypePullbackEntry:      62,
	TypeExhaustionReversal: 60,
}

const genericBaseScore = 50

// score applies the additive bonus stack then the conviction and breaker
// multipliers. Each technical indicator contributes only when its own value
// is present: ADX is never a stand-in for RSI.
func (sc *Scorer) score(c Candidate, zone Zone, ctx SetupContext, conviction float64, caps *bias.Caps) float64 {
	score, ok := typeBaseScores[c.Type]
	if !ok {
		score = genericBaseScore
	}

	score += zoneBonus(zone, c.Direction)

	if c.RSI != nil {
		rsi := *c.RSI
		if c.Direction == Short {
			rsi = 100 - rsi
		}
		switch {
		case rsi < 30:
			score += 4
		case rsi <= 70:
			score += 2
		case rsi > 75:
			score -= 4
		}
	}
	if c.ADX != nil {
		switch {
		case *c.ADX >= 25:
			score += 3
		case *c.ADX < 15:
			score -= 2
		}
	}

	if ctx.ZoneUpgradeContext != "" {
		score += 4
	}
	if ctx.ZoneDowngradeContext != "" {
		score -= 4
	}

	score *= conviction
	if caps != nil {
		if c.Direction == Long {
			score *= caps.LongMult
		} else {
			score *= caps.ShortMult
		}
	}
	return score
}

func zoneBonus(zone Zone, dir Direction) float64 {
	var b float64
	switch zone {
	case ZoneMaxLong:
		b = 10
	case ZoneRecovery:
		b = 6
	case ZoneTransition:
		b = 0
	case ZoneDeLeveraging:
		b = -6
	case ZoneWaterfall:
		b = -10
	case ZoneCapitulation:
		b = -4
	}
	if dir == Short {
		b = -b
	}
	return b
}

func confidenceFromScore(score float64) bias.Confidence {
	switch {
	case score >= 80:
		return bias.ConfidenceHigh
	case score >= 65:
		return bias.ConfidenceMedium
	default:
		return bias.ConfidenceLow
	}
}

// zoneRank orders zones from most broken to most constructive, for
// upgrade/downgrade detection.
func zoneRank(z Zone) int {
	switch z {
	case ZoneCapitulation:
		return 0
	case ZoneWaterfall:
		return 1
	case ZoneDeLeveraging:
		return 2
	case ZoneTransition:
		return 3
	case ZoneRecovery:
		return 4
	case ZoneMaxLong:
		return 5
	}
	return 3
}
