package bias

import (
	"math"
	"sort"
	"time"
)

// FactorInput is one factor's contribution to a recompute. The recompute
// actor assembles these from the registry plus the latest persisted readings;
// factors with no reading at all are passed with HasReading=false and are
// treated as stale.
type FactorInput struct {
	ID            string
	NominalWeight float64
	Score         float64
	HasReading    bool
	ObservedAt    time.Time
	Unverifiable  bool // freshness could not be tied to an event timestamp
	Staleness     time.Duration

	// PriorScore is the same factor's score from at least 24h before
	// ObservedAt, when one exists. Feeds the velocity detector.
	PriorScore    float64
	HasPriorScore bool
}

// Override is a human-specified level that supersedes the composite until it
// expires or the composite crosses far enough against it.
type Override struct {
	Level     Level     `json:"level"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the override still applies at t.
func (o *Override) Active(t time.Time) bool {
	return o != nil && t.Before(o.ExpiresAt)
}

// Caps are the constraints a circuit breaker imposes on the composite.
// Ceiling bounds how bullish the level may be; Floor bounds how bearish.
type Caps struct {
	Ceiling   *Level  `json:"ceiling_level,omitempty"`
	Floor     *Level  `json:"floor_level,omitempty"`
	LongMult  float64 `json:"long_scoring_multiplier"`
	ShortMult float64 `json:"short_scoring_multiplier"`
}

// Result is a fully-derived composite bias snapshot.
type Result struct {
	CompositeScore      float64            `json:"composite_score"`
	Level               Level              `json:"bias_level"`
	ActiveFactors       []string           `json:"active_factors"`
	StaleFactors        []string           `json:"stale_factors"`
	UnverifiableFactors []string           `json:"unverifiable_factors"`
	NormalizedWeights   map[string]float64 `json:"normalized_weights"`
	VelocityMultiplier  float64            `json:"velocity_multiplier"`
	Override            *Override          `json:"override,omitempty"`
	OverrideCleared     bool               `json:"override_cleared,omitempty"`
	Caps                *Caps              `json:"circuit_breaker_caps,omitempty"`
	Confidence          Confidence         `json:"confidence"`
	ComputedAt          time.Time          `json:"computed_at"`
}

const (
	// velocityDrop is the per-factor score decline that counts as a
	// bearish shift against the ≥24h-old reading.
	velocityDrop = 0.3
	// velocityMinFactors is how many shifted factors engage escalation.
	velocityMinFactors = 3
	// velocityMultiplier scales the raw score when escalation engages.
	velocityMultiplier = 1.3

	// scorePrecision buckets persisted scores so recomputes replay
	// identically across architectures.
	scorePrecision = 1e6
)

// Engine computes composite bias results. It is stateless per call; the
// recompute actor owns serialization of calls and persistence of results.
type Engine struct{}

// NewEngine returns a composite bias engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Compute derives a composite result from the latest reading set. The result
// is deterministic for a given input set, override, caps, and clock.
func (e *Engine) Compute(inputs []FactorInput, override *Override, caps *Caps, now time.Time) Result {
	res := Result{
		ActiveFactors:       []string{},
		StaleFactors:        []string{},
		UnverifiableFactors: []string{},
		NormalizedWeights:   map[string]float64{},
		VelocityMultiplier:  1.0,
		Caps:                caps,
		ComputedAt:          now,
	}

	// Partition ACTIVE vs STALE on event time. Unverifiable readings fall
	// back to whatever timestamp ingestion attached, and are surfaced.
	var active []FactorInput
	for _, in := range inputs {
		if in.Unverifiable {
			res.UnverifiableFactors = append(res.UnverifiableFactors, in.ID)
		}
		if !in.HasReading || now.Sub(in.ObservedAt) > in.Staleness {
			res.StaleFactors = append(res.StaleFactors, in.ID)
			continue
		}
		active = append(active, in)
		res.ActiveFactors = append(res.ActiveFactors, in.ID)
	}
	sort.Strings(res.ActiveFactors)
	sort.Strings(res.StaleFactors)
	sort.Strings(res.UnverifiableFactors)

	if len(active) == 0 {
		res.CompositeScore = 0
		res.Level = Neutral
		res.Confidence = ConfidenceLow
		e.arbitrate(&res, override, caps, now)
		return res
	}

	// Graceful degradation: renormalize over the active set so the
	// effective weights always sum to 1.
	var weightSum float64
	for _, in := range active {
		weightSum += in.NominalWeight
	}
	var raw float64
	for _, in := range active {
		w := in.NominalWeight / weightSum
		res.NormalizedWeights[in.ID] = w
		raw += w * in.Score
	}
	raw = clamp(raw, -1, 1)

	// Velocity detector: enough factors falling hard in 24h escalates the
	// magnitude of the composite before banding.
	shifted := 0
	for _, in := range active {
		if in.HasPriorScore && in.PriorScore-in.Score >= velocityDrop {
			shifted++
		}
	}
	if shifted >= velocityMinFactors {
		res.VelocityMultiplier = velocityMultiplier
	}

	adjusted := clamp(raw*res.VelocityMultiplier, -1, 1)
	res.CompositeScore = Bucket(adjusted)
	res.Level = LevelFromScore(adjusted)
	res.Confidence = ConfidenceFromActiveCount(len(active))

	e.arbitrate(&res, override, caps, now)
	return res
}

// arbitrate applies override then breaker caps, in that order.
func (e *Engine) arbitrate(res *Result, override *Override, caps *Caps, now time.Time) {
	if override.Active(now) {
		// An override that the composite has crossed a full level
		// against is self-defeating and auto-clears.
		if levelDistance(res.Level, override.Level) >= 2 {
			res.OverrideCleared = true
		} else {
			res.Level = override.Level
			res.Override = override
		}
	}

	if caps == nil {
		return
	}
	// Floor first, ceiling last: the floor lifts a too-bearish level, the
	// ceiling then has the final word so it can never be exceeded.
	if caps.Floor != nil && res.Level.MoreBearishThan(*caps.Floor) {
		res.Level = *caps.Floor
	}
	if caps.Ceiling != nil && caps.Ceiling.MoreBearishThan(res.Level) {
		res.Level = *caps.Ceiling
	}
}

func levelDistance(a, b Level) int {
	d := a.Rank() - b.Rank()
	if d < 0 {
		return -d
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// Bucket rounds a score to fixed 1e-6 precision (half to even) so persisted
// values round-trip deterministically.
func Bucket(score float64) float64 {
	return math.RoundToEven(score*scorePrecision) / scorePrecision
}
