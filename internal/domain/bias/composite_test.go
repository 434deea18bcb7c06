package bias

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func fresh(id string, weight, score float64) FactorInput {
	return FactorInput{
		ID:            id,
		NominalWeight: weight,
		Score:         score,
		HasReading:    true,
		ObservedAt:    now.Add(-5 * time.Minute),
		Staleness:     time.Hour,
	}
}

func TestGracefulDegradation(t *testing.T) {
	// All eight nominal factors except savita, each scoring -0.80.
	weights := map[string]float64{
		"credit_spreads":  0.18,
		"market_breadth":  0.18,
		"vix_term":        0.16,
		"tick_breadth":    0.14,
		"sector_rotation": 0.14,
		"dollar_smile":    0.08,
		"excess_cape":     0.08,
	}
	inputs := []FactorInput{}
	for id, w := range weights {
		inputs = append(inputs, fresh(id, w, -0.80))
	}
	inputs = append(inputs, FactorInput{ID: "savita", NominalWeight: 0.04, Staleness: time.Hour})

	res := NewEngine().Compute(inputs, nil, nil, now)

	var sum float64
	for _, w := range res.NormalizedWeights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9, "normalized weights must sum to 1")
	assert.InDelta(t, -0.80, res.CompositeScore, 1e-9)
	assert.Equal(t, UrsaMajor, res.Level)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
	assert.Equal(t, []string{"savita"}, res.StaleFactors)
}

func TestVelocityEscalation(t *testing.T) {
	prior := func(in FactorInput, p float64) FactorInput {
		in.PriorScore = p
		in.HasPriorScore = true
		return in
	}
	inputs := []FactorInput{
		prior(fresh("credit_spreads", 0.18, -0.5), -0.2),
		prior(fresh("market_breadth", 0.18, -0.5), -0.1),
		prior(fresh("sector_rotation", 0.14, -0.6), -0.2),
		// Remaining weight near zero score keeps the raw composite at -0.35.
	}
	// Pad with neutral factors so the weighted raw score lands at -0.35.
	// raw = (0.18*-0.5 + 0.18*-0.5 + 0.14*-0.6) / W = -0.264/W
	// choose filler weight so W = 0.264/0.35
	filler := 0.264/0.35 - 0.50
	inputs = append(inputs, fresh("dollar_smile", filler, 0.0))

	res := NewEngine().Compute(inputs, nil, nil, now)

	assert.Equal(t, 1.3, res.VelocityMultiplier)
	assert.InDelta(t, -0.455, res.CompositeScore, 1e-6)
	assert.Equal(t, UrsaMinor, res.Level)
}

func TestVelocityRequiresThreeShifts(t *testing.T) {
	prior := func(in FactorInput, p float64) FactorInput {
		in.PriorScore = p
		in.HasPriorScore = true
		return in
	}
	inputs := []FactorInput{
		prior(fresh("credit_spreads", 0.2, -0.5), -0.2),
		prior(fresh("market_breadth", 0.2, -0.5), -0.1),
		prior(fresh("sector_rotation", 0.2, -0.6), -0.35), // only 0.25 drop
	}
	res := NewEngine().Compute(inputs, nil, nil, now)
	assert.Equal(t, 1.0, res.VelocityMultiplier)
}

func TestEmptyActiveSet(t *testing.T) {
	inputs := []FactorInput{
		{ID: "vix_term", NominalWeight: 0.2, Staleness: time.Hour},
		{ID: "credit_spreads", NominalWeight: 0.2, HasReading: true,
			Score: 0.9, ObservedAt: now.Add(-3 * time.Hour), Staleness: time.Hour},
	}
	res := NewEngine().Compute(inputs, nil, nil, now)
	assert.Zero(t, res.CompositeScore)
	assert.Equal(t, Neutral, res.Level)
	assert.Equal(t, ConfidenceLow, res.Confidence)
	assert.Empty(t, res.ActiveFactors)
}

func TestSingleFactorEqualsComposite(t *testing.T) {
	res := NewEngine().Compute([]FactorInput{fresh("vix_term", 0.16, 0.42)}, nil, nil, now)
	assert.InDelta(t, 0.42, res.CompositeScore, 1e-9)
	assert.Equal(t, 1.0, res.NormalizedWeights["vix_term"])
}

func TestOverrideArbitration(t *testing.T) {
	ov := &Override{Level: ToroMinor, Reason: "desk call", ExpiresAt: now.Add(time.Hour)}

	// One band against the override: override holds.
	res := NewEngine().Compute([]FactorInput{fresh("vix_term", 1, 0.0)}, ov, nil, now)
	require.Equal(t, Neutral, LevelFromScore(0.0))
	assert.Equal(t, ToroMinor, res.Level)
	assert.False(t, res.OverrideCleared)

	// Two bands against the override: auto-clear, composite wins.
	res = NewEngine().Compute([]FactorInput{fresh("vix_term", 1, -0.40)}, ov, nil, now)
	assert.True(t, res.OverrideCleared)
	assert.Equal(t, UrsaMinor, res.Level)
	assert.Nil(t, res.Override)
}

func TestExpiredOverrideIgnored(t *testing.T) {
	ov := &Override{Level: ToroMajor, ExpiresAt: now.Add(-time.Minute)}
	res := NewEngine().Compute([]FactorInput{fresh("vix_term", 1, 0.0)}, ov, nil, now)
	assert.Equal(t, Neutral, res.Level)
	assert.Nil(t, res.Override)
}

func TestBreakerCapsArbitration(t *testing.T) {
	ceiling, floor := ToroMinor, UrsaMinor
	caps := &Caps{Ceiling: &ceiling, Floor: &floor, LongMult: 0.75, ShortMult: 1.30}

	// Composite at TORO_MINOR: floor does not elevate above ceiling.
	res := NewEngine().Compute([]FactorInput{fresh("vix_term", 1, 0.30)}, nil, caps, now)
	assert.Equal(t, ToroMinor, res.Level)

	// Composite at URSA_MAJOR: floor lifts it to URSA_MINOR.
	res = NewEngine().Compute([]FactorInput{fresh("vix_term", 1, -0.80)}, nil, caps, now)
	assert.Equal(t, UrsaMinor, res.Level)

	// Composite at TORO_MAJOR: ceiling clamps it down.
	res = NewEngine().Compute([]FactorInput{fresh("vix_term", 1, 0.90)}, nil, caps, now)
	assert.Equal(t, ToroMinor, res.Level)
}

func TestDeterministicRecompute(t *testing.T) {
	inputs := []FactorInput{
		fresh("credit_spreads", 0.18, -0.337731),
		fresh("vix_term", 0.16, 0.551209),
		fresh("tick_breadth", 0.14, -0.104447),
	}
	a := NewEngine().Compute(inputs, nil, nil, now)
	b := NewEngine().Compute(inputs, nil, nil, now)
	assert.Equal(t, a, b)
	assert.Equal(t, a.CompositeScore, Bucket(a.CompositeScore), "persisted score is pre-bucketed")
}

func TestLevelBands(t *testing.T) {
	cases := []struct {
		score float64
		want  Level
	}{
		{0.60, ToroMajor},
		{0.599999, ToroMinor},
		{0.20, ToroMinor},
		{0.199999, Neutral},
		{-0.19, Neutral},
		{-0.190001, UrsaMinor},
		{-0.59, UrsaMinor},
		{-0.590001, UrsaMajor},
		{-1.0, UrsaMajor},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, LevelFromScore(c.score), "score %v", c.score)
	}
}

func TestBucketPrecision(t *testing.T) {
	assert.InDelta(t, 0.123456, Bucket(0.1234561), 1e-12)
	assert.InDelta(t, 0.123457, Bucket(0.1234569), 1e-12)
	assert.InDelta(t, -0.123456, Bucket(-0.1234561), 1e-12)
	assert.Equal(t, Bucket(0.1234561), Bucket(Bucket(0.1234561)), "bucketing is idempotent")
	assert.False(t, math.Signbit(Bucket(0)))
}
