package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torobias/torobias/internal/domain/bias"
)

var engaged = time.Date(2026, 3, 2, 14, 45, 0, 0, time.UTC)

func TestSingleTriggerCaps(t *testing.T) {
	s := NewState(DefaultRules)
	require.True(t, s.Apply(TriggerSpyDown1Pct, engaged))

	caps := s.Caps()
	require.NotNil(t, caps)
	require.NotNil(t, caps.Ceiling)
	assert.Equal(t, bias.ToroMinor, *caps.Ceiling)
	assert.Nil(t, caps.Floor)
	assert.Equal(t, 0.90, caps.LongMult)
	assert.Equal(t, 1.10, caps.ShortMult)
}

func TestSpyDown2PctAppliesFloorAndDropsCeiling(t *testing.T) {
	s := NewState(DefaultRules)
	s.Apply(TriggerSpyDown1Pct, engaged)
	s.Apply(TriggerSpyDown2Pct, engaged)

	caps := s.Caps()
	require.NotNil(t, caps)
	assert.Nil(t, caps.Ceiling, "2pct trigger suppresses the ceiling")
	require.NotNil(t, caps.Floor)
	assert.Equal(t, bias.UrsaMinor, *caps.Floor)
	assert.Equal(t, 0.75, caps.LongMult)
	assert.Equal(t, 1.30, caps.ShortMult)
}

func TestCompositionTakesStrictest(t *testing.T) {
	s := NewState(DefaultRules)
	s.Apply(TriggerVixSpike, engaged)
	s.Apply(TriggerVixExtreme, engaged)

	caps := s.Caps()
	require.NotNil(t, caps.Ceiling)
	assert.Equal(t, bias.ToroMinor, *caps.Ceiling)
	require.NotNil(t, caps.Floor)
	assert.Equal(t, bias.UrsaMinor, *caps.Floor)
	assert.Equal(t, 0.70, caps.LongMult, "min long multiplier wins")
	assert.Equal(t, 1.30, caps.ShortMult, "max short multiplier wins")
}

func TestIdempotentApply(t *testing.T) {
	s := NewState(DefaultRules)
	require.True(t, s.Apply(TriggerVixSpike, engaged))
	before := s.Caps()

	assert.False(t, s.Apply(TriggerVixSpike, engaged.Add(time.Minute)))
	assert.Equal(t, before, s.Caps())
	assert.Equal(t, engaged, s.EngagedAt, "engaged_at keeps the first engagement time")
}

func TestRecoveryClearsAll(t *testing.T) {
	s := NewState(DefaultRules)
	s.Apply(TriggerSpyDown2Pct, engaged)
	s.Apply(TriggerVixExtreme, engaged)

	require.True(t, s.Apply(TriggerSpyRecovery, engaged.Add(time.Hour)))
	assert.False(t, s.Engaged())
	assert.Nil(t, s.Caps())
	assert.True(t, s.EngagedAt.IsZero())
}

func TestUnknownTriggerIgnored(t *testing.T) {
	s := NewState(DefaultRules)
	assert.False(t, s.Apply(Trigger("SPY_SIDEWAYS"), engaged))
	assert.False(t, s.Engaged())
}

func TestRestoreDropsUnknownTriggers(t *testing.T) {
	s := Restore(DefaultRules, []Trigger{TriggerVixSpike, Trigger("BOGUS")}, engaged)
	assert.Equal(t, []Trigger{TriggerVixSpike}, s.ActiveTriggers)
	assert.Equal(t, engaged, s.EngagedAt)

	// Restored state composes identically to a live one.
	live := NewState(DefaultRules)
	live.Apply(TriggerVixSpike, engaged)
	assert.Equal(t, live.Caps(), s.Caps())
}

func TestAutoResetDue(t *testing.T) {
	nextOpen := func(after time.Time) time.Time {
		// Next 09:30 ET open strictly at or after `after`, weekdays only.
		loc, _ := time.LoadLocation("America/New_York")
		cur := after.In(loc)
		for {
			open := time.Date(cur.Year(), cur.Month(), cur.Day(), 9, 30, 0, 0, loc)
			if !open.Before(after) && cur.Weekday() != time.Saturday && cur.Weekday() != time.Sunday {
				return open
			}
			cur = cur.AddDate(0, 0, 1)
		}
	}

	s := NewState(DefaultRules)
	s.Apply(TriggerSpyDown2Pct, engaged) // Monday 2026-03-02 14:45 UTC

	// Tuesday before the +24h window's open: not yet due.
	assert.False(t, s.AutoResetDue(engaged.Add(20*time.Hour), nextOpen))
	// Wednesday after open: due.
	assert.True(t, s.AutoResetDue(engaged.Add(48*time.Hour), nextOpen))
	// Cleared state never auto-resets.
	s.Reset()
	assert.False(t, s.AutoResetDue(engaged.Add(72*time.Hour), nextOpen))
}
