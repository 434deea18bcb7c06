package breaker

import (
	"sort"
	"time"

	"github.com/torobias/torobias/internal/domain/bias"
)

// Trigger is a symbolic volatility event the breaker reacts to.
type Trigger string

const (
	TriggerSpyDown1Pct Trigger = "SPY_DOWN_1PCT"
	TriggerSpyDown2Pct Trigger = "SPY_DOWN_2PCT"
	TriggerVixSpike    Trigger = "VIX_SPIKE"
	TriggerVixExtreme  Trigger = "VIX_EXTREME"
	TriggerSpyUp2Pct   Trigger = "SPY_UP_2PCT"
	TriggerSpyRecovery Trigger = "SPY_RECOVERY"
)

// Rule describes one trigger's contribution to the composed constraint set.
type Rule struct {
	Trigger      Trigger
	Ceiling      *bias.Level
	Floor        *bias.Level
	LongMult     float64
	ShortMult    float64
	ClearCeiling bool // suppresses every active ceiling while engaged
	ClearAll     bool // recovery: drops the whole trigger set
}

func levelPtr(l bias.Level) *bias.Level { return &l }

// DefaultRules is the ordered trigger rule set.
var DefaultRules = []Rule{
	{Trigger: TriggerSpyDown1Pct, Ceiling: levelPtr(bias.ToroMinor), LongMult: 0.90, ShortMult: 1.10},
	{Trigger: TriggerSpyDown2Pct, ClearCeiling: true, Floor: levelPtr(bias.UrsaMinor), LongMult: 0.75, ShortMult: 1.30},
	{Trigger: TriggerVixSpike, Ceiling: levelPtr(bias.ToroMinor), LongMult: 0.85, ShortMult: 1.15},
	{Trigger: TriggerVixExtreme, Ceiling: levelPtr(bias.ToroMinor), Floor: levelPtr(bias.UrsaMinor), LongMult: 0.70, ShortMult: 1.30},
	{Trigger: TriggerSpyUp2Pct, ClearCeiling: true, Floor: levelPtr(bias.UrsaMinor), LongMult: 1.10, ShortMult: 0.90},
	{Trigger: TriggerSpyRecovery, ClearAll: true, LongMult: 1.00, ShortMult: 1.00},
}

// State is the process-wide breaker state. It is mutated only by the
// recompute actor so transitions interleave correctly with bias updates.
type State struct {
	ActiveTriggers []Trigger `json:"active_triggers"`
	EngagedAt      time.Time `json:"engaged_at,omitempty"`

	rules map[Trigger]Rule
}

// NewState returns an empty breaker state using the given rule set.
func NewState(rules []Rule) *State {
	s := &State{rules: map[Trigger]Rule{}}
	for _, r := range rules {
		s.rules[r.Trigger] = r
	}
	return s
}

// Restore rebuilds a state from persisted triggers. Unknown triggers are
// dropped rather than poisoning the composed constraints.
func Restore(rules []Rule, triggers []Trigger, engagedAt time.Time) *State {
	s := NewState(rules)
	for _, t := range triggers {
		if _, ok := s.rules[t]; ok {
			s.ActiveTriggers = append(s.ActiveTriggers, t)
		}
	}
	if len(s.ActiveTriggers) > 0 {
		s.EngagedAt = engagedAt
	}
	s.sortTriggers()
	return s
}

// Apply registers a trigger and reports whether state changed. Reapplying an
// already-active trigger is a no-op (idempotent rule composition). A
// ClearAll trigger empties the set.
func (s *State) Apply(trigger Trigger, now time.Time) bool {
	rule, ok := s.rules[trigger]
	if !ok {
		return false
	}
	if rule.ClearAll {
		return s.Reset()
	}
	for _, t := range s.ActiveTriggers {
		if t == trigger {
			return false
		}
	}
	if len(s.ActiveTriggers) == 0 {
		s.EngagedAt = now
	}
	s.ActiveTriggers = append(s.ActiveTriggers, trigger)
	s.sortTriggers()
	return true
}

// Reset force-clears the breaker and reports whether anything was active.
func (s *State) Reset() bool {
	if len(s.ActiveTriggers) == 0 {
		return false
	}
	s.ActiveTriggers = nil
	s.EngagedAt = time.Time{}
	return true
}

// Engaged reports whether any trigger is active.
func (s *State) Engaged() bool {
	return len(s.ActiveTriggers) > 0
}

// Caps composes the active triggers into the constraints handed to the
// composite engine and the signal scorer: strictest ceiling (most bearish),
// strictest floor (least bearish), min long multiplier, max short
// multiplier. Ceiling suppression by any ClearCeiling trigger wins.
func (s *State) Caps() *bias.Caps {
	if !s.Engaged() {
		return nil
	}
	caps := &bias.Caps{LongMult: 1.0, ShortMult: 1.0}
	suppressCeiling := false
	for _, t := range s.ActiveTriggers {
		rule := s.rules[t]
		if rule.ClearCeiling {
			suppressCeiling = true
		}
		if rule.Ceiling != nil {
			if caps.Ceiling == nil || rule.Ceiling.MoreBearishThan(*caps.Ceiling) {
				caps.Ceiling = rule.Ceiling
			}
		}
		if rule.Floor != nil {
			if caps.Floor == nil || caps.Floor.MoreBearishThan(*rule.Floor) {
				caps.Floor = rule.Floor
			}
		}
		if rule.LongMult < caps.LongMult {
			caps.LongMult = rule.LongMult
		}
		if rule.ShortMult > caps.ShortMult {
			caps.ShortMult = rule.ShortMult
		}
	}
	if suppressCeiling {
		caps.Ceiling = nil
	}
	return caps
}

// AutoResetDue reports whether the 24h auto-reset window has opened: the
// first market open at or after engaged_at + 24h has passed.
func (s *State) AutoResetDue(now time.Time, nextOpenAfter func(time.Time) time.Time) bool {
	if !s.Engaged() {
		return false
	}
	open := nextOpenAfter(s.EngagedAt.Add(24 * time.Hour))
	return !now.Before(open)
}

func (s *State) sortTriggers() {
	sort.Slice(s.ActiveTriggers, func(i, j int) bool {
		return s.ActiveTriggers[i] < s.ActiveTriggers[j]
	})
}
