package signal

import (
	"fmt"
	"sort"

	"github.com/torobias/torobias/internal/domain/bias"
)

const (
	// confluenceBaseBoost applies once two aligned signals coexist.
	confluenceBaseBoost = 25
	// confluenceHighThreshold promotes confidence once the total boost
	// reaches it.
	confluenceHighThreshold = 40

	// FlagConflictingSignals marks signals that disagree on direction.
	FlagConflictingSignals = "CONFLICTING_SIGNALS"
)

// comboBoost is a named bonus for a specific setup pairing.
type comboBoost struct {
	a, b  Type
	boost int
	label string
}

var comboBoosts = []comboBoost{
	{TypeGoldenTouch, TypeTrappedShorts, 40, "squeeze into trend"},
	{TypeGoldenTouch, TypePullbackEntry, 15, "trend continuation stack"},
	{TypeTwoCloseVolume, TypeTrappedShorts, 20, "volume-confirmed squeeze"},
}

// MergeConfluence enriches all of one symbol's scored signals in place.
// It adjusts priority and confidence and writes the confluence block; it
// never touches entry, stop, or targets.
func MergeConfluence(signals []*Signal) {
	if len(signals) < 2 {
		return
	}

	longs, shorts := 0, 0
	for _, s := range signals {
		if s.Direction == Long {
			longs++
		} else {
			shorts++
		}
	}

	// Conflicting directions poison the whole symbol.
	if longs > 0 && shorts > 0 {
		for _, s := range signals {
			s.Confidence = bias.ConfidenceLow
			s.Context.Flags = appendUnique(s.Context.Flags, FlagConflictingSignals)
		}
		return
	}

	types := make([]Type, 0, len(signals))
	for _, s := range signals {
		types = append(types, s.Type)
	}

	boost := confluenceBaseBoost
	notes := []string{fmt.Sprintf("%d aligned signals (+%d)", len(signals), confluenceBaseBoost)}
	for _, combo := range comboBoosts {
		if hasType(types, combo.a) && hasType(types, combo.b) {
			boost += combo.boost
			notes = append(notes, fmt.Sprintf("%s + %s: %s (+%d)", combo.a, combo.b, combo.label, combo.boost))
		}
	}
	sort.Strings(notes[1:])

	for _, s := range signals {
		s.Priority += boost
		s.Context.Confluence = append(s.Context.Confluence, notes...)
		if boost >= confluenceHighThreshold {
			s.Confidence = bias.ConfidenceHigh
		}
	}
}

func hasType(types []Type, t Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func appendUnique(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}
