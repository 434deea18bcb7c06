package signal

import "fmt"

// RRProfile is a risk/reward shape: ATR multiples for the fallback stop and
// for the T2 target.
type RRProfile struct {
	StopATRMult   float64
	TargetATRMult float64
}

// defaultRRProfile applies when no (type, zone) entry exists.
var defaultRRProfile = RRProfile{StopATRMult: 1.5, TargetATRMult: 3.0}

type profileKey struct {
	Type Type
	Zone Zone
}

// rrProfiles maps (signal_type, zone) to a risk/reward shape. Trend setups
// in strong zones stretch targets; counter-trend zones tighten them.
var rrProfiles = map[profileKey]RRProfile{
	{TypeGoldenTouch, ZoneMaxLong}:        {1.5, 3.5},
	{TypeGoldenTouch, ZoneRecovery}:       {1.5, 3.0},
	{TypeGoldenTouch, ZoneTransition}:     {1.25, 2.5},
	{TypePullbackEntry, ZoneMaxLong}:      {1.5, 3.0},
	{TypePullbackEntry, ZoneRecovery}:     {1.75, 3.0},
	{TypePullbackEntry, ZoneDeLeveraging}: {2.0, 2.5},
	{TypeTwoCloseVolume, ZoneMaxLong}:     {1.25, 3.0},
	{TypeTwoCloseVolume, ZoneRecovery}:    {1.5, 2.75},
	{TypeTrappedShorts, ZoneMaxLong}:      {1.25, 3.5},
	{TypeTrappedShorts, ZoneRecovery}:     {1.5, 3.0},
	{TypeTrappedShorts, ZoneTransition}:   {1.5, 2.5},
	{TypeExhaustionReversal, ZoneCapitulation}: {2.0, 4.0},
	{TypeExhaustionReversal, ZoneWaterfall}:    {2.0, 3.5},
}

// LookupRRProfile resolves the risk/reward shape for a setup and says which
// key was used for attribution.
func LookupRRProfile(typ Type, zone Zone) (RRProfile, string) {
	if p, ok := rrProfiles[profileKey{typ, zone}]; ok {
		return p, fmt.Sprintf("%s@%s", typ, zone)
	}
	return defaultRRProfile, fmt.Sprintf("default@%s", zone)
}
