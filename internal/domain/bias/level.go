package bias

// Level is the five-step macro stance scale used throughout the system.
type Level string

const (
	UrsaMajor Level = "URSA_MAJOR"
	UrsaMinor Level = "URSA_MINOR"
	Neutral   Level = "NEUTRAL"
	ToroMinor Level = "TORO_MINOR"
	ToroMajor Level = "TORO_MAJOR"
)

// Confidence grades how much of the factor set backed a composite.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// rank orders levels from most bearish (0) to most bullish (4).
var levelRanks = map[Level]int{
	UrsaMajor: 0,
	UrsaMinor: 1,
	Neutral:   2,
	ToroMinor: 3,
	ToroMajor: 4,
}

// Rank returns the ordinal position of a level on the bear→bull axis.
// Unknown levels rank as NEUTRAL.
func (l Level) Rank() int {
	if r, ok := levelRanks[l]; ok {
		return r
	}
	return levelRanks[Neutral]
}

// Valid reports whether l is one of the five known levels.
func (l Level) Valid() bool {
	_, ok := levelRanks[l]
	return ok
}

// MoreBearishThan reports whether l sits below other on the stance axis.
func (l Level) MoreBearishThan(other Level) bool {
	return l.Rank() < other.Rank()
}

// LevelFromScore maps an adjusted composite score onto the fixed bands.
func LevelFromScore(score float64) Level {
	switch {
	case score >= 0.60:
		return ToroMajor
	case score >= 0.20:
		return ToroMinor
	case score >= -0.19:
		return Neutral
	case score >= -0.59:
		return UrsaMinor
	default:
		return UrsaMajor
	}
}

// ConfidenceFromActiveCount grades a composite by how many factors were fresh.
func ConfidenceFromActiveCount(n int) Confidence {
	switch {
	case n >= 6:
		return ConfidenceHigh
	case n >= 4:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
