package signal

import (
	"fmt"
	"time"

	"github.com/torobias/torobias/internal/domain/bias"
)

// Direction is the trade side of a signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Type identifies the setup pattern a signal came from. Unknown types are
// carried through and scored with generic defaults.
type Type string

const (
	TypeGoldenTouch        Type = "GOLDEN_TOUCH"
	TypePullbackEntry      Type = "PULLBACK_ENTRY"
	TypeTwoCloseVolume     Type = "TWO_CLOSE_VOLUME"
	TypeTrappedShorts      Type = "TRAPPED_SHORTS"
	TypeExhaustionReversal Type = "EXHAUSTION_REVERSAL"
)

// Status is the signal lifecycle state. Signals are immutable once created
// except for this field.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusDismissed Status = "DISMISSED"
)

// Wind classifies the sector backdrop relative to a signal's direction.
type Wind string

const (
	WindTailwind Wind = "TAILWIND"
	WindHeadwind Wind = "HEADWIND"
	WindNeutral  Wind = "NEUTRAL"
	WindUnknown  Wind = "UNKNOWN"
)

// Alignment classifies a signal's direction against the composite bias.
type Alignment string

const (
	AlignmentAligned      Alignment = "ALIGNED"
	AlignmentCounterTrend Alignment = "COUNTER_TREND"
	AlignmentNeutral      Alignment = "NEUTRAL"
	AlignmentUnknown      Alignment = "UNKNOWN"
)

// Setup is the fully-resolved trade geometry of a signal.
type Setup struct {
	Entry              float64 `json:"entry"`
	EntryWindowLow     float64 `json:"entry_window_low"`
	EntryWindowHigh    float64 `json:"entry_window_high"`
	Stop               float64 `json:"stop"`
	T1                 float64 `json:"t1"`
	T2                 float64 `json:"t2"`
	RRT1               float64 `json:"rr_t1"`
	RRT2               float64 `json:"rr_t2"`
	InvalidationLevel  float64 `json:"invalidation_level"`
	InvalidationReason string  `json:"invalidation_reason"`
}

// SetupContext explains how the setup was derived.
type SetupContext struct {
	StopAnchor           string    `json:"stop_anchor"`
	RRProfileKey         string    `json:"rr_profile_key"`
	SectorWind           Wind      `json:"sector_wind"`
	BiasAlignment        Alignment `json:"bias_alignment"`
	Confluence           []string  `json:"confluence,omitempty"`
	FlowConfirmation     string    `json:"flow_confirmation,omitempty"`
	ZoneUpgradeContext   string    `json:"zone_upgrade_context,omitempty"`
	ZoneDowngradeContext string    `json:"zone_downgrade_context,omitempty"`
	Flags                []string  `json:"flags,omitempty"`
}

// Signal is a scored candidate trade.
type Signal struct {
	SignalID   string          `json:"signal_id"`
	Symbol     string          `json:"symbol"`
	Direction  Direction       `json:"direction"`
	Type       Type            `json:"signal_type"`
	Source     string          `json:"signal_source"`
	Setup      Setup           `json:"setup"`
	Context    SetupContext    `json:"setup_context"`
	Priority   int             `json:"priority"`
	Score      float64         `json:"score"`
	Confidence bias.Confidence `json:"confidence"`
	Zone       Zone            `json:"zone"`
	CreatedAt  time.Time       `json:"created_at"`
	Status     Status          `json:"status"`
}

// Candidate is the raw signal a producer submits. The scorer fills in
// everything else.
type Candidate struct {
	Symbol    string    `json:"symbol"`
	Type      Type      `json:"signal_type"`
	Direction Direction `json:"direction"`
	Source    string    `json:"signal_source"`
	Timeframe string    `json:"timeframe"`
	Entry     float64   `json:"entry"`
	ATR       float64   `json:"atr"`
	SMA20     float64   `json:"sma20"`
	SMA50     float64   `json:"sma50"`
	SMA120    float64   `json:"sma120"`
	SMA200    float64   `json:"sma200"`
	RSI       *float64  `json:"rsi,omitempty"`
	ADX       *float64  `json:"adx,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the structural minimum for scoring.
func (c Candidate) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candidate missing symbol")
	}
	if c.Direction != Long && c.Direction != Short {
		return fmt.Errorf("candidate %s: invalid direction %q", c.Symbol, c.Direction)
	}
	if c.Entry <= 0 {
		return fmt.Errorf("candidate %s: non-positive entry %v", c.Symbol, c.Entry)
	}
	if c.ATR <= 0 {
		return fmt.Errorf("candidate %s: non-positive ATR %v", c.Symbol, c.ATR)
	}
	return nil
}

// idBucket quantizes creation time so replays of the same candidate produce
// the same deterministic id.
const idBucket = 5 * time.Minute

// ID builds the deterministic signal id: symbol|type|bucketed_timestamp|micros.
func ID(symbol string, typ Type, createdAt time.Time) string {
	bucket := createdAt.UTC().Truncate(idBucket)
	micros := createdAt.UTC().Sub(bucket).Microseconds()
	return fmt.Sprintf("%s|%s|%d|%06d", symbol, typ, bucket.Unix(), micros)
}
