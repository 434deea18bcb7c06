package outcome

import (
	"time"

	"github.com/torobias/torobias/internal/domain/signal"
)

// Outcome is the terminal (or pending) disposition of a signal.
type Outcome string

const (
	Pending     Outcome = "PENDING"
	HitT1       Outcome = "HIT_T1"
	HitT2       Outcome = "HIT_T2"
	StoppedOut  Outcome = "STOPPED_OUT"
	Invalidated Outcome = "INVALIDATED"
	Expired     Outcome = "EXPIRED"
)

// Terminal reports whether o ends the signal's lifecycle.
func (o Outcome) Terminal() bool {
	return o != Pending
}

// Bar is one daily OHLC bar from the price provider.
type Bar struct {
	Date  time.Time `json:"date"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// IntrabarPolicy resolves the ambiguity when a bar's range spans both the
// stop and a target: bar data cannot say which printed first. StopFirst is
// the conservative default.
type IntrabarPolicy string

const (
	StopFirst   IntrabarPolicy = "stop_first"
	TargetFirst IntrabarPolicy = "target_first"
)

// DefaultMaxAgeDays expires signals that never resolved.
const DefaultMaxAgeDays = 10

// Result is the replay verdict for one signal.
type Result struct {
	Outcome       Outcome   `json:"outcome"`
	OutcomeAt     time.Time `json:"outcome_at,omitempty"`
	OutcomePrice  float64   `json:"outcome_price,omitempty"`
	MFE           float64   `json:"max_favorable_excursion"`
	MAE           float64   `json:"max_adverse_excursion"`
	DaysToOutcome int       `json:"days_to_outcome"`
	ReachedT1     bool      `json:"reached_t1"`
}

// Replayer walks post-signal price history against a signal's geometry.
// Replay is deterministic: the same bars always produce the same result.
type Replayer struct {
	MaxAgeDays int
	Policy     IntrabarPolicy
}

// NewReplayer returns a replayer with the given intra-bar policy.
func NewReplayer(maxAgeDays int, policy IntrabarPolicy) *Replayer {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultMaxAgeDays
	}
	if policy == "" {
		policy = StopFirst
	}
	return &Replayer{MaxAgeDays: maxAgeDays, Policy: policy}
}

// Replay evaluates bars chronologically against the signal. Precedence per
// bar: invalidation (close crosses the structural level), then stop and T2
// in intra-bar policy order, then T1 (which records but does not terminate).
func (r *Replayer) Replay(sig signal.Signal, bars []Bar, now time.Time) Result {
	res := Result{Outcome: Pending}
	long := sig.Direction == signal.Long
	entry := sig.Setup.Entry

	for _, bar := range bars {
		if !bar.Date.After(sig.CreatedAt) {
			continue
		}

		// Excursions first so the terminal bar still counts.
		if long {
			res.MFE = max(res.MFE, bar.High-entry)
			res.MAE = max(res.MAE, entry-bar.Low)
		} else {
			res.MFE = max(res.MFE, entry-bar.Low)
			res.MAE = max(res.MAE, bar.High-entry)
		}

		if r.invalidated(sig, bar, long) {
			return r.terminal(res, Invalidated, sig, bar, sig.Setup.InvalidationLevel)
		}

		stopped := r.stopTouched(sig, bar, long)
		hitT2 := r.targetTouched(sig.Setup.T2, bar, long)

		if stopped && hitT2 {
			// Both inside one bar: the configured policy decides.
			if r.Policy == TargetFirst {
				stopped = false
			} else {
				hitT2 = false
			}
		}
		if stopped {
			return r.terminal(res, StoppedOut, sig, bar, sig.Setup.Stop)
		}
		if hitT2 {
			res.ReachedT1 = true // T2 lies beyond T1 by construction
			return r.terminal(res, HitT2, sig, bar, sig.Setup.T2)
		}
		if r.targetTouched(sig.Setup.T1, bar, long) {
			res.ReachedT1 = true
		}

		if ageDays(sig.CreatedAt, bar.Date) >= r.MaxAgeDays {
			out := Expired
			if res.ReachedT1 {
				out = HitT1
			}
			return r.terminal(res, out, sig, bar, bar.Close)
		}
	}

	// History exhausted without resolution.
	if ageDays(sig.CreatedAt, now) > r.MaxAgeDays {
		res.Outcome = Expired
		if res.ReachedT1 {
			res.Outcome = HitT1
		}
		res.OutcomeAt = now
		res.DaysToOutcome = ageDays(sig.CreatedAt, now)
	}
	return res
}

func (r *Replayer) terminal(res Result, out Outcome, sig signal.Signal, bar Bar, price float64) Result {
	res.Outcome = out
	res.OutcomeAt = bar.Date
	res.OutcomePrice = price
	res.DaysToOutcome = ageDays(sig.CreatedAt, bar.Date)
	return res
}

func (r *Replayer) invalidated(sig signal.Signal, bar Bar, long bool) bool {
	if long {
		return bar.Close <= sig.Setup.InvalidationLevel
	}
	return bar.Close >= sig.Setup.InvalidationLevel
}

func (r *Replayer) stopTouched(sig signal.Signal, bar Bar, long bool) bool {
	if long {
		return bar.Low <= sig.Setup.Stop
	}
	return bar.High >= sig.Setup.Stop
}

func (r *Replayer) targetTouched(target float64, bar Bar, long bool) bool {
	if long {
		return bar.High >= target
	}
	return bar.Low <= target
}

func ageDays(created, at time.Time) int {
	return int(at.Sub(created).Hours() / 24)
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
