package gateway

import (
	"context"
	"time"

	"github.com/torobias/torobias/internal/domain/bias"
	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/outcome"
	"github.com/torobias/torobias/internal/domain/signal"
)

// TimeRange bounds history queries, inclusive on both ends.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// BreakerSnapshot is the durable form of circuit breaker state.
type BreakerSnapshot struct {
	ActiveTriggers []string  `json:"active_triggers"`
	EngagedAt      time.Time `json:"engaged_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HitRateRow aggregates outcomes for one (signal type, CTA zone) cell.
type HitRateRow struct {
	Type        signal.Type `json:"signal_type" db:"signal_type"`
	Zone        signal.Zone `json:"zone" db:"zone"`
	Total       int         `json:"total" db:"total"`
	HitT1       int         `json:"hit_t1" db:"hit_t1"`
	HitT2       int         `json:"hit_t2" db:"hit_t2"`
	StoppedOut  int         `json:"stopped_out" db:"stopped_out"`
	Invalidated int         `json:"invalidated" db:"invalidated"`
	Expired     int         `json:"expired" db:"expired"`
	HitRate     float64     `json:"hit_rate" db:"hit_rate"`
	AvgDays     float64     `json:"avg_days_to_outcome" db:"avg_days"`
}

// ReadingsRepo is the durable factor reading history. Every accepted reading
// lands here even when the cache write fails.
type ReadingsRepo interface {
	Insert(ctx context.Context, r factor.Reading) error
	Latest(ctx context.Context, factorID string) (*factor.Reading, error)
	// LatestBefore returns the newest reading observed at or before cutoff;
	// the velocity detector uses it to find the ≥24h-old prior.
	LatestBefore(ctx context.Context, factorID string, cutoff time.Time) (*factor.Reading, error)
	History(ctx context.Context, factorID string, tr TimeRange, limit int) ([]factor.Reading, error)
}

// BiasRepo stores the composite bias history.
type BiasRepo interface {
	Insert(ctx context.Context, res bias.Result) error
	Latest(ctx context.Context) (*bias.Result, error)
	History(ctx context.Context, tr TimeRange, limit int) ([]bias.Result, error)
}

// BreakerRepo persists circuit breaker state so restarts restore caps.
type BreakerRepo interface {
	Save(ctx context.Context, snap BreakerSnapshot) error
	Load(ctx context.Context) (*BreakerSnapshot, error)
	Clear(ctx context.Context) error
}

// SignalsRepo stores scored signals. Insert creates the signal row and its
// PENDING outcome row in one transaction.
type SignalsRepo interface {
	Insert(ctx context.Context, sig signal.Signal) error
	Get(ctx context.Context, signalID string) (*signal.Signal, error)
	ListActive(ctx context.Context, symbol string, limit int) ([]signal.Signal, error)
	UpdateStatus(ctx context.Context, signalID string, status signal.Status) error
}

// OutcomesRepo tracks signal outcomes and the hit-rate aggregates built on
// top of them.
type OutcomesRepo interface {
	Update(ctx context.Context, signalID string, res outcome.Result) error
	// PendingSignals lists signals whose outcome row is still PENDING, for
	// the nightly replay job.
	PendingSignals(ctx context.Context, limit int) ([]signal.Signal, error)
	HitRates(ctx context.Context, since time.Time) ([]HitRateRow, error)
}
