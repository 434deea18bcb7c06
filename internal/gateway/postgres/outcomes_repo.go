package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/torobias/torobias/internal/domain/outcome"
	"github.com/torobias/torobias/internal/domain/signal"
	"github.com/torobias/torobias/internal/gateway"
)

// outcomesRepo implements gateway.OutcomesRepo for PostgreSQL.
type outcomesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOutcomesRepo creates a PostgreSQL outcomes repository.
func NewOutcomesRepo(db *sqlx.DB, timeout time.Duration) gateway.OutcomesRepo {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &outcomesRepo{db: db, timeout: timeout}
}

func (r *outcomesRepo) Update(ctx context.Context, signalID string, res outcome.Result) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var outcomeAt sql.NullTime
	if !res.OutcomeAt.IsZero() {
		outcomeAt = sql.NullTime{Time: res.OutcomeAt, Valid: true}
	}

	query := `
		UPDATE outcomes
		SET outcome = $1, outcome_at = $2, outcome_price = $3,
		    mfe = $4, mae = $5, days_to_outcome = $6, reached_t1 = $7,
		    updated_at = now()
		WHERE signal_id = $8`

	result, err := r.db.ExecContext(ctx, query,
		res.Outcome, outcomeAt, res.OutcomePrice,
		res.MFE, res.MAE, res.DaysToOutcome, res.ReachedT1, signalID)
	if err != nil {
		return fmt.Errorf("failed to update outcome: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

func (r *outcomesRepo) PendingSignals(ctx context.Context, limit int) ([]signal.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT s.signal_id, s.symbol, s.direction, s.signal_type, s.signal_source,
		       s.zone, s.priority, s.score, s.confidence, s.status, s.setup, s.context, s.created_at
		FROM signals s
		JOIN outcomes o ON o.signal_id = s.signal_id
		WHERE o.outcome = 'PENDING'
		ORDER BY s.created_at ASC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// HitRates aggregates terminal outcomes per (signal type, zone) cell.
// HIT_T1 and HIT_T2 both count as hits; PENDING rows are excluded.
func (r *outcomesRepo) HitRates(ctx context.Context, since time.Time) ([]gateway.HitRateRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT s.signal_type, s.zone,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE o.outcome = 'HIT_T1') AS hit_t1,
		       COUNT(*) FILTER (WHERE o.outcome = 'HIT_T2') AS hit_t2,
		       COUNT(*) FILTER (WHERE o.outcome = 'STOPPED_OUT') AS stopped_out,
		       COUNT(*) FILTER (WHERE o.outcome = 'INVALIDATED') AS invalidated,
		       COUNT(*) FILTER (WHERE o.outcome = 'EXPIRED') AS expired,
		       AVG(o.days_to_outcome) AS avg_days
		FROM signals s
		JOIN outcomes o ON o.signal_id = s.signal_id
		WHERE o.outcome <> 'PENDING' AND s.created_at >= $1
		GROUP BY s.signal_type, s.zone
		ORDER BY s.signal_type, s.zone`

	rows, err := r.db.QueryxContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query hit rates: %w", err)
	}
	defer rows.Close()

	var out []gateway.HitRateRow
	for rows.Next() {
		var row gateway.HitRateRow
		err := rows.Scan(&row.Type, &row.Zone, &row.Total,
			&row.HitT1, &row.HitT2, &row.StoppedOut,
			&row.Invalidated, &row.Expired, &row.AvgDays)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hit rate row: %w", err)
		}
		if row.Total > 0 {
			row.HitRate = float64(row.HitT1+row.HitT2) / float64(row.Total)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hit rates: %w", err)
	}
	return out, nil
}
