package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/torobias/torobias/internal/gateway"
)

// breakerRepo implements gateway.BreakerRepo. The breaker has exactly one
// durable state row; Save upserts it.
type breakerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBreakerRepo creates a PostgreSQL breaker state repository.
func NewBreakerRepo(db *sqlx.DB, timeout time.Duration) gateway.BreakerRepo {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &breakerRepo{db: db, timeout: timeout}
}

func (r *breakerRepo) Save(ctx context.Context, snap gateway.BreakerSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO breaker_state (id, active_triggers, engaged_at, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET active_triggers = EXCLUDED.active_triggers,
		    engaged_at = EXCLUDED.engaged_at,
		    updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		pq.Array(snap.ActiveTriggers), snap.EngagedAt, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

func (r *breakerRepo) Load(ctx context.Context) (*gateway.BreakerSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT active_triggers, engaged_at, updated_at FROM breaker_state WHERE id = 1`

	var snap gateway.BreakerSnapshot
	err := r.db.QueryRowxContext(ctx, query).Scan(
		pq.Array(&snap.ActiveTriggers), &snap.EngagedAt, &snap.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gateway.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load breaker state: %w", err)
	}
	return &snap, nil
}

func (r *breakerRepo) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM breaker_state WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear breaker state: %w", err)
	}
	return nil
}
