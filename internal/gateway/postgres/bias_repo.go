package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/torobias/torobias/internal/domain/bias"
	"github.com/torobias/torobias/internal/gateway"
)

// biasRepo implements gateway.BiasRepo for PostgreSQL. The full result is
// stored as JSONB; score, level and confidence are lifted into columns for
// querying.
type biasRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBiasRepo creates a PostgreSQL composite bias repository.
func NewBiasRepo(db *sqlx.DB, timeout time.Duration) gateway.BiasRepo {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &biasRepo{db: db, timeout: timeout}
}

func (r *biasRepo) Insert(ctx context.Context, res bias.Result) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal bias result: %w", err)
	}

	query := `
		INSERT INTO bias_history (composite_score, bias_level, confidence, payload, computed_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = r.db.ExecContext(ctx, query,
		res.CompositeScore, res.Level, res.Confidence, payload, res.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bias result: %w", err)
	}
	return nil
}

func (r *biasRepo) Latest(ctx context.Context) (*bias.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT payload FROM bias_history
		ORDER BY computed_at DESC
		LIMIT 1`

	var payload []byte
	if err := r.db.QueryRowxContext(ctx, query).Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, gateway.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query latest bias: %w", err)
	}

	var res bias.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bias result: %w", err)
	}
	return &res, nil
}

func (r *biasRepo) History(ctx context.Context, tr gateway.TimeRange, limit int) ([]bias.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT payload FROM bias_history
		WHERE computed_at >= $1 AND computed_at <= $2
		ORDER BY computed_at DESC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bias history: %w", err)
	}
	defer rows.Close()

	var results []bias.Result
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan bias row: %w", err)
		}
		var res bias.Result
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bias result: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bias history: %w", err)
	}
	return results, nil
}
