package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/signal"
	"github.com/torobias/torobias/internal/gateway"
)

const signalColumns = `signal_id, symbol, direction, signal_type, signal_source,
	zone, priority, score, confidence, status, setup, context, created_at`

// signalsRepo implements gateway.SignalsRepo for PostgreSQL.
type signalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSignalsRepo creates a PostgreSQL signals repository.
func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) gateway.SignalsRepo {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &signalsRepo{db: db, timeout: timeout}
}

// Insert writes the signal row and its PENDING outcome row atomically.
// A duplicate signal_id rejects with DUPLICATE_SIGNAL_ID; the caller treats
// that as idempotent replay, not a failure.
func (r *signalsRepo) Insert(ctx context.Context, sig signal.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	setupJSON, err := json.Marshal(sig.Setup)
	if err != nil {
		return fmt.Errorf("failed to marshal setup: %w", err)
	}
	contextJSON, err := json.Marshal(sig.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal setup context: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signals (`+signalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sig.SignalID, sig.Symbol, sig.Direction, sig.Type, sig.Source,
		sig.Zone, sig.Priority, sig.Score, sig.Confidence, sig.Status,
		setupJSON, contextJSON, sig.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return factor.Reject(factor.ReasonDuplicateSignalID,
				"signal %s already recorded", sig.SignalID)
		}
		return fmt.Errorf("failed to insert signal: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outcomes (signal_id, outcome, updated_at)
		VALUES ($1, 'PENDING', $2)`,
		sig.SignalID, sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pending outcome: %w", err)
	}

	return tx.Commit()
}

func (r *signalsRepo) Get(ctx context.Context, signalID string) (*signal.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + signalColumns + ` FROM signals WHERE signal_id = $1`

	sig, err := scanSignalValues(r.db.QueryRowxContext(ctx, query, signalID).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gateway.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return sig, nil
}

func (r *signalsRepo) ListActive(ctx context.Context, symbol string, limit int) ([]signal.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + signalColumns + `
		FROM signals
		WHERE status = 'ACTIVE' AND ($1 = '' OR symbol = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query active signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

func (r *signalsRepo) UpdateStatus(ctx context.Context, signalID string, status signal.Status) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE signals SET status = $1 WHERE signal_id = $2`, status, signalID)
	if err != nil {
		return fmt.Errorf("failed to update signal status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

func scanSignals(rows *sqlx.Rows) ([]signal.Signal, error) {
	var signals []signal.Signal
	for rows.Next() {
		sig, err := scanSignalValues(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, *sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}
	return signals, nil
}

func scanSignalValues(scan func(dest ...interface{}) error) (*signal.Signal, error) {
	var sig signal.Signal
	var setupJSON, contextJSON []byte

	err := scan(
		&sig.SignalID, &sig.Symbol, &sig.Direction, &sig.Type, &sig.Source,
		&sig.Zone, &sig.Priority, &sig.Score, &sig.Confidence, &sig.Status,
		&setupJSON, &contextJSON, &sig.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(setupJSON, &sig.Setup); err != nil {
		return nil, fmt.Errorf("failed to unmarshal setup: %w", err)
	}
	if err := json.Unmarshal(contextJSON, &sig.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal setup context: %w", err)
	}
	return &sig, nil
}
