package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/gateway"
)

const readingColumns = `factor_id, score, signal_label, detail, source,
	observed_at, ingested_at, timestamp_source, raw`

// readingsRepo implements gateway.ReadingsRepo for PostgreSQL.
type readingsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewReadingsRepo creates a PostgreSQL factor reading repository.
func NewReadingsRepo(db *sqlx.DB, timeout time.Duration) gateway.ReadingsRepo {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &readingsRepo{db: db, timeout: timeout}
}

func (r *readingsRepo) Insert(ctx context.Context, reading factor.Reading) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rawJSON, err := json.Marshal(reading.Raw)
	if err != nil {
		return fmt.Errorf("failed to marshal raw payload: %w", err)
	}

	query := `
		INSERT INTO factor_readings (` + readingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.db.ExecContext(ctx, query,
		reading.FactorID, reading.Score, reading.SignalLabel, reading.Detail,
		reading.Source, reading.ObservedAt, reading.IngestedAt,
		reading.Metadata.TimestampSource, rawJSON)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

func (r *readingsRepo) Latest(ctx context.Context, factorID string) (*factor.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + readingColumns + `
		FROM factor_readings
		WHERE factor_id = $1
		ORDER BY observed_at DESC
		LIMIT 1`

	return r.scanReading(r.db.QueryRowxContext(ctx, query, factorID))
}

func (r *readingsRepo) LatestBefore(ctx context.Context, factorID string, cutoff time.Time) (*factor.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + readingColumns + `
		FROM factor_readings
		WHERE factor_id = $1 AND observed_at <= $2
		ORDER BY observed_at DESC
		LIMIT 1`

	return r.scanReading(r.db.QueryRowxContext(ctx, query, factorID, cutoff))
}

func (r *readingsRepo) History(ctx context.Context, factorID string, tr gateway.TimeRange, limit int) ([]factor.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + readingColumns + `
		FROM factor_readings
		WHERE factor_id = $1 AND observed_at >= $2 AND observed_at <= $3
		ORDER BY observed_at DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, factorID, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reading history: %w", err)
	}
	defer rows.Close()

	var readings []factor.Reading
	for rows.Next() {
		reading, err := scanReadingValues(rows.Scan)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating readings: %w", err)
	}
	return readings, nil
}

func (r *readingsRepo) scanReading(row *sqlx.Row) (*factor.Reading, error) {
	reading, err := scanReadingValues(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gateway.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan reading: %w", err)
	}
	return reading, nil
}

func scanReadingValues(scan func(dest ...interface{}) error) (*factor.Reading, error) {
	var reading factor.Reading
	var rawJSON []byte

	err := scan(
		&reading.FactorID, &reading.Score, &reading.SignalLabel, &reading.Detail,
		&reading.Source, &reading.ObservedAt, &reading.IngestedAt,
		&reading.Metadata.TimestampSource, &rawJSON)
	if err != nil {
		return nil, err
	}

	if len(rawJSON) > 0 {
		if err := json.Unmarshal(rawJSON, &reading.Raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw payload: %w", err)
		}
	}
	return &reading, nil
}
