package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/outcome"
	"github.com/torobias/torobias/internal/domain/signal"
	"github.com/torobias/torobias/internal/gateway"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

var readingCols = []string{
	"factor_id", "score", "signal_label", "detail", "source",
	"observed_at", "ingested_at", "timestamp_source", "raw",
}

var signalCols = []string{
	"signal_id", "symbol", "direction", "signal_type", "signal_source",
	"zone", "priority", "score", "confidence", "status", "setup", "context", "created_at",
}

func TestReadingsInsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReadingsRepo(db, time.Second)

	observed := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO factor_readings").
		WithArgs("vix_level", -0.4, "ELEVATED", "VIX 24.3", string(factor.SourceScheduledPull),
			observed, sqlmock.AnyArg(), string(factor.TimestampSourceEvent), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Insert(context.Background(), factor.Reading{
		FactorID:    "vix_level",
		Score:       -0.4,
		SignalLabel: "ELEVATED",
		Detail:      "VIX 24.3",
		Source:      factor.SourceScheduledPull,
		ObservedAt:  observed,
		IngestedAt:  observed.Add(2 * time.Second),
		Metadata:    factor.Metadata{TimestampSource: factor.TimestampSourceEvent},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingsLatestBefore(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReadingsRepo(db, time.Second)

	cutoff := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	observed := cutoff.Add(-2 * time.Hour)
	mock.ExpectQuery("SELECT (.+) FROM factor_readings").
		WithArgs("vix_level", cutoff).
		WillReturnRows(sqlmock.NewRows(readingCols).AddRow(
			"vix_level", -0.1, "CALM", "", string(factor.SourceScheduledPull),
			observed, observed, string(factor.TimestampSourceEvent), []byte(`{"vix":18.2}`)))

	prior, err := repo.LatestBefore(context.Background(), "vix_level", cutoff)
	require.NoError(t, err)
	assert.Equal(t, -0.1, prior.Score)
	assert.Equal(t, 18.2, prior.Raw["vix"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingsLatestMissIsNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReadingsRepo(db, time.Second)

	mock.ExpectQuery("SELECT (.+) FROM factor_readings").
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows(readingCols))

	_, err := repo.Latest(context.Background(), "unknown")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestSignalsInsertIsAtomicWithPendingOutcome(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignalsRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO signals").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outcomes").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Insert(context.Background(), signal.Signal{
		SignalID:  "NVDA|GOLDEN_TOUCH|1772379600|131000000",
		Symbol:    "NVDA",
		Direction: signal.Long,
		Type:      signal.TypeGoldenTouch,
		Zone:      signal.ZoneMaxLong,
		Status:    signal.StatusActive,
		CreatedAt: time.Date(2026, 3, 2, 15, 40, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalsInsertDuplicateRejects(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignalsRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO signals").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.Insert(context.Background(), signal.Signal{SignalID: "dup"})
	require.Error(t, err)
	reason, ok := factor.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, factor.ReasonDuplicateSignalID, reason)
}

func TestSignalsGetRoundTrip(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignalsRepo(db, time.Second)

	created := time.Date(2026, 3, 2, 15, 40, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM signals").
		WithArgs("sig-1").
		WillReturnRows(sqlmock.NewRows(signalCols).AddRow(
			"sig-1", "NVDA", "LONG", "GOLDEN_TOUCH", "scanner",
			"MAX_LONG", 95, 95.0, "HIGH", "ACTIVE",
			[]byte(`{"entry":100,"stop":99,"t1":103.5,"t2":107}`),
			[]byte(`{"stop_anchor":"sma20"}`), created))

	sig, err := repo.Get(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, 99.0, sig.Setup.Stop)
	assert.Equal(t, "sma20", sig.Context.StopAnchor)
}

func TestOutcomesUpdateUnknownSignal(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutcomesRepo(db, time.Second)

	mock.ExpectExec("UPDATE outcomes").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), "missing", outcome.Result{Outcome: outcome.HitT2})
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestHitRatesAggregation(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutcomesRepo(db, time.Second)

	cols := []string{"signal_type", "zone", "total", "hit_t1", "hit_t2",
		"stopped_out", "invalidated", "expired", "avg_days"}
	mock.ExpectQuery("SELECT (.+) FROM signals s").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("GOLDEN_TOUCH", "MAX_LONG", 10, 3, 4, 2, 1, 0, 3.5))

	rows, err := repo.HitRates(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 0.7, rows[0].HitRate, 1e-9, "T1 and T2 both count as hits")
	assert.Equal(t, 3.5, rows[0].AvgDays)
}

func TestBreakerSaveAndLoad(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBreakerRepo(db, time.Second)

	engaged := time.Date(2026, 3, 2, 14, 45, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO breaker_state").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM breaker_state").
		WillReturnRows(sqlmock.NewRows([]string{"active_triggers", "engaged_at", "updated_at"}).
			AddRow([]byte("{VIX_SPIKE}"), engaged, engaged))

	require.NoError(t, repo.Save(context.Background(), gateway.BreakerSnapshot{
		ActiveTriggers: []string{"VIX_SPIKE"},
		EngagedAt:      engaged,
		UpdatedAt:      engaged,
	}))

	snap, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"VIX_SPIKE"}, snap.ActiveTriggers)
	assert.True(t, snap.EngagedAt.Equal(engaged))
}

func TestBreakerLoadEmptyIsNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBreakerRepo(db, time.Second)

	mock.ExpectQuery("SELECT (.+) FROM breaker_state").
		WillReturnRows(sqlmock.NewRows([]string{"active_triggers", "engaged_at", "updated_at"}))

	_, err := repo.Load(context.Background())
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}
