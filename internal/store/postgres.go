package store

import (
	"context"
	_ "embed"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/domain"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// pgxPool is the part of pgxpool.Pool the store uses, so tests can run
// against pgxmock.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore is the central durable store of passenger events.
type PostgresStore struct {
	db   pgxPool
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{db: pool, pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.db.Close()
}

// Gorm returns a gorm handle sharing this pool, for the repositories that use gorm.
func (p *PostgresStore) Gorm() (*gorm.DB, error) {
	if p.pool == nil {
		return nil, errors.New("store: no connection pool")
	}
	sqlDB := stdlib.OpenDBFromPool(p.pool)
	return gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

// classify maps a driver error to the error taxonomy. Data and constraint
// violations are the caller's fault; everything else means the store could
// not be used and the call may be retried.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if isDataError(err) && errors.As(err, &pgErr) {
		return domain.E(domain.KindMalformedInput, op, pgErr.Message, err)
	}
	return domain.E(domain.KindStorageUnavailable, op, "postgres", err)
}

// isDataError reports SQLSTATE class 22 (data exception) and 23 (integrity
// constraint violation).
func isDataError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return true
	}
	return false
}

const insertEventSQL = `
	INSERT INTO passenger_events(
		device_id, event_id, seq, person_id, passenger_type,
		entry_ts, exit_ts, dwell_seconds,
		city, toda_id, etrike_id, location,
		payload, received_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (device_id, event_id) DO NOTHING
	RETURNING 1
`

// WithinTx runs fn in one transaction. Every insert made through the given
// InsertFunc is committed when fn returns nil and rolled back otherwise.
func (p *PostgresStore) WithinTx(ctx context.Context, fn func(insert models.InsertFunc) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return classify("store.WithinTx", err)
	}
	insert := func(ctx context.Context, records []models.IngestRecord) ([]models.InsertOutcome, error) {
		return insertRecords(ctx, tx, records)
	}
	if err := fn(insert); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("store.WithinTx", err)
	}
	return nil
}

// InsertBatch inserts records in one transaction and reports the outcome of
// each. Duplicate detection is enforced by the unique constraint on
// (device_id, event_id), so racing retries of the same batch cannot both insert.
func (p *PostgresStore) InsertBatch(ctx context.Context, records []models.IngestRecord) ([]models.InsertOutcome, error) {
	var out []models.InsertOutcome
	err := p.WithinTx(ctx, func(insert models.InsertFunc) error {
		var err error
		out, err = insert(ctx, records)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// insertRecords inserts each record under its own savepoint so a record the
// database refuses is rolled back alone and reported as rejected.
func insertRecords(ctx context.Context, tx pgx.Tx, records []models.IngestRecord) ([]models.InsertOutcome, error) {
	out := make([]models.InsertOutcome, len(records))
	for i, r := range records {
		outcome, err := insertOne(ctx, tx, r)
		if err != nil {
			return nil, err
		}
		out[i] = outcome
	}
	return out, nil
}

func insertOne(ctx context.Context, tx pgx.Tx, r models.IngestRecord) (models.InsertOutcome, error) {
	const op = "store.InsertBatch"

	ev := r.Event
	dwell := ev.DwellSeconds
	if dwell == nil {
		if d, ok := ev.Dwell(); ok {
			s := d.Seconds()
			dwell = &s
		}
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return 0, classify(op, err)
	}

	var (
		one     int
		outcome models.InsertOutcome
	)
	err = sp.QueryRow(ctx, insertEventSQL,
		r.DeviceID, r.EventID, r.Seq, ev.PersonID, ev.PassengerType,
		ev.EntryTimestamp, ev.ExitTimestamp, dwell,
		ev.City, ev.TodaID, ev.EtrikeID, ev.Location,
		r.Payload, r.ReceivedAt,
	).Scan(&one)
	switch {
	case err == nil:
		outcome = models.InsertCreated
	// RETURNING yields no row on conflict.
	case errors.Is(err, pgx.ErrNoRows):
		outcome = models.InsertDuplicate
	case isDataError(err):
		if err := sp.Rollback(ctx); err != nil {
			return 0, classify(op, err)
		}
		return models.InsertRejected, nil
	default:
		return 0, classify(op, err)
	}

	if err := sp.Commit(ctx); err != nil {
		return 0, classify(op, err)
	}
	return outcome, nil
}

// Health returns totals and the per-device sync position.
func (p *PostgresStore) Health(ctx context.Context) (models.IngestHealth, error) {
	var (
		h      models.IngestHealth
		latest *float64
	)
	err := p.db.QueryRow(ctx, `SELECT COUNT(*), MAX(entry_ts) FROM passenger_events`).Scan(&h.TotalEvents, &latest)
	if err != nil {
		return h, classify("store.Health", err)
	}
	if latest != nil {
		t := models.FromUnixSeconds(*latest).UTC()
		h.LatestEventTime = &t
	}

	rows, err := p.db.Query(ctx, `
		SELECT device_id, MAX(seq), COUNT(*), MAX(received_at)
		FROM passenger_events
		GROUP BY device_id
		ORDER BY device_id
	`)
	if err != nil {
		return h, classify("store.Health", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st models.DeviceSyncStats
		if err := rows.Scan(&st.DeviceID, &st.MaxSeq, &st.RowCount, &st.LastReceived); err != nil {
			return h, classify("store.Health", err)
		}
		h.Devices = append(h.Devices, st)
	}
	if err := rows.Err(); err != nil {
		return h, classify("store.Health", err)
	}
	return h, nil
}

// EventsBetween returns the events whose entry time is in [from, to).
// Using a half-open interval avoids double counting at window boundaries.
func (p *PostgresStore) EventsBetween(ctx context.Context, from, to time.Time) ([]models.PassengerEvent, error) {
	rows, err := p.db.Query(ctx, `
		SELECT device_id, event_id, seq, person_id, passenger_type,
		       entry_ts, exit_ts, dwell_seconds,
		       city, toda_id, etrike_id, location
		FROM passenger_events
		WHERE entry_ts >= $1
		  AND entry_ts <  $2
		ORDER BY entry_ts
	`, models.UnixSeconds(from), models.UnixSeconds(to))
	if err != nil {
		return nil, classify("store.EventsBetween", err)
	}
	defer rows.Close()

	var out []models.PassengerEvent
	for rows.Next() {
		var ev models.PassengerEvent
		err := rows.Scan(
			&ev.DeviceID, &ev.EventID, &ev.Seq, &ev.PersonID, &ev.PassengerType,
			&ev.EntryTimestamp, &ev.ExitTimestamp, &ev.DwellSeconds,
			&ev.City, &ev.TodaID, &ev.EtrikeID, &ev.Location,
		)
		if err != nil {
			return nil, classify("store.EventsBetween", err)
		}
		if ev.DwellSeconds != nil {
			minutes := math.Round(*ev.DwellSeconds/60*10) / 10
			ev.DwellMinutes = &minutes
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("store.EventsBetween", err)
	}
	return out, nil
}
