package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/lox/riverrunner/internal/models"
)

// Pool is the subset of *pgxpool.Pool used by PostgresStore. pgxmock pools
// satisfy it too.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fail("postgres: parse config", err)
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fail("postgres: create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fail("postgres: ping", err)
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS station (
	station_id TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	latitude   DOUBLE PRECISION NOT NULL,
	longitude  DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS river_run (
	run_id             BIGINT PRIMARY KEY,
	name               TEXT NOT NULL DEFAULT '',
	river_name         TEXT NOT NULL DEFAULT '',
	class_rating       TEXT NOT NULL DEFAULT '',
	min_level          DOUBLE PRECISION,
	max_level          DOUBLE PRECISION,
	put_in_latitude    DOUBLE PRECISION NOT NULL,
	put_in_longitude   DOUBLE PRECISION NOT NULL,
	take_out_latitude  DOUBLE PRECISION NOT NULL,
	take_out_longitude DOUBLE PRECISION NOT NULL,
	distance           DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS station_river_distance (
	station_id        TEXT NOT NULL,
	run_id            BIGINT NOT NULL,
	put_in_distance   DOUBLE PRECISION NOT NULL,
	take_out_distance DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (station_id, run_id)
);

CREATE TABLE IF NOT EXISTS metric (
	metric_id   TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	units       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS measurement (
	station_id TEXT NOT NULL,
	metric_id  TEXT NOT NULL,
	date_time  TIMESTAMPTZ NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (station_id, metric_id, date_time)
);

CREATE TABLE IF NOT EXISTS prediction (
	run_id    BIGINT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	fr_lb     DOUBLE PRECISION NOT NULL,
	fr        DOUBLE PRECISION NOT NULL,
	fr_ub     DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, timestamp)
);

CREATE TABLE IF NOT EXISTS cycle_runs (
	id               BIGSERIAL PRIMARY KEY,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ,
	refresh_ok       BOOLEAN NOT NULL DEFAULT FALSE,
	refresh_attempts INTEGER NOT NULL DEFAULT 0,
	runs_succeeded   INTEGER NOT NULL DEFAULT 0,
	runs_failed      INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT
);

CREATE INDEX IF NOT EXISTS idx_cycle_runs_started ON cycle_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_srd_run_distance ON station_river_distance(run_id, put_in_distance);
CREATE INDEX IF NOT EXISTS idx_measurement_time ON measurement(date_time);

CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// postgresSchemaVersion is the SQLite migration level the Postgres schema matches.
const postgresSchemaVersion = 4

func (s *PostgresStore) Migrate(ctx context.Context) error {
	const op = "postgres: migrate"
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return fail(op, err)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
		postgresSchemaVersion)
	return fail(op, err)
}

// MigrationVersion returns the highest applied schema version, or 0.
func (s *PostgresStore) MigrationVersion(ctx context.Context) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fail("postgres: migration version", err)
	}
	return version, nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertStation(ctx context.Context, st models.Station) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO station (station_id, source, name, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (station_id) DO NOTHING`,
		st.StationID, string(st.Source), st.Name, st.Latitude, st.Longitude)
	return fail("postgres: upsert station", err)
}

func (s *PostgresStore) UpsertRun(ctx context.Context, r models.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO river_run (run_id, name, river_name, class_rating, min_level, max_level,
			put_in_latitude, put_in_longitude, take_out_latitude, take_out_longitude, distance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id) DO NOTHING`,
		r.RunID, r.Name, r.RiverName, r.ClassRating, r.MinLevel, r.MaxLevel,
		r.PutInLat, r.PutInLon, r.TakeOutLat, r.TakeOutLon, r.Distance)
	return fail("postgres: upsert run", err)
}

func (s *PostgresStore) UpsertMetric(ctx context.Context, m models.Metric) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metric (metric_id, name, description, units)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (metric_id) DO NOTHING`,
		m.MetricID, m.Name, m.Description, m.Units)
	return fail("postgres: upsert metric", err)
}

func (s *PostgresStore) UpsertStationRunDistance(ctx context.Context, d models.StationRunDistance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO station_river_distance (station_id, run_id, put_in_distance, take_out_distance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (station_id, run_id) DO UPDATE SET
			put_in_distance = EXCLUDED.put_in_distance,
			take_out_distance = EXCLUDED.take_out_distance`,
		d.StationID, d.RunID, d.PutInDistance, d.TakeOutDistance)
	return fail("postgres: upsert station distance", err)
}

func (s *PostgresStore) InsertMeasurements(ctx context.Context, ms []models.Measurement) (int64, error) {
	if len(ms) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fail("postgres: insert measurements begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var inserted int64
	for _, m := range ms {
		tag, err := tx.Exec(ctx, `
			INSERT INTO measurement (station_id, metric_id, date_time, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (station_id, metric_id, date_time) DO NOTHING`,
			m.StationID, m.MetricID, m.Timestamp.UTC(), m.Value)
		if err != nil {
			return 0, fail("postgres: insert measurement", err)
		}
		inserted += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fail("postgres: insert measurements commit", err)
	}
	return inserted, nil
}

func (s *PostgresStore) RunExists(ctx context.Context, runID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM river_run WHERE run_id = $1)`, runID).Scan(&exists)
	if err != nil {
		return false, fail("postgres: run exists", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID int64) (*models.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM river_run WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail("postgres: get run", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM river_run ORDER BY run_id`)
	if err != nil {
		return nil, fail("postgres: list runs", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fail("postgres: scan run", err)
		}
		runs = append(runs, r)
	}
	return runs, fail("postgres: list runs iterate", rows.Err())
}

func (s *PostgresStore) ListStations(ctx context.Context) ([]models.Station, error) {
	rows, err := s.pool.Query(ctx, `SELECT station_id, source, name, latitude, longitude FROM station ORDER BY station_id`)
	if err != nil {
		return nil, fail("postgres: list stations", err)
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var st models.Station
		var source string
		if err := rows.Scan(&st.StationID, &source, &st.Name, &st.Latitude, &st.Longitude); err != nil {
			return nil, fail("postgres: scan station", err)
		}
		st.Source = models.Source(source)
		stations = append(stations, st)
	}
	return stations, fail("postgres: list stations iterate", rows.Err())
}

func (s *PostgresStore) StationsNearRun(ctx context.Context, runID int64) ([]models.StationDistance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.station_id, s.source, s.name, s.latitude, s.longitude, d.put_in_distance, d.take_out_distance
		FROM station_river_distance d
		JOIN station s ON s.station_id = d.station_id
		WHERE d.run_id = $1
		ORDER BY d.put_in_distance ASC, s.station_id ASC`, runID)
	if err != nil {
		return nil, fail("postgres: stations near run", err)
	}
	defer rows.Close()

	var out []models.StationDistance
	for rows.Next() {
		var sd models.StationDistance
		var source string
		if err := rows.Scan(&sd.StationID, &source, &sd.Name, &sd.Latitude, &sd.Longitude, &sd.PutInDistance, &sd.TakeOutDistance); err != nil {
			return nil, fail("postgres: scan station distance", err)
		}
		sd.Source = models.Source(source)
		out = append(out, sd)
	}
	return out, fail("postgres: stations near run iterate", rows.Err())
}

func (s *PostgresStore) MeasurementsFor(ctx context.Context, stationIDs []string, from, to time.Time) ([]models.Measurement, error) {
	if len(stationIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT station_id, metric_id, date_time, value
		FROM measurement
		WHERE station_id = ANY($1) AND date_time >= $2 AND date_time < $3
		ORDER BY date_time ASC, station_id ASC, metric_id ASC`,
		stationIDs, from.UTC(), to.UTC())
	if err != nil {
		return nil, fail("postgres: measurements", err)
	}
	defer rows.Close()

	var out []models.Measurement
	for rows.Next() {
		var m models.Measurement
		if err := rows.Scan(&m.StationID, &m.MetricID, &m.Timestamp, &m.Value); err != nil {
			return nil, fail("postgres: scan measurement", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, fail("postgres: measurements iterate", rows.Err())
}

func (s *PostgresStore) PredictionsForRun(ctx context.Context, runID int64) ([]models.Prediction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, timestamp, fr_lb, fr, fr_ub
		FROM prediction
		WHERE run_id = $1
		ORDER BY timestamp ASC`, runID)
	if err != nil {
		return nil, fail("postgres: predictions for run", err)
	}
	defer rows.Close()

	var out []models.Prediction
	for rows.Next() {
		var p models.Prediction
		if err := rows.Scan(&p.RunID, &p.Timestamp, &p.FrLB, &p.Fr, &p.FrUB); err != nil {
			return nil, fail("postgres: scan prediction", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		out = append(out, p)
	}
	return out, fail("postgres: predictions iterate", rows.Err())
}

func (s *PostgresStore) ClearPredictions(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM prediction`)
	return fail("postgres: clear predictions", err)
}

func (s *PostgresStore) ReplaceAllPredictions(ctx context.Context, preds []models.Prediction) error {
	return s.replacePredictions(ctx, "postgres: replace all predictions", `DELETE FROM prediction`, nil, preds)
}

func (s *PostgresStore) ReplaceRunPredictions(ctx context.Context, runID int64, preds []models.Prediction) error {
	const op = "postgres: replace run predictions"
	if err := checkRunRows(runID, preds); err != nil {
		return fail(op, err)
	}
	return s.replacePredictions(ctx, op, `DELETE FROM prediction WHERE run_id = $1`, []any{runID}, preds)
}

func (s *PostgresStore) replacePredictions(ctx context.Context, op, deleteSQL string, deleteArgs []any, preds []models.Prediction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(op, eris.Wrap(err, "begin"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, deleteSQL, deleteArgs...); err != nil {
		return fail(op, eris.Wrap(err, "delete"))
	}

	for _, p := range preds {
		if _, err := tx.Exec(ctx,
			`INSERT INTO prediction (run_id, timestamp, fr_lb, fr, fr_ub) VALUES ($1, $2, $3, $4, $5)`,
			p.RunID, p.Timestamp.UTC(), p.FrLB, p.Fr, p.FrUB,
		); err != nil {
			return fail(op, eris.Wrapf(err, "insert run %d at %s", p.RunID, p.Timestamp.UTC().Format(time.RFC3339)))
		}
	}

	return fail(op, eris.Wrap(tx.Commit(ctx), "commit"))
}
