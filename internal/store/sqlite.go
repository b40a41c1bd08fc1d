package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/lox/riverrunner/internal/models"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fail("sqlite: open", err)
	}
	// A single connection keeps ":memory:" databases coherent and serialises
	// writers the way SQLite would anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fail("sqlite: "+pragma, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertStation(ctx context.Context, st models.Station) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO station (station_id, source, name, latitude, longitude)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO NOTHING
	`, st.StationID, string(st.Source), st.Name, st.Latitude, st.Longitude)
	return fail("sqlite: upsert station", err)
}

func (s *SQLiteStore) UpsertRun(ctx context.Context, r models.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO river_run (run_id, name, river_name, class_rating, min_level, max_level,
			put_in_latitude, put_in_longitude, take_out_latitude, take_out_longitude, distance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, r.RunID, r.Name, r.RiverName, r.ClassRating, r.MinLevel, r.MaxLevel,
		r.PutInLat, r.PutInLon, r.TakeOutLat, r.TakeOutLon, r.Distance)
	return fail("sqlite: upsert run", err)
}

func (s *SQLiteStore) UpsertMetric(ctx context.Context, m models.Metric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metric (metric_id, name, description, units)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(metric_id) DO NOTHING
	`, m.MetricID, m.Name, m.Description, m.Units)
	return fail("sqlite: upsert metric", err)
}

func (s *SQLiteStore) UpsertStationRunDistance(ctx context.Context, d models.StationRunDistance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO station_river_distance (station_id, run_id, put_in_distance, take_out_distance)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(station_id, run_id) DO UPDATE SET
			put_in_distance = excluded.put_in_distance,
			take_out_distance = excluded.take_out_distance
	`, d.StationID, d.RunID, d.PutInDistance, d.TakeOutDistance)
	return fail("sqlite: upsert station distance", err)
}

func (s *SQLiteStore) InsertMeasurements(ctx context.Context, ms []models.Measurement) (int64, error) {
	if len(ms) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fail("sqlite: insert measurements begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO measurement (station_id, metric_id, date_time, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(station_id, metric_id, date_time) DO NOTHING
	`)
	if err != nil {
		return 0, fail("sqlite: insert measurements prepare", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, m := range ms {
		res, err := stmt.ExecContext(ctx, m.StationID, m.MetricID, unixNano(m.Timestamp), m.Value)
		if err != nil {
			return 0, fail("sqlite: insert measurement", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fail("sqlite: insert measurement rows affected", err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fail("sqlite: insert measurements commit", err)
	}
	return inserted, nil
}

func (s *SQLiteStore) RunExists(ctx context.Context, runID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM river_run WHERE run_id = ?)`, runID).Scan(&exists)
	if err != nil {
		return false, fail("sqlite: run exists", err)
	}
	return exists, nil
}

const runColumns = `run_id, name, river_name, class_rating, COALESCE(min_level, 0), COALESCE(max_level, 0),
	put_in_latitude, put_in_longitude, take_out_latitude, take_out_longitude, COALESCE(distance, 0)`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (models.Run, error) {
	var r models.Run
	err := row.Scan(&r.RunID, &r.Name, &r.RiverName, &r.ClassRating, &r.MinLevel, &r.MaxLevel,
		&r.PutInLat, &r.PutInLon, &r.TakeOutLat, &r.TakeOutLon, &r.Distance)
	return r, err
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID int64) (*models.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM river_run WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fail("sqlite: get run", err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM river_run ORDER BY run_id`)
	if err != nil {
		return nil, fail("sqlite: list runs", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fail("sqlite: scan run", err)
		}
		runs = append(runs, r)
	}
	return runs, fail("sqlite: list runs iterate", rows.Err())
}

func (s *SQLiteStore) ListStations(ctx context.Context) ([]models.Station, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT station_id, source, name, latitude, longitude FROM station ORDER BY station_id`)
	if err != nil {
		return nil, fail("sqlite: list stations", err)
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var st models.Station
		if err := rows.Scan(&st.StationID, &st.Source, &st.Name, &st.Latitude, &st.Longitude); err != nil {
			return nil, fail("sqlite: scan station", err)
		}
		stations = append(stations, st)
	}
	return stations, fail("sqlite: list stations iterate", rows.Err())
}

func (s *SQLiteStore) StationsNearRun(ctx context.Context, runID int64) ([]models.StationDistance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.station_id, s.source, s.name, s.latitude, s.longitude, d.put_in_distance, d.take_out_distance
		FROM station_river_distance d
		JOIN station s ON s.station_id = d.station_id
		WHERE d.run_id = ?
		ORDER BY d.put_in_distance ASC, s.station_id ASC
	`, runID)
	if err != nil {
		return nil, fail("sqlite: stations near run", err)
	}
	defer rows.Close()

	var out []models.StationDistance
	for rows.Next() {
		var sd models.StationDistance
		if err := rows.Scan(&sd.StationID, &sd.Source, &sd.Name, &sd.Latitude, &sd.Longitude, &sd.PutInDistance, &sd.TakeOutDistance); err != nil {
			return nil, fail("sqlite: scan station distance", err)
		}
		out = append(out, sd)
	}
	return out, fail("sqlite: stations near run iterate", rows.Err())
}

func (s *SQLiteStore) MeasurementsFor(ctx context.Context, stationIDs []string, from, to time.Time) ([]models.Measurement, error) {
	if len(stationIDs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(stationIDs)+2)
	for _, id := range stationIDs {
		args = append(args, id)
	}
	args = append(args, unixNano(from), unixNano(to))

	rows, err := s.db.QueryContext(ctx, `
		SELECT station_id, metric_id, date_time, value
		FROM measurement
		WHERE station_id IN (`+placeholders(len(stationIDs))+`)
		  AND date_time >= ? AND date_time < ?
		ORDER BY date_time ASC, station_id ASC, metric_id ASC
	`, args...)
	if err != nil {
		return nil, fail("sqlite: measurements", err)
	}
	defer rows.Close()

	var out []models.Measurement
	for rows.Next() {
		var m models.Measurement
		var ts int64
		if err := rows.Scan(&m.StationID, &m.MetricID, &ts, &m.Value); err != nil {
			return nil, fail("sqlite: scan measurement", err)
		}
		m.Timestamp = fromUnixNano(ts)
		out = append(out, m)
	}
	return out, fail("sqlite: measurements iterate", rows.Err())
}

func (s *SQLiteStore) PredictionsForRun(ctx context.Context, runID int64) ([]models.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, timestamp, fr_lb, fr, fr_ub
		FROM prediction
		WHERE run_id = ?
		ORDER BY timestamp ASC
	`, runID)
	if err != nil {
		return nil, fail("sqlite: predictions for run", err)
	}
	defer rows.Close()

	var out []models.Prediction
	for rows.Next() {
		var p models.Prediction
		var ts int64
		if err := rows.Scan(&p.RunID, &ts, &p.FrLB, &p.Fr, &p.FrUB); err != nil {
			return nil, fail("sqlite: scan prediction", err)
		}
		p.Timestamp = fromUnixNano(ts)
		out = append(out, p)
	}
	return out, fail("sqlite: predictions iterate", rows.Err())
}

func (s *SQLiteStore) ClearPredictions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM prediction`)
	return fail("sqlite: clear predictions", err)
}

func (s *SQLiteStore) ReplaceAllPredictions(ctx context.Context, preds []models.Prediction) error {
	return s.replacePredictions(ctx, "sqlite: replace all predictions", `DELETE FROM prediction`, nil, preds)
}

func (s *SQLiteStore) ReplaceRunPredictions(ctx context.Context, runID int64, preds []models.Prediction) error {
	const op = "sqlite: replace run predictions"
	if err := checkRunRows(runID, preds); err != nil {
		return fail(op, err)
	}
	return s.replacePredictions(ctx, op, `DELETE FROM prediction WHERE run_id = ?`, []any{runID}, preds)
}

func (s *SQLiteStore) replacePredictions(ctx context.Context, op, deleteSQL string, deleteArgs []any, preds []models.Prediction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(op, eris.Wrap(err, "begin"))
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, deleteSQL, deleteArgs...); err != nil {
		return fail(op, eris.Wrap(err, "delete"))
	}

	if len(preds) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO prediction (run_id, timestamp, fr_lb, fr, fr_ub) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fail(op, eris.Wrap(err, "prepare"))
		}
		defer stmt.Close()

		for _, p := range preds {
			if _, err := stmt.ExecContext(ctx, p.RunID, unixNano(p.Timestamp), p.FrLB, p.Fr, p.FrUB); err != nil {
				return fail(op, eris.Wrapf(err, "insert run %d at %s", p.RunID, p.Timestamp.UTC().Format(time.RFC3339)))
			}
		}
	}

	return fail(op, eris.Wrap(tx.Commit(), "commit"))
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Instants are stored as unix nanoseconds so half-open range predicates are
// exact at sub-second bounds.
func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
