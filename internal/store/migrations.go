package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Timestamps are stored as integer unix nanoseconds (UTC); see unixNano.
var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS station (
    station_id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    latitude REAL NOT NULL,
    longitude REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS river_run (
    run_id INTEGER PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    river_name TEXT NOT NULL DEFAULT '',
    class_rating TEXT NOT NULL DEFAULT '',
    min_level REAL,
    max_level REAL,
    put_in_latitude REAL NOT NULL,
    put_in_longitude REAL NOT NULL,
    take_out_latitude REAL NOT NULL,
    take_out_longitude REAL NOT NULL,
    distance REAL
);

CREATE TABLE IF NOT EXISTS station_river_distance (
    station_id TEXT NOT NULL,
    run_id INTEGER NOT NULL,
    put_in_distance REAL NOT NULL,
    take_out_distance REAL NOT NULL,
    PRIMARY KEY (station_id, run_id)
);

CREATE TABLE IF NOT EXISTS metric (
    metric_id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    units TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS measurement (
    station_id TEXT NOT NULL,
    metric_id TEXT NOT NULL,
    date_time INTEGER NOT NULL,
    value REAL NOT NULL,
    PRIMARY KEY (station_id, metric_id, date_time)
);

CREATE TABLE IF NOT EXISTS prediction (
    run_id INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    fr_lb REAL NOT NULL,
    fr REAL NOT NULL,
    fr_ub REAL NOT NULL,
    PRIMARY KEY (run_id, timestamp)
);
`,
	},
	{
		Version:     2,
		Description: "Add proximity and time-window indexes",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_srd_run_distance ON station_river_distance(run_id, put_in_distance);
CREATE INDEX IF NOT EXISTS idx_measurement_time ON measurement(date_time);
`,
	},
	{
		Version:     3,
		Description: "Cycle audit log",
		SQL: `
CREATE TABLE IF NOT EXISTS cycle_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    refresh_ok BOOLEAN NOT NULL DEFAULT FALSE,
    refresh_attempts INTEGER NOT NULL DEFAULT 0,
    runs_succeeded INTEGER NOT NULL DEFAULT 0,
    runs_failed INTEGER NOT NULL DEFAULT 0,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_cycle_runs_started ON cycle_runs(started_at);
`,
	},
	{
		Version:     4,
		Description: "Store timestamps as unix nanoseconds",
		SQL: `
UPDATE measurement SET date_time = date_time * 1000000000;
UPDATE prediction SET timestamp = timestamp * 1000000000;
UPDATE cycle_runs SET started_at = started_at * 1000000000,
    finished_at = finished_at * 1000000000;
`,
	},
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fail("sqlite: ensure migrations table", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return fail("sqlite: get applied migrations", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		zap.L().Info("migrations: applying", zap.Int("version", m.Version), zap.String("description", m.Description))

		if err := s.applyMigration(ctx, m); err != nil {
			return fail("sqlite: migration", eris.Wrapf(err, "version %d", m.Version))
		}
	}

	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return eris.Wrap(err, "execute")
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Description, time.Now().UTC().Unix(),
	); err != nil {
		return eris.Wrap(err, "record")
	}
	return tx.Commit()
}

func (s *SQLiteStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at INTEGER
		)
	`)
	return err
}

func (s *SQLiteStore) appliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// MigrationVersion returns the highest applied schema version, or 0.
func (s *SQLiteStore) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fail("sqlite: migration version", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
