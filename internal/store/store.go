package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lox/riverrunner/internal/models"
)

// Error is returned for any connectivity or integrity failure in the
// persistence layer. Op names the failing operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// fail wraps err as a *Error, passing nil through.
func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: eris.Wrap(err, op)}
}

// Gateway is the query surface the retrieval and forecast layers depend on.
type Gateway interface {
	RunExists(ctx context.Context, runID int64) (bool, error)
	// StationsNearRun returns every station with a distance row for the run,
	// ascending by put-in distance, ties broken by station id.
	StationsNearRun(ctx context.Context, runID int64) ([]models.StationDistance, error)
	// MeasurementsFor returns measurements of the given stations with
	// timestamps in [from, to).
	MeasurementsFor(ctx context.Context, stationIDs []string, from, to time.Time) ([]models.Measurement, error)

	// ReplaceAllPredictions deletes every prediction and inserts preds in one
	// transaction.
	ReplaceAllPredictions(ctx context.Context, preds []models.Prediction) error
	// ReplaceRunPredictions deletes the run's predictions and inserts preds in
	// one transaction. Every row must belong to runID.
	ReplaceRunPredictions(ctx context.Context, runID int64, preds []models.Prediction) error
	ClearPredictions(ctx context.Context) error
}

// Reader serves the presentation read contract.
type Reader interface {
	ListRuns(ctx context.Context) ([]models.Run, error)
	// GetRun returns nil, nil when the run does not exist.
	GetRun(ctx context.Context, runID int64) (*models.Run, error)
	ListStations(ctx context.Context) ([]models.Station, error)
	PredictionsForRun(ctx context.Context, runID int64) ([]models.Prediction, error)
}

// Writer is the ingestion side of the store. Stations, runs and metrics are
// immutable once created; re-inserting them is a no-op.
type Writer interface {
	UpsertStation(ctx context.Context, st models.Station) error
	UpsertRun(ctx context.Context, run models.Run) error
	UpsertMetric(ctx context.Context, m models.Metric) error
	UpsertStationRunDistance(ctx context.Context, d models.StationRunDistance) error
	// InsertMeasurements is idempotent on (station, metric, timestamp) and
	// returns the number of rows that were new.
	InsertMeasurements(ctx context.Context, ms []models.Measurement) (int64, error)
}

type Store interface {
	Gateway
	Reader
	Writer
	CycleLog

	Migrate(ctx context.Context) error
	MigrationVersion(ctx context.Context) (int, error)
	Close() error
}

// Config selects and configures a Store implementation.
type Config struct {
	Driver   string `help:"Storage driver (sqlite or postgres)." enum:"sqlite,postgres" default:"sqlite"`
	DSN      string `help:"Database path or connection string." default:"data/riverrunner.db"`
	MaxConns int32  `help:"Postgres pool max connections." default:"10"`
	MinConns int32  `help:"Postgres pool min connections." default:"2"`
}

// Open returns the configured Store. The caller must Close it.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func checkRunRows(runID int64, preds []models.Prediction) error {
	for _, p := range preds {
		if p.RunID != runID {
			return eris.Errorf("prediction for run %d in replace of run %d", p.RunID, runID)
		}
	}
	return nil
}
