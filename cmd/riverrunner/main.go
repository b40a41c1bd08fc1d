package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lox/riverrunner/internal/api"
	"github.com/lox/riverrunner/internal/catalog"
	"github.com/lox/riverrunner/internal/config"
	"github.com/lox/riverrunner/internal/forecast"
	"github.com/lox/riverrunner/internal/ingest"
	"github.com/lox/riverrunner/internal/models"
	"github.com/lox/riverrunner/internal/retrieval"
	"github.com/lox/riverrunner/internal/store"
)

type CLI struct {
	Store     store.Config           `embed:"" prefix:"store-"`
	Log       config.LogConfig       `embed:"" prefix:"log-"`
	Retrieval config.RetrievalConfig `embed:"" prefix:"retrieval-"`
	Forecast  config.ForecastConfig  `embed:"" prefix:"forecast-"`

	Migrate      MigrateCmd      `cmd:"" help:"Apply database migrations."`
	Import       ImportCmd       `cmd:"" help:"Import stations, metrics and runs from a YAML catalog."`
	Distances    DistancesCmd    `cmd:"" help:"Recompute station-to-run distances."`
	Measurements MeasurementsCmd `cmd:"" help:"Print measurements near a run as JSON lines."`
	ForecastRun  ForecastCmd     `cmd:"" name:"forecast" help:"Run one forecast cycle without refreshing."`
	Daily        DailyCmd        `cmd:"" help:"Run one refresh-and-forecast cycle."`
	Serve        ServeCmd        `cmd:"" help:"Serve the API and run the daily cycle on a schedule."`
}

func (c *CLI) Validate() error {
	return c.Retrieval.Validate()
}

// app carries state shared by every command.
type app struct {
	ctx context.Context
	cli *CLI
}

func (a *app) openStore() (store.Store, error) {
	st, err := store.Open(a.ctx, a.cli.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(a.ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func (a *app) retriever(st store.Store) *retrieval.Retriever {
	lookup := catalog.NewCachedLookup(st, a.cli.Retrieval.CacheTTL, nil)
	return retrieval.NewRetriever(st,
		retrieval.WithLookup(lookup),
		retrieval.WithWindow(a.cli.Retrieval.Lookback),
	)
}

func (a *app) pipeline(st store.Store, r *retrieval.Retriever) *forecast.Pipeline {
	trend := forecast.NewTrendForecaster(r, a.cli.Retrieval.Lookback, a.cli.Forecast.Horizon, nil)
	return forecast.NewPipeline(st, trend,
		forecast.WithConcurrency(a.cli.Forecast.Concurrency),
		forecast.WithAtomic(a.cli.Forecast.Atomic),
	)
}

func (a *app) orchestrator(st store.Store, refresh config.RefreshConfig) *ingest.Orchestrator {
	var refresher ingest.Refresher = ingest.NopRefresher{}
	if args := refresh.Args(); len(args) > 0 {
		refresher = ingest.NewCommandRefresher(args, st, nil)
	} else {
		zap.L().Warn("no refresh command configured, forecasting on stored observations")
	}
	return ingest.NewOrchestrator(st, refresher, a.pipeline(st, a.retriever(st)),
		ingest.WithRetry(refresh.MaxAttempts, refresh.RetryDelay),
		ingest.WithCycleLog(st),
	)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	version, err := st.MigrationVersion(a.ctx)
	if err != nil {
		return err
	}
	zap.L().Info("database migrated",
		zap.String("driver", a.cli.Store.Driver),
		zap.Int("schema_version", version))
	return nil
}

type ImportCmd struct {
	File        string  `arg:"" help:"Catalog YAML file." type:"existingfile"`
	MaxDistance float64 `help:"Only link stations within this many km of a put-in (0 links all)." default:"50"`
}

func (c *ImportCmd) Run(a *app) error {
	f, err := catalog.Load(c.File)
	if err != nil {
		return err
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	_, err = catalog.Import(a.ctx, st, f, c.MaxDistance)
	return err
}

type DistancesCmd struct {
	MaxDistance float64 `help:"Only link stations within this many km of a put-in (0 links all)." default:"50"`
}

func (c *DistancesCmd) Run(a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(a.ctx)
	if err != nil {
		return err
	}
	stations, err := st.ListStations(a.ctx)
	if err != nil {
		return err
	}

	ds := catalog.Distances(runs, stations, c.MaxDistance)
	for _, d := range ds {
		if err := st.UpsertStationRunDistance(a.ctx, d); err != nil {
			return err
		}
	}
	zap.L().Info("distances computed", zap.Int("runs", len(runs)), zap.Int("stations", len(stations)), zap.Int("distances", len(ds)))
	return nil
}

type MeasurementsCmd struct {
	RunID       int64      `arg:"" name:"run-id" help:"Run to retrieve measurements for."`
	Start       *time.Time `help:"Window start (RFC3339)."`
	End         *time.Time `help:"Window end (RFC3339)."`
	MinDistance float64    `help:"Include every station closer than this many km instead of one per source."`
	Metric      string     `help:"Only this metric, in time order."`
}

func (c *MeasurementsCmd) Run(a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	r := a.retriever(st)
	q := retrieval.Query{Start: c.Start, End: c.End, MinDistance: c.MinDistance}

	var ms []models.Measurement
	if c.Metric != "" {
		ms, err = r.Series(a.ctx, c.RunID, c.Metric, q)
	} else {
		ms, err = r.GetMeasurements(a.ctx, c.RunID, q)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, m := range ms {
		if err := enc.Encode(m); err != nil {
			return eris.Wrap(err, "write measurement")
		}
	}
	return nil
}

type ForecastCmd struct{}

func (c *ForecastCmd) Run(a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(a.ctx)
	if err != nil {
		return err
	}
	res, err := a.pipeline(st, a.retriever(st)).RunCycle(a.ctx, runs)
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 && len(res.Succeeded) == 0 {
		return eris.Errorf("forecast failed for all %d runs", len(res.Failed))
	}
	return nil
}

type DailyCmd struct {
	Refresh config.RefreshConfig `embed:"" prefix:"refresh-"`
}

func (c *DailyCmd) Run(a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	report := a.orchestrator(st, c.Refresh).RunCycle(a.ctx)
	if report.Outcome() == "failed" {
		return eris.New("daily cycle failed")
	}
	return nil
}

type ServeCmd struct {
	Refresh  config.RefreshConfig  `embed:"" prefix:"refresh-"`
	Schedule config.ScheduleConfig `embed:"" prefix:"schedule-"`
	HTTP     config.HTTPConfig     `embed:"" prefix:"http-"`
	NoCycle  bool                  `help:"Serve the API only; do not schedule cycles."`
}

func (c *ServeCmd) Run(a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var sched *ingest.Scheduler
	if !c.NoCycle {
		loc, err := c.Schedule.Location()
		if err != nil {
			return err
		}
		sched, err = ingest.NewScheduler(a.orchestrator(st, c.Refresh), c.Schedule.Cron, loc, c.Schedule.RunOnStart)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(a.ctx)

	server := api.NewServer(st, a.retriever(st), c.HTTP.Addr)
	g.Go(func() error { return server.Run(ctx) })

	if sched != nil {
		g.Go(func() error {
			sched.Run(ctx)
			return nil
		})
	}

	return g.Wait()
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		zap.L().Warn("load .env", zap.Error(err))
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("riverrunner"),
		kong.Description("River run flow forecasting service."),
		kong.UsageOnError(),
		kong.DefaultEnvars(config.EnvPrefix),
	)

	if err := config.InitLogger(cli.Log); err != nil {
		kctx.FatalIfErrorf(err)
	}
	defer zap.L().Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := kctx.Run(&app{ctx: ctx, cli: &cli})
	if err != nil {
		zap.L().Error("command failed", zap.String("command", kctx.Command()), zap.Error(err))
		stop()
		os.Exit(1)
	}
}
