package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultSchedule runs the daily cycle at 06:00.
const DefaultSchedule = "0 6 * * *"

// Cycle is the job the scheduler fires.
type Cycle interface {
	RunCycle(ctx context.Context) Report
}

// Scheduler fires a Cycle on a cron schedule. A firing that arrives while
// the previous cycle is still running is skipped.
type Scheduler struct {
	cycle    Cycle
	schedule cron.Schedule
	loc      *time.Location
	runNow   bool
}

func NewScheduler(cycle Cycle, spec string, loc *time.Location, runOnStart bool) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if loc == nil {
		loc = time.UTC
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: parse %q", spec)
	}
	return &Scheduler{cycle: cycle, schedule: schedule, loc: loc, runNow: runOnStart}, nil
}

// Next returns the first firing after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// Run blocks until ctx is done, then waits for any running cycle.
func (s *Scheduler) Run(ctx context.Context) {
	logger := cronLogger{l: zap.L()}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	job := c.Schedule(s.schedule, cron.FuncJob(func() {
		s.cycle.RunCycle(ctx)
	}))

	c.Start()
	zap.L().Info("scheduler: started", zap.Time("next", c.Entry(job).Next))

	var wg sync.WaitGroup
	if s.runNow {
		// Share the skip-if-running guard with scheduled firings.
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Entry(job).WrappedJob.Run()
		}()
	}

	<-ctx.Done()
	zap.L().Info("scheduler: stopping")
	<-c.Stop().Done()
	wg.Wait()
}

type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
