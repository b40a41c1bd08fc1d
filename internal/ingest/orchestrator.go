package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lox/riverrunner/internal/forecast"
	"github.com/lox/riverrunner/internal/metrics"
	"github.com/lox/riverrunner/internal/models"
	"github.com/lox/riverrunner/internal/store"
)

// ErrRefresh matches a RefreshError.
var ErrRefresh = eris.New("refresh failed")

// RefreshError reports that every refresh attempt in a cycle failed.
type RefreshError struct {
	Attempts int
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool { return target == ErrRefresh }

// RunLister supplies the runs a cycle forecasts.
type RunLister interface {
	ListRuns(ctx context.Context) ([]models.Run, error)
}

// CycleRunner is the forecast stage of a cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, runs []models.Run) (forecast.Result, error)
}

// Report summarises one daily cycle.
type Report struct {
	StartedAt       time.Time
	FinishedAt      time.Time
	RefreshAttempts int
	RefreshErr      error
	Forecast        forecast.Result
	// Err is set when the forecast stage could not run at all.
	Err error
}

// Outcome is "ok" when everything succeeded, "failed" when no run was
// forecast, and "partial" otherwise.
func (r Report) Outcome() string {
	switch {
	case r.Err != nil:
		return "failed"
	case r.RefreshErr != nil || len(r.Forecast.Failed) > 0:
		if len(r.Forecast.Succeeded) == 0 && len(r.Forecast.Failed) > 0 {
			return "failed"
		}
		return "partial"
	default:
		return "ok"
	}
}

type Orchestrator struct {
	runs        RunLister
	refresher   Refresher
	forecaster  CycleRunner
	cycles      store.CycleLog
	clock       clockwork.Clock
	maxAttempts int
	retryDelay  time.Duration
}

type OrchestratorOption func(*Orchestrator)

// WithRetry sets the total number of refresh attempts per cycle and the
// fixed delay between them.
func WithRetry(maxAttempts int, delay time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		o.maxAttempts = maxAttempts
		o.retryDelay = delay
	}
}

// WithCycleLog records every cycle in the audit table.
func WithCycleLog(log store.CycleLog) OrchestratorOption {
	return func(o *Orchestrator) { o.cycles = log }
}

func WithOrchestratorClock(clock clockwork.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

func NewOrchestrator(runs RunLister, refresher Refresher, forecaster CycleRunner, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		runs:        runs,
		refresher:   refresher,
		forecaster:  forecaster,
		clock:       clockwork.NewRealClock(),
		maxAttempts: 3,
		retryDelay:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.refresher == nil {
		o.refresher = NopRefresher{}
	}
	return o
}

// RunCycle refreshes observations and then forecasts every run. It never
// returns an error or panics; failures are logged and reported.
func (o *Orchestrator) RunCycle(ctx context.Context) (report Report) {
	report.StartedAt = o.clock.Now().UTC()
	zap.L().Info("orchestrator: cycle started", zap.Time("started_at", report.StartedAt))

	audit := o.startAudit(ctx, report.StartedAt)

	defer func() {
		if r := recover(); r != nil {
			report.Err = eris.Errorf("orchestrator: panic: %v", r)
			zap.L().Error("orchestrator: cycle panicked", zap.Any("panic", r))
		}
		report.FinishedAt = o.clock.Now().UTC()
		o.finishAudit(ctx, audit, report)
		metrics.Cycles.WithLabelValues(report.Outcome()).Inc()
		zap.L().Info("orchestrator: cycle finished",
			zap.String("outcome", report.Outcome()),
			zap.Int("refresh_attempts", report.RefreshAttempts),
			zap.Int("succeeded", len(report.Forecast.Succeeded)),
			zap.Int("failed", len(report.Forecast.Failed)),
			zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		)
	}()

	report.RefreshAttempts, report.RefreshErr = o.refresh(ctx)
	if report.RefreshErr != nil {
		zap.L().Error("orchestrator: refresh exhausted, forecasting on existing data",
			zap.Time("at", o.clock.Now().UTC()),
			zap.Error(report.RefreshErr),
		)
	}

	runs, err := o.runs.ListRuns(ctx)
	if err != nil {
		report.Err = eris.Wrap(err, "orchestrator: list runs")
		zap.L().Error("orchestrator: list runs failed", zap.Error(err))
		return report
	}

	res, err := o.forecaster.RunCycle(ctx, runs)
	report.Forecast = res
	if err != nil {
		report.Err = err
		zap.L().Error("orchestrator: forecast stage failed", zap.Error(err))
	}
	return report
}

func (o *Orchestrator) refresh(ctx context.Context) (int, error) {
	attempts := 0
	operation := func() (err error) {
		attempts++
		defer func() {
			if r := recover(); r != nil {
				err = eris.Errorf("refresh panic: %v", r)
			}
			status := "ok"
			if err != nil {
				status = "error"
			}
			metrics.RefreshAttempts.WithLabelValues(status).Inc()
		}()
		return o.refresher.Refresh(ctx)
	}

	notify := func(err error, next time.Duration) {
		zap.L().Warn("orchestrator: refresh attempt failed",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", o.maxAttempts),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.retryDelay), uint64(o.maxAttempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return attempts, &RefreshError{Attempts: attempts, Err: err}
	}
	return attempts, nil
}

func (o *Orchestrator) startAudit(ctx context.Context, startedAt time.Time) *models.CycleRun {
	if o.cycles == nil {
		return nil
	}
	c, err := o.cycles.StartCycle(ctx, startedAt)
	if err != nil {
		zap.L().Warn("orchestrator: failed to record cycle start", zap.Error(err))
		return nil
	}
	return c
}

func (o *Orchestrator) finishAudit(ctx context.Context, c *models.CycleRun, report Report) {
	if c == nil {
		return
	}
	c.FinishedAt = report.FinishedAt
	c.RefreshOK = report.RefreshErr == nil
	c.RefreshAttempts = report.RefreshAttempts
	c.RunsSucceeded = len(report.Forecast.Succeeded)
	c.RunsFailed = len(report.Forecast.Failed)
	switch {
	case report.Err != nil:
		c.ErrorMessage = report.Err.Error()
	case report.RefreshErr != nil:
		c.ErrorMessage = report.RefreshErr.Error()
	}
	// The cycle context may already be cancelled; the audit row still lands.
	if err := o.cycles.CompleteCycle(context.WithoutCancel(ctx), c); err != nil {
		zap.L().Warn("orchestrator: failed to record cycle completion", zap.Error(err))
	}
}
