package forecast

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lox/riverrunner/internal/metrics"
	"github.com/lox/riverrunner/internal/models"
)

// Store is the prediction cache the pipeline writes to.
type Store interface {
	ClearPredictions(ctx context.Context) error
	ReplaceRunPredictions(ctx context.Context, runID int64, preds []models.Prediction) error
	ReplaceAllPredictions(ctx context.Context, preds []models.Prediction) error
}

type Pipeline struct {
	store       Store
	forecaster  Forecaster
	concurrency int
	atomic      bool
}

type Option func(*Pipeline)

// WithConcurrency forecasts up to n runs at once. The global clear always
// completes before any run is written.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithAtomic commits every successful run in one ReplaceAllPredictions at
// the end of the cycle instead of clearing first, so readers never see an
// empty cache.
func WithAtomic(atomic bool) Option {
	return func(p *Pipeline) { p.atomic = atomic }
}

func NewPipeline(store Store, forecaster Forecaster, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, forecaster: forecaster, concurrency: 1}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result reports which runs were cached. Both slices are sorted.
type Result struct {
	Succeeded []int64
	Failed    []int64
	Errors    map[int64]error
}

// RunCycle forecasts every run and replaces the cached predictions. A
// failing run is logged and recorded in Result; it never stops the cycle.
// The only error returned is a failure of the initial clear.
func (p *Pipeline) RunCycle(ctx context.Context, runs []models.Run) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.ForecastCycleDuration.Observe(time.Since(start).Seconds())
	}()

	if !p.atomic {
		if err := p.store.ClearPredictions(ctx); err != nil {
			return Result{}, eris.Wrap(err, "forecast: clear predictions")
		}
	}

	var (
		mu      sync.Mutex
		res     = Result{Errors: make(map[int64]error)}
		pending []models.Prediction
	)

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)

	for _, run := range runs {
		runID := run.RunID
		g.Go(func() error {
			preds, err := p.runOne(ctx, runID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, runID)
				res.Errors[runID] = err
				zap.L().Warn("forecast: run failed", zap.Int64("run_id", runID), zap.Error(err))
				return nil
			}
			res.Succeeded = append(res.Succeeded, runID)
			if p.atomic {
				pending = append(pending, preds...)
			} else {
				metrics.PredictionsWritten.Add(float64(len(preds)))
			}
			return nil
		})
	}
	_ = g.Wait()

	if p.atomic {
		p.commitAll(ctx, &res, pending)
	}

	slices.Sort(res.Succeeded)
	slices.Sort(res.Failed)
	metrics.ForecastRuns.WithLabelValues("ok").Add(float64(len(res.Succeeded)))
	metrics.ForecastRuns.WithLabelValues("failed").Add(float64(len(res.Failed)))

	zap.L().Info("forecast: cycle complete",
		zap.Int("succeeded", len(res.Succeeded)),
		zap.Int("failed", len(res.Failed)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// runOne forecasts and normalizes a run, writing it unless the pipeline is
// atomic. Panics from the forecaster or the store are recovered as errors.
func (p *Pipeline) runOne(ctx context.Context, runID int64) (preds []models.Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			preds = nil
			err = &ForecastError{RunID: runID, Err: eris.Errorf("panic: %v", r)}
		}
	}()

	seq, err := p.forecaster.Forecast(ctx, runID)
	if err != nil {
		return nil, &ForecastError{RunID: runID, Err: err}
	}

	for ts, estimate := range seq {
		if math.IsNaN(estimate) || math.IsInf(estimate, 0) {
			return nil, &ForecastError{RunID: runID, Err: eris.Errorf("non-finite estimate at %s", ts.UTC().Format(time.RFC3339))}
		}
		preds = append(preds, Normalize(runID, ts, estimate))
	}

	if p.atomic {
		return preds, nil
	}
	if err := p.store.ReplaceRunPredictions(ctx, runID, preds); err != nil {
		return nil, err
	}
	return preds, nil
}

// commitAll writes the collected rows of an atomic cycle. If the commit
// fails every run is marked failed and the cache is cleared so no stale
// rows outlive the cycle.
func (p *Pipeline) commitAll(ctx context.Context, res *Result, preds []models.Prediction) {
	err := p.store.ReplaceAllPredictions(ctx, preds)
	if err == nil {
		metrics.PredictionsWritten.Add(float64(len(preds)))
		return
	}

	zap.L().Error("forecast: atomic commit failed", zap.Int("runs", len(res.Succeeded)), zap.Error(err))
	for _, runID := range res.Succeeded {
		res.Failed = append(res.Failed, runID)
		res.Errors[runID] = err
	}
	res.Succeeded = nil

	if clearErr := p.store.ClearPredictions(ctx); clearErr != nil {
		zap.L().Error("forecast: clear after failed commit", zap.Error(clearErr))
	}
}
