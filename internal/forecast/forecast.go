// Package forecast computes per-run flow forecasts and caches them as
// predictions, isolating failures to the run that caused them.
package forecast

import (
	"context"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lox/riverrunner/internal/models"
)

// ErrForecast matches any *ForecastError.
var ErrForecast = eris.New("forecast failed")

// ForecastError reports a forecasting failure for a single run.
type ForecastError struct {
	RunID int64
	Err   error
}

func (e *ForecastError) Error() string {
	return fmt.Sprintf("forecast run %d: %v", e.RunID, e.Err)
}

func (e *ForecastError) Unwrap() error { return e.Err }

func (e *ForecastError) Is(target error) bool { return target == ErrForecast }

// Forecaster produces point estimates for a run. The returned sequence is
// finite, ordered by time and consumed once. Forecasters must not write to
// the store.
type Forecaster interface {
	Forecast(ctx context.Context, runID int64) (iter.Seq2[time.Time, float64], error)
}

type ForecasterFunc func(ctx context.Context, runID int64) (iter.Seq2[time.Time, float64], error)

func (f ForecasterFunc) Forecast(ctx context.Context, runID int64) (iter.Seq2[time.Time, float64], error) {
	return f(ctx, runID)
}

// Normalize turns a point estimate into a prediction. The bounds collapse
// to the estimate rounded to one decimal place, half away from zero.
func Normalize(runID int64, ts time.Time, estimate float64) models.Prediction {
	v := math.Round(estimate*10) / 10
	return models.Prediction{RunID: runID, Timestamp: ts.UTC(), FrLB: v, Fr: v, FrUB: v}
}
