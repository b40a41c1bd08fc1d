package forecast

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/riverrunner/internal/models"
	"github.com/lox/riverrunner/internal/retrieval"
)

// SeriesSource returns one metric's measurements for a run, sorted by time.
type SeriesSource interface {
	Series(ctx context.Context, runID int64, metricID string, q retrieval.Query) ([]models.Measurement, error)
}

// TrendForecaster fits a linear trend to a run's daily mean flow and
// extrapolates it one point per day.
type TrendForecaster struct {
	source   SeriesSource
	metricID string
	lookback time.Duration
	horizon  int
	clock    clockwork.Clock
}

func NewTrendForecaster(source SeriesSource, lookback time.Duration, horizon int, clock clockwork.Clock) *TrendForecaster {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TrendForecaster{
		source:   source,
		metricID: models.MetricDischarge,
		lookback: lookback,
		horizon:  horizon,
		clock:    clock,
	}
}

// DailyMean is the average of one UTC day's measurements.
type DailyMean struct {
	Day   time.Time
	Value float64
}

// DailyMeans buckets measurements by UTC day, ascending.
func DailyMeans(ms []models.Measurement) []DailyMean {
	buckets := make(map[time.Time][]float64)
	for _, m := range ms {
		day := m.Timestamp.UTC().Truncate(24 * time.Hour)
		buckets[day] = append(buckets[day], m.Value)
	}

	out := make([]DailyMean, 0, len(buckets))
	for day, values := range buckets {
		out = append(out, DailyMean{Day: day, Value: stat.Mean(values, nil)})
	}
	slices.SortFunc(out, func(a, b DailyMean) int { return a.Day.Compare(b.Day) })
	return out
}

func (f *TrendForecaster) Forecast(ctx context.Context, runID int64) (iter.Seq2[time.Time, float64], error) {
	start := f.clock.Now().Add(-f.lookback)
	series, err := f.source.Series(ctx, runID, f.metricID, retrieval.Query{Start: &start})
	if err != nil {
		return nil, err
	}

	days := DailyMeans(series)
	if len(days) < 2 {
		return nil, eris.Errorf("%d days of %s observations, need at least 2", len(days), f.metricID)
	}

	first := days[0].Day
	xs := make([]float64, len(days))
	ys := make([]float64, len(days))
	for i, d := range days {
		xs[i] = d.Day.Sub(first).Hours() / 24
		ys[i] = d.Value
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	last := days[len(days)-1].Day

	return func(yield func(time.Time, float64) bool) {
		for i := 1; i <= f.horizon; i++ {
			day := last.AddDate(0, 0, i)
			x := day.Sub(first).Hours() / 24
			if !yield(day, max(alpha+beta*x, 0)) {
				return
			}
		}
	}, nil
}
