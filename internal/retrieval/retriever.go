package retrieval

import (
	"context"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/lox/riverrunner/internal/catalog"
	"github.com/lox/riverrunner/internal/models"
)

var (
	// ErrInvalidRun is returned when the referenced run does not exist.
	ErrInvalidRun = eris.New("invalid run")
	// ErrInvalidDateRange is returned when a query's dates are out of order,
	// in the future, or an end is given without a start.
	ErrInvalidDateRange = eris.New("invalid date range")
)

// DefaultWindow is how far back retrieval looks when no start is given.
const DefaultWindow = 30 * 24 * time.Hour

// Gateway is the part of the store the retriever reads from.
type Gateway interface {
	catalog.Lookup
	MeasurementsFor(ctx context.Context, stationIDs []string, from, to time.Time) ([]models.Measurement, error)
}

// Query narrows a retrieval. Nil dates take their defaults; a MinDistance
// of zero selects the nearest station of each source.
type Query struct {
	Start       *time.Time
	End         *time.Time
	MinDistance float64
}

type Retriever struct {
	gw       Gateway
	lookup   catalog.Lookup
	selector *Selector
	clock    clockwork.Clock
	window   time.Duration
}

type Option func(*Retriever)

// WithClock sets the source of "now".
func WithClock(c clockwork.Clock) Option {
	return func(r *Retriever) { r.clock = c }
}

// WithLookup routes run and station lookups through l, typically a
// catalog.CachedLookup.
func WithLookup(l catalog.Lookup) Option {
	return func(r *Retriever) { r.lookup = l }
}

func WithWindow(d time.Duration) Option {
	return func(r *Retriever) { r.window = d }
}

func NewRetriever(gw Gateway, opts ...Option) *Retriever {
	r := &Retriever{
		gw:     gw,
		lookup: gw,
		clock:  clockwork.NewRealClock(),
		window: DefaultWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.selector = NewSelector(r.lookup)
	return r
}

// Resolve validates q for runID and returns the effective [start, end) window.
func (r *Retriever) Resolve(ctx context.Context, runID int64, q Query) (time.Time, time.Time, error) {
	exists, err := r.lookup.RunExists(ctx, runID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !exists {
		return time.Time{}, time.Time{}, eris.Wrapf(ErrInvalidRun, "run %d", runID)
	}

	now := r.clock.Now()
	switch {
	case q.Start != nil && q.Start.After(now):
		return time.Time{}, time.Time{}, eris.Wrapf(ErrInvalidDateRange, "start %s is in the future", q.Start.Format(time.RFC3339))
	case q.End != nil && q.Start == nil:
		return time.Time{}, time.Time{}, eris.Wrap(ErrInvalidDateRange, "end given without start")
	case q.Start != nil && q.End != nil && q.End.Before(*q.Start):
		return time.Time{}, time.Time{}, eris.Wrap(ErrInvalidDateRange, "end before start")
	}

	start := now.Add(-r.window)
	if q.Start != nil {
		start = *q.Start
	}
	end := now
	if q.End != nil {
		end = *q.End
	}
	return start, end, nil
}

// GetMeasurements returns the measurements of the run's relevant stations in
// the query window. Order is not guaranteed.
func (r *Retriever) GetMeasurements(ctx context.Context, runID int64, q Query) ([]models.Measurement, error) {
	start, end, err := r.Resolve(ctx, runID, q)
	if err != nil {
		return nil, err
	}

	stations, err := r.selector.Select(ctx, runID, q.MinDistance)
	if err != nil {
		return nil, err
	}
	if len(stations) == 0 {
		return []models.Measurement{}, nil
	}

	return r.gw.MeasurementsFor(ctx, StationIDs(stations), start, end)
}

// Series returns one metric's measurements for the run sorted by time.
func (r *Retriever) Series(ctx context.Context, runID int64, metricID string, q Query) ([]models.Measurement, error) {
	all, err := r.GetMeasurements(ctx, runID, q)
	if err != nil {
		return nil, err
	}

	out := make([]models.Measurement, 0, len(all))
	for _, m := range all {
		if m.MetricID == metricID {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b models.Measurement) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}
