package forecast

import (
	"context"
	"errors"
	"iter"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/riverrunner/internal/models"
	"github.com/lox/riverrunner/internal/store"
)

var base = time.Date(2024, 7, 16, 0, 0, 0, 0, time.UTC)

func points(values ...float64) iter.Seq2[time.Time, float64] {
	return func(yield func(time.Time, float64) bool) {
		for i, v := range values {
			if !yield(base.AddDate(0, 0, i), v) {
				return
			}
		}
	}
}

func runs(ids ...int64) []models.Run {
	out := make([]models.Run, len(ids))
	for i, id := range ids {
		out[i] = models.Run{RunID: id}
	}
	return out
}

func setupStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// deterministic forecasts run N as N*10, N*10+1, ...
var deterministic = ForecasterFunc(func(_ context.Context, runID int64) (iter.Seq2[time.Time, float64], error) {
	v := float64(runID * 10)
	return points(v, v+1, v+2), nil
})

func failing(bad int64, err error) Forecaster {
	return ForecasterFunc(func(ctx context.Context, runID int64) (iter.Seq2[time.Time, float64], error) {
		if runID == bad {
			return nil, err
		}
		return deterministic(ctx, runID)
	})
}

func predictionCounts(t *testing.T, s *store.SQLiteStore, ids ...int64) map[int64]int {
	t.Helper()
	out := make(map[int64]int)
	for _, id := range ids {
		p, err := s.PredictionsForRun(context.Background(), id)
		require.NoError(t, err)
		out[id] = len(p)
	}
	return out
}

func TestRunCycle_IsolatesFailures(t *testing.T) {
	s := setupStore(t)
	p := NewPipeline(s, failing(2, errors.New("model diverged")))

	res, err := p.RunCycle(context.Background(), runs(1, 2, 3))
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3}, res.Succeeded)
	assert.Equal(t, []int64{2}, res.Failed)
	assert.ErrorIs(t, res.Errors[2], ErrForecast)
	assert.Contains(t, res.Errors[2].Error(), "model diverged")
	assert.Equal(t, map[int64]int{1: 3, 2: 0, 3: 3}, predictionCounts(t, s, 1, 2, 3))
}

func TestRunCycle_FailedRunLosesPreviousPredictions(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := NewPipeline(s, deterministic).RunCycle(ctx, runs(1, 2))
	require.NoError(t, err)

	_, err = NewPipeline(s, failing(2, errors.New("no data"))).RunCycle(ctx, runs(1, 2))
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{1: 3, 2: 0}, predictionCounts(t, s, 1, 2))
}

func TestRunCycle_RecoversPanics(t *testing.T) {
	s := setupStore(t)
	f := ForecasterFunc(func(ctx context.Context, runID int64) (iter.Seq2[time.Time, float64], error) {
		if runID == 2 {
			panic("index out of range")
		}
		return deterministic(ctx, runID)
	})

	res, err := NewPipeline(s, f).RunCycle(context.Background(), runs(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, res.Succeeded)
	assert.Equal(t, []int64{2}, res.Failed)
	assert.ErrorIs(t, res.Errors[2], ErrForecast)
}

func TestRunCycle_PanicMidSequence(t *testing.T) {
	s := setupStore(t)
	f := ForecasterFunc(func(_ context.Context, runID int64) (iter.Seq2[time.Time, float64], error) {
		return func(yield func(time.Time, float64) bool) {
			if !yield(base, 1) {
				return
			}
			panic("stream broke")
		}, nil
	})

	res, err := NewPipeline(s, f).RunCycle(context.Background(), runs(1))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Failed)
	assert.Equal(t, map[int64]int{1: 0}, predictionCounts(t, s, 1))
}

func TestRunCycle_RejectsNonFiniteEstimates(t *testing.T) {
	s := setupStore(t)
	f := ForecasterFunc(func(_ context.Context, runID int64) (iter.Seq2[time.Time, float64], error) {
		if runID == 1 {
			return points(1, math.NaN()), nil
		}
		return points(math.Inf(1)), nil
	})

	res, err := NewPipeline(s, f).RunCycle(context.Background(), runs(1, 2))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, res.Failed)
	assert.ErrorIs(t, res.Errors[1], ErrForecast)
	assert.Contains(t, res.Errors[1].Error(), "non-finite")
}

func TestRunCycle_DuplicateTimestampIsStoreError(t *testing.T) {
	s := setupStore(t)
	f := ForecasterFunc(func(_ context.Context, runID int64) (iter.Seq2[time.Time, float64], error) {
		return func(yield func(time.Time, float64) bool) {
			_ = yield(base, 1) && yield(base, 2)
		}, nil
	})

	res, err := NewPipeline(s, f).RunCycle(context.Background(), runs(1))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.Failed)
	var storeErr *store.Error
	assert.ErrorAs(t, res.Errors[1], &storeErr)
}

func TestRunCycle_NormalizesEstimates(t *testing.T) {
	s := setupStore(t)
	f := ForecasterFunc(func(_ context.Context, _ int64) (iter.Seq2[time.Time, float64], error) {
		return points(12.25, -1.25, 7.04, 0), nil
	})

	_, err := NewPipeline(s, f).RunCycle(context.Background(), runs(1))
	require.NoError(t, err)

	got, err := s.PredictionsForRun(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 4)

	want := []float64{12.3, -1.3, 7.0, 0}
	for i, p := range got {
		assert.InDelta(t, want[i], p.Fr, 1e-9)
		assert.Equal(t, p.Fr, p.FrLB)
		assert.Equal(t, p.Fr, p.FrUB)
		assert.True(t, p.Timestamp.Equal(base.AddDate(0, 0, i)))
	}
}

func TestRunCycle_Idempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := NewPipeline(s, deterministic)

	_, err := p.RunCycle(ctx, runs(1, 2, 3))
	require.NoError(t, err)
	first := make(map[int64][]models.Prediction)
	for _, id := range []int64{1, 2, 3} {
		first[id], err = s.PredictionsForRun(ctx, id)
		require.NoError(t, err)
	}

	_, err = p.RunCycle(ctx, runs(1, 2, 3))
	require.NoError(t, err)
	for _, id := range []int64{1, 2, 3} {
		again, err := s.PredictionsForRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, first[id], again)
	}
}

func TestRunCycle_Concurrent(t *testing.T) {
	s := setupStore(t)
	var inFlight, peak atomic.Int32
	f := ForecasterFunc(func(ctx context.Context, runID int64) (iter.Seq2[time.Time, float64], error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return deterministic(ctx, runID)
	})

	ids := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	res, err := NewPipeline(s, f, WithConcurrency(3)).RunCycle(context.Background(), runs(ids...))
	require.NoError(t, err)
	assert.Equal(t, ids, res.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	for id, n := range predictionCounts(t, s, ids...) {
		assert.Equal(t, 3, n, "run %d", id)
	}
}

func TestRunCycle_Atomic(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := NewPipeline(s, deterministic).RunCycle(ctx, runs(1, 2, 3))
	require.NoError(t, err)

	res, err := NewPipeline(s, failing(2, errors.New("no data")), WithAtomic(true)).RunCycle(ctx, runs(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, res.Succeeded)
	assert.Equal(t, map[int64]int{1: 3, 2: 0, 3: 3}, predictionCounts(t, s, 1, 2, 3))
}

type fakeStore struct {
	clearErr      error
	replaceAllErr error
	clears        int
	replaced      []models.Prediction
}

func (f *fakeStore) ClearPredictions(context.Context) error {
	f.clears++
	return f.clearErr
}

func (f *fakeStore) ReplaceRunPredictions(_ context.Context, _ int64, preds []models.Prediction) error {
	f.replaced = append(f.replaced, preds...)
	return nil
}

func (f *fakeStore) ReplaceAllPredictions(_ context.Context, preds []models.Prediction) error {
	if f.replaceAllErr != nil {
		return f.replaceAllErr
	}
	f.replaced = preds
	return nil
}

func TestRunCycle_ClearFailureAbortsBeforeForecasting(t *testing.T) {
	fs := &fakeStore{clearErr: &store.Error{Op: "sqlite: clear predictions", Err: errors.New("locked")}}
	called := false
	f := ForecasterFunc(func(ctx context.Context, runID int64) (iter.Seq2[time.Time, float64], error) {
		called = true
		return deterministic(ctx, runID)
	})

	_, err := NewPipeline(fs, f).RunCycle(context.Background(), runs(1))
	require.Error(t, err)
	var storeErr *store.Error
	assert.ErrorAs(t, err, &storeErr)
	assert.False(t, called)
}

func TestRunCycle_AtomicCommitFailure(t *testing.T) {
	fs := &fakeStore{replaceAllErr: errors.New("disk full")}

	res, err := NewPipeline(fs, deterministic, WithAtomic(true)).RunCycle(context.Background(), runs(1, 2))
	require.NoError(t, err)
	assert.Empty(t, res.Succeeded)
	assert.Equal(t, []int64{1, 2}, res.Failed)
	assert.Equal(t, 1, fs.clears)
}

func TestRunCycle_NoRuns(t *testing.T) {
	fs := &fakeStore{}

	res, err := NewPipeline(fs, deterministic).RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Succeeded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 1, fs.clears)
}
