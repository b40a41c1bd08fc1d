package ingest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCycle struct {
	calls atomic.Int32
	fired chan struct{}
}

func (c *countingCycle) RunCycle(context.Context) Report {
	c.calls.Add(1)
	select {
	case c.fired <- struct{}{}:
	default:
	}
	return Report{}
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(&countingCycle{}, "not a cron spec", time.UTC, false)
	assert.Error(t, err)
}

func TestScheduler_DefaultNext(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	s, err := NewScheduler(&countingCycle{}, "", loc, false)
	require.NoError(t, err)

	from := time.Date(2024, 5, 10, 7, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 5, 11, 6, 0, 0, 0, loc), s.Next(from))

	early := time.Date(2024, 5, 10, 5, 59, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 5, 10, 6, 0, 0, 0, loc), s.Next(early))
}

func TestScheduler_RunOnStartAndStop(t *testing.T) {
	cycle := &countingCycle{fired: make(chan struct{}, 1)}
	s, err := NewScheduler(cycle, "0 6 * * *", time.UTC, true)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-cycle.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not run on start")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(1), cycle.calls.Load())
}
