package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/riverrunner/internal/models"
	"github.com/lox/riverrunner/internal/store"
)

const sampleCatalog = `
metrics:
  - metric_id: "00060"
    name: Discharge
    units: ft3/s
stations:
  - station_id: "12134500"
    source: USGS
    name: Skykomish River near Gold Bar
    latitude: 47.8371
    longitude: -121.6668
  - station_id: GHCND:USC00457773
    source: NOAA
    name: Skykomish
    latitude: 47.7089
    longitude: -121.3603
runs:
  - run_id: 1
    name: Index to Gold Bar
    river_name: Skykomish
    class_rating: III
    put_in_latitude: 47.8206
    put_in_longitude: -121.5551
    take_out_latitude: 47.8487
    take_out_longitude: -121.6926
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, f.Stations, 2)
	assert.Equal(t, models.SourceGauge, f.Stations[0].Source)
	assert.Equal(t, "Skykomish", f.Runs[0].RiverName)
	assert.Equal(t, "ft3/s", f.Metrics[0].Units)
}

func TestParse_RejectsUnknownSource(t *testing.T) {
	_, err := Parse([]byte(`
stations:
  - station_id: X
    source: BOM
    latitude: 1
    longitude: 1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestParse_RejectsDuplicateRun(t *testing.T) {
	_, err := Parse([]byte(`
runs:
  - run_id: 1
  - run_id: 1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate run")
}

func TestDistances(t *testing.T) {
	f, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)

	all := Distances(f.Runs, f.Stations, 0)
	require.Len(t, all, 2)
	for _, d := range all {
		assert.Greater(t, d.PutInDistance, 0.0)
		assert.Less(t, d.PutInDistance, 25.0)
	}

	near := Distances(f.Runs, f.Stations, 10)
	require.Len(t, near, 1)
	assert.Equal(t, "12134500", near[0].StationID)
}

func TestImport(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	f, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)

	sum, err := Import(ctx, s, f, 0)
	require.NoError(t, err)
	assert.Equal(t, Summary{Metrics: 1, Stations: 2, Runs: 1, Distances: 2}, sum)

	near, err := s.StationsNearRun(ctx, 1)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "12134500", near[0].StationID)

	// Re-import is a no-op for immutable rows.
	_, err = Import(ctx, s, f, 0)
	require.NoError(t, err)
	stations, err := s.ListStations(ctx)
	require.NoError(t, err)
	assert.Len(t, stations, 2)
}
