// Package catalog loads and seeds the reference data the retrieval layer ranks
// against: stations, runs, metrics and their precomputed distances.
package catalog

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lox/riverrunner/internal/geo"
	"github.com/lox/riverrunner/internal/models"
	"github.com/lox/riverrunner/internal/store"
)

// File is the on-disk catalog format.
type File struct {
	Metrics  []models.Metric  `yaml:"metrics"`
	Stations []models.Station `yaml:"stations"`
	Runs     []models.Run     `yaml:"runs"`
}

// Load reads and validates a catalog file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "catalog: parse")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate rejects duplicate identifiers, unknown station sources and
// out-of-range coordinates.
func (f *File) Validate() error {
	stations := make(map[string]bool, len(f.Stations))
	for _, st := range f.Stations {
		if st.StationID == "" {
			return eris.New("catalog: station without station_id")
		}
		if stations[st.StationID] {
			return eris.Errorf("catalog: duplicate station %s", st.StationID)
		}
		stations[st.StationID] = true
		if !st.Source.Known() {
			return eris.Errorf("catalog: station %s has unknown source %q", st.StationID, st.Source)
		}
		if !validCoord(st.Latitude, st.Longitude) {
			return eris.Errorf("catalog: station %s has invalid coordinate", st.StationID)
		}
	}

	runs := make(map[int64]bool, len(f.Runs))
	for _, r := range f.Runs {
		if runs[r.RunID] {
			return eris.Errorf("catalog: duplicate run %d", r.RunID)
		}
		runs[r.RunID] = true
		if !validCoord(r.PutInLat, r.PutInLon) || !validCoord(r.TakeOutLat, r.TakeOutLon) {
			return eris.Errorf("catalog: run %d has invalid coordinate", r.RunID)
		}
	}

	metrics := make(map[string]bool, len(f.Metrics))
	for _, m := range f.Metrics {
		if m.MetricID == "" || metrics[m.MetricID] {
			return eris.Errorf("catalog: missing or duplicate metric %q", m.MetricID)
		}
		metrics[m.MetricID] = true
	}
	return nil
}

func validCoord(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Summary counts what an import wrote.
type Summary struct {
	Metrics   int
	Stations  int
	Runs      int
	Distances int
}

// Import upserts the catalog and its station-to-run distances. Stations
// further than maxKM from a run's put-in are not linked; maxKM <= 0 links
// every pair.
func Import(ctx context.Context, w store.Writer, f *File, maxKM float64) (Summary, error) {
	var sum Summary

	for _, m := range f.Metrics {
		if err := w.UpsertMetric(ctx, m); err != nil {
			return sum, err
		}
		sum.Metrics++
	}
	for _, st := range f.Stations {
		if err := w.UpsertStation(ctx, st); err != nil {
			return sum, err
		}
		sum.Stations++
	}
	for _, r := range f.Runs {
		if err := w.UpsertRun(ctx, r); err != nil {
			return sum, err
		}
		sum.Runs++
	}
	for _, d := range Distances(f.Runs, f.Stations, maxKM) {
		if err := w.UpsertStationRunDistance(ctx, d); err != nil {
			return sum, err
		}
		sum.Distances++
	}

	zap.L().Info("catalog: imported",
		zap.Int("metrics", sum.Metrics),
		zap.Int("stations", sum.Stations),
		zap.Int("runs", sum.Runs),
		zap.Int("distances", sum.Distances),
	)
	return sum, nil
}

// Distances computes great-circle distances (km) from every station to each
// run's put-in and take-out.
func Distances(runs []models.Run, stations []models.Station, maxKM float64) []models.StationRunDistance {
	var out []models.StationRunDistance
	for _, r := range runs {
		putIn := geo.Point{Lat: r.PutInLat, Lon: r.PutInLon}
		takeOut := geo.Point{Lat: r.TakeOutLat, Lon: r.TakeOutLon}
		for _, st := range stations {
			p := geo.Point{Lat: st.Latitude, Lon: st.Longitude}
			d := geo.DistanceKM(p, putIn)
			if maxKM > 0 && d > maxKM {
				continue
			}
			out = append(out, models.StationRunDistance{
				StationID:       st.StationID,
				RunID:           r.RunID,
				PutInDistance:   d,
				TakeOutDistance: geo.DistanceKM(p, takeOut),
			})
		}
	}
	return out
}
