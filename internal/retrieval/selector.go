// Package retrieval selects the stations relevant to a run and retrieves
// their measurements over a validated time window.
package retrieval

import (
	"context"

	"github.com/lox/riverrunner/internal/catalog"
	"github.com/lox/riverrunner/internal/models"
)

// Selector picks the stations whose measurements describe a run.
type Selector struct {
	lookup catalog.Lookup
}

func NewSelector(lookup catalog.Lookup) *Selector {
	return &Selector{lookup: lookup}
}

// Select returns the relevant stations for runID in ascending put-in
// distance. A run with no stations yields an empty selection.
func (s *Selector) Select(ctx context.Context, runID int64, cutoff float64) ([]models.StationDistance, error) {
	candidates, err := s.lookup.StationsNearRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return SelectStations(candidates, cutoff), nil
}

// SelectStations applies the selection policy to a distance-ordered list.
//
// With cutoff <= 0 it takes the nearest station of each known source and
// stops once every source is covered; stations with an unknown source are
// skipped. With cutoff > 0 it takes every station closer than cutoff,
// regardless of source.
func SelectStations(candidates []models.StationDistance, cutoff float64) []models.StationDistance {
	selected := []models.StationDistance{}

	if cutoff > 0 {
		for _, c := range candidates {
			if c.PutInDistance < cutoff {
				selected = append(selected, c)
			}
		}
		return selected
	}

	seen := make(map[models.Source]bool, len(models.Sources))
	for _, c := range candidates {
		if !c.Source.Known() || seen[c.Source] {
			continue
		}
		seen[c.Source] = true
		selected = append(selected, c)
		if len(seen) == len(models.Sources) {
			break
		}
	}
	return selected
}

// StationIDs extracts the ids of a selection.
func StationIDs(stations []models.StationDistance) []string {
	ids := make([]string, len(stations))
	for i, st := range stations {
		ids[i] = st.StationID
	}
	return ids
}
