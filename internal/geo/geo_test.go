package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceKM(t *testing.T) {
	// Seattle to Portland, roughly 234km
	d := DistanceKM(Point{Lat: 47.6062, Lon: -122.3321}, Point{Lat: 45.5152, Lon: -122.6784})
	assert.InDelta(t, 234, d, 5)

	assert.InDelta(t, 0, DistanceKM(Point{Lat: 47.5, Lon: -121.8}, Point{Lat: 47.5, Lon: -121.8}), 0.001)
}

func TestDistanceKM_Symmetric(t *testing.T) {
	a := Point{Lat: 47.75, Lon: -121.09}
	b := Point{Lat: 47.71, Lon: -121.36}
	assert.InDelta(t, DistanceKM(a, b), DistanceKM(b, a), 1e-9)
}
