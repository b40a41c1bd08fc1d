package ingest

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/riverrunner/internal/models"
)

func TestValidateMeasurement(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	valid := models.Measurement{StationID: "12134500", MetricID: models.MetricDischarge, Timestamp: now.Add(-time.Hour), Value: 1450}

	tests := []struct {
		name  string
		edit  func(m *models.Measurement)
		flags []string
	}{
		{"valid", func(*models.Measurement) {}, nil},
		{"missing station", func(m *models.Measurement) { m.StationID = "" }, []string{FlagMissingStation}},
		{"missing metric", func(m *models.Measurement) { m.MetricID = "" }, []string{FlagMissingMetric}},
		{"zero timestamp", func(m *models.Measurement) { m.Timestamp = time.Time{} }, []string{FlagMissingTimestamp}},
		{"slightly ahead", func(m *models.Measurement) { m.Timestamp = now.Add(30 * time.Minute) }, nil},
		{"far future", func(m *models.Measurement) { m.Timestamp = now.Add(48 * time.Hour) }, []string{FlagFutureTimestamp}},
		{"nan", func(m *models.Measurement) { m.Value = math.NaN() }, []string{FlagValueNotFinite}},
		{"negative discharge", func(m *models.Measurement) { m.Value = -3 }, []string{FlagDischargeNegative}},
		{"negative temperature", func(m *models.Measurement) { m.MetricID = "TMIN"; m.Value = -3 }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.edit(&m)
			assert.Equal(t, tt.flags, ValidateMeasurement(m, now))
		})
	}
}

func TestReadMeasurements(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	input := strings.Join([]string{
		`{"station_id":"12134500","metric_id":"00060","timestamp":"2024-05-10T04:00:00-07:00","value":1450}`,
		`{"station_id":"12134500","metric_id":"00060","timestamp":"2024-05-10T05:00:00-07:00","value":-1}`,
		`{"station_id":"","metric_id":"00060","timestamp":"2024-05-10T05:00:00Z","value":10}`,
		`{"station_id":"GHCND:USC00457773","metric_id":"TMAX","timestamp":"2024-05-10T00:00:00Z","value":18.3}`,
	}, "\n")

	got, rejected, err := ReadMeasurements(strings.NewReader(input), now)
	require.NoError(t, err)
	assert.Equal(t, 2, rejected)
	require.Len(t, got, 2)
	assert.Equal(t, time.Date(2024, 5, 10, 11, 0, 0, 0, time.UTC), got[0].Timestamp)
	assert.Equal(t, time.UTC, got[0].Timestamp.Location())
	assert.Equal(t, "TMAX", got[1].MetricID)
}

func TestReadMeasurements_Malformed(t *testing.T) {
	_, _, err := ReadMeasurements(strings.NewReader(`{"station_id":"x",`), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode measurement 1")
}

func TestReadMeasurements_Empty(t *testing.T) {
	got, rejected, err := ReadMeasurements(strings.NewReader(""), time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, rejected)
}
