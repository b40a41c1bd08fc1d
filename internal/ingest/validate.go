package ingest

import (
	"math"
	"time"

	"github.com/lox/riverrunner/internal/models"
)

const (
	FlagMissingStation    = "missing_station"
	FlagMissingMetric     = "missing_metric"
	FlagMissingTimestamp  = "missing_timestamp"
	FlagFutureTimestamp   = "future_timestamp"
	FlagValueNotFinite    = "value_not_finite"
	FlagDischargeNegative = "discharge_negative"
)

// futureSlack tolerates gauge clocks running slightly ahead.
const futureSlack = time.Hour

// ValidateMeasurement returns the quality flags raised by m. A measurement
// with any flag is rejected by the refresher.
func ValidateMeasurement(m models.Measurement, now time.Time) []string {
	var flags []string

	if m.StationID == "" {
		flags = append(flags, FlagMissingStation)
	}
	if m.MetricID == "" {
		flags = append(flags, FlagMissingMetric)
	}

	if m.Timestamp.IsZero() {
		flags = append(flags, FlagMissingTimestamp)
	} else if m.Timestamp.After(now.Add(futureSlack)) {
		flags = append(flags, FlagFutureTimestamp)
	}

	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		flags = append(flags, FlagValueNotFinite)
	} else if m.MetricID == models.MetricDischarge && m.Value < 0 {
		flags = append(flags, FlagDischargeNegative)
	}

	return flags
}
