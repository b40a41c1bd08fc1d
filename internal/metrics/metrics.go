package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForecastRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverrunner_forecast_runs_total",
			Help: "Runs processed by the forecast pipeline",
		},
		[]string{"status"},
	)

	PredictionsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riverrunner_predictions_written_total",
			Help: "Prediction rows written to the cache",
		},
	)

	ForecastCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riverrunner_forecast_cycle_duration_seconds",
			Help:    "Forecast cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	RefreshAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverrunner_refresh_attempts_total",
			Help: "Raw observation refresh attempts",
		},
		[]string{"status"},
	)

	Cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverrunner_cycles_total",
			Help: "Daily cycles by outcome (ok, partial, failed)",
		},
		[]string{"outcome"},
	)

	MeasurementQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riverrunner_measurement_queries_total",
			Help: "Measurement retrievals served over HTTP",
		},
		[]string{"result"},
	)
)
