package models

import (
	"time"
)

// Source identifies the kind of observation network a station belongs to.
type Source string

const (
	SourceGauge   Source = "USGS" // river gauge
	SourceWeather Source = "NOAA" // weather station
)

// Sources lists every source category a run should be covered by.
var Sources = []Source{SourceGauge, SourceWeather}

func (s Source) Known() bool {
	return s == SourceGauge || s == SourceWeather
}

type Station struct {
	StationID string  `json:"station_id" yaml:"station_id"`
	Source    Source  `json:"source" yaml:"source"`
	Name      string  `json:"name" yaml:"name"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

type Run struct {
	RunID       int64   `json:"run_id" yaml:"run_id"`
	Name        string  `json:"name" yaml:"name"`
	RiverName   string  `json:"river_name" yaml:"river_name"`
	ClassRating string  `json:"class_rating" yaml:"class_rating"`
	MinLevel    float64 `json:"min_level" yaml:"min_level"`
	MaxLevel    float64 `json:"max_level" yaml:"max_level"`
	PutInLat    float64 `json:"put_in_latitude" yaml:"put_in_latitude"`
	PutInLon    float64 `json:"put_in_longitude" yaml:"put_in_longitude"`
	TakeOutLat  float64 `json:"take_out_latitude" yaml:"take_out_latitude"`
	TakeOutLon  float64 `json:"take_out_longitude" yaml:"take_out_longitude"`
	Distance    float64 `json:"distance" yaml:"distance"` // run length, km
}

// StationRunDistance is the precomputed proximity of a station to a run.
type StationRunDistance struct {
	StationID       string
	RunID           int64
	PutInDistance   float64
	TakeOutDistance float64
}

// StationDistance is a station joined with its distance to a particular run.
type StationDistance struct {
	Station
	PutInDistance   float64 `json:"put_in_distance"`
	TakeOutDistance float64 `json:"take_out_distance"`
}

type Metric struct {
	MetricID    string `json:"metric_id" yaml:"metric_id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Units       string `json:"units" yaml:"units"`
}

// MetricDischarge is the gauge discharge parameter, in cubic feet per second.
const MetricDischarge = "00060"

type Measurement struct {
	StationID string    `json:"station_id"`
	MetricID  string    `json:"metric_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Prediction is a cached flow-rate forecast for one run at one instant.
type Prediction struct {
	RunID     int64     `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	FrLB      float64   `json:"fr_lb"`
	Fr        float64   `json:"fr"`
	FrUB      float64   `json:"fr_ub"`
}

// CycleRun is the audit record of one daily refresh-and-forecast cycle.
type CycleRun struct {
	ID              int64     `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	RefreshOK       bool      `json:"refresh_ok"`
	RefreshAttempts int       `json:"refresh_attempts"`
	RunsSucceeded   int       `json:"runs_succeeded"`
	RunsFailed      int       `json:"runs_failed"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}
