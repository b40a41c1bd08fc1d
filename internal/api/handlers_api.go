package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lox/riverrunner/internal/metrics"
	"github.com/lox/riverrunner/internal/models"
	"github.com/lox/riverrunner/internal/retrieval"
)

const maxCycles = 100

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAPIPredictions(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	preds, err := s.store.PredictionsForRun(r.Context(), run.RunID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if preds == nil {
		preds = []models.Prediction{}
	}
	writeJSON(w, http.StatusOK, preds)
}

func (s *Server) handleAPIMeasurements(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	q, err := parseQuery(r)
	if err != nil {
		metrics.MeasurementQueries.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var ms []models.Measurement
	if metricID := r.URL.Query().Get("metric"); metricID != "" {
		ms, err = s.retriever.Series(r.Context(), runID, metricID, q)
	} else {
		ms, err = s.retriever.GetMeasurements(r.Context(), runID, q)
	}

	switch {
	case errors.Is(err, retrieval.ErrInvalidRun):
		metrics.MeasurementQueries.WithLabelValues("invalid_run").Inc()
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, retrieval.ErrInvalidDateRange):
		metrics.MeasurementQueries.WithLabelValues("invalid_range").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		metrics.MeasurementQueries.WithLabelValues("error").Inc()
		zap.L().Error("api: measurements", zap.Int64("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.MeasurementQueries.WithLabelValues("ok").Inc()
	if ms == nil {
		ms = []models.Measurement{}
	}
	writeJSON(w, http.StatusOK, ms)
}

func (s *Server) handleAPIStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.store.ListStations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stations == nil {
		stations = []models.Station{}
	}
	writeJSON(w, http.StatusOK, stations)
}

func (s *Server) handleAPICycles(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxCycles)
	}

	cycles, err := s.store.RecentCycles(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cycles == nil {
		cycles = []models.CycleRun{}
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*models.Run, bool) {
	runID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return nil, false
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return run, true
}

// parseQuery reads start, end and min_distance. Dates are RFC3339 or
// YYYY-MM-DD (midnight UTC).
func parseQuery(r *http.Request) (retrieval.Query, error) {
	var q retrieval.Query
	values := r.URL.Query()

	for _, f := range []struct {
		name string
		dst  **time.Time
	}{{"start", &q.Start}, {"end", &q.End}} {
		v := values.Get(f.name)
		if v == "" {
			continue
		}
		t, err := parseDate(v)
		if err != nil {
			return q, eris.New(f.name + ": expected RFC3339 or YYYY-MM-DD")
		}
		*f.dst = &t
	}

	if v := values.Get("min_distance"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return q, eris.New("min_distance: expected a number")
		}
		q.MinDistance = d
	}
	return q, nil
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}
