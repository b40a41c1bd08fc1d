package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lox/riverrunner/internal/models"
	"github.com/lox/riverrunner/internal/retrieval"
	"github.com/lox/riverrunner/internal/store"
)

// Store is the read side the server needs.
type Store interface {
	store.Reader
	RecentCycles(ctx context.Context, limit int) ([]models.CycleRun, error)
}

type Server struct {
	store     Store
	retriever *retrieval.Retriever
	addr      string
	clock     clockwork.Clock
	// staleAfter marks the service degraded when the last cycle is older.
	staleAfter time.Duration
}

type ServerOption func(*Server)

func WithClock(clock clockwork.Clock) ServerOption {
	return func(s *Server) { s.clock = clock }
}

func WithStaleAfter(d time.Duration) ServerOption {
	return func(s *Server) { s.staleAfter = d }
}

func NewServer(st Store, retriever *retrieval.Retriever, addr string, opts ...ServerOption) *Server {
	s := &Server{
		store:      st,
		retriever:  retriever,
		addr:       addr,
		clock:      clockwork.NewRealClock(),
		staleAfter: 36 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/runs", s.handleAPIRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleAPIRun)
	mux.HandleFunc("GET /api/runs/{id}/predictions", s.handleAPIPredictions)
	mux.HandleFunc("GET /api/runs/{id}/measurements", s.handleAPIMeasurements)
	mux.HandleFunc("GET /api/stations", s.handleAPIStations)
	mux.HandleFunc("GET /api/cycles", s.handleAPICycles)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("api: shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("api: listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status    string           `json:"status"`
	Runs      int              `json:"runs"`
	LastCycle *models.CycleRun `json:"last_cycle,omitempty"`
	Errors    []string         `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runs, err := s.store.ListRuns(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, HealthStatus{Status: "error", Errors: []string{err.Error()}})
		return
	}

	health := HealthStatus{Status: "ok", Runs: len(runs)}

	cycles, err := s.store.RecentCycles(ctx, 1)
	if err != nil {
		health.Errors = append(health.Errors, "cycles: "+err.Error())
	} else if len(cycles) > 0 {
		last := cycles[0]
		health.LastCycle = &last
		if s.clock.Since(last.StartedAt) > s.staleAfter {
			health.Status = "degraded"
			health.Errors = append(health.Errors, "last cycle is stale")
		}
	}

	if len(health.Errors) > 0 && health.Status == "ok" {
		health.Status = "error"
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
