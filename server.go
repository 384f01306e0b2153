package main

import (
	"encoding/json"
	"net/http"

	"github.com/Tutortoise/detection-stream-service/detections"
	"github.com/Tutortoise/detection-stream-service/provider"
	"github.com/Tutortoise/detection-stream-service/stream"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

type AppState struct {
	Provider *provider.Provider
	Stream   *stream.Handler
	Log      *zap.Logger
}

type HealthResponse struct {
	Status      string  `json:"status"`
	Device      string  `json:"device"`
	Model       string  `json:"model"`
	ModelLoaded bool    `json:"model_loaded"`
	ModelSource *string `json:"model_source"`
}

type MetricsResponse struct {
	Device   string                   `json:"device"`
	Pool     *detections.PoolSnapshot `json:"pool"`
	Sessions stream.StatsSnapshot     `json:"sessions"`
}

// metricsReporter is implemented by detectors that track pool usage.
type metricsReporter interface {
	Metrics() detections.PoolSnapshot
}

func NewAppState(p *provider.Provider, opts stream.Options, log *zap.Logger) *AppState {
	return &AppState{
		Provider: p,
		Stream:   stream.NewHandler(p, log.Named("stream"), opts),
		Log:      log,
	}
}

// Routes returns the router, with every origin, method and header allowed.
func (s *AppState) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/ws", s.Stream).Methods("GET")
	s.addMonitoringRoutes(r)
	return cors.AllowAll().Handler(r)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.Provider.Status()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Device:      status.Device,
		Model:       status.Model,
		ModelLoaded: status.ModelLoaded,
		ModelSource: status.ModelSource,
	})
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := MetricsResponse{
		Device:   s.Provider.Device().Describe(),
		Sessions: s.Stream.Stats(),
	}
	if d, ok := s.Provider.Loaded(); ok {
		if m, ok := d.(metricsReporter); ok {
			pool := m.Metrics()
			response.Pool = &pool
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
