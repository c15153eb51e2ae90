// Package webapi exposes the thin administrative HTTP surface: Prometheus
// metrics and a /healthz snapshot of backend, affinity, and slot coverage
// state.
package webapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clusterlb/clusterlb/internal/registry"
)

// StatusSource reports the point-in-time state the /healthz endpoint
// renders. Only the section relevant to the running mode is populated by
// callers; the other reports enabled/applicable as false and is omitted
// from the response.
type StatusSource interface {
	BackendSnapshot() []registry.Backend
	AffinityStats() (enabled bool, totalSessions int, backendDistribution map[string]int)
	SlotCoverage() (applicable bool, assigned, total int, missing []uint16)
}

// Options configures a Server.
type Options struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Status        StatusSource
}

// Server serves /metrics and /healthz.
type Server struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	status        StatusSource
	httpServer    *http.Server
}

// New constructs a Server; call ListenAndServe to start it.
func New(opts Options) *Server {
	return &Server{
		logger:        opts.Logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		status:        opts.Status,
	}
}

type healthzResponse struct {
	Backends []backendStatus `json:"backends"`
	Affinity *affinityStatus `json:"affinity,omitempty"`
	Slots    *slotStatus     `json:"slots,omitempty"`
}

type backendStatus struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Healthy bool   `json:"healthy"`
	Weight  int    `json:"weight"`
}

type affinityStatus struct {
	Enabled             bool           `json:"enabled"`
	TotalSessions       int            `json:"total_sessions"`
	BackendDistribution map[string]int `json:"backend_distribution"`
}

type slotStatus struct {
	Assigned int      `json:"assigned"`
	Total    int      `json:"total"`
	Missing  []uint16 `json:"missing_slots,omitempty"`
}

func (s *Server) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	resp := healthzResponse{}

	for _, b := range s.status.BackendSnapshot() {
		resp.Backends = append(resp.Backends, backendStatus{
			ID: b.ID, Address: b.Address, Healthy: b.Healthy, Weight: b.Weight,
		})
	}

	if enabled, total, dist := s.status.AffinityStats(); enabled {
		resp.Affinity = &affinityStatus{Enabled: enabled, TotalSessions: total, BackendDistribution: dist}
	}

	if applicable, assigned, total, missing := s.status.SlotCoverage(); applicable {
		resp.Slots = &slotStatus{Assigned: assigned, Total: total, Missing: missing}
	}

	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(resp); err != nil {
		s.logger.Debug("failed to write healthz response", zap.Error(err))
	}
}

func (s *Server) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	if _, err := rw.Write([]byte("clusterlb admin api")); err != nil {
		s.logger.Debug("failed to write root response", zap.Error(err))
	}
}

// ListenAndServe blocks serving the admin API until the server errors out.
func (s *Server) ListenAndServe() error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", s.handleHealthz)
	r.HandleFunc("/", s.handleRoot)

	s.httpServer = &http.Server{
		Handler:      r,
		Addr:         s.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}
