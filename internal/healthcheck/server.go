// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package healthcheck serves the process liveness and readiness endpoints
// plus the queue health surface backed by the orchestrator.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardinalhq/jobrunner/internal/orchestrator"
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

type ReadyStatus int32

const (
	ReadyStatusNotReady ReadyStatus = iota
	ReadyStatusReady
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

type Response struct {
	Healthy bool `json:"healthy"`
}

// HealthSource answers queue health questions. The orchestrator implements
// it; tests stand in a fake.
type HealthSource interface {
	SystemHealth(ctx context.Context) orchestrator.SystemHealth
	QueueHealth(ctx context.Context, queue string) orchestrator.QueueHealth
	QueueNames() []string
}

type Server struct {
	port        int
	service     string
	version     string
	source      HealthSource
	status      atomic.Int32
	readyStatus atomic.Int32
	conditions  sync.Map // map[string]bool — named readiness conditions
	server      *http.Server
}

type Config struct {
	Port    int
	Service string
	Version string
}

func NewServer(config Config, source HealthSource) *Server {
	if config.Port == 0 {
		config.Port = 8090
	}
	if config.Service == "" {
		config.Service = "jobrunner"
	}

	return &Server{
		port:    config.Port,
		service: config.Service,
		version: config.Version,
		source:  source,
	}
}

func (s *Server) SetStatus(status Status) {
	s.status.Store(int32(status))
	slog.Debug("Health check status updated", slog.String("status", status.String()))
}

func (s *Server) GetStatus() Status {
	return Status(s.status.Load())
}

func (s *Server) SetReady(ready bool) {
	if ready {
		s.readyStatus.Store(int32(ReadyStatusReady))
	} else {
		s.readyStatus.Store(int32(ReadyStatusNotReady))
	}
	slog.Debug("Ready status updated", slog.Bool("ready", ready))
}

// SetReadyCondition sets a named readiness condition. All conditions must be
// true (along with the base ready flag) for IsReady() to return true.
func (s *Server) SetReadyCondition(name string, ready bool) {
	s.conditions.Store(name, ready)
	slog.Debug("Ready condition updated", slog.String("condition", name), slog.Bool("ready", ready))
}

// ClearReadyCondition removes a named readiness condition entirely.
func (s *Server) ClearReadyCondition(name string) {
	s.conditions.Delete(name)
}

func (s *Server) IsReady() bool {
	if ReadyStatus(s.readyStatus.Load()) != ReadyStatusReady {
		return false
	}
	ready := true
	s.conditions.Range(func(_, value any) bool {
		if !value.(bool) {
			ready = false
			return false
		}
		return true
	})
	return ready
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.SetStatus(StatusStarting)
	slog.Info("Starting health check server", slog.Int("port", s.port))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Health check server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

// Handler builds the route table. Exposed separately so tests can drive it
// with httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/livez", s.livezHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /health/detailed", s.detailedHandler)
	mux.HandleFunc("GET /health/queues/{queue}", s.queueHandler)
	return mux
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	slog.Info("Stopping health check server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	status := s.GetStatus()
	isHealthy := status == StatusHealthy
	writeHealthy(w, isHealthy)
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	writeHealthy(w, s.IsReady())
}

func (s *Server) livezHandler(w http.ResponseWriter, r *http.Request) {
	writeHealthy(w, s.GetStatus() != StatusUnhealthy)
}

// healthHandler is the cheap liveness probe: no queue calls, always 200
// while the process can serve HTTP.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   s.service,
		"version":   s.version,
	})
}

// detailedHandler evaluates all queues. Degraded still returns 200 so load
// balancers keep routing; only unhealthy sheds traffic.
func (s *Server) detailedHandler(w http.ResponseWriter, r *http.Request) {
	health := s.source.SystemHealth(r.Context())
	code := http.StatusOK
	if health.State == orchestrator.StateUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")
	if !slices.Contains(s.source.QueueNames(), queue) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown queue: " + queue})
		return
	}

	health := s.source.QueueHealth(r.Context(), queue)
	code := http.StatusOK
	if health.State == orchestrator.StateUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func writeHealthy(w http.ResponseWriter, healthy bool) {
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, Response{Healthy: healthy})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}
