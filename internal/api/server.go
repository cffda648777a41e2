// Package api exposes the pipeline over HTTP and a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/dccp/internal/bridge"
	"github.com/ocx/dccp/internal/circuitbreaker"
	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/config"
	"github.com/ocx/dccp/internal/events"
	"github.com/ocx/dccp/internal/middleware"
	"github.com/ocx/dccp/internal/orchestrator"
	"github.com/ocx/dccp/internal/registry"
	"github.com/ocx/dccp/internal/security"
)

const maxBodyBytes = 8 << 20

// Router is the orchestrator surface the API needs.
type Router interface {
	Route(ctx context.Context, p *compiler.Packet) *orchestrator.ExecutionResult
	Stats() orchestrator.Stats
}

// Deps are the services behind the API. Breakers, Gatherer and RateLimiter
// may be nil.
type Deps struct {
	Registry       *registry.Registry
	Router         Router
	Auditor        *security.Auditor
	Bridge         *bridge.Bridge
	Config         *config.Manager
	Bus            events.Bus
	Breakers       *circuitbreaker.Manager
	Gatherer       prometheus.Gatherer
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
}

// Server holds the HTTP handlers.
type Server struct {
	deps    Deps
	stream  *Stream
	started time.Time
}

func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("api: registry is required")
	case deps.Router == nil:
		return nil, errors.New("api: router is required")
	case deps.Bridge == nil:
		return nil, errors.New("api: bridge is required")
	case deps.Config == nil:
		return nil, errors.New("api: config manager is required")
	case deps.Bus == nil:
		return nil, errors.New("api: event bus is required")
	}
	if deps.Auditor == nil {
		deps.Auditor = security.NewDefaultAuditor()
	}
	return &Server{
		deps:    deps,
		stream:  NewStream(deps.Bus, deps.Registry, deps.AllowedOrigins),
		started: time.Now(),
	}, nil
}

// Stream returns the WebSocket hub.
func (s *Server) Stream() *Stream { return s.stream }

// Close disconnects stream clients.
func (s *Server) Close() { s.stream.Close() }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.Handle("/ws", s.stream)
	if s.deps.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	intents := http.Handler(http.HandlerFunc(s.submitIntent))
	if s.deps.RateLimiter != nil {
		intents = s.deps.RateLimiter.Middleware(intents)
	}
	api.Handle("/intents", intents).Methods(http.MethodPost)
	api.HandleFunc("/packets/compile", s.compilePacket).Methods(http.MethodPost)
	api.HandleFunc("/handshake", s.handshake).Methods(http.MethodPost)
	api.HandleFunc("/audit", s.audit).Methods(http.MethodPost)

	api.HandleFunc("/nodes", s.listNodes).Methods(http.MethodGet)
	api.HandleFunc("/nodes", s.registerNode).Methods(http.MethodPost)
	api.HandleFunc("/nodes/stats", s.nodeStats).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", s.getNode).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", s.unregisterNode).Methods(http.MethodDelete)
	api.HandleFunc("/nodes/{id}/heartbeat", s.heartbeat).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{id}/status", s.setNodeStatus).Methods(http.MethodPut)

	api.HandleFunc("/ingest", s.ingest).Methods(http.MethodPost)
	api.HandleFunc("/ingest/batch", s.batchIngest).Methods(http.MethodPost)
	api.HandleFunc("/backups", s.listBackups).Methods(http.MethodGet)
	api.HandleFunc("/backups/prune", s.pruneBackups).Methods(http.MethodPost)

	api.HandleFunc("/router/stats", s.routerStats).Methods(http.MethodGet)
	api.HandleFunc("/router/config", s.routerConfig).Methods(http.MethodGet)
	api.HandleFunc("/router/config", s.updateRouterConfig).Methods(http.MethodPut)
	api.HandleFunc("/breakers", s.breakers).Methods(http.MethodGet)

	router.Use(middleware.CORS(s.deps.AllowedOrigins))
	router.Use(middleware.Logging)
	return router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	breakers := "HEALTHY"
	if s.deps.Breakers != nil {
		breakers = s.deps.Breakers.Health()
		if breakers != "HEALTHY" {
			status = "degraded"
		}
	}
	rs := s.deps.Registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"service":        "dccp",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"active_nodes":   rs.ActiveNodes,
		"breakers":       breakers,
		"stream_clients": s.stream.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[API] Encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
