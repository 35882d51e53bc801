// Package server exposes the REST API: collector event intake, conversation
// reads, canonicalization, recommendations, watch configuration, ingestion
// jobs, and tenancy bootstrap. Every route except setup and health requires
// an X-Workspace-Id header; collector routes additionally authenticate with
// an API key.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	gosync "sync"
	"time"

	"github.com/stenohq/steno/internal/canon"
	"github.com/stenohq/steno/internal/collector"
	"github.com/stenohq/steno/internal/config"
	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/ingest"
	"github.com/stenohq/steno/internal/watch"
	"github.com/stenohq/steno/internal/worker"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the HTTP front of the system.
type Server struct {
	mu         gosync.RWMutex
	cfg        *config.Config
	db         *db.DB
	collectors *collector.Service
	canon      *canon.Service
	pipeline   *ingest.Pipeline
	manager    *watch.Manager
	pool       *worker.Pool
	logger     *slog.Logger
	mux        *http.ServeMux
	httpSrv    *http.Server
	version    VersionInfo

	// handlerDelay is injected before each timeout-wrapped handler, used
	// only by tests to guarantee handlers exceed a short timeout.
	handlerDelay time.Duration
}

// New assembles the server and its routes.
func New(cfg *config.Config, database *db.DB, pipeline *ingest.Pipeline,
	canonSvc *canon.Service, manager *watch.Manager, logger *slog.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:        cfg,
		db:         database,
		collectors: collector.NewService(database, logger),
		canon:      canonSvc,
		pipeline:   pipeline,
		manager:    manager,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithWorkerPool lets the recommendations detect endpoint drain its jobs
// in-request, best effort. Nil is ignored.
func WithWorkerPool(p *worker.Pool) Option {
	return func(s *Server) {
		if p != nil {
			s.pool = p
		}
	}
}

func (s *Server) routes() {
	// Collector protocol. Registration returns the API key once and is
	// itself unauthenticated.
	s.mux.Handle("POST /api/v1/collectors", s.withTimeout(s.handleRegisterCollector))
	s.mux.Handle("POST /api/v1/collectors/events",
		s.withTimeout(s.withCollectorAuth(s.handleCollectorEvents)))
	s.mux.Handle("GET /api/v1/collectors/sessions/{id}",
		s.withTimeout(s.withCollectorAuth(s.handleSessionStatus)))
	s.mux.Handle("POST /api/v1/collectors/sessions/{id}/complete",
		s.withTimeout(s.withCollectorAuth(s.handleSessionComplete)))

	s.mux.Handle("GET /api/v1/conversations", s.withTimeout(s.handleListConversations))
	s.mux.Handle("GET /api/v1/conversations/{id}", s.withTimeout(s.handleGetConversation))
	s.mux.Handle("GET /api/v1/conversations/{id}/messages", s.withTimeout(s.handleListMessages))
	s.mux.Handle("DELETE /api/v1/conversations/{id}", s.withTimeout(s.handleDeleteConversation))
	s.mux.Handle("GET /api/v1/conversations/{id}/canonical", s.withTimeout(s.handleGetCanonical))
	s.mux.Handle("POST /api/v1/conversations/{id}/canonical/regenerate",
		s.withTimeout(s.handleRegenerateCanonical))

	s.mux.Handle("GET /api/v1/recommendations", s.withTimeout(s.handleListRecommendations))
	s.mux.Handle("POST /api/v1/recommendations/detect", s.withTimeout(s.handleDetectRecommendations))
	s.mux.Handle("PATCH /api/v1/recommendations/{id}", s.withTimeout(s.handleUpdateRecommendation))

	s.mux.Handle("GET /api/v1/watch/configs", s.withTimeout(s.handleListWatchConfigs))
	s.mux.Handle("POST /api/v1/watch/configs", s.withTimeout(s.handleCreateWatchConfig))
	s.mux.Handle("PUT /api/v1/watch/configs/{id}", s.withTimeout(s.handleUpdateWatchConfig))
	s.mux.Handle("DELETE /api/v1/watch/configs/{id}", s.withTimeout(s.handleDeleteWatchConfig))
	s.mux.Handle("POST /api/v1/watch/configs/{id}/start", s.withTimeout(s.handleStartWatch))
	s.mux.Handle("POST /api/v1/watch/configs/{id}/stop", s.withTimeout(s.handleStopWatch))

	s.mux.Handle("GET /api/v1/ingest/jobs", s.withTimeout(s.handleListJobs))
	s.mux.Handle("GET /api/v1/ingest/jobs/{id}", s.withTimeout(s.handleGetJob))
	s.mux.Handle("POST /api/v1/ingest/files", s.withTimeout(s.handleIngestFile))

	s.mux.Handle("GET /api/v1/stats", s.withTimeout(s.handleStats))
	s.mux.Handle("GET /api/v1/version", s.withTimeout(s.handleVersion))

	// Tenancy bootstrap and health: no workspace header.
	s.mux.Handle("GET /api/v1/setup/status", s.withTimeout(s.handleSetupStatus))
	s.mux.Handle("POST /api/v1/setup/organizations", s.withTimeout(s.handleCreateOrganization))
	s.mux.Handle("POST /api/v1/setup/workspaces", s.withTimeout(s.handleCreateWorkspace))
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.version)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version.Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	stats, err := s.db.Stats(r.Context(), ws)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Handler returns the mux with request logging applied.
func (s *Server) Handler() http.Handler {
	return s.logMiddleware(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	s.logger.Info("server listening", "addr", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the given port,
// binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}
