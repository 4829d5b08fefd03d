package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sashakarcz/ironvpn/internal/config"
	"github.com/sashakarcz/ironvpn/internal/events"
	"github.com/sashakarcz/ironvpn/internal/gitops"
	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/maintenance"
	"github.com/sashakarcz/ironvpn/internal/provision"
	"github.com/sashakarcz/ironvpn/internal/storage"
)

// Provisioner is the lifecycle surface the API exposes
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (*provision.Result, error)
	Revoke(ctx context.Context, id, reason string) (bool, error)
	Get(ctx context.Context, id string) (*storage.Resource, error)
	Reconcile(ctx context.Context) (*provision.ReconcileReport, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*storage.Resource, error)
	RevokeOwner(ctx context.Context, ownerID, reason string) (*provision.OwnerRevocation, error)
}

// Pools reports per pool type counts and revokes stray holder entries
type Pools interface {
	Stats(ctx context.Context) ([]*storage.PoolStatistics, error)
	RevokeAllForHolder(ctx context.Context, holderID, poolType, reason string) (int64, error)
}

// Sweeper runs one maintenance pass on demand
type Sweeper interface {
	RunOnce(ctx context.Context) (*maintenance.Result, error)
}

// SyncTrigger runs a pool inventory sync on demand
type SyncTrigger interface {
	TriggerSync(ctx context.Context, triggeredByUser string) (*gitops.SyncResult, error)
}

// Store is the database surface used for health and sync history
type Store interface {
	Health(ctx context.Context) error
	GetRecentPoolSyncLogs(ctx context.Context, limit int) ([]*storage.PoolSyncLog, error)
	GetLastSuccessfulPoolSync(ctx context.Context) (*storage.PoolSyncLog, error)
}

// Deps are the components behind the API. Sweeper, Poller and Broadcaster
// may be nil when the feature is disabled.
type Deps struct {
	Coordinator Provisioner
	Pools       Pools
	Store       Store
	Sweeper     Sweeper
	Poller      SyncTrigger
	Broadcaster *events.Broadcaster
	Gatherer    prometheus.Gatherer
}

// Server provides HTTP API and health check endpoints
type Server struct {
	deps        Deps
	authManager *AuthManager
	httpServer  *http.Server
	port        int
	started     time.Time
}

// Config holds API server configuration
type Config struct {
	Port    int
	Enabled bool
	WebAuth *config.WebAuth
}

// New creates a new API server
func New(cfg Config, deps Deps) *Server {
	if cfg.WebAuth == nil {
		cfg.WebAuth = &config.WebAuth{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		deps:        deps,
		authManager: NewAuthManager(cfg.WebAuth),
		port:        cfg.Port,
		started:     time.Now(),
	}
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("POST /api/v1/login", s.handleLogin)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Protected endpoints (require auth if enabled)
	mux.HandleFunc("POST /api/v1/resources", s.AuthMiddleware(s.handleProvision))
	mux.HandleFunc("GET /api/v1/resources/{id}", s.AuthMiddleware(s.handleGetResource))
	mux.HandleFunc("DELETE /api/v1/resources/{id}", s.AuthMiddleware(s.handleRevoke))
	mux.HandleFunc("GET /api/v1/owners/{owner}/resources", s.AuthMiddleware(s.handleOwnerResources))
	mux.HandleFunc("DELETE /api/v1/owners/{owner}/resources", s.AuthMiddleware(s.handleRevokeOwner))
	mux.HandleFunc("GET /api/v1/pools/stats", s.AuthMiddleware(s.handlePoolStats))
	mux.HandleFunc("POST /api/v1/pools/sync", s.AuthMiddleware(s.handlePoolSync))
	mux.HandleFunc("GET /api/v1/pools/sync/status", s.AuthMiddleware(s.handlePoolSyncStatus))
	mux.HandleFunc("GET /api/v1/pools/sync/logs", s.AuthMiddleware(s.handlePoolSyncLogs))
	mux.HandleFunc("POST /api/v1/maintenance/sweep", s.AuthMiddleware(s.handleSweep))
	mux.HandleFunc("GET /api/v1/maintenance/reconcile", s.AuthMiddleware(s.handleReconcile))
	mux.HandleFunc("GET /api/v1/activity/stream", s.AuthMiddleware(s.handleActivityStream))

	// Metrics endpoint
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Start starts the API server
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// no write timeout: the activity stream holds responses open
	}

	logger.Info().
		Int("port", s.port).
		Msg("Starting API server")

	// Start server in goroutine
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop stops the API server
func (s *Server) Stop(ctx context.Context) error {
	logger.Info().Msg("Stopping API server")

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}

	logger.Info().Msg("API server stopped")
	return nil
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string                 `json:"status"`
	Database DatabaseHealth         `json:"database"`
	Uptime   string                 `json:"uptime"`
	Time     string                 `json:"time"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// DatabaseHealth represents database health status
type DatabaseHealth struct {
	Status      string `json:"status"`
	Connections int    `json:"connections,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := HealthResponse{
		Status: "healthy",
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Time:   time.Now().UTC().Format(time.RFC3339),
	}

	// Check database
	if err := s.deps.Store.Health(ctx); err != nil {
		health.Status = "unhealthy"
		health.Database.Status = "unhealthy"
		health.Details = map[string]interface{}{
			"database_error": err.Error(),
		}
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}

	// Get database stats
	health.Database.Status = "healthy"
	if ps, ok := s.deps.Store.(interface{ Stats() *pgxpool.Stat }); ok {
		stats := ps.Stats()
		health.Database.Connections = int(stats.AcquiredConns())
		health.Database.MaxConns = stats.MaxConns()
	}

	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug().Err(err).Msg("Failed to write response")
	}
}
