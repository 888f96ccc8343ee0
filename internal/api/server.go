// Package api provides the HTTP API server for CSV import submission and status.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/finance-importer/internal/importer"
	"github.com/finance-importer/internal/logging"
	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/service"
	"github.com/gorilla/mux"
)

// ImportServiceInterface defines the import operations exposed over HTTP
type ImportServiceInterface interface {
	Submit(ctx context.Context, userID string, req service.SubmitRequest) (*models.ImportJob, error)
	GetJob(ctx context.Context, userID, jobID string) (*models.ImportJobView, error)
	ListJobs(ctx context.Context, userID string) ([]*models.ImportJobView, error)
	DeleteJob(ctx context.Context, userID, jobID string) error
	Preview(ctx context.Context, csvData string, rows int) (*importer.PreviewResult, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router        *mux.Router
	httpServer    *http.Server
	importService ImportServiceInterface
	healthChecks  map[string]HealthCheck
	config        *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host             string
	Port             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	MaxBodyBytes     int64 // request body cap, slightly above the CSV limit to fit the JSON envelope
	SubmitsPerMinute int   // per-user import submissions
	SubmitBurst      int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, importService ImportServiceInterface, healthChecks map[string]HealthCheck) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		importService: importService,
		healthChecks:  healthChecks,
		config:        config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Preflight requests only need the CORS middleware
	s.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(UserContextMiddleware)

	limiter := NewRateLimiter(s.config.SubmitsPerMinute, s.config.SubmitBurst)
	submit := RateLimitMiddleware(limiter)(http.HandlerFunc(s.handleSubmitImport))

	api.Handle("/imports", submit).Methods("POST")
	api.HandleFunc("/imports", s.handleListImports).Methods("GET")
	api.HandleFunc("/imports/preview", s.handlePreviewImport).Methods("POST")
	api.HandleFunc("/imports/{id}", s.handleGetImport).Methods("GET")
	api.HandleFunc("/imports/{id}", s.handleDeleteImport).Methods("DELETE")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.healthChecks))
	status, code := "healthy", http.StatusOK
	for name, check := range s.healthChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "finance-importer",
		"checks":  checks,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}
