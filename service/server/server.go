package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/txscope/service/metadata"
	"github.com/brojonat/txscope/service/metrics"
	"github.com/brojonat/txscope/service/query"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultFetchTimeout bounds page loads and metadata lookups started by a
// request.
const DefaultFetchTimeout = 30 * time.Second

// Server represents the HTTP server for the history search service.
type Server struct {
	addr         string
	sessions     *Sessions
	cache        *metadata.Cache
	aliases      *query.AliasTable
	fetchTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The cache is optional - if nil, the token endpoint answers 503 and searches
// resolve token names through the alias table only.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, sessions *Sessions, cache *metadata.Cache, aliases *query.AliasTable, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		sessions:     sessions,
		cache:        cache,
		aliases:      aliases,
		fetchTimeout: DefaultFetchTimeout,
		metrics:      m,
		logger:       logger.With("component", "http_server"),
	}
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func (s *Server) WithFetchTimeout(d time.Duration) *Server {
	if d > 0 {
		s.fetchTimeout = d
	}
	return s
}

// Handler builds the routed handler, CORS included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session routes
	s.handle(mux, "POST /api/v1/sessions", handleCreateSession(s.sessions, s.fetchTimeout, s.logger))
	s.handle(mux, "GET /api/v1/sessions/{address}", handleGetSession(s.sessions, s.logger))
	s.handle(mux, "DELETE /api/v1/sessions/{address}", handleDeleteSession(s.sessions, s.logger))
	s.handle(mux, "POST /api/v1/sessions/{address}/more", handleLoadMore(s.sessions, s.fetchTimeout, s.logger))
	s.handle(mux, "GET /api/v1/sessions/{address}/transactions", handleSearch(s.sessions, s.logger))

	// Query and token routes
	s.handle(mux, "GET /api/v1/tokens/{mint}", handleGetToken(s.cache, s.fetchTimeout, s.logger))
	s.handle(mux, "GET /api/v1/parse", handleParse(s.aliases, s.cache, s.logger))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// handle registers h under pattern, instrumented with the pattern as the
// handler label.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, pattern)(h))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.fetchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
