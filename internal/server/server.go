// Package server exposes the relay over HTTP: an SSE stream endpoint, a
// websocket variant of it, and small administration routes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/aitools-relay/internal/auth"
	"github.com/workspace/aitools-relay/internal/catalog"
	"github.com/workspace/aitools-relay/internal/config"
	"github.com/workspace/aitools-relay/internal/persistence"
	"github.com/workspace/aitools-relay/internal/relay"
	"github.com/workspace/aitools-relay/internal/streams"
)

// ErrServerStopping is the cancel cause of streams still running at shutdown.
var ErrServerStopping = errors.New("server shutting down")

// maxRequestBytes bounds the JSON body of a stream request.
const maxRequestBytes = 1 << 20

// Options wires the server's collaborators.
type Options struct {
	Config   *config.Config
	Relay    *relay.Relay
	Catalog  *catalog.Store
	Registry *streams.Registry
	// Store is optional; run history routes answer 503 without it.
	Store *persistence.Store
	// Validator is nil when authentication is disabled.
	Validator *auth.JWTValidator
	Logger    *slog.Logger
}

// Server is the HTTP server of the relay.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	relay      *relay.Relay
	catalog    *catalog.Store
	registry   *streams.Registry
	store      *persistence.Store
	validator  *auth.JWTValidator
	logger     *slog.Logger
	started    time.Time
}

// New creates a server. Nothing listens until Start.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    opts.Config,
		relay:     opts.Relay,
		catalog:   opts.Catalog,
		registry:  opts.Registry,
		store:     opts.Store,
		validator: opts.Validator,
		logger:    logger,
		started:   time.Now().UTC(),
	}
	if s.registry == nil {
		s.registry = streams.NewRegistry()
	}

	s.httpServer = &http.Server{
		Addr:        s.config.Addr(),
		Handler:     s.Handler(),
		ReadTimeout: s.config.HTTPReadTimeout,
		// No WriteTimeout: streams last as long as the tool runs.
		IdleTimeout: s.config.HTTPIdleTimeout,
	}
	return s
}

// Handler returns the root handler with CORS and authentication applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// A typed nil pointer would not compare equal to a nil interface.
	var v auth.Validator
	if s.validator != nil {
		v = s.validator
	}
	return corsMiddleware(auth.Middleware(v, s.logger, "/health")(mux), s.config.AllowedOrigins)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/stream/ws", s.handleStreamWS)

	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("GET /v1/schema/request", s.handleRequestSchema)

	mux.HandleFunc("GET /v1/streams", s.handleListStreams)
	mux.HandleFunc("DELETE /v1/streams/{id}", s.handleCancelStream)

	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
}

// Start listens until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting relay", "addr", s.httpServer.Addr, "auth", s.validator != nil)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop cancels running streams and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if n := s.registry.CancelAll(ErrServerStopping); n > 0 {
		s.logger.Info("Canceled running streams", "count", n)
	}
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed reports whether origin matches the allow list. Entries may
// be "*", an exact origin, or a wildcard subdomain pattern like
// "https://*.example.com".
func originAllowed(origin string, allowed []string) bool {
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
		if strings.Contains(o, "*") && matchWildcardOrigin(origin, o) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The subdomain part must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}
