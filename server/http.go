// Package server provides the HTTP server for the story cache.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/story-cache/classify"
	"github.com/wolfeidau/story-cache/clients"
	"github.com/wolfeidau/story-cache/download"
	"github.com/wolfeidau/story-cache/lifecycle"
	"github.com/wolfeidau/story-cache/manifest"
	"github.com/wolfeidau/story-cache/store/generations"
	"github.com/wolfeidau/story-cache/store/records"
	"github.com/wolfeidau/story-cache/strategy"
	"github.com/wolfeidau/story-cache/telemetry"
)

const classInternal = "internal"

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataDir holds the record and cache databases.
	DataDir string

	// Origin is the application origin that serves the shell, e.g.
	// "https://stories.example.com". Origin-form requests are resolved
	// against it.
	Origin string

	// APIPrefix is the story API base URL, e.g. "https://story-api.dicoding.dev/v1".
	APIPrefix string

	// Generations names the current cache generations.
	// Default: shell-v1, images-v1, api-snapshot-v1
	Generations generations.Set

	// Manifest lists the shell URLs to precache, relative to Origin or
	// absolute. Default: manifest.DefaultPaths
	Manifest []string

	// APIToken is attached to API requests that carry no Authorization
	// header of their own (optional).
	APIToken string

	// AuthToken protects the /_sw and /_offline routes (optional).
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the story cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	origin     *url.URL
	version    lifecycle.Version

	// Components
	records   *records.Store
	cache     *generations.Manager
	engine    *strategy.Engine
	lifecycle *lifecycle.Controller
	hub       *clients.Hub
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Generations == (generations.Set{}) {
		cfg.Generations = generations.NewSet(1, 1, 1)
	}
	if len(cfg.Manifest) == 0 {
		cfg.Manifest = manifest.DefaultPaths
	}
	if err := cfg.Generations.Validate(); err != nil {
		return nil, err
	}

	origin, err := url.Parse(cfg.Origin)
	if err != nil || (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute http(s) URL: %q", cfg.Origin)
	}
	classifier, err := classify.New(cfg.APIPrefix)
	if err != nil {
		return nil, fmt.Errorf("creating classifier: %w", err)
	}
	shellURLs, err := manifest.Resolve(cfg.Manifest, origin)
	if err != nil {
		return nil, fmt.Errorf("resolving manifest: %w", err)
	}

	recordStore := records.New(filepath.Join(cfg.DataDir, "records.db"),
		records.WithLogger(cfg.Logger.With("component", "records")),
	)
	if err := recordStore.Open(context.Background()); err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	cache := generations.NewManager(filepath.Join(cfg.DataDir, "cache.db"),
		generations.WithLogger(cfg.Logger.With("component", "generations")),
	)

	upstreamOpts := []strategy.UpstreamOption{strategy.WithAPIURL(cfg.APIPrefix)}
	if cfg.APIToken != "" {
		upstreamOpts = append(upstreamOpts, strategy.WithBearerToken(cfg.APIToken))
	}
	upstream := strategy.NewUpstream(upstreamOpts...)

	hub := clients.NewHub(clients.WithLogger(cfg.Logger))
	controller := lifecycle.New(cache, upstream,
		lifecycle.WithLogger(cfg.Logger),
		lifecycle.WithClaimer(hub),
	)
	engine := strategy.NewEngine(classifier, cache, recordStore, controller,
		strategy.WithLogger(cfg.Logger.With("component", "strategy")),
		strategy.WithUpstream(upstream),
		strategy.WithDownloader(download.New(download.WithLogger(cfg.Logger.With("component", "download")))),
		strategy.WithOrigin(origin),
	)

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		origin:    origin,
		version:   lifecycle.Version{Generations: cfg.Generations, Manifest: shellURLs},
		records:   recordStore,
		cache:     cache,
		engine:    engine,
		lifecycle: controller,
		hub:       hub,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.loggingMiddleware(s.dispatch(mux)),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: revalidation is detached, but image fetches and
		// websocket pages may legitimately outlive a fixed write deadline.
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Coordinator control surface
	mux.Handle("GET /_sw/status", s.authMiddleware(http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /_sw/generations", s.authMiddleware(http.HandlerFunc(s.handleGenerations)))
	mux.Handle("POST /_sw/install", s.authMiddleware(http.HandlerFunc(s.handleInstall)))
	mux.Handle("GET /_sw/clients", s.authMiddleware(s.hub))
	mux.Handle("POST /_sw/push", s.authMiddleware(http.HandlerFunc(s.handlePush)))
	mux.Handle("POST /_sw/notifications/click", s.authMiddleware(http.HandlerFunc(s.handleNotificationClick)))

	// Durable store surface for the page
	mux.Handle("GET /_offline/stories", s.authMiddleware(http.HandlerFunc(s.handleListStories)))
	mux.Handle("GET /_offline/stories/{id}", s.authMiddleware(http.HandlerFunc(s.handleGetStory)))
	mux.Handle("PUT /_offline/stories", s.authMiddleware(http.HandlerFunc(s.handlePutStory)))
	mux.Handle("POST /_offline/stories", s.authMiddleware(http.HandlerFunc(s.handlePutStory)))
	mux.Handle("DELETE /_offline/stories/{id}", s.authMiddleware(http.HandlerFunc(s.handleDeleteStory)))

	// Everything else is intercepted traffic.
	mux.Handle("/", s.engine)
}

// dispatch sends absolute-form requests for other hosts straight to the
// engine. Internal routes only exist on the proxy's own origin.
func (s *Server) dispatch(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.proxied(r) {
			s.engine.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// proxied reports whether r is an absolute-form request for a host other
// than the origin.
func (s *Server) proxied(r *http.Request) bool {
	return r.URL.IsAbs() && !strings.EqualFold(r.URL.Host, s.origin.Host)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set class, cache_result, endpoint.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r.Context())
		if !s.proxied(r) && isInternal(r.URL.Path) {
			telemetry.SetClass(r.Context(), classInternal)
			telemetry.SetEndpoint(r.Context(), r.URL.Path)
			telemetry.SetCacheResult(r.Context(), telemetry.CacheNA)
		}

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.String(),

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Class != "" {
			attrs = append(attrs, "class", tags.Class)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start installs and activates the configured version, then serves. A failed
// install is logged and the server keeps running uncontrolled, passing
// traffic straight to the network.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Install(ctx); err != nil {
		s.logger.Error("install failed, serving uncontrolled", "error", err)
	}

	s.logger.Info("starting server", "address", s.config.Address, "origin", s.origin.String(), "api", s.config.APIPrefix)
	return s.httpServer.ListenAndServe()
}

// Install registers the configured version with the lifecycle controller.
func (s *Server) Install(ctx context.Context) error {
	_, err := s.lifecycle.Register(ctx, s.version)
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	// Hijacked websocket connections are not tracked by http.Server.
	s.hub.Close()
	err := s.httpServer.Shutdown(ctx)
	s.Close()
	return err
}

// Close stops background work and closes the databases.
func (s *Server) Close() {
	s.engine.Close()
	if err := s.cache.Close(); err != nil {
		s.logger.Error("failed to close cache database", "error", err)
	}
	if err := s.records.Close(); err != nil {
		s.logger.Error("failed to close record store", "error", err)
	}
}

// Handler returns the root handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// isInternal reports whether path is served by the cache itself rather than
// intercepted.
func isInternal(path string) bool {
	switch {
	case path == "/health" || path == "/metrics":
		return true
	case strings.HasPrefix(path, "/_sw/") || strings.HasPrefix(path, "/_offline/"):
		return true
	}
	return false
}
