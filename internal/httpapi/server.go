// Package httpapi exposes the broker over HTTP: JSON publish and envelope
// ingestion, SSE consume streams, and admin endpoints for topology and
// stats.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/channelmesh/topicbus/broker"
	"github.com/channelmesh/topicbus/correlation"
	"github.com/channelmesh/topicbus/monitor"
)

// Config holds server configuration
type Config struct {
	Addr string

	// DefaultExchange receives envelope ingestion when the request does not
	// name one.
	DefaultExchange string

	// AllowedOrigins configures CORS. Empty means same-origin only.
	AllowedOrigins []string
}

// Server is the HTTP front end over a broker.
type Server struct {
	broker    *broker.Broker
	inspector *monitor.Inspector
	collector *monitor.Collector
	health    *monitor.HealthRegistry
	tracker   *correlation.Tracker
	logger    *slog.Logger
	config    Config
	handlers  *Handlers
	server    *http.Server
}

// ServerOption configures the server
type ServerOption func(*Server)

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCollector exposes the collector's summary on the stats endpoint.
func WithCollector(c *monitor.Collector) ServerOption {
	return func(s *Server) {
		s.collector = c
	}
}

// WithHealthRegistry serves the registry's report on /healthz.
func WithHealthRegistry(r *monitor.HealthRegistry) ServerOption {
	return func(s *Server) {
		s.health = r
	}
}

// WithTracker enables correlation tracking on envelope ingestion.
func WithTracker(t *correlation.Tracker) ServerOption {
	return func(s *Server) {
		s.tracker = t
	}
}

// NewServer creates the HTTP server. Call Start to begin serving.
func NewServer(b *broker.Broker, config Config, options ...ServerOption) *Server {
	s := &Server{
		broker:    b,
		inspector: monitor.NewInspector(b),
		logger:    slog.Default(),
		config:    config,
	}

	for _, opt := range options {
		opt(s)
	}
	if s.health == nil {
		s.health = monitor.NewHealthRegistry()
	}

	s.handlers = NewHandlers(s)
	s.server = &http.Server{
		Addr:    config.Addr,
		Handler: s.routes(),
		// No WriteTimeout: SSE consume streams are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info("http api listening", "addr", s.config.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains connections and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/publish", s.handlers.Publish)
	mux.HandleFunc("POST /api/v1/events", s.handlers.IngestEnvelope)

	mux.HandleFunc("GET /api/v1/queues", s.handlers.ListQueues)
	mux.HandleFunc("GET /api/v1/queues/{name}", s.handlers.GetQueue)
	mux.HandleFunc("POST /api/v1/queues/{name}/purge", s.handlers.PurgeQueue)
	mux.HandleFunc("GET /api/v1/queues/{name}/stream", s.handlers.StreamQueue)

	mux.HandleFunc("GET /api/v1/bindings", s.handlers.ListBindings)
	mux.HandleFunc("POST /api/v1/bindings", s.handlers.CreateBinding)
	mux.HandleFunc("DELETE /api/v1/bindings", s.handlers.DeleteBinding)

	mux.HandleFunc("GET /api/v1/stats", s.handlers.Stats)
	mux.Handle("GET /healthz", s.health.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	})

	return s.recovery(s.logging(c.Handler(mux)))
}
