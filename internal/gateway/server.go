package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/propgw/internal/middleware"
	"github.com/vyrodovalexey/propgw/internal/observability"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port              int
	Address           string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	Production        bool
	TrustProxyHeaders bool
	TrustedProxies    []string
}

// DefaultServerConfig returns a ServerConfig with default values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:              8080,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		MaxBodyBytes:      middleware.DefaultMaxBodyBytes,
	}
}

// Handlers are the endpoints mounted by the server.
type Handlers struct {
	Pipeline http.Handler
	Health   http.Handler
	Metrics  http.Handler
	Info     http.Handler
}

// Server is the gateway HTTP listener.
type Server struct {
	config     ServerConfig
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	logger     observability.Logger
	done       chan struct{}
	mu         sync.RWMutex
	running    bool
}

// NewServer creates a server. The pipeline handles every path not claimed
// by the health, metrics and info endpoints.
func NewServer(
	cfg ServerConfig, h Handlers, logger observability.Logger, metrics *observability.Metrics,
) (*Server, error) {
	if h.Pipeline == nil {
		return nil, errors.New("pipeline handler is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	mux := http.NewServeMux()
	if h.Health != nil {
		mux.Handle("GET /health", h.Health)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.Info != nil {
		mux.Handle("GET /api/v1/info", h.Info)
	}
	mux.Handle("/", h.Pipeline)

	extractor := middleware.NewClientIPExtractor(cfg.TrustProxyHeaders, cfg.TrustedProxies)
	handler := middleware.Chain(mux,
		middleware.Recovery(logger, cfg.Production),
		middleware.ActiveConnections(metrics),
		middleware.SecurityHeaders(),
		middleware.BodyLimit(cfg.MaxBodyBytes, logger),
		middleware.ClientIP(extractor),
	)

	return &Server{
		config:  cfg,
		handler: handler,
		logger:  logger,
	}, nil
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server already running")
	}

	addr := net.JoinHostPort(s.config.Address, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}
	s.listener = ln
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("starting HTTP server",
		observability.String("address", ln.Addr().String()),
		observability.Duration("read_timeout", s.config.ReadTimeout),
		observability.Duration("write_timeout", s.config.WriteTimeout),
	)

	go s.serve(s.httpServer, ln, s.done)
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, done chan struct{}) {
	defer close(done)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP server failed", observability.Error(err))
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the HTTP server gracefully, waiting for in-flight requests
// until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv, done := s.httpServer, s.done
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	<-done

	s.logger.Info("HTTP server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
