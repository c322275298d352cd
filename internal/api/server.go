package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/btmidi/btmidid/internal/dispatch"
	"github.com/btmidi/btmidid/internal/health"
	"github.com/btmidi/btmidid/internal/infrastructure/config"
	"github.com/btmidi/btmidid/internal/infrastructure/logging"
	"github.com/btmidi/btmidid/internal/infrastructure/metrics"
	"github.com/btmidi/btmidid/internal/params"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ConnectionSource lists the stream connections being served.
type ConnectionSource interface {
	Active() []dispatch.ConnInfo
}

// ClientCounter reports connected control clients.
type ClientCounter interface {
	Clients() int
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Health  *health.Reporter
	Version string

	// Optional sources. Missing ones are omitted from /status.
	Connections ConnectionSource
	Control     ClientCounter
	Params      *params.Record

	// Metrics is served on /metrics when set.
	Metrics *metrics.Metrics

	// Hub is used instead of a new one when event sinks were wired to it
	// before the server was built.
	Hub *Hub
}

// Server is the status HTTP server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg         config.APIConfig
	logger      *logging.Logger
	health      *health.Reporter
	connections ConnectionSource
	control     ClientCounter
	params      *params.Record
	metrics     *metrics.Metrics
	version     string
	startTime   time.Time

	hub      *Hub
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Health == nil {
		return nil, fmt.Errorf("health reporter is required")
	}

	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.Logger)
	}

	return &Server{
		cfg:         deps.Config,
		logger:      deps.Logger,
		health:      deps.Health,
		connections: deps.Connections,
		control:     deps.Control,
		params:      deps.Params,
		metrics:     deps.Metrics,
		version:     deps.Version,
		startTime:   time.Now(),
		hub:         hub,
	}, nil
}

// Hub returns the WebSocket hub that live event sinks broadcast through.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in a background goroutine.
//
// Parameters:
//   - ctx: Parent of the hub's lifetime; Close also stops it
//
// Returns:
//   - error: If the address cannot be bound
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding API server on %s: %w", addr, err)
	}
	s.listener = ln

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server listening", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
