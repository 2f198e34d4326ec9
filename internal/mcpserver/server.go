// Package mcpserver exposes LayerLink's browser calls as MCP tools.
// Each tool takes no arguments, issues one correlated call over the relay and
// returns the extension's payload. HTTP mode binds only to 127.0.0.1.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/layerlink/layerlink/internal/config"
	"github.com/layerlink/layerlink/internal/correlator"
	"github.com/layerlink/layerlink/internal/logging"
	"github.com/layerlink/layerlink/internal/protocol"
	"github.com/layerlink/layerlink/internal/relay"
)

const (
	// DefaultPort is the default port for HTTP mode.
	DefaultPort = 5757

	// ServerName is the implementation name announced to clients.
	ServerName = "layerlink"
)

// TransportMode selects how clients reach the server.
type TransportMode string

const (
	// TransportModeSTDIO serves a single client over stdin/stdout.
	TransportModeSTDIO TransportMode = config.MCPModeStdio
	// TransportModeHTTP serves the Streamable HTTP transport.
	TransportModeHTTP TransportMode = config.MCPModeHTTP
)

// Caller performs one correlated call.
type Caller interface {
	Call(ctx context.Context, call protocol.Call) (*correlator.Result, error)
}

// StatusSource reports the relay's identity and link state.
type StatusSource interface {
	Health() relay.HealthReport
}

// Config holds the server configuration.
type Config struct {
	Mode TransportMode
	// Host and Port apply to HTTP mode. Port 0 picks a free port.
	Host     string
	Port     int
	Version  string
	Timeouts config.TimeoutsConfig
}

// Dependencies are the collaborators the tools run against.
type Dependencies struct {
	Caller Caller
	Status StatusSource
}

// Server is the MCP tool server.
type Server struct {
	mcpServer *mcp.Server
	logger    *slog.Logger
	cfg       Config
	deps      Dependencies

	mu           sync.RWMutex
	port         int
	listener     net.Listener
	httpSrv      *http.Server
	stdioSession *mcp.ServerSession
	stdioDone    chan struct{}
	running      bool
	shutdown     bool
}

// NewServer creates a server with all tools registered.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Caller == nil {
		return nil, errors.New("mcpserver: a caller is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = TransportModeSTDIO
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		logger: logging.MCP(),
		cfg:    cfg,
		deps:   deps,
		port:   cfg.Port,
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: cfg.Version,
	}, nil)
	s.registerTools()

	return s, nil
}

// Start starts serving. It does not block; use Wait in stdio mode.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.mu.Unlock()

	switch s.cfg.Mode {
	case TransportModeSTDIO:
		return s.startSTDIO(ctx)
	case TransportModeHTTP:
		return s.startHTTP()
	default:
		return fmt.Errorf("unknown transport mode: %s", s.cfg.Mode)
	}
}

// startHTTP serves the Streamable HTTP transport on /mcp and /.
func (s *Server) startHTTP() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.Handle("/", handler)

	s.mu.Lock()
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.running = true
	srv := s.httpSrv
	port := s.port
	s.mu.Unlock()

	s.logger.Info("MCP server started", "mode", "http", "address", addr, "port", port)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MCP server error", "error", err)
		}
	}()
	return nil
}

// startSTDIO connects a single session over stdin/stdout in the background.
func (s *Server) startSTDIO(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.stdioDone = make(chan struct{})
	done := s.stdioDone
	s.mu.Unlock()

	s.logger.Info("MCP server started", "mode", "stdio")

	go func() {
		defer close(done)

		session, err := s.mcpServer.Connect(ctx, &mcp.StdioTransport{}, nil)
		if err != nil {
			s.logger.Error("Failed to connect STDIO transport", "error", err)
			return
		}

		s.mu.Lock()
		s.stdioSession = session
		s.mu.Unlock()

		if err := session.Wait(); err != nil {
			s.logger.Debug("STDIO session ended", "error", err)
		}

		s.mu.Lock()
		s.running = false
		s.stdioSession = nil
		s.mu.Unlock()

		s.logger.Info("MCP server stopped", "mode", "stdio")
	}()

	return nil
}

// Wait blocks until the stdio session ends. In HTTP mode it returns at once.
func (s *Server) Wait() {
	s.mu.RLock()
	done := s.stdioDone
	s.mu.RUnlock()

	if done != nil {
		<-done
	}
}

// Done is closed when the stdio session ends. It is nil in HTTP mode.
func (s *Server) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stdioDone
}

// Stop stops the server gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.shutdown {
		return nil
	}
	s.shutdown = true
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("Error shutting down MCP HTTP server", "error", err)
		}
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.stdioSession != nil {
		if err := s.stdioSession.Close(); err != nil {
			s.logger.Warn("Error closing STDIO session", "error", err)
		}
	}

	s.logger.Info("MCP server stopped")
	return nil
}

// Port returns the listening port in HTTP mode.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Mode returns the transport mode.
func (s *Server) Mode() TransportMode {
	return s.cfg.Mode
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running && !s.shutdown
}
