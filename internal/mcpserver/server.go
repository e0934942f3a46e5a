// Package mcpserver exposes the tool catalog over the Model Context
// Protocol: stdio for spawned agents, SSE and streamable HTTP for remote
// clients. Every call funnels into the dispatcher.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/tools"
)

const (
	serverName    = "agenthive"
	serverVersion = "1.0.0"

	// tokenEnvVar is the fallback credential source for stdio sessions,
	// where there is no transport header to carry a bearer token.
	tokenEnvVar = "AGENTHIVE_TOKEN"
)

type tokenKey struct{}

// Config holds the MCP transport configuration.
type Config struct {
	Port int
}

// Server runs the SSE and streamable HTTP transports on one port, plus an
// optional stdio session. Both transports share one MCP server instance.
type Server struct {
	cfg                  Config
	mcpServer            *server.MCPServer
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	log                  *logger.Logger
}

// New builds the MCP server and registers every tool in the registry.
func New(cfg Config, registry *tools.Registry, dispatcher *tools.Dispatcher) *Server {
	s := &Server{
		cfg: cfg,
		log: logger.New("mcp-server"),
	}

	s.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
	)
	registerTools(s.mcpServer, registry, dispatcher, s.log)
	return s
}

// bearerFromRequest stashes the Authorization header so tool handlers can
// authenticate the call.
func bearerFromRequest(ctx context.Context, r *http.Request) context.Context {
	token := r.Header.Get("Authorization")
	if len(token) > 7 && token[:7] == "Bearer " {
		token = token[7:]
	}
	return context.WithValue(ctx, tokenKey{}, token)
}

// callToken resolves the caller's credential: transport header first, then
// an explicit token argument, then the process environment (stdio).
func callToken(ctx context.Context, args map[string]any) string {
	if token, _ := ctx.Value(tokenKey{}).(string); token != "" {
		return token
	}
	if token, ok := args["token"].(string); ok && token != "" {
		delete(args, "token")
		return token
	}
	return os.Getenv(tokenEnvVar)
}

// Handler builds the SSE and streamable HTTP transports and returns a mux
// serving /sse, /message and /mcp. Callers embed it in a larger server or
// hand it to Start.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sseServer == nil {
		s.sseServer = server.NewSSEServer(s.mcpServer,
			server.WithSSEContextFunc(bearerFromRequest),
		)
		s.streamableHTTPServer = server.NewStreamableHTTPServer(s.mcpServer,
			server.WithEndpointPath("/mcp"),
			server.WithHTTPContextFunc(bearerFromRequest),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)
	return mux
}

// Start brings up both HTTP transports on a dedicated listener and returns
// once listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mux := s.Handler()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeStdio runs a stdio MCP session on the current process's stdin and
// stdout. Blocks until the stream closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Stop gracefully shuts down both transports and, when Start was used,
// the dedicated listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown mcp http server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.log.Warn("SSE server shutdown failed", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.log.Warn("Streamable HTTP server shutdown failed", zap.Error(err))
		}
	}
	return nil
}

// Port returns the bound port, useful when configured with port 0.
func (s *Server) Port() int { return s.cfg.Port }
