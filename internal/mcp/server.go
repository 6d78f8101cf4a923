package mcp

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pgguard/pgguard/internal/gateway"
	"github.com/pgguard/pgguard/internal/ratelimit"
)

// MCPServer exposes the gateway over the Model Context Protocol so agents
// can discover schemas and run read-only SQL without going through the
// HTTP surface. Every query still runs the full executor pipeline; the
// transport changes, the guarantees do not.
type MCPServer struct {
	exec    *gateway.Executor
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *server.MCPServer

	// sessionID groups all queries of one MCP process in the audit log
	// and the session rate-limit window, mirroring the HTTP session token.
	sessionID string
}

// NewServer creates an MCPServer with all tools and resources registered.
// The returned server is ready to serve over stdio or HTTP.
func NewServer(exec *gateway.Executor, limiter *ratelimit.Limiter, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		exec:      exec,
		limiter:   limiter,
		logger:    logger,
		sessionID: uuid.NewString(),
	}

	mcpServer := server.NewMCPServer(
		"PGGuard SQL Gateway",
		"0.1.0",
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance. Useful for
// advanced configuration or testing.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode. This is the primary
// integration path for clients that launch the gateway as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode", "session_id", s.sessionID)
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode, listening on
// the given address (e.g. ":3001"). This is suitable for remote MCP clients.
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr, "session_id", s.sessionID)
	return httpServer.Start(addr)
}

// Every tool the gateway exposes is read-only; mutations never leave the
// validator in the first place.
func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
