package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgguard/pgguard/internal/mcp"
	"github.com/pgguard/pgguard/internal/service"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes the gateway as
tools for AI agents. The agent can list databases, explore the policy-visible
schema, and run read-only SQL; every query goes through the same validation,
policy, and audit pipeline as the HTTP API.

In stdio mode the server communicates over stdin/stdout using JSON-RPC,
suitable for MCP clients that launch the gateway as a subprocess. In HTTP
mode it listens on the given port for Streamable HTTP connections.`,
		Example: `  pgguard mcp                              # stdio mode
  pgguard mcp --transport http --port 3001 # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(transport string, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	app, err := service.NewApp(context.Background(), cfg, resolveDataDir(), logger)
	if err != nil {
		return err
	}
	defer app.Close()

	mcpSrv := mcp.NewServer(app.Executor, app.Limiter, logger)

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		return mcpSrv.ServeHTTP(fmt.Sprintf(":%d", port))
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
