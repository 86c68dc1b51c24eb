// Command mcp is a stdio MCP server that relays tool calls and resource
// reads to a running agentgate instance using one agent or seller key.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentgate/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		GatewayURL: envOrDefault("AGENTGATE_URL", "http://localhost:8080"),
		Key:        os.Getenv("AGENTGATE_KEY"),
	}
	if cfg.Key == "" {
		fmt.Fprintln(os.Stderr, "AGENTGATE_KEY is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
