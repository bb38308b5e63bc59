// Ops-Center MCP Server - Exposes credit and usage tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/cobaltops/opscenter/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:   envOrDefault("OPSCENTER_API_URL", "http://localhost:8080"),
		APIKey:   os.Getenv("OPSCENTER_API_KEY"),
		Identity: os.Getenv("OPSCENTER_IDENTITY"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "OPSCENTER_API_KEY is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
