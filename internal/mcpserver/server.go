package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Ops-Center tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("opscenter", "1.0.0")
	client := NewOpsClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolEstimateCost, h.HandleEstimateCost)
	s.AddTool(ToolChargeUsage, h.HandleChargeUsage)
	s.AddTool(ToolGetHistory, h.HandleGetHistory)
	s.AddTool(ToolGetOrgPool, h.HandleGetOrgPool)
	s.AddTool(ToolGetOrgUsage, h.HandleGetOrgUsage)

	return s
}
