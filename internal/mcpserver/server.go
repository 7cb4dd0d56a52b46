package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all trustscore tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("trustscore", version)
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListSessions, h.HandleListSessions)
	s.AddTool(ToolGetRiskAssessment, h.HandleGetRiskAssessment)
	s.AddTool(ToolListAssessments, h.HandleListAssessments)
	s.AddTool(ToolGetSessionSummary, h.HandleGetSessionSummary)
	s.AddTool(ToolGetIPReport, h.HandleGetIPReport)
	s.AddTool(ToolExportSession, h.HandleExportSession)
	s.AddTool(ToolTerminateSession, h.HandleTerminateSession)
	s.AddTool(ToolBlacklist, h.HandleBlacklist)
	s.AddTool(ToolGetServiceHealth, h.HandleGetServiceHealth)

	return s
}
