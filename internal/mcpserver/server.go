package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Pacebreak tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("pacebreak", "1.0.0")
	client := NewPacebreakClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetRiskState, h.HandleGetRiskState)
	s.AddTool(ToolGetRiskHistory, h.HandleGetRiskHistory)
	s.AddTool(ToolGetCurrentSession, h.HandleGetCurrentSession)
	s.AddTool(ToolListInterventions, h.HandleListInterventions)
	s.AddTool(ToolRespondToIntervention, h.HandleRespondToIntervention)
	s.AddTool(ToolGetPolicy, h.HandleGetPolicy)
	s.AddTool(ToolSetPolicy, h.HandleSetPolicy)
	s.AddTool(ToolGetAgentState, h.HandleGetAgentState)
	s.AddTool(ToolGetOverview, h.HandleGetOverview)

	return s
}
