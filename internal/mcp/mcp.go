// Package mcp exposes the governor through the Model Context Protocol.
//
// Agents read their instructions and report task outcomes through tools;
// operators review the approval and escalation queues. Every tool delegates
// to the governor service, so MCP and HTTP apply the same rules.
package mcp

import (
	"encoding/json"
	"errors"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/cognalith/governor/internal/safety"
	"github.com/cognalith/governor/internal/service/governor"
)

// Server wraps the MCP server with the governor service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *governor.Service
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources, tools and
// prompts.
func New(svc *governor.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"governor",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// serviceErrorResult reports a service error to the caller. Safety
// violations are listed one per line.
func serviceErrorResult(err error) *mcplib.CallToolResult {
	var ve *safety.ValidationError
	if errors.As(err, &ve) {
		msg := "blocked by safety checks:"
		for _, v := range ve.Violations {
			msg += "\n- " + string(v.Constraint) + ": " + v.Message
		}
		return errorResult(msg)
	}
	return errorResult(err.Error())
}
