package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/cognalith/governor/internal/model"
)

const (
	uriAgents             = "governor://agents"
	uriPendingEscalations = "governor://escalations/pending"
	agentKnowledgePrefix  = "governor://agent/"
	agentKnowledgeSuffix  = "/knowledge"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(uriAgents, "Agents",
			mcplib.WithResourceDescription("Every governed agent with its performance snapshot and failure streak"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgents,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(uriPendingEscalations, "Pending Escalations",
			mcplib.WithResourceDescription("Escalations waiting for a human decision"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingEscalations,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(agentKnowledgePrefix+"{role}"+agentKnowledgeSuffix, "Agent Knowledge",
			mcplib.WithTemplateDescription("Effective knowledge of one agent: base, standard and active amendments merged"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentKnowledge,
	)
}

func (s *Server) handleAgents(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	agents, err := s.svc.Agents(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: agents: %w", err)
	}
	return jsonContents(uriAgents, agents)
}

func (s *Server) handlePendingEscalations(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	escalations, err := s.svc.Escalations(ctx, model.EscalationFilter{Status: model.EscalationPending})
	if err != nil {
		return nil, fmt.Errorf("mcp: pending escalations: %w", err)
	}
	return jsonContents(uriPendingEscalations, escalations)
}

func (s *Server) handleAgentKnowledge(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	role, ok := roleFromKnowledgeURI(uri)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid agent knowledge URI: %s", uri)
	}
	view, err := s.svc.Agent(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent knowledge: %w", err)
	}
	return jsonContents(uri, view.Knowledge)
}

// roleFromKnowledgeURI parses governor://agent/{role}/knowledge.
func roleFromKnowledgeURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, agentKnowledgePrefix)
	if !ok {
		return "", false
	}
	role, ok := strings.CutSuffix(rest, agentKnowledgeSuffix)
	if !ok || model.ValidateRole(role) != nil {
		return "", false
	}
	return role, true
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
