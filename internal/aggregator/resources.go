package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"magg/internal/api"

	"github.com/mark3labs/mcp-go/mcp"
)

// Self-served resource URIs: per-backend metadata and the whole catalog
// snapshot.
func (s *Server) allServersURI() string {
	return fmt.Sprintf("%s://servers/all", api.ResourceScheme)
}

func (s *Server) serverURI(name string) string {
	return fmt.Sprintf("%s://server/%s", api.ResourceScheme, name)
}

func (s *Server) selfResourceURIs() []string {
	return []string{s.allServersURI()}
}

// registerSelfResources registers the aggregator's own resources: a
// static catalog snapshot and a template for per-backend metadata.
func (s *Server) registerSelfResources() {
	s.resourceManager.setActive(s.allServersURI(), true)
	s.mcpServer.AddResource(
		mcp.Resource{
			URI:         s.allServersURI(),
			Name:        "All servers",
			Description: "Snapshot of the whole server catalog with runtime state",
			MIMEType:    "application/json",
		},
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return s.readAllServers()
		},
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			fmt.Sprintf("%s://server/{name}", api.ResourceScheme),
			"Server metadata",
			mcp.WithTemplateDescription("Configuration and runtime state of one backend server"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return s.readServer(req.Params.URI)
		},
	)
}

func (s *Server) readAllServers() ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(map[string]any{"servers": s.summarizeServers()}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize catalog snapshot: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      s.allServersURI(),
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) readServer(uri string) ([]mcp.ResourceContents, error) {
	prefix := fmt.Sprintf("%s://server/", api.ResourceScheme)
	name := strings.TrimPrefix(uri, prefix)
	if name == "" || name == uri {
		return nil, api.NotFoundf("unknown resource %q", uri)
	}

	catalog := s.opts.Store.Current()
	srv, ok := catalog.Servers[name]
	if !ok {
		return nil, api.NotFoundf("unknown server %q", name)
	}

	data, err := json.MarshalIndent(s.summarizeServer(srv), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize server metadata: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
