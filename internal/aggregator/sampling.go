package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"magg/internal/api"
	"magg/internal/config"
	"magg/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// requestSampling sends a sampling request back out on the originating
// client session and returns the model's text reply. Sessions that never
// declared the sampling capability fail with a capability-missing
// validation error.
func (s *Server) requestSampling(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.mu.RLock()
	mcpSrv := s.mcpServer
	s.mu.RUnlock()
	if mcpSrv == nil {
		return "", fmt.Errorf("aggregator server not started")
	}

	result, err := mcpSrv.RequestSampling(ctx, mcp.CreateMessageRequest{
		CreateMessageParams: mcp.CreateMessageParams{
			Messages: []mcp.SamplingMessage{
				{
					Role:    mcp.RoleUser,
					Content: mcp.TextContent{Type: "text", Text: userPrompt},
				},
			},
			SystemPrompt: systemPrompt,
			MaxTokens:    4000,
		},
	})
	if err != nil {
		if ctxErr := api.FromContext(ctx); ctxErr != nil {
			return "", ctxErr
		}
		return "", api.Validationf("client session does not support sampling: %v", err)
	}

	if text, ok := result.Content.(mcp.TextContent); ok {
		return text.Text, nil
	}
	return "", api.Validationf("sampling reply carried no text content")
}

const smartConfigureSystemPrompt = `You configure MCP servers for an aggregator.
Given a URI describing an MCP server (package page, repository or endpoint),
reply with a single JSON object and nothing else:
{"name": "<short identifier>", "command": "<command line or null>",
 "uri": "<http endpoint or null>", "prefix": "<identifier or null>",
 "notes": "<one line>"}
Exactly one of command or uri must be non-null.`

// handleSmartConfigure asks the client-side model to produce a server
// config for a URI, then adds the result to the catalog.
func (s *Server) handleSmartConfigure(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	uri, err := requireStringArg(args, "uri")
	if err != nil {
		return nil, err
	}

	reply, err := s.requestSampling(ctx, smartConfigureSystemPrompt,
		fmt.Sprintf("Configure the MCP server described by: %s", uri))
	if err != nil {
		return nil, err
	}

	suggestion := struct {
		Name    string  `json:"name"`
		Command *string `json:"command"`
		URI     *string `json:"uri"`
		Prefix  *string `json:"prefix"`
		Notes   string  `json:"notes"`
	}{}
	if err := json.Unmarshal([]byte(extractJSONObject(reply)), &suggestion); err != nil {
		return nil, api.Validationf("model reply was not a config object: %v", err)
	}

	name := stringArg(args, "name")
	if name == "" {
		name = suggestion.Name
	}
	srv := &config.ServerConfig{
		Name:    name,
		Source:  uri,
		Notes:   suggestion.Notes,
		Prefix:  suggestion.Prefix,
		Enabled: true,
	}
	if suggestion.Command != nil {
		srv.Command = *suggestion.Command
	}
	if suggestion.URI != nil {
		srv.URI = *suggestion.URI
	}
	if err := config.ValidateServer(srv, s.opts.Settings.Separator); err != nil {
		return nil, err
	}

	catalog := s.opts.Store.Current()
	if _, exists := catalog.Servers[name]; exists {
		return nil, api.Validationf("server %q already exists", name)
	}
	catalog.Add(srv)
	if err := s.reconfigure(ctx, catalog); err != nil {
		return nil, err
	}

	logging.Info("Aggregator", "Smart-configured server %s from %s", name, uri)
	return jsonResult(map[string]any{
		"added":  name,
		"config": srv,
	})
}

// handleAnalyzeServers asks the client-side model for an analysis of the
// current setup.
func (s *Server) handleAnalyzeServers(ctx context.Context) (*mcp.CallToolResult, error) {
	status, err := json.MarshalIndent(s.summarizeServers(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize server summaries: %w", err)
	}

	reply, err := s.requestSampling(ctx,
		"You analyze an MCP aggregator's backend servers. Point out failures, misconfigurations and overlap. Be brief.",
		fmt.Sprintf("Current servers:\n%s", string(status)))
	if err != nil {
		return nil, err
	}
	return textResult(reply), nil
}

// extractJSONObject trims whatever the model wrapped around the first
// top-level JSON object (markdown fences, prose).
func extractJSONObject(reply string) string {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return reply
	}
	return reply[start : end+1]
}
