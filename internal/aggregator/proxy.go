package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"magg/internal/api"
	"magg/internal/backend"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// proxyToolName is the single meta-tool exposing list/info/call over the
// whole aggregated surface.
const proxyToolName = "proxy"

// Proxy parameter vocabulary.
const (
	proxyActionList = "list"
	proxyActionInfo = "info"
	proxyActionCall = "call"

	proxyTypeTool     = "tool"
	proxyTypeResource = "resource"
	proxyTypePrompt   = "prompt"
)

// dataType tags for proxy responses, free of implementation detail.
var proxyDataTypes = map[string]string{
	proxyTypeTool:     "Tool",
	proxyTypeResource: "Resource|ResourceTemplate",
	proxyTypePrompt:   "Prompt",
}

// selfClient lazily opens the reserved in-process transport against the
// aggregator's own MCP server. The proxy introspects through it, so
// list and info see exactly what a connected client would see.
type selfClient struct {
	mu     sync.Mutex
	client *backend.InProcessClient
}

func (s *Server) self(ctx context.Context) (*backend.InProcessClient, error) {
	s.selfConn.mu.Lock()
	defer s.selfConn.mu.Unlock()
	if s.selfConn.client != nil {
		return s.selfConn.client, nil
	}

	s.mu.RLock()
	mcpSrv := s.mcpServer
	s.mu.RUnlock()
	if mcpSrv == nil {
		return nil, fmt.Errorf("aggregator server not started")
	}

	client := backend.NewInProcessClient(mcpSrv)
	if err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to open in-process transport: %w", err)
	}
	s.selfConn.client = client
	return client, nil
}

// registerProxyTool registers the proxy meta-tool.
func (s *Server) registerProxyTool() {
	s.toolManager.setActive(proxyToolName, true)
	s.mcpServer.AddTools(mcpserver.ServerTool{
		Tool: mcp.Tool{
			Name:        proxyToolName,
			Description: "List, inspect and invoke aggregated tools, resources and prompts through one typed interface",
			InputSchema: objectSchema(map[string]interface{}{
				"action": map[string]interface{}{
					"type":        "string",
					"enum":        []string{proxyActionList, proxyActionInfo, proxyActionCall},
					"description": "Operation to perform",
				},
				"type": map[string]interface{}{
					"type":        "string",
					"enum":        []string{proxyTypeTool, proxyTypeResource, proxyTypePrompt},
					"description": "Capability class to operate on",
				},
				"path": stringProp("Capability name or URI; required for info and call, forbidden for list"),
				"args": map[string]interface{}{
					"type":        "object",
					"description": "Arguments for call",
				},
			}, "action", "type"),
		},
		Handler: s.handleProxyTool,
	})
}

// proxyRequest is the validated parameter set of one proxy invocation.
type proxyRequest struct {
	action string
	typ    string
	path   string
	args   map[string]interface{}
}

// parseProxyRequest applies the strict parameter contract: out-of-range,
// missing or forbidden parameters fail before any dispatch happens.
func parseProxyRequest(args map[string]interface{}) (*proxyRequest, error) {
	req := &proxyRequest{}

	action, ok := args["action"].(string)
	if !ok || action == "" {
		return nil, api.Validationf("action is required")
	}
	switch action {
	case proxyActionList, proxyActionInfo, proxyActionCall:
	default:
		return nil, api.Validationf("action must be list, info or call, got %q", action)
	}
	req.action = action

	typ, ok := args["type"].(string)
	if !ok || typ == "" {
		return nil, api.Validationf("type is required")
	}
	switch typ {
	case proxyTypeTool, proxyTypeResource, proxyTypePrompt:
	default:
		return nil, api.Validationf("type must be tool, resource or prompt, got %q", typ)
	}
	req.typ = typ

	path, hasPath := args["path"]
	switch action {
	case proxyActionList:
		if hasPath {
			return nil, api.Validationf("path is forbidden for list")
		}
	default:
		str, ok := path.(string)
		if !ok || str == "" {
			return nil, api.Validationf("path is required for %s", action)
		}
		req.path = str
	}

	callArgs, hasArgs := args["args"]
	if hasArgs {
		if action != proxyActionCall {
			return nil, api.Validationf("args is allowed only for call")
		}
		argsMap, ok := callArgs.(map[string]interface{})
		if !ok {
			return nil, api.Validationf("args must be an object")
		}
		req.args = argsMap
	}

	return req, nil
}

// handleProxyTool validates and dispatches one proxy invocation.
func (s *Server) handleProxyTool(ctx context.Context, callReq mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := make(map[string]interface{})
	if callReq.Params.Arguments != nil {
		if argsMap, ok := callReq.Params.Arguments.(map[string]interface{}); ok {
			args = argsMap
		}
	}

	req, err := parseProxyRequest(args)
	if err != nil {
		return nil, err
	}

	switch req.action {
	case proxyActionList:
		return s.proxyList(ctx, req)
	case proxyActionInfo:
		return s.proxyInfo(ctx, req)
	default:
		return s.proxyCall(ctx, req)
	}
}

// proxyAnnotations builds the response envelope annotations.
func proxyAnnotations(action, typ, path string, many bool, extra map[string]any) *mcp.Meta {
	fields := map[string]any{
		"proxyAction": action,
		"proxyType":   typ,
		"dataType":    proxyDataTypes[typ],
		"many":        many,
	}
	if path != "" {
		fields["proxyPath"] = path
	}
	for k, v := range extra {
		fields[k] = v
	}
	return &mcp.Meta{AdditionalFields: fields}
}

// embeddedJSON wraps a JSON payload as the single embedded resource
// content item the proxy contract specifies for list and info.
func embeddedJSON(uri string, payload any) (mcp.EmbeddedResource, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.EmbeddedResource{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	return mcp.EmbeddedResource{
		Type: "resource",
		Resource: mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// proxyList answers list actions with the full capability metadata array
// of one kind, observed through the in-process transport.
func (s *Server) proxyList(ctx context.Context, req *proxyRequest) (*mcp.CallToolResult, error) {
	self, err := s.self(ctx)
	if err != nil {
		return nil, err
	}

	var payload any
	switch req.typ {
	case proxyTypeTool:
		tools, err := self.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		payload = tools
	case proxyTypeResource:
		resources, err := self.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		entries := make([]any, 0, len(resources))
		for _, resource := range resources {
			entries = append(entries, resource)
		}
		if templates, err := self.ListResourceTemplates(ctx); err == nil {
			for _, template := range templates {
				entries = append(entries, template)
			}
		}
		payload = entries
	case proxyTypePrompt:
		prompts, err := self.ListPrompts(ctx)
		if err != nil {
			return nil, err
		}
		payload = prompts
	}

	embedded, err := embeddedJSON(fmt.Sprintf("%s://proxy/%s", api.ResourceScheme, req.typ), payload)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Result:  mcp.Result{Meta: proxyAnnotations(req.action, req.typ, "", true, nil)},
		Content: []mcp.Content{embedded},
	}, nil
}

// proxyInfo answers info actions with the metadata object of one
// capability.
func (s *Server) proxyInfo(ctx context.Context, req *proxyRequest) (*mcp.CallToolResult, error) {
	self, err := s.self(ctx)
	if err != nil {
		return nil, err
	}

	var payload any
	switch req.typ {
	case proxyTypeTool:
		tools, err := self.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		for i := range tools {
			if tools[i].Name == req.path {
				payload = tools[i]
				break
			}
		}
	case proxyTypeResource:
		resources, err := self.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		for i := range resources {
			if resources[i].URI == req.path {
				payload = resources[i]
				break
			}
		}
		if payload == nil {
			if templates, err := self.ListResourceTemplates(ctx); err == nil {
				for i := range templates {
					if templates[i].URITemplate != nil && templates[i].URITemplate.Raw() == req.path {
						payload = templates[i]
						break
					}
				}
			}
		}
	case proxyTypePrompt:
		prompts, err := self.ListPrompts(ctx)
		if err != nil {
			return nil, err
		}
		for i := range prompts {
			if prompts[i].Name == req.path {
				payload = prompts[i]
				break
			}
		}
	}
	if payload == nil {
		return nil, api.NotFoundf("unknown %s %q", req.typ, req.path)
	}

	embedded, err := embeddedJSON(fmt.Sprintf("%s://proxy/%s/%s", api.ResourceScheme, req.typ, req.path), payload)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Result:  mcp.Result{Meta: proxyAnnotations(req.action, req.typ, req.path, false, nil)},
		Content: []mcp.Content{embedded},
	}, nil
}

// proxyCall dispatches a call action. Backend errors pass through
// untouched beyond the proxy annotations.
func (s *Server) proxyCall(ctx context.Context, req *proxyRequest) (*mcp.CallToolResult, error) {
	self, err := s.self(ctx)
	if err != nil {
		return nil, err
	}

	switch req.typ {
	case proxyTypeTool:
		result, err := self.CallTool(ctx, req.path, req.args)
		if err != nil {
			return nil, err
		}
		// Content comes back verbatim; only the envelope annotations are added.
		out := *result
		out.Result = mcp.Result{Meta: proxyAnnotations(req.action, req.typ, req.path, false, nil)}
		return &out, nil

	case proxyTypeResource:
		result, err := self.ReadResource(ctx, req.path)
		if err != nil {
			return nil, err
		}
		return s.proxyResourceResult(req, result)

	default: // prompt
		result, err := self.GetPrompt(ctx, req.path, req.args)
		if err != nil {
			return nil, err
		}
		embedded, err := embeddedJSON(fmt.Sprintf("%s://proxy/prompt/%s", api.ResourceScheme, req.path), result)
		if err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{
			Result:  mcp.Result{Meta: proxyAnnotations(req.action, req.typ, req.path, false, nil)},
			Content: []mcp.Content{embedded},
		}, nil
	}
}

// proxyResourceResult wraps a resource read. Text payloads that parse as
// JSON are objectified: canonically re-encoded as application/json with
// the original MIME type preserved in contentType. Binary payloads pass
// through unchanged.
func (s *Server) proxyResourceResult(req *proxyRequest, result *mcp.ReadResourceResult) (*mcp.CallToolResult, error) {
	var content []mcp.Content
	var extra map[string]any

	for _, item := range result.Contents {
		switch contents := item.(type) {
		case mcp.TextResourceContents:
			var decoded any
			if err := json.Unmarshal([]byte(contents.Text), &decoded); err == nil {
				canonical, err := json.Marshal(decoded)
				if err != nil {
					return nil, fmt.Errorf("failed to re-encode resource payload: %w", err)
				}
				extra = map[string]any{"contentType": contents.MIMEType}
				content = append(content, mcp.EmbeddedResource{
					Type: "resource",
					Resource: mcp.TextResourceContents{
						URI:      contents.URI,
						MIMEType: "application/json",
						Text:     string(canonical),
					},
				})
				continue
			}
			content = append(content, mcp.EmbeddedResource{Type: "resource", Resource: contents})
		case mcp.BlobResourceContents:
			content = append(content, mcp.EmbeddedResource{Type: "resource", Resource: contents})
		default:
			content = append(content, mcp.EmbeddedResource{Type: "resource", Resource: item})
		}
	}

	return &mcp.CallToolResult{
		Result:  mcp.Result{Meta: proxyAnnotations(req.action, req.typ, req.path, false, extra)},
		Content: content,
	}, nil
}
