package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"magg/internal/api"
	"magg/internal/backend"
	"magg/internal/config"
	"magg/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// adminToolName applies the configurable self prefix to a local admin
// tool name.
func (s *Server) adminToolName(local string) string {
	return s.opts.Settings.SelfPrefix + s.opts.Settings.Separator + local
}

// adminToolLocals are the built-in management operations, in the order
// they are registered.
var adminToolLocals = []string{
	"add_server", "remove_server", "enable_server", "disable_server",
	"list_servers", "search_servers", "smart_configure", "analyze_servers",
	"reload_config", "status", "check",
	"load_kit", "unload_kit", "list_kits", "kit_info",
}

// builtinToolNames lists every tool the aggregator serves itself.
func (s *Server) builtinToolNames() []string {
	names := make([]string, 0, len(adminToolLocals)+1)
	for _, local := range adminToolLocals {
		names = append(names, s.adminToolName(local))
	}
	names = append(names, proxyToolName)
	return names
}

// registerAdminTools registers the management tools on the MCP server.
func (s *Server) registerAdminTools() {
	var tools []mcpserver.ServerTool
	for _, local := range adminToolLocals {
		name := s.adminToolName(local)
		s.toolManager.setActive(name, true)
		tools = append(tools, mcpserver.ServerTool{
			Tool: mcp.Tool{
				Name:        name,
				Description: adminToolDescriptions[local],
				InputSchema: adminToolSchemas[local],
			},
			Handler: s.adminToolHandler(local),
		})
	}
	s.mcpServer.AddTools(tools...)
}

// adminToolHandler dispatches one admin tool invocation.
func (s *Server) adminToolHandler(local string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := make(map[string]interface{})
		if req.Params.Arguments != nil {
			if argsMap, ok := req.Params.Arguments.(map[string]interface{}); ok {
				args = argsMap
			}
		}
		logging.Debug("Aggregator", "Admin tool %s invoked", local)

		switch local {
		case "add_server":
			return s.handleAddServer(ctx, args)
		case "remove_server":
			return s.handleRemoveServer(ctx, args)
		case "enable_server":
			return s.handleToggleServer(ctx, args, true)
		case "disable_server":
			return s.handleToggleServer(ctx, args, false)
		case "list_servers":
			return s.handleListServers(ctx)
		case "search_servers":
			return s.handleSearchServers(ctx, args)
		case "smart_configure":
			return s.handleSmartConfigure(ctx, args)
		case "analyze_servers":
			return s.handleAnalyzeServers(ctx)
		case "reload_config":
			return s.handleReloadConfig(ctx)
		case "status":
			return s.handleStatus(ctx)
		case "check":
			return s.handleCheck(ctx, args)
		case "load_kit":
			return s.handleLoadKit(ctx, args)
		case "unload_kit":
			return s.handleUnloadKit(ctx, args)
		case "list_kits":
			return s.handleListKits(ctx)
		case "kit_info":
			return s.handleKitInfo(ctx, args)
		default:
			return nil, api.NotFoundf("unknown admin tool %q", local)
		}
	}
}

// textResult wraps plain text as a tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
	}
}

// jsonResult marshals v and wraps it as a tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize result: %w", err)
	}
	return textResult(string(data)), nil
}

func stringArg(args map[string]interface{}, key string) string {
	value, _ := args[key].(string)
	return value
}

func requireStringArg(args map[string]interface{}, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", api.Validationf("%s argument is required", key)
	}
	return value, nil
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func stringMapArg(args map[string]interface{}, key string) map[string]string {
	raw, ok := args[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	return out
}

func (s *Server) handleAddServer(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	name, err := requireStringArg(args, "name")
	if err != nil {
		return nil, err
	}

	srv := &config.ServerConfig{
		Name:    name,
		Command: stringArg(args, "command"),
		URI:     stringArg(args, "uri"),
		Args:    stringSliceArg(args, "args"),
		Env:     stringMapArg(args, "env"),
		Cwd:     stringArg(args, "cwd"),
		Notes:   stringArg(args, "notes"),
		Source:  stringArg(args, "source"),
		Enabled: true,
	}
	if prefix, ok := args["prefix"].(string); ok {
		srv.Prefix = &prefix
	}
	if enabled, ok := args["enabled"].(bool); ok {
		srv.Enabled = enabled
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

	state := "not mounted"
	if conn, ok := s.opts.Engine.Connection(name); ok {
		state = string(conn.State())
	}
	return textResult(fmt.Sprintf("Added server %s (%s)", name, state)), nil
}

func (s *Server) handleRemoveServer(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	name, err := requireStringArg(args, "name")
	if err != nil {
		return nil, err
	}

	catalog := s.opts.Store.Current()
	if _, exists := catalog.Servers[name]; !exists {
		return nil, api.NotFoundf("unknown server %q", name)
	}
	delete(catalog.Servers, name)

	if err := s.reconfigure(ctx, catalog); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Removed server %s", name)), nil
}

func (s *Server) handleToggleServer(ctx context.Context, args map[string]interface{}, enable bool) (*mcp.CallToolResult, error) {
	name, err := requireStringArg(args, "name")
	if err != nil {
		return nil, err
	}

	catalog := s.opts.Store.Current()
	srv, exists := catalog.Servers[name]
	if !exists {
		return nil, api.NotFoundf("unknown server %q", name)
	}
	if srv.Enabled == enable {
		return textResult(fmt.Sprintf("Server %s already %s", name, enabledWord(enable))), nil
	}
	srv.Enabled = enable

	if err := s.reconfigure(ctx, catalog); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Server %s %s", name, enabledWord(enable))), nil
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

// serverSummary is the JSON shape list_servers and the self resources
// report per backend.
type serverSummary struct {
	Name      string   `json:"name"`
	Prefix    string   `json:"prefix"`
	Transport string   `json:"transport"`
	Enabled   bool     `json:"enabled"`
	State     string   `json:"state"`
	Tools     int      `json:"tools"`
	Resources int      `json:"resources"`
	Prompts   int      `json:"prompts"`
	Kits      []string `json:"kits,omitempty"`
	Notes     string   `json:"notes,omitempty"`
	LastError string   `json:"lastError,omitempty"`
}

func (s *Server) summarizeServers() []serverSummary {
	catalog := s.opts.Store.Current()
	summaries := make([]serverSummary, 0, len(catalog.Servers))
	for _, name := range catalog.Names() {
		summaries = append(summaries, s.summarizeServer(catalog.Servers[name]))
	}
	return summaries
}

func (s *Server) summarizeServer(srv *config.ServerConfig) serverSummary {
	summary := serverSummary{
		Name:      srv.Name,
		Prefix:    srv.EffectivePrefix(),
		Transport: string(backend.SelectTransport(srv)),
		Enabled:   srv.Enabled,
		State:     string(backend.StateConfigured),
		Kits:      srv.Kits,
		Notes:     srv.Notes,
	}
	if conn, ok := s.opts.Engine.Connection(srv.Name); ok {
		summary.State = string(conn.State())
		snap := conn.Snapshot()
		summary.Tools = len(snap.Tools)
		summary.Resources = len(snap.Resources) + len(snap.ResourceTemplates)
		summary.Prompts = len(snap.Prompts)
		if err := conn.LastError(); err != nil {
			summary.LastError = err.Error()
		}
	} else if !srv.Enabled {
		summary.State = string(backend.StateDisabled)
	}
	return summary
}

func (s *Server) handleListServers(context.Context) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"servers": s.summarizeServers()})
}

func (s *Server) handleSearchServers(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	query, err := requireStringArg(args, "query")
	if err != nil {
		return nil, err
	}
	limit := 10
	if raw, ok := args["limit"].(float64); ok && raw > 0 {
		limit = int(raw)
	}

	if s.opts.Discovery == nil {
		return jsonResult(map[string]any{
			"query":   query,
			"results": []DiscoveryResult{},
			"note":    "no discovery provider configured",
		})
	}

	results, err := s.opts.Discovery.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("discovery search failed: %w", err)
	}
	return jsonResult(map[string]any{"query": query, "results": results})
}

func (s *Server) handleReloadConfig(ctx context.Context) (*mcp.CallToolResult, error) {
	if s.opts.Watcher != nil {
		s.opts.Watcher.Trigger()
		return textResult("Reload scheduled"), nil
	}
	if err := s.ReloadFromDisk(ctx); err != nil {
		return nil, err
	}
	return textResult("Reloaded catalog"), nil
}

func (s *Server) handleStatus(context.Context) (*mcp.CallToolResult, error) {
	tools, resources, prompts := s.opts.Engine.Index().Counts()
	summaries := s.summarizeServers()
	mounted := 0
	for _, summary := range summaries {
		if summary.State == string(backend.StateRunning) || summary.State == string(backend.StateDegraded) {
			mounted++
		}
	}
	return jsonResult(map[string]any{
		"endpoint":    s.GetEndpoint(),
		"transport":   string(s.opts.Transport),
		"readOnly":    s.opts.Store.ReadOnly(),
		"authEnabled": s.opts.Auth.Enabled(),
		"servers":     summaries,
		"mounted":     mounted,
		"aggregated": map[string]int{
			"tools":     tools,
			"resources": resources,
			"prompts":   prompts,
		},
	})
}

func (s *Server) handleCheck(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	target := stringArg(args, "name")

	type checkResult struct {
		Name      string `json:"name"`
		State     string `json:"state"`
		Healthy   bool   `json:"healthy"`
		LatencyMS int64  `json:"latencyMs"`
		Error     string `json:"error,omitempty"`
	}

	var results []checkResult
	for _, conn := range s.opts.Engine.Connections() {
		if target != "" && conn.Name() != target {
			continue
		}
		start := time.Now()
		err := conn.Probe(ctx)
		result := checkResult{
			Name:      conn.Name(),
			State:     string(conn.State()),
			Healthy:   err == nil,
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	if target != "" && len(results) == 0 {
		return nil, api.NotFoundf("unknown server %q", target)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return jsonResult(map[string]any{"checks": results})
}

func (s *Server) handleLoadKit(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	name, err := requireStringArg(args, "name")
	if err != nil {
		return nil, err
	}

	// The loader records the kit as loaded only after the reconfigure
	// commits; a rejected catalog (read-only mode, validation) leaves
	// kit state untouched.
	loaded, _, err := s.opts.Kits.Load(name, s.opts.Store.Current(), func(next *config.Catalog) error {
		return s.reconfigure(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Loaded kit %s with %d servers", name, len(loaded.Servers))), nil
}

func (s *Server) handleUnloadKit(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	name, err := requireStringArg(args, "name")
	if err != nil {
		return nil, err
	}

	_, err = s.opts.Kits.Unload(name, s.opts.Store.Current(), func(next *config.Catalog) error {
		return s.reconfigure(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Unloaded kit %s", name)), nil
}

func (s *Server) handleListKits(context.Context) (*mcp.CallToolResult, error) {
	available, err := s.opts.Kits.Available()
	if err != nil {
		return nil, err
	}
	loaded := s.opts.Kits.Loaded()
	loadedNames := make([]string, 0, len(loaded))
	for name := range loaded {
		loadedNames = append(loadedNames, name)
	}
	sort.Strings(loadedNames)
	return jsonResult(map[string]any{
		"available": available,
		"loaded":    loadedNames,
	})
}

func (s *Server) handleKitInfo(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	name, err := requireStringArg(args, "name")
	if err != nil {
		return nil, err
	}
	info, loaded, err := s.opts.Kits.Info(name)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{
		"kit":    info,
		"loaded": loaded,
	})
}
