// Package aggregator hosts the outward-facing MCP server: the aggregated
// capability surface, the built-in admin tools, the proxy tool and the
// aggregator's own resources. It multiplexes any number of client
// sessions and keeps each session's notification stream independent.
package aggregator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"magg/internal/auth"
	"magg/internal/config"
	"magg/internal/kit"
	"magg/internal/mount"
	"magg/internal/notify"
	"magg/internal/watcher"
	"magg/pkg/logging"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Transport selects how the aggregator serves clients.
type Transport string

const (
	TransportStreamableHTTP Transport = "streamable-http"
	TransportStdio          Transport = "stdio"
	TransportHybrid         Transport = "hybrid"
)

// Discovery is the external collaborator behind the search_servers admin
// tool. The aggregator does not implement registry search itself.
type Discovery interface {
	Search(ctx context.Context, query string, limit int) ([]DiscoveryResult, error)
}

// DiscoveryResult is one hit from a registry search.
type DiscoveryResult struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URI         string `json:"uri,omitempty"`
	Command     string `json:"command,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Options wire the aggregator server to its collaborators.
type Options struct {
	Settings    *config.Settings
	Store       *config.Store
	Engine      *mount.Engine
	Coordinator *notify.Coordinator
	Kits        *kit.Loader
	Auth        *auth.Authenticator
	Watcher     *watcher.Watcher
	Discovery   Discovery
	Transport   Transport

	// ErrorCallback propagates async serve errors upwards.
	ErrorCallback func(error)
}

// Server is the outward MCP server.
type Server struct {
	opts Options

	mcpServer            *mcpserver.MCPServer
	streamableHTTPServer *mcpserver.StreamableHTTPServer
	stdioServer          *mcpserver.StdioServer
	httpServer           []*http.Server

	toolManager     *activeItemManager
	promptManager   *activeItemManager
	resourceManager *activeItemManager

	// selfConn is the reserved in-process transport the proxy tool uses
	// to introspect the aggregator's own surface.
	selfConn selfClient

	ctx            context.Context
	cancelFunc     context.CancelFunc
	wg             sync.WaitGroup
	mu             sync.RWMutex
	isShuttingDown bool

	// reconfigureMu serializes catalog mutation through the admin tools
	// with watcher-driven reloads.
	reconfigureMu sync.Mutex
}

// NewServer creates a configured but unstarted aggregator server.
func NewServer(opts Options) *Server {
	if opts.Transport == "" {
		opts.Transport = TransportStreamableHTTP
	}
	if opts.ErrorCallback == nil {
		opts.ErrorCallback = func(error) {}
	}
	return &Server{
		opts:            opts,
		toolManager:     newActiveItemManager(itemTypeTool),
		promptManager:   newActiveItemManager(itemTypePrompt),
		resourceManager: newActiveItemManager(itemTypeResource),
	}
}

// Start brings up the MCP server, registers the built-in surface and the
// current aggregated capabilities, and starts the configured transports.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.mcpServer != nil {
		s.mu.Unlock()
		return fmt.Errorf("aggregator server already started")
	}

	s.ctx, s.cancelFunc = context.WithCancel(ctx)
	s.isShuttingDown = false

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		s.attachSession(session.SessionID())
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		s.opts.Coordinator.DetachSession(session.SessionID())
	})

	mcpSrv := mcpserver.NewMCPServer(
		"magg",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithHooks(hooks),
	)
	mcpSrv.EnableSampling()
	s.mcpServer = mcpSrv
	s.mu.Unlock()

	s.registerAdminTools()
	s.registerProxyTool()
	s.registerSelfResources()

	s.opts.Engine.SetOnIndexChange(s.syncCapabilities)
	s.syncCapabilities()

	return s.startTransports()
}

// startTransports launches the configured transports. Hybrid mode runs
// streamable HTTP and stdio side by side.
func (s *Server) startTransports() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transport := s.opts.Transport
	if transport == TransportStdio || transport == TransportHybrid {
		logging.Info("Aggregator", "Starting MCP aggregator with stdio transport")
		s.stdioServer = mcpserver.NewStdioServer(s.mcpServer)
		stdioServer := s.stdioServer
		go func() {
			if err := stdioServer.Listen(s.ctx, os.Stdin, os.Stdout); err != nil && s.ctx.Err() == nil {
				logging.Error("Aggregator", err, "Stdio server error")
				s.opts.ErrorCallback(err)
			}
		}()
	}

	if transport == TransportStreamableHTTP || transport == TransportHybrid {
		s.streamableHTTPServer = mcpserver.NewStreamableHTTPServer(s.mcpServer)
		handler := s.createHTTPHandler(s.streamableHTTPServer)
		addr := fmt.Sprintf("%s:%d", s.opts.Settings.Host, s.opts.Settings.Port)

		// Prefer systemd-provided sockets when the unit hands them over.
		var systemdListeners []net.Listener
		listenersWithNames, err := activation.ListenersWithNames()
		if err != nil {
			logging.Error("Aggregator", err, "Failed to get systemd listeners with names")
		} else {
			for name, listeners := range listenersWithNames {
				for i, l := range listeners {
					logging.Info("Aggregator", "Listener %d for %s", i, name)
					systemdListeners = append(systemdListeners, l)
				}
			}
		}

		if len(systemdListeners) > 0 {
			logging.Info("Aggregator", "Systemd socket activation detected, using %d provided listener(s)", len(systemdListeners))
			for i, listener := range systemdListeners {
				server := &http.Server{Handler: handler}
				s.httpServer = append(s.httpServer, server)
				go func(srv *http.Server, l net.Listener, index int) {
					if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
						logging.Error("Aggregator", err, "listener %d: streamable HTTP server error", index)
						s.opts.ErrorCallback(err)
					}
				}(server, listener, i)
			}
		} else {
			logging.Info("Aggregator", "Starting MCP aggregator with streamable-http transport on %s", addr)
			server := &http.Server{Addr: addr, Handler: handler}
			s.httpServer = append(s.httpServer, server)
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Error("Aggregator", err, "Streamable HTTP server error")
					s.opts.ErrorCallback(err)
				}
			}()
		}
	}

	return nil
}

// createHTTPHandler wraps the MCP handler with bearer-token auth when a
// signing key is configured.
func (s *Server) createHTTPHandler(mcpHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/", mcpHandler)
	if s.opts.Auth.Enabled() {
		logging.Info("Aggregator", "Bearer-token authentication enabled")
		return s.opts.Auth.Middleware(mux)
	}
	return mux
}

// Stop gracefully shuts down the server and all transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.isShuttingDown {
		s.mu.Unlock()
		return nil
	} else if s.mcpServer == nil {
		s.mu.Unlock()
		return fmt.Errorf("aggregator server not started")
	}
	s.isShuttingDown = true
	logging.Info("Aggregator", "Stopping MCP aggregator server")

	cancelFunc := s.cancelFunc
	httpServer := s.httpServer
	s.mu.Unlock()

	if cancelFunc != nil {
		cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, srv := range httpServer {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("Aggregator", err, "Error shutting down HTTP server")
		}
	}

	s.wg.Wait()

	s.selfConn.mu.Lock()
	if s.selfConn.client != nil {
		s.selfConn.client.Close()
		s.selfConn.client = nil
	}
	s.selfConn.mu.Unlock()

	s.mu.Lock()
	s.mcpServer = nil
	s.streamableHTTPServer = nil
	s.stdioServer = nil
	s.httpServer = nil
	s.mu.Unlock()

	return nil
}

// GetEndpoint returns the HTTP endpoint clients connect to.
func (s *Server) GetEndpoint() string {
	return fmt.Sprintf("http://%s:%d/mcp", s.opts.Settings.Host, s.opts.Settings.Port)
}

// attachSession registers a client session with the notification
// coordinator. Each session gets its own outbound queue; a slow client
// only stalls itself.
func (s *Server) attachSession(sessionID string) {
	s.mu.RLock()
	mcpSrv := s.mcpServer
	s.mu.RUnlock()
	if mcpSrv == nil {
		return
	}
	s.opts.Coordinator.AttachSession(&clientSession{id: sessionID, server: mcpSrv})
	logging.Debug("Aggregator", "Session %s attached", logging.TruncateSessionID(sessionID))
}

// clientSession adapts one MCP client session to the coordinator's
// Session interface.
type clientSession struct {
	id     string
	server *mcpserver.MCPServer
}

func (c *clientSession) ID() string {
	return c.id
}

func (c *clientSession) Send(method string, params map[string]any) error {
	return c.server.SendNotificationToSpecificClient(c.id, method, params)
}

// syncCapabilities reconciles the aggregated index with the items
// registered on the MCP server: removals first, then batched additions.
func (s *Server) syncCapabilities() {
	s.mu.RLock()
	mcpSrv := s.mcpServer
	shuttingDown := s.isShuttingDown
	s.mu.RUnlock()
	if mcpSrv == nil || shuttingDown {
		return
	}

	index := s.opts.Engine.Index()

	newTools := make(map[string]struct{})
	for _, tool := range index.Tools() {
		newTools[tool.Name] = struct{}{}
	}
	for _, tool := range s.builtinToolNames() {
		newTools[tool] = struct{}{}
	}
	newPrompts := make(map[string]struct{})
	for _, prompt := range index.Prompts() {
		newPrompts[prompt.Name] = struct{}{}
	}
	newResources := make(map[string]struct{})
	for _, resource := range index.Resources() {
		newResources[resource.URI] = struct{}{}
	}
	for _, uri := range s.selfResourceURIs() {
		newResources[uri] = struct{}{}
	}

	removeObsoleteItems(s.toolManager, newTools, func(items []string) {
		mcpSrv.DeleteTools(items...)
	})
	removeObsoleteItems(s.promptManager, newPrompts, func(items []string) {
		mcpSrv.DeletePrompts(items...)
	})
	removeObsoleteItems(s.resourceManager, newResources, func(items []string) {
		for _, uri := range items {
			mcpSrv.RemoveResource(uri)
		}
	})

	var toolsToAdd []mcpserver.ServerTool
	for _, tool := range index.Tools() {
		if s.toolManager.isActive(tool.Name) {
			continue
		}
		s.toolManager.setActive(tool.Name, true)
		toolsToAdd = append(toolsToAdd, mcpserver.ServerTool{
			Tool:    tool,
			Handler: s.aggregatedToolHandler(tool.Name),
		})
	}
	if len(toolsToAdd) > 0 {
		mcpSrv.AddTools(toolsToAdd...)
	}

	var promptsToAdd []mcpserver.ServerPrompt
	for _, prompt := range index.Prompts() {
		if s.promptManager.isActive(prompt.Name) {
			continue
		}
		s.promptManager.setActive(prompt.Name, true)
		promptsToAdd = append(promptsToAdd, mcpserver.ServerPrompt{
			Prompt:  prompt,
			Handler: s.aggregatedPromptHandler(prompt.Name),
		})
	}
	if len(promptsToAdd) > 0 {
		mcpSrv.AddPrompts(promptsToAdd...)
	}

	var resourcesToAdd []mcpserver.ServerResource
	for _, resource := range index.Resources() {
		if s.resourceManager.isActive(resource.URI) {
			continue
		}
		s.resourceManager.setActive(resource.URI, true)
		resourcesToAdd = append(resourcesToAdd, mcpserver.ServerResource{
			Resource: resource,
			Handler:  s.aggregatedResourceHandler(resource.URI),
		})
	}
	if len(resourcesToAdd) > 0 {
		mcpSrv.AddResources(resourcesToAdd...)
	}

	tools, resources, prompts := index.Counts()
	logging.Debug("Aggregator", "Capability sync: %d tools, %d resources, %d prompts aggregated",
		tools, resources, prompts)
}

// aggregatedToolHandler forwards a tool call to the owning backend via
// the mount engine. The caller's cancellation travels with ctx.
func (s *Server) aggregatedToolHandler(exposedName string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !s.toolManager.isActive(exposedName) {
			return nil, fmt.Errorf("tool '%s' is no longer available", exposedName)
		}
		args := make(map[string]interface{})
		if req.Params.Arguments != nil {
			if argsMap, ok := req.Params.Arguments.(map[string]interface{}); ok {
				args = argsMap
			}
		}
		result, err := s.opts.Engine.CallTool(ctx, exposedName, args)
		if err != nil {
			return nil, fmt.Errorf("tool execution failed: %w", err)
		}
		return result, nil
	}
}

// aggregatedPromptHandler forwards a prompt fetch to the owning backend.
func (s *Server) aggregatedPromptHandler(exposedName string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		if !s.promptManager.isActive(exposedName) {
			return nil, fmt.Errorf("prompt %s is no longer available", exposedName)
		}
		args := make(map[string]interface{})
		for k, v := range req.Params.Arguments {
			args[k] = v
		}
		result, err := s.opts.Engine.GetPrompt(ctx, exposedName, args)
		if err != nil {
			return nil, fmt.Errorf("prompt retrieval failed: %w", err)
		}
		return result, nil
	}
}

// aggregatedResourceHandler forwards a resource read to the owning backend.
func (s *Server) aggregatedResourceHandler(uri string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if !s.resourceManager.isActive(uri) {
			return nil, fmt.Errorf("resource %s is no longer available", uri)
		}
		result, err := s.opts.Engine.ReadResource(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("resource read failed: %w", err)
		}
		if result == nil {
			return nil, nil
		}
		return result.Contents, nil
	}
}

// reconfigure validates, adopts and applies a new catalog: store replace,
// diff against the previous catalog, mount apply. Admin tools and kit
// operations all funnel through here.
func (s *Server) reconfigure(ctx context.Context, next *config.Catalog) error {
	s.reconfigureMu.Lock()
	defer s.reconfigureMu.Unlock()

	old := s.opts.Store.Current()
	if err := s.opts.Store.Replace(next); err != nil {
		return err
	}
	diff := config.Compute(old, next)
	if diff.Empty() {
		return nil
	}
	return s.opts.Engine.Apply(ctx, next, diff)
}

// ReloadFromDisk re-reads the catalog file and applies the resulting
// diff. Validation failures leave the previous catalog in force.
func (s *Server) ReloadFromDisk(ctx context.Context) error {
	s.reconfigureMu.Lock()
	defer s.reconfigureMu.Unlock()

	old := s.opts.Store.Current()
	next, err := s.opts.Store.Load()
	if err != nil {
		logging.Error("Aggregator", err, "Catalog reload rejected, previous catalog stays in force")
		return err
	}
	diff := config.Compute(old, next)
	if diff.Empty() {
		logging.Debug("Aggregator", "Catalog reload produced no changes")
		return nil
	}
	return s.opts.Engine.Apply(ctx, next, diff)
}
