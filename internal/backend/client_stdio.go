package backend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"magg/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultStdioInitTimeout is the default timeout for stdio client
// initialization. This covers starting the subprocess and completing the
// MCP handshake.
const DefaultStdioInitTimeout = 10 * time.Second

// StdioClient implements the MCPClient interface using stdio transport.
// It manages a local subprocess that communicates via stdin/stdout.
type StdioClient struct {
	baseMCPClient
	command    string
	args       []string
	env        map[string]string
	cwd        string
	inheritEnv bool
	showStderr bool
}

// StdioOptions configure subprocess creation beyond argv.
type StdioOptions struct {
	// Env is the explicit environment for the child.
	Env map[string]string
	// Cwd is the child's working directory; empty inherits ours.
	Cwd string
	// InheritEnv overlays Env on top of this process's environment. The
	// default gives the child only the explicit Env.
	InheritEnv bool
	// ShowStderr pumps the child's stderr into the log at debug level.
	ShowStderr bool
}

// NewStdioClient creates a new stdio-based MCP client. The subprocess is
// not started until Initialize.
func NewStdioClient(command string, args []string, opts StdioOptions) *StdioClient {
	return &StdioClient{
		command:    command,
		args:       args,
		env:        opts.Env,
		cwd:        opts.Cwd,
		inheritEnv: opts.InheritEnv,
		showStderr: opts.ShowStderr,
	}
}

// Initialize establishes the connection and performs protocol handshake
func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("StdioClient", "Creating stdio client for command: %s %v", c.command, c.args)

	mcpClient, err := client.NewStdioMCPClientWithOptions(
		c.command,
		c.envStrings(),
		c.args,
		transport.WithCommandFunc(c.buildCommand),
	)
	if err != nil {
		return fmt.Errorf("failed to create stdio client: %w", err)
	}

	if c.showStderr {
		if stderr, ok := client.GetStderr(mcpClient); ok {
			go func() {
				scanner := bufio.NewScanner(stderr)
				for scanner.Scan() {
					logging.Debug("StdioClient", "[%s stderr] %s", c.command, scanner.Text())
				}
			}()
		}
	}

	// Initialize the MCP protocol with timeout from context.
	// If no timeout in context, add a reasonable default.
	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, DefaultStdioInitTimeout)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "magg",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		logging.Error("StdioClient", err, "Failed to initialize MCP protocol for %s", c.command)
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StdioClient", "Error closing failed client for %s: %v", c.command, closeErr)
		}
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true

	logging.Debug("StdioClient", "MCP protocol initialized for %s (server: %s %s)",
		c.command, initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	return nil
}

// buildCommand constructs the child process with the configured
// environment mode and working directory.
func (c *StdioClient) buildCommand(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if c.inheritEnv {
		cmd.Env = append(os.Environ(), env...)
	} else {
		cmd.Env = env
	}
	cmd.Dir = c.cwd
	return cmd, nil
}

// envStrings flattens the env map to the KEY=value form exec expects.
func (c *StdioClient) envStrings() []string {
	var envStrings []string
	for k, v := range c.env {
		envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
	}
	return envStrings
}

// Close cleanly shuts down the client connection
func (c *StdioClient) Close() error {
	return c.closeClient()
}

// ListTools returns all available tools from the server
func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

// CallTool executes a specific tool and returns the result
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

// ListResources returns all available resources from the server
func (c *StdioClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

// ListResourceTemplates returns all resource templates from the server
func (c *StdioClient) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return c.listResourceTemplates(ctx)
}

// ReadResource retrieves a specific resource
func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

// ListPrompts returns all available prompts from the server
func (c *StdioClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

// GetPrompt retrieves a specific prompt
func (c *StdioClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

// Ping checks if the server is responsive
func (c *StdioClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

// OnNotification registers a handler for server-initiated notifications
func (c *StdioClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	c.onNotification(handler)
}
