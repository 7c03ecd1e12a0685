package backend

import (
	"strings"

	"magg/internal/api"
	"magg/internal/config"
)

// TransportKind is the closed set of transports a catalog entry can map to.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportStreamableHTTP TransportKind = "streamable-http"
	TransportInProcess      TransportKind = "inprocess"
)

// FactoryOptions carry process-wide transport policy.
type FactoryOptions struct {
	// InheritEnv switches stdio children from explicit-only environment to
	// inherit-plus-overlay. HTTP transports never inherit environment.
	InheritEnv bool
	// ShowStderr pumps stdio children's stderr into the log.
	ShowStderr bool
	// BearerToken, when set, is attached to HTTP transports.
	BearerToken string
}

// SelectTransport maps a server config to its transport kind. Validation
// guarantees exactly one of command or uri is set.
func SelectTransport(srv *config.ServerConfig) TransportKind {
	if srv.IsStdio() {
		return TransportStdio
	}
	return TransportStreamableHTTP
}

// NewClient creates the MCP client for a catalog entry.
func NewClient(srv *config.ServerConfig, opts FactoryOptions) (MCPClient, error) {
	switch SelectTransport(srv) {
	case TransportStdio:
		command, args, err := splitCommand(srv)
		if err != nil {
			return nil, err
		}
		return NewStdioClient(command, args, StdioOptions{
			Env:        srv.Env,
			Cwd:        srv.Cwd,
			InheritEnv: opts.InheritEnv,
			ShowStderr: opts.ShowStderr,
		}), nil

	case TransportStreamableHTTP:
		headers := make(map[string]string)
		if opts.BearerToken != "" {
			headers["Authorization"] = "Bearer " + opts.BearerToken
		}
		for k, v := range srv.Transport {
			if k == "headers" {
				if hs, ok := v.(map[string]any); ok {
					for hk, hv := range hs {
						if s, ok := hv.(string); ok {
							headers[hk] = s
						}
					}
				}
			}
		}
		return NewStreamableHTTPClient(srv.URI, headers), nil
	}
	return nil, api.Validationf("server %q: no usable transport", srv.Name)
}

// splitCommand separates the configured command into argv. The command
// field may carry a full shell-style line; explicit args are appended.
func splitCommand(srv *config.ServerConfig) (string, []string, error) {
	fields := strings.Fields(srv.Command)
	if len(fields) == 0 {
		return "", nil, api.Validationf("server %q: empty command", srv.Name)
	}
	args := append(fields[1:], srv.Args...)
	return fields[0], args, nil
}
