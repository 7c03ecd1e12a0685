package aggregator

import "github.com/mark3labs/mcp-go/mcp"

// adminToolDescriptions are the outward descriptions of the built-in
// management tools.
var adminToolDescriptions = map[string]string{
	"add_server":      "Add a backend MCP server to the catalog and mount it",
	"remove_server":   "Remove a backend MCP server from the catalog",
	"enable_server":   "Enable a configured backend server",
	"disable_server":  "Disable a configured backend server without removing it",
	"list_servers":    "List all configured backend servers with their state",
	"search_servers":  "Search external registries for MCP servers",
	"smart_configure": "Generate a server configuration from a URI using the client model",
	"analyze_servers": "Ask the client model to analyze the current server setup",
	"reload_config":   "Reload the catalog file and apply the resulting changes",
	"status":          "Report aggregator status and the aggregated capability counts",
	"check":           "Run health probes against one or all backend servers",
	"load_kit":        "Load a kit bundle of server configurations",
	"unload_kit":      "Unload a kit, removing servers it alone owns",
	"list_kits":       "List available and loaded kits",
	"kit_info":        "Show metadata and servers of a kit",
}

func objectSchema(properties map[string]interface{}, required ...string) mcp.ToolInputSchema {
	if required == nil {
		required = []string{}
	}
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

// adminToolSchemas are the input schemas of the built-in management tools.
var adminToolSchemas = map[string]mcp.ToolInputSchema{
	"add_server": objectSchema(map[string]interface{}{
		"name":    stringProp("Unique server name"),
		"command": stringProp("Shell-style command line for a stdio server"),
		"uri":     stringProp("HTTP(S) endpoint of a remote server"),
		"prefix":  stringProp("Namespace prefix; defaults to the server name, empty for verbatim names"),
		"args": map[string]interface{}{
			"type":        "array",
			"items":       map[string]interface{}{"type": "string"},
			"description": "Extra command arguments",
		},
		"env": map[string]interface{}{
			"type":        "object",
			"description": "Environment variables for the child process",
		},
		"cwd":     stringProp("Working directory for the child process"),
		"notes":   stringProp("Free-form notes"),
		"source":  stringProp("Informational URI of origin"),
		"enabled": map[string]interface{}{"type": "boolean", "description": "Mount immediately", "default": true},
	}, "name"),
	"remove_server":  objectSchema(map[string]interface{}{"name": stringProp("Server name")}, "name"),
	"enable_server":  objectSchema(map[string]interface{}{"name": stringProp("Server name")}, "name"),
	"disable_server": objectSchema(map[string]interface{}{"name": stringProp("Server name")}, "name"),
	"list_servers":   objectSchema(map[string]interface{}{}),
	"search_servers": objectSchema(map[string]interface{}{
		"query": stringProp("Search terms"),
		"limit": map[string]interface{}{"type": "number", "description": "Maximum results", "default": 10},
	}, "query"),
	"smart_configure": objectSchema(map[string]interface{}{
		"uri":  stringProp("URI of the server to configure (package page, repository, endpoint)"),
		"name": stringProp("Optional server name override"),
	}, "uri"),
	"analyze_servers": objectSchema(map[string]interface{}{}),
	"reload_config":   objectSchema(map[string]interface{}{}),
	"status":          objectSchema(map[string]interface{}{}),
	"check": objectSchema(map[string]interface{}{
		"name": stringProp("Probe a single server instead of all"),
	}),
	"load_kit":   objectSchema(map[string]interface{}{"name": stringProp("Kit name")}, "name"),
	"unload_kit": objectSchema(map[string]interface{}{"name": stringProp("Kit name")}, "name"),
	"list_kits":  objectSchema(map[string]interface{}{}),
	"kit_info":   objectSchema(map[string]interface{}{"name": stringProp("Kit name")}, "name"),
}
