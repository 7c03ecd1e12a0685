package aggregator

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"magg/internal/api"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProxyRequest(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]interface{}
		wantErr bool
	}{
		{
			name: "valid list",
			args: map[string]interface{}{"action": "list", "type": "tool"},
		},
		{
			name: "valid info",
			args: map[string]interface{}{"action": "info", "type": "prompt", "path": "calc_greet"},
		},
		{
			name: "valid call with args",
			args: map[string]interface{}{"action": "call", "type": "tool", "path": "calc_add", "args": map[string]interface{}{"a": 1.0}},
		},
		{
			name:    "missing action",
			args:    map[string]interface{}{"type": "tool"},
			wantErr: true,
		},
		{
			name:    "bad action",
			args:    map[string]interface{}{"action": "delete", "type": "tool"},
			wantErr: true,
		},
		{
			name:    "missing type",
			args:    map[string]interface{}{"action": "list"},
			wantErr: true,
		},
		{
			name:    "bad type",
			args:    map[string]interface{}{"action": "list", "type": "widget"},
			wantErr: true,
		},
		{
			name:    "path forbidden for list",
			args:    map[string]interface{}{"action": "list", "type": "tool", "path": "x"},
			wantErr: true,
		},
		{
			name:    "path required for info",
			args:    map[string]interface{}{"action": "info", "type": "tool"},
			wantErr: true,
		},
		{
			name:    "path required for call",
			args:    map[string]interface{}{"action": "call", "type": "tool"},
			wantErr: true,
		},
		{
			name:    "args forbidden for list",
			args:    map[string]interface{}{"action": "list", "type": "tool", "args": map[string]interface{}{}},
			wantErr: true,
		},
		{
			name:    "args forbidden for info",
			args:    map[string]interface{}{"action": "info", "type": "tool", "path": "x", "args": map[string]interface{}{}},
			wantErr: true,
		},
		{
			name:    "args must be an object",
			args:    map[string]interface{}{"action": "call", "type": "tool", "path": "x", "args": "a=1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := parseProxyRequest(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, api.ErrValidation), "expected ValidationError, got %v", err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.args["action"], req.action)
				assert.Equal(t, tt.args["type"], req.typ)
			}
		})
	}
}

func TestProxyAnnotations(t *testing.T) {
	meta := proxyAnnotations("list", "tool", "", true, nil)
	require.NotNil(t, meta)
	assert.Equal(t, "list", meta.AdditionalFields["proxyAction"])
	assert.Equal(t, "tool", meta.AdditionalFields["proxyType"])
	assert.Equal(t, "Tool", meta.AdditionalFields["dataType"])
	assert.Equal(t, true, meta.AdditionalFields["many"])
	assert.NotContains(t, meta.AdditionalFields, "proxyPath")

	meta = proxyAnnotations("info", "resource", "file:///x", false, nil)
	assert.Equal(t, "file:///x", meta.AdditionalFields["proxyPath"])
	assert.Equal(t, "Resource|ResourceTemplate", meta.AdditionalFields["dataType"])
	assert.Equal(t, false, meta.AdditionalFields["many"])
}

func TestEmbeddedJSON(t *testing.T) {
	embedded, err := embeddedJSON("magg://proxy/tool", []string{"a", "b"})
	require.NoError(t, err)

	contents, ok := embedded.Resource.(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", contents.MIMEType)

	var decoded []string
	require.NoError(t, json.Unmarshal([]byte(contents.Text), &decoded))
	assert.Equal(t, []string{"a", "b"}, decoded)
}

func TestProxyResourceObjectification(t *testing.T) {
	s := &Server{}
	req := &proxyRequest{action: "call", typ: "resource", path: "file:///data.txt"}

	// A text resource whose body parses as JSON is objectified: canonical
	// re-encode as application/json, original MIME kept in contentType.
	read := &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "file:///data.txt",
				MIMEType: "text/plain",
				Text:     "  {\"answer\":   42}  ",
			},
		},
	}
	result, err := s.proxyResourceResult(req, read)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)

	embedded, ok := result.Content[0].(mcp.EmbeddedResource)
	require.True(t, ok)
	contents := embedded.Resource.(mcp.TextResourceContents)
	assert.Equal(t, "application/json", contents.MIMEType)
	assert.JSONEq(t, `{"answer": 42}`, contents.Text)

	require.NotNil(t, result.Meta)
	assert.Equal(t, "text/plain", result.Meta.AdditionalFields["contentType"])
}

func TestProxyResourceNonJSONTextPassesThrough(t *testing.T) {
	s := &Server{}
	req := &proxyRequest{action: "call", typ: "resource", path: "file:///notes.txt"}

	read := &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "file:///notes.txt",
				MIMEType: "text/plain",
				Text:     "just some prose",
			},
		},
	}
	result, err := s.proxyResourceResult(req, read)
	require.NoError(t, err)

	embedded := result.Content[0].(mcp.EmbeddedResource)
	contents := embedded.Resource.(mcp.TextResourceContents)
	assert.Equal(t, "text/plain", contents.MIMEType)
	assert.Equal(t, "just some prose", contents.Text)
	require.NotNil(t, result.Meta)
	assert.NotContains(t, result.Meta.AdditionalFields, "contentType")
}

func TestProxyResourceBinaryPassesThrough(t *testing.T) {
	s := &Server{}
	req := &proxyRequest{action: "call", typ: "resource", path: "file:///img.png"}

	blob := base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47})
	read := &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			mcp.BlobResourceContents{
				URI:      "file:///img.png",
				MIMEType: "image/png",
				Blob:     blob,
			},
		},
	}
	result, err := s.proxyResourceResult(req, read)
	require.NoError(t, err)

	embedded := result.Content[0].(mcp.EmbeddedResource)
	contents := embedded.Resource.(mcp.BlobResourceContents)
	assert.Equal(t, "image/png", contents.MIMEType)
	assert.Equal(t, blob, contents.Blob)
}

func TestExtractJSONObject(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, extractJSONObject("```json\n{\"a\": 1}\n```"))
	assert.Equal(t, `{"a": 1}`, extractJSONObject(`Here you go: {"a": 1} enjoy`))
	assert.Equal(t, "no braces", extractJSONObject("no braces"))
}
