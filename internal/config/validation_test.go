package config

import (
	"errors"
	"testing"

	"magg/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestValidateServer(t *testing.T) {
	tests := []struct {
		name    string
		srv     *ServerConfig
		wantErr bool
	}{
		{
			name: "stdio server",
			srv:  &ServerConfig{Name: "calc", Prefix: strPtr("calc"), Command: "npx -y calc-mcp", Enabled: true},
		},
		{
			name: "http server",
			srv:  &ServerConfig{Name: "web", Prefix: strPtr("web"), URI: "https://example.com/mcp", Enabled: true},
		},
		{
			name: "empty prefix keeps names verbatim",
			srv:  &ServerConfig{Name: "raw", Prefix: strPtr(""), Command: "run", Enabled: true},
		},
		{
			name:    "both command and uri",
			srv:     &ServerConfig{Name: "bad", Prefix: strPtr("bad"), Command: "run", URI: "https://x", Enabled: true},
			wantErr: true,
		},
		{
			name:    "neither command nor uri",
			srv:     &ServerConfig{Name: "bad", Prefix: strPtr("bad"), Enabled: true},
			wantErr: true,
		},
		{
			name:    "uri without scheme",
			srv:     &ServerConfig{Name: "bad", Prefix: strPtr("bad"), URI: "example.com", Enabled: true},
			wantErr: true,
		},
		{
			name:    "prefix contains separator",
			srv:     &ServerConfig{Name: "bad", Prefix: strPtr("a_b"), Command: "run", Enabled: true},
			wantErr: true,
		},
		{
			name:    "prefix is not an identifier",
			srv:     &ServerConfig{Name: "bad", Prefix: strPtr("9lives"), Command: "run", Enabled: true},
			wantErr: true,
		},
		{
			name:    "name with separator and no explicit prefix",
			srv:     &ServerConfig{Name: "a_b", Command: "run", Enabled: true},
			wantErr: true,
		},
		{
			name: "name with separator but explicit prefix",
			srv:  &ServerConfig{Name: "a_b", Prefix: strPtr("ab"), Command: "run", Enabled: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServer(tt.srv, "_")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, api.ErrValidation), "expected a ValidationError, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCatalogSharedPrefixAllowed(t *testing.T) {
	// Two enabled servers may share a prefix; whether their names collide
	// is decided at mount time, per backend, not per catalog.
	catalog := NewCatalog()
	catalog.Add(&ServerConfig{Name: "a", Prefix: strPtr("x"), Command: "run-a", Enabled: true})
	catalog.Add(&ServerConfig{Name: "b", Prefix: strPtr("x"), Command: "run-b", Enabled: true})

	assert.NoError(t, ValidateCatalog(catalog, "_"))
}

func TestValidateCatalogRejectsFirstBadEntry(t *testing.T) {
	catalog := NewCatalog()
	catalog.Add(&ServerConfig{Name: "good", Command: "run", Enabled: true})
	catalog.Add(&ServerConfig{Name: "bad", Command: "run", URI: "https://x", Enabled: true})

	err := ValidateCatalog(catalog, "_")
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrValidation))
}

func TestIsIdentifier(t *testing.T) {
	assert.True(t, isIdentifier("calc"))
	assert.True(t, isIdentifier("_calc"))
	assert.True(t, isIdentifier("calc2"))
	assert.True(t, isIdentifier("calc-v2"))
	assert.False(t, isIdentifier(""))
	assert.False(t, isIdentifier("2calc"))
	assert.False(t, isIdentifier("-calc"))
	assert.False(t, isIdentifier("ca lc"))
	assert.False(t, isIdentifier("ca/lc"))
}
