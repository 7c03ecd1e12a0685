package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `{
  "servers": {
    "calc": {
      "prefix": "calc",
      "command": "npx -y calc-mcp",
      "enabled": true
    },
    "web": {
      "prefix": null,
      "uri": "https://example.com/mcp",
      "notes": "remote search",
      "enabled": false,
      "kits": ["research"]
    }
  }
}`

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, catalog.Servers, 2)

	calc := catalog.Servers["calc"]
	require.NotNil(t, calc)
	assert.Equal(t, "calc", calc.Name)
	assert.Equal(t, "calc", calc.EffectivePrefix())
	assert.Equal(t, "npx -y calc-mcp", calc.Command)
	assert.True(t, calc.Enabled)
	assert.True(t, calc.IsStdio())

	web := catalog.Servers["web"]
	require.NotNil(t, web)
	assert.Nil(t, web.Prefix)
	assert.Equal(t, "web", web.EffectivePrefix())
	assert.False(t, web.Enabled)
	assert.False(t, web.IsStdio())
	assert.Equal(t, []string{"research"}, web.Kits)
}

func TestParseCatalogPreservesKeyOrder(t *testing.T) {
	catalog, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)

	assert.Equal(t, []string{"calc", "web"}, catalog.Names())
	assert.Less(t, catalog.Servers["calc"].Order(), catalog.Servers["web"].Order())
}

func TestParseCatalogEnabledDefaultsTrue(t *testing.T) {
	catalog, err := ParseCatalog([]byte(`{"servers": {"a": {"prefix": null, "command": "run"}}}`))
	require.NoError(t, err)
	assert.True(t, catalog.Servers["a"].Enabled)
}

func TestCatalogRoundTrip(t *testing.T) {
	catalog, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)

	data, err := catalog.Serialize()
	require.NoError(t, err)

	reparsed, err := ParseCatalog(data)
	require.NoError(t, err)

	assert.Equal(t, catalog.Names(), reparsed.Names())
	for name, srv := range catalog.Servers {
		other := reparsed.Servers[name]
		require.NotNil(t, other, "server %s lost in round trip", name)
		assert.Equal(t, srv.EffectivePrefix(), other.EffectivePrefix())
		assert.Equal(t, srv.Command, other.Command)
		assert.Equal(t, srv.URI, other.URI)
		assert.Equal(t, srv.Enabled, other.Enabled)
		assert.Equal(t, srv.Kits, other.Kits)
		assert.Equal(t, srv.Notes, other.Notes)
	}
}

func TestCatalogAddAssignsOrder(t *testing.T) {
	catalog := NewCatalog()
	catalog.Add(&ServerConfig{Name: "first", Command: "run", Enabled: true})
	catalog.Add(&ServerConfig{Name: "second", Command: "run", Enabled: true})

	assert.Equal(t, []string{"first", "second"}, catalog.Names())

	// Replacing keeps the original position.
	catalog.Add(&ServerConfig{Name: "first", Command: "run2", Enabled: true})
	assert.Equal(t, []string{"first", "second"}, catalog.Names())
}

func TestCloneIsDeep(t *testing.T) {
	prefix := "p"
	srv := &ServerConfig{
		Name:    "a",
		Prefix:  &prefix,
		Command: "run",
		Env:     map[string]string{"K": "v"},
		Kits:    []string{"k1"},
		Enabled: true,
	}
	clone := srv.Clone()
	clone.Env["K"] = "changed"
	clone.Kits[0] = "k2"
	*clone.Prefix = "q"

	assert.Equal(t, "v", srv.Env["K"])
	assert.Equal(t, "k1", srv.Kits[0])
	assert.Equal(t, "p", *srv.Prefix)
}
