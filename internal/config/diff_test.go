package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func catalogOf(servers ...*ServerConfig) *Catalog {
	catalog := NewCatalog()
	for _, srv := range servers {
		catalog.Add(srv)
	}
	return catalog
}

func TestComputeDiff(t *testing.T) {
	base := func() *Catalog {
		return catalogOf(
			&ServerConfig{Name: "keep", Command: "run", Enabled: true},
			&ServerConfig{Name: "gone", Command: "run", Enabled: true},
			&ServerConfig{Name: "edit", Command: "run", Enabled: true},
			&ServerConfig{Name: "flip", Command: "run", Enabled: true},
		)
	}

	next := catalogOf(
		&ServerConfig{Name: "keep", Command: "run", Enabled: true},
		&ServerConfig{Name: "edit", Command: "run --changed", Enabled: true},
		&ServerConfig{Name: "flip", Command: "run", Enabled: false},
		&ServerConfig{Name: "new", Command: "run", Enabled: true},
	)

	diff := Compute(base(), next)
	assert.Equal(t, []string{"new"}, diff.Added)
	assert.Equal(t, []string{"gone"}, diff.Removed)
	assert.Equal(t, []string{"edit"}, diff.Updated)
	assert.Equal(t, []string{"flip"}, diff.Toggled)
	assert.False(t, diff.Empty())
}

func TestComputeDiffPrefixChangeIsUpdate(t *testing.T) {
	old := catalogOf(&ServerConfig{Name: "a", Prefix: strPtr("x"), Command: "run", Enabled: true})
	new_ := catalogOf(&ServerConfig{Name: "a", Prefix: strPtr("y"), Command: "run", Enabled: true})

	diff := Compute(old, new_)
	assert.Equal(t, []string{"a"}, diff.Updated)
	assert.Empty(t, diff.Toggled)
}

func TestComputeDiffCosmeticChangesIgnored(t *testing.T) {
	old := catalogOf(&ServerConfig{Name: "a", Command: "run", Notes: "old", Enabled: true})
	new_ := catalogOf(&ServerConfig{Name: "a", Command: "run", Notes: "new", Source: "https://x", Kits: []string{"k"}, Enabled: true})

	diff := Compute(old, new_)
	assert.True(t, diff.Empty())
}

func TestComputeDiffEnvChangeIsMaterial(t *testing.T) {
	old := catalogOf(&ServerConfig{Name: "a", Command: "run", Env: map[string]string{"K": "1"}, Enabled: true})
	new_ := catalogOf(&ServerConfig{Name: "a", Command: "run", Env: map[string]string{"K": "2"}, Enabled: true})

	diff := Compute(old, new_)
	assert.Equal(t, []string{"a"}, diff.Updated)
}

func TestComputeDiffIdentical(t *testing.T) {
	catalog := catalogOf(&ServerConfig{Name: "a", Command: "run", Enabled: true})
	assert.True(t, Compute(catalog, catalog.Clone()).Empty())
}
