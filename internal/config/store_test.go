package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"magg/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadMissingFileYieldsEmptyCatalog(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "config.json"), "_", false)
	catalog, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, catalog.Servers)
}

func TestStoreReplacePersistsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store := NewStore(path, "_", false)

	catalog := NewCatalog()
	catalog.Add(&ServerConfig{Name: "calc", Command: "npx -y calc-mcp", Enabled: true})
	require.NoError(t, store.Replace(catalog))

	// The write went through a temp file; no stray temp files remain.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.json", entries[0].Name())

	// A fresh store reads the same catalog back.
	reread, err := NewStore(path, "_", false).Load()
	require.NoError(t, err)
	require.Contains(t, reread.Servers, "calc")
	assert.Equal(t, "npx -y calc-mcp", reread.Servers["calc"].Command)
}

func TestStoreReplaceRejectsInvalidCatalog(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "config.json"), "_", false)

	catalog := NewCatalog()
	catalog.Add(&ServerConfig{Name: "bad", Enabled: true}) // no transport

	err := store.Replace(catalog)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrValidation))
	assert.Empty(t, store.Current().Servers)
}

func TestStoreReadOnlyRejectsReplaceButAllowsLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	// Seed the file through a writable store.
	writable := NewStore(path, "_", false)
	seeded := NewCatalog()
	seeded.Add(&ServerConfig{Name: "calc", Command: "run", Enabled: true})
	require.NoError(t, writable.Replace(seeded))

	store := NewStore(path, "_", true)
	_, err := store.Load()
	require.NoError(t, err)

	next := store.Current()
	next.Add(&ServerConfig{Name: "extra", Command: "run", Enabled: true})
	err = store.Replace(next)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrReadOnly))

	// The refused mutation left the store untouched.
	assert.NotContains(t, store.Current().Servers, "extra")

	// External edits still come in through Load.
	external := `{"servers": {"calc": {"prefix": null, "command": "run"}, "other": {"prefix": null, "command": "run2"}}}`
	require.NoError(t, os.WriteFile(path, []byte(external), 0o644))
	reloaded, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, reloaded.Servers, "other")
}

func TestStoreLoadKeepsPreviousCatalogOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store := NewStore(path, "_", false)

	catalog := NewCatalog()
	catalog.Add(&ServerConfig{Name: "calc", Command: "run", Enabled: true})
	require.NoError(t, store.Replace(catalog))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := store.Load()
	require.Error(t, err)

	// The previous catalog stays in force.
	assert.Contains(t, store.Current().Servers, "calc")
}
