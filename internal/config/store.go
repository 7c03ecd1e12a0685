package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"magg/internal/api"
	"magg/pkg/logging"
)

// Store holds the authoritative catalog in memory and its serialized form
// on disk. Changes go through Replace, and external edits through Load;
// either way a catalog is adopted atomically or not at all.
type Store struct {
	mu        sync.RWMutex
	path      string
	separator string
	readOnly  bool
	current   *Catalog
}

// NewStore creates a store for the catalog file at path. No I/O happens
// until Load.
func NewStore(path, separator string, readOnly bool) *Store {
	return &Store{
		path:      path,
		separator: separator,
		current:   NewCatalog(),
		readOnly:  readOnly,
	}
}

// Path returns the catalog file path.
func (s *Store) Path() string {
	return s.path
}

// ReadOnly reports whether disk writes are refused.
func (s *Store) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

// Current returns a deep copy of the in-memory catalog.
func (s *Store) Current() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Load reads and validates the catalog file, adopting it as current on
// success. A missing file yields an empty catalog; any parse or
// validation failure rejects the whole file and keeps the previous
// catalog in force.
func (s *Store) Load() (*Catalog, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Info("ConfigStore", "No catalog at %s, starting empty", s.path)
			catalog := NewCatalog()
			s.mu.Lock()
			s.current = catalog
			s.mu.Unlock()
			return catalog.Clone(), nil
		}
		return nil, fmt.Errorf("failed to read catalog %s: %w", s.path, err)
	}

	catalog, err := ParseCatalog(data)
	if err != nil {
		return nil, api.Validationf("catalog %s: %v", s.path, err)
	}
	if err := ValidateCatalog(catalog, s.separator); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.current = catalog
	s.mu.Unlock()

	logging.Info("ConfigStore", "Loaded catalog with %d servers from %s", len(catalog.Servers), s.path)
	return catalog.Clone(), nil
}

// Replace validates, persists and adopts a new catalog. In read-only
// mode the mutation is refused outright; external edits still reach the
// store through Load, which read-only mode never blocks.
func (s *Store) Replace(catalog *Catalog) error {
	if s.ReadOnly() {
		return api.ReadOnlyf("catalog is read-only")
	}
	if err := ValidateCatalog(catalog, s.separator); err != nil {
		return err
	}
	if err := s.persist(catalog); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = catalog.Clone()
	s.mu.Unlock()
	return nil
}

// persist writes the catalog atomically: temp file in the same directory,
// then rename over the target.
func (s *Store) persist(catalog *Catalog) error {
	data, err := catalog.Serialize()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp catalog: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp catalog: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace catalog %s: %w", s.path, err)
	}

	logging.Debug("ConfigStore", "Persisted catalog with %d servers to %s", len(catalog.Servers), s.path)
	return nil
}
