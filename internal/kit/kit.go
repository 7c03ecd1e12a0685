// Package kit loads and unloads named bundles of server configurations.
// Kits merge into the catalog with shared ownership: a server stays as
// long as any loading kit (or an out-of-kit introduction) still claims it.
package kit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"magg/internal/api"
	"magg/internal/config"
	"magg/pkg/logging"
)

// Kit is one bundle file: metadata plus a partial catalog.
type Kit struct {
	Name        string                          `json:"name"`
	Description string                          `json:"description,omitempty"`
	Author      string                          `json:"author,omitempty"`
	Version     string                          `json:"version,omitempty"`
	Keywords    []string                        `json:"keywords,omitempty"`
	Links       map[string]string               `json:"links,omitempty"`
	Servers     map[string]*config.ServerConfig `json:"servers"`
}

// Loader loads kit files from a directory and applies their
// shared-ownership semantics to catalogs. Load and unload of the same kit
// are serialized.
type Loader struct {
	dir       string
	separator string

	mu     sync.Mutex
	loaded map[string]*Kit
	// introduced records the servers some kit created (as opposed to
	// co-owned). The record outlives the creating kit: a server stays a
	// removal candidate until its last owning kit unloads and it is
	// actually removed, however many loads and unloads happen in between.
	introduced map[string]bool
}

// NewLoader creates a loader over the kit directory.
func NewLoader(dir, separator string) *Loader {
	return &Loader{
		dir:        dir,
		separator:  separator,
		loaded:     make(map[string]*Kit),
		introduced: make(map[string]bool),
	}
}

// Parse reads and validates a kit file.
func (l *Loader) Parse(name string) (*Kit, error) {
	path := filepath.Join(l.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, api.NotFoundf("kit %q not found at %s", name, path)
		}
		return nil, fmt.Errorf("failed to read kit %s: %w", path, err)
	}

	kit := &Kit{}
	if err := json.Unmarshal(data, kit); err != nil {
		return nil, api.Validationf("kit %q: %v", name, err)
	}
	if kit.Name == "" {
		kit.Name = name
	}
	if kit.Name != name {
		return nil, api.Validationf("kit file %s declares name %q", path, kit.Name)
	}
	for srvName, srv := range kit.Servers {
		srv.Name = srvName
		if len(srv.Kits) > 0 {
			return nil, api.Validationf("kit %q: server %q must not declare kit ownership", name, srvName)
		}
		if err := config.ValidateServer(srv, l.separator); err != nil {
			return nil, err
		}
	}
	return kit, nil
}

// Load merges the named kit into a clone of catalog and returns the
// result. Servers already present gain this kit in their ownership set;
// new servers are created owned by it alone. When apply is non-nil it
// runs with the merged catalog while the kit lock is held, and the
// loader records the kit as loaded only if apply succeeds.
func (l *Loader) Load(name string, catalog *config.Catalog, apply func(*config.Catalog) error) (*Kit, *config.Catalog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kit, err := l.Parse(name)
	if err != nil {
		return nil, nil, err
	}

	next := catalog.Clone()
	var created []string
	for srvName, srv := range kit.Servers {
		if existing, ok := next.Servers[srvName]; ok {
			if !existing.HasKit(name) {
				existing.Kits = append(existing.Kits, name)
				sort.Strings(existing.Kits)
			}
			continue
		}
		entry := srv.Clone()
		entry.Kits = []string{name}
		next.Add(entry)
		created = append(created, srvName)
	}

	if apply != nil {
		if err := apply(next); err != nil {
			return nil, nil, err
		}
	}

	l.loaded[name] = kit
	for _, srvName := range created {
		l.introduced[srvName] = true
	}

	logging.Info("Kit", "Loaded kit %s: %d servers (%d new)", name, len(kit.Servers), len(created))
	return kit, next, nil
}

// Unload removes the named kit's ownership from a clone of catalog.
// Servers whose ownership set drains and that a kit once introduced are
// removed; servers introduced outside kits survive with an empty set.
// When apply is non-nil it runs with the resulting catalog while the kit
// lock is held, and the loader's state changes only if apply succeeds.
func (l *Loader) Unload(name string, catalog *config.Catalog, apply func(*config.Catalog) error) (*config.Catalog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.loaded[name]; !ok {
		return nil, api.NotFoundf("kit %q is not loaded", name)
	}

	next := catalog.Clone()
	var removed []string
	for srvName, srv := range next.Servers {
		if !srv.HasKit(name) {
			continue
		}
		srv.Kits = slices.DeleteFunc(srv.Kits, func(k string) bool { return k == name })
		if len(srv.Kits) == 0 && l.introduced[srvName] {
			delete(next.Servers, srvName)
			removed = append(removed, srvName)
			logging.Info("Kit", "Removing server %s: last owning kit %s unloaded", srvName, name)
		}
	}

	if apply != nil {
		if err := apply(next); err != nil {
			return nil, err
		}
	}

	delete(l.loaded, name)
	for _, srvName := range removed {
		delete(l.introduced, srvName)
	}

	logging.Info("Kit", "Unloaded kit %s", name)
	return next, nil
}

// Loaded returns the currently loaded kits by name.
func (l *Loader) Loaded() map[string]*Kit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]*Kit, len(l.loaded))
	for name, kit := range l.loaded {
		out[name] = kit
	}
	return out
}

// Available lists the kit names present in the kit directory.
func (l *Loader) Available() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list kit directory %s: %w", l.dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Info returns a loaded or on-disk kit by name.
func (l *Loader) Info(name string) (*Kit, bool, error) {
	l.mu.Lock()
	if kit, ok := l.loaded[name]; ok {
		l.mu.Unlock()
		return kit, true, nil
	}
	l.mu.Unlock()

	kit, err := l.Parse(name)
	if err != nil {
		return nil, false, err
	}
	return kit, false, nil
}
