package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
)

// ServerConfig is the declarative definition of one backend MCP server.
// The name is the map key in the catalog file; it is copied into Name on
// load so the struct can travel alone.
type ServerConfig struct {
	Name      string            `json:"-"`
	Source    string            `json:"source,omitempty"`
	Prefix    *string           `json:"prefix"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URI       string            `json:"uri,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Transport map[string]any    `json:"transport,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	Enabled   bool              `json:"enabled"`
	Kits      []string          `json:"kits,omitempty"`

	// order is the position of this entry in the catalog file. It decides
	// who wins a name collision: lower order mounts first and keeps its
	// names. Entries added at runtime get the next free position.
	order int
}

// UnmarshalJSON applies the enabled=true default before decoding, so an
// entry that never mentions "enabled" comes up enabled.
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	type alias ServerConfig
	aux := alias{Enabled: true}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = ServerConfig(aux)
	return nil
}

// EffectivePrefix returns the namespace this server contributes names
// under: the configured prefix, or the server name when unset. An
// explicitly empty prefix means names are contributed verbatim.
func (s *ServerConfig) EffectivePrefix() string {
	if s.Prefix == nil {
		return s.Name
	}
	return *s.Prefix
}

// IsStdio reports whether this server runs as a child process over stdio.
func (s *ServerConfig) IsStdio() bool {
	return s.Command != ""
}

// Order returns the catalog position of this entry.
func (s *ServerConfig) Order() int {
	return s.order
}

// Clone returns a deep copy of the server config.
func (s *ServerConfig) Clone() *ServerConfig {
	out := *s
	if s.Prefix != nil {
		p := *s.Prefix
		out.Prefix = &p
	}
	out.Args = slices.Clone(s.Args)
	out.Kits = slices.Clone(s.Kits)
	out.Env = maps.Clone(s.Env)
	if s.Transport != nil {
		out.Transport = make(map[string]any, len(s.Transport))
		maps.Copy(out.Transport, s.Transport)
	}
	return &out
}

// HasKit reports whether the named kit owns this entry.
func (s *ServerConfig) HasKit(kit string) bool {
	return slices.Contains(s.Kits, kit)
}

// Catalog is the full set of configured backend servers, keyed by name.
type Catalog struct {
	Servers map[string]*ServerConfig `json:"servers"`
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{Servers: make(map[string]*ServerConfig)}
}

// Clone returns a deep copy of the catalog.
func (c *Catalog) Clone() *Catalog {
	out := NewCatalog()
	for name, srv := range c.Servers {
		out.Servers[name] = srv.Clone()
	}
	return out
}

// Names returns all server names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := c.Servers[names[i]], c.Servers[names[j]]
		if a.order != b.order {
			return a.order < b.order
		}
		return names[i] < names[j]
	})
	return names
}

// Add inserts or replaces a server entry, assigning it the next catalog
// position when it is new.
func (c *Catalog) Add(srv *ServerConfig) {
	if existing, ok := c.Servers[srv.Name]; ok {
		srv.order = existing.order
	} else {
		srv.order = c.nextOrder()
	}
	c.Servers[srv.Name] = srv
}

func (c *Catalog) nextOrder() int {
	next := 0
	for _, srv := range c.Servers {
		if srv.order >= next {
			next = srv.order + 1
		}
	}
	return next
}

// ParseCatalog decodes the catalog file format. Key order in the servers
// object is preserved as the configuration order.
func ParseCatalog(data []byte) (*Catalog, error) {
	catalog := NewCatalog()
	if err := json.Unmarshal(data, catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if catalog.Servers == nil {
		catalog.Servers = make(map[string]*ServerConfig)
	}

	order, err := catalogKeyOrder(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog key order: %w", err)
	}
	for name, srv := range catalog.Servers {
		srv.Name = name
		if pos, ok := order[name]; ok {
			srv.order = pos
		}
	}
	return catalog, nil
}

// Serialize encodes the catalog in the on-disk format, servers sorted by
// configuration order so the round trip is stable.
func (c *Catalog) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n  \"servers\": {")
	names := c.Names()
	for i, name := range names {
		entry, err := json.MarshalIndent(c.Servers[name], "    ", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to serialize server %s: %w", name, err)
		}
		if i > 0 {
			buf.WriteString(",")
		}
		fmt.Fprintf(&buf, "\n    %q: %s", name, entry)
	}
	if len(names) > 0 {
		buf.WriteString("\n  ")
	}
	buf.WriteString("}\n}\n")
	return buf.Bytes(), nil
}

// catalogKeyOrder walks the raw JSON and records the position of each key
// inside the top-level "servers" object. Go maps forget insertion order,
// but collision precedence depends on it.
func catalogKeyOrder(data []byte) (map[string]int, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	// Seek the "servers" key at the top level.
	if _, err := dec.Token(); err != nil { // opening brace
		return nil, err
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		if key != "servers" {
			// Skip this key's value.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}

		if _, err := dec.Token(); err != nil { // servers opening brace
			return nil, err
		}
		order := make(map[string]int)
		pos := 0
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			if name, ok := nameTok.(string); ok {
				order[name] = pos
				pos++
			}
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
		}
		return order, nil
	}
	return map[string]int{}, nil
}
