package mount

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// Kind identifies a capability class. Capabilities are data tagged with
// their kind; dispatch is a table lookup, not polymorphism.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Entry maps one aggregated capability to its owning backend. Exactly one
// of Tool, Resource, Template or Prompt is populated, matching Kind.
type Entry struct {
	Server     string
	Local      string
	Aggregated string
	Kind       Kind

	Tool       *mcp.Tool
	Resource   *mcp.Resource
	Template   *mcp.ResourceTemplate
	Prompt     *mcp.Prompt
	IsTemplate bool
}

// Index is an immutable snapshot of the aggregated capability surface.
// The engine swaps the whole pointer on every rebuild; readers never see
// a mixture of two generations.
type Index struct {
	tools     map[string]Entry
	resources map[string]Entry // keyed by URI; URIs are not prefixed
	templates map[string]Entry // keyed by URI template
	prompts   map[string]Entry

	byServer map[string][]Entry
}

func newIndex() *Index {
	return &Index{
		tools:     make(map[string]Entry),
		resources: make(map[string]Entry),
		templates: make(map[string]Entry),
		prompts:   make(map[string]Entry),
		byServer:  make(map[string][]Entry),
	}
}

// Tools returns all aggregated tools.
func (ix *Index) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(ix.tools))
	for _, entry := range ix.tools {
		out = append(out, *entry.Tool)
	}
	return out
}

// Resources returns all aggregated resources.
func (ix *Index) Resources() []mcp.Resource {
	out := make([]mcp.Resource, 0, len(ix.resources))
	for _, entry := range ix.resources {
		out = append(out, *entry.Resource)
	}
	return out
}

// ResourceTemplates returns all aggregated resource templates.
func (ix *Index) ResourceTemplates() []mcp.ResourceTemplate {
	out := make([]mcp.ResourceTemplate, 0, len(ix.templates))
	for _, entry := range ix.templates {
		out = append(out, *entry.Template)
	}
	return out
}

// Prompts returns all aggregated prompts.
func (ix *Index) Prompts() []mcp.Prompt {
	out := make([]mcp.Prompt, 0, len(ix.prompts))
	for _, entry := range ix.prompts {
		out = append(out, *entry.Prompt)
	}
	return out
}

// Lookup resolves an aggregated name (or URI for resources) to its entry.
func (ix *Index) Lookup(kind Kind, aggregated string) (Entry, bool) {
	switch kind {
	case KindTool:
		entry, ok := ix.tools[aggregated]
		return entry, ok
	case KindResource:
		if entry, ok := ix.resources[aggregated]; ok {
			return entry, ok
		}
		entry, ok := ix.templates[aggregated]
		return entry, ok
	case KindPrompt:
		entry, ok := ix.prompts[aggregated]
		return entry, ok
	}
	return Entry{}, false
}

// ServerEntries returns everything one backend contributes.
func (ix *Index) ServerEntries(server string) []Entry {
	return ix.byServer[server]
}

// Counts returns the number of aggregated tools, resources (including
// templates) and prompts.
func (ix *Index) Counts() (tools, resources, prompts int) {
	return len(ix.tools), len(ix.resources) + len(ix.templates), len(ix.prompts)
}

// sameSurface reports whether the other index exposes the identical name
// set for the given kind. Used to decide which list-changed notifications
// a rebuild must emit.
func (ix *Index) sameSurface(other *Index, kind Kind) bool {
	pick := func(i *Index) map[string]Entry {
		switch kind {
		case KindTool:
			return i.tools
		case KindPrompt:
			return i.prompts
		default:
			return i.resources
		}
	}
	a, b := pick(ix), pick(other)
	if len(a) != len(b) {
		return false
	}
	for name := range a {
		if _, ok := b[name]; !ok {
			return false
		}
	}
	if kind == KindResource {
		if len(ix.templates) != len(other.templates) {
			return false
		}
		for name := range ix.templates {
			if _, ok := other.templates[name]; !ok {
				return false
			}
		}
	}
	return true
}

func (ix *Index) add(entry Entry) {
	switch entry.Kind {
	case KindTool:
		ix.tools[entry.Aggregated] = entry
	case KindResource:
		if entry.IsTemplate {
			ix.templates[entry.Aggregated] = entry
		} else {
			ix.resources[entry.Aggregated] = entry
		}
	case KindPrompt:
		ix.prompts[entry.Aggregated] = entry
	}
	ix.byServer[entry.Server] = append(ix.byServer[entry.Server], entry)
}

// claimed reports whether an aggregated name is already taken for a kind.
func (ix *Index) claimed(kind Kind, aggregated string, isTemplate bool) bool {
	switch kind {
	case KindTool:
		_, ok := ix.tools[aggregated]
		return ok
	case KindResource:
		if isTemplate {
			_, ok := ix.templates[aggregated]
			return ok
		}
		_, ok := ix.resources[aggregated]
		return ok
	case KindPrompt:
		_, ok := ix.prompts[aggregated]
		return ok
	}
	return false
}
