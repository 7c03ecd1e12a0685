// Package mount keeps the authoritative map from server name to backend
// connection and the derived aggregated capability index. It is the only
// writer of both; everyone else reads immutable snapshots.
package mount

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"magg/internal/api"
	"magg/internal/backend"
	"magg/internal/config"
	"magg/internal/notify"
	"magg/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// Engine applies catalog diffs, owns the backend connections and exposes
// the aggregated view.
type Engine struct {
	separator   string
	connOpts    backend.Options
	coordinator *notify.Coordinator

	// applyMu serializes Apply with itself; in-flight calls proceed
	// against the current index while a reconfigure runs.
	applyMu sync.Mutex
	// reindexMu serializes index rebuilds, which can also be triggered by
	// backend list-change notifications.
	reindexMu sync.Mutex

	mu    sync.RWMutex
	conns map[string]*backend.Connection

	index atomic.Pointer[Index]

	// onIndexChange, when set, runs after every rebuild that moved the
	// aggregated surface. The aggregator server uses it to resync the
	// capabilities it exposes.
	onIndexChange atomic.Pointer[func()]

	// newConnection is swappable for tests.
	newConnection func(cfg *config.ServerConfig) *backend.Connection
}

// SetOnIndexChange installs the index-change hook.
func (e *Engine) SetOnIndexChange(hook func()) {
	e.onIndexChange.Store(&hook)
}

// NewEngine creates an empty engine. Connection envelopes flow into the
// coordinator; the engine itself also publishes synthetic list-change
// envelopes after every successful Apply.
func NewEngine(separator string, connOpts backend.Options, coordinator *notify.Coordinator) *Engine {
	e := &Engine{
		separator:   separator,
		connOpts:    connOpts,
		coordinator: coordinator,
		conns:       make(map[string]*backend.Connection),
	}
	e.index.Store(newIndex())
	e.newConnection = func(cfg *config.ServerConfig) *backend.Connection {
		opts := connOpts
		opts.Publish = e.publishFromBackend
		return backend.NewConnection(cfg, opts)
	}
	return e
}

// publishFromBackend relays a backend envelope to the coordinator,
// reindexing first when the backend's capability surface moved. The
// reindex runs off the backend's goroutine: a rebuild may fail the very
// connection that published, and failing a connection waits for its
// owning goroutine to stop.
func (e *Engine) publishFromBackend(env notify.Envelope) {
	if env.Kind.IsListChange() {
		go func() {
			e.Reindex()
			if e.coordinator != nil {
				// The coordinator coalesces this with any synthetic
				// envelope the rebuild emitted.
				e.coordinator.Publish(env)
			}
		}()
		return
	}
	if e.coordinator != nil {
		e.coordinator.Publish(env)
	}
}

// AggregatedName computes prefix + separator + local, or local alone for
// an empty prefix. Resource URIs keep their identity and skip this.
func (e *Engine) AggregatedName(prefix, local string) string {
	if prefix == "" {
		return local
	}
	return prefix + e.separator + local
}

// Index returns the current immutable aggregated index.
func (e *Engine) Index() *Index {
	return e.index.Load()
}

// Connection returns the connection for a backend name.
func (e *Engine) Connection(name string) (*backend.Connection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conn, ok := e.conns[name]
	return conn, ok
}

// Connections returns all connections sorted by catalog order.
func (e *Engine) Connections() []*backend.Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*backend.Connection, 0, len(e.conns))
	for _, conn := range e.conns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Config(), out[j].Config()
		if a.Order() != b.Order() {
			return a.Order() < b.Order()
		}
		return a.Name < b.Name
	})
	return out
}

// Apply reconfigures the mounted set transactionally: teardown removed,
// teardown updated, bring up toggled-on and added, then re-index once.
// Failing bring-ups are recorded failed and left in place; backends
// already torn down are not resurrected on error. One Apply runs at a
// time; readers keep the pre-image index until the post-image is swapped
// in.
func (e *Engine) Apply(ctx context.Context, catalog *config.Catalog, diff *config.Diff) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	for _, name := range diff.Removed {
		e.teardown(name)
	}
	for _, name := range diff.Updated {
		e.teardown(name)
	}

	var bringUp []string
	bringUp = append(bringUp, diff.Added...)
	bringUp = append(bringUp, diff.Updated...)
	bringUp = append(bringUp, diff.Toggled...)

	for _, name := range bringUp {
		cfg, ok := catalog.Servers[name]
		if !ok {
			continue
		}
		e.bringUp(ctx, cfg)
	}

	e.Reindex()

	logging.Info("Mount", "Applied catalog diff: +%d -%d ~%d toggled %d",
		len(diff.Added), len(diff.Removed), len(diff.Updated), len(diff.Toggled))
	return nil
}

// teardown stops and forgets one backend.
func (e *Engine) teardown(name string) {
	e.mu.Lock()
	conn, ok := e.conns[name]
	delete(e.conns, name)
	e.mu.Unlock()
	if !ok {
		return
	}
	conn.Stop()
	logging.Info("Mount", "Unmounted server %s", name)
}

// bringUp creates a connection for an enabled entry and starts it. A
// disabled entry replaces any previous connection with nothing. Start
// failures leave a failed connection in the map for status reporting.
func (e *Engine) bringUp(ctx context.Context, cfg *config.ServerConfig) {
	e.teardown(cfg.Name)
	if !cfg.Enabled {
		logging.Debug("Mount", "Server %s is disabled, not mounting", cfg.Name)
		return
	}

	conn := e.newConnection(cfg)
	e.mu.Lock()
	e.conns[cfg.Name] = conn
	e.mu.Unlock()

	if err := conn.Start(ctx); err != nil {
		logging.Error("Mount", err, "Server %s failed to start", cfg.Name)
	}
}

// Reindex rebuilds the aggregated index from the running connections'
// snapshots, applying the collision policy: connections claim names in
// catalog order, and a connection whose claim collides is failed and
// excluded entirely. List-changed envelopes are published for every kind
// whose surface moved.
func (e *Engine) Reindex() {
	e.reindexMu.Lock()
	defer e.reindexMu.Unlock()

	old := e.index.Load()
	next := newIndex()

	for _, conn := range e.Connections() {
		if conn.State() != backend.StateRunning && conn.State() != backend.StateDegraded {
			continue
		}
		if collided := e.indexConnection(next, conn); collided != nil {
			conn.Fail(collided)
			logging.Warn("Mount", "Server %s failed to mount: %v", conn.Name(), collided)
		}
	}

	e.index.Store(next)
	e.announce(old, next)
}

// indexConnection claims all of one backend's aggregated names in next.
// The first collision aborts the whole backend: none of its names are
// kept, and the collision error is returned.
func (e *Engine) indexConnection(next *Index, conn *backend.Connection) error {
	cfg := conn.Config()
	prefix := cfg.EffectivePrefix()
	snap := conn.Snapshot()

	var entries []Entry
	for i := range snap.Tools {
		tool := snap.Tools[i]
		aggregated := e.AggregatedName(prefix, tool.Name)
		exposed := tool
		exposed.Name = aggregated
		entries = append(entries, Entry{
			Server: cfg.Name, Local: tool.Name, Aggregated: aggregated,
			Kind: KindTool, Tool: &exposed,
		})
	}
	for i := range snap.Resources {
		resource := snap.Resources[i]
		entries = append(entries, Entry{
			Server: cfg.Name, Local: resource.URI, Aggregated: resource.URI,
			Kind: KindResource, Resource: &snap.Resources[i],
		})
	}
	for i := range snap.ResourceTemplates {
		template := snap.ResourceTemplates[i]
		uri := template.URITemplate.Raw()
		entries = append(entries, Entry{
			Server: cfg.Name, Local: uri, Aggregated: uri,
			Kind: KindResource, Template: &snap.ResourceTemplates[i], IsTemplate: true,
		})
	}
	for i := range snap.Prompts {
		prompt := snap.Prompts[i]
		aggregated := e.AggregatedName(prefix, prompt.Name)
		exposed := prompt
		exposed.Name = aggregated
		entries = append(entries, Entry{
			Server: cfg.Name, Local: prompt.Name, Aggregated: aggregated,
			Kind: KindPrompt, Prompt: &exposed,
		})
	}

	for _, entry := range entries {
		if next.claimed(entry.Kind, entry.Aggregated, entry.IsTemplate) {
			return api.Collisionf("aggregated name %q (%s) already claimed", entry.Aggregated, entry.Kind)
		}
	}
	for _, entry := range entries {
		next.add(entry)
	}
	return nil
}

// announce publishes synthetic list-change envelopes for every kind whose
// aggregated surface differs between two index generations.
func (e *Engine) announce(old, next *Index) {
	toolsMoved := !old.sameSurface(next, KindTool)
	resourcesMoved := !old.sameSurface(next, KindResource)
	promptsMoved := !old.sameSurface(next, KindPrompt)

	if e.coordinator != nil {
		if toolsMoved {
			e.coordinator.Publish(notify.NewEnvelope("", notify.KindToolsChanged, nil))
		}
		if resourcesMoved {
			e.coordinator.Publish(notify.NewEnvelope("", notify.KindResourcesChanged, nil))
		}
		if promptsMoved {
			e.coordinator.Publish(notify.NewEnvelope("", notify.KindPromptsChanged, nil))
		}
	}

	if toolsMoved || resourcesMoved || promptsMoved {
		if hook := e.onIndexChange.Load(); hook != nil {
			(*hook)()
		}
	}
}

// Resolve maps an aggregated name to its backend and local name.
func (e *Engine) Resolve(kind Kind, aggregated string) (string, string, error) {
	entry, ok := e.Index().Lookup(kind, aggregated)
	if !ok {
		return "", "", api.NotFoundf("unknown %s %q", kind, aggregated)
	}
	return entry.Server, entry.Local, nil
}

// CallTool routes an aggregated tool call to the owning backend's request
// queue. Cancellation on ctx propagates through the queue to the
// downstream call.
func (e *Engine) CallTool(ctx context.Context, aggregated string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	server, local, err := e.Resolve(KindTool, aggregated)
	if err != nil {
		return nil, err
	}
	conn, ok := e.Connection(server)
	if !ok {
		return nil, api.NotFoundf("server %q is gone", server)
	}
	return conn.CallTool(ctx, local, args)
}

// ReadResource routes an aggregated resource read to the owning backend.
func (e *Engine) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	server, local, err := e.Resolve(KindResource, uri)
	if err != nil {
		return nil, err
	}
	conn, ok := e.Connection(server)
	if !ok {
		return nil, api.NotFoundf("server %q is gone", server)
	}
	return conn.ReadResource(ctx, local)
}

// GetPrompt routes an aggregated prompt fetch to the owning backend.
func (e *Engine) GetPrompt(ctx context.Context, aggregated string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	server, local, err := e.Resolve(KindPrompt, aggregated)
	if err != nil {
		return nil, err
	}
	conn, ok := e.Connection(server)
	if !ok {
		return nil, api.NotFoundf("server %q is gone", server)
	}
	return conn.GetPrompt(ctx, local, args)
}

// Shutdown tears down every connection.
func (e *Engine) Shutdown() {
	for _, conn := range e.Connections() {
		e.teardown(conn.Name())
	}
	e.index.Store(newIndex())
}
