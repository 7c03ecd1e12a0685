package mount

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"magg/internal/api"
	"magg/internal/backend"
	"magg/internal/config"
	"magg/internal/notify"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackendClient serves a fixed tool list per server.
type fakeBackendClient struct {
	tools []mcp.Tool

	mu    sync.Mutex
	calls []string
}

func (f *fakeBackendClient) Initialize(context.Context) error { return nil }
func (f *fakeBackendClient) Close() error                     { return nil }

func (f *fakeBackendClient) ListTools(context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}

func (f *fakeBackendClient) CallTool(_ context.Context, name string, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("5")}}, nil
}

func (f *fakeBackendClient) ListResources(context.Context) ([]mcp.Resource, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBackendClient) ListResourceTemplates(context.Context) ([]mcp.ResourceTemplate, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBackendClient) ReadResource(_ context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBackendClient) ListPrompts(context.Context) ([]mcp.Prompt, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBackendClient) GetPrompt(_ context.Context, name string, _ map[string]interface{}) (*mcp.GetPromptResult, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBackendClient) Ping(context.Context) error { return nil }

func (f *fakeBackendClient) OnNotification(func(mcp.JSONRPCNotification)) {}

// listSession records notification methods for coalesce assertions.
type listSession struct {
	mu      sync.Mutex
	methods []string
}

func (l *listSession) ID() string { return "session-1" }

func (l *listSession) Send(method string, _ map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods = append(l.methods, method)
	return nil
}

func (l *listSession) count(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.methods {
		if m == method {
			n++
		}
	}
	return n
}

// testEngine builds an engine whose backends serve canned tool lists.
func testEngine(coordinator *notify.Coordinator, toolsByServer map[string][]string) *Engine {
	return NewEngine("_", backend.Options{
		NewClient: func(cfg *config.ServerConfig, _ backend.FactoryOptions) (backend.MCPClient, error) {
			client := &fakeBackendClient{}
			for _, name := range toolsByServer[cfg.Name] {
				client.tools = append(client.tools, mcp.Tool{Name: name})
			}
			return client, nil
		},
		HealthInterval: time.Hour,
		CloseTimeout:   time.Second,
		ConnectTimeout: time.Second,
	}, coordinator)
}

func serverCfg(catalog *config.Catalog, name, prefix string) {
	catalog.Add(&config.ServerConfig{Name: name, Prefix: &prefix, Command: "fake " + name, Enabled: true})
}

func fullDiff(catalog *config.Catalog) *config.Diff {
	return config.Compute(config.NewCatalog(), catalog)
}

func TestApplyMountsAndPrefixes(t *testing.T) {
	engine := testEngine(nil, map[string][]string{"calc": {"add", "sub"}})
	defer engine.Shutdown()

	catalog := config.NewCatalog()
	serverCfg(catalog, "calc", "calc")

	require.NoError(t, engine.Apply(context.Background(), catalog, fullDiff(catalog)))

	tools := engine.Index().Tools()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"calc_add", "calc_sub"}, names)

	server, local, err := engine.Resolve(KindTool, "calc_add")
	require.NoError(t, err)
	assert.Equal(t, "calc", server)
	assert.Equal(t, "add", local)
}

func TestApplyEmptyPrefixKeepsNamesVerbatim(t *testing.T) {
	engine := testEngine(nil, map[string][]string{"raw": {"do_thing"}})
	defer engine.Shutdown()

	catalog := config.NewCatalog()
	serverCfg(catalog, "raw", "")

	require.NoError(t, engine.Apply(context.Background(), catalog, fullDiff(catalog)))

	_, local, err := engine.Resolve(KindTool, "do_thing")
	require.NoError(t, err)
	assert.Equal(t, "do_thing", local)
}

func TestCallToolRoutesWithLocalName(t *testing.T) {
	engine := testEngine(nil, map[string][]string{"calc": {"add"}})
	defer engine.Shutdown()

	catalog := config.NewCatalog()
	serverCfg(catalog, "calc", "calc")
	require.NoError(t, engine.Apply(context.Background(), catalog, fullDiff(catalog)))

	result, err := engine.CallTool(context.Background(), "calc_add", map[string]interface{}{"a": 2, "b": 3})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)

	_, err = engine.CallTool(context.Background(), "calc_unknown", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestCollisionLaterEntryFails(t *testing.T) {
	engine := testEngine(nil, map[string][]string{
		"a": {"foo"},
		"b": {"foo", "bar"},
	})
	defer engine.Shutdown()

	catalog := config.NewCatalog()
	serverCfg(catalog, "a", "x")
	serverCfg(catalog, "b", "x") // same prefix, same tool name: collision

	require.NoError(t, engine.Apply(context.Background(), catalog, fullDiff(catalog)))

	// Exactly one x_foo, owned by the earlier entry.
	server, _, err := engine.Resolve(KindTool, "x_foo")
	require.NoError(t, err)
	assert.Equal(t, "a", server)

	// The loser is failed entirely: even its non-colliding names are out.
	_, _, err = engine.Resolve(KindTool, "x_bar")
	assert.Error(t, err)

	connA, ok := engine.Connection("a")
	require.True(t, ok)
	assert.Equal(t, backend.StateRunning, connA.State())

	connB, ok := engine.Connection("b")
	require.True(t, ok)
	assert.Equal(t, backend.StateFailed, connB.State())
	assert.True(t, errors.Is(connB.LastError(), api.ErrCollision))
}

func TestCollisionPrecedenceFollowsCatalogOrder(t *testing.T) {
	engine := testEngine(nil, map[string][]string{
		"zebra": {"foo"},
		"ant":   {"foo"},
	})
	defer engine.Shutdown()

	// zebra is configured first, so it wins despite sorting after ant.
	catalog := config.NewCatalog()
	serverCfg(catalog, "zebra", "x")
	serverCfg(catalog, "ant", "x")

	require.NoError(t, engine.Apply(context.Background(), catalog, fullDiff(catalog)))

	server, _, err := engine.Resolve(KindTool, "x_foo")
	require.NoError(t, err)
	assert.Equal(t, "zebra", server)
}

func TestApplyRemovedUnmounts(t *testing.T) {
	engine := testEngine(nil, map[string][]string{"calc": {"add"}})
	defer engine.Shutdown()

	catalog := config.NewCatalog()
	serverCfg(catalog, "calc", "calc")
	require.NoError(t, engine.Apply(context.Background(), catalog, fullDiff(catalog)))

	next := config.NewCatalog()
	diff := config.Compute(catalog, next)
	require.NoError(t, engine.Apply(context.Background(), next, diff))

	_, _, err := engine.Resolve(KindTool, "calc_add")
	assert.True(t, errors.Is(err, api.ErrNotFound))
	_, ok := engine.Connection("calc")
	assert.False(t, ok)
}

func TestApplyToggleOffUnmountsToggleOnMounts(t *testing.T) {
	engine := testEngine(nil, map[string][]string{"calc": {"add"}})
	defer engine.Shutdown()

	catalog := config.NewCatalog()
	serverCfg(catalog, "calc", "calc")
	require.NoError(t, engine.Apply(context.Background(), catalog, fullDiff(catalog)))

	// Toggle off.
	off := catalog.Clone()
	off.Servers["calc"].Enabled = false
	diff := config.Compute(catalog, off)
	require.Equal(t, []string{"calc"}, diff.Toggled)
	require.NoError(t, engine.Apply(context.Background(), off, diff))
	_, _, err := engine.Resolve(KindTool, "calc_add")
	assert.Error(t, err)

	// Toggle back on.
	on := off.Clone()
	on.Servers["calc"].Enabled = true
	diff = config.Compute(off, on)
	require.NoError(t, engine.Apply(context.Background(), on, diff))
	_, _, err = engine.Resolve(KindTool, "calc_add")
	assert.NoError(t, err)
}

func TestApplyAnnouncesCoalescedToolsChanged(t *testing.T) {
	coordinator := notify.NewCoordinator(notify.Options{CoalesceWindow: 20 * time.Millisecond})
	session := &listSession{}
	coordinator.AttachSession(session)
	defer coordinator.DetachSession(session.ID())

	engine := testEngine(coordinator, map[string][]string{
		"a": {"foo"},
		"b": {"bar"},
	})
	defer engine.Shutdown()

	catalog := config.NewCatalog()
	serverCfg(catalog, "a", "a")
	serverCfg(catalog, "b", "b")
	require.NoError(t, engine.Apply(context.Background(), catalog, fullDiff(catalog)))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if session.count("notifications/tools/list_changed") >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)

	// Two backends came up in one apply; the session sees one coalesced
	// tools_changed.
	assert.Equal(t, 1, session.count("notifications/tools/list_changed"))
}

func TestIndexSwapIsAtomic(t *testing.T) {
	engine := testEngine(nil, map[string][]string{"calc": {"add"}, "other": {"mul"}})
	defer engine.Shutdown()

	catalog := config.NewCatalog()
	serverCfg(catalog, "calc", "calc")
	require.NoError(t, engine.Apply(context.Background(), catalog, fullDiff(catalog)))

	before := engine.Index()

	next := catalog.Clone()
	serverCfg(next, "other", "other")
	diff := config.Compute(catalog, next)
	require.NoError(t, engine.Apply(context.Background(), next, diff))

	after := engine.Index()

	// The pre-image is untouched: readers holding it never see a mixture.
	preNames := make([]string, 0)
	for _, tool := range before.Tools() {
		preNames = append(preNames, tool.Name)
	}
	assert.ElementsMatch(t, []string{"calc_add"}, preNames)

	postNames := make([]string, 0)
	for _, tool := range after.Tools() {
		postNames = append(postNames, tool.Name)
	}
	assert.ElementsMatch(t, []string{"calc_add", "other_mul"}, postNames)
}
