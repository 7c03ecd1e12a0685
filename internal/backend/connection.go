package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"magg/internal/api"
	"magg/internal/config"
	"magg/internal/notify"
	"magg/pkg/logging"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"
)

// State is the lifecycle state of a backend connection.
type State string

const (
	StateConfigured State = "configured"
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StateDegraded   State = "degraded"
	StateFailed     State = "failed"
	StateDisabled   State = "disabled"
)

// Snapshot is an immutable view of a backend's capabilities. Readers get
// the pointer; nobody mutates a published snapshot.
type Snapshot struct {
	Tools             []mcp.Tool
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
	Prompts           []mcp.Prompt
	FetchedAt         time.Time
}

// Options tune a connection's lifecycle behavior.
type Options struct {
	Factory FactoryOptions

	// Publish receives notification envelopes; nil discards them.
	Publish func(notify.Envelope)

	// HealthInterval is the periodic probe cadence.
	HealthInterval time.Duration
	// ProbeTimeout bounds one health probe round-trip.
	ProbeTimeout time.Duration
	// ReconnectInitial is the first reconnect delay; it doubles with
	// jitter up to ReconnectMax.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// ReconnectBudget is how many consecutive reconnect attempts are made
	// before the connection gives up and goes to failed.
	ReconnectBudget int
	// CloseTimeout bounds graceful shutdown before the transport is
	// abandoned (stdio children are killed by the underlying client).
	CloseTimeout time.Duration
	// ConnectTimeout bounds the initial connect plus capability fetch.
	ConnectTimeout time.Duration

	// NewClient overrides transport construction; tests inject fakes here.
	NewClient func(cfg *config.ServerConfig, factory FactoryOptions) (MCPClient, error)
}

func (o *Options) withDefaults() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 15 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = api.HealthProbeTimeout
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 100 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.ReconnectBudget <= 0 {
		o.ReconnectBudget = 8
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
}

// request is one unit of work for the owning goroutine. All transport
// I/O is serialized through the request queue: FIFO per backend.
type request struct {
	execute func(ctx context.Context, client MCPClient) (any, error)
	ctx     context.Context
	reply   chan response
}

type response struct {
	result any
	err    error
}

// Connection owns one downstream MCP connection: its transport, its
// capability snapshot and its state machine. Exactly one goroutine (run)
// drives the transport; external callers go through the request queue.
type Connection struct {
	cfg  *config.ServerConfig
	opts Options

	mu         sync.RWMutex
	state      State
	lastErr    error
	lastHealth time.Time
	retries    int

	snapshot atomic.Pointer[Snapshot]

	requests chan *request
	notifCh  chan mcp.JSONRPCNotification

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// newClient is swappable for tests.
	newClient func() (MCPClient, error)
}

// NewConnection creates a connection in the configured state. Start
// brings it up.
func NewConnection(cfg *config.ServerConfig, opts Options) *Connection {
	opts.withDefaults()
	c := &Connection{
		cfg:      cfg.Clone(),
		opts:     opts,
		state:    StateConfigured,
		requests: make(chan *request, 32),
		notifCh:  make(chan mcp.JSONRPCNotification, 64),
	}
	if opts.NewClient != nil {
		c.newClient = func() (MCPClient, error) {
			return opts.NewClient(c.cfg, c.opts.Factory)
		}
	} else {
		c.newClient = func() (MCPClient, error) {
			return NewClient(c.cfg, c.opts.Factory)
		}
	}
	c.snapshot.Store(&Snapshot{})
	return c
}

// Config returns the server config this connection was built from.
func (c *Connection) Config() *config.ServerConfig {
	return c.cfg
}

// Name returns the backend's catalog name.
func (c *Connection) Name() string {
	return c.cfg.Name
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the most recent connection-level error, if any.
func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// LastHealth returns the time of the last successful probe or call.
func (c *Connection) LastHealth() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHealth
}

// Retries returns the consecutive reconnect attempts made so far.
func (c *Connection) Retries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retries
}

// Snapshot returns the current immutable capability snapshot.
func (c *Connection) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Fail stops the connection's transport and parks it in the failed
// state, keeping err visible through LastError. The mount engine uses it
// for collision losers, which stay failed rather than disabled.
func (c *Connection) Fail(err error) {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.setState(StateFailed, err)
}

// Start performs the initial connect and, on success, launches the owning
// goroutine. An initial connect error leaves the connection failed; it is
// not retried without an explicit request.
func (c *Connection) Start(ctx context.Context) error {
	c.setState(StateConnecting, nil)

	connectCtx, cancelConnect := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancelConnect()

	client, err := c.connect(connectCtx)
	if err != nil {
		wrapped := api.Transportf(err, "server %q failed to connect", c.cfg.Name)
		c.setState(StateFailed, wrapped)
		return wrapped
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.setState(StateRunning, nil)

	c.wg.Add(1)
	go c.run(runCtx, client)

	logging.Info("Backend", "Server %s is running (%s transport)", c.cfg.Name, SelectTransport(c.cfg))
	return nil
}

// Stop disables the connection: the owning goroutine exits and the
// transport is closed, gracefully first and abandoned after CloseTimeout.
func (c *Connection) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.setState(StateDisabled, nil)
}

// connect builds the client, performs the handshake, fetches the initial
// capability snapshot and attaches the notification handler.
func (c *Connection) connect(ctx context.Context) (MCPClient, error) {
	client, err := c.newClient()
	if err != nil {
		return nil, err
	}
	if err := client.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := c.refreshSnapshot(ctx, client); err != nil {
		client.Close()
		return nil, err
	}
	client.OnNotification(func(n mcp.JSONRPCNotification) {
		select {
		case c.notifCh <- n:
		default:
			logging.Warn("Backend", "Notification buffer full for %s, dropping %s", c.cfg.Name, n.Method)
		}
	})
	c.mu.Lock()
	c.lastHealth = time.Now()
	c.retries = 0
	c.mu.Unlock()
	return client, nil
}

// refreshSnapshot fetches all capability lists and swaps the snapshot
// pointer. Resources, templates and prompts are optional on the wire;
// failures there leave those lists empty.
func (c *Connection) refreshSnapshot(ctx context.Context, client MCPClient) error {
	snap := &Snapshot{FetchedAt: time.Now()}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	snap.Tools = tools

	if resources, err := client.ListResources(ctx); err != nil {
		logging.Debug("Backend", "Server %s does not list resources: %v", c.cfg.Name, err)
	} else {
		snap.Resources = resources
	}
	if templates, err := client.ListResourceTemplates(ctx); err != nil {
		logging.Debug("Backend", "Server %s does not list resource templates: %v", c.cfg.Name, err)
	} else {
		snap.ResourceTemplates = templates
	}
	if prompts, err := client.ListPrompts(ctx); err != nil {
		logging.Debug("Backend", "Server %s does not list prompts: %v", c.cfg.Name, err)
	} else {
		snap.Prompts = prompts
	}

	c.snapshot.Store(snap)
	return nil
}

// run is the owning goroutine: it serializes all transport I/O, watches
// health, reconnects on failure and translates downstream notifications
// into envelopes.
func (c *Connection) run(ctx context.Context, client MCPClient) {
	defer c.wg.Done()
	defer func() { c.closeClient(client) }()

	health := time.NewTicker(c.opts.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-c.requests:
			_, err := c.serve(req, client)
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			// A request error may be the downstream's own call error on a
			// healthy transport; only a failed probe degrades the backend.
			if probeErr := c.probe(client); probeErr != nil {
				c.setState(StateDegraded, api.Transportf(err, "server %q transport error", c.cfg.Name))
				c.closeClient(client)
				replacement, ok := c.reconnect(ctx)
				if !ok {
					c.parkFailed(ctx)
					return
				}
				client = replacement
			}

		case n := <-c.notifCh:
			c.handleNotification(ctx, client, n)

		case <-health.C:
			if err := c.probe(client); err != nil {
				logging.Warn("Backend", "Health probe failed for %s: %v", c.cfg.Name, err)
				c.setState(StateDegraded, api.Transportf(err, "server %q failed health probe", c.cfg.Name))
				c.closeClient(client)
				replacement, ok := c.reconnect(ctx)
				if !ok {
					c.parkFailed(ctx)
					return
				}
				client = replacement
			}
		}
	}
}

// serve executes one queued request against the live client and replies.
func (c *Connection) serve(req *request, client MCPClient) (any, error) {
	if err := req.ctx.Err(); err != nil {
		c.replyTo(req, nil, api.FromContext(req.ctx))
		return nil, nil
	}

	result, err := req.execute(req.ctx, client)
	if err == nil {
		c.mu.Lock()
		c.lastHealth = time.Now()
		c.mu.Unlock()
	}
	if ctxErr := api.FromContext(req.ctx); ctxErr != nil && err != nil {
		// The caller went away; report cancellation, not transport noise.
		c.replyTo(req, nil, ctxErr)
		return nil, nil
	}
	c.replyTo(req, result, err)
	return result, err
}

func (c *Connection) replyTo(req *request, result any, err error) {
	select {
	case req.reply <- response{result: result, err: err}:
	default:
	}
}

// probe is the cheap health check: a zero-arg tools list with a tight
// deadline.
func (c *Connection) probe(client MCPClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ProbeTimeout)
	defer cancel()
	_, err := client.ListTools(ctx)
	if err == nil {
		c.mu.Lock()
		c.lastHealth = time.Now()
		c.mu.Unlock()
	}
	return err
}

// reconnect attempts to re-establish the transport with bounded
// exponential backoff and jitter. While waiting, queued requests fail
// fast instead of piling up. Returns the new client, or false when the
// budget is exhausted (state failed) or the connection is stopping.
func (c *Connection) reconnect(ctx context.Context) (MCPClient, bool) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.ReconnectInitial
	policy.MaxInterval = c.opts.ReconnectMax
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2

	for attempt := 1; attempt <= c.opts.ReconnectBudget; attempt++ {
		c.mu.Lock()
		c.retries = attempt
		c.mu.Unlock()

		wait := time.NewTimer(policy.NextBackOff())
	waiting:
		for {
			select {
			case <-ctx.Done():
				wait.Stop()
				return nil, false
			case req := <-c.requests:
				c.replyTo(req, nil, api.Transportf(c.LastError(), "server %q is reconnecting", c.cfg.Name))
			case <-wait.C:
				break waiting
			}
		}

		connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		client, err := c.connect(connectCtx)
		cancel()
		if err != nil {
			logging.Debug("Backend", "Reconnect attempt %d/%d for %s failed: %v",
				attempt, c.opts.ReconnectBudget, c.cfg.Name, err)
			continue
		}

		c.setState(StateRunning, nil)
		logging.Info("Backend", "Server %s recovered after %d attempt(s)", c.cfg.Name, attempt)
		c.publish(notify.KindToolsChanged, nil)
		if len(c.Snapshot().Resources) > 0 || len(c.Snapshot().ResourceTemplates) > 0 {
			c.publish(notify.KindResourcesChanged, nil)
		}
		if len(c.Snapshot().Prompts) > 0 {
			c.publish(notify.KindPromptsChanged, nil)
		}
		return client, true
	}

	c.setState(StateFailed, api.Transportf(c.LastError(), "server %q exhausted %d reconnect attempts",
		c.cfg.Name, c.opts.ReconnectBudget))
	logging.Error("Backend", c.LastError(), "Server %s moved to failed", c.cfg.Name)
	return nil, false
}

// parkFailed keeps servicing the request queue with fail-fast errors
// after the reconnect budget is exhausted. The backend stays failed, not
// unmounted, until an explicit reconfigure replaces it.
func (c *Connection) parkFailed(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requests:
			c.replyTo(req, nil, api.Transportf(c.LastError(), "server %q is unavailable", c.cfg.Name))
		case <-c.notifCh:
		}
	}
}

// handleNotification refreshes the affected snapshot portion and forwards
// the notification as an envelope.
func (c *Connection) handleNotification(ctx context.Context, client MCPClient, n mcp.JSONRPCNotification) {
	kind, ok := notify.KindFromMethod(n.Method)
	if !ok {
		logging.Debug("Backend", "Ignoring unknown notification %s from %s", n.Method, c.cfg.Name)
		return
	}

	if kind.IsListChange() {
		refreshCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		if err := c.refreshSnapshot(refreshCtx, client); err != nil {
			logging.Warn("Backend", "Failed to refresh capabilities for %s: %v", c.cfg.Name, err)
		}
		cancel()
	}

	payload := make(map[string]any, len(n.Params.AdditionalFields))
	for k, v := range n.Params.AdditionalFields {
		payload[k] = v
	}
	c.publish(kind, payload)
}

func (c *Connection) publish(kind notify.Kind, payload map[string]any) {
	if c.opts.Publish == nil {
		return
	}
	c.opts.Publish(notify.NewEnvelope(c.cfg.Name, kind, payload))
}

// closeClient shuts the transport down, bounded by CloseTimeout. The
// underlying stdio client terminates its child process on Close.
func (c *Connection) closeClient(client MCPClient) {
	if client == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		if err := client.Close(); err != nil {
			logging.Debug("Backend", "Error closing client for %s: %v", c.cfg.Name, err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.opts.CloseTimeout):
		logging.Warn("Backend", "Close timed out for %s, abandoning transport", c.cfg.Name)
	}
}

func (c *Connection) setState(state State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == state && err == nil {
		return
	}
	c.state = state
	if err != nil {
		c.lastErr = err
	} else if state == StateRunning {
		c.lastErr = nil
	}
}

// enqueue hands a request to the owning goroutine and waits for the
// reply, honoring the caller's cancellation at every step.
func (c *Connection) enqueue(ctx context.Context, execute func(context.Context, MCPClient) (any, error)) (any, error) {
	switch c.State() {
	case StateRunning, StateDegraded:
	case StateDisabled:
		return nil, api.NotFoundf("server %q is disabled", c.cfg.Name)
	case StateFailed:
		return nil, api.Transportf(c.LastError(), "server %q is unavailable", c.cfg.Name)
	default:
		return nil, api.Transportf(nil, "server %q is not connected", c.cfg.Name)
	}

	req := &request{
		execute: execute,
		ctx:     ctx,
		reply:   make(chan response, 1),
	}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return nil, api.FromContext(ctx)
	}
	select {
	case resp := <-req.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, api.FromContext(ctx)
	}
}

// CallTool routes a tool call through the request queue.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	result, err := c.enqueue(ctx, func(ctx context.Context, client MCPClient) (any, error) {
		return client.CallTool(ctx, name, args)
	})
	if err != nil {
		return nil, err
	}
	return result.(*mcp.CallToolResult), nil
}

// ReadResource routes a resource read through the request queue.
func (c *Connection) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	result, err := c.enqueue(ctx, func(ctx context.Context, client MCPClient) (any, error) {
		return client.ReadResource(ctx, uri)
	})
	if err != nil {
		return nil, err
	}
	return result.(*mcp.ReadResourceResult), nil
}

// GetPrompt routes a prompt fetch through the request queue.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	result, err := c.enqueue(ctx, func(ctx context.Context, client MCPClient) (any, error) {
		return client.GetPrompt(ctx, name, args)
	})
	if err != nil {
		return nil, err
	}
	return result.(*mcp.GetPromptResult), nil
}

// Probe runs an on-demand health check through the request queue, used by
// the check admin tool.
func (c *Connection) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()
	_, err := c.enqueue(probeCtx, func(ctx context.Context, client MCPClient) (any, error) {
		return client.ListTools(ctx)
	})
	return err
}
