// Package notify is the message bus between backend connections and
// attached client sessions. Backends publish envelopes; the coordinator
// classifies, de-duplicates and coalesces them, then fans out to
// per-session queues. No backend holds a reference to a session and no
// session holds a reference to a backend.
package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"magg/internal/api"
	"magg/pkg/logging"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Session is an attached client session able to receive notifications.
// Implemented by the aggregator server on top of the MCP transport.
type Session interface {
	ID() string
	Send(method string, params map[string]any) error
}

// Options tune the coordinator.
type Options struct {
	// CoalesceWindow bounds list-change bursts; zero uses the default.
	CoalesceWindow time.Duration
	// LogRate and LogBurst cap forwarded log notifications per backend.
	// A zero rate disables the limit.
	LogRate  float64
	LogBurst int
	// QueueThreshold is passed to each session queue.
	QueueThreshold int
}

// Coordinator routes notifications between backends and client sessions.
type Coordinator struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*sessionQueue

	// subscriptions: resource URI -> session IDs that subscribed.
	subscriptions map[string]map[string]bool
	// progressOwners: progress token -> session ID that issued it.
	progressOwners map[string]string

	// limiters: one token bucket per backend for log-kind notifications.
	limiters map[string]*rate.Limiter

	// dedup remembers (kind, payload digest) inside the coalesce window.
	dedup *expirable.LRU[string, struct{}]

	// pending list-change kinds with an armed flush timer.
	pendingMu sync.Mutex
	pending   map[Kind]*time.Timer
}

// NewCoordinator creates a coordinator. Attach sessions and backends
// afterwards; there is no Start.
func NewCoordinator(opts Options) *Coordinator {
	if opts.CoalesceWindow <= 0 {
		opts.CoalesceWindow = api.CoalesceWindow
	}
	return &Coordinator{
		opts:           opts,
		sessions:       make(map[string]*sessionQueue),
		subscriptions:  make(map[string]map[string]bool),
		progressOwners: make(map[string]string),
		limiters:       make(map[string]*rate.Limiter),
		dedup:          expirable.NewLRU[string, struct{}](1024, nil, opts.CoalesceWindow),
		pending:        make(map[Kind]*time.Timer),
	}
}

// AttachSession registers a client session and starts its send loop.
func (c *Coordinator) AttachSession(session Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sessions[session.ID()]; exists {
		return
	}
	c.sessions[session.ID()] = newSessionQueue(session, c.opts.QueueThreshold)
	logging.Debug("Notify", "Attached session %s", logging.TruncateSessionID(session.ID()))
}

// DetachSession drains and removes a session queue together with its
// subscriptions and progress tokens.
func (c *Coordinator) DetachSession(sessionID string) {
	c.mu.Lock()
	queue, exists := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	for uri, subs := range c.subscriptions {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(c.subscriptions, uri)
		}
	}
	for token, owner := range c.progressOwners {
		if owner == sessionID {
			delete(c.progressOwners, token)
		}
	}
	c.mu.Unlock()

	if exists {
		queue.close()
		logging.Debug("Notify", "Detached session %s", logging.TruncateSessionID(sessionID))
	}
}

// Subscribe records a session's interest in a resource URI.
func (c *Coordinator) Subscribe(sessionID, uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions[uri] == nil {
		c.subscriptions[uri] = make(map[string]bool)
	}
	c.subscriptions[uri][sessionID] = true
}

// Unsubscribe removes a session's interest in a resource URI.
func (c *Coordinator) Unsubscribe(sessionID, uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subs := c.subscriptions[uri]; subs != nil {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(c.subscriptions, uri)
		}
	}
}

// TrackProgress records which session issued a progress token, so
// progress notifications route back to it alone.
func (c *Coordinator) TrackProgress(sessionID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progressOwners[token] = sessionID
}

// ReleaseProgress forgets a progress token once its request finishes.
func (c *Coordinator) ReleaseProgress(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.progressOwners, token)
}

// Publish routes one envelope. Safe for concurrent use; backends call it
// from their owning goroutines.
func (c *Coordinator) Publish(env Envelope) {
	if c.isDuplicate(env) {
		logging.Debug("Notify", "Dropped duplicate %s from %s", env.Kind, env.Source)
		return
	}

	switch {
	case env.Kind.IsListChange():
		c.scheduleListChange(env.Kind)
	case env.Kind == KindLog:
		if !c.allowLog(env.Source) {
			logging.Debug("Notify", "Rate-limited log notification from %s", env.Source)
			return
		}
		c.fanOut(env, c.allSessionIDs())
	case env.Kind == KindResourceUpdated:
		c.fanOut(env, c.resourceSubscribers(env))
	case env.Kind == KindProgress, env.Kind == KindCancelled:
		// Targeted: only the session that issued the request sees it.
		c.fanOut(env, c.progressTargets(env))
	default:
		c.fanOut(env, c.allSessionIDs())
	}
}

// isDuplicate reports whether an identical (kind, payload digest) arrived
// inside the current coalesce window.
func (c *Coordinator) isDuplicate(env Envelope) bool {
	digest := payloadDigest(env)
	if _, seen := c.dedup.Get(digest); seen {
		return true
	}
	c.dedup.Add(digest, struct{}{})
	return false
}

func payloadDigest(env Envelope) string {
	h := sha256.New()
	h.Write([]byte(env.Kind))
	if env.Payload != nil {
		data, _ := json.Marshal(env.Payload)
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// scheduleListChange arms the flush timer for a list-change kind. However
// many backends emit inside the window, each session receives at most one
// outbound notification of that kind when the timer fires.
func (c *Coordinator) scheduleListChange(kind Kind) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, armed := c.pending[kind]; armed {
		return
	}
	c.pending[kind] = time.AfterFunc(c.opts.CoalesceWindow, func() {
		c.pendingMu.Lock()
		delete(c.pending, kind)
		c.pendingMu.Unlock()

		c.mu.RLock()
		defer c.mu.RUnlock()
		for _, queue := range c.sessions {
			queue.push(outbound{method: kind.Method(), listChange: true})
		}
	})
}

// allowLog consults the per-backend token bucket.
func (c *Coordinator) allowLog(source string) bool {
	if c.opts.LogRate <= 0 {
		return true
	}
	c.mu.Lock()
	limiter, ok := c.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.opts.LogRate), c.opts.LogBurst)
		c.limiters[source] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}

func (c *Coordinator) allSessionIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// resourceSubscribers resolves the sessions subscribed to the updated URI.
func (c *Coordinator) resourceSubscribers(env Envelope) []string {
	uri, _ := env.Payload["uri"].(string)
	c.mu.RLock()
	defer c.mu.RUnlock()
	subs := c.subscriptions[uri]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	return ids
}

// progressTargets resolves the session that issued the progress token
// carried by a progress or cancelled envelope. Tokens nobody issued have
// no destination and the envelope is dropped.
func (c *Coordinator) progressTargets(env Envelope) []string {
	token := progressToken(env.Payload)
	if token == "" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if owner, ok := c.progressOwners[token]; ok {
		return []string{owner}
	}
	return nil
}

func progressToken(payload map[string]any) string {
	switch v := payload["progressToken"].(type) {
	case string:
		return v
	case float64:
		data, _ := json.Marshal(v)
		return string(data)
	}
	return ""
}

// fanOut pushes the envelope into each target session's queue, preserving
// the coordinator's arrival order per session.
func (c *Coordinator) fanOut(env Envelope, targets []string) {
	if len(targets) == 0 {
		return
	}
	params := env.Payload
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range targets {
		if queue, ok := c.sessions[id]; ok {
			queue.push(outbound{method: env.Kind.Method(), params: params})
		}
	}
}
