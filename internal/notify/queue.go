package notify

import (
	"sync"

	"magg/pkg/logging"
)

// outbound is one notification waiting in a session's queue.
type outbound struct {
	method     string
	params     map[string]any
	listChange bool
}

// DefaultQueueThreshold is the queue depth above which idempotent
// list-change entries are shed, oldest first. Targeted notifications are
// never dropped; past the threshold they keep queueing and only this
// session's consumer falls behind.
const DefaultQueueThreshold = 256

// sessionQueue is the single-producer single-consumer outbound queue for
// one client session. The coordinator pushes, the session's send loop pops.
type sessionQueue struct {
	session Session

	mu        sync.Mutex
	cond      *sync.Cond
	items     []outbound
	threshold int
	closed    bool

	wg sync.WaitGroup
}

func newSessionQueue(session Session, threshold int) *sessionQueue {
	if threshold <= 0 {
		threshold = DefaultQueueThreshold
	}
	q := &sessionQueue{
		session:   session,
		threshold: threshold,
	}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(1)
	go q.sendLoop()
	return q
}

// push enqueues without ever blocking the producer. Above the threshold,
// the oldest list-change entry is shed to make room; if none exists the
// queue simply grows.
func (q *sessionQueue) push(item outbound) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if len(q.items) >= q.threshold {
		for i, pending := range q.items {
			if pending.listChange {
				q.items = append(q.items[:i], q.items[i+1:]...)
				logging.Debug("Notify", "Session %s queue over threshold, dropped %s",
					logging.TruncateSessionID(q.session.ID()), pending.method)
				break
			}
		}
	}

	q.items = append(q.items, item)
	q.cond.Signal()
}

// sendLoop drains the queue in order. A slow Send only stalls this
// session; the producer and other sessions are unaffected.
func (q *sessionQueue) sendLoop() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if err := q.session.Send(item.method, item.params); err != nil {
			logging.Debug("Notify", "Failed to send %s to session %s: %v",
				item.method, logging.TruncateSessionID(q.session.ID()), err)
		}
	}
}

// close stops the send loop after the queue drains.
func (q *sessionQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	q.wg.Wait()
}
