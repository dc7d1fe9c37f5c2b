package pool

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Block is spec §3's per-database record: a set of connections, a FIFO
// waiter queue, and a MetricsAccum. A Block's name is unique within its
// owning Pool.
type Block struct {
	name    string
	pool    *Pool
	metrics *MetricsAccum

	mu          sync.Mutex
	connections map[*Connection]struct{}
	waiters     *list.List // of *waiter
	paused      bool
}

// waiter is one pending acquire, queued FIFO within its block. resultCh
// carries the final handle/error to Acquire's select and must only ever
// be received by that one goroutine; the cancellation-watcher goroutine
// started by enqueueWaiter instead watches doneCh, which is closed
// exactly once resultCh has been (or is about to be) written to, so it
// can stop watching ctx without racing Acquire for the same value.
type waiter struct {
	enqueuedAt time.Time
	resultCh   chan acquireResult
	doneCh     chan struct{}
	done       bool // guarded by the owning block's mutex
}

type acquireResult struct {
	handle *PoolHandle
	err    error
}

func newBlock(name string, pool *Pool) *Block {
	return &Block{
		name:        name,
		pool:        pool,
		metrics:     newMetricsAccum(pool.metrics),
		connections: make(map[*Connection]struct{}),
		waiters:     list.New(),
	}
}

// oldestWaiterWait returns how long the longest-waiting waiter in this
// block has been queued, or zero if there are none. Used by the
// scheduler's priority function (SPEC_FULL.md: "oldest-waiter-wait-time").
func (b *Block) oldestWaiterWait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	front := b.waiters.Front()
	if front == nil {
		return 0
	}
	return time.Since(front.Value.(*waiter).enqueuedAt)
}

func (b *Block) waiterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiters.Len()
}

// idleConnection returns an arbitrary Idle connection in this block, or
// nil. Does not transition it.
func (b *Block) idleConnection() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.connections {
		if conn.State() == StateIdle {
			return conn
		}
	}
	return nil
}

// idleConnectionOlderThan returns an Idle connection that has been idle
// longer than min, preferring the one idle the longest, for transfer
// eviction (spec §4.E's "Release" rule).
func (b *Block) idleConnectionOlderThan(min time.Duration) *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *Connection
	var bestIdle time.Duration
	for conn := range b.connections {
		if conn.State() != StateIdle {
			continue
		}
		idle := conn.IdleFor()
		if idle >= min && idle > bestIdle {
			best = conn
			bestIdle = idle
		}
	}
	return best
}

// idleConnections returns a snapshot of every currently-Idle connection.
func (b *Block) idleConnections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Connection
	for conn := range b.connections {
		if conn.State() == StateIdle {
			out = append(out, conn)
		}
	}
	return out
}

// allConnections returns a snapshot of every connection currently owned
// by this block, regardless of state.
func (b *Block) allConnections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Connection, 0, len(b.connections))
	for conn := range b.connections {
		out = append(out, conn)
	}
	return out
}

func (b *Block) addConnection(c *Connection) {
	b.mu.Lock()
	b.connections[c] = struct{}{}
	b.mu.Unlock()
}

func (b *Block) removeConnection(c *Connection) {
	b.mu.Lock()
	delete(b.connections, c)
	b.mu.Unlock()
}

func (b *Block) connectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connections)
}

// enqueueWaiter registers a new waiter at the tail of the FIFO and
// accounts Waiting++.
func (b *Block) enqueueWaiter(ctx context.Context) *waiter {
	w := &waiter{enqueuedAt: time.Now(), resultCh: make(chan acquireResult, 1), doneCh: make(chan struct{})}
	b.mu.Lock()
	elem := b.waiters.PushBack(w)
	b.mu.Unlock()
	b.metrics.waitingDelta(1)

	go func() {
		select {
		case <-ctx.Done():
			b.removeWaiter(elem, w)
		case <-w.doneCh:
		}
	}()
	return w
}

// removeWaiter cancels a waiter if it hasn't already been resolved
// (spec §5's cancellation rule: dropping an acquire future removes the
// waiter from its queue).
func (b *Block) removeWaiter(elem *list.Element, w *waiter) {
	b.mu.Lock()
	if w.done {
		b.mu.Unlock()
		return
	}
	w.done = true
	b.waiters.Remove(elem)
	b.mu.Unlock()
	b.metrics.waitingDelta(-1)
	w.resultCh <- acquireResult{err: ErrTimeout}
	close(w.doneCh)
}

// popWaiter removes and returns the oldest unresolved waiter, if any.
func (b *Block) popWaiter() *waiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		front := b.waiters.Front()
		if front == nil {
			return nil
		}
		b.waiters.Remove(front)
		w := front.Value.(*waiter)
		if w.done {
			continue
		}
		w.done = true
		return w
	}
}

// resolveWaiter hands a waiter its result and accounts Waiting--.
func (b *Block) resolveWaiter(w *waiter, res acquireResult) {
	b.metrics.waitingDelta(-1)
	w.resultCh <- res
	close(w.doneCh)
}

func (b *Block) setPaused(p bool) {
	b.mu.Lock()
	b.paused = p
	b.mu.Unlock()
}

func (b *Block) isPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}
