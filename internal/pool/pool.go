// Package pool implements component E of the connectivity substrate: a
// per-database connection pool with a fair scheduler, built over the
// handshake/stream/rawconn packages the rest of this module provides.
// The pool itself performs no wire-protocol I/O directly — it delegates
// to a Connector, exactly as spec §6 describes.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PoolConfig is spec §6's `{max_connections, min_idle_time_before_gc,
// stats_interval}`, plus the scheduler's tick interval (spec §5 names
// "10 ms" as the tick but leaves it a constant of the original
// implementation, not something spec.md requires to be fixed).
type PoolConfig struct {
	MaxConnections        int
	MinIdleTimeBeforeGC   time.Duration
	StatsInterval         time.Duration
	SchedulerTickInterval time.Duration
}

// Pool is spec §3's top-level object: a map name→Block, the connector,
// global metrics, and a PoolConfig. It runs single-threaded-cooperative
// per spec §5 in spirit — all mutation of shared maps happens under
// Pool.mu or a Block's own mutex, and the scheduler tick is the only
// goroutine that rebalances across blocks.
type Pool struct {
	mu        sync.Mutex
	blocks    map[string]*Block
	connector Connector
	metrics   *MetricsAccum
	cfg       PoolConfig

	closed   bool
	stopCh   chan struct{}
	tickerWG sync.WaitGroup
}

// New creates a Pool backed by the given Connector and starts its
// scheduler loop.
func New(cfg PoolConfig, connector Connector) *Pool {
	if cfg.SchedulerTickInterval <= 0 {
		cfg.SchedulerTickInterval = 10 * time.Millisecond
	}
	p := &Pool{
		blocks:    make(map[string]*Block),
		connector: connector,
		metrics:   newMetricsAccum(nil),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
	p.tickerWG.Add(1)
	go p.schedulerLoop()
	return p
}

// blockFor returns the Block for name, creating it if this is the first
// time the pool has seen this database.
func (p *Pool) blockFor(name string) *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blocks[name]
	if !ok {
		b = newBlock(name, p)
		p.blocks[name] = b
	}
	return b
}

func (p *Pool) snapshotBlocks() []*Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Block, 0, len(p.blocks))
	for _, b := range p.blocks {
		out = append(out, b)
	}
	return out
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) totalInUse() int64 {
	return p.metrics.Snapshot().InUse()
}

// Acquire is spec §4.E's acquire operation: if an Idle connection in db's
// Block can be locked in-place, it's returned immediately; otherwise a
// FIFO waiter is registered and the pool attempts to grow toward
// capacity. ctx's deadline governs how long Acquire waits; spec §5 calls
// this the "optional deadline... on expiry the waiter is removed and the
// future resolves to Timeout."
func (p *Pool) Acquire(ctx context.Context, db string) (*PoolHandle, error) {
	if p.isClosed() {
		return nil, ErrShutdown
	}

	b := p.blockFor(db)
	if b.isPaused() {
		return nil, ErrPaused
	}

	if conn := b.idleConnection(); conn != nil {
		if conn.compareAndTransition(StateIdle, StateActive) {
			return newPoolHandle(p, b, conn), nil
		}
	}

	w := b.enqueueWaiter(ctx)
	p.maybeCreate(b)

	select {
	case res := <-w.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.handle, nil
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// maybeCreate spawns a new Connecting attempt for b if the pool is under
// its capacity budget.
func (p *Pool) maybeCreate(b *Block) {
	if p.isClosed() {
		return
	}
	if p.totalInUse() >= int64(p.cfg.MaxConnections) {
		return
	}
	p.spawnConnect(b)
}

func (p *Pool) spawnConnect(b *Block) {
	conn := newConnection(b, StateConnecting)
	b.addConnection(conn)
	b.metrics.censusDelta(StateConnecting, 1)

	go func() {
		c, err := p.connector.Connect(context.Background(), b.name)
		if err != nil {
			conn.setErr(&ConnectorError{Op: "connect", Err: err})
			conn.transition(StateFailed)
			b.removeConnection(conn)
			if w := b.popWaiter(); w != nil {
				b.resolveWaiter(w, acquireResult{err: fmt.Errorf("pool: %w", conn.err)})
			}
			return
		}
		conn.setConn(c)
		conn.transition(StateIdle)
		p.dispatchIdle(b, conn)
	}()
}

// dispatchIdle hands a freshly-Idle connection to the oldest waiter in b,
// if one exists; otherwise the connection stays Idle for later reuse or
// GC-eligible transfer.
func (p *Pool) dispatchIdle(b *Block, conn *Connection) {
	w := b.popWaiter()
	if w == nil {
		return
	}
	if !conn.compareAndTransition(StateIdle, StateActive) {
		// Another path (a racing discard) claimed it first; the waiter is
		// not re-queued and fails with ErrNoCapacity.
		b.resolveWaiter(w, acquireResult{err: ErrNoCapacity})
		return
	}
	b.resolveWaiter(w, acquireResult{handle: newPoolHandle(p, b, conn)})
}

// release is spec §4.E's Release operation, invoked by PoolHandle.Release.
func (p *Pool) release(b *Block, conn *Connection) {
	conn.transition(StateIdle)
	p.dispatchIdle(b, conn)
}

// discard is spec §4.E's Discard/poison operation, invoked by
// PoolHandle.Discard.
func (p *Pool) discard(b *Block, conn *Connection) {
	p.disconnectConnection(b, conn)
}

// disconnectConnection forces conn through Disconnecting to Closed (or
// Failed on error) and removes it from its block, freeing its capacity
// slot. Used by Discard and forced Shutdown.
func (p *Pool) disconnectConnection(b *Block, conn *Connection) {
	conn.transition(StateDisconnecting)
	go func() {
		err := p.connector.Disconnect(context.Background(), conn.conn)
		if err != nil {
			conn.setErr(&ConnectorError{Op: "disconnect", Err: err})
			conn.transition(StateFailed)
		} else {
			conn.transition(StateClosed)
		}
		b.removeConnection(conn)
		p.kickWaitingBlocks()
	}()
}

// kickWaitingBlocks gives any block with outstanding waiters a chance to
// grow now that capacity may have freed up, rather than waiting for the
// next scheduler tick.
func (p *Pool) kickWaitingBlocks() {
	for _, b := range p.snapshotBlocks() {
		if b.waiterCount() > 0 {
			p.maybeCreate(b)
		}
	}
}

// DrainIdle disconnects every Idle connection in db's block, per spec
// §4.E's "drain_idle" operation.
func (p *Pool) DrainIdle(db string) error {
	p.mu.Lock()
	b, ok := p.blocks[db]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownDatabase
	}
	for _, conn := range b.idleConnections() {
		if conn.compareAndTransition(StateIdle, StateDisconnecting) {
			p.disconnectClaimed(b, conn)
		}
	}
	return nil
}

func (p *Pool) disconnectClaimed(b *Block, conn *Connection) {
	go func() {
		err := p.connector.Disconnect(context.Background(), conn.conn)
		if err != nil {
			conn.setErr(&ConnectorError{Op: "disconnect", Err: err})
			conn.transition(StateFailed)
		} else {
			conn.transition(StateClosed)
		}
		b.removeConnection(conn)
	}()
}

// Pause stops a database's block from admitting new waiters; in-flight
// Active connections are unaffected.
func (p *Pool) Pause(db string) { p.blockFor(db).setPaused(true) }

// Resume re-enables admission for a previously paused database.
func (p *Pool) Resume(db string) { p.blockFor(db).setPaused(false) }

// Shutdown stops the scheduler, cancels every outstanding waiter with
// ErrShutdown, and disconnects every connection in every block
// regardless of its current state, per spec §4.E's "Shutdown" operation.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.tickerWG.Wait()

	var wg sync.WaitGroup
	for _, b := range p.snapshotBlocks() {
		for {
			w := b.popWaiter()
			if w == nil {
				break
			}
			b.resolveWaiter(w, acquireResult{err: ErrShutdown})
		}

		for _, conn := range b.allConnections() {
			conn := conn
			b := b
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.closeConnectionNow(b, conn)
			}()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeConnectionNow synchronously disconnects conn, used during
// Shutdown where the caller wants to wait for completion.
func (p *Pool) closeConnectionNow(b *Block, conn *Connection) {
	switch conn.State() {
	case StateActive, StateIdle, StateConnecting, StateReconnecting:
		conn.transition(StateDisconnecting)
	}
	err := p.connector.Disconnect(context.Background(), conn.conn)
	if err != nil {
		conn.transition(StateFailed)
	} else {
		conn.transition(StateClosed)
	}
	b.removeConnection(conn)
}

// Stats returns a snapshot of every configured database's metrics plus
// the pool-wide rollup, keyed by database name with the rollup under "".
func (p *Pool) Stats() map[string]Snapshot {
	out := make(map[string]Snapshot)
	for _, b := range p.snapshotBlocks() {
		out[b.name] = b.metrics.Snapshot()
	}
	out[""] = p.metrics.Snapshot()
	return out
}

func (p *Pool) schedulerLoop() {
	defer p.tickerWG.Done()
	ticker := time.NewTicker(p.cfg.SchedulerTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick is the scheduler pass spec §5 describes: re-evaluate demand per
// block and rebalance by moving at most one idle connection, with
// priority given to the block whose oldest waiter has waited longest
// (SPEC_FULL.md's "oldest-waiter-wait-time" priority function).
func (p *Pool) tick() {
	type candidate struct {
		block *Block
		wait  time.Duration
	}
	var waiting []candidate
	for _, b := range p.snapshotBlocks() {
		if b.isPaused() {
			continue
		}
		if b.waiterCount() == 0 {
			continue
		}
		if conn := b.idleConnection(); conn != nil {
			// A release raced the previous dispatch; serve it directly
			// instead of treating this block as still wanting a transfer.
			p.dispatchIdle(b, conn)
			continue
		}
		waiting = append(waiting, candidate{block: b, wait: b.oldestWaiterWait()})
	}
	if len(waiting) == 0 {
		return
	}

	sort.Slice(waiting, func(i, j int) bool { return waiting[i].wait > waiting[j].wait })

	for _, cand := range waiting {
		if p.totalInUse() < int64(p.cfg.MaxConnections) {
			p.maybeCreate(cand.block)
			continue
		}

		donor, donorConn := p.findDonor(cand.block)
		if donor == nil {
			continue
		}
		p.transfer(donor, donorConn, cand.block)
		return
	}
}

// findDonor looks for a block other than recipient with an idle
// connection that has sat idle past MinIdleTimeBeforeGC and has no
// waiters of its own to serve first.
func (p *Pool) findDonor(recipient *Block) (*Block, *Connection) {
	for _, b := range p.snapshotBlocks() {
		if b == recipient {
			continue
		}
		if b.waiterCount() > 0 {
			continue
		}
		if conn := b.idleConnectionOlderThan(p.cfg.MinIdleTimeBeforeGC); conn != nil {
			return b, conn
		}
	}
	return nil, nil
}

// transfer moves conn from donor to recipient through Reconnecting, per
// spec §4.E's per-connection state diagram
// ("Idle or Active → Reconnecting → (at new block) Idle").
func (p *Pool) transfer(donor *Block, conn *Connection, recipient *Block) {
	if !conn.compareAndTransition(StateIdle, StateReconnecting) {
		return
	}
	donor.removeConnection(conn)

	go func() {
		newConn, err := p.connector.Reconnect(context.Background(), conn.conn, recipient.name)
		if err != nil {
			conn.setErr(&ConnectorError{Op: "reconnect", Err: err})
			conn.transition(StateFailed)
			return
		}
		conn.setConn(newConn)
		// Charge the Reconnecting→Idle exit against donor, which recorded
		// the matching Idle→Reconnecting entry, and the Idle entry against
		// recipient, who now owns the connection — a plain transition()
		// here would charge both legs to whichever block c.block names at
		// the time, leaving donor's census with a phantom Reconnecting and
		// recipient's going negative.
		conn.transitionAcrossBlocks(donor, recipient, StateIdle)
		recipient.addConnection(conn)
		p.dispatchIdle(recipient, conn)
	}()
}
