package pool

import (
	"sync"
	"time"
)

// Connection is spec §3's pool entity: a handle wrapping a connector-
// produced concrete Conn plus the state-machine variant described in
// spec §4.E. Ownership is exactly one Block at a time; moving between
// blocks goes through Reconnecting.
type Connection struct {
	mu    sync.Mutex
	state ConnState
	since time.Time
	conn  Conn
	block *Block
	err   error
}

func newConnection(block *Block, state ConnState) *Connection {
	return &Connection{state: state, since: time.Now(), block: block}
}

// transition moves the connection to a new state, recording the duration
// spent in the old one and updating both the owning block's and the
// pool's MetricsAccum census.
func (c *Connection) transition(to ConnState) {
	c.mu.Lock()
	from := c.state
	elapsed := time.Since(c.since)
	c.state = to
	c.since = time.Now()
	blk := c.block
	c.mu.Unlock()

	if blk == nil {
		return
	}
	blk.metrics.censusDelta(from, -1)
	blk.metrics.censusDelta(to, 1)
	blk.metrics.recordTransitionDuration(from, elapsed)
}

// compareAndTransition performs the transition only if the connection is
// currently in the expected state, returning whether it fired. Used for
// the CAS-style moves the pool's scheduler and acquire path need
// (Idle→Active, Idle→Reconnecting) where a race against a concurrent
// transition must not silently clobber it.
func (c *Connection) compareAndTransition(from, to ConnState) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	elapsed := time.Since(c.since)
	c.state = to
	c.since = time.Now()
	blk := c.block
	c.mu.Unlock()

	if blk != nil {
		blk.metrics.censusDelta(from, -1)
		blk.metrics.censusDelta(to, 1)
		blk.metrics.recordTransitionDuration(from, elapsed)
	}
	return true
}

func (c *Connection) setConn(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Connection) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Since() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.since
}

func (c *Connection) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return 0
	}
	return time.Since(c.since)
}

// transitionAcrossBlocks moves the connection to state `to` while handing
// it off from donor to recipient in the same step. Unlike transition,
// which charges both the decrement of the old state and the increment of
// the new one to whichever single block currently owns the connection,
// this charges the Reconnecting exit (and its duration sample) against
// donor — the block that recorded the matching entry — and the `to`
// entry against recipient, so a cross-block transfer never leaves one
// block's census permanently off by one (spec §4.E's transfer path).
func (c *Connection) transitionAcrossBlocks(donor, recipient *Block, to ConnState) {
	c.mu.Lock()
	from := c.state
	elapsed := time.Since(c.since)
	c.state = to
	c.since = time.Now()
	c.block = recipient
	c.mu.Unlock()

	if donor != nil {
		donor.metrics.censusDelta(from, -1)
		donor.metrics.recordTransitionDuration(from, elapsed)
	}
	if recipient != nil {
		recipient.metrics.censusDelta(to, 1)
	}
}
