package pool

import (
	"log"
	"runtime"
	"sync/atomic"
)

// PoolHandle is spec §3's RAII-style borrow of an Active connection.
// Go has no destructors, so the exclusive-ownership contract that the
// original implementation got from Rust's `Drop` is enforced here with an
// explicit Release/Discard pair plus a runtime.SetFinalizer safety net
// that logs (never panics) if a handle is garbage collected while still
// holding an Active connection, per SPEC_FULL.md's SUPPLEMENTED FEATURES.
type PoolHandle struct {
	pool     *Pool
	block    *Block
	conn     *Connection
	resolved int32 // atomic: 0 = live, 1 = released or discarded
}

func newPoolHandle(pool *Pool, block *Block, conn *Connection) *PoolHandle {
	h := &PoolHandle{pool: pool, block: block, conn: conn}
	runtime.SetFinalizer(h, finalizePoolHandle)
	return h
}

func finalizePoolHandle(h *PoolHandle) {
	if atomic.LoadInt32(&h.resolved) == 0 {
		log.Printf("pool: PoolHandle for database %q garbage collected while still Active; call Release() or Discard()", h.block.name)
		h.Release()
	}
}

// Conn returns the underlying connector-produced connection. Valid only
// until Release or Discard is called.
func (h *PoolHandle) Conn() Conn {
	return h.conn.conn
}

// Database returns the name of the Block this handle was acquired from.
func (h *PoolHandle) Database() string { return h.block.name }

// Release transitions the connection Active→Idle and wakes the block's
// waiters (spec §4.E's "Release" operation). Safe to call more than
// once; subsequent calls are no-ops.
func (h *PoolHandle) Release() {
	if !atomic.CompareAndSwapInt32(&h.resolved, 0, 1) {
		return
	}
	runtime.SetFinalizer(h, nil)
	h.pool.release(h.block, h.conn)
}

// Discard poisons the connection: it is forced Active→Disconnecting and
// removed from the pool once the connector finishes disconnecting it
// (spec §4.E's "Discard / poison" operation). Safe to call more than
// once; subsequent calls are no-ops.
func (h *PoolHandle) Discard() {
	if !atomic.CompareAndSwapInt32(&h.resolved, 0, 1) {
		return
	}
	runtime.SetFinalizer(h, nil)
	h.pool.discard(h.block, h.conn)
}
