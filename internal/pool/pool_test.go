package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn is a no-op Conn used by the fake connector below.
type fakeConn struct {
	id     int64
	closed int32
}

func (c *fakeConn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

// fakeConnector hands out incrementing fakeConns and can be told to fail
// the next N connect attempts, to exercise the pool's failure paths.
type fakeConnector struct {
	nextID      int64
	failNext    int32
	connectHits int32
}

func (c *fakeConnector) Connect(ctx context.Context, db string) (Conn, error) {
	atomic.AddInt32(&c.connectHits, 1)
	if atomic.LoadInt32(&c.failNext) > 0 {
		atomic.AddInt32(&c.failNext, -1)
		return nil, errors.New("fake: dial refused")
	}
	id := atomic.AddInt64(&c.nextID, 1)
	return &fakeConn{id: id}, nil
}

func (c *fakeConnector) Reconnect(ctx context.Context, old Conn, db string) (Conn, error) {
	if old != nil {
		_ = old.Close()
	}
	return c.Connect(ctx, db)
}

func (c *fakeConnector) Disconnect(ctx context.Context, old Conn) error {
	if old == nil {
		return nil
	}
	return old.Close()
}

func testPool(t *testing.T, cfg PoolConfig) (*Pool, *fakeConnector) {
	t.Helper()
	fc := &fakeConnector{}
	if cfg.SchedulerTickInterval == 0 {
		cfg.SchedulerTickInterval = 2 * time.Millisecond
	}
	p := New(cfg, fc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p, fc
}

func TestAcquireCreatesAndReleasesConnection(t *testing.T) {
	p, fc := testPool(t, PoolConfig{MaxConnections: 4})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := p.Acquire(ctx, "db1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.Database() != "db1" {
		t.Fatalf("Database() = %q, want db1", h.Database())
	}
	if atomic.LoadInt32(&fc.connectHits) != 1 {
		t.Fatalf("expected exactly one connect, got %d", fc.connectHits)
	}

	snap := p.Stats()["db1"]
	if snap.Active != 1 {
		t.Fatalf("expected 1 active connection, got %+v", snap)
	}

	h.Release()

	if !waitFor(t, func() bool { return p.Stats()["db1"].Idle == 1 }) {
		t.Fatalf("connection did not return to idle after release: %+v", p.Stats()["db1"])
	}
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	p, fc := testPool(t, PoolConfig{MaxConnections: 4})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h1, err := p.Acquire(ctx, "db1")
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	h1.Release()

	if !waitFor(t, func() bool { return p.Stats()["db1"].Idle == 1 }) {
		t.Fatal("connection never went idle")
	}

	h2, err := p.Acquire(ctx, "db1")
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	defer h2.Release()

	if atomic.LoadInt32(&fc.connectHits) != 1 {
		t.Fatalf("expected the idle connection to be reused, got %d connects", fc.connectHits)
	}
}

func TestAcquireRespectsCapacity(t *testing.T) {
	p, _ := testPool(t, PoolConfig{MaxConnections: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h1, err := p.Acquire(ctx, "db1")
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	defer h1.Release()

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = p.Acquire(shortCtx, "db2")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout when at capacity, got %v", err)
	}
}

func TestAcquireConnectorFailurePropagates(t *testing.T) {
	p, fc := testPool(t, PoolConfig{MaxConnections: 4})
	atomic.StoreInt32(&fc.failNext, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := p.Acquire(ctx, "db1")
	if err == nil {
		t.Fatal("expected an error from a failing connector")
	}
	var connErr *ConnectorError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected a *ConnectorError, got %T: %v", err, err)
	}
}

func TestDrainIdleClosesIdleConnections(t *testing.T) {
	p, _ := testPool(t, PoolConfig{MaxConnections: 4})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := p.Acquire(ctx, "db1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	if !waitFor(t, func() bool { return p.Stats()["db1"].Idle == 1 }) {
		t.Fatal("connection never went idle")
	}

	if err := p.DrainIdle("db1"); err != nil {
		t.Fatalf("DrainIdle: %v", err)
	}
	if !waitFor(t, func() bool { return p.Stats()["db1"].Idle == 0 }) {
		t.Fatalf("idle connection survived DrainIdle: %+v", p.Stats()["db1"])
	}
}

func TestDrainIdleUnknownDatabase(t *testing.T) {
	p, _ := testPool(t, PoolConfig{MaxConnections: 4})
	if err := p.DrainIdle("nope"); !errors.Is(err, ErrUnknownDatabase) {
		t.Fatalf("expected ErrUnknownDatabase, got %v", err)
	}
}

func TestPauseRejectsAcquire(t *testing.T) {
	p, _ := testPool(t, PoolConfig{MaxConnections: 4})
	p.Pause("db1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Acquire(ctx, "db1")
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}

	p.Resume("db1")
	if _, err := p.Acquire(ctx, "db1"); err != nil {
		t.Fatalf("Acquire after Resume: %v", err)
	}
}

func TestShutdownCancelsWaitersAndClosesConnections(t *testing.T) {
	p, _ := testPool(t, PoolConfig{MaxConnections: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := p.Acquire(ctx, "db1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "db2")
		waiterErr <- err
	}()

	// Give the waiter time to register before shutting down.
	time.Sleep(20 * time.Millisecond)

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := p.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-waiterErr:
		if !errors.Is(err, ErrShutdown) {
			t.Fatalf("expected ErrShutdown for the outstanding waiter, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never resolved by Shutdown")
	}

	h.Release() // should be a no-op now; must not panic or block
}

func TestTransferAccountsReconnectingAgainstDonorOnly(t *testing.T) {
	p, _ := testPool(t, PoolConfig{
		MaxConnections:        1,
		MinIdleTimeBeforeGC:   5 * time.Millisecond,
		SchedulerTickInterval: 2 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h1, err := p.Acquire(ctx, "db1")
	if err != nil {
		t.Fatalf("Acquire db1: %v", err)
	}
	h1.Release()
	if !waitFor(t, func() bool { return p.Stats()["db1"].Idle == 1 }) {
		t.Fatal("db1 connection never went idle")
	}

	// Let the idle connection age past MinIdleTimeBeforeGC so it becomes
	// eligible for transfer to db2, which is at capacity and has to wait.
	time.Sleep(10 * time.Millisecond)

	h2, err := p.Acquire(ctx, "db2")
	if err != nil {
		t.Fatalf("Acquire db2: %v", err)
	}
	defer h2.Release()

	if !waitFor(t, func() bool { return p.Stats()["db2"].Active == 1 }) {
		t.Fatalf("db2 never received the transferred connection: %+v", p.Stats())
	}

	// The transfer must leave neither block's census corrupted: db1 (the
	// donor) must not be stuck showing a phantom Reconnecting, and db2
	// (the recipient) must not show a negative one.
	db1, db2 := p.Stats()["db1"], p.Stats()["db2"]
	if db1.Reconnecting != 0 || db1.Idle != 0 {
		t.Fatalf("donor census corrupted after transfer: %+v", db1)
	}
	if db2.Reconnecting != 0 {
		t.Fatalf("recipient census corrupted after transfer: %+v", db2)
	}
}

func TestRollingAverage(t *testing.T) {
	var r rollingAverage
	if r.avg() != 0 {
		t.Fatalf("empty rollingAverage.avg() = %v, want 0", r.avg())
	}
	for i := 1; i <= rollingWindowSize; i++ {
		r.add(time.Duration(i) * time.Millisecond)
	}
	want := time.Duration((rollingWindowSize+1)/2) * time.Millisecond
	if got := r.avg(); got != want {
		t.Fatalf("avg() = %v, want %v", got, want)
	}

	// One more sample past the window should evict the oldest, not just
	// accumulate forever.
	r.add(1000 * time.Millisecond)
	if got := r.avg(); got <= want {
		t.Fatalf("avg() after eviction-triggering sample = %v, want > %v", got, want)
	}
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
