package pool

import "errors"

// Sentinel pool errors, matching spec §7's PoolError kind
// (shutdown, timeout, no-capacity) as distinct values so callers can
// branch with errors.Is.
var (
	// ErrTimeout is returned when acquire's deadline expires before a
	// connection becomes available.
	ErrTimeout = errors.New("pool: acquire timed out")

	// ErrShutdown is returned to any waiter outstanding (or newly
	// submitted) once the pool has begun shutting down.
	ErrShutdown = errors.New("pool: shut down")

	// ErrNoCapacity is returned when the pool's max_connections budget is
	// exhausted and no idle connection is available to transfer. It is also
	// given to a waiter whose freshly idle connection was claimed by a
	// racing discard.
	ErrNoCapacity = errors.New("pool: no capacity available")

	// ErrUnknownDatabase is returned by Acquire/DrainIdle for a database
	// name with no configured Block.
	ErrUnknownDatabase = errors.New("pool: unknown database")

	// ErrPaused is returned by Acquire when the target database has been
	// administratively paused.
	ErrPaused = errors.New("pool: database paused")
)

// ConnectorError wraps an error returned by a Connector method, tagging
// it with whether the pool was attempting a fresh connect or a transfer
// reconnect (spec §7: "tags them with the connection's prior state").
type ConnectorError struct {
	Op  string // "connect", "reconnect", or "disconnect"
	Err error
}

func (e *ConnectorError) Error() string { return "pool: connector " + e.Op + ": " + e.Err.Error() }
func (e *ConnectorError) Unwrap() error { return e.Err }
