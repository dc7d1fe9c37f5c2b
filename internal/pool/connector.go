package pool

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dbbouncer/edgewire/internal/handshake"
	"github.com/dbbouncer/edgewire/internal/handshake/pgclient"
	"github.com/dbbouncer/edgewire/internal/rawconn"
	"github.com/dbbouncer/edgewire/internal/stream"
)

// Conn is the opaque connector-produced connection the pool hands back
// through a PoolHandle. The pool never inspects it beyond Close.
type Conn interface {
	Close() error
}

// Connector is spec §6's connector trait: three operations, no other I/O
// performed by the pool itself.
type Connector interface {
	Connect(ctx context.Context, db string) (Conn, error)
	Reconnect(ctx context.Context, old Conn, db string) (Conn, error)
	Disconnect(ctx context.Context, old Conn) error
}

// BackendTarget describes how to reach and authenticate against one
// database's real backend. The connector always dials the backend with
// the PostgreSQL wire protocol (see DESIGN.md): even a pool fronting
// EdgeDB-speaking clients (component B.3) stores its data in a
// Postgres-compatible backend, exactly like a production Gel/EdgeDB
// server's own storage layer.
type BackendTarget struct {
	Address        string
	Database       string
	User           string
	Password       string
	SslRequirement handshake.SslRequirement
	TLS            *stream.ClientTLSParams
	DialTimeout    time.Duration
}

// TargetLookup resolves a database name to its backend dial target.
type TargetLookup func(db string) (BackendTarget, bool)

// pgConn adapts the raw-connection result (a *stream.Stream) to the
// pool's opaque Conn interface, retaining the negotiated parameters for
// diagnostics.
type pgConn struct {
	stream *stream.Stream
	params rawconn.ConnectionParams
}

func (c *pgConn) Close() error { return c.stream.Close() }

// Stream exposes the underlying upgradable stream so a session-management
// layer (internal/proxy) can relay bytes once a PoolHandle hands back a
// Conn; the pool itself never reads or writes it (spec §6: "no other I/O
// operations are performed by the pool").
func (c *pgConn) Stream() *stream.Stream { return c.stream }

// Params returns the connection parameters negotiated when this
// connection was established, for diagnostics/logging.
func (c *pgConn) Params() rawconn.ConnectionParams { return c.params }

// StreamConn is implemented by Conn values the default PGConnector
// produces; a caller holding a PoolHandle can type-assert to this to
// reach the byte stream underneath.
type StreamConn interface {
	Stream() *stream.Stream
}

// PGConnector is the default Connector: it dials net.Dial, drives
// internal/rawconn's client PostgreSQL handshake to completion, and
// returns the resulting stream. Reconnect closes the old connection and
// dials fresh; PostgreSQL has no notion of handing a live socket to a
// different logical database mid-session.
type PGConnector struct {
	lookup TargetLookup
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewPGConnector builds a Connector over the given database lookup.
func NewPGConnector(lookup TargetLookup) *PGConnector {
	return &PGConnector{
		lookup: lookup,
		dial:   (&net.Dialer{}).DialContext,
	}
}

func (c *PGConnector) Connect(ctx context.Context, db string) (Conn, error) {
	target, ok := c.lookup(db)
	if !ok {
		return nil, fmt.Errorf("pool: no backend target configured for database %q", db)
	}

	dialCtx := ctx
	if target.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, target.DialTimeout)
		defer cancel()
	}

	raw, err := c.dial(dialCtx, "tcp", target.Address)
	if err != nil {
		return nil, fmt.Errorf("pool: dialing %q for database %q: %w", target.Address, db, err)
	}

	st, params, err := rawconn.ConnectPG(ctx, raw, rawconn.PGParams{
		Handshake: pgclient.Params{
			User:           target.User,
			Database:       target.Database,
			Password:       target.Password,
			SslRequirement: target.SslRequirement,
		},
		TLS: target.TLS,
	})
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("pool: handshake against %q for database %q: %w", target.Address, db, err)
	}

	return &pgConn{stream: st, params: params}, nil
}

func (c *PGConnector) Reconnect(ctx context.Context, old Conn, db string) (Conn, error) {
	if old != nil {
		_ = old.Close()
	}
	return c.Connect(ctx, db)
}

func (c *PGConnector) Disconnect(ctx context.Context, old Conn) error {
	if old == nil {
		return nil
	}
	return old.Close()
}
