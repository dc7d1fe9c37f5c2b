// Package proxy is the session-management layer spec §2 describes:
// "once Ready, the authenticated stream is handed to the higher-level
// request/response loop". It owns the listeners, dispatches freshly
// accepted sockets to the PostgreSQL or EdgeDB server handshake
// (component B via component D), and once a client reaches Ready,
// acquires a backend connection from the pool (component E) and relays
// bytes until either side closes.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/edgewire/internal/config"
	"github.com/dbbouncer/edgewire/internal/handshake"
	"github.com/dbbouncer/edgewire/internal/handshake/edgeserver"
	"github.com/dbbouncer/edgewire/internal/handshake/pgserver"
	"github.com/dbbouncer/edgewire/internal/health"
	"github.com/dbbouncer/edgewire/internal/metrics"
	"github.com/dbbouncer/edgewire/internal/pool"
	"github.com/dbbouncer/edgewire/internal/rawconn"
	"github.com/dbbouncer/edgewire/internal/router"
	"github.com/dbbouncer/edgewire/internal/stream"
)

// Server is the main connectivity front-end: the PostgreSQL and EdgeDB
// listeners, each driving components B/C/D to Ready, backed by the one
// shared pool (component E).
type Server struct {
	router      *router.Router
	pool        *pool.Pool
	healthCheck *health.Checker
	metrics     *metrics.Collector
	listenCfg   config.ListenConfig
	tlsProvider stream.ServerParameterProvider

	pgListener   net.Listener
	edgeListener net.Listener
	muxListener  net.Listener

	pidCounter int32

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a Server, loading the listener's TLS material (if
// configured) up front so a misconfigured cert/key fails fast at startup
// rather than on the first connection.
func NewServer(r *router.Router, p *pool.Pool, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) (*Server, error) {
	provider, err := buildServerTLSProvider(lc)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		router:      r,
		pool:        p,
		healthCheck: hc,
		metrics:     m,
		listenCfg:   lc,
		tlsProvider: provider,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// ListenPostgres starts accepting PostgreSQL-wire-protocol clients on
// port.
func (s *Server) ListenPostgres(port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s for postgres: %w", addr, err)
	}
	s.pgListener = ln
	log.Printf("[proxy] PostgreSQL listening on %s", addr)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, "postgres")
	}()
	return nil
}

// ListenEdgeDB starts accepting EdgeDB/Gel-native-wire-protocol clients
// on port.
func (s *Server) ListenEdgeDB(port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s for edgedb: %w", addr, err)
	}
	s.edgeListener = ln
	log.Printf("[proxy] EdgeDB listening on %s", addr)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, "edgedb")
	}()
	return nil
}

// ListenMultiplexed starts a single shared-port listener that dispatches
// each freshly accepted socket to the PostgreSQL or EdgeDB handshake
// using component C's byte-sniffing (spec §4.C / internal/stream.Sniff)
// rather than a dedicated port per protocol — the architecture spec §1's
// data-flow diagram describes ("listener yields a raw byte stream → (C)
// sniffs the first 5-8 bytes → dispatches to the appropriate (B server
// handshake)"). ListenPostgres/ListenEdgeDB remain available for
// deployments that prefer dedicated ports per protocol instead.
func (s *Server) ListenMultiplexed(port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s for multiplexed traffic: %w", addr, err)
	}
	s.muxListener = ln
	log.Printf("[proxy] multiplexed PG/EdgeDB listener on %s", addr)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, "multiplexed")
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, kind string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			log.Printf("[proxy] accept error (%s): %v", kind, err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			switch kind {
			case "postgres":
				s.handlePG(conn)
			case "edgedb":
				s.handleEdgeDB(conn)
			case "multiplexed":
				s.handleMultiplexed(conn)
			}
		}()
	}
}

// handleMultiplexed sniffs a freshly accepted socket and dispatches it to
// the matching protocol handler. HTTP1x/HTTP2 traffic (the admin
// dashboard's own protocol family) is rejected here: the API server binds
// its own dedicated listener/port, so an HTTP request arriving on the
// multiplexed port has no handler to reach.
func (s *Server) handleMultiplexed(conn net.Conn) {
	class, rewound, err := stream.Sniff(conn, stream.StateRaw)
	if s.metrics != nil {
		s.metrics.ObserveSniff(class.String())
	}
	if err != nil {
		log.Printf("[proxy] sniff failed: %v", err)
		return
	}

	switch class {
	case stream.ClassPostgresStartup, stream.ClassPostgresSSLRequest,
		stream.ClassPostgresGSSENCRequest, stream.ClassPostgresCancel:
		s.handlePG(rewound)
	case stream.ClassEdgeDBBinary, stream.ClassSSLTLS:
		// A bare TLS record with no leading protocol marker is EdgeDB's
		// TLS-from-start pattern (spec §4.C); dispatch it to the EdgeDB
		// handshake, which performs the upgrade itself.
		s.handleEdgeDB(rewound)
	default:
		log.Printf("[proxy] multiplexed listener: unhandled protocol class %s", class)
	}
}

func (s *Server) newCancellationKey() (int32, int32) {
	pid := atomic.AddInt32(&s.pidCounter, 1)
	var b [4]byte
	rand.Read(b[:])
	key := int32(binary.BigEndian.Uint32(b[:]))
	return pid, key
}

// handlePG drives the PostgreSQL server handshake (SSL negotiation via
// component C, auth via component B.2/internal/auth) and, once Ready,
// hands the stream to the session loop.
func (s *Server) handlePG(conn net.Conn) {
	sslReq := handshake.SslDisable
	if s.tlsProvider != nil {
		sslReq = handshake.SslOptional
	}

	params := rawconn.PGServerParams{
		Handshake: pgserver.Params{SslRequirement: sslReq},
		TLS:       s.tlsProvider,
		Parameters: map[string]string{
			"server_version":    "16.0 (edgewire)",
			"client_encoding":   "UTF8",
			"server_encoding":   "UTF8",
			"DateStyle":         "ISO, MDY",
			"TimeZone":          "UTC",
			"integer_datetimes": "on",
		},
		CancellationKey: s.newCancellationKey,
		Credential:      pgCredentialLookup(s.router),
	}

	st, cp, err := rawconn.AcceptPG(s.ctx, conn, params)
	if err != nil {
		s.observeHandshake("postgres", "error")
		log.Printf("[proxy] postgres handshake failed: %v", err)
		return
	}
	if cp.SSLUsed {
		s.observeTLSUpgrade("postgres", "ok")
	}
	s.observeHandshake("postgres", "ok")
	s.serveSession(st, cp.Database)
}

// handleEdgeDB performs the (optional) TLS-from-start upgrade — EdgeDB
// has no in-band STARTTLS, the whole session runs over TLS once enabled
// (see internal/rawconn/edgeaccept.go) — then drives the EdgeDB server
// handshake (component B.3) and hands the stream to the session loop.
func (s *Server) handleEdgeDB(conn net.Conn) {
	st := stream.NewServer(conn, s.tlsProvider)
	if s.tlsProvider != nil {
		if err := st.SecureUpgrade(s.ctx); err != nil {
			s.observeTLSUpgrade("edgedb", "error")
			log.Printf("[proxy] edgedb tls upgrade failed: %v", err)
			return
		}
		s.observeTLSUpgrade("edgedb", "ok")
	}

	params := rawconn.EdgeDBServerParams{
		Handshake: edgeserver.Params{
			MinVersion: edgeserver.Version{Major: 1, Minor: 0},
			MaxVersion: edgeserver.Version{Major: 2, Minor: 0},
		},
		Parameters: map[string]string{
			"pgaddr":                     "",
			"suggested_pool_concurrency": "4",
		},
		KeyData:    newEdgeDBKeyData,
		Credential: edgeCredentialLookup(s.router),
	}

	cp, err := rawconn.AcceptEdgeDB(s.ctx, st, params)
	if err != nil {
		s.observeHandshake("edgedb", "error")
		log.Printf("[proxy] edgedb handshake failed: %v", err)
		return
	}
	s.observeHandshake("edgedb", "ok")
	s.serveSession(st, cp.Database)
}

func newEdgeDBKeyData() [32]byte {
	var k [32]byte
	rand.Read(k[:])
	return k
}

// serveSession acquires a backend connection for database from the pool
// and relays bytes between client and backend until either side closes.
// A relay failure poisons the backend connection rather than returning
// it to Idle, since its framing state is now unknown.
func (s *Server) serveSession(client net.Conn, database string) {
	defaults := s.router.Defaults()
	timeout := defaults.AcquireTimeout
	if dc, err := s.router.Resolve(database); err == nil {
		timeout = dc.EffectiveAcquireTimeout(defaults)
	}

	acqCtx := s.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(s.ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	handle, err := s.pool.Acquire(acqCtx, database)
	if s.metrics != nil {
		s.metrics.AcquireDuration(database, time.Since(start))
	}
	if err != nil {
		if errors.Is(err, pool.ErrTimeout) && s.metrics != nil {
			s.metrics.AcquireTimeout(database)
		}
		log.Printf("[proxy] acquiring backend for database %q: %v", database, err)
		return
	}
	defer handle.Release()

	sc, ok := handle.Conn().(pool.StreamConn)
	if !ok {
		log.Printf("[proxy] backend connection for %q does not expose a stream", database)
		handle.Discard()
		return
	}

	if err := relay(s.ctx, client, sc.Stream()); err != nil {
		log.Printf("[proxy] relay error for database %q: %v", database, err)
		handle.Discard()
	}
}

func (s *Server) observeHandshake(protocol, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveHandshake(protocol, "auto", outcome)
	}
}

func (s *Server) observeTLSUpgrade(protocol, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveTLSUpgrade(protocol, outcome)
	}
}

// Stop stops accepting new connections and waits for in-flight sessions
// to observe ctx cancellation and unwind.
func (s *Server) Stop() {
	s.cancel()
	if s.pgListener != nil {
		s.pgListener.Close()
	}
	if s.edgeListener != nil {
		s.edgeListener.Close()
	}
	if s.muxListener != nil {
		s.muxListener.Close()
	}
	s.wg.Wait()
}
