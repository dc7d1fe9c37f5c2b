// Package stream implements the upgradable stream abstraction of spec
// §4.C: a net.Conn wrapper that starts out plaintext (client or server
// side) and can be upgraded in-band to TLS once the owning handshake
// state machine asks for it, without the caller ever juggling two
// different connection types.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// innerState mirrors spec §4.C's BaseClient/BaseServer/Upgraded/Upgrading
// variant set.
type innerState int

const (
	stateBaseClient innerState = iota
	stateBaseServer
	stateUpgraded
	stateUpgrading
)

// ErrUpgrading is returned by Read/Write while a secure upgrade is
// in-flight: spec §4.C says this is an error, not a block.
var ErrUpgrading = errors.New("stream: read/write while upgrading")

// ErrAlreadyUpgraded is returned by SecureUpgrade on a stream that has
// already completed (or is completing) a TLS upgrade.
var ErrAlreadyUpgraded = errors.New("stream: already upgraded")

// HandshakeInfo records what the completed TLS handshake negotiated,
// exposed to callers that need ALPN/SNI/peer-cert facts after upgrade.
type HandshakeInfo struct {
	NegotiatedProtocol string
	ServerName         string
	PeerCertificates   int
}

// Stream wraps a net.Conn and tracks whether it has been upgraded to
// TLS. It implements net.Conn itself so callers never need to special
// case the upgraded/non-upgraded cases beyond calling SecureUpgrade.
type Stream struct {
	state innerState
	raw   net.Conn

	clientParams *ClientTLSParams
	serverParams ServerParameterProvider

	tls  *tls.Conn
	info HandshakeInfo
}

// NewClient wraps raw as a client-side stream that may later be upgraded
// to TLS using params.
func NewClient(raw net.Conn, params *ClientTLSParams) *Stream {
	return &Stream{state: stateBaseClient, raw: raw, clientParams: params}
}

// NewServer wraps raw as a server-side stream that may later be upgraded
// to TLS by consulting provider.
func NewServer(raw net.Conn, provider ServerParameterProvider) *Stream {
	return &Stream{state: stateBaseServer, raw: raw, serverParams: provider}
}

// Raw returns the innermost net.Conn, bypassing any TLS layer. Used by
// the sniffer and by tests; production code should prefer Read/Write.
func (s *Stream) Raw() net.Conn { return s.raw }

// IsUpgraded reports whether the stream is currently running over TLS.
func (s *Stream) IsUpgraded() bool { return s.state == stateUpgraded }

// HandshakeInfo returns the negotiated TLS facts. Valid only after
// IsUpgraded() is true.
func (s *Stream) HandshakeInfo() HandshakeInfo { return s.info }

func (s *Stream) Read(p []byte) (int, error) {
	switch s.state {
	case stateUpgrading:
		return 0, ErrUpgrading
	case stateUpgraded:
		return s.tls.Read(p)
	default:
		return s.raw.Read(p)
	}
}

func (s *Stream) Write(p []byte) (int, error) {
	switch s.state {
	case stateUpgrading:
		return 0, ErrUpgrading
	case stateUpgraded:
		return s.tls.Write(p)
	default:
		return s.raw.Write(p)
	}
}

func (s *Stream) Close() error {
	if s.state == stateUpgraded {
		return s.tls.Close()
	}
	return s.raw.Close()
}

func (s *Stream) LocalAddr() net.Addr  { return s.raw.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.raw.RemoteAddr() }

func (s *Stream) SetDeadline(t time.Time) error      { return s.raw.SetDeadline(t) }
func (s *Stream) SetReadDeadline(t time.Time) error  { return s.raw.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.raw.SetWriteDeadline(t) }

// SecureUpgrade performs the plaintext→TLS transition described in spec
// §4.C. It is the only method that mutates inner state outside of
// construction; it blocks for the duration of the TLS handshake.
func (s *Stream) SecureUpgrade(ctx context.Context) error {
	if s.state == stateUpgraded || s.state == stateUpgrading {
		return ErrAlreadyUpgraded
	}

	prior := s.state
	s.state = stateUpgrading

	var tlsConn *tls.Conn
	var err error
	switch prior {
	case stateBaseClient:
		tlsConn, err = upgradeClient(ctx, s.raw, s.clientParams)
	case stateBaseServer:
		tlsConn, err = upgradeServer(ctx, s.raw, s.serverParams)
	default:
		err = fmt.Errorf("stream: cannot upgrade from state %d", prior)
	}
	if err != nil {
		s.state = prior
		return err
	}

	cs := tlsConn.ConnectionState()
	s.tls = tlsConn
	s.info = HandshakeInfo{
		NegotiatedProtocol: cs.NegotiatedProtocol,
		ServerName:         cs.ServerName,
		PeerCertificates:   len(cs.PeerCertificates),
	}
	s.state = stateUpgraded
	return nil
}
