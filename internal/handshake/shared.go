// Package handshake holds the types shared by the three handshake state
// machines in its subpackages (pgclient, pgserver, edgeserver): the SSL
// requirement enum and the error kinds a `drive` call can surface. Each
// state machine is a pure function of (current state, event) -> (new
// state, side effects); none of them perform I/O.
package handshake

import "fmt"

// SslRequirement mirrors ConnectionSslRequirement: how insistent the
// caller is about upgrading to TLS during the handshake.
type SslRequirement int

const (
	SslDisable SslRequirement = iota
	SslOptional
	SslRequired
)

// ErrorKind enumerates the terminal failure classes a handshake can
// reach. Matches spec §7's ProtocolParseError/ProtocolStateError/
// SslError/AuthError/ServerError taxonomy as it applies to the handshake
// layer specifically.
type ErrorKind int

const (
	ErrProtocol ErrorKind = iota
	ErrSslRequired
	ErrSslUnsupportedByPeer
	ErrAuth
	ErrServer
)

func (k ErrorKind) String() string {
	switch k {
	case ErrProtocol:
		return "protocol error"
	case ErrSslRequired:
		return "ssl required"
	case ErrSslUnsupportedByPeer:
		return "ssl unsupported by peer"
	case ErrAuth:
		return "auth error"
	case ErrServer:
		return "server error"
	default:
		return "unknown"
	}
}

// Error is the only error type a handshake `Drive` call returns. Once a
// machine returns one, its state is Error and subsequent Drive calls
// return the same error without making further progress.
type Error struct {
	Kind    ErrorKind
	Message string
	Code    string // populated for ErrServer: the peer's protocol error code
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewError(kind ErrorKind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func NewServerError(code, message string) error {
	return &Error{Kind: ErrServer, Code: code, Message: message}
}
