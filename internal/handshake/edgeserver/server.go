// Package edgeserver implements the server-side EdgeDB/Gel-native
// handshake state machine: protocol version negotiation, credential
// lookup via a callback, and the trust/SCRAM-SHA-256 auth exchange. Like
// its pgserver sibling, the machine is a pure Drive function with no I/O
// of its own.
package edgeserver

import (
	"strings"

	"github.com/dbbouncer/edgewire/internal/auth"
	"github.com/dbbouncer/edgewire/internal/handshake"
	"github.com/dbbouncer/edgewire/internal/wire/edgeproto"
)

type State int

const (
	StateInitial State = iota
	StateAwaitingAuthInfo
	StateAuthenticating
	StateSynchronizing
	StateReady
	StateError
)

type Send interface {
	Send(frame []byte)
}

type Update interface {
	AuthRequested(user, database, branch string)
	ServerError(code uint32, message string)
	StateChanged(state State)
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventAuthInfo
	EventParameter
	EventReady
)

type Event struct {
	Kind EventKind

	Raw []byte // EventMessage

	Credential auth.Credential // EventAuthInfo

	Name, Value string // EventParameter

	KeyData [32]byte // EventReady
}

// Version is an EdgeDB protocol version. Params.MinVersion and
// Params.MaxVersion give the inclusive range this server accepts. Spec §9's
// open question ("does 1.0 stay supported once 2.0 ships") is left to the
// embedder via that config rather than hard-coded.
type Version struct{ Major, Minor int16 }

func (v Version) less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

type Params struct {
	MinVersion Version
	MaxVersion Version
}

type Server struct {
	state  State
	params Params

	user, database, branch string
	credential             auth.Credential
	scram                  *auth.ServerExchange
	err                    error
}

func New(params Params) *Server {
	return &Server{state: StateInitial, params: params}
}

func (s *Server) State() State  { return s.state }
func (s *Server) IsReady() bool { return s.state == StateReady }
func (s *Server) Err() error    { return s.err }
func (s *Server) User() string  { return s.user }

func (s *Server) fail(update Update, kind handshake.ErrorKind, msg string) error {
	s.state = StateError
	s.err = handshake.NewError(kind, msg)
	update.StateChanged(s.state)
	return s.err
}

func (s *Server) sendError(send Send, update Update, code uint32, message string) error {
	send.Send(edgeproto.ErrorResponseBuilder{Severity: 120, ErrorCode: int32(code), Message: message}.Build())
	update.ServerError(code, message)
	s.state = StateError
	s.err = handshake.NewServerError(httpishCode(code), message)
	update.StateChanged(s.state)
	return s.err
}

// httpishCode renders the EdgeDB numeric error code into the string form
// the shared handshake.Error carries (spec §7 treats the "code" field as
// opaque to the pool, only echoed back to the embedder).
func httpishCode(code uint32) string {
	return "0x" + itohex(code)
}

func itohex(v uint32) string {
	const digits = "0123456789ABCDEF"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return string(buf)
}

func (s *Server) Drive(ev Event, send Send, update Update) error {
	if s.state == StateError {
		return s.err
	}
	switch ev.Kind {
	case EventMessage:
		return s.driveMessage(ev.Raw, send, update)
	case EventAuthInfo:
		return s.driveAuthInfo(ev.Credential, send, update)
	case EventParameter:
		return s.driveParameter(ev.Name, ev.Value, send, update)
	case EventReady:
		return s.driveReady(ev.KeyData, send, update)
	}
	return nil
}

func (s *Server) driveMessage(raw []byte, send Send, update Update) error {
	switch s.state {
	case StateInitial:
		return s.driveHandshake(raw, send, update)
	case StateAuthenticating:
		return s.driveAuth(raw, send, update)
	default:
		return s.fail(update, handshake.ErrProtocol, "message not expected in this state")
	}
}

func (s *Server) driveHandshake(raw []byte, send Send, update Update) error {
	ch, err := edgeproto.ParseClientHandshakeMessage(raw)
	if err != nil {
		return s.fail(update, handshake.ErrProtocol, "malformed ClientHandshake")
	}
	major, err := ch.MajorVer()
	if err != nil {
		return s.fail(update, handshake.ErrProtocol, "malformed ClientHandshake version")
	}
	minor, err := ch.MinorVer()
	if err != nil {
		return s.fail(update, handshake.ErrProtocol, "malformed ClientHandshake version")
	}
	want := Version{major, minor}

	if want.less(s.params.MinVersion) || s.params.MaxVersion.less(want) {
		// Out-of-band version: advertise the nearest supported version and
		// stay in Initial (spec §4.B.3's scenario 3).
		nearest := s.params.MaxVersion
		if want.less(s.params.MinVersion) {
			nearest = s.params.MinVersion
		}
		send.Send(edgeproto.ServerHandshakeBuilder{
			MajorVer: nearest.Major,
			MinorVer: nearest.Minor,
		}.Build())
		return nil
	}

	params, err := ch.Params()
	if err != nil {
		return s.fail(update, handshake.ErrProtocol, "malformed ClientHandshake params")
	}
	s.user = params["user"]
	s.database = params["database"]
	s.branch = params["branch"]
	if s.user == "" {
		return s.sendError(send, update, edgeproto.ErrCodeAuthenticationError, "no user specified")
	}
	s.state = StateAwaitingAuthInfo
	update.StateChanged(s.state)
	update.AuthRequested(s.user, s.database, s.branch)
	return nil
}

func (s *Server) driveAuthInfo(cred auth.Credential, send Send, update Update) error {
	if s.state != StateAwaitingAuthInfo {
		return s.fail(update, handshake.ErrProtocol, "unexpected AuthInfo")
	}
	s.credential = cred
	switch cred.Type {
	case auth.Deny:
		return s.sendError(send, update, edgeproto.ErrCodeAuthenticationError, "authentication denied")
	case auth.Trust:
		send.Send(edgeproto.AuthenticationOkBuilder{}.Build())
		s.state = StateSynchronizing
		update.StateChanged(s.state)
		return nil
	case auth.ScramSha256:
		if cred.ScramVerifier == nil {
			return s.fail(update, handshake.ErrAuth, "missing SCRAM verifier")
		}
		ex, err := auth.NewServerExchange(cred.ScramVerifier)
		if err != nil {
			return s.fail(update, handshake.ErrAuth, "failed to start SCRAM exchange")
		}
		s.scram = ex
		send.Send(edgeproto.AuthenticationRequiredSASLBuilder{Methods: []string{"SCRAM-SHA-256"}}.Build())
		s.state = StateAuthenticating
		update.StateChanged(s.state)
		return nil
	default:
		return s.sendError(send, update, edgeproto.ErrCodeAuthenticationError, "no mechanism in common")
	}
}

func (s *Server) driveAuth(raw []byte, send Send, update Update) error {
	if s.scram == nil {
		return s.fail(update, handshake.ErrProtocol, "SCRAM exchange not started")
	}
	if len(raw) == 0 {
		return s.fail(update, handshake.ErrProtocol, "empty message")
	}
	switch raw[0] {
	case edgeproto.TagSASLInitialResponse:
		msg, err := edgeproto.ParseSASLInitialResponseMessage(raw)
		if err != nil {
			return s.fail(update, handshake.ErrProtocol, "malformed SASLInitialResponse")
		}
		method, _, err := msg.Method()
		if err != nil || method != "SCRAM-SHA-256" {
			return s.sendError(send, update, edgeproto.ErrCodeAuthenticationError, "unsupported SASL method")
		}
		data, err := msg.Data()
		if err != nil {
			return s.fail(update, handshake.ErrProtocol, "malformed SASLInitialResponse data")
		}
		clientFirstBare := strings.TrimPrefix(string(data), "n,,")
		serverFirst, err := s.scram.HandleClientFirst(clientFirstBare)
		if err != nil {
			return s.sendError(send, update, edgeproto.ErrCodeAuthenticationError, "SASL authentication failed")
		}
		send.Send(edgeproto.AuthenticationSASLContinueBuilder{Data: []byte(serverFirst)}.Build())
		return nil
	case edgeproto.TagSASLResponse:
		msg, err := edgeproto.ParseSASLResponseMessage(raw)
		if err != nil {
			return s.fail(update, handshake.ErrProtocol, "malformed SASLResponse")
		}
		data, err := msg.Data()
		if err != nil {
			return s.fail(update, handshake.ErrProtocol, "malformed SASLResponse data")
		}
		serverFinal, err := s.scram.HandleClientFinal(string(data))
		if err != nil {
			return s.sendError(send, update, edgeproto.ErrCodeAuthenticationError, "SASL authentication failed")
		}
		send.Send(edgeproto.AuthenticationSASLFinalBuilder{Data: []byte(serverFinal)}.Build())
		send.Send(edgeproto.AuthenticationOkBuilder{}.Build())
		s.state = StateSynchronizing
		update.StateChanged(s.state)
		return nil
	default:
		return s.fail(update, handshake.ErrProtocol, "unexpected message while authenticating")
	}
}

func (s *Server) driveParameter(name, value string, send Send, update Update) error {
	if s.state != StateSynchronizing {
		return s.fail(update, handshake.ErrProtocol, "parameter not expected in this state")
	}
	send.Send(edgeproto.ParameterStatusBuilder{Name: []byte(name), Value: []byte(value)}.Build())
	return nil
}

func (s *Server) driveReady(keyData [32]byte, send Send, update Update) error {
	if s.state != StateSynchronizing {
		return s.fail(update, handshake.ErrProtocol, "ready not expected in this state")
	}
	send.Send(edgeproto.ServerKeyDataBuilder{Data: keyData}.Build())
	send.Send(edgeproto.ReadyForCommandBuilder{TransactionState: 'I'}.Build())
	s.state = StateReady
	update.StateChanged(s.state)
	return nil
}
