// Package pgserver implements the server-side PostgreSQL handshake state
// machine: SSL negotiation, credential lookup via a callback, and the
// trust/plain/md5/SCRAM-SHA-256 auth exchange, all pure Drive calls with
// no I/O.
package pgserver

import (
	"crypto/rand"
	"strings"

	"github.com/dbbouncer/edgewire/internal/auth"
	"github.com/dbbouncer/edgewire/internal/handshake"
	"github.com/dbbouncer/edgewire/internal/wire/pgproto"
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
	SendSSLResponse(accept bool)
	Upgrade()
}

type Update interface {
	AuthRequested(user, database string)
	ServerError(code, message string)
	StateChanged(state State)
}

type EventKind int

const (
	EventInitialMessage EventKind = iota
	EventMessage
	EventSslReady
	EventAuthInfo
	EventParameter
	EventReady
	EventFail
)

type Event struct {
	Kind EventKind

	Raw []byte // EventInitialMessage / EventMessage

	Credential auth.Credential // EventAuthInfo

	Name, Value string // EventParameter

	PID, CancelKey int32 // EventReady

	Code, Message string // EventFail
}

// Params configures whether the server is willing to negotiate SSL.
type Params struct {
	SslRequirement handshake.SslRequirement
}

type Server struct {
	state  State
	params Params

	user, database string
	credential     auth.Credential
	md5Salt        [4]byte
	scram          *auth.ServerExchange
	err            error
}

func New(params Params) *Server {
	return &Server{state: StateInitial, params: params}
}

func (s *Server) State() State  { return s.state }
func (s *Server) IsReady() bool { return s.state == StateReady }
func (s *Server) Err() error    { return s.err }

func (s *Server) fail(send Send, update Update, kind handshake.ErrorKind, msg string) error {
	code := "28000"
	if kind == handshake.ErrProtocol {
		code = "08P01"
	}
	send.Send(pgproto.NewPGError("FATAL", code, msg).Build())
	s.state = StateError
	s.err = handshake.NewError(kind, msg)
	update.StateChanged(s.state)
	return s.err
}

func (s *Server) sendError(send Send, update Update, code, message string) error {
	send.Send(pgproto.NewPGError("FATAL", code, message).Build())
	update.ServerError(code, message)
	s.state = StateError
	s.err = handshake.NewServerError(code, message)
	update.StateChanged(s.state)
	return s.err
}

func (s *Server) Drive(ev Event, send Send, update Update) error {
	if s.state == StateError {
		return s.err
	}
	switch ev.Kind {
	case EventInitialMessage:
		return s.driveInitial(ev.Raw, send, update)
	case EventSslReady:
		return s.driveSslReady(send, update)
	case EventMessage:
		return s.driveMessage(ev.Raw, send, update)
	case EventAuthInfo:
		return s.driveAuthInfo(ev.Credential, send, update)
	case EventParameter:
		return s.driveParameter(ev.Name, ev.Value, send, update)
	case EventReady:
		return s.driveReady(ev.PID, ev.CancelKey, send, update)
	case EventFail:
		return s.sendError(send, update, ev.Code, ev.Message)
	}
	return nil
}

func (s *Server) driveInitial(raw []byte, send Send, update Update) error {
	code, _, err := pgproto.InitialMessageCode(raw)
	if err == nil && isKnownInitialCode(code) {
		switch code {
		case pgproto.SSLRequestCode:
			accept := s.params.SslRequirement != handshake.SslDisable
			send.SendSSLResponse(accept)
			if accept {
				send.Upgrade()
			}
			return nil
		case pgproto.GSSENCRequestCode:
			send.SendSSLResponse(false)
			return nil
		case pgproto.CancelRequestCode:
			// Cancellation requests terminate the pre-auth pipe; nothing
			// further to drive.
			return nil
		}
	}

	startup, err := pgproto.ParseStartupMessage(raw)
	if err != nil {
		return s.fail(send, update, handshake.ErrProtocol, "malformed StartupMessage")
	}
	params, err := startup.Params()
	if err != nil {
		return s.fail(send, update, handshake.ErrProtocol, "malformed StartupMessage params")
	}
	s.user = params["user"]
	s.database = params["database"]
	if s.user == "" {
		return s.sendError(send, update, "28000", "no user specified")
	}
	s.state = StateAwaitingAuthInfo
	update.StateChanged(s.state)
	update.AuthRequested(s.user, s.database)
	return nil
}

func isKnownInitialCode(code uint32) bool {
	return code == pgproto.SSLRequestCode || code == pgproto.GSSENCRequestCode || code == pgproto.CancelRequestCode
}

func (s *Server) driveSslReady(send Send, update Update) error {
	// Upgrade completed; the caller resumes by feeding the next initial
	// message (StartupMessage) over the now-encrypted stream.
	s.state = StateInitial
	update.StateChanged(s.state)
	return nil
}

func (s *Server) driveAuthInfo(cred auth.Credential, send Send, update Update) error {
	if s.state != StateAwaitingAuthInfo {
		return s.fail(send, update, handshake.ErrProtocol, "unexpected AuthInfo")
	}
	s.credential = cred
	switch cred.Type {
	case auth.Deny:
		return s.sendError(send, update, "28000", "authentication denied")
	case auth.Trust:
		send.Send(pgproto.AuthenticationOkBuilder{}.Build())
		s.state = StateSynchronizing
		update.StateChanged(s.state)
		return nil
	case auth.Plain:
		send.Send(pgproto.AuthenticationCleartextPasswordBuilder{}.Build())
		s.state = StateAuthenticating
		update.StateChanged(s.state)
		return nil
	case auth.Md5:
		if _, err := rand.Read(s.md5Salt[:]); err != nil {
			return s.fail(send, update, handshake.ErrAuth, "failed to generate salt")
		}
		send.Send(pgproto.AuthenticationMD5PasswordBuilder{Salt: s.md5Salt}.Build())
		s.state = StateAuthenticating
		update.StateChanged(s.state)
		return nil
	case auth.ScramSha256:
		if cred.ScramVerifier == nil {
			return s.fail(send, update, handshake.ErrAuth, "missing SCRAM verifier")
		}
		ex, err := auth.NewServerExchange(cred.ScramVerifier)
		if err != nil {
			return s.fail(send, update, handshake.ErrAuth, "failed to start SCRAM exchange")
		}
		s.scram = ex
		send.Send(pgproto.AuthenticationSASLBuilder{Mechanisms: []string{"SCRAM-SHA-256"}}.Build())
		s.state = StateAuthenticating
		update.StateChanged(s.state)
		return nil
	default:
		return s.fail(send, update, handshake.ErrAuth, "unknown credential type")
	}
}

func (s *Server) driveMessage(raw []byte, send Send, update Update) error {
	if s.state != StateAuthenticating {
		return s.fail(send, update, handshake.ErrProtocol, "message not expected in this state")
	}
	pm, err := pgproto.ParsePasswordMessage(raw)
	if err != nil {
		return s.fail(send, update, handshake.ErrProtocol, "malformed password-family message")
	}
	payload := pm.Payload()

	switch s.credential.Type {
	case auth.Plain:
		n := len(payload)
		if n > 0 && payload[n-1] == 0 {
			n--
		}
		if string(payload[:n]) != s.credential.Password {
			return s.sendError(send, update, "28P01", "password authentication failed")
		}
		send.Send(pgproto.AuthenticationOkBuilder{}.Build())
		s.state = StateSynchronizing
		update.StateChanged(s.state)
		return nil
	case auth.Md5:
		n := len(payload)
		if n > 0 && payload[n-1] == 0 {
			n--
		}
		if !auth.VerifyMD5(string(payload[:n]), s.credential.MD5StoredHash, s.md5Salt) {
			return s.sendError(send, update, "28P01", "password authentication failed")
		}
		send.Send(pgproto.AuthenticationOkBuilder{}.Build())
		s.state = StateSynchronizing
		update.StateChanged(s.state)
		return nil
	case auth.ScramSha256:
		return s.driveScram(payload, send, update)
	default:
		return s.fail(send, update, handshake.ErrProtocol, "unexpected auth state")
	}
}

func (s *Server) driveScram(payload []byte, send Send, update Update) error {
	if s.scram == nil {
		return s.fail(send, update, handshake.ErrProtocol, "SCRAM exchange not started")
	}
	text := string(payload)
	if strings.HasPrefix(text, "n,,") {
		clientFirstBare := strings.TrimPrefix(text, "n,,")
		serverFirst, err := s.scram.HandleClientFirst(clientFirstBare)
		if err != nil {
			return s.sendError(send, update, "28P01", "SASL authentication failed")
		}
		send.Send(pgproto.AuthenticationSASLContinueBuilder{Data: []byte(serverFirst)}.Build())
		return nil
	}
	serverFinal, err := s.scram.HandleClientFinal(text)
	if err != nil {
		return s.sendError(send, update, "28P01", "SASL authentication failed")
	}
	send.Send(pgproto.AuthenticationSASLFinalBuilder{Data: []byte(serverFinal)}.Build())
	send.Send(pgproto.AuthenticationOkBuilder{}.Build())
	s.state = StateSynchronizing
	update.StateChanged(s.state)
	return nil
}

func (s *Server) driveParameter(name, value string, send Send, update Update) error {
	if s.state != StateSynchronizing {
		return s.fail(send, update, handshake.ErrProtocol, "parameter not expected in this state")
	}
	send.Send(pgproto.ParameterStatusBuilder{Name: name, Value: value}.Build())
	return nil
}

func (s *Server) driveReady(pid, key int32, send Send, update Update) error {
	if s.state != StateSynchronizing {
		return s.fail(send, update, handshake.ErrProtocol, "ready not expected in this state")
	}
	send.Send(pgproto.BackendKeyDataBuilder{PID: pid, CancelKey: key}.Build())
	send.Send(pgproto.ReadyForQueryBuilder{TransactionState: 'I'}.Build())
	s.state = StateReady
	update.StateChanged(s.state)
	return nil
}

func (s *Server) User() string     { return s.user }
func (s *Server) Database() string { return s.database }
