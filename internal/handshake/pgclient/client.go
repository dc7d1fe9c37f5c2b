// Package pgclient implements the client-side PostgreSQL handshake state
// machine: SSL negotiation followed by password/MD5/SCRAM-SHA-256
// authentication, driven purely by Drive events with no I/O of its own.
package pgclient

import (
	"github.com/dbbouncer/edgewire/internal/auth"
	"github.com/dbbouncer/edgewire/internal/handshake"
	"github.com/dbbouncer/edgewire/internal/wire/pgproto"
)

type State int

const (
	StateInitial State = iota
	StateSslConnecting
	StateSslWaiting
	StateConnectingStartup
	StateAuthenticating
	StateSynchronizing
	StateReady
	StateError
)

// Send is the ConnectionStateSend side-effect surface: emit bytes, or
// request the caller upgrade the underlying stream to TLS.
type Send interface {
	Send(frame []byte)
	Upgrade()
}

// Update is the ConnectionStateUpdate side-effect surface: observable
// facts the embedder cares about.
type Update interface {
	Parameter(name, value string)
	CancellationKey(pid, key int32)
	Auth(kind auth.Type)
	ServerError(code, message string)
	StateChanged(state State)
}

// EventKind enumerates the Drive events named in spec §4.B.1.
type EventKind int

const (
	EventInitial EventKind = iota
	EventMessage
	EventSslResponse
	EventSslReady
)

type Event struct {
	Kind        EventKind
	Message     []byte // for EventMessage: one tagged PG message, header included
	SslResponse byte   // for EventSslResponse: 'S' or 'N'
}

// Params is the caller-supplied connection target: credentials, database,
// and how insistent to be about SSL.
type Params struct {
	User            string
	Database        string
	Password        string
	SslRequirement  handshake.SslRequirement
	ExtraStartup    map[string]string
}

type Client struct {
	state  State
	params Params

	scram         *auth.ClientExchange
	negotiatedAuth auth.Type
	err           error
}

func New(params Params) *Client {
	return &Client{state: StateInitial, params: params}
}

func (c *Client) State() State { return c.state }

func (c *Client) IsReady() bool { return c.state == StateReady }

func (c *Client) Err() error { return c.err }

func (c *Client) NegotiatedAuth() auth.Type { return c.negotiatedAuth }

// NeedsSSLResponseByte tells the raw-connection glue (component D) that
// the next single byte read from the stream ('S'/'N') should be fed back
// as EventSslResponse rather than accumulated into a StructBuffer.
func (c *Client) NeedsSSLResponseByte() bool { return c.state == StateSslWaiting }

func (c *Client) fail(send Send, update Update, kind handshake.ErrorKind, msg string) error {
	c.state = StateError
	c.err = handshake.NewError(kind, msg)
	update.StateChanged(c.state)
	return c.err
}

// Drive advances the state machine by one event. It never performs I/O;
// side effects are reported through send/update.
func (c *Client) Drive(ev Event, send Send, update Update) error {
	if c.state == StateError {
		return c.err
	}

	switch ev.Kind {
	case EventInitial:
		return c.driveInitial(send, update)
	case EventSslResponse:
		return c.driveSslResponse(ev.SslResponse, send, update)
	case EventSslReady:
		return c.driveSslReady(send, update)
	case EventMessage:
		return c.driveMessage(ev.Message, send, update)
	}
	return nil
}

func (c *Client) driveInitial(send Send, update Update) error {
	if c.params.SslRequirement == handshake.SslDisable {
		c.sendStartup(send)
		c.state = StateConnectingStartup
		update.StateChanged(c.state)
		return nil
	}
	send.Send(pgproto.SSLRequestBuilder{}.Build())
	c.state = StateSslWaiting
	update.StateChanged(c.state)
	return nil
}

func (c *Client) driveSslResponse(resp byte, send Send, update Update) error {
	switch resp {
	case 'S':
		if c.params.SslRequirement == handshake.SslDisable {
			return c.fail(send, update, handshake.ErrProtocol, "unexpected SSLResponse")
		}
		send.Upgrade()
		c.state = StateSslConnecting
		update.StateChanged(c.state)
		return nil
	case 'N':
		if c.params.SslRequirement == handshake.SslRequired {
			return c.fail(send, update, handshake.ErrSslRequired, "server refused SSL")
		}
		c.sendStartup(send)
		c.state = StateConnectingStartup
		update.StateChanged(c.state)
		return nil
	default:
		return c.fail(send, update, handshake.ErrProtocol, "invalid SSLResponse byte")
	}
}

func (c *Client) driveSslReady(send Send, update Update) error {
	if c.state != StateSslConnecting {
		return c.fail(send, update, handshake.ErrProtocol, "unexpected SslReady")
	}
	c.sendStartup(send)
	c.state = StateConnectingStartup
	update.StateChanged(c.state)
	return nil
}

func (c *Client) sendStartup(send Send) {
	params := map[string]string{
		"user":     c.params.User,
		"database": c.params.Database,
	}
	for k, v := range c.params.ExtraStartup {
		params[k] = v
	}
	send.Send(pgproto.StartupBuilder{Params: params}.Build())
}

func (c *Client) driveMessage(msg []byte, send Send, update Update) error {
	switch c.state {
	case StateConnectingStartup, StateAuthenticating:
		return c.driveAuthMessage(msg, send, update)
	case StateSynchronizing:
		return c.driveSyncMessage(msg, send, update)
	default:
		return c.fail(send, update, handshake.ErrProtocol, "message not expected in this state")
	}
}

func (c *Client) driveAuthMessage(msg []byte, send Send, update Update) error {
	if len(msg) > 0 && msg[0] == pgproto.TagErrorResponse {
		return c.driveErrorResponse(msg, send, update)
	}
	am, err := pgproto.ParseAuthenticationMessage(msg)
	if err != nil {
		return c.fail(send, update, handshake.ErrProtocol, "malformed authentication message")
	}
	kind, err := am.Kind()
	if err != nil {
		return c.fail(send, update, handshake.ErrProtocol, "malformed authentication message")
	}

	switch kind {
	case pgproto.AuthOk:
		c.state = StateSynchronizing
		update.StateChanged(c.state)
		return nil
	case pgproto.AuthCleartextPassword:
		c.negotiatedAuth = auth.Plain
		update.Auth(auth.Plain)
		send.Send(pgproto.PasswordMessageBuilder{Password: c.params.Password}.Build())
		c.state = StateAuthenticating
		update.StateChanged(c.state)
		return nil
	case pgproto.AuthMD5Password:
		salt, err := am.MD5Salt()
		if err != nil {
			return c.fail(send, update, handshake.ErrProtocol, "missing md5 salt")
		}
		var s4 [4]byte
		copy(s4[:], salt)
		c.negotiatedAuth = auth.Md5
		update.Auth(auth.Md5)
		reply := auth.MD5ClientResponse(c.params.Password, c.params.User, s4)
		send.Send(pgproto.PasswordMessageBuilder{Password: reply}.Build())
		c.state = StateAuthenticating
		update.StateChanged(c.state)
		return nil
	case pgproto.AuthSASL:
		mechs, err := am.SASLMechanisms()
		if err != nil {
			return c.fail(send, update, handshake.ErrProtocol, "malformed SASL mechanism list")
		}
		if !containsString(mechs, "SCRAM-SHA-256") {
			return c.fail(send, update, handshake.ErrAuth, "no mechanism in common")
		}
		ex, err := auth.NewClientExchange()
		if err != nil {
			return c.fail(send, update, handshake.ErrAuth, "failed to start SCRAM exchange")
		}
		c.scram = ex
		c.negotiatedAuth = auth.ScramSha256
		update.Auth(auth.ScramSha256)
		send.Send(pgproto.SASLInitialResponseBuilder{
			Mechanism: "SCRAM-SHA-256",
			Data:      []byte(ex.ClientFirstMessage()),
		}.Build())
		c.state = StateAuthenticating
		update.StateChanged(c.state)
		return nil
	case pgproto.AuthSASLContinue:
		if c.scram == nil {
			return c.fail(send, update, handshake.ErrProtocol, "SASLContinue without exchange")
		}
		final, err := c.scram.HandleServerFirst(string(am.SASLData()), c.params.Password)
		if err != nil {
			return c.fail(send, update, handshake.ErrAuth, err.Error())
		}
		send.Send(pgproto.SASLResponseBuilder{Data: []byte(final)}.Build())
		return nil
	case pgproto.AuthSASLFinal:
		if c.scram == nil {
			return c.fail(send, update, handshake.ErrProtocol, "SASLFinal without exchange")
		}
		if err := c.scram.HandleServerFinal(string(am.SASLData())); err != nil {
			return c.fail(send, update, handshake.ErrAuth, err.Error())
		}
		return nil
	default:
		return c.fail(send, update, handshake.ErrProtocol, "unsupported authentication kind")
	}
}

func (c *Client) driveSyncMessage(msg []byte, send Send, update Update) error {
	if len(msg) == 0 {
		return c.fail(send, update, handshake.ErrProtocol, "empty message")
	}
	switch msg[0] {
	case pgproto.TagParameterStatus:
		ps, err := pgproto.ParseParameterStatusMessage(msg)
		if err != nil {
			return c.fail(send, update, handshake.ErrProtocol, "malformed ParameterStatus")
		}
		name, value, err := ps.NameValue()
		if err != nil {
			return c.fail(send, update, handshake.ErrProtocol, "malformed ParameterStatus")
		}
		update.Parameter(name, value)
		return nil
	case pgproto.TagBackendKeyData:
		bk, err := pgproto.ParseBackendKeyDataMessage(msg)
		if err != nil {
			return c.fail(send, update, handshake.ErrProtocol, "malformed BackendKeyData")
		}
		pid, err := bk.PID()
		if err != nil {
			return c.fail(send, update, handshake.ErrProtocol, "malformed BackendKeyData")
		}
		key, err := bk.CancelKey()
		if err != nil {
			return c.fail(send, update, handshake.ErrProtocol, "malformed BackendKeyData")
		}
		update.CancellationKey(pid, key)
		return nil
	case pgproto.TagReadyForQuery:
		if _, err := pgproto.ParseReadyForQueryMessage(msg); err != nil {
			return c.fail(send, update, handshake.ErrProtocol, "malformed ReadyForQuery")
		}
		c.state = StateReady
		update.StateChanged(c.state)
		return nil
	case pgproto.TagErrorResponse:
		return c.driveErrorResponse(msg, send, update)
	default:
		return c.fail(send, update, handshake.ErrProtocol, "message not expected while synchronizing")
	}
}

func (c *Client) driveErrorResponse(msg []byte, send Send, update Update) error {
	er, err := pgproto.ParseErrorResponseMessage(msg)
	if err != nil {
		return c.fail(send, update, handshake.ErrProtocol, "malformed ErrorResponse")
	}
	fields, err := er.Fields()
	if err != nil {
		return c.fail(send, update, handshake.ErrProtocol, "malformed ErrorResponse")
	}
	code := fields['C']
	message := fields['M']
	update.ServerError(code, message)
	c.state = StateError
	c.err = handshake.NewServerError(code, message)
	update.StateChanged(c.state)
	return c.err
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
