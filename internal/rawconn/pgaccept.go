package rawconn

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/dbbouncer/edgewire/internal/auth"
	"github.com/dbbouncer/edgewire/internal/handshake/pgserver"
	"github.com/dbbouncer/edgewire/internal/stream"
	"github.com/dbbouncer/edgewire/internal/wire/pgproto"
)

// PGCredentialLookup resolves the (user, database) pair a client offered
// in its StartupMessage to the credential the server should challenge it
// with; spec §4.B.2's "auth(user, database)" callback.
type PGCredentialLookup func(user, database string) auth.Credential

// PGServerParams configures AcceptPG: whether SSL is negotiable, the TLS
// material to offer if the client upgrades, the parameters to emit once
// authenticated, and how to mint a cancellation key.
type PGServerParams struct {
	Handshake       pgserver.Params
	TLS             stream.ServerParameterProvider
	Parameters      map[string]string
	CancellationKey func() (pid, key int32)
	Credential      PGCredentialLookup
}

// ServerConnectionParams is what the server side of a handshake learns
// once it reaches Ready: the negotiated identity plus whether SSL was
// used, mirroring spec §3's client-side ConnectionParams.
type ServerConnectionParams struct {
	SSLUsed         bool
	User            string
	Database        string
	CancellationKey [2]int32
}

const maxInitialMessageSize = 1 << 16

// AcceptPG drives the server PostgreSQL handshake over raw to completion:
// it owns raw entirely, wrapping it in an upgradable stream.Stream that
// may transition to TLS in-band exactly as spec §4.C describes, and
// returns the (possibly upgraded) stream plus the negotiated identity.
// On error the caller should close raw itself; rawconn never closes a
// connection it didn't succeed in handing back.
func AcceptPG(ctx context.Context, raw net.Conn, p PGServerParams) (*stream.Stream, ServerConnectionParams, error) {
	st := stream.NewServer(raw, p.TLS)
	sm := pgserver.New(p.Handshake)

	send := &pgAcceptSend{stream: st}
	upd := &pgAcceptUpdate{}

	drive := func(ev pgserver.Event) error {
		if err := sm.Drive(ev, send, upd); err != nil {
			return err
		}
		if err := send.flush(); err != nil {
			return fmt.Errorf("rawconn: flushing handshake frame: %w", err)
		}
		if send.upgradeRequested {
			send.upgradeRequested = false
			if err := st.SecureUpgrade(ctx); err != nil {
				return fmt.Errorf("rawconn: tls upgrade: %w", err)
			}
			if err := sm.Drive(pgserver.Event{Kind: pgserver.EventSslReady}, send, upd); err != nil {
				return err
			}
			if err := send.flush(); err != nil {
				return fmt.Errorf("rawconn: flushing handshake frame: %w", err)
			}
		}
		return nil
	}

	for sm.State() == pgserver.StateInitial {
		msg, err := readInitialMessage(st)
		if err != nil {
			return nil, ServerConnectionParams{}, fmt.Errorf("rawconn: reading initial message: %w", err)
		}
		if err := drive(pgserver.Event{Kind: pgserver.EventInitialMessage, Raw: msg}); err != nil {
			return nil, ServerConnectionParams{}, err
		}
	}

	if sm.State() == pgserver.StateAwaitingAuthInfo {
		var cred auth.Credential
		if p.Credential != nil {
			cred = p.Credential(sm.User(), sm.Database())
		} else {
			cred = auth.DenyCredential()
		}
		if err := drive(pgserver.Event{Kind: pgserver.EventAuthInfo, Credential: cred}); err != nil {
			return nil, ServerConnectionParams{}, err
		}
	}

	scratch := make([]byte, scratchSize)
	tagged := pgproto.NewTaggedBuffer()
	for sm.State() == pgserver.StateAuthenticating {
		n, err := st.Read(scratch)
		if err != nil {
			return nil, ServerConnectionParams{}, fmt.Errorf("rawconn: reading from stream: %w", err)
		}
		var driveErr error
		tagged.PushFallible(scratch[:n], func(msg []byte, perr error) error {
			if perr != nil {
				driveErr = fmt.Errorf("rawconn: parse error: %w", perr)
				return driveErr
			}
			if err := drive(pgserver.Event{Kind: pgserver.EventMessage, Raw: msg}); err != nil {
				driveErr = err
				return err
			}
			return nil
		})
		if driveErr != nil {
			return nil, ServerConnectionParams{}, driveErr
		}
	}

	if err := sm.Err(); err != nil {
		return nil, ServerConnectionParams{}, err
	}

	for name, value := range p.Parameters {
		if err := drive(pgserver.Event{Kind: pgserver.EventParameter, Name: name, Value: value}); err != nil {
			return nil, ServerConnectionParams{}, err
		}
	}

	var pid, key int32
	if p.CancellationKey != nil {
		pid, key = p.CancellationKey()
	}
	if err := drive(pgserver.Event{Kind: pgserver.EventReady, PID: pid, CancelKey: key}); err != nil {
		return nil, ServerConnectionParams{}, err
	}

	cp := ServerConnectionParams{
		SSLUsed:         st.IsUpgraded(),
		User:            sm.User(),
		Database:        sm.Database(),
		CancellationKey: [2]int32{pid, key},
	}
	return st, cp, nil
}

// readInitialMessage reads one untagged PostgreSQL initial message
// (StartupMessage, SSLRequest, GSSENCRequest, or CancelRequest): the
// length field at offset 0 is total, so four bytes are enough to know
// how much more to read.
func readInitialMessage(r interface{ Read([]byte) (int, error) }) ([]byte, error) {
	hdr := make([]byte, 4)
	if err := readFull(r, hdr); err != nil {
		return nil, err
	}
	mlen := binary.BigEndian.Uint32(hdr)
	if mlen < 8 || mlen > maxInitialMessageSize {
		return nil, fmt.Errorf("rawconn: invalid initial message length %d", mlen)
	}
	buf := make([]byte, mlen)
	copy(buf, hdr)
	if err := readFull(r, buf[4:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// pgAcceptSend implements pgserver.Send: buffer bytes to write, remember
// an SSLResponse byte alongside the rest of the buffered frame, and flag
// a requested upgrade for the driving loop above.
type pgAcceptSend struct {
	stream           *stream.Stream
	buf              []byte
	upgradeRequested bool
}

func (s *pgAcceptSend) Send(frame []byte) { s.buf = append(s.buf, frame...) }

func (s *pgAcceptSend) SendSSLResponse(accept bool) {
	if accept {
		s.buf = append(s.buf, 'S')
	} else {
		s.buf = append(s.buf, 'N')
	}
}

func (s *pgAcceptSend) Upgrade() { s.upgradeRequested = true }

func (s *pgAcceptSend) flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	_, err := s.stream.Write(s.buf)
	s.buf = s.buf[:0]
	return err
}

// pgAcceptUpdate implements pgserver.Update. sm.User()/sm.Database()
// already expose the identity the caller needs, so this is a thin sink.
type pgAcceptUpdate struct {
	lastErrCode, lastErrMessage string
}

func (u *pgAcceptUpdate) AuthRequested(user, database string) {}

func (u *pgAcceptUpdate) ServerError(code, message string) {
	u.lastErrCode, u.lastErrMessage = code, message
}

func (u *pgAcceptUpdate) StateChanged(state pgserver.State) {}
