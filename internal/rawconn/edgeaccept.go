package rawconn

import (
	"context"
	"fmt"

	"github.com/dbbouncer/edgewire/internal/auth"
	"github.com/dbbouncer/edgewire/internal/handshake/edgeserver"
	"github.com/dbbouncer/edgewire/internal/stream"
	"github.com/dbbouncer/edgewire/internal/wire/edgeproto"
)

// EdgeDBCredentialLookup resolves the (user, database, branch) triple a
// client offered in its ClientHandshake to the credential the server
// should challenge it with; spec §4.B.3's "auth(user, database, branch)"
// callback.
type EdgeDBCredentialLookup func(user, database, branch string) auth.Credential

// EdgeDBServerParams configures AcceptEdgeDB. Unlike PostgreSQL's
// in-band SSLRequest, EdgeDB's TLS is established (or not) by the
// listener before the binary protocol starts (see DESIGN.md); AcceptEdgeDB
// therefore takes an already-constructed stream.Stream rather than a raw
// net.Conn and never calls SecureUpgrade itself.
type EdgeDBServerParams struct {
	Handshake  edgeserver.Params
	Parameters map[string]string
	KeyData    func() [32]byte
	Credential EdgeDBCredentialLookup
}

// EdgeServerConnectionParams is what the server side of an EdgeDB
// handshake learns once it reaches Ready.
type EdgeServerConnectionParams struct {
	User, Database, Branch string
	KeyData                [32]byte
}

// AcceptEdgeDB drives the server EdgeDB handshake over st to completion.
// st is not closed on error; the caller owns its lifetime throughout.
func AcceptEdgeDB(ctx context.Context, st *stream.Stream, p EdgeDBServerParams) (EdgeServerConnectionParams, error) {
	sm := edgeserver.New(p.Handshake)
	send := &edgeAcceptSend{stream: st}
	upd := &edgeAcceptUpdate{}

	drive := func(ev edgeserver.Event) error {
		if err := sm.Drive(ev, send, upd); err != nil {
			return err
		}
		if err := send.flush(); err != nil {
			return fmt.Errorf("rawconn: flushing handshake frame: %w", err)
		}
		return nil
	}

	scratch := make([]byte, scratchSize)
	buf := edgeproto.NewBuffer()

	readAndDriveOne := func() error {
		n, err := st.Read(scratch)
		if err != nil {
			return fmt.Errorf("rawconn: reading from stream: %w", err)
		}
		var driveErr error
		buf.PushFallible(scratch[:n], func(msg []byte, perr error) error {
			if perr != nil {
				driveErr = fmt.Errorf("rawconn: parse error: %w", perr)
				return driveErr
			}
			if err := drive(edgeserver.Event{Kind: edgeserver.EventMessage, Raw: msg}); err != nil {
				driveErr = err
				return err
			}
			return nil
		})
		return driveErr
	}

	// StateInitial absorbs ClientHandshake; an out-of-band version reply
	// leaves the machine in StateInitial awaiting a retry, per spec
	// §4.B.3's scenario 3, so loop until it actually advances.
	for sm.State() == edgeserver.StateInitial {
		if err := readAndDriveOne(); err != nil {
			return EdgeServerConnectionParams{}, err
		}
	}

	if sm.State() == edgeserver.StateAwaitingAuthInfo {
		var cred auth.Credential
		if p.Credential != nil {
			cred = p.Credential(upd.user, upd.database, upd.branch)
		} else {
			cred = auth.DenyCredential()
		}
		if err := drive(edgeserver.Event{Kind: edgeserver.EventAuthInfo, Credential: cred}); err != nil {
			return EdgeServerConnectionParams{}, err
		}
	}

	for sm.State() == edgeserver.StateAuthenticating {
		if err := readAndDriveOne(); err != nil {
			return EdgeServerConnectionParams{}, err
		}
	}

	if err := sm.Err(); err != nil {
		return EdgeServerConnectionParams{}, err
	}

	for name, value := range p.Parameters {
		if err := drive(edgeserver.Event{Kind: edgeserver.EventParameter, Name: name, Value: value}); err != nil {
			return EdgeServerConnectionParams{}, err
		}
	}

	var keyData [32]byte
	if p.KeyData != nil {
		keyData = p.KeyData()
	}
	if err := drive(edgeserver.Event{Kind: edgeserver.EventReady, KeyData: keyData}); err != nil {
		return EdgeServerConnectionParams{}, err
	}

	return EdgeServerConnectionParams{
		User:     upd.user,
		Database: upd.database,
		Branch:   upd.branch,
		KeyData:  keyData,
	}, nil
}

type edgeAcceptSend struct {
	stream *stream.Stream
	buf    []byte
}

func (s *edgeAcceptSend) Send(frame []byte) { s.buf = append(s.buf, frame...) }

func (s *edgeAcceptSend) flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	_, err := s.stream.Write(s.buf)
	s.buf = s.buf[:0]
	return err
}

type edgeAcceptUpdate struct {
	user, database, branch string
}

func (u *edgeAcceptUpdate) AuthRequested(user, database, branch string) {
	u.user, u.database, u.branch = user, database, branch
}

func (u *edgeAcceptUpdate) ServerError(code uint32, message string) {}

func (u *edgeAcceptUpdate) StateChanged(state edgeserver.State) {}
