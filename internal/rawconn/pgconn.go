// Package rawconn implements component D of the connectivity substrate:
// the glue that drives a handshake state machine (internal/handshake/...)
// against an upgradable stream (internal/stream) and a raw net.Conn, with
// no protocol logic of its own. It owns exactly the loop described in
// spec §4.D: buffer what the state machine emits, flush it, read bytes
// into a StructBuffer, and feed whole messages back in.
package rawconn

import (
	"context"
	"fmt"
	"net"

	"github.com/dbbouncer/edgewire/internal/auth"
	"github.com/dbbouncer/edgewire/internal/handshake"
	"github.com/dbbouncer/edgewire/internal/handshake/pgclient"
	"github.com/dbbouncer/edgewire/internal/stream"
	"github.com/dbbouncer/edgewire/internal/wire/common"
	"github.com/dbbouncer/edgewire/internal/wire/pgproto"
)

// PGParams bundles the client handshake configuration with the TLS client
// parameters needed if the handshake asks for an upgrade.
type PGParams struct {
	Handshake pgclient.Params
	TLS       *stream.ClientTLSParams
}

// ConnectionParams is spec §3's post-handshake data model: what the
// caller learns once a connection reaches Ready.
type ConnectionParams struct {
	SSLUsed         bool
	Params          map[string]string
	CancellationKey [2]int32
	NegotiatedAuth  auth.Type
}

const scratchSize = 16 << 10

// ConnectPG drives the client PostgreSQL handshake over raw to
// completion, returning the (possibly TLS-upgraded) stream and the
// negotiated connection parameters. raw is taken over entirely: on
// error the caller should close it; on success the returned *stream.Stream
// is the only handle that should be used from then on.
func ConnectPG(ctx context.Context, raw net.Conn, p PGParams) (*stream.Stream, ConnectionParams, error) {
	st := stream.NewClient(raw, p.TLS)
	sm := pgclient.New(p.Handshake)

	send := &pgSend{stream: st}
	upd := &pgUpdate{}

	drive := func(ev pgclient.Event) error {
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
			upd.sslUsed = true
			if err := sm.Drive(pgclient.Event{Kind: pgclient.EventSslReady}, send, upd); err != nil {
				return err
			}
			if err := send.flush(); err != nil {
				return fmt.Errorf("rawconn: flushing handshake frame: %w", err)
			}
		}
		return nil
	}

	if err := drive(pgclient.Event{Kind: pgclient.EventInitial}); err != nil {
		return nil, ConnectionParams{}, err
	}

	scratch := make([]byte, scratchSize)
	initialBuf := common.NewStructBuffer(pgproto.TaggedLengthOfBuf)

	for !sm.IsReady() {
		if sm.NeedsSSLResponseByte() {
			var b [1]byte
			if err := readFull(st, b[:]); err != nil {
				return nil, ConnectionParams{}, fmt.Errorf("rawconn: reading SSL response byte: %w", err)
			}
			if err := drive(pgclient.Event{Kind: pgclient.EventSslResponse, SslResponse: b[0]}); err != nil {
				return nil, ConnectionParams{}, err
			}
			continue
		}

		n, err := st.Read(scratch)
		if err != nil {
			return nil, ConnectionParams{}, fmt.Errorf("rawconn: reading from stream: %w", err)
		}

		var driveErr error
		initialBuf.PushFallible(scratch[:n], func(msg []byte, perr error) error {
			if perr != nil {
				driveErr = fmt.Errorf("rawconn: parse error: %w", perr)
				return driveErr
			}
			if err := drive(pgclient.Event{Kind: pgclient.EventMessage, Message: msg}); err != nil {
				driveErr = err
				return err
			}
			return nil
		})
		if driveErr != nil {
			return nil, ConnectionParams{}, driveErr
		}
	}

	if err := sm.Err(); err != nil {
		return nil, ConnectionParams{}, err
	}

	cp := ConnectionParams{
		SSLUsed:         upd.sslUsed,
		Params:          upd.params,
		CancellationKey: upd.cancelKey,
		NegotiatedAuth:  sm.NegotiatedAuth(),
	}
	return st, cp, nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

// pgSend implements pgclient.Send: buffer bytes to write, and remember
// whether the state machine asked for a TLS upgrade so the driving loop
// above can perform it after the buffered bytes are flushed.
type pgSend struct {
	stream           *stream.Stream
	buf              []byte
	upgradeRequested bool
}

func (s *pgSend) Send(frame []byte) { s.buf = append(s.buf, frame...) }
func (s *pgSend) Upgrade()          { s.upgradeRequested = true }

func (s *pgSend) flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	_, err := s.stream.Write(s.buf)
	s.buf = s.buf[:0]
	return err
}

// pgUpdate implements pgclient.Update: accumulate the observable facts
// the embedder cares about.
type pgUpdate struct {
	params    map[string]string
	cancelKey [2]int32
	sslUsed   bool
	lastErr   *handshake.Error
}

func (u *pgUpdate) Parameter(name, value string) {
	if u.params == nil {
		u.params = map[string]string{}
	}
	u.params[name] = value
}

func (u *pgUpdate) CancellationKey(pid, key int32) {
	u.cancelKey = [2]int32{pid, key}
}

func (u *pgUpdate) Auth(kind auth.Type) {}

func (u *pgUpdate) ServerError(code, message string) {
	u.lastErr = &handshake.Error{Kind: handshake.ErrServer, Code: code, Message: message}
}

func (u *pgUpdate) StateChanged(state pgclient.State) {}
