package stream

import "net"

// RewindConn wraps a net.Conn and replays a prefix of already-consumed
// bytes before resuming reads from the underlying connection. The
// sniffer uses this to hand a peeked-but-not-yet-classified prefix back
// to the next layer (spec §4.C: "feed the peeked bytes back into the
// stream for the next layer").
type RewindConn struct {
	net.Conn
	prefix []byte
}

// NewRewindConn returns a conn that first replays prefix, then reads from
// conn as normal.
func NewRewindConn(conn net.Conn, prefix []byte) *RewindConn {
	return &RewindConn{Conn: conn, prefix: prefix}
}

func (r *RewindConn) Read(p []byte) (int, error) {
	if len(r.prefix) > 0 {
		n := copy(p, r.prefix)
		r.prefix = r.prefix[n:]
		return n, nil
	}
	return r.Conn.Read(p)
}
