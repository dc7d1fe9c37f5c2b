package stream

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/dbbouncer/edgewire/internal/wire/edgeproto"
	"github.com/dbbouncer/edgewire/internal/wire/pgproto"
)

// Classification is the sniffer's verdict for a freshly accepted socket,
// spec §4.C's `{PostgresInitial(...), SSLTLS, EdgeDBBinary, HTTP2,
// HTTP1x}` set, folded into one Go type with a sub-kind for the
// PostgreSQL initial-message family.
type Classification int

const (
	ClassUnknown Classification = iota
	ClassPostgresStartup
	ClassPostgresSSLRequest
	ClassPostgresGSSENCRequest
	ClassPostgresCancel
	ClassSSLTLS
	ClassEdgeDBBinary
	ClassHTTP2
	ClassHTTP1x
)

func (c Classification) String() string {
	switch c {
	case ClassPostgresStartup:
		return "postgres-startup"
	case ClassPostgresSSLRequest:
		return "postgres-sslrequest"
	case ClassPostgresGSSENCRequest:
		return "postgres-gssencrequest"
	case ClassPostgresCancel:
		return "postgres-cancel"
	case ClassSSLTLS:
		return "ssl-tls"
	case ClassEdgeDBBinary:
		return "edgedb-binary"
	case ClassHTTP2:
		return "http2"
	case ClassHTTP1x:
		return "http1x"
	default:
		return "unknown"
	}
}

// ListenerState is the sniffer's notion of where in the multiplexing
// pipeline a connection currently sits: a freshly accepted raw socket, a
// socket already inside a TLS session, one that has just completed a
// PostgreSQL in-band SSL upgrade, or one running inside another
// encapsulating layer.
type ListenerState int

const (
	StateRaw ListenerState = iota
	StateSsl
	StatePgSslUpgrade
	StateEncapsulated
)

// ErrSniffFailed is returned when the peeked bytes match none of the
// configured classifications. GoawayPayload, if non-nil, is a
// protocol-appropriate rejection the caller may write back before
// closing (an HTTP/2 GOAWAY frame body, for instance).
type ErrSniffFailed struct {
	GoawayPayload []byte
}

func (e *ErrSniffFailed) Error() string { return "stream: unrecognized protocol prefix" }

var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM")

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST"), []byte("PUT "), []byte("HEAD"),
	[]byte("DELE"), []byte("OPTI"), []byte("PATC"), []byte("CONN"),
	[]byte("TRAC"),
}

// Sniff peeks up to 8 bytes from conn (5 if the first 4 look like an
// HTTP method, per spec §4.C) and classifies the connection without
// consuming bytes the next layer still needs: it returns a *RewindConn
// that replays everything peeked.
func Sniff(conn net.Conn, state ListenerState) (Classification, *RewindConn, error) {
	head := make([]byte, 0, 8)
	buf4 := make([]byte, 4)
	if _, err := readFull(conn, buf4); err != nil {
		return ClassUnknown, nil, fmt.Errorf("stream: sniff read: %w", err)
	}
	head = append(head, buf4...)

	if looksLikeHTTPMethod(buf4) {
		rest := make([]byte, 1)
		if _, err := readFull(conn, rest); err != nil {
			return ClassUnknown, nil, fmt.Errorf("stream: sniff read: %w", err)
		}
		head = append(head, rest...)
		return ClassHTTP1x, NewRewindConn(conn, head), nil
	}

	more := make([]byte, 4)
	if _, err := readFull(conn, more); err != nil {
		return ClassUnknown, nil, fmt.Errorf("stream: sniff read: %w", err)
	}
	head = append(head, more...)

	class, err := classify(head, state)
	rw := NewRewindConn(conn, head)
	return class, rw, err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func looksLikeHTTPMethod(first4 []byte) bool {
	for _, m := range httpMethods {
		if len(m) <= 4 && string(first4[:len(m)]) == string(m) {
			return true
		}
	}
	return false
}

func classify(head []byte, state ListenerState) (Classification, error) {
	if len(head) < 8 {
		return ClassUnknown, &ErrSniffFailed{}
	}

	// The first 8 bytes of the preface are sufficient to commit to
	// HTTP/2 without reading the rest; everything peeked is rewound for
	// the next layer to consume.
	if string(head[:8]) == string(http2Preface[:8]) {
		return ClassHTTP2, nil
	}

	if state == StateRaw || state == StateSsl || state == StateEncapsulated {
		// "V \0\0\0 _ _ _ _": mtype='V', top 3 bytes of the mlen field
		// are zero (a ClientHandshake is always small), the rest wild.
		if head[0] == edgeproto.TagClientHandshake && head[1] == 0 && head[2] == 0 && head[3] == 0 {
			return ClassEdgeDBBinary, nil
		}
	}

	mlen := binary.BigEndian.Uint32(head[0:4])
	code := binary.BigEndian.Uint32(head[4:8])
	switch {
	case code == pgproto.SSLRequestCode && mlen == 8 && state == StateRaw:
		return ClassPostgresSSLRequest, nil
	case code == pgproto.GSSENCRequestCode && mlen == 8:
		return ClassPostgresGSSENCRequest, nil
	case code == pgproto.CancelRequestCode && mlen == 16:
		return ClassPostgresCancel, nil
	case code == 0x00030000 && mlen >= 13:
		return ClassPostgresStartup, nil
	}

	if head[0] == 0x16 && head[1] == 0x03 && head[5] == 0x01 && state == StateRaw {
		return ClassSSLTLS, nil
	}

	return ClassUnknown, &ErrSniffFailed{}
}
