package stream

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/dbbouncer/edgewire/internal/wire/edgeproto"
	"github.com/dbbouncer/edgewire/internal/wire/pgproto"
)

func header(mlen, code uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], mlen)
	binary.BigEndian.PutUint32(buf[4:8], code)
	return buf
}

func sniffOver(t *testing.T, payload []byte, state ListenerState) (Classification, *RewindConn, error) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	go func() { client.Write(payload) }()
	return Sniff(server, state)
}

func TestSniffPostgresStartup(t *testing.T) {
	class, rw, err := sniffOver(t, header(20, 0x00030000), StateRaw)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if class != ClassPostgresStartup {
		t.Fatalf("class = %v, want ClassPostgresStartup", class)
	}
	if rw == nil {
		t.Fatalf("expected a non-nil RewindConn")
	}
}

func TestSniffPostgresSSLRequest(t *testing.T) {
	class, _, err := sniffOver(t, header(8, pgproto.SSLRequestCode), StateRaw)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if class != ClassPostgresSSLRequest {
		t.Fatalf("class = %v, want ClassPostgresSSLRequest", class)
	}
}

func TestSniffPostgresSSLRequestNotRecognizedOutsideRawState(t *testing.T) {
	class, _, err := sniffOver(t, header(8, pgproto.SSLRequestCode), StateSsl)
	if err == nil {
		t.Fatalf("expected ErrSniffFailed, got class=%v", class)
	}
	if class != ClassUnknown {
		t.Fatalf("class = %v, want ClassUnknown", class)
	}
}

func TestSniffGSSENCRequest(t *testing.T) {
	class, _, err := sniffOver(t, header(8, pgproto.GSSENCRequestCode), StateRaw)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if class != ClassPostgresGSSENCRequest {
		t.Fatalf("class = %v, want ClassPostgresGSSENCRequest", class)
	}
}

func TestSniffCancelRequest(t *testing.T) {
	class, _, err := sniffOver(t, header(16, pgproto.CancelRequestCode), StateRaw)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if class != ClassPostgresCancel {
		t.Fatalf("class = %v, want ClassPostgresCancel", class)
	}
}

func TestSniffSSLTLS(t *testing.T) {
	head := []byte{0x16, 0x03, 0x01, 0x00, 0x05, 0x01, 0x00, 0x00}
	class, _, err := sniffOver(t, head, StateRaw)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if class != ClassSSLTLS {
		t.Fatalf("class = %v, want ClassSSLTLS", class)
	}
}

func TestSniffSSLTLSNotRecognizedOutsideRawState(t *testing.T) {
	head := []byte{0x16, 0x03, 0x01, 0x00, 0x05, 0x01, 0x00, 0x00}
	class, _, err := sniffOver(t, head, StateSsl)
	if err == nil {
		t.Fatalf("expected ErrSniffFailed, got class=%v", class)
	}
	if class != ClassUnknown {
		t.Fatalf("class = %v, want ClassUnknown", class)
	}
}

func TestSniffEdgeDBBinary(t *testing.T) {
	head := []byte{edgeproto.TagClientHandshake, 0, 0, 0, 0, 0, 0, 11}
	for _, state := range []ListenerState{StateRaw, StateSsl, StateEncapsulated} {
		class, _, err := sniffOver(t, head, state)
		if err != nil {
			t.Fatalf("state=%v: Sniff: %v", state, err)
		}
		if class != ClassEdgeDBBinary {
			t.Fatalf("state=%v: class = %v, want ClassEdgeDBBinary", state, class)
		}
	}
}

func TestSniffEdgeDBBinaryNotRecognizedDuringPgSslUpgrade(t *testing.T) {
	head := []byte{edgeproto.TagClientHandshake, 0, 0, 0, 0, 0, 0, 11}
	class, _, err := sniffOver(t, head, StatePgSslUpgrade)
	if err == nil {
		t.Fatalf("expected ErrSniffFailed, got class=%v", class)
	}
	if class != ClassUnknown {
		t.Fatalf("class = %v, want ClassUnknown", class)
	}
}

func TestSniffHTTP2Preface(t *testing.T) {
	class, rw, err := sniffOver(t, http2Preface, StateRaw)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if class != ClassHTTP2 {
		t.Fatalf("class = %v, want ClassHTTP2", class)
	}
	got := make([]byte, len(http2Preface))
	if _, err := io.ReadFull(rw, got); err != nil {
		t.Fatalf("reading rewound preface: %v", err)
	}
	if string(got) != string(http2Preface) {
		t.Fatalf("rewound bytes = %q, want %q", got, http2Preface)
	}
}

func TestSniffHTTP1x(t *testing.T) {
	payload := []byte("GET /healthz HTTP/1.1\r\n\r\n")
	class, rw, err := sniffOver(t, payload, StateRaw)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if class != ClassHTTP1x {
		t.Fatalf("class = %v, want ClassHTTP1x", class)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(rw, got); err != nil {
		t.Fatalf("reading rewound request: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("rewound bytes = %q, want %q", got, payload)
	}
}

func TestSniffUnrecognizedPrefix(t *testing.T) {
	class, _, err := sniffOver(t, []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}, StateRaw)
	if err == nil {
		t.Fatalf("expected ErrSniffFailed")
	}
	if class != ClassUnknown {
		t.Fatalf("class = %v, want ClassUnknown", class)
	}
	if _, ok := err.(*ErrSniffFailed); !ok {
		t.Fatalf("err = %v, want *ErrSniffFailed", err)
	}
}

func TestRewindConnReplaysPrefixThenUnderlyingConn(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() { client.Write([]byte("tail")) }()

	rw := NewRewindConn(server, []byte("head-"))
	got := make([]byte, len("head-tail"))
	if _, err := io.ReadFull(rw, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(got) != "head-tail" {
		t.Fatalf("got = %q, want %q", got, "head-tail")
	}
}

func TestNegotiateALPNPrefersListenerOrder(t *testing.T) {
	proto, ok := NegotiateALPN([]string{"h2", "http/1.1"}, []string{"http/1.1", "h2"})
	if !ok || proto != "h2" {
		t.Fatalf("proto = %q, ok = %v, want h2/true", proto, ok)
	}
}

func TestNegotiateALPNNoOverlap(t *testing.T) {
	_, ok := NegotiateALPN([]string{"h2"}, []string{"http/1.1"})
	if ok {
		t.Fatalf("expected no match")
	}
}
