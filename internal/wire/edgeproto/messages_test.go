package edgeproto

import (
	"testing"

	"github.com/dbbouncer/edgewire/internal/wire/common"
)

type measurable interface {
	Measure() int
	Build() []byte
}

func assertMeasureMatchesBuild(t *testing.T, name string, b measurable) []byte {
	t.Helper()
	got := b.Build()
	if len(got) != b.Measure() {
		t.Fatalf("%s: len(Build())=%d, Measure()=%d", name, len(got), b.Measure())
	}
	return got
}

func TestClientHandshakeRoundTrip(t *testing.T) {
	b := ClientHandshakeBuilder{
		MajorVer: 2,
		MinorVer: 0,
		Params:   map[string]string{"user": "edgedb", "database": "main", "branch": "main"},
	}
	buf := assertMeasureMatchesBuild(t, "ClientHandshakeBuilder", b)

	msg, err := ParseClientHandshakeMessage(buf)
	if err != nil {
		t.Fatalf("ParseClientHandshakeMessage: %v", err)
	}
	major, err := msg.MajorVer()
	if err != nil || major != 2 {
		t.Fatalf("MajorVer = %d, %v", major, err)
	}
	minor, err := msg.MinorVer()
	if err != nil || minor != 0 {
		t.Fatalf("MinorVer = %d, %v", minor, err)
	}
	params, err := msg.Params()
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if params["user"] != "edgedb" || params["database"] != "main" || params["branch"] != "main" {
		t.Fatalf("Params = %v", params)
	}
}

func TestServerHandshakeRoundTrip(t *testing.T) {
	b := ServerHandshakeBuilder{MajorVer: 1, MinorVer: 0}
	buf := assertMeasureMatchesBuild(t, "ServerHandshakeBuilder", b)
	msg, err := ParseServerHandshakeMessage(buf)
	if err != nil {
		t.Fatalf("ParseServerHandshakeMessage: %v", err)
	}
	major, err := msg.MajorVer()
	if err != nil || major != 1 {
		t.Fatalf("MajorVer = %d, %v", major, err)
	}
	minor, err := msg.MinorVer()
	if err != nil || minor != 0 {
		t.Fatalf("MinorVer = %d, %v", minor, err)
	}
	if buf[0] != TagServerHandshake {
		t.Fatalf("tag = %c, want %c", buf[0], TagServerHandshake)
	}
}

func TestAuthenticationOkRoundTrip(t *testing.T) {
	buf := assertMeasureMatchesBuild(t, "AuthenticationOkBuilder", AuthenticationOkBuilder{})
	msg, err := ParseAuthenticationMessage(buf)
	if err != nil {
		t.Fatalf("ParseAuthenticationMessage: %v", err)
	}
	status, err := msg.Status()
	if err != nil || status != AuthStatusOk {
		t.Fatalf("Status = %d, %v", status, err)
	}
}

func TestAuthenticationRequiredSASLRoundTrip(t *testing.T) {
	b := AuthenticationRequiredSASLBuilder{Methods: []string{"SCRAM-SHA-256"}}
	buf := assertMeasureMatchesBuild(t, "AuthenticationRequiredSASLBuilder", b)
	msg, err := ParseAuthenticationMessage(buf)
	if err != nil {
		t.Fatalf("ParseAuthenticationMessage: %v", err)
	}
	status, err := msg.Status()
	if err != nil || status != AuthStatusRequiredSASL {
		t.Fatalf("Status = %d, %v", status, err)
	}
	methods, err := msg.SASLMethods()
	if err != nil || len(methods) != 1 || methods[0] != "SCRAM-SHA-256" {
		t.Fatalf("SASLMethods = %v, %v", methods, err)
	}
}

func TestAuthenticationSASLContinueAndFinal(t *testing.T) {
	cb := AuthenticationSASLContinueBuilder{Data: []byte("r=abc,s=xyz,i=4096")}
	buf := assertMeasureMatchesBuild(t, "AuthenticationSASLContinueBuilder", cb)
	msg, err := ParseAuthenticationMessage(buf)
	if err != nil {
		t.Fatalf("ParseAuthenticationMessage: %v", err)
	}
	status, err := msg.Status()
	if err != nil || status != AuthStatusSASLContinue {
		t.Fatalf("Status = %d, %v", status, err)
	}
	data, err := msg.SASLData()
	if err != nil || string(data) != "r=abc,s=xyz,i=4096" {
		t.Fatalf("SASLData = %q, %v", data, err)
	}

	fb := AuthenticationSASLFinalBuilder{Data: []byte("v=sig")}
	buf = assertMeasureMatchesBuild(t, "AuthenticationSASLFinalBuilder", fb)
	msg, err = ParseAuthenticationMessage(buf)
	if err != nil {
		t.Fatalf("ParseAuthenticationMessage final: %v", err)
	}
	status, err = msg.Status()
	if err != nil || status != AuthStatusSASLFinal {
		t.Fatalf("Status = %d, %v", status, err)
	}
}

func TestSASLInitialResponseRoundTrip(t *testing.T) {
	b := SASLInitialResponseBuilder{Method: "SCRAM-SHA-256", Data: []byte("n,,n=,r=abc")}
	buf := assertMeasureMatchesBuild(t, "SASLInitialResponseBuilder", b)
	msg, err := ParseSASLInitialResponseMessage(buf)
	if err != nil {
		t.Fatalf("ParseSASLInitialResponseMessage: %v", err)
	}
	method, _, err := msg.Method()
	if err != nil || method != "SCRAM-SHA-256" {
		t.Fatalf("Method = %q, %v", method, err)
	}
	data, err := msg.Data()
	if err != nil || string(data) != "n,,n=,r=abc" {
		t.Fatalf("Data = %q, %v", data, err)
	}
}

func TestSASLResponseRoundTrip(t *testing.T) {
	b := SASLResponseBuilder{Data: []byte("c=biws,r=abc,p=proof")}
	buf := assertMeasureMatchesBuild(t, "SASLResponseBuilder", b)
	msg, err := ParseSASLResponseMessage(buf)
	if err != nil {
		t.Fatalf("ParseSASLResponseMessage: %v", err)
	}
	data, err := msg.Data()
	if err != nil || string(data) != "c=biws,r=abc,p=proof" {
		t.Fatalf("Data = %q, %v", data, err)
	}
}

func TestParameterStatusRoundTrip(t *testing.T) {
	b := ParameterStatusBuilder{Name: []byte("pgvector"), Value: []byte("0.7.0")}
	buf := assertMeasureMatchesBuild(t, "ParameterStatusBuilder", b)
	msg, err := ParseParameterStatusMessage(buf)
	if err != nil {
		t.Fatalf("ParseParameterStatusMessage: %v", err)
	}
	name, value, err := msg.NameValue()
	if err != nil || string(name) != "pgvector" || string(value) != "0.7.0" {
		t.Fatalf("NameValue = %q, %q, %v", name, value, err)
	}
}

func TestServerKeyDataRoundTrip(t *testing.T) {
	var data [32]byte
	for i := range data {
		data[i] = byte(i)
	}
	b := ServerKeyDataBuilder{Data: data}
	buf := assertMeasureMatchesBuild(t, "ServerKeyDataBuilder", b)
	msg, err := ParseServerKeyDataMessage(buf)
	if err != nil {
		t.Fatalf("ParseServerKeyDataMessage: %v", err)
	}
	got, err := msg.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if len(got) != 32 {
		t.Fatalf("len(Data) = %d, want 32", len(got))
	}
	for i := range got {
		if got[i] != byte(i) {
			t.Fatalf("Data[%d] = %d, want %d", i, got[i], i)
		}
	}
}

func TestReadyForCommandRoundTrip(t *testing.T) {
	for _, state := range []byte{'I', 'T', 'E'} {
		b := ReadyForCommandBuilder{TransactionState: state}
		buf := assertMeasureMatchesBuild(t, "ReadyForCommandBuilder", b)
		msg, err := ParseReadyForCommandMessage(buf)
		if err != nil {
			t.Fatalf("ParseReadyForCommandMessage: %v", err)
		}
		got, err := msg.TransactionState()
		if err != nil || got != state {
			t.Fatalf("TransactionState = %c, %v, want %c", got, err, state)
		}
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	b := ErrorResponseBuilder{Severity: 120, ErrorCode: int32(ErrCodeAuthenticationError), Message: "bad creds"}
	buf := assertMeasureMatchesBuild(t, "ErrorResponseBuilder", b)
	msg, err := ParseErrorResponseMessage(buf)
	if err != nil {
		t.Fatalf("ParseErrorResponseMessage: %v", err)
	}
	sev, err := msg.Severity()
	if err != nil || sev != 120 {
		t.Fatalf("Severity = %d, %v", sev, err)
	}
	code, err := msg.ErrorCode()
	if err != nil || code != int32(ErrCodeAuthenticationError) {
		t.Fatalf("ErrorCode = %x, %v", code, err)
	}
	message, err := msg.Message()
	if err != nil || message != "bad creds" {
		t.Fatalf("Message = %q, %v", message, err)
	}
}

func TestSyncAndTerminateRoundTrip(t *testing.T) {
	buf := assertMeasureMatchesBuild(t, "SyncBuilder", SyncBuilder{})
	if _, err := ParseSyncMessage(buf); err != nil {
		t.Fatalf("ParseSyncMessage: %v", err)
	}
	buf = assertMeasureMatchesBuild(t, "TerminateBuilder", TerminateBuilder{})
	if _, err := ParseTerminateMessage(buf); err != nil {
		t.Fatalf("ParseTerminateMessage: %v", err)
	}
}

func TestExpectTagRejectsWrongTag(t *testing.T) {
	buf := SyncBuilder{}.Build()
	if _, err := ParseTerminateMessage(buf); !common.IsInvalidData(err) {
		t.Fatalf("ParseTerminateMessage on a Sync buffer: want InvalidData, got %v", err)
	}
}

func TestLengthOfBufTooShort(t *testing.T) {
	if _, err := LengthOfBuf([]byte{'Z', 0, 0}); !common.IsTooShort(err) {
		t.Fatalf("LengthOfBuf on 3 bytes: want TooShort, got %v", err)
	}
}

func TestLengthOfBufInvalidMlen(t *testing.T) {
	buf := []byte{'Z', 0, 0, 0, 1}
	if _, err := LengthOfBuf(buf); !common.IsInvalidData(err) {
		t.Fatalf("LengthOfBuf with mlen<4: want InvalidData, got %v", err)
	}
}

// TestStructBufferChunkedFeed exercises the NewBuffer()/StructBuffer
// integration end to end: Sync, CommandComplete, and a Data message fed
// byte by byte should invoke the visitor exactly three times, in order
// (spec §8 scenario 6).
func TestStructBufferChunkedFeed(t *testing.T) {
	sync := SyncBuilder{}.Build()
	cc := func() []byte {
		w := common.NewWriter(0)
		w.PutUint8(TagCommandComplete)
		w.PutUint32(0)
		w.PutRest([]byte("TAG"))
		w.PatchUint32At(1, uint32(w.Len()-1))
		return w.Bytes()
	}()
	data := func() []byte {
		w := common.NewWriter(0)
		w.PutUint8(TagData)
		w.PutUint32(0)
		w.PutRest([]byte("1"))
		w.PatchUint32At(1, uint32(w.Len()-1))
		return w.Bytes()
	}()

	var all []byte
	all = append(all, sync...)
	all = append(all, cc...)
	all = append(all, data...)

	buf := NewBuffer()
	var tags []byte
	for i := 0; i < len(all); i++ {
		buf.Push(all[i:i+1], func(msg []byte, err error) {
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tags = append(tags, msg[0])
		})
	}
	if len(tags) != 3 {
		t.Fatalf("invoked %d times, want 3", len(tags))
	}
	if tags[0] != TagSync || tags[1] != TagCommandComplete || tags[2] != TagData {
		t.Fatalf("tags = %v, want [%c %c %c]", tags, TagSync, TagCommandComplete, TagData)
	}
}
