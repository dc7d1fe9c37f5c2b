package pgproto

import (
	"testing"

	"github.com/dbbouncer/edgewire/internal/wire/common"
)

// measurable is implemented by every *Builder type: Measure() must equal
// len(Build()) exactly (spec §8's round-trip length exactness).
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

func TestStartupMessageRoundTrip(t *testing.T) {
	b := StartupBuilder{Params: map[string]string{"user": "alice", "database": "postgres"}}
	buf := assertMeasureMatchesBuild(t, "StartupBuilder", b)

	msg, err := ParseStartupMessage(buf)
	if err != nil {
		t.Fatalf("ParseStartupMessage: %v", err)
	}
	params, err := msg.Params()
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if params["user"] != "alice" || params["database"] != "postgres" {
		t.Fatalf("Params = %v", params)
	}
}

func TestStartupMessageTruncatedIsTooShort(t *testing.T) {
	b := StartupBuilder{Params: map[string]string{"user": "alice"}}
	buf := b.Build()
	if _, err := ParseStartupMessage(buf[:len(buf)-3]); !common.IsTooShort(err) {
		t.Fatalf("ParseStartupMessage truncated: want TooShort, got %v", err)
	}
}

func TestSSLRequestBuilder(t *testing.T) {
	buf := assertMeasureMatchesBuild(t, "SSLRequestBuilder", SSLRequestBuilder{})
	code, mlen, err := InitialMessageCode(buf)
	if err != nil {
		t.Fatalf("InitialMessageCode: %v", err)
	}
	if code != SSLRequestCode || mlen != 8 {
		t.Fatalf("code=%x mlen=%d, want %x/8", code, mlen, SSLRequestCode)
	}
}

func TestCancelRequestBuilder(t *testing.T) {
	b := CancelRequestBuilder{BackendPID: 42, CancelKey: 1337}
	buf := assertMeasureMatchesBuild(t, "CancelRequestBuilder", b)
	code, mlen, err := InitialMessageCode(buf)
	if err != nil || code != CancelRequestCode || mlen != 16 {
		t.Fatalf("code=%x mlen=%d err=%v", code, mlen, err)
	}
	pid, err := common.Int32At(buf, 8)
	if err != nil || pid != 42 {
		t.Fatalf("pid = %d, %v", pid, err)
	}
}

func TestPasswordMessageRoundTrip(t *testing.T) {
	b := PasswordMessageBuilder{Password: "s3cret"}
	buf := assertMeasureMatchesBuild(t, "PasswordMessageBuilder", b)
	msg, err := ParsePasswordMessage(buf)
	if err != nil {
		t.Fatalf("ParsePasswordMessage: %v", err)
	}
	payload := msg.Payload()
	if string(payload) != "s3cret\x00" {
		t.Fatalf("Payload = %q", payload)
	}
}

func TestSASLInitialResponseRoundTrip(t *testing.T) {
	b := SASLInitialResponseBuilder{Mechanism: "SCRAM-SHA-256", Data: []byte("n,,n=,r=abc")}
	buf := assertMeasureMatchesBuild(t, "SASLInitialResponseBuilder", b)
	msg, err := ParsePasswordMessage(buf)
	if err != nil {
		t.Fatalf("ParsePasswordMessage: %v", err)
	}
	_ = msg // framing is shared with PasswordMessage; payload decode tested via the handshake.
}

func TestAuthenticationMessages(t *testing.T) {
	cases := []struct {
		name string
		b    measurable
		kind int32
	}{
		{"Ok", AuthenticationOkBuilder{}, AuthOk},
		{"Cleartext", AuthenticationCleartextPasswordBuilder{}, AuthCleartextPassword},
		{"MD5", AuthenticationMD5PasswordBuilder{Salt: [4]byte{1, 2, 3, 4}}, AuthMD5Password},
		{"SASL", AuthenticationSASLBuilder{Mechanisms: []string{"SCRAM-SHA-256"}}, AuthSASL},
		{"SASLContinue", AuthenticationSASLContinueBuilder{Data: []byte("r=abc")}, AuthSASLContinue},
		{"SASLFinal", AuthenticationSASLFinalBuilder{Data: []byte("v=xyz")}, AuthSASLFinal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := assertMeasureMatchesBuild(t, tc.name, tc.b)
			msg, err := ParseAuthenticationMessage(buf)
			if err != nil {
				t.Fatalf("ParseAuthenticationMessage: %v", err)
			}
			kind, err := msg.Kind()
			if err != nil || kind != tc.kind {
				t.Fatalf("Kind() = %d, %v, want %d", kind, err, tc.kind)
			}
		})
	}
}

func TestAuthenticationMD5Salt(t *testing.T) {
	b := AuthenticationMD5PasswordBuilder{Salt: [4]byte{0xAA, 0xBB, 0xCC, 0xDD}}
	buf := b.Build()
	msg, err := ParseAuthenticationMessage(buf)
	if err != nil {
		t.Fatalf("ParseAuthenticationMessage: %v", err)
	}
	salt, err := msg.MD5Salt()
	if err != nil {
		t.Fatalf("MD5Salt: %v", err)
	}
	if string(salt) != string([]byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Fatalf("MD5Salt = %v", salt)
	}
}

func TestAuthenticationSASLMechanisms(t *testing.T) {
	b := AuthenticationSASLBuilder{Mechanisms: []string{"SCRAM-SHA-256", "SCRAM-SHA-256-PLUS"}}
	buf := b.Build()
	msg, err := ParseAuthenticationMessage(buf)
	if err != nil {
		t.Fatalf("ParseAuthenticationMessage: %v", err)
	}
	mechs, err := msg.SASLMechanisms()
	if err != nil {
		t.Fatalf("SASLMechanisms: %v", err)
	}
	if len(mechs) != 2 || mechs[0] != "SCRAM-SHA-256" || mechs[1] != "SCRAM-SHA-256-PLUS" {
		t.Fatalf("SASLMechanisms = %v", mechs)
	}
}

func TestParameterStatusRoundTrip(t *testing.T) {
	b := ParameterStatusBuilder{Name: "server_version", Value: "16.1"}
	buf := assertMeasureMatchesBuild(t, "ParameterStatusBuilder", b)
	msg, err := ParseParameterStatusMessage(buf)
	if err != nil {
		t.Fatalf("ParseParameterStatusMessage: %v", err)
	}
	name, value, err := msg.NameValue()
	if err != nil || name != "server_version" || value != "16.1" {
		t.Fatalf("NameValue = %q, %q, %v", name, value, err)
	}
}

func TestBackendKeyDataRoundTrip(t *testing.T) {
	b := BackendKeyDataBuilder{PID: 1234, CancelKey: 5678}
	buf := assertMeasureMatchesBuild(t, "BackendKeyDataBuilder", b)
	msg, err := ParseBackendKeyDataMessage(buf)
	if err != nil {
		t.Fatalf("ParseBackendKeyDataMessage: %v", err)
	}
	pid, err := msg.PID()
	if err != nil || pid != 1234 {
		t.Fatalf("PID = %d, %v", pid, err)
	}
	key, err := msg.CancelKey()
	if err != nil || key != 5678 {
		t.Fatalf("CancelKey = %d, %v", key, err)
	}
}

func TestReadyForQueryRoundTrip(t *testing.T) {
	for _, state := range []byte{'I', 'T', 'E'} {
		b := ReadyForQueryBuilder{TransactionState: state}
		buf := assertMeasureMatchesBuild(t, "ReadyForQueryBuilder", b)
		msg, err := ParseReadyForQueryMessage(buf)
		if err != nil {
			t.Fatalf("ParseReadyForQueryMessage: %v", err)
		}
		got, err := msg.TransactionState()
		if err != nil || got != state {
			t.Fatalf("TransactionState = %c, %v, want %c", got, err, state)
		}
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	b := NewPGError("FATAL", "28P01", "password authentication failed")
	buf := assertMeasureMatchesBuild(t, "ErrorResponseBuilder", b)
	msg, err := ParseErrorResponseMessage(buf)
	if err != nil {
		t.Fatalf("ParseErrorResponseMessage: %v", err)
	}
	fields, err := msg.Fields()
	if err != nil {
		t.Fatalf("Fields: %v", err)
	}
	if fields['S'] != "FATAL" || fields['C'] != "28P01" || fields['M'] != "password authentication failed" {
		t.Fatalf("Fields = %v", fields)
	}
	state, err := msg.SQLState()
	if err != nil || state != "28P01" {
		t.Fatalf("SQLState = %q, %v", state, err)
	}
}

func TestQueryRoundTrip(t *testing.T) {
	b := QueryBuilder{Text: "select 1"}
	buf := assertMeasureMatchesBuild(t, "QueryBuilder", b)
	msg, err := ParseQueryMessage(buf)
	if err != nil {
		t.Fatalf("ParseQueryMessage: %v", err)
	}
	text, err := msg.Text()
	if err != nil || text != "select 1" {
		t.Fatalf("Text = %q, %v", text, err)
	}
}

func TestDataRowRoundTrip(t *testing.T) {
	b := DataRowBuilder{Values: []common.Encoded{
		common.EncodedValue([]byte("1")),
		common.EncodedNull(),
		common.EncodedValue([]byte("hello")),
	}}
	buf := assertMeasureMatchesBuild(t, "DataRowBuilder", b)
	msg, err := ParseDataRowMessage(buf)
	if err != nil {
		t.Fatalf("ParseDataRowMessage: %v", err)
	}
	values, err := msg.Values()
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("len(Values) = %d, want 3", len(values))
	}
	if values[0].Null || string(values[0].Value) != "1" {
		t.Fatalf("values[0] = %+v", values[0])
	}
	if !values[1].Null {
		t.Fatalf("values[1] should be NULL: %+v", values[1])
	}
	if values[2].Null || string(values[2].Value) != "hello" {
		t.Fatalf("values[2] = %+v", values[2])
	}
}

func TestCommandCompleteRoundTrip(t *testing.T) {
	b := CommandCompleteBuilder{Tag: "SELECT 1"}
	buf := assertMeasureMatchesBuild(t, "CommandCompleteBuilder", b)
	msg, err := ParseCommandCompleteMessage(buf)
	if err != nil {
		t.Fatalf("ParseCommandCompleteMessage: %v", err)
	}
	tag, err := msg.Tag()
	if err != nil || tag != "SELECT 1" {
		t.Fatalf("Tag = %q, %v", tag, err)
	}
}

func TestRowDescriptionRoundTrip(t *testing.T) {
	b := RowDescriptionBuilder{Fields: []RowField{
		{Name: "id", TableOID: 1, ColAttNum: 1, TypeOID: 23, TypeLen: 4, TypeMod: -1, FormatCode: 0},
	}}
	buf := assertMeasureMatchesBuild(t, "RowDescriptionBuilder", b)
	if buf[0] != TagRowDescription {
		t.Fatalf("tag = %c, want %c", buf[0], TagRowDescription)
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

func TestTaggedLengthOfBufTooShort(t *testing.T) {
	if _, err := TaggedLengthOfBuf([]byte{'Z', 0, 0}); !common.IsTooShort(err) {
		t.Fatalf("TaggedLengthOfBuf on 3 bytes: want TooShort, got %v", err)
	}
}

func TestTaggedLengthOfBufInvalidMlen(t *testing.T) {
	buf := []byte{'Z', 0, 0, 0, 2} // mlen=2, smaller than the mlen field itself
	if _, err := TaggedLengthOfBuf(buf); !common.IsInvalidData(err) {
		t.Fatalf("TaggedLengthOfBuf with mlen<4: want InvalidData, got %v", err)
	}
}

func TestInitialLengthOfBufTooShort(t *testing.T) {
	if _, err := InitialLengthOfBuf([]byte{0, 0}); !common.IsTooShort(err) {
		t.Fatalf("InitialLengthOfBuf on 2 bytes: want TooShort, got %v", err)
	}
}
