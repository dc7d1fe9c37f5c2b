package pgproto

import (
	"github.com/dbbouncer/edgewire/internal/wire/common"
)

// ---- Initial (untagged) messages ----

// StartupMessage is the first message a client sends once SSL negotiation
// (if any) is settled: protocol version followed by a list of
// null-terminated key/value pairs, terminated by an empty key.
type StartupMessage struct {
	buf []byte
}

func ParseStartupMessage(buf []byte) (StartupMessage, error) {
	total, err := InitialLengthOfBuf(buf)
	if err != nil {
		return StartupMessage{}, err
	}
	if total > len(buf) {
		return StartupMessage{}, common.NewTooShort("startup message body")
	}
	version, err := common.Uint32At(buf, 4)
	if err != nil {
		return StartupMessage{}, err
	}
	if version != protoVersion3 {
		return StartupMessage{}, common.NewInvalidData("unsupported protocol version")
	}
	return StartupMessage{buf: buf[:total]}, nil
}

func (m StartupMessage) Len() int { return len(m.buf) }

// Params decodes the null-terminated key/value list. It allocates (the
// terminated-list shape requires assembling a map); the keys/values
// themselves are copied out of the zero-copy CString slices since the
// caller typically needs to retain them past the lifetime of the read
// buffer.
func (m StartupMessage) Params() (map[string]string, error) {
	out := map[string]string{}
	off := 8
	for {
		key, n, err := common.CStringAt(m.buf, off)
		if err != nil {
			return nil, err
		}
		off += n
		if len(key) == 0 {
			return out, nil
		}
		val, n, err := common.CStringAt(m.buf, off)
		if err != nil {
			return nil, err
		}
		off += n
		out[string(key)] = string(val)
	}
}

type StartupBuilder struct {
	Params map[string]string
}

func (b StartupBuilder) Measure() int {
	n := 8
	for k, v := range b.Params {
		n += len(k) + 1 + len(v) + 1
	}
	return n + 1
}

func (b StartupBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint32(0) // placeholder mlen
	w.PutUint32(protoVersion3)
	for k, v := range b.Params {
		w.PutCString(k)
		w.PutCString(v)
	}
	w.PutUint8(0)
	w.PatchUint32At(0, uint32(w.Len()))
	return w.Bytes()
}

// SSLRequestBuilder / GSSENCRequestBuilder / CancelRequestBuilder are the
// three other fixed-shape initial messages: mlen(8 or 16) | code | [pid |
// key for cancellation].

type SSLRequestBuilder struct{}

func (SSLRequestBuilder) Measure() int { return 8 }
func (SSLRequestBuilder) Build() []byte {
	w := common.NewWriter(8)
	w.PutUint32(8)
	w.PutUint32(SSLRequestCode)
	return w.Bytes()
}

type GSSENCRequestBuilder struct{}

func (GSSENCRequestBuilder) Measure() int { return 8 }
func (GSSENCRequestBuilder) Build() []byte {
	w := common.NewWriter(8)
	w.PutUint32(8)
	w.PutUint32(GSSENCRequestCode)
	return w.Bytes()
}

type CancelRequestBuilder struct {
	BackendPID int32
	CancelKey  int32
}

func (CancelRequestBuilder) Measure() int { return 16 }
func (b CancelRequestBuilder) Build() []byte {
	w := common.NewWriter(16)
	w.PutUint32(16)
	w.PutUint32(CancelRequestCode)
	w.PutInt32(b.BackendPID)
	w.PutInt32(b.CancelKey)
	return w.Bytes()
}

// InitialMessageCode reads the length and the code of an untagged initial
// message, so the server handshake can tell SSLRequest, GSSENCRequest and
// CancelRequest apart from StartupMessage.
func InitialMessageCode(buf []byte) (code uint32, mlen uint32, err error) {
	mlen, err = common.Uint32At(buf, 0)
	if err != nil {
		return 0, 0, err
	}
	code, err = common.Uint32At(buf, 4)
	if err != nil {
		return 0, 0, err
	}
	return code, mlen, nil
}

// ---- Password-family client messages (all tag 'p') ----

type PasswordMessage struct{ buf []byte }

func ParsePasswordMessage(buf []byte) (PasswordMessage, error) {
	total, err := expectTag(buf, TagPassword)
	if err != nil {
		return PasswordMessage{}, err
	}
	return PasswordMessage{buf: buf[:total]}, nil
}

// Payload returns the bytes after mtype+mlen, zero-copy. For a cleartext
// or MD5 reply this is a CString; for SASLInitialResponse/SASLResponse
// the caller reparses it per the SASL framing below.
func (m PasswordMessage) Payload() []byte { return common.RestAt(m.buf, 5) }

// PasswordMessageBuilder sends a raw CString payload (cleartext or MD5 hex
// reply).
type PasswordMessageBuilder struct{ Password string }

func (b PasswordMessageBuilder) Measure() int { return 5 + len(b.Password) + 1 }
func (b PasswordMessageBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagPassword)
	w.PutUint32(0)
	w.PutCString(b.Password)
	patchMlen(w)
	return w.Bytes()
}

// SASLInitialResponseBuilder: method name (CString) + length-prefixed
// mechanism data.
type SASLInitialResponseBuilder struct {
	Mechanism string
	Data      []byte
}

func (b SASLInitialResponseBuilder) Measure() int {
	return 5 + len(b.Mechanism) + 1 + 4 + len(b.Data)
}

func (b SASLInitialResponseBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagPassword)
	w.PutUint32(0)
	w.PutCString(b.Mechanism)
	w.PutInt32(int32(len(b.Data)))
	w.PutRest(b.Data)
	patchMlen(w)
	return w.Bytes()
}

type SASLResponseBuilder struct{ Data []byte }

func (b SASLResponseBuilder) Measure() int { return 5 + len(b.Data) }
func (b SASLResponseBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagPassword)
	w.PutUint32(0)
	w.PutRest(b.Data)
	patchMlen(w)
	return w.Bytes()
}

// ---- Authentication (server -> client), all tag 'R' ----

const (
	AuthOk                = 0
	AuthCleartextPassword = 3
	AuthMD5Password       = 5
	AuthSASL              = 10
	AuthSASLContinue      = 11
	AuthSASLFinal         = 12
)

type AuthenticationMessage struct{ buf []byte }

func ParseAuthenticationMessage(buf []byte) (AuthenticationMessage, error) {
	total, err := expectTag(buf, TagAuthentication)
	if err != nil {
		return AuthenticationMessage{}, err
	}
	if total < 9 {
		return AuthenticationMessage{}, common.NewInvalidData("authentication message too short")
	}
	return AuthenticationMessage{buf: buf[:total]}, nil
}

func (m AuthenticationMessage) Kind() (int32, error) { return common.Int32At(m.buf, 5) }

// MD5Salt returns the 4-byte salt of an AuthenticationMD5Password message.
func (m AuthenticationMessage) MD5Salt() ([]byte, error) {
	return common.FixedBytesAt(m.buf, 9, 4)
}

// SASLMechanisms decodes the CString list of an AuthenticationSASL
// message, terminated by an empty CString.
func (m AuthenticationMessage) SASLMechanisms() ([]string, error) {
	var out []string
	off := 9
	for {
		v, n, err := common.CStringAt(m.buf, off)
		if err != nil {
			return nil, err
		}
		off += n
		if len(v) == 0 {
			return out, nil
		}
		out = append(out, string(v))
	}
}

// SASLData returns the raw challenge/verifier bytes of a SASLContinue or
// SASLFinal message (the remainder of the message, zero-copy).
func (m AuthenticationMessage) SASLData() []byte { return common.RestAt(m.buf, 9) }

type AuthenticationOkBuilder struct{}

func (AuthenticationOkBuilder) Measure() int { return 9 }
func (AuthenticationOkBuilder) Build() []byte {
	return buildAuthFixed(AuthOk, nil)
}

type AuthenticationCleartextPasswordBuilder struct{}

func (AuthenticationCleartextPasswordBuilder) Measure() int { return 9 }
func (AuthenticationCleartextPasswordBuilder) Build() []byte {
	return buildAuthFixed(AuthCleartextPassword, nil)
}

type AuthenticationMD5PasswordBuilder struct{ Salt [4]byte }

func (AuthenticationMD5PasswordBuilder) Measure() int { return 13 }
func (b AuthenticationMD5PasswordBuilder) Build() []byte {
	return buildAuthFixed(AuthMD5Password, b.Salt[:])
}

type AuthenticationSASLBuilder struct{ Mechanisms []string }

func (b AuthenticationSASLBuilder) Measure() int {
	n := 9
	for _, m := range b.Mechanisms {
		n += len(m) + 1
	}
	return n + 1
}

func (b AuthenticationSASLBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagAuthentication)
	w.PutUint32(0)
	w.PutInt32(AuthSASL)
	for _, m := range b.Mechanisms {
		w.PutCString(m)
	}
	w.PutUint8(0)
	patchMlen(w)
	return w.Bytes()
}

type AuthenticationSASLContinueBuilder struct{ Data []byte }

func (b AuthenticationSASLContinueBuilder) Measure() int { return 9 + len(b.Data) }
func (b AuthenticationSASLContinueBuilder) Build() []byte {
	return buildAuthFixed(AuthSASLContinue, b.Data)
}

type AuthenticationSASLFinalBuilder struct{ Data []byte }

func (b AuthenticationSASLFinalBuilder) Measure() int { return 9 + len(b.Data) }
func (b AuthenticationSASLFinalBuilder) Build() []byte {
	return buildAuthFixed(AuthSASLFinal, b.Data)
}

func buildAuthFixed(kind int32, data []byte) []byte {
	w := common.NewWriter(9 + len(data))
	w.PutUint8(TagAuthentication)
	w.PutUint32(0)
	w.PutInt32(kind)
	w.PutRest(data)
	patchMlen(w)
	return w.Bytes()
}

// ---- Synchronizing-phase messages ----

type ParameterStatusMessage struct{ buf []byte }

func ParseParameterStatusMessage(buf []byte) (ParameterStatusMessage, error) {
	total, err := expectTag(buf, TagParameterStatus)
	if err != nil {
		return ParameterStatusMessage{}, err
	}
	return ParameterStatusMessage{buf: buf[:total]}, nil
}

func (m ParameterStatusMessage) NameValue() (name, value string, err error) {
	n, nc, err := common.CStringAt(m.buf, 5)
	if err != nil {
		return "", "", err
	}
	v, _, err := common.CStringAt(m.buf, 5+nc)
	if err != nil {
		return "", "", err
	}
	return string(n), string(v), nil
}

type ParameterStatusBuilder struct{ Name, Value string }

func (b ParameterStatusBuilder) Measure() int { return 5 + len(b.Name) + 1 + len(b.Value) + 1 }
func (b ParameterStatusBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagParameterStatus)
	w.PutUint32(0)
	w.PutCString(b.Name)
	w.PutCString(b.Value)
	patchMlen(w)
	return w.Bytes()
}

type BackendKeyDataMessage struct{ buf []byte }

func ParseBackendKeyDataMessage(buf []byte) (BackendKeyDataMessage, error) {
	total, err := expectTag(buf, TagBackendKeyData)
	if err != nil {
		return BackendKeyDataMessage{}, err
	}
	return BackendKeyDataMessage{buf: buf[:total]}, nil
}

func (m BackendKeyDataMessage) PID() (int32, error)       { return common.Int32At(m.buf, 5) }
func (m BackendKeyDataMessage) CancelKey() (int32, error) { return common.Int32At(m.buf, 9) }

type BackendKeyDataBuilder struct{ PID, CancelKey int32 }

func (BackendKeyDataBuilder) Measure() int { return 13 }
func (b BackendKeyDataBuilder) Build() []byte {
	w := common.NewWriter(13)
	w.PutUint8(TagBackendKeyData)
	w.PutUint32(0)
	w.PutInt32(b.PID)
	w.PutInt32(b.CancelKey)
	patchMlen(w)
	return w.Bytes()
}

type ReadyForQueryMessage struct{ buf []byte }

func ParseReadyForQueryMessage(buf []byte) (ReadyForQueryMessage, error) {
	total, err := expectTag(buf, TagReadyForQuery)
	if err != nil {
		return ReadyForQueryMessage{}, err
	}
	return ReadyForQueryMessage{buf: buf[:total]}, nil
}

func (m ReadyForQueryMessage) TransactionState() (byte, error) {
	v, err := common.Uint8At(m.buf, 5)
	return v, err
}

type ReadyForQueryBuilder struct{ TransactionState byte }

func (ReadyForQueryBuilder) Measure() int { return 6 }
func (b ReadyForQueryBuilder) Build() []byte {
	w := common.NewWriter(6)
	w.PutUint8(TagReadyForQuery)
	w.PutUint32(0)
	w.PutUint8(b.TransactionState)
	patchMlen(w)
	return w.Bytes()
}

// ErrorResponse/NoticeResponse share the same field repertoire: a run of
// (code byte, CString value) pairs terminated by a zero byte.

type ErrorResponseMessage struct{ buf []byte }

func ParseErrorResponseMessage(buf []byte) (ErrorResponseMessage, error) {
	total, err := expectTag(buf, TagErrorResponse)
	if err != nil {
		return ErrorResponseMessage{}, err
	}
	return ErrorResponseMessage{buf: buf[:total]}, nil
}

// Fields decodes the field list into a map keyed by the single-byte field
// code ('S' severity, 'C' sqlstate code, 'M' message, …).
func (m ErrorResponseMessage) Fields() (map[byte]string, error) {
	out := map[byte]string{}
	off := 5
	for {
		code, err := common.Uint8At(m.buf, off)
		if err != nil {
			return nil, err
		}
		off++
		if code == 0 {
			return out, nil
		}
		v, n, err := common.CStringAt(m.buf, off)
		if err != nil {
			return nil, err
		}
		off += n
		out[code] = string(v)
	}
}

// SQLState is a convenience accessor for the 'C' field.
func (m ErrorResponseMessage) SQLState() (string, error) {
	fields, err := m.Fields()
	if err != nil {
		return "", err
	}
	return fields['C'], nil
}

type ErrorResponseBuilder struct{ Fields map[byte]string }

func (b ErrorResponseBuilder) Measure() int {
	n := 6
	for _, v := range b.Fields {
		n += 1 + len(v) + 1
	}
	return n
}

func (b ErrorResponseBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagErrorResponse)
	w.PutUint32(0)
	for code, v := range b.Fields {
		w.PutUint8(code)
		w.PutCString(v)
	}
	w.PutUint8(0)
	patchMlen(w)
	return w.Bytes()
}

// NewPGError builds a canonical 3-field ErrorResponse (severity, sqlstate,
// message), the shape the handshake state machines use for auth failures.
func NewPGError(severity, code, message string) ErrorResponseBuilder {
	return ErrorResponseBuilder{Fields: map[byte]string{
		'S': severity,
		'C': code,
		'M': message,
	}}
}

// ---- Simple / post-auth messages ----

type QueryMessage struct{ buf []byte }

func ParseQueryMessage(buf []byte) (QueryMessage, error) {
	total, err := expectTag(buf, TagQuery)
	if err != nil {
		return QueryMessage{}, err
	}
	return QueryMessage{buf: buf[:total]}, nil
}

func (m QueryMessage) Text() (string, error) {
	v, _, err := common.CStringAt(m.buf, 5)
	return string(v), err
}

type QueryBuilder struct{ Text string }

func (b QueryBuilder) Measure() int { return 5 + len(b.Text) + 1 }
func (b QueryBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagQuery)
	w.PutUint32(0)
	w.PutCString(b.Text)
	patchMlen(w)
	return w.Bytes()
}

type CommandCompleteMessage struct{ buf []byte }

func ParseCommandCompleteMessage(buf []byte) (CommandCompleteMessage, error) {
	total, err := expectTag(buf, TagCommandComplete)
	if err != nil {
		return CommandCompleteMessage{}, err
	}
	return CommandCompleteMessage{buf: buf[:total]}, nil
}

func (m CommandCompleteMessage) Tag() (string, error) {
	v, _, err := common.CStringAt(m.buf, 5)
	return string(v), err
}

type CommandCompleteBuilder struct{ Tag string }

func (b CommandCompleteBuilder) Measure() int { return 5 + len(b.Tag) + 1 }
func (b CommandCompleteBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagCommandComplete)
	w.PutUint32(0)
	w.PutCString(b.Tag)
	patchMlen(w)
	return w.Bytes()
}

type DataRowMessage struct{ buf []byte }

func ParseDataRowMessage(buf []byte) (DataRowMessage, error) {
	total, err := expectTag(buf, TagDataRow)
	if err != nil {
		return DataRowMessage{}, err
	}
	return DataRowMessage{buf: buf[:total]}, nil
}

func (m DataRowMessage) Values() ([]common.Encoded, error) {
	count, err := common.Int16At(m.buf, 5)
	if err != nil {
		return nil, err
	}
	out := make([]common.Encoded, 0, count)
	off := 7
	for i := 0; i < int(count); i++ {
		enc, n, err := common.EncodedAt(m.buf, off)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
		off += n
	}
	return out, nil
}

type DataRowBuilder struct{ Values []common.Encoded }

func (b DataRowBuilder) Measure() int {
	n := 7
	for _, v := range b.Values {
		if v.Null {
			n += 4
		} else {
			n += 4 + len(v.Value)
		}
	}
	return n
}

func (b DataRowBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagDataRow)
	w.PutUint32(0)
	w.PutInt16(int16(len(b.Values)))
	for _, v := range b.Values {
		w.PutEncoded(v)
	}
	patchMlen(w)
	return w.Bytes()
}

type RowField struct {
	Name        string
	TableOID    int32
	ColAttNum   int16
	TypeOID     int32
	TypeLen     int16
	TypeMod     int32
	FormatCode  int16
}

type RowDescriptionBuilder struct{ Fields []RowField }

func (b RowDescriptionBuilder) Measure() int {
	n := 7
	for _, f := range b.Fields {
		n += len(f.Name) + 1 + 4 + 2 + 4 + 2 + 4 + 2
	}
	return n
}

func (b RowDescriptionBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagRowDescription)
	w.PutUint32(0)
	w.PutInt16(int16(len(b.Fields)))
	for _, f := range b.Fields {
		w.PutCString(f.Name)
		w.PutInt32(f.TableOID)
		w.PutInt16(f.ColAttNum)
		w.PutInt32(f.TypeOID)
		w.PutInt16(f.TypeLen)
		w.PutInt32(f.TypeMod)
		w.PutInt16(f.FormatCode)
	}
	patchMlen(w)
	return w.Bytes()
}

type SyncMessage struct{ buf []byte }

func ParseSyncMessage(buf []byte) (SyncMessage, error) {
	total, err := expectTag(buf, TagSync)
	if err != nil {
		return SyncMessage{}, err
	}
	return SyncMessage{buf: buf[:total]}, nil
}

type SyncBuilder struct{}

func (SyncBuilder) Measure() int { return 5 }
func (SyncBuilder) Build() []byte {
	w := common.NewWriter(5)
	w.PutUint8(TagSync)
	w.PutUint32(0)
	patchMlen(w)
	return w.Bytes()
}

type TerminateMessage struct{ buf []byte }

func ParseTerminateMessage(buf []byte) (TerminateMessage, error) {
	total, err := expectTag(buf, TagTerminate)
	if err != nil {
		return TerminateMessage{}, err
	}
	return TerminateMessage{buf: buf[:total]}, nil
}

type TerminateBuilder struct{}

func (TerminateBuilder) Measure() int { return 5 }
func (TerminateBuilder) Build() []byte {
	w := common.NewWriter(5)
	w.PutUint8(TagTerminate)
	w.PutUint32(0)
	patchMlen(w)
	return w.Bytes()
}

// ---- shared helpers ----

func expectTag(buf []byte, tag byte) (int, error) {
	total, err := TaggedLengthOfBuf(buf)
	if err != nil {
		return 0, err
	}
	if buf[0] != tag {
		return 0, common.NewInvalidData("unexpected message tag")
	}
	return total, nil
}

// patchMlen fills in the mlen field (bytes 1..5) from the writer's current
// length, as total − 1 (mlen excludes mtype but includes itself).
func patchMlen(w *common.Writer) {
	w.PatchUint32At(1, uint32(w.Len()-1))
}
