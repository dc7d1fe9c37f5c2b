package edgeproto

import "github.com/dbbouncer/edgewire/internal/wire/common"

// ---- Handshake ----

type ClientHandshakeMessage struct{ buf []byte }

func ParseClientHandshakeMessage(buf []byte) (ClientHandshakeMessage, error) {
	total, err := expectTag(buf, TagClientHandshake)
	if err != nil {
		return ClientHandshakeMessage{}, err
	}
	return ClientHandshakeMessage{buf: buf[:total]}, nil
}

func (m ClientHandshakeMessage) MajorVer() (int16, error) { return common.Int16At(m.buf, 5) }
func (m ClientHandshakeMessage) MinorVer() (int16, error) { return common.Int16At(m.buf, 7) }

// Params decodes the Array<i16, ConnectionParam> field; each
// ConnectionParam is a pair of length-prefixed strings.
func (m ClientHandshakeMessage) Params() (map[string]string, error) {
	count, err := common.Int16At(m.buf, 9)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, count)
	off := 11
	for i := 0; i < int(count); i++ {
		name, n, err := common.LStringAt(m.buf, off)
		if err != nil {
			return nil, err
		}
		off += n
		val, n, err := common.LStringAt(m.buf, off)
		if err != nil {
			return nil, err
		}
		off += n
		out[string(name)] = string(val)
	}
	return out, nil
}

type ClientHandshakeBuilder struct {
	MajorVer, MinorVer int16
	Params             map[string]string
}

func (b ClientHandshakeBuilder) Measure() int {
	n := 11
	for k, v := range b.Params {
		n += 4 + len(k) + 4 + len(v)
	}
	return n + 2 // empty extensions array count
}

func (b ClientHandshakeBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagClientHandshake)
	w.PutUint32(0)
	w.PutInt16(b.MajorVer)
	w.PutInt16(b.MinorVer)
	w.PutInt16(int16(len(b.Params)))
	for k, v := range b.Params {
		w.PutLString(k)
		w.PutLString(v)
	}
	w.PutInt16(0) // extensions: empty
	patchMlen(w)
	return w.Bytes()
}

type ServerHandshakeBuilder struct{ MajorVer, MinorVer int16 }

func (b ServerHandshakeBuilder) Measure() int { return 11 }
func (b ServerHandshakeBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagServerHandshake)
	w.PutUint32(0)
	w.PutInt16(b.MajorVer)
	w.PutInt16(b.MinorVer)
	w.PutInt16(0) // extensions: empty
	patchMlen(w)
	return w.Bytes()
}

type ServerHandshakeMessage struct{ buf []byte }

func ParseServerHandshakeMessage(buf []byte) (ServerHandshakeMessage, error) {
	total, err := expectTag(buf, TagServerHandshake)
	if err != nil {
		return ServerHandshakeMessage{}, err
	}
	return ServerHandshakeMessage{buf: buf[:total]}, nil
}

func (m ServerHandshakeMessage) MajorVer() (int16, error) { return common.Int16At(m.buf, 5) }
func (m ServerHandshakeMessage) MinorVer() (int16, error) { return common.Int16At(m.buf, 7) }

// ---- Authentication (tag 'R', discriminated by auth_status) ----

const (
	AuthStatusOk                = 0x00
	AuthStatusRequiredSASL      = 0x0A
	AuthStatusSASLContinue      = 0x0B
	AuthStatusSASLFinal         = 0x0C
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

func (m AuthenticationMessage) Status() (int32, error) { return common.Int32At(m.buf, 5) }

// SASLMethods decodes AuthenticationRequiredSASLMessage's Array<i32, LString>.
func (m AuthenticationMessage) SASLMethods() ([]string, error) {
	count, err := common.Int32At(m.buf, 9)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, count)
	off := 13
	for i := 0; i < int(count); i++ {
		v, n, err := common.LStringAt(m.buf, off)
		if err != nil {
			return nil, err
		}
		off += n
		out = append(out, string(v))
	}
	return out, nil
}

// SASLData decodes the Array<u32, u8> sasl_data field shared by
// SASLContinue/SASLFinal.
func (m AuthenticationMessage) SASLData() ([]byte, error) {
	v, _, err := common.ByteArrayAt(m.buf, 9)
	return v, err
}

type AuthenticationOkBuilder struct{}

func (AuthenticationOkBuilder) Measure() int { return 9 }
func (AuthenticationOkBuilder) Build() []byte {
	return buildAuthFixed(AuthStatusOk, nil, false)
}

type AuthenticationRequiredSASLBuilder struct{ Methods []string }

func (b AuthenticationRequiredSASLBuilder) Measure() int {
	n := 13
	for _, m := range b.Methods {
		n += 4 + len(m)
	}
	return n
}

func (b AuthenticationRequiredSASLBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagAuthentication)
	w.PutUint32(0)
	w.PutInt32(AuthStatusRequiredSASL)
	w.PutInt32(int32(len(b.Methods)))
	for _, m := range b.Methods {
		w.PutLString(m)
	}
	patchMlen(w)
	return w.Bytes()
}

type AuthenticationSASLContinueBuilder struct{ Data []byte }

func (b AuthenticationSASLContinueBuilder) Measure() int { return 13 + len(b.Data) }
func (b AuthenticationSASLContinueBuilder) Build() []byte {
	return buildAuthFixed(AuthStatusSASLContinue, b.Data, true)
}

type AuthenticationSASLFinalBuilder struct{ Data []byte }

func (b AuthenticationSASLFinalBuilder) Measure() int { return 13 + len(b.Data) }
func (b AuthenticationSASLFinalBuilder) Build() []byte {
	return buildAuthFixed(AuthStatusSASLFinal, b.Data, true)
}

func buildAuthFixed(status int32, data []byte, lengthPrefixed bool) []byte {
	size := 9
	if lengthPrefixed {
		size += 4
	}
	w := common.NewWriter(size + len(data))
	w.PutUint8(TagAuthentication)
	w.PutUint32(0)
	w.PutInt32(status)
	if lengthPrefixed {
		w.PutByteArray(data)
	}
	patchMlen(w)
	return w.Bytes()
}

// ---- Client SASL messages ----

type SASLInitialResponseMessage struct{ buf []byte }

func ParseSASLInitialResponseMessage(buf []byte) (SASLInitialResponseMessage, error) {
	total, err := expectTag(buf, TagSASLInitialResponse)
	if err != nil {
		return SASLInitialResponseMessage{}, err
	}
	return SASLInitialResponseMessage{buf: buf[:total]}, nil
}

func (m SASLInitialResponseMessage) Method() (string, int, error) {
	v, n, err := common.LStringAt(m.buf, 5)
	return string(v), n, err
}

func (m SASLInitialResponseMessage) Data() ([]byte, error) {
	_, n, err := common.LStringAt(m.buf, 5)
	if err != nil {
		return nil, err
	}
	v, _, err := common.ByteArrayAt(m.buf, 5+n)
	return v, err
}

type SASLInitialResponseBuilder struct {
	Method string
	Data   []byte
}

func (b SASLInitialResponseBuilder) Measure() int { return 5 + 4 + len(b.Method) + 4 + len(b.Data) }
func (b SASLInitialResponseBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagSASLInitialResponse)
	w.PutUint32(0)
	w.PutLString(b.Method)
	w.PutByteArray(b.Data)
	patchMlen(w)
	return w.Bytes()
}

type SASLResponseMessage struct{ buf []byte }

func ParseSASLResponseMessage(buf []byte) (SASLResponseMessage, error) {
	total, err := expectTag(buf, TagSASLResponse)
	if err != nil {
		return SASLResponseMessage{}, err
	}
	return SASLResponseMessage{buf: buf[:total]}, nil
}

func (m SASLResponseMessage) Data() ([]byte, error) {
	v, _, err := common.ByteArrayAt(m.buf, 5)
	return v, err
}

type SASLResponseBuilder struct{ Data []byte }

func (b SASLResponseBuilder) Measure() int { return 9 + len(b.Data) }
func (b SASLResponseBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagSASLResponse)
	w.PutUint32(0)
	w.PutByteArray(b.Data)
	patchMlen(w)
	return w.Bytes()
}

// ---- Synchronizing phase ----

type ParameterStatusMessage struct{ buf []byte }

func ParseParameterStatusMessage(buf []byte) (ParameterStatusMessage, error) {
	total, err := expectTag(buf, TagParameterStatus)
	if err != nil {
		return ParameterStatusMessage{}, err
	}
	return ParameterStatusMessage{buf: buf[:total]}, nil
}

func (m ParameterStatusMessage) NameValue() (name, value []byte, err error) {
	n, nc, err := common.ByteArrayAt(m.buf, 5)
	if err != nil {
		return nil, nil, err
	}
	v, _, err := common.ByteArrayAt(m.buf, 5+nc)
	if err != nil {
		return nil, nil, err
	}
	return n, v, nil
}

type ParameterStatusBuilder struct{ Name, Value []byte }

func (b ParameterStatusBuilder) Measure() int { return 13 + len(b.Name) + len(b.Value) }
func (b ParameterStatusBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagParameterStatus)
	w.PutUint32(0)
	w.PutByteArray(b.Name)
	w.PutByteArray(b.Value)
	patchMlen(w)
	return w.Bytes()
}

type ServerKeyDataMessage struct{ buf []byte }

func ParseServerKeyDataMessage(buf []byte) (ServerKeyDataMessage, error) {
	total, err := expectTag(buf, TagServerKeyData)
	if err != nil {
		return ServerKeyDataMessage{}, err
	}
	return ServerKeyDataMessage{buf: buf[:total]}, nil
}

func (m ServerKeyDataMessage) Data() ([]byte, error) { return common.FixedBytesAt(m.buf, 5, 32) }

type ServerKeyDataBuilder struct{ Data [32]byte }

func (ServerKeyDataBuilder) Measure() int { return 37 }
func (b ServerKeyDataBuilder) Build() []byte {
	w := common.NewWriter(37)
	w.PutUint8(TagServerKeyData)
	w.PutUint32(0)
	w.PutRest(b.Data[:])
	patchMlen(w)
	return w.Bytes()
}

// ReadyForCommandBuilder always sends an empty annotation list.
type ReadyForCommandBuilder struct{ TransactionState byte }

func (ReadyForCommandBuilder) Measure() int { return 8 }
func (b ReadyForCommandBuilder) Build() []byte {
	w := common.NewWriter(8)
	w.PutUint8(TagReadyForCommand)
	w.PutUint32(0)
	w.PutInt16(0) // annotations: empty
	w.PutUint8(b.TransactionState)
	patchMlen(w)
	return w.Bytes()
}

type ReadyForCommandMessage struct{ buf []byte }

func ParseReadyForCommandMessage(buf []byte) (ReadyForCommandMessage, error) {
	total, err := expectTag(buf, TagReadyForCommand)
	if err != nil {
		return ReadyForCommandMessage{}, err
	}
	return ReadyForCommandMessage{buf: buf[:total]}, nil
}

// TransactionState skips past the leading annotations array to read the
// trailing state byte.
func (m ReadyForCommandMessage) TransactionState() (byte, error) {
	count, err := common.Int16At(m.buf, 5)
	if err != nil {
		return 0, err
	}
	off := 7
	for i := 0; i < int(count); i++ {
		_, n, err := common.LStringAt(m.buf, off)
		if err != nil {
			return 0, err
		}
		off += n
		_, n, err = common.LStringAt(m.buf, off)
		if err != nil {
			return 0, err
		}
		off += n
	}
	return common.Uint8At(m.buf, off)
}

// ---- Errors / logs ----

type ErrorResponseMessage struct{ buf []byte }

func ParseErrorResponseMessage(buf []byte) (ErrorResponseMessage, error) {
	total, err := expectTag(buf, TagErrorResponse)
	if err != nil {
		return ErrorResponseMessage{}, err
	}
	return ErrorResponseMessage{buf: buf[:total]}, nil
}

func (m ErrorResponseMessage) Severity() (byte, error) { return common.Uint8At(m.buf, 5) }
func (m ErrorResponseMessage) ErrorCode() (int32, error) { return common.Int32At(m.buf, 6) }
func (m ErrorResponseMessage) Message() (string, error) {
	v, _, err := common.LStringAt(m.buf, 10)
	return string(v), err
}

type ErrorResponseBuilder struct {
	Severity  byte
	ErrorCode int32
	Message   string
}

func (b ErrorResponseBuilder) Measure() int { return 14 + len(b.Message) + 2 }
func (b ErrorResponseBuilder) Build() []byte {
	w := common.NewWriter(b.Measure())
	w.PutUint8(TagErrorResponse)
	w.PutUint32(0)
	w.PutUint8(b.Severity)
	w.PutInt32(b.ErrorCode)
	w.PutLString(b.Message)
	w.PutInt16(0) // attributes: empty
	patchMlen(w)
	return w.Bytes()
}

// Gel/EdgeDB error codes relevant to the handshake (see the error
// hierarchy in edb.errors): ProtocolError, AuthenticationError,
// UnsupportedFeatureError, UnsupportedProtocolVersionError.
const (
	ErrCodeProtocolError                   = 0x_01_00_00_00
	ErrCodeUnsupportedProtocolVersionError = 0x_01_00_00_01
	ErrCodeUnsupportedFeatureError         = 0x_01_00_00_02
	ErrCodeAuthenticationError             = 0x_21_00_00_00
)

// ---- Session control ----

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

// ---- Post-handshake messages kept for message-group completeness.
// These round out the EdgeDBBackend/EdgeDBFrontend message groups named
// in the source protocol description; no handshake state machine drives
// them since query execution is out of scope (spec Non-goals).

type CommandCompleteMessage struct{ buf []byte }

func ParseCommandCompleteMessage(buf []byte) (CommandCompleteMessage, error) {
	total, err := expectTag(buf, TagCommandComplete)
	if err != nil {
		return CommandCompleteMessage{}, err
	}
	return CommandCompleteMessage{buf: buf[:total]}, nil
}

// Raw returns the whole message buffer including header, for relaying
// without full decode.
func (m CommandCompleteMessage) Raw() []byte { return m.buf }

type DataMessage struct{ buf []byte }

func ParseDataMessage(buf []byte) (DataMessage, error) {
	total, err := expectTag(buf, TagData)
	if err != nil {
		return DataMessage{}, err
	}
	return DataMessage{buf: buf[:total]}, nil
}

func (m DataMessage) Raw() []byte { return m.buf }

type LogMessageMessage struct{ buf []byte }

func ParseLogMessageMessage(buf []byte) (LogMessageMessage, error) {
	total, err := expectTag(buf, TagLogMessage)
	if err != nil {
		return LogMessageMessage{}, err
	}
	return LogMessageMessage{buf: buf[:total]}, nil
}

func (m LogMessageMessage) Severity() (byte, error)   { return common.Uint8At(m.buf, 5) }
func (m LogMessageMessage) Code() (int32, error)      { return common.Int32At(m.buf, 6) }
func (m LogMessageMessage) Text() (string, error) {
	v, _, err := common.LStringAt(m.buf, 10)
	return string(v), err
}
