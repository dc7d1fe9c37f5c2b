// Package pgproto implements the PostgreSQL-compatible wire codec: the
// message catalog named in full by the handshake (startup, SSL
// negotiation, password/SASL/MD5 authentication, parameter/key/ready) plus
// enough of the post-authentication message set (Query, RowDescription,
// DataRow, CommandComplete, ErrorResponse, Sync, Terminate) to round out
// the external interface. Every message follows `mtype(u8) | mlen(u32 BE)
// | body` except the untagged "initial" messages at the very start of a
// session, whose length field is total (it includes itself).
package pgproto

import (
	"github.com/dbbouncer/edgewire/internal/wire/common"
)

// Message tags, one per direction-specific wire type.
const (
	TagAuthentication    = 'R'
	TagParameterStatus   = 'S'
	TagBackendKeyData    = 'K'
	TagReadyForQuery     = 'Z'
	TagErrorResponse     = 'E'
	TagPassword          = 'p' // PasswordMessage / SASLInitialResponse / SASLResponse
	TagQuery             = 'Q'
	TagRowDescription    = 'T'
	TagDataRow           = 'D'
	TagCommandComplete   = 'C'
	TagSync              = 'S' // client direction; does not collide with ParameterStatus (server direction)
	TagTerminate         = 'X'
)

// SSLRequest/GSSENCRequest/CancelRequest are distinguished from
// StartupMessage by their mlen/code pair rather than by a type tag: all
// four are "initial" messages.
const (
	SSLRequestCode    = 0x04D2162F
	GSSENCRequestCode = 0x04D21630
	CancelRequestCode = 0x04D21628
)

const protoVersion3 = 0x00030000

// TaggedLengthOfBuf is the LengthFunc for every tagged message: 1 byte
// tag + 4 byte mlen (count of bytes following mtype) => total = 1 + mlen.
func TaggedLengthOfBuf(buf []byte) (int, error) {
	if len(buf) < 5 {
		return 0, common.NewTooShort("message header")
	}
	mlen, err := common.Uint32At(buf, 1)
	if err != nil {
		return 0, err
	}
	if mlen < 4 {
		return 0, common.NewInvalidData("mlen smaller than itself")
	}
	total := 1 + int(mlen)
	if total < 0 || total > maxMessageSize {
		return 0, common.NewInvalidData("message too large")
	}
	return total, nil
}

// InitialLengthOfBuf is the LengthFunc for the untagged initial message
// used once at the very start of a connection: the length field is at
// offset 0 and is itself the total length.
func InitialLengthOfBuf(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, common.NewTooShort("initial message header")
	}
	mlen, err := common.Uint32At(buf, 0)
	if err != nil {
		return 0, err
	}
	if mlen < 8 {
		return 0, common.NewInvalidData("initial mlen too small")
	}
	total := int(mlen)
	if total > maxMessageSize {
		return 0, common.NewInvalidData("initial message too large")
	}
	return total, nil
}

const maxMessageSize = 64 << 20

// NewTaggedBuffer returns a StructBuffer configured for post-startup
// tagged PostgreSQL messages.
func NewTaggedBuffer() *common.StructBuffer {
	return common.NewStructBuffer(TaggedLengthOfBuf)
}

// NewInitialBuffer returns a StructBuffer configured for the single
// untagged initial message at session start.
func NewInitialBuffer() *common.StructBuffer {
	return common.NewStructBuffer(InitialLengthOfBuf)
}
