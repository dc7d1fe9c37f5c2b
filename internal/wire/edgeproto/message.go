// Package edgeproto implements the EdgeDB/Gel-native wire codec: every
// message is `mtype(u8) | mlen(u32 BE) | body`, there is no untagged
// "initial" message (the handshake starts with a tagged ClientHandshake),
// and several server messages share mtype 'R' discriminated by an
// `auth_status` field the way PostgreSQL's Authentication* messages do.
package edgeproto

import "github.com/dbbouncer/edgewire/internal/wire/common"

const (
	TagClientHandshake        = 'V'
	TagServerHandshake        = 'v'
	TagAuthentication         = 'R'
	TagParameterStatus        = 'S'
	TagServerKeyData          = 'K'
	TagReadyForCommand        = 'Z'
	TagErrorResponse          = 'E'
	TagLogMessage             = 'L'
	TagCommandComplete        = 'C'
	TagCommandDataDescription = 'T'
	TagStateDataDescription   = 's'
	TagData                   = 'D'
	TagRestoreReady           = '+'
	TagSASLInitialResponse    = 'p'
	TagSASLResponse           = 'r'
	TagParse                  = 'P'
	TagExecute                = 'O'
	TagSync                   = 'S' // client direction
	TagFlush                  = 'H'
	TagTerminate              = 'X'
	TagDump                   = '>'
	TagDumpHeader             = '@'
	TagDumpBlock              = '='
	TagRestore                = '<'
	TagRestoreBlock           = '='
	TagRestoreEof             = '.'
)

const maxMessageSize = 64 << 20

// LengthOfBuf is the LengthFunc for every EdgeDB message: 1 byte tag + 4
// byte mlen (count of bytes following mtype) => total = 1 + mlen.
func LengthOfBuf(buf []byte) (int, error) {
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
	if total > maxMessageSize {
		return 0, common.NewInvalidData("message too large")
	}
	return total, nil
}

func NewBuffer() *common.StructBuffer { return common.NewStructBuffer(LengthOfBuf) }

func expectTag(buf []byte, tag byte) (int, error) {
	total, err := LengthOfBuf(buf)
	if err != nil {
		return 0, err
	}
	if buf[0] != tag {
		return 0, common.NewInvalidData("unexpected message tag")
	}
	return total, nil
}

func patchMlen(w *common.Writer) {
	w.PatchUint32At(1, uint32(w.Len()-1))
}
