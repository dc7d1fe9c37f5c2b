package common

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Encoded is the `Encoded` meta type: an i32-length-prefixed value where a
// length of -1 means SQL NULL and any non-negative length is payload bytes
// (possibly zero of them).
type Encoded struct {
	Null  bool
	Value []byte
}

func EncodedValue(v []byte) Encoded { return Encoded{Value: v} }
func EncodedNull() Encoded          { return Encoded{Null: true} }

// The At() family reads one primitive out of buf at a fixed byte offset,
// returning a TooShort error if buf isn't long enough to hold the field.
// None of these copy payload bytes; slice results borrow buf directly.

func Uint8At(buf []byte, off int) (uint8, error) {
	if off+1 > len(buf) {
		return 0, NewTooShort("u8")
	}
	return buf[off], nil
}

func Uint16At(buf []byte, off int) (uint16, error) {
	if off+2 > len(buf) {
		return 0, NewTooShort("u16")
	}
	return binary.BigEndian.Uint16(buf[off : off+2]), nil
}

func Int16At(buf []byte, off int) (int16, error) {
	v, err := Uint16At(buf, off)
	return int16(v), err
}

func Uint32At(buf []byte, off int) (uint32, error) {
	if off+4 > len(buf) {
		return 0, NewTooShort("u32")
	}
	return binary.BigEndian.Uint32(buf[off : off+4]), nil
}

func Int32At(buf []byte, off int) (int32, error) {
	v, err := Uint32At(buf, off)
	return int32(v), err
}

func Uint64At(buf []byte, off int) (uint64, error) {
	if off+8 > len(buf) {
		return 0, NewTooShort("u64")
	}
	return binary.BigEndian.Uint64(buf[off : off+8]), nil
}

func Int64At(buf []byte, off int) (int64, error) {
	v, err := Uint64At(buf, off)
	return int64(v), err
}

// UUIDAt reads the 16-byte Uuid meta type.
func UUIDAt(buf []byte, off int) (uuid.UUID, error) {
	if off+16 > len(buf) {
		return uuid.UUID{}, NewTooShort("uuid")
	}
	var u uuid.UUID
	copy(u[:], buf[off:off+16])
	return u, nil
}

// FixedBytesAt returns a zero-copy slice of n raw bytes, e.g. for
// ServerKeyData's 32-byte key or PG's 4-byte md5 salt.
func FixedBytesAt(buf []byte, off, n int) ([]byte, error) {
	if off+n > len(buf) {
		return nil, NewTooShort("fixed bytes")
	}
	return buf[off : off+n], nil
}

// CStringAt reads a zero-terminated UTF-8 string starting at off. It
// returns the bytes before the NUL (zero-copy) and the number of bytes
// consumed, including the terminator.
func CStringAt(buf []byte, off int) (value []byte, consumed int, err error) {
	for i := off; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[off:i], i - off + 1, nil
		}
	}
	return nil, 0, NewTooShort("cstring: no terminator")
}

// LStringAt reads a u32-length-prefixed UTF-8 string.
func LStringAt(buf []byte, off int) (value []byte, consumed int, err error) {
	n, err := Uint32At(buf, off)
	if err != nil {
		return nil, 0, err
	}
	if n > 1<<30 {
		return nil, 0, NewInvalidData("lstring: length too large")
	}
	start := off + 4
	end := start + int(n)
	if end > len(buf) {
		return nil, 0, NewTooShort("lstring: body")
	}
	return buf[start:end], end - off, nil
}

// ByteArrayAt reads a u32-length-prefixed opaque byte sequence, used by
// Array<u32, u8>-shaped fields (PG's ParameterStatus body when framed as
// an opaque blob, EdgeDB's KeyValue.value, state_data, etc).
func ByteArrayAt(buf []byte, off int) (value []byte, consumed int, err error) {
	return LStringAt(buf, off)
}

// EncodedAt reads the Encoded meta type: i32 length, -1 = NULL.
func EncodedAt(buf []byte, off int) (Encoded, int, error) {
	n, err := Int32At(buf, off)
	if err != nil {
		return Encoded{}, 0, err
	}
	if n < -1 {
		return Encoded{}, 0, NewInvalidData("encoded: negative length")
	}
	if n == -1 {
		return Encoded{Null: true}, 4, nil
	}
	start := off + 4
	end := start + int(n)
	if end > len(buf) {
		return Encoded{}, 0, NewTooShort("encoded: body")
	}
	return Encoded{Value: buf[start:end]}, end - off, nil
}

// RestAt returns every remaining byte from off, zero-copy.
func RestAt(buf []byte, off int) []byte {
	if off >= len(buf) {
		return buf[len(buf):]
	}
	return buf[off:]
}
