package common

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestFixedWidthRoundTrip(t *testing.T) {
	w := NewWriter(0)
	w.PutUint8(0xAB)
	w.PutUint16(0x1234)
	w.PutInt16(-1)
	w.PutUint32(0xDEADBEEF)
	w.PutInt32(-42)
	w.PutUint64(0x0102030405060708)
	w.PutInt64(-1)
	buf := w.Bytes()

	off := 0
	u8, err := Uint8At(buf, off)
	if err != nil || u8 != 0xAB {
		t.Fatalf("Uint8At = %v, %v", u8, err)
	}
	off += 1

	u16, err := Uint16At(buf, off)
	if err != nil || u16 != 0x1234 {
		t.Fatalf("Uint16At = %v, %v", u16, err)
	}
	off += 2

	i16, err := Int16At(buf, off)
	if err != nil || i16 != -1 {
		t.Fatalf("Int16At = %v, %v", i16, err)
	}
	off += 2

	u32, err := Uint32At(buf, off)
	if err != nil || u32 != 0xDEADBEEF {
		t.Fatalf("Uint32At = %v, %v", u32, err)
	}
	off += 4

	i32, err := Int32At(buf, off)
	if err != nil || i32 != -42 {
		t.Fatalf("Int32At = %v, %v", i32, err)
	}
	off += 4

	u64, err := Uint64At(buf, off)
	if err != nil || u64 != 0x0102030405060708 {
		t.Fatalf("Uint64At = %v, %v", u64, err)
	}
	off += 8

	i64, err := Int64At(buf, off)
	if err != nil || i64 != -1 {
		t.Fatalf("Int64At = %v, %v", i64, err)
	}
}

func TestFixedWidthTooShort(t *testing.T) {
	buf := []byte{1, 2, 3}
	if _, err := Uint32At(buf, 0); !IsTooShort(err) {
		t.Fatalf("Uint32At on 3 bytes: want TooShort, got %v", err)
	}
	if _, err := Uint64At(buf, 0); !IsTooShort(err) {
		t.Fatalf("Uint64At on 3 bytes: want TooShort, got %v", err)
	}
	if _, err := Uint8At(buf, 3); !IsTooShort(err) {
		t.Fatalf("Uint8At past end: want TooShort, got %v", err)
	}
}

func TestUUIDRoundTrip(t *testing.T) {
	id := uuid.New()
	w := NewWriter(0)
	w.PutUUID(id)
	got, err := UUIDAt(w.Bytes(), 0)
	if err != nil {
		t.Fatalf("UUIDAt: %v", err)
	}
	if got != id {
		t.Fatalf("UUIDAt = %v, want %v", got, id)
	}

	if _, err := UUIDAt(w.Bytes()[:15], 0); !IsTooShort(err) {
		t.Fatalf("UUIDAt truncated: want TooShort, got %v", err)
	}
}

func TestCStringRoundTrip(t *testing.T) {
	w := NewWriter(0)
	w.PutCString("hello")
	w.PutCString("")
	w.PutCString("world")
	buf := w.Bytes()

	v, n, err := CStringAt(buf, 0)
	if err != nil || string(v) != "hello" || n != 6 {
		t.Fatalf("CStringAt = %q, %d, %v", v, n, err)
	}
	off := n
	v, n, err = CStringAt(buf, off)
	if err != nil || string(v) != "" || n != 1 {
		t.Fatalf("CStringAt empty = %q, %d, %v", v, n, err)
	}
	off += n
	v, n, err = CStringAt(buf, off)
	if err != nil || string(v) != "world" || n != 6 {
		t.Fatalf("CStringAt second = %q, %d, %v", v, n, err)
	}
}

func TestCStringNoTerminatorIsTooShort(t *testing.T) {
	buf := []byte("no terminator here")
	if _, _, err := CStringAt(buf, 0); !IsTooShort(err) {
		t.Fatalf("CStringAt without NUL: want TooShort, got %v", err)
	}
}

func TestLStringRoundTrip(t *testing.T) {
	w := NewWriter(0)
	w.PutLString("abc")
	w.PutLString("")
	buf := w.Bytes()

	v, n, err := LStringAt(buf, 0)
	if err != nil || string(v) != "abc" || n != 7 {
		t.Fatalf("LStringAt = %q, %d, %v", v, n, err)
	}
	v, n, err = LStringAt(buf, n)
	if err != nil || string(v) != "" || n != 4 {
		t.Fatalf("LStringAt empty = %q, %d, %v", v, n, err)
	}
}

func TestLStringTruncatedBody(t *testing.T) {
	w := NewWriter(0)
	w.PutLString("hello world")
	buf := w.Bytes()[:6] // length says 11 bytes follow, only 2 present
	if _, _, err := LStringAt(buf, 0); !IsTooShort(err) {
		t.Fatalf("LStringAt truncated body: want TooShort, got %v", err)
	}
}

func TestLStringOversizedLengthIsInvalidData(t *testing.T) {
	buf := make([]byte, 4)
	// length field = 1<<31, well past the 1<<30 sanity ceiling.
	buf[0] = 0x80
	if _, _, err := LStringAt(buf, 0); !IsInvalidData(err) {
		t.Fatalf("LStringAt oversized length: want InvalidData, got %v", err)
	}
}

func TestByteArrayRoundTrip(t *testing.T) {
	w := NewWriter(0)
	payload := []byte{1, 2, 3, 4, 5}
	w.PutByteArray(payload)
	v, n, err := ByteArrayAt(w.Bytes(), 0)
	if err != nil || !bytes.Equal(v, payload) || n != 9 {
		t.Fatalf("ByteArrayAt = %v, %d, %v", v, n, err)
	}
}

func TestEncodedRoundTrip(t *testing.T) {
	w := NewWriter(0)
	w.PutEncoded(EncodedValue([]byte("value")))
	w.PutEncoded(EncodedNull())
	w.PutEncoded(EncodedValue(nil))
	buf := w.Bytes()

	enc, n, err := EncodedAt(buf, 0)
	if err != nil || enc.Null || string(enc.Value) != "value" || n != 9 {
		t.Fatalf("EncodedAt value = %+v, %d, %v", enc, n, err)
	}
	off := n
	enc, n, err = EncodedAt(buf, off)
	if err != nil || !enc.Null || n != 4 {
		t.Fatalf("EncodedAt null = %+v, %d, %v", enc, n, err)
	}
	off += n
	enc, n, err = EncodedAt(buf, off)
	if err != nil || enc.Null || len(enc.Value) != 0 || n != 4 {
		t.Fatalf("EncodedAt empty = %+v, %d, %v", enc, n, err)
	}
}

func TestEncodedNegativeLengthIsInvalidData(t *testing.T) {
	w := NewWriter(0)
	w.PutInt32(-2)
	if _, _, err := EncodedAt(w.Bytes(), 0); !IsInvalidData(err) {
		t.Fatalf("EncodedAt(-2): want InvalidData, got %v", err)
	}
}

func TestEncodedTruncatedBodyIsTooShort(t *testing.T) {
	w := NewWriter(0)
	w.PutEncoded(EncodedValue([]byte("0123456789")))
	buf := w.Bytes()[:6]
	if _, _, err := EncodedAt(buf, 0); !IsTooShort(err) {
		t.Fatalf("EncodedAt truncated: want TooShort, got %v", err)
	}
}

func TestRestAt(t *testing.T) {
	buf := []byte("abcdef")
	if got := RestAt(buf, 2); string(got) != "cdef" {
		t.Fatalf("RestAt(2) = %q", got)
	}
	if got := RestAt(buf, len(buf)); len(got) != 0 {
		t.Fatalf("RestAt(len) = %q, want empty", got)
	}
	if got := RestAt(buf, len(buf)+5); len(got) != 0 {
		t.Fatalf("RestAt(past end) = %q, want empty", got)
	}
}

func TestFixedBytesAtZeroCopy(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	v, err := FixedBytesAt(buf, 1, 3)
	if err != nil {
		t.Fatalf("FixedBytesAt: %v", err)
	}
	if !bytes.Equal(v, []byte{2, 3, 4}) {
		t.Fatalf("FixedBytesAt = %v", v)
	}
	// Zero-copy: mutating buf mutates the returned slice.
	buf[1] = 99
	if v[0] != 99 {
		t.Fatalf("FixedBytesAt did not borrow buf: v[0] = %d", v[0])
	}
}
