package common

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Writer accumulates a builder view's serialized bytes. Every message
// builder follows the same two-pass shape: call Measure() to size the
// buffer exactly once, then Build() allocates that capacity up front and
// writes fields without ever growing the backing array, matching the
// "measure, then allocate once" rule.
type Writer struct {
	buf []byte
}

func NewWriter(capacityHint int) *Writer {
	return &Writer{buf: make([]byte, 0, capacityHint)}
}

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutInt16(v int16) { w.PutUint16(uint16(v)) }

func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutInt32(v int32) { w.PutUint32(uint32(v)) }

func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

func (w *Writer) PutUUID(u uuid.UUID) { w.buf = append(w.buf, u[:]...) }

func (w *Writer) PutCString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

func (w *Writer) PutLString(s string) {
	w.PutUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) PutByteArray(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) PutEncoded(e Encoded) {
	if e.Null {
		w.PutInt32(-1)
		return
	}
	w.PutInt32(int32(len(e.Value)))
	w.buf = append(w.buf, e.Value...)
}

func (w *Writer) PutRest(b []byte) { w.buf = append(w.buf, b...) }

// PatchUint32At back-patches a previously reserved 4-byte slot, used to
// fill in `mlen` once the total message length is known.
func (w *Writer) PatchUint32At(offset int, v uint32) {
	binary.BigEndian.PutUint32(w.buf[offset:offset+4], v)
}
