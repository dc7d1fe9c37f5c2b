package common

// LengthFunc computes the total byte length of the message starting at
// buf[0], given only the bytes available so far. It returns a TooShort
// ParseError if not enough bytes are present yet to know the length, or an
// InvalidData ParseError if the length field itself is malformed (negative
// count, oversized array, …). Each protocol package supplies its own
// LengthFunc; PostgreSQL's differs for "initial" (untagged) messages vs.
// tagged ones, EdgeDB's is always tagged.
type LengthFunc func(buf []byte) (int, error)

// StructBuffer is a FIFO accumulator of bytes not yet framed into whole
// messages. Pushed bytes are handed to a visitor in arrival order, one
// whole message at a time; the visitor never sees a partial message, and a
// push call leaves at most one incomplete trailing message buffered.
//
// Mirrors the fast/slow path split of the original: when nothing is
// buffered yet, attempt to slice complete messages directly out of the
// caller's slice (no copy); only the unconsumed remainder is copied into
// the internal accumulator.
type StructBuffer struct {
	lengthOf LengthFunc
	accum    []byte
}

func NewStructBuffer(lengthOf LengthFunc) *StructBuffer {
	return &StructBuffer{lengthOf: lengthOf}
}

func (b *StructBuffer) IsEmpty() bool { return len(b.accum) == 0 }

func (b *StructBuffer) Len() int { return len(b.accum) }

// Push feeds bytes into the buffer, invoking visit once per complete
// message it can assemble. Parse errors from lengthOf are reported to
// visit and processing of that chunk stops (length-of-buf errors other
// than TooShort indicate the stream itself is corrupt).
func (b *StructBuffer) Push(bytes []byte, visit func([]byte, error)) {
	_ = b.PushFallible(bytes, func(msg []byte, err error) error {
		visit(msg, err)
		return nil
	})
}

// PushFallible is Push's error-propagating variant: if visit returns a
// non-nil error, processing stops immediately and the remaining
// (unprocessed) bytes are retained in the buffer unchanged.
func (b *StructBuffer) PushFallible(bytes []byte, visit func([]byte, error) error) error {
	if len(b.accum) == 0 {
		offset := 0
		for offset < len(bytes) {
			n, err := b.lengthOf(bytes[offset:])
			if err != nil {
				if IsTooShort(err) {
					break
				}
				b.accum = append(b.accum, bytes[offset:]...)
				return visit(nil, err)
			}
			if offset+n > len(bytes) {
				break
			}
			if err := visit(bytes[offset:offset+n], nil); err != nil {
				offset += n
				b.accum = append(b.accum, bytes[offset:]...)
				return err
			}
			offset += n
		}
		if offset == len(bytes) {
			return nil
		}
		b.accum = append(b.accum, bytes[offset:]...)
	} else {
		b.accum = append(b.accum, bytes...)
	}

	processed := 0
	for {
		n, err := b.lengthOf(b.accum[processed:])
		if err != nil {
			if IsTooShort(err) {
				break
			}
			b.accum = b.accum[processed:]
			return visit(nil, err)
		}
		if processed+n > len(b.accum) {
			break
		}
		if err := visit(b.accum[processed:processed+n], nil); err != nil {
			processed += n
			b.accum = b.accum[processed:]
			return err
		}
		processed += n
	}
	if processed > 0 {
		remaining := len(b.accum) - processed
		copy(b.accum, b.accum[processed:])
		b.accum = b.accum[:remaining]
	}
	return nil
}
