package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned by Reader methods when the underlying buffer
// is exhausted before a value can be fully decoded.
var ErrShortBuffer = errors.New("wire: short buffer")

// Writer builds a self-describing binary payload: every variable-length
// field (string, byte slice) is itself length-prefixed, so decode(encode(x))
// never needs an external schema to know where one field ends and the next
// begins. This is a tag-then-length-then-bytes shape generalized to
// arbitrary struct fields instead of one fixed message layout.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the encoded payload built so far.
func (w *Writer) Bytes() []byte { return w.buf }

// PutUint8 appends a single tag/kind byte.
func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

// PutBool appends a boolean as one byte.
func (w *Writer) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// PutUint32 appends a big-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt32 appends a big-endian signed int32.
func (w *Writer) PutInt32(v int32) { w.PutUint32(uint32(v)) }

// PutUint64 appends a big-endian uint64.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt64 appends a big-endian signed int64.
func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

// PutBytes appends a uint32 length prefix followed by raw bytes.
func (w *Writer) PutBytes(v []byte) {
	w.PutUint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// PutString appends a uint32 length prefix followed by the string's bytes.
func (w *Writer) PutString(v string) { w.PutBytes([]byte(v)) }

// Reader decodes a payload produced by Writer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps payload for sequential decoding.
func NewReader(payload []byte) *Reader { return &Reader{buf: payload} }

// Remaining returns the number of bytes not yet read.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, r.Remaining())
	}
	return nil
}

// GetUint8 reads a single byte.
func (r *Reader) GetUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// GetBool reads a single byte as a boolean.
func (r *Reader) GetBool() (bool, error) {
	v, err := r.GetUint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// GetUint32 reads a big-endian uint32.
func (r *Reader) GetUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// GetInt32 reads a big-endian signed int32.
func (r *Reader) GetInt32() (int32, error) {
	v, err := r.GetUint32()
	return int32(v), err
}

// GetUint64 reads a big-endian uint64.
func (r *Reader) GetUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// GetInt64 reads a big-endian signed int64.
func (r *Reader) GetInt64() (int64, error) {
	v, err := r.GetUint64()
	return int64(v), err
}

// GetBytes reads a uint32-length-prefixed byte slice.
func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return v, nil
}

// GetString reads a uint32-length-prefixed string.
func (r *Reader) GetString() (string, error) {
	b, err := r.GetBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
