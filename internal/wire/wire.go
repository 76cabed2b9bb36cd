// Package wire implements the small little-endian binary encoding helpers
// shared by every termweb wire protocol (panel frames, panel input, control
// events, file-transfer messages). All multi-byte integers on the wire are
// little-endian; strings are length-prefixed UTF-8 unless the caller knows
// the length from context.
package wire

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrShortBuffer is returned when a read would run past the end of the buffer.
var ErrShortBuffer = errors.New("wire: short buffer")

// Reader walks a byte slice without copying, tracking a read cursor.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if n < 0 || r.Len() < n {
		return ErrShortBuffer
	}
	return nil
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// U16 reads a little-endian uint16.
func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// F32 reads a little-endian IEEE-754 float32.
func (r *Reader) F32() (float32, error) {
	v, err := r.U32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// F64 reads a little-endian IEEE-754 float64.
func (r *Reader) F64() (float64, error) {
	v, err := r.U64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// Bytes reads n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Rest returns all remaining unread bytes.
func (r *Reader) Rest() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}

// StringU8 reads a u8-length-prefixed UTF-8 string.
func (r *Reader) StringU8() (string, error) {
	n, err := r.Byte()
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StringU16 reads a u16-length-prefixed UTF-8 string.
func (r *Reader) StringU16() (string, error) {
	n, err := r.U16()
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Writer accumulates an outbound message in wire byte order.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer, optionally pre-sized.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Byte appends a single byte.
func (w *Writer) Byte(b byte) *Writer {
	w.buf = append(w.buf, b)
	return w
}

// U16 appends a little-endian uint16.
func (w *Writer) U16(v uint16) *Writer {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return w
}

// U32 appends a little-endian uint32.
func (w *Writer) U32(v uint32) *Writer {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return w
}

// U64 appends a little-endian uint64.
func (w *Writer) U64(v uint64) *Writer {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return w
}

// F32 appends a little-endian float32.
func (w *Writer) F32(v float32) *Writer {
	return w.U32(math.Float32bits(v))
}

// F64 appends a little-endian float64.
func (w *Writer) F64(v float64) *Writer {
	return w.U64(math.Float64bits(v))
}

// Bytes appends raw bytes verbatim.
func (w *Writer) Bytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// StringU8 appends a u8-length-prefixed UTF-8 string. Panics if len(s) > 255,
// since that is always a programmer error at the call sites that use it.
func (w *Writer) StringU8(s string) *Writer {
	if len(s) > math.MaxUint8 {
		panic("wire: string too long for u8 length prefix")
	}
	w.Byte(byte(len(s)))
	return w.Bytes([]byte(s))
}

// StringU16 appends a u16-length-prefixed UTF-8 string.
func (w *Writer) StringU16(s string) *Writer {
	if len(s) > math.MaxUint16 {
		panic("wire: string too long for u16 length prefix")
	}
	w.U16(uint16(len(s)))
	return w.Bytes([]byte(s))
}

// Build returns the accumulated message.
func (w *Writer) Build() []byte { return w.buf }
