// Package wire implements the Peerbloom binary codec.
//
// Every multi-byte integer is big-endian regardless of host byte order.
// Variable-length byte strings carry a 4-byte big-endian length prefix
// unless the call site already knows the length. Writers stream into an
// io.Writer; readers are forward-only cursors over an in-memory buffer.
//
// Both Writer and Reader keep the first error they hit and turn every
// later call into a no-op, so a Serialize or Deserialize method can be
// written as a straight sequence of calls with one error check at the end.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// LengthPrefixSize is the size of the length prefix written before
// variable-length byte strings.
const LengthPrefixSize = 4

// Serializable is the contract every wire object implements.
type Serializable interface {
	// Size returns the exact number of bytes Serialize writes.
	Size() int
	// Serialize writes the object to w.
	Serialize(w *Writer)
	// Deserialize reads the object from r, replacing its contents.
	Deserialize(r *Reader)
}

// Writer is a streaming big-endian writer.
type Writer struct {
	out io.Writer
	n   int
	err error
	buf [8]byte
}

// NewWriter returns a Writer that writes to out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Err returns the first error encountered, if any.
func (w *Writer) Err() error {
	return w.err
}

// SetErr records err unless an earlier error is already recorded.
// Serialize methods use it to report invalid field values.
func (w *Writer) SetErr(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return w.n
}

// WriteBytes writes b verbatim, without a length prefix.
func (w *Writer) WriteBytes(b []byte) {
	if w.err != nil || len(b) == 0 {
		return
	}
	n, err := w.out.Write(b)
	w.n += n
	if err != nil {
		w.err = fmt.Errorf("wire write: %w", err)
	}
}

// WriteUint8 writes a single byte.
func (w *Writer) WriteUint8(v uint8) {
	w.buf[0] = v
	w.WriteBytes(w.buf[:1])
}

// WriteBool writes a boolean as one byte (0 or 1).
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
		return
	}
	w.WriteUint8(0)
}

// WriteUint16 writes a big-endian uint16.
func (w *Writer) WriteUint16(v uint16) {
	binary.BigEndian.PutUint16(w.buf[:2], v)
	w.WriteBytes(w.buf[:2])
}

// WriteUint32 writes a big-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[:4], v)
	w.WriteBytes(w.buf[:4])
}

// WriteInt32 writes a big-endian two's-complement int32.
func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

// WriteUint64 writes a big-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[:8], v)
	w.WriteBytes(w.buf[:8])
}

// WriteInt64 writes a big-endian two's-complement int64.
func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

// WriteVarBytes writes a 4-byte length prefix followed by b.
func (w *Writer) WriteVarBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.WriteBytes(b)
}

// WriteString writes a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteVarBytes([]byte(s))
}

// WriteHash writes the 32 raw bytes of h.
func (w *Writer) WriteHash(h types.Hash) {
	w.WriteBytes(h[:])
}

// WriteCount writes a list length prefix. Lists share the byte-string
// prefix format.
func (w *Writer) WriteCount(n int) {
	w.WriteUint32(uint32(n))
}

// Reader is a forward-only cursor over an in-memory buffer. It never
// seeks backward; Pos reports how far it has advanced, for diagnostics.
type Reader struct {
	buf []byte
	pos int
	err error
}

// NewReader returns a Reader over b. The reader does not copy b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error {
	return r.err
}

// SetErr records err unless an earlier error is already recorded.
// Deserialize methods use it to report semantically invalid values.
func (r *Reader) SetErr(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Pos returns the number of bytes consumed so far.
func (r *Reader) Pos() int {
	return r.pos
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

// next consumes n bytes and returns them as a sub-slice of the buffer.
// It returns nil once the reader has failed.
func (r *Reader) next(n int, op string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.Len() {
		r.err = &FormatError{Op: op, Pos: r.pos, Need: n, Have: r.Len()}
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() uint8 {
	b := r.next(1, "uint8")
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadBool reads a one-byte boolean. Values other than 0 and 1 are a
// format error.
func (r *Reader) ReadBool() bool {
	pos := r.pos
	v := r.ReadUint8()
	if v > 1 {
		r.SetErr(&FormatError{Op: "bool", Pos: pos, Msg: fmt.Sprintf("invalid boolean byte %#x", v)})
		return false
	}
	return v == 1
}

// ReadUint16 reads a big-endian uint16.
func (r *Reader) ReadUint16() uint16 {
	b := r.next(2, "uint16")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// ReadUint32 reads a big-endian uint32.
func (r *Reader) ReadUint32() uint32 {
	b := r.next(4, "uint32")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// ReadInt32 reads a big-endian int32.
func (r *Reader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

// ReadUint64 reads a big-endian uint64.
func (r *Reader) ReadUint64() uint64 {
	b := r.next(8, "uint64")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// ReadInt64 reads a big-endian int64.
func (r *Reader) ReadInt64() int64 {
	return int64(r.ReadUint64())
}

// ReadBytes reads exactly n bytes whose length the caller already knows.
// The result is a copy. A zero-length read returns an empty, non-nil slice.
func (r *Reader) ReadBytes(n int) []byte {
	b := r.next(n, "bytes")
	if b == nil {
		if r.err == nil {
			return []byte{}
		}
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// ReadVarBytes reads a 4-byte length prefix and that many bytes. A
// declared length larger than max (when max > 0) or than the remaining
// buffer is a format error.
func (r *Reader) ReadVarBytes(max int) []byte {
	pos := r.pos
	n := r.ReadUint32()
	if r.err != nil {
		return nil
	}
	if max > 0 && uint64(n) > uint64(max) {
		r.err = &FormatError{Op: "varbytes", Pos: pos, Msg: fmt.Sprintf("length %d exceeds limit %d", n, max)}
		return nil
	}
	if uint64(n) > uint64(r.Len()) {
		r.err = &FormatError{Op: "varbytes", Pos: r.pos, Need: int(n), Have: r.Len()}
		return nil
	}
	return r.ReadBytes(int(n))
}

// ReadString reads a length-prefixed string of at most max bytes.
func (r *Reader) ReadString(max int) string {
	return string(r.ReadVarBytes(max))
}

// ReadHash reads 32 raw bytes.
func (r *Reader) ReadHash() types.Hash {
	var h types.Hash
	if b := r.next(types.HashSize, "hash"); b != nil {
		copy(h[:], b)
	}
	return h
}

// ReadCount reads a list length prefix and checks that count elements of
// at least minElemSize bytes each can still fit in the buffer, so callers
// never allocate for lists the input cannot hold.
func (r *Reader) ReadCount(minElemSize int) int {
	pos := r.pos
	n := r.ReadUint32()
	if r.err != nil {
		return 0
	}
	if minElemSize > 0 && uint64(n)*uint64(minElemSize) > uint64(r.Len()) {
		r.err = &FormatError{Op: "count", Pos: pos, Need: int(n) * minElemSize, Have: r.Len()}
		return 0
	}
	return int(n)
}

// ReadRest consumes and returns a copy of every remaining byte.
func (r *Reader) ReadRest() []byte {
	return r.ReadBytes(r.Len())
}

// Marshal serializes s into a new buffer of exactly s.Size() bytes.
func Marshal(s Serializable) ([]byte, error) {
	size := s.Size()
	buf := bytes.NewBuffer(make([]byte, 0, size))
	w := NewWriter(buf)
	s.Serialize(w)
	if err := w.Err(); err != nil {
		return nil, err
	}
	if w.Len() != size {
		return nil, fmt.Errorf("wire: %T wrote %d bytes, Size() reported %d", s, w.Len(), size)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes s from b. Bytes left over after decoding are a
// format error.
func Unmarshal(b []byte, s Serializable) error {
	r := NewReader(b)
	s.Deserialize(r)
	if err := r.Err(); err != nil {
		return err
	}
	if r.Len() != 0 {
		return &FormatError{Op: fmt.Sprintf("%T", s), Pos: r.Pos(), Msg: fmt.Sprintf("%d trailing bytes", r.Len())}
	}
	return nil
}
