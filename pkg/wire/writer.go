package wire

import (
	"encoding/binary"
	"fmt"
)

// Writer provides sequential writing of little-endian encoded wire data
// with append-based growth and error accumulation. Once an error occurs,
// all subsequent writes become no-ops.
type Writer struct {
	buf []byte
	err error
}

// NewWriter creates a new Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, v)
}

// WriteBool appends a single 0/1 byte.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

// WriteUint32 appends a little-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	if w.err != nil {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint64 appends a little-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	if w.err != nil {
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteBytes appends raw bytes without a length prefix.
func (w *Writer) WriteBytes(data []byte) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, data...)
}

// WriteBlob appends a little-endian uint32 length followed by the bytes.
// A nil slice is written as length zero.
func (w *Writer) WriteBlob(data []byte) {
	if w.err != nil {
		return
	}
	if len(data) > maxBlobLen {
		w.err = fmt.Errorf("wire: blob of %d bytes exceeds limit", len(data))
		return
	}
	w.WriteUint32(uint32(len(data)))
	w.buf = append(w.buf, data...)
}

// WriteString appends a little-endian uint32 length followed by the UTF-8
// bytes of s.
func (w *Writer) WriteString(s string) {
	if w.err != nil {
		return
	}
	if len(s) > maxBlobLen {
		w.err = fmt.Errorf("wire: string of %d bytes exceeds limit", len(s))
		return
	}
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Bytes returns the accumulated bytes.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the current length of the buffer.
func (w *Writer) Len() int { return len(w.buf) }

// Err returns the first error encountered, or nil.
func (w *Writer) Err() error { return w.err }
