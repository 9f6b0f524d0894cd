package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// maxBlobLen bounds a single length-prefixed field. Individual frames are
// additionally bounded by the frame codec's configured maximum.
const maxBlobLen = 1 << 30

// ErrShortRead is returned when there are insufficient bytes to complete
// a read.
var ErrShortRead = errors.New("wire: short read")

// Reader provides sequential reading of little-endian encoded wire data
// with error accumulation. Once an error occurs, all subsequent reads
// become no-ops returning zero values.
type Reader struct {
	data []byte
	pos  int
	err  error
}

// NewReader creates a Reader over the given byte slice.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) require(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrShortRead, n, r.pos, len(r.data)-r.pos)
		return false
	}
	return true
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() uint8 {
	if !r.require(1) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

// ReadBool reads a single byte and reports whether it is non-zero.
func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() uint32 {
	if !r.require(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() uint64 {
	if !r.require(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

// ReadBlob reads a little-endian uint32 length followed by that many bytes.
// A zero length yields a nil slice.
func (r *Reader) ReadBlob() []byte {
	n := r.ReadUint32()
	if r.err != nil {
		return nil
	}
	if n == 0 {
		return nil
	}
	if n > maxBlobLen {
		r.err = fmt.Errorf("wire: blob length %d exceeds limit", n)
		return nil
	}
	if !r.require(int(n)) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b
}

// ReadString reads a little-endian uint32 length followed by that many
// UTF-8 bytes.
func (r *Reader) ReadString() string {
	n := r.ReadUint32()
	if r.err != nil || n == 0 {
		return ""
	}
	if !r.require(int(n)) {
		return ""
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return max(len(r.data)-r.pos, 0)
}

// Position returns the current read position.
func (r *Reader) Position() int { return r.pos }

// Err returns the first error encountered, or nil.
func (r *Reader) Err() error { return r.err }
