// Package wire implements the binary wire protocol: length-prefixed
// framing over byte streams, the typed message envelope, and the
// handshake payload codecs. All integers are little-endian.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/marmos91/remoting/pkg/bufpool"
	"github.com/marmos91/remoting/pkg/rpcerror"
)

const (
	// DefaultMaxFrameBytes is the default cap on a single frame payload.
	DefaultMaxFrameBytes = 128 << 20 // 128 MiB

	// HardMaxFrameBytes is the absolute ceiling a configuration may raise
	// the frame cap to.
	HardMaxFrameBytes = 1 << 30 // 1 GiB
)

// ClampMaxFrame normalizes a configured frame cap: zero or negative values
// fall back to the default, values above the hard ceiling are clamped.
func ClampMaxFrame(n int64) uint32 {
	if n <= 0 {
		return DefaultMaxFrameBytes
	}
	if n > HardMaxFrameBytes {
		return HardMaxFrameBytes
	}
	return uint32(n)
}

// ReadFrame reads one length-prefixed frame from r.
//
// The frame header is a 4-byte little-endian unsigned payload length.
// Partial reads are accumulated via io.ReadFull; a clean peer close while
// waiting for the next header surfaces as io.EOF. Payloads larger than
// maxFrame fail with protocol_violation.
//
// The returned buffer comes from the buffer pool; the caller must return
// it via bufpool.Put once the payload has been decoded.
func ReadFrame(r io.Reader, maxFrame uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > maxFrame {
		return nil, rpcerror.Newf(rpcerror.KindProtocolViolation,
			"frame of %d bytes exceeds cap of %d", length, maxFrame)
	}
	if length == 0 {
		return nil, nil
	}

	payload := bufpool.Get(int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		bufpool.Put(payload)
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame to w. The caller must hold
// the connection's send lock so the header and payload are never
// interleaved with another frame.
func WriteFrame(w io.Writer, payload []byte, maxFrame uint32) error {
	if uint32(len(payload)) > maxFrame {
		return rpcerror.Newf(rpcerror.KindProtocolViolation,
			"frame of %d bytes exceeds cap of %d", len(payload), maxFrame)
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}
