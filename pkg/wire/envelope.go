package wire

import (
	"github.com/marmos91/remoting/pkg/rpcerror"
)

// Recognized envelope message types. Unknown types are logged and
// discarded by the receive loops; they never tear down a session.
const (
	TypeHello        = "hello"
	TypeAuth         = "auth"
	TypeAuthResponse = "auth_response"
	TypeCall         = "call"
	TypeResult       = "result"
	TypeDelegate     = "delegate"
	TypeGoodbye      = "goodbye"
	TypeError        = "error"
)

// CorrelationSize is the size in bytes of a correlation id, session id,
// and handler key (128-bit tokens).
const CorrelationSize = 16

// Envelope is the only message shape on the wire. Payload carries the
// serialized typed message; for encrypted sessions it is the sealed
// {ciphertext, signature} framing and IV holds the fresh per-envelope
// AES initialization vector. CorrelationID may be empty for unsolicited
// messages.
type Envelope struct {
	Type          string
	Error         bool
	CorrelationID []byte
	IV            []byte
	Payload       []byte
}

// KnownType reports whether t is one of the recognized envelope types.
func KnownType(t string) bool {
	switch t {
	case TypeHello, TypeAuth, TypeAuthResponse, TypeCall, TypeResult,
		TypeDelegate, TypeGoodbye, TypeError:
		return true
	}
	return false
}

// Encode renders the envelope in wire order:
//
//	message_type:str  error:u8  correlation_id:bytes  iv:bytes  payload:bytes
func (e *Envelope) Encode() ([]byte, error) {
	w := NewWriter(5*4 + len(e.Type) + 1 + len(e.CorrelationID) + len(e.IV) + len(e.Payload))
	w.WriteString(e.Type)
	w.WriteBool(e.Error)
	w.WriteBlob(e.CorrelationID)
	w.WriteBlob(e.IV)
	w.WriteBlob(e.Payload)
	if err := w.Err(); err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindProtocolViolation, err, "encode envelope")
	}
	return w.Bytes(), nil
}

// DecodeEnvelope parses one envelope from data. Trailing bytes after the
// payload field are a protocol violation.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	r := NewReader(data)
	e := &Envelope{
		Type:          r.ReadString(),
		Error:         r.ReadBool(),
		CorrelationID: r.ReadBlob(),
		IV:            r.ReadBlob(),
		Payload:       r.ReadBlob(),
	}
	if err := r.Err(); err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindProtocolViolation, err, "decode envelope")
	}
	if r.Remaining() != 0 {
		return nil, rpcerror.Newf(rpcerror.KindProtocolViolation,
			"envelope has %d trailing bytes", r.Remaining())
	}
	if e.Type == "" {
		return nil, rpcerror.New(rpcerror.KindProtocolViolation, "envelope missing message type")
	}
	if len(e.CorrelationID) != 0 && len(e.CorrelationID) != CorrelationSize {
		return nil, rpcerror.Newf(rpcerror.KindProtocolViolation,
			"correlation id must be %d bytes, got %d", CorrelationSize, len(e.CorrelationID))
	}
	return e, nil
}
