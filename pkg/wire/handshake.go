package wire

import (
	"github.com/marmos91/remoting/pkg/rpcerror"
)

// Handshake payload codecs. Handshake envelopes are always plaintext on
// the wire (the hello exchange happens before any shared secret exists;
// auth payloads are sealed by the session layer when encryption is on),
// so these encode straight field sequences in declaration order.

// HelloRequest is the client's opening payload. An empty PublicKey means
// the client requests a plaintext session; on the wire that is a
// zero-length payload.
type HelloRequest struct {
	// PublicKey is the DER-encoded RSA public key of the client.
	PublicKey []byte
}

// Encode renders the hello request payload.
func (h *HelloRequest) Encode() []byte {
	if len(h.PublicKey) == 0 {
		return nil
	}
	w := NewWriter(4 + len(h.PublicKey))
	w.WriteBlob(h.PublicKey)
	return w.Bytes()
}

// DecodeHelloRequest parses the client hello payload. A zero-length
// payload requests a plaintext session.
func DecodeHelloRequest(data []byte) (*HelloRequest, error) {
	if len(data) == 0 {
		return &HelloRequest{}, nil
	}
	r := NewReader(data)
	h := &HelloRequest{PublicKey: r.ReadBlob()}
	if err := r.Err(); err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindProtocolViolation, err, "decode hello")
	}
	return h, nil
}

// HelloResponse is the server's reply. For a plaintext session both
// fields are empty and the payload is zero-length; the envelope's
// correlation id carries the freshly issued session id in both modes.
type HelloResponse struct {
	// WrappedKey is the session's AES key encrypted with the client's
	// RSA public key (OAEP).
	WrappedKey []byte
	// ServerPublicKey is the DER-encoded RSA public key the server will
	// sign its envelopes with for this session.
	ServerPublicKey []byte
}

// Encode renders the hello response payload.
func (h *HelloResponse) Encode() []byte {
	if len(h.WrappedKey) == 0 {
		return nil
	}
	w := NewWriter(8 + len(h.WrappedKey) + len(h.ServerPublicKey))
	w.WriteBlob(h.WrappedKey)
	w.WriteBlob(h.ServerPublicKey)
	return w.Bytes()
}

// DecodeHelloResponse parses the server hello payload. A zero-length
// payload confirms a plaintext session.
func DecodeHelloResponse(data []byte) (*HelloResponse, error) {
	if len(data) == 0 {
		return &HelloResponse{}, nil
	}
	r := NewReader(data)
	h := &HelloResponse{
		WrappedKey:      r.ReadBlob(),
		ServerPublicKey: r.ReadBlob(),
	}
	if err := r.Err(); err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindProtocolViolation, err, "decode hello response")
	}
	return h, nil
}

// Credential is one name/value pair of an authentication request.
type Credential struct {
	Name  string
	Value string
}

// EncodeAuthRequest renders `credential_count:u32 (name:str value:str)*`.
func EncodeAuthRequest(creds []Credential) []byte {
	w := NewWriter(64)
	w.WriteUint32(uint32(len(creds)))
	for _, c := range creds {
		w.WriteString(c.Name)
		w.WriteString(c.Value)
	}
	return w.Bytes()
}

// DecodeAuthRequest parses an auth payload.
func DecodeAuthRequest(data []byte) ([]Credential, error) {
	r := NewReader(data)
	count := r.ReadUint32()
	if r.Err() == nil && int(count) > r.Remaining() {
		return nil, rpcerror.Newf(rpcerror.KindProtocolViolation,
			"auth credential count %d exceeds payload", count)
	}
	creds := make([]Credential, 0, count)
	for i := uint32(0); i < count; i++ {
		creds = append(creds, Credential{
			Name:  r.ReadString(),
			Value: r.ReadString(),
		})
	}
	if err := r.Err(); err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindProtocolViolation, err, "decode auth")
	}
	return creds, nil
}

// AuthResponse reports the outcome of an authentication exchange along
// with the authenticated identity.
type AuthResponse struct {
	OK       bool
	Name     string
	Domain   string
	AuthType string
	Roles    []string
}

// Encode renders `ok:u8 name:str domain:str auth_type:str role_count:u32 role:str*`.
func (a *AuthResponse) Encode() []byte {
	w := NewWriter(64)
	w.WriteBool(a.OK)
	w.WriteString(a.Name)
	w.WriteString(a.Domain)
	w.WriteString(a.AuthType)
	w.WriteUint32(uint32(len(a.Roles)))
	for _, role := range a.Roles {
		w.WriteString(role)
	}
	return w.Bytes()
}

// DecodeAuthResponse parses an auth_response payload.
func DecodeAuthResponse(data []byte) (*AuthResponse, error) {
	r := NewReader(data)
	a := &AuthResponse{
		OK:       r.ReadBool(),
		Name:     r.ReadString(),
		Domain:   r.ReadString(),
		AuthType: r.ReadString(),
	}
	count := r.ReadUint32()
	if r.Err() == nil && int(count) > r.Remaining() {
		return nil, rpcerror.Newf(rpcerror.KindProtocolViolation,
			"auth_response role count %d exceeds payload", count)
	}
	for i := uint32(0); i < count; i++ {
		a.Roles = append(a.Roles, r.ReadString())
	}
	if err := r.Err(); err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindProtocolViolation, err, "decode auth_response")
	}
	return a, nil
}

// EncodeGoodbye renders `session_id:bytes`.
func EncodeGoodbye(sessionID []byte) []byte {
	w := NewWriter(4 + len(sessionID))
	w.WriteBlob(sessionID)
	return w.Bytes()
}

// DecodeGoodbye parses a goodbye payload.
func DecodeGoodbye(data []byte) ([]byte, error) {
	r := NewReader(data)
	id := r.ReadBlob()
	if err := r.Err(); err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindProtocolViolation, err, "decode goodbye")
	}
	return id, nil
}
