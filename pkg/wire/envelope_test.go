package wire

import (
	"bytes"
	"testing"

	"github.com/marmos91/remoting/pkg/rpcerror"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	corr := bytes.Repeat([]byte{0x11}, CorrelationSize)
	iv := bytes.Repeat([]byte{0x22}, 16)

	tests := []struct {
		name string
		env  Envelope
	}{
		{"call", Envelope{Type: TypeCall, CorrelationID: corr, Payload: []byte(`{"x":1}`)}},
		{"sealed", Envelope{Type: TypeResult, CorrelationID: corr, IV: iv, Payload: []byte{1, 2, 3}}},
		{"error", Envelope{Type: TypeResult, Error: true, CorrelationID: corr, Payload: []byte("fault")}},
		{"hello", Envelope{Type: TypeHello}},
		{"goodbye", Envelope{Type: TypeGoodbye, Payload: corr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := tt.env.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := DecodeEnvelope(frame)
			if err != nil {
				t.Fatalf("DecodeEnvelope: %v", err)
			}
			if got.Type != tt.env.Type || got.Error != tt.env.Error {
				t.Errorf("header mismatch: got %+v", got)
			}
			if !bytes.Equal(got.CorrelationID, tt.env.CorrelationID) {
				t.Errorf("correlation id mismatch")
			}
			if !bytes.Equal(got.IV, tt.env.IV) {
				t.Errorf("iv mismatch")
			}
			if !bytes.Equal(got.Payload, tt.env.Payload) {
				t.Errorf("payload mismatch")
			}
		})
	}
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	valid, err := (&Envelope{Type: TypeCall, Payload: []byte("x")}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"trailing bytes", append(append([]byte{}, valid...), 0xff)},
		{"truncated", valid[:len(valid)-1]},
		{"empty", nil},
		{"bad correlation size", mustEncode(t, &Envelope{Type: TypeCall, CorrelationID: []byte{1, 2, 3}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEnvelope(tt.data); rpcerror.KindOf(err) != rpcerror.KindProtocolViolation {
				t.Errorf("got %v, want protocol_violation", err)
			}
		})
	}
}

func mustEncode(t *testing.T, env *Envelope) []byte {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func TestKnownType(t *testing.T) {
	for _, typ := range []string{TypeHello, TypeAuth, TypeAuthResponse, TypeCall, TypeResult, TypeDelegate, TypeGoodbye, TypeError} {
		if !KnownType(typ) {
			t.Errorf("KnownType(%q) = false", typ)
		}
	}
	if KnownType("bogus") {
		t.Error("KnownType(bogus) = true")
	}
}

func TestHandshakeCodecs(t *testing.T) {
	creds := []Credential{{Name: "username", Value: "alice"}, {Name: "password", Value: "s3cret"}}
	decoded, err := DecodeAuthRequest(EncodeAuthRequest(creds))
	if err != nil {
		t.Fatalf("DecodeAuthRequest: %v", err)
	}
	if len(decoded) != 2 || decoded[0].Value != "alice" || decoded[1].Name != "password" {
		t.Errorf("credentials mismatch: %+v", decoded)
	}

	resp := &AuthResponse{OK: true, Name: "alice", Domain: "corp", AuthType: "static", Roles: []string{"admin", "ops"}}
	back, err := DecodeAuthResponse(resp.Encode())
	if err != nil {
		t.Fatalf("DecodeAuthResponse: %v", err)
	}
	if !back.OK || back.Name != "alice" || len(back.Roles) != 2 || back.Roles[1] != "ops" {
		t.Errorf("auth response mismatch: %+v", back)
	}

	id := bytes.Repeat([]byte{0x5a}, CorrelationSize)
	got, err := DecodeGoodbye(EncodeGoodbye(id))
	if err != nil {
		t.Fatalf("DecodeGoodbye: %v", err)
	}
	if !bytes.Equal(got, id) {
		t.Errorf("goodbye session id mismatch")
	}

	// Plaintext hello: zero-length payloads on both legs.
	if p := (&HelloRequest{}).Encode(); len(p) != 0 {
		t.Errorf("plaintext hello payload = %d bytes, want 0", len(p))
	}
	if p := (&HelloResponse{}).Encode(); len(p) != 0 {
		t.Errorf("plaintext hello response payload = %d bytes, want 0", len(p))
	}
}
