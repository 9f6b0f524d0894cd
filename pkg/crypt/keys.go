// Package crypt implements the cryptographic primitives of the message
// pipeline: RSA keypairs for key wrap and detached signatures during the
// hello/auth exchange, and AES-128-CBC with PKCS7 padding for per-envelope
// payload encryption. The algorithm choices are fixed and never negotiated
// on the wire.
package crypt

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"

	"github.com/marmos91/remoting/pkg/rpcerror"
)

// DefaultRSAKeySize is the default keypair size in bits.
const DefaultRSAKeySize = 4096

// MinRSAKeySize rejects keypairs too small to wrap an AES key under
// OAEP-SHA256 with a sane security margin.
const MinRSAKeySize = 2048

// GenerateKeyPair creates a fresh RSA keypair. A non-positive bit size
// selects the default.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultRSAKeySize
	}
	if bits < MinRSAKeySize {
		return nil, rpcerror.Newf(rpcerror.KindCryptoFailed,
			"rsa key size %d below minimum %d", bits, MinRSAKeySize)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "generate rsa keypair")
	}
	return key, nil
}

// MarshalPublicKey renders an RSA public key as PKIX DER bytes for the
// hello exchange.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "marshal public key")
	}
	return der, nil
}

// ParsePublicKey parses PKIX DER bytes into an RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "parse public key")
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, rpcerror.Newf(rpcerror.KindCryptoFailed, "public key is %T, want RSA", key)
	}
	return pub, nil
}

// WrapKey encrypts a symmetric key with the peer's RSA public key using
// OAEP-SHA256.
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "wrap symmetric key")
	}
	return wrapped, nil
}

// UnwrapKey decrypts a wrapped symmetric key with the local RSA private key.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "unwrap symmetric key")
	}
	return key, nil
}

// Sign produces a detached PKCS1v15-SHA256 signature over payload || iv.
func Sign(priv *rsa.PrivateKey, payload, iv []byte) ([]byte, error) {
	digest := digestPayload(payload, iv)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "sign payload")
	}
	return sig, nil
}

// Verify checks a detached signature over payload || iv against the
// sender's public key.
func Verify(pub *rsa.PublicKey, payload, iv, sig []byte) error {
	digest := digestPayload(payload, iv)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig); err != nil {
		return rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "signature verification failed")
	}
	return nil
}

func digestPayload(payload, iv []byte) []byte {
	h := sha256.New()
	h.Write(payload)
	h.Write(iv)
	return h.Sum(nil)
}
