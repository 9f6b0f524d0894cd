package crypt

import (
	"crypto/rsa"

	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/wire"
)

// Seal encrypts a serialized message for an encrypted session and signs
// the ciphertext. The returned payload is the trailer framing
//
//	ciphertext_len:u32  ciphertext  signature_len:u32  signature
//
// and the IV goes into the envelope's iv field. The signature covers
// ciphertext || iv with the sender's RSA private key, so a receiver can
// authenticate the envelope before decrypting it.
func Seal(secret []byte, signer *rsa.PrivateKey, plaintext []byte) (payload, iv []byte, err error) {
	ciphertext, iv, err := Encrypt(secret, plaintext)
	if err != nil {
		return nil, nil, err
	}

	sig, err := Sign(signer, ciphertext, iv)
	if err != nil {
		return nil, nil, err
	}

	w := wire.NewWriter(8 + len(ciphertext) + len(sig))
	w.WriteBlob(ciphertext)
	w.WriteBlob(sig)
	if err := w.Err(); err != nil {
		return nil, nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "frame sealed payload")
	}
	return w.Bytes(), iv, nil
}

// Open verifies and decrypts a sealed payload produced by Seal, using the
// sender's public key for signature verification. Any mismatch between
// signature, ciphertext, and IV fails with crypto_failed.
func Open(secret []byte, sender *rsa.PublicKey, payload, iv []byte) ([]byte, error) {
	r := wire.NewReader(payload)
	ciphertext := r.ReadBlob()
	sig := r.ReadBlob()
	if err := r.Err(); err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "parse sealed payload")
	}
	if r.Remaining() != 0 {
		return nil, rpcerror.Newf(rpcerror.KindCryptoFailed,
			"sealed payload has %d trailing bytes", r.Remaining())
	}

	if err := Verify(sender, ciphertext, iv, sig); err != nil {
		return nil, err
	}
	return Decrypt(secret, ciphertext, iv)
}
