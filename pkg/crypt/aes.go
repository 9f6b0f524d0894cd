package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/marmos91/remoting/pkg/rpcerror"
)

// SecretSize is the AES-128 key size and the per-envelope IV size.
const SecretSize = 16

// NewSecret generates a fresh 16-byte symmetric session key.
func NewSecret() ([]byte, error) {
	key := make([]byte, SecretSize)
	if _, err := rand.Read(key); err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "generate session key")
	}
	return key, nil
}

// Encrypt encrypts plaintext under AES-128-CBC with PKCS7 padding using a
// fresh random IV, which is returned alongside the ciphertext.
func Encrypt(secret, plaintext []byte) (ciphertext, iv []byte, err error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "init cipher")
	}

	iv = make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "generate iv")
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, iv, nil
}

// Decrypt reverses Encrypt. The IV must be exactly one AES block.
func Decrypt(secret, ciphertext, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindCryptoFailed, err, "init cipher")
	}
	if len(iv) != aes.BlockSize {
		return nil, rpcerror.Newf(rpcerror.KindCryptoFailed, "iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, rpcerror.Newf(rpcerror.KindCryptoFailed, "ciphertext length %d not a block multiple", len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+pad)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, rpcerror.New(rpcerror.KindCryptoFailed, "invalid padded length")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize {
		return nil, rpcerror.New(rpcerror.KindCryptoFailed, "invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, rpcerror.New(rpcerror.KindCryptoFailed, "invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
