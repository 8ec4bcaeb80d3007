package crypto

import (
	"crypto/rand"
	"errors"

	xchacha "golang.org/x/crypto/chacha20poly1305"
)

const (
	AEADNonceSize = xchacha.NonceSizeX
	AEADTagSize   = xchacha.Overhead
)

var (
	ErrAEADKeyLength = errors.New("crypto: aead key must be 32 bytes")
	ErrAEADOpen      = errors.New("crypto: aead authentication failed")
)

// AEADSeal encrypts plaintext under key with a fresh random nonce, binding
// aad into the authentication tag. Nonce, ciphertext, and tag are returned
// separately because vault blobs store them as distinct fields.
func AEADSeal(key, plaintext, aad []byte) (nonce, ciphertext, tag []byte, err error) {
	if len(key) != xchacha.KeySize {
		return nil, nil, nil, ErrAEADKeyLength
	}
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce = make([]byte, AEADNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - AEADTagSize
	return nonce, sealed[:split], sealed[split:], nil
}

// AEADOpen authenticates and decrypts. Any mismatch of key, nonce, tag, or
// aad yields ErrAEADOpen and no plaintext.
func AEADOpen(key, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(key) != xchacha.KeySize {
		return nil, ErrAEADKeyLength
	}
	if len(nonce) != AEADNonceSize || len(tag) != AEADTagSize {
		return nil, ErrAEADOpen
	}
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	pt, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrAEADOpen
	}
	return pt, nil
}
