package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Context labels for subkey derivation. Distinct labels guarantee domain
// separation: a verification key can never collide with an encryption key
// derived from the same stretched secret.
const (
	ContextVerify  = "kotori/verify/v1"
	ContextEncrypt = "kotori/encrypt/v1"
	ContextKEK     = "kotori/kek/v1"
)

var ErrShortDerivation = errors.New("crypto: derivation produced short output")

// DeriveSubkey expands a stretched secret into a context-bound 32-byte subkey
// with HKDF-SHA256. An optional salt binds the derivation to a public value
// such as the phrase hash identifier.
func DeriveSubkey(secret, salt []byte, context string) ([]byte, error) {
	stream := hkdf.New(sha256.New, secret, salt, []byte(context))
	key := make([]byte, 32)
	if _, err := io.ReadFull(stream, key); err != nil {
		return nil, ErrShortDerivation
	}
	return key, nil
}
