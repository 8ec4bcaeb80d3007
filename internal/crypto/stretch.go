package crypto

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/crypto/argon2"
)

// StretchParams are the Argon2id costs used to harden a phrase before any
// key derivation. Costs differ by platform class; the salt travels with the
// tag record.
type StretchParams struct {
	M    uint32
	T    uint32
	P    uint8
	Salt []byte
}

func DefaultDesktopStretch() StretchParams {
	salt := make([]byte, 32)
	_, _ = rand.Read(salt)
	return StretchParams{M: 256 * 1024, T: 3, P: 4, Salt: salt}
}

func DefaultMobileStretch() StretchParams {
	salt := make([]byte, 32)
	_, _ = rand.Read(salt)
	return StretchParams{M: 64 * 1024, T: 3, P: 2, Salt: salt}
}

// Stretch runs the memory-hard KDF over a normalized phrase. The caller owns
// the returned buffer and must Zero it when done.
func Stretch(phrase []byte, p StretchParams) []byte {
	return argon2.IDKey(phrase, p.Salt, p.T, p.M, p.P, 32)
}

func EncodeSalt(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeSalt(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
