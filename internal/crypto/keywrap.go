package crypto

import (
	"crypto/aes"
	"crypto/subtle"
	"errors"
)

// AES Key Wrap per RFC 3394 / NIST SP 800-38F. Deterministic, fixed-size
// expansion of 8 bytes, fails closed on any integrity mismatch.

var (
	ErrWrapKeyLength   = errors.New("crypto: wrap input must be a multiple of 8 bytes, at least 16")
	ErrUnwrapTooShort  = errors.New("crypto: wrapped key too short")
	ErrUnwrapIntegrity = errors.New("crypto: key unwrap integrity check failed")
)

// kwIV is the fixed initial value from RFC 3394 §2.2.3.1.
var kwIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// Wrap encrypts dataKey under kek. Output is len(dataKey)+8 bytes.
func Wrap(kek, dataKey []byte) ([]byte, error) {
	if len(dataKey) < 16 || len(dataKey)%8 != 0 {
		return nil, ErrWrapKeyLength
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(dataKey) / 8
	out := make([]byte, 8+len(dataKey))
	copy(out[:8], kwIV[:])
	copy(out[8:], dataKey)

	var buf [16]byte
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], out[:8])
			copy(buf[8:], out[i*8:i*8+8])
			block.Encrypt(buf[:], buf[:])
			t := uint64(n*j + i)
			copy(out[:8], buf[:8])
			for k := 0; k < 8; k++ {
				out[7-k] ^= byte(t >> (8 * k))
			}
			copy(out[i*8:i*8+8], buf[8:])
		}
	}
	return out, nil
}

// Unwrap reverses Wrap and authenticates the result. On any tamper it
// returns ErrUnwrapIntegrity and no partial output.
func Unwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, ErrUnwrapTooShort
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(wrapped)/8 - 1
	a := make([]byte, 8)
	r := make([]byte, len(wrapped)-8)
	copy(a, wrapped[:8])
	copy(r, wrapped[8:])

	var buf [16]byte
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			copy(buf[:8], a)
			for k := 0; k < 8; k++ {
				buf[7-k] ^= byte(t >> (8 * k))
			}
			copy(buf[8:], r[(i-1)*8:i*8])
			block.Decrypt(buf[:], buf[:])
			copy(a, buf[:8])
			copy(r[(i-1)*8:i*8], buf[8:])
		}
	}

	if subtle.ConstantTimeCompare(a, kwIV[:]) != 1 {
		Zero(r)
		return nil, ErrUnwrapIntegrity
	}
	return r, nil
}
