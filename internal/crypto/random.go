package crypto

import "crypto/rand"

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomKey returns a fresh 32-byte symmetric key.
func RandomKey() ([]byte, error) {
	return RandomBytes(32)
}
