package crypto

import "crypto/subtle"

// Zero overwrites a byte slice in memory with zeros.
// This version works on all operating systems.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroAll wipes every slice. Convenient for defer on exit paths that retired
// more than one secret.
func ZeroAll(bufs ...[]byte) {
	for _, b := range bufs {
		Zero(b)
	}
}

// Equal compares two secret-derived values in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
