package crypto

import (
	"golang.org/x/crypto/blake2s"
)

// IdentifierHashSize is the length of a phrase hash identifier in bytes.
const IdentifierHashSize = 16

// identDomain keys the identifier hash so it cannot collide with any other
// BLAKE2s use of the same phrase bytes.
var identDomain = []byte("kotori-phrase-id")

// IdentifierHash maps a normalized phrase to its deterministic, salt-free
// 16-byte locator. It is used only to find a candidate tag record, never to
// authenticate it: the one-way hash reveals nothing about the phrase and the
// server cannot invert it.
func IdentifierHash(phrase []byte) [IdentifierHashSize]byte {
	h, err := blake2s.New128(identDomain)
	if err != nil {
		// New128 only fails on oversized keys; identDomain is fixed.
		panic(err)
	}
	h.Write(phrase)
	var out [IdentifierHashSize]byte
	h.Sum(out[:0])
	return out
}
