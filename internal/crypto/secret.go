package crypto

import "sync"

// Secret is a scoped secret buffer: acquire it around sensitive material and
// Destroy on every exit path. Destroy is idempotent, so a deferred call is
// safe even when an error path already wiped the buffer.
type Secret struct {
	mu        sync.Mutex
	b         []byte
	destroyed bool
}

// NewSecret takes ownership of b and best-effort pins it out of swap.
func NewSecret(b []byte) *Secret {
	_ = lockMemory(b)
	return &Secret{b: b}
}

// Bytes exposes the underlying buffer. Callers must not retain it past
// Destroy.
func (s *Secret) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	return s.b
}

// Destroy zeroes and unpins the buffer.
func (s *Secret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	Zero(s.b)
	_ = unlockMemory(s.b)
	s.b = nil
	s.destroyed = true
}
