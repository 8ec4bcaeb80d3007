// Package session owns the in-memory table of active secret-tag sessions:
// creation after a successful authentication, expiry timers, lock state,
// metadata persistence for restart continuity, and the panic wipe.
package session

import (
	"time"

	"github.com/iskrov/kotori-sub005/internal/crypto"
	"github.com/iskrov/kotori-sub005/internal/vaultkeys"
)

// Session is the ephemeral, memory-only grant for one tag. Secret fields
// live only here; every removal path wipes them before the record is
// dropped.
type Session struct {
	TagID       string
	TagName     string
	Origin      string
	Fingerprint string

	secret *crypto.Secret
	keys   []vaultkeys.DataKey

	CreatedAt   time.Time
	ExpiresAt   time.Time
	Locked      bool
	AccessCount int
}

func (s *Session) wipe() {
	if s.secret != nil {
		s.secret.Destroy()
	}
	for i := range s.keys {
		s.keys[i].Destroy()
	}
	s.keys = nil
}

// Info is the non-secret snapshot handed to callers.
type Info struct {
	TagID       string    `json:"tagId"`
	TagName     string    `json:"tagName"`
	Origin      string    `json:"origin"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Locked      bool      `json:"locked"`
	AccessCount int       `json:"accessCount"`
}

func (s *Session) info() Info {
	return Info{
		TagID:       s.TagID,
		TagName:     s.TagName,
		Origin:      s.Origin,
		Fingerprint: s.Fingerprint,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
		Locked:      s.Locked,
		AccessCount: s.AccessCount,
	}
}

// Metadata is the persisted subset of a session: the same non-secret
// snapshot, safe to expose to backup and restore.
type Metadata = Info

// Event types emitted by the manager.
const (
	EventCreated  = "created"
	EventExtended = "extended"
	EventLocked   = "locked"
	EventUnlocked = "unlocked"
	EventExpired  = "expired"
	EventClosed   = "closed"
	EventPanic    = "panic"
)

type Event struct {
	Type  string
	TagID string
	At    time.Time
}
