package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Security events recorded by the session subsystem. Entries are hash
// chained so later tampering is detectable; they carry no secret material.
const (
	EventTagRegistered   = "tag-registered"
	EventSessionCreated  = "session-created"
	EventSessionExtended = "session-extended"
	EventSessionLocked   = "session-locked"
	EventSessionUnlocked = "session-unlocked"
	EventSessionExpired  = "session-expired"
	EventSessionClosed   = "session-closed"
	EventAuthFailed      = "auth-failed"
	EventPanicWipe       = "panic-wipe"
)

type Entry struct {
	TS    int64  `json:"ts"`
	Event string `json:"event"`
	TagID string `json:"tagId,omitempty"`
	Hash  string `json:"hash"`
}

type Log struct {
	mu       sync.Mutex
	lastHash []byte
	entries  []Entry
}

func New() *Log { return &Log{} }

func (l *Log) Append(event, tagID string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := sha256.New()
	h.Write(l.lastHash)
	h.Write([]byte(event))
	h.Write([]byte(tagID))
	sum := h.Sum(nil)
	l.lastHash = sum
	e := Entry{TS: time.Now().Unix(), Event: event, TagID: tagID, Hash: hex.EncodeToString(sum)}
	l.entries = append(l.entries, e)
	return e
}

func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var prev []byte
	for _, e := range l.entries {
		h := sha256.New()
		h.Write(prev)
		h.Write([]byte(e.Event))
		h.Write([]byte(e.TagID))
		sum := h.Sum(nil)
		if hex.EncodeToString(sum) != e.Hash {
			return fmt.Errorf("audit chain broken at ts=%d", e.TS)
		}
		prev = sum
	}
	return nil
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}
