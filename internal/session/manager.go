package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/iskrov/kotori-sub005/internal/audit"
	"github.com/iskrov/kotori-sub005/internal/crypto"
	"github.com/iskrov/kotori-sub005/internal/storage"
	"github.com/iskrov/kotori-sub005/internal/vaultkeys"
)

const (
	DefaultTTL         = 10 * time.Minute
	DefaultMaxSessions = 3

	metadataPrefix = "session/"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionExists   = errors.New("session: already active")
	ErrSessionLocked   = errors.New("session: locked")
	ErrTooManySessions = errors.New("session: concurrent session limit reached")
	ErrManagerClosed   = errors.New("session: manager closed")
)

type Config struct {
	TTL         time.Duration
	MaxSessions int
	Store       storage.KV
	Audit       *audit.Log
	OnEvent     func(Event)
}

func (c *Config) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.Store == nil {
		c.Store = storage.NewMemoryKV()
	}
}

// Manager holds every active session and drives their lifecycle. All secret
// material lives inside the sessions; the configured store only ever sees
// the Metadata snapshots.
type Manager struct {
	cfg         Config
	logger      *log.Logger
	fingerprint string

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	timers   map[string]*time.Timer

	counters counters
}

func NewManager(ctx context.Context, cfg Config, logger *log.Logger) (*Manager, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = log.New(log.Writer(), "[session] ", log.LstdFlags)
	}
	fp, err := LoadFingerprint(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("session: fingerprint: %w", err)
	}
	return &Manager{
		cfg:         cfg,
		logger:      logger,
		fingerprint: fp,
		sessions:    make(map[string]*Session),
		timers:      make(map[string]*time.Timer),
	}, nil
}

// Fingerprint returns this install's device fingerprint.
func (m *Manager) Fingerprint() string { return m.fingerprint }

func (m *Manager) emit(event, tagID string, auditEvent string) {
	if m.cfg.Audit != nil {
		m.cfg.Audit.Append(auditEvent, tagID)
	}
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(Event{Type: event, TagID: tagID, At: time.Now()})
	}
}

// Create activates a session for tagID after a successful authentication.
// It takes ownership of sessionSecret and keys; both are wiped when the
// session ends, however it ends.
func (m *Manager) Create(ctx context.Context, tagID, tagName, origin string, sessionSecret []byte, keys []vaultkeys.DataKey) (Info, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		crypto.Zero(sessionSecret)
		for i := range keys {
			keys[i].Destroy()
		}
		return Info{}, ErrManagerClosed
	}
	if _, ok := m.sessions[tagID]; ok {
		m.mu.Unlock()
		crypto.Zero(sessionSecret)
		for i := range keys {
			keys[i].Destroy()
		}
		return Info{}, ErrSessionExists
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		crypto.Zero(sessionSecret)
		for i := range keys {
			keys[i].Destroy()
		}
		return Info{}, ErrTooManySessions
	}

	now := time.Now()
	s := &Session{
		TagID:       tagID,
		TagName:     tagName,
		Origin:      origin,
		Fingerprint: m.fingerprint,
		secret:      crypto.NewSecret(sessionSecret),
		keys:        keys,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.TTL),
	}
	m.sessions[tagID] = s
	m.timers[tagID] = time.AfterFunc(m.cfg.TTL, func() { m.expire(tagID) })
	m.counters.created++
	if n := len(m.sessions); n > m.counters.peakConcurrent {
		m.counters.peakConcurrent = n
	}
	info := s.info()
	m.mu.Unlock()

	if err := m.saveMetadata(ctx, info); err != nil {
		m.logger.Printf("metadata save failed for tag %s: %v", tagID, err)
	}
	m.logger.Printf("session created tag=%s ttl=%s", tagID, m.cfg.TTL)
	m.emit(EventCreated, tagID, audit.EventSessionCreated)
	return info, nil
}

// Active reports whether tagID has a live, unlocked session. The expiry
// timer lags wall time slightly, so read paths check ExpiresAt themselves;
// a past-expiry session is never reported alive.
func (m *Manager) Active(tagID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tagID]
	return ok && !s.Locked && time.Now().Before(s.ExpiresAt)
}

// Exists reports whether tagID has a live session, locked or not.
func (m *Manager) Exists(tagID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tagID]
	return ok && time.Now().Before(s.ExpiresAt)
}

// Get returns the snapshot for one session.
func (m *Manager) Get(tagID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tagID]
	if !ok || !time.Now().Before(s.ExpiresAt) {
		return Info{}, ErrSessionNotFound
	}
	return s.info(), nil
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		if now.Before(s.ExpiresAt) {
			out = append(out, s.info())
		}
	}
	return out
}

// DataKeys hands out the session's unwrapped vault keys. The returned slice
// aliases session memory and becomes invalid once the session ends; callers
// use it inline, never store it.
func (m *Manager) DataKeys(tagID string) ([]vaultkeys.DataKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tagID]
	if !ok || !time.Now().Before(s.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	if s.Locked {
		return nil, ErrSessionLocked
	}
	s.AccessCount++
	return s.keys, nil
}

// Extend pushes the expiry out to now plus by, clamped to the configured
// TTL; by <= 0 means the full TTL. A locked session cannot be extended
// unless force is set.
func (m *Manager) Extend(ctx context.Context, tagID string, by time.Duration, force bool) (Info, error) {
	if by <= 0 || by > m.cfg.TTL {
		by = m.cfg.TTL
	}
	m.mu.Lock()
	s, ok := m.sessions[tagID]
	if !ok || !time.Now().Before(s.ExpiresAt) {
		m.mu.Unlock()
		return Info{}, ErrSessionNotFound
	}
	if s.Locked && !force {
		m.mu.Unlock()
		return Info{}, ErrSessionLocked
	}
	s.ExpiresAt = time.Now().Add(by)
	s.AccessCount++
	if t, ok := m.timers[tagID]; ok {
		t.Reset(by)
	}
	info := s.info()
	m.mu.Unlock()

	if err := m.saveMetadata(ctx, info); err != nil {
		m.logger.Printf("metadata save failed for tag %s: %v", tagID, err)
	}
	m.emit(EventExtended, tagID, audit.EventSessionExtended)
	return info, nil
}

// Lock suspends vault access without dropping key material, so a later
// Unlock restores access without re-authentication.
func (m *Manager) Lock(ctx context.Context, tagID string) error {
	return m.setLocked(ctx, tagID, true, EventLocked, audit.EventSessionLocked)
}

// Unlock resumes a locked session.
func (m *Manager) Unlock(ctx context.Context, tagID string) error {
	return m.setLocked(ctx, tagID, false, EventUnlocked, audit.EventSessionUnlocked)
}

func (m *Manager) setLocked(ctx context.Context, tagID string, locked bool, event, auditEvent string) error {
	m.mu.Lock()
	s, ok := m.sessions[tagID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	s.Locked = locked
	info := s.info()
	m.mu.Unlock()

	if err := m.saveMetadata(ctx, info); err != nil {
		m.logger.Printf("metadata save failed for tag %s: %v", tagID, err)
	}
	m.emit(event, tagID, auditEvent)
	return nil
}

// Deactivate closes a session deliberately, wiping its secrets and clearing
// its persisted metadata.
func (m *Manager) Deactivate(ctx context.Context, tagID string) error {
	if !m.remove(tagID, true) {
		return ErrSessionNotFound
	}
	if err := m.cfg.Store.Remove(ctx, metadataPrefix+tagID); err != nil {
		m.logger.Printf("metadata remove failed for tag %s: %v", tagID, err)
	}
	m.logger.Printf("session closed tag=%s", tagID)
	m.emit(EventClosed, tagID, audit.EventSessionClosed)
	return nil
}

// expire fires from the per-session timer.
func (m *Manager) expire(tagID string) {
	if !m.remove(tagID, false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.Store.Remove(ctx, metadataPrefix+tagID); err != nil {
		m.logger.Printf("metadata remove failed for tag %s: %v", tagID, err)
	}
	m.logger.Printf("session expired tag=%s", tagID)
	m.mu.Lock()
	m.counters.expired++
	m.mu.Unlock()
	m.emit(EventExpired, tagID, audit.EventSessionExpired)
}

// remove wipes and drops one session. stopTimer is false on the expiry
// path, where the timer has already fired.
func (m *Manager) remove(tagID string, stopTimer bool) bool {
	m.mu.Lock()
	s, ok := m.sessions[tagID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, tagID)
	if t, ok := m.timers[tagID]; ok {
		if stopTimer {
			t.Stop()
		}
		delete(m.timers, tagID)
	}
	m.counters.totalLifetime += time.Since(s.CreatedAt)
	m.counters.ended++
	m.mu.Unlock()

	s.wipe()
	return true
}

// PanicWipe destroys every session and all persisted session metadata at
// once. It is the duress path: nothing recoverable remains. The caller's
// context is deliberately ignored; a wipe triggered near a deadline, or by
// an already-cancelled caller, still purges the store.
func (m *Manager) PanicWipe(_ context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	timers := m.timers
	m.sessions = make(map[string]*Session)
	m.timers = make(map[string]*time.Timer)
	m.counters.panics++
	m.counters.ended += len(sessions)
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, s := range sessions {
		s.wipe()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	keys, err := m.cfg.Store.Keys(ctx, metadataPrefix)
	if err != nil {
		m.logger.Printf("panic wipe: list metadata: %v", err)
	}
	for _, k := range keys {
		if err := m.cfg.Store.Remove(ctx, k); err != nil {
			m.logger.Printf("panic wipe: remove %s: %v", k, err)
		}
	}
	m.logger.Printf("panic wipe: %d sessions destroyed", len(sessions))
	m.emit(EventPanic, "", audit.EventPanicWipe)
}

// Recover loads metadata left by a previous process. Sessions cannot be
// resumed, the secrets died with the process, so the entries are returned
// for UI continuity and cleared from the store.
func (m *Manager) Recover(ctx context.Context) ([]Metadata, error) {
	keys, err := m.cfg.Store.Keys(ctx, metadataPrefix)
	if err != nil {
		return nil, err
	}
	var out []Metadata
	for _, k := range keys {
		b, err := m.cfg.Store.Get(ctx, k)
		if err != nil {
			continue
		}
		var md Metadata
		if err := json.Unmarshal(b, &md); err != nil {
			m.logger.Printf("recover: bad metadata at %s: %v", k, err)
			_ = m.cfg.Store.Remove(ctx, k)
			continue
		}
		out = append(out, md)
		_ = m.cfg.Store.Remove(ctx, k)
	}
	return out, nil
}

// Close stops all timers and wipes every session. Persisted metadata is left
// in place for Recover on the next start.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	timers := m.timers
	m.sessions = make(map[string]*Session)
	m.timers = make(map[string]*time.Timer)
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, s := range sessions {
		s.wipe()
	}
}

func (m *Manager) saveMetadata(ctx context.Context, info Info) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return m.cfg.Store.Set(ctx, metadataPrefix+info.TagID, b)
}
