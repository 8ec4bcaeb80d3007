package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iskrov/kotori-sub005/internal/audit"
	"github.com/iskrov/kotori-sub005/internal/storage"
	"github.com/iskrov/kotori-sub005/internal/vaultkeys"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryKV()
	}
	m, err := NewManager(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func testKeys(t *testing.T, vaultID string) []vaultkeys.DataKey {
	t.Helper()
	dk, err := vaultkeys.NewDataKey(vaultID, "journal")
	if err != nil {
		t.Fatalf("data key: %v", err)
	}
	return []vaultkeys.DataKey{dk}
}

func TestCreateAndDeactivate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryKV()
	m := newTestManager(t, Config{Store: store})

	info, err := m.Create(ctx, "tag-1", "journal", "voice", []byte("session-secret"), testKeys(t, "vault-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.TagID != "tag-1" || info.Locked {
		t.Fatalf("unexpected info: %+v", info)
	}
	if !m.Active("tag-1") {
		t.Fatal("session must be active")
	}
	if _, err := store.Get(ctx, "session/tag-1"); err != nil {
		t.Fatalf("metadata must be persisted: %v", err)
	}

	keys, err := m.DataKeys("tag-1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("data keys: %v", err)
	}

	if err := m.Deactivate(ctx, "tag-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if m.Exists("tag-1") {
		t.Fatal("session must be gone")
	}
	if len(keys[0].Key) != 0 {
		t.Fatal("data keys must be wiped on deactivate")
	}
	if _, err := store.Get(ctx, "session/tag-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("metadata must be cleared on deactivate")
	}
}

func TestDuplicateCreateRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	if _, err := m.Create(ctx, "tag-1", "a", "voice", []byte("s1"), nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(ctx, "tag-1", "a", "voice", []byte("s2"), nil); err != ErrSessionExists {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestConcurrentSessionLimit(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxSessions: 2})

	if _, err := m.Create(ctx, "tag-1", "a", "voice", []byte("s1"), nil); err != nil {
		t.Fatalf("create 1: %v", err)
	}
	if _, err := m.Create(ctx, "tag-2", "b", "voice", []byte("s2"), nil); err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if _, err := m.Create(ctx, "tag-3", "c", "voice", []byte("s3"), nil); err != ErrTooManySessions {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}

	if err := m.Deactivate(ctx, "tag-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := m.Create(ctx, "tag-3", "c", "voice", []byte("s3"), nil); err != nil {
		t.Fatalf("create after close must succeed: %v", err)
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryKV()
	m := newTestManager(t, Config{TTL: 30 * time.Millisecond, Store: store})

	keys := testKeys(t, "vault-1")
	if _, err := m.Create(ctx, "tag-1", "a", "voice", []byte("s1"), keys); err != nil {
		t.Fatalf("create: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Exists("tag-1") {
		if time.Now().After(deadline) {
			t.Fatal("session did not expire")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(keys[0].Key) != 0 {
		t.Fatal("keys must be wiped on expiry")
	}
	if _, err := store.Get(ctx, "session/tag-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("metadata must be cleared on expiry")
	}
}

func TestExtendResetsExpiry(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{TTL: 60 * time.Millisecond})

	if _, err := m.Create(ctx, "tag-1", "a", "voice", []byte("s1"), nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		if _, err := m.Extend(ctx, "tag-1", 0, false); err != nil {
			t.Fatalf("extend: %v", err)
		}
	}
	if !m.Exists("tag-1") {
		t.Fatal("extended session must still be alive")
	}
}

func TestExtendClampsDuration(t *testing.T) {
	ctx := context.Background()
	ttl := 200 * time.Millisecond
	m := newTestManager(t, Config{TTL: ttl})

	if _, err := m.Create(ctx, "tag-1", "a", "voice", []byte("s1"), nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	before := time.Now()
	info, err := m.Extend(ctx, "tag-1", time.Hour, false)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if info.ExpiresAt.After(before.Add(ttl + 50*time.Millisecond)) {
		t.Fatalf("extension must clamp to the configured ttl, got %v", info.ExpiresAt.Sub(before))
	}

	before = time.Now()
	info, err = m.Extend(ctx, "tag-1", 50*time.Millisecond, false)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if got := info.ExpiresAt.Sub(before); got > ttl/2 {
		t.Fatalf("a short extension must take effect, got %v", got)
	}
}

func TestExpiredSessionInvisibleToReads(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{TTL: 20 * time.Millisecond})

	keys := testKeys(t, "vault-1")
	if _, err := m.Create(ctx, "tag-1", "a", "voice", []byte("s1"), keys); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Hold the expiry timer back to model timer jitter: the session is past
	// its deadline but has not been reaped yet.
	m.mu.Lock()
	m.timers["tag-1"].Stop()
	m.mu.Unlock()
	time.Sleep(40 * time.Millisecond)

	if m.Exists("tag-1") || m.Active("tag-1") {
		t.Fatal("a past-expiry session must not report alive")
	}
	if _, err := m.Get("tag-1"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := m.DataKeys("tag-1"); err != ErrSessionNotFound {
		t.Fatalf("a past-expiry session must not serve keys, got %v", err)
	}
	if _, err := m.Extend(ctx, "tag-1", 0, false); err != ErrSessionNotFound {
		t.Fatalf("a past-expiry session must not be extendable, got %v", err)
	}
	if got := m.List(); len(got) != 0 {
		t.Fatalf("expired session must not be listed: %+v", got)
	}
}

func TestLockSemantics(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	if _, err := m.Create(ctx, "tag-1", "a", "voice", []byte("s1"), testKeys(t, "vault-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Lock(ctx, "tag-1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if m.Active("tag-1") {
		t.Fatal("locked session must not report active")
	}
	if _, err := m.DataKeys("tag-1"); err != ErrSessionLocked {
		t.Fatalf("expected ErrSessionLocked, got %v", err)
	}
	if _, err := m.Extend(ctx, "tag-1", 0, false); err != ErrSessionLocked {
		t.Fatalf("locked session must not extend, got %v", err)
	}
	if _, err := m.Extend(ctx, "tag-1", 0, true); err != nil {
		t.Fatalf("forced extend: %v", err)
	}

	if err := m.Unlock(ctx, "tag-1"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := m.DataKeys("tag-1"); err != nil {
		t.Fatalf("unlocked session must serve keys: %v", err)
	}
}

func TestPanicWipeDestroysEverything(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryKV()
	log := audit.New()
	m := newTestManager(t, Config{Store: store, Audit: log})

	keysA := testKeys(t, "vault-a")
	keysB := testKeys(t, "vault-b")
	if _, err := m.Create(ctx, "tag-a", "a", "voice", []byte("sa"), keysA); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := m.Create(ctx, "tag-b", "b", "voice", []byte("sb"), keysB); err != nil {
		t.Fatalf("create b: %v", err)
	}

	m.PanicWipe(ctx)

	if m.Exists("tag-a") || m.Exists("tag-b") {
		t.Fatal("no session may survive a panic wipe")
	}
	if len(keysA[0].Key) != 0 || len(keysB[0].Key) != 0 {
		t.Fatal("all keys must be wiped")
	}
	left, err := store.Keys(ctx, "session/")
	if err != nil || len(left) != 0 {
		t.Fatalf("no session metadata may survive: %v %v", left, err)
	}

	entries := log.Entries()
	if len(entries) == 0 || entries[len(entries)-1].Event != audit.EventPanicWipe {
		t.Fatal("panic wipe must be audited")
	}
	if err := log.Verify(); err != nil {
		t.Fatalf("audit chain: %v", err)
	}
}

// ctxKV refuses every operation once the caller's context is done, the way
// a database/sql-backed store does.
type ctxKV struct {
	inner storage.KV
}

func (c ctxKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.inner.Get(ctx, key)
}

func (c ctxKV) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.inner.Set(ctx, key, value)
}

func (c ctxKV) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.inner.Remove(ctx, key)
}

func (c ctxKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.inner.Keys(ctx, prefix)
}

func TestPanicWipePurgesDespiteDeadCallerContext(t *testing.T) {
	inner := storage.NewMemoryKV()
	m := newTestManager(t, Config{Store: ctxKV{inner: inner}})

	if _, err := m.Create(context.Background(), "tag-1", "a", "voice", []byte("s1"), nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	m.PanicWipe(cancelled)

	left, err := inner.Keys(context.Background(), "session/")
	if err != nil || len(left) != 0 {
		t.Fatalf("metadata must not survive a panic wipe: %v %v", left, err)
	}
}

func TestRecoverReturnsMetadataOnly(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryKV()

	first := newTestManager(t, Config{Store: store})
	if _, err := first.Create(ctx, "tag-1", "journal", "voice", []byte("s1"), nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Simulate a process death: Close wipes memory but leaves metadata.
	first.Close()

	second := newTestManager(t, Config{Store: store})
	recovered, err := second.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0].TagID != "tag-1" || recovered[0].TagName != "journal" {
		t.Fatalf("unexpected recovery: %+v", recovered)
	}
	if second.Exists("tag-1") {
		t.Fatal("recovery must not resurrect a live session")
	}
	left, _ := store.Keys(ctx, "session/")
	if len(left) != 0 {
		t.Fatal("recovered metadata must be cleared")
	}
}

func TestFingerprintStable(t *testing.T) {
	store := storage.NewMemoryKV()

	a := newTestManager(t, Config{Store: store})
	b := newTestManager(t, Config{Store: store})
	if a.Fingerprint() == "" || a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint must persist across restarts: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}

	other := newTestManager(t, Config{Store: storage.NewMemoryKV()})
	if other.Fingerprint() == a.Fingerprint() {
		t.Fatal("different installs must not share a fingerprint")
	}
}

func TestStatsAndScore(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{MaxSessions: 2})

	st := m.Stats()
	if st.Score.Overall != 100 {
		t.Fatalf("fresh manager must score 100, got %d", st.Score.Overall)
	}

	if _, err := m.Create(ctx, "tag-1", "a", "voice", []byte("s1"), nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(ctx, "tag-2", "b", "voice", []byte("s2"), nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.PanicWipe(ctx)

	st = m.Stats()
	if st.Created != 2 || st.Panics != 1 || st.Active != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.Score.Components.IncidentScore != 0 {
		t.Fatal("a panic wipe must zero the incident component")
	}
	if st.Score.Components.ConcurrencyScore == 25 {
		t.Fatal("hitting the concurrent limit must cost concurrency points")
	}
	if st.Score.Overall >= 100 {
		t.Fatal("score must drop after incidents")
	}
}
