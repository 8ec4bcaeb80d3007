package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iskrov/kotori-sub005/internal/crypto"
)

type staticCatalog struct {
	entries []CatalogEntry
	err     error
}

func (c *staticCatalog) Entries(context.Context) ([]CatalogEntry, error) {
	return c.entries, c.err
}

type fakeAuth struct {
	mu      sync.Mutex
	calls   map[string]int
	phrases map[string]string
	fail    map[string]error
	delay   time.Duration
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{calls: make(map[string]int), phrases: make(map[string]string), fail: make(map[string]error)}
}

func (a *fakeAuth) Authenticate(ctx context.Context, tagID string, phrase []byte) error {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[tagID]++
	a.phrases[tagID] = string(phrase)
	return a.fail[tagID]
}

type fakeSessions struct {
	mu     sync.Mutex
	active map[string]bool
	panics int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{active: make(map[string]bool)}
}

func (s *fakeSessions) Exists(tagID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[tagID]
}

func (s *fakeSessions) Deactivate(_ context.Context, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active[tagID] {
		return errors.New("not active")
	}
	delete(s.active, tagID)
	return nil
}

func (s *fakeSessions) PanicWipe(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panics++
	s.active = make(map[string]bool)
}

func entryFor(tagID, name, phrase string) CatalogEntry {
	h := crypto.IdentifierHash([]byte(Normalize(phrase)))
	return CatalogEntry{TagID: tagID, TagName: name, PhraseHash: h[:]}
}

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Blue Horizon", "blue horizon"},
		{"  blue,   HORIZON!  ", "blue horizon"},
		{"blue\thorizon\n", "blue horizon"},
		{"Blue-Horizon", "blue horizon"},
		{"ＢＬＵＥ ｈｏｒｉｚｏｎ", "blue horizon"},
		{"", ""},
		{"...", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestActivateOnMatch(t *testing.T) {
	auth := newFakeAuth()
	sessions := newFakeSessions()
	cat := &staticCatalog{entries: []CatalogEntry{entryFor("tag-1", "journal", "blue horizon")}}
	d := New(Config{}, cat, auth, sessions, nil)

	results, err := d.Process(context.Background(), "well, Blue Horizon please")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 1 || results[0].Action != ActionActivated || results[0].TagID != "tag-1" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if auth.phrases["tag-1"] != "blue horizon" {
		t.Fatalf("authenticator must receive the normalized phrase, got %q", auth.phrases["tag-1"])
	}
}

func TestToggleDeactivatesActiveSession(t *testing.T) {
	auth := newFakeAuth()
	sessions := newFakeSessions()
	sessions.active["tag-1"] = true
	cat := &staticCatalog{entries: []CatalogEntry{entryFor("tag-1", "journal", "blue horizon")}}
	d := New(Config{}, cat, auth, sessions, nil)

	results, err := d.Process(context.Background(), "blue horizon")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 1 || results[0].Action != ActionDeactivated {
		t.Fatalf("expected deactivation, got %+v", results)
	}
	if auth.calls["tag-1"] != 0 {
		t.Fatal("deactivation must not trigger authentication")
	}
	if sessions.Exists("tag-1") {
		t.Fatal("session must be gone")
	}
}

func TestPanicPhraseShortCircuits(t *testing.T) {
	auth := newFakeAuth()
	sessions := newFakeSessions()
	sessions.active["tag-1"] = true
	panicHash := crypto.IdentifierHash([]byte(Normalize("burn it all down")))
	cat := &staticCatalog{entries: []CatalogEntry{entryFor("tag-1", "journal", "blue horizon")}}
	d := New(Config{PanicHash: panicHash[:]}, cat, auth, sessions, nil)

	results, err := d.Process(context.Background(), "blue horizon and burn it all down")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 1 || results[0].Action != ActionPanic {
		t.Fatalf("expected panic only, got %+v", results)
	}
	if sessions.panics != 1 || sessions.Exists("tag-1") {
		t.Fatal("panic must wipe every session")
	}
	if auth.calls["tag-1"] != 0 {
		t.Fatal("panic must suppress authentication attempts")
	}
}

func TestNoMatchIsSilent(t *testing.T) {
	auth := newFakeAuth()
	sessions := newFakeSessions()
	cat := &staticCatalog{entries: []CatalogEntry{entryFor("tag-1", "journal", "blue horizon")}}
	d := New(Config{}, cat, auth, sessions, nil)

	results, err := d.Process(context.Background(), "nothing interesting was said")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if results != nil {
		t.Fatalf("expected no results, got %+v", results)
	}
}

func TestContinueOnError(t *testing.T) {
	auth := newFakeAuth()
	failErr := errors.New("auth failed")
	auth.fail["tag-bad"] = failErr
	sessions := newFakeSessions()
	cat := &staticCatalog{entries: []CatalogEntry{
		entryFor("tag-bad", "a", "red sunset"),
		entryFor("tag-good", "b", "blue horizon"),
	}}
	d := New(Config{}, cat, auth, sessions, nil)

	results, err := d.Process(context.Background(), "red sunset then blue horizon")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %+v", results)
	}
	var good, bad *Result
	for i := range results {
		switch results[i].TagID {
		case "tag-good":
			good = &results[i]
		case "tag-bad":
			bad = &results[i]
		}
	}
	if bad == nil || !errors.Is(bad.Err, failErr) {
		t.Fatalf("failing tag must carry its error: %+v", bad)
	}
	if good == nil || good.Action != ActionActivated {
		t.Fatalf("other tags must still activate: %+v", good)
	}
}

func TestPerTagTimeout(t *testing.T) {
	auth := newFakeAuth()
	auth.delay = 500 * time.Millisecond
	sessions := newFakeSessions()
	cat := &staticCatalog{entries: []CatalogEntry{entryFor("tag-1", "journal", "blue horizon")}}
	d := New(Config{PerTagTimeout: 20 * time.Millisecond}, cat, auth, sessions, nil)

	start := time.Now()
	results, err := d.Process(context.Background(), "blue horizon")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if time.Since(start) > 300*time.Millisecond {
		t.Fatal("slow authentication must be cut off by the per-tag timeout")
	}
	if len(results) != 1 || results[0].Err == nil || results[0].Action != ActionNone {
		t.Fatalf("timed out attempt must report an error: %+v", results)
	}
}

func TestRepeatedUtterancesSerialize(t *testing.T) {
	auth := newFakeAuth()
	sessions := newFakeSessions()
	cat := &staticCatalog{entries: []CatalogEntry{entryFor("tag-1", "journal", "blue horizon")}}
	d := New(Config{}, cat, auth, sessions, nil)

	if _, err := d.Process(context.Background(), "blue horizon"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if auth.calls["tag-1"] != 1 {
		t.Fatalf("expected one auth call, got %d", auth.calls["tag-1"])
	}
}

func TestCatalogErrorSurfaces(t *testing.T) {
	d := New(Config{}, &staticCatalog{err: errors.New("down")}, newFakeAuth(), newFakeSessions(), nil)
	if _, err := d.Process(context.Background(), "blue horizon"); !errors.Is(err, ErrNoCatalog) {
		t.Fatalf("expected ErrNoCatalog, got %v", err)
	}
}
