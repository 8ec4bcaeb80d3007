package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iskrov/kotori-sub005/internal/crypto"
	"github.com/iskrov/kotori-sub005/internal/detector"
	"github.com/iskrov/kotori-sub005/internal/pake"
	"github.com/iskrov/kotori-sub005/internal/session"
	"github.com/iskrov/kotori-sub005/internal/storage"
	"github.com/iskrov/kotori-sub005/internal/transport"
)

func newTestDaemon(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	s, err := NewWithStores(cfg, storage.NewMemoryTagStore(), storage.NewMemoryObjectStore())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, ts *httptest.Server) (*transport.Client, *session.Manager) {
	t.Helper()
	mgr, err := session.NewManager(context.Background(), session.Config{}, nil)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	t.Cleanup(mgr.Close)
	c := transport.New(transport.Config{BaseURL: ts.URL, Mobile: true, Sessions: mgr})
	return c, mgr
}

// Full life of a tag: register, speak the phrase to activate, store a
// blob, speak again to deactivate, confirm access is gone, reactivate and
// read the blob back.
func TestEndToEndPhraseLifecycle(t *testing.T) {
	ctx := context.Background()
	ts := newTestDaemon(t, Config{})
	client, mgr := newTestClient(t, ts)

	phrase := []byte(detector.Normalize("Blue Horizon"))
	tagID, kek, err := client.Register(ctx, "journal", "#3366ff", phrase)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := client.ProvisionVault(ctx, tagID, kek, "vault-journal", "journal"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	crypto.Zero(kek)

	// Generous timeouts: the phrase stretch dominates each attempt here.
	det := detector.New(detector.Config{
		PerTagTimeout:  10 * time.Second,
		OverallTimeout: 30 * time.Second,
	}, client, client, mgr, nil)

	results, err := det.Process(ctx, "okay, blue horizon")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 1 || results[0].Action != detector.ActionActivated {
		t.Fatalf("expected activation, got %+v", results)
	}

	dks, err := mgr.DataKeys(tagID)
	if err != nil || len(dks) != 1 {
		t.Fatalf("data keys: %v", err)
	}
	objectID, err := client.PutObject(ctx, dks[0], "", "text/plain", []byte("dear diary"))
	if err != nil {
		t.Fatalf("put object: %v", err)
	}

	results, err = det.Process(ctx, "blue horizon")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 1 || results[0].Action != detector.ActionDeactivated {
		t.Fatalf("expected deactivation, got %+v", results)
	}
	if _, err := mgr.DataKeys(tagID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("keys must be gone after deactivation, got %v", err)
	}

	results, err = det.Process(ctx, "blue horizon")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 1 || results[0].Action != detector.ActionActivated {
		t.Fatalf("expected reactivation, got %+v", results)
	}
	dks, err = mgr.DataKeys(tagID)
	if err != nil || len(dks) != 1 {
		t.Fatalf("data keys after reactivation: %v", err)
	}
	pt, err := client.GetObject(ctx, dks[0], objectID)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if !bytes.Equal(pt, []byte("dear diary")) {
		t.Fatal("plaintext mismatch after reactivation")
	}
}

func TestWrongPhraseFailsUniformly(t *testing.T) {
	ctx := context.Background()
	ts := newTestDaemon(t, Config{})
	client, _ := newTestClient(t, ts)

	tagID, kek, err := client.Register(ctx, "journal", "", []byte("blue horizon"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	crypto.Zero(kek)

	if err := client.Authenticate(ctx, tagID, []byte("blue horizons")); !errors.Is(err, pake.ErrAuthFailed) {
		t.Fatalf("expected uniform ErrAuthFailed, got %v", err)
	}
}

func TestDuplicatePhraseRejected(t *testing.T) {
	ctx := context.Background()
	ts := newTestDaemon(t, Config{})
	client, _ := newTestClient(t, ts)

	if _, kek, err := client.Register(ctx, "first", "", []byte("blue horizon")); err != nil {
		t.Fatalf("register: %v", err)
	} else {
		crypto.Zero(kek)
	}
	if _, _, err := client.Register(ctx, "second", "", []byte("blue horizon")); err == nil {
		t.Fatal("same phrase must not register twice")
	}
}

// An init for an unknown tag must look exactly like a real one and then
// fail only at finalize.
func TestUnknownTagGetsDecoyResponse(t *testing.T) {
	ts := newTestDaemon(t, Config{})

	hash := crypto.IdentifierHash([]byte("no such phrase"))
	attempt, err := pake.NewClientAttempt([]byte(hex.EncodeToString(hash[:])), []byte("kotori-tagd"))
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	ke1, err := attempt.AuthInit([]byte("no such phrase"))
	if err != nil {
		t.Fatalf("auth init: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"tagId":        "ffffffff-0000-0000-0000-000000000000",
		"phraseHashId": hex.EncodeToString(hash[:]),
		"ke1":          ke1,
	})
	resp, err := http.Post(ts.URL+"/secret-tags/auth/init", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decoy init must return 200, got %d", resp.StatusCode)
	}
	var initResp struct {
		SessionID string `json:"sessionId"`
		KE2       []byte `json:"ke2"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&initResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if initResp.SessionID == "" || len(initResp.KE2) == 0 {
		t.Fatal("decoy response must be fully formed")
	}

	ke3, _, _, err := attempt.AuthFinalize(initResp.KE2)
	if err != nil {
		// Envelope mismatch on the client side is the expected outcome.
		return
	}
	finBody, _ := json.Marshal(map[string]any{"sessionId": initResp.SessionID, "ke3": ke3})
	finResp, err := http.Post(ts.URL+"/secret-tags/auth/finalize", "application/json", bytes.NewReader(finBody))
	if err != nil {
		t.Fatalf("post finalize: %v", err)
	}
	defer finResp.Body.Close()
	if finResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("decoy finalize must return 401, got %d", finResp.StatusCode)
	}
}

func TestAuthInitRateLimited(t *testing.T) {
	ts := newTestDaemon(t, Config{})

	hash := hex.EncodeToString(bytes.Repeat([]byte{0xAB}, crypto.IdentifierHashSize))
	sawTooMany := false
	for i := 0; i < 15; i++ {
		body, _ := json.Marshal(map[string]any{
			"tagId":        "tag-" + hex.EncodeToString([]byte{byte(i)}),
			"phraseHashId": hash,
			"ke1":          []byte{0x01},
		})
		resp, err := http.Post(ts.URL+"/secret-tags/auth/init", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			sawTooMany = true
			if resp.Header.Get("Retry-After") == "" {
				t.Fatal("429 must carry Retry-After")
			}
		}
		resp.Body.Close()
	}
	if !sawTooMany {
		t.Fatal("hammering auth init must trip the IP limiter")
	}
}

func TestObjectRewriteConflicts(t *testing.T) {
	ts := newTestDaemon(t, Config{})

	rec := storage.ObjectRecord{
		ObjectID:   "entry-1",
		IV:         make([]byte, crypto.AEADNonceSize),
		Ciphertext: []byte{0x01, 0x02},
		AuthTag:    make([]byte, crypto.AEADTagSize),
	}
	body, _ := json.Marshal(rec)
	resp, err := http.Post(ts.URL+"/vaults/vault-1/objects", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/vaults/vault-1/objects", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("rewriting an existing object id must return 409, got %d", resp.StatusCode)
	}
}

func TestObjectTooLargeRejected(t *testing.T) {
	ts := newTestDaemon(t, Config{MaxObjectBytes: 1024})

	rec := storage.ObjectRecord{
		ObjectID:   "big",
		IV:         make([]byte, crypto.AEADNonceSize),
		Ciphertext: bytes.Repeat([]byte{0x01}, 2048),
		AuthTag:    make([]byte, crypto.AEADTagSize),
	}
	body, _ := json.Marshal(rec)
	resp, err := http.Post(ts.URL+"/vaults/vault-1/objects", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}
