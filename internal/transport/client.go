// Package transport is the HTTP client side of the secret-tag daemon. It
// runs the registration and authentication exchanges, moves wrapped keys
// and encrypted blobs, and feeds the detector's catalog.
package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/iskrov/kotori-sub005/internal/crypto"
	"github.com/iskrov/kotori-sub005/internal/detector"
	"github.com/iskrov/kotori-sub005/internal/pake"
	"github.com/iskrov/kotori-sub005/internal/session"
	"github.com/iskrov/kotori-sub005/internal/storage"
	"github.com/iskrov/kotori-sub005/internal/vaultkeys"
)

var ErrRequestFailed = errors.New("transport: request failed")

type Config struct {
	BaseURL string
	// ServerIdentity must match the daemon's configured identity; it is
	// bound into every key exchange.
	ServerIdentity string
	// Mobile selects the lighter phrase stretching profile.
	Mobile     bool
	HTTPClient *http.Client
	Sessions   *session.Manager
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.ServerIdentity == "" {
		cfg.ServerIdentity = "kotori-tagd"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, http: hc}
}

func (c *Client) stretchParams(salt []byte) crypto.StretchParams {
	var p crypto.StretchParams
	if c.cfg.Mobile {
		p = crypto.DefaultMobileStretch()
	} else {
		p = crypto.DefaultDesktopStretch()
	}
	p.Salt = salt
	return p
}

type catalogEntry struct {
	TagID        string    `json:"tagId"`
	Name         string    `json:"name"`
	ColorHint    string    `json:"colorHint"`
	PhraseHashID string    `json:"phraseHashId"`
	Salt         []byte    `json:"salt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Entries feeds the detector with the registered tags' locators.
func (c *Client) Entries(ctx context.Context) ([]detector.CatalogEntry, error) {
	var raw []catalogEntry
	if err := c.getJSON(ctx, "/secret-tags", &raw); err != nil {
		return nil, err
	}
	out := make([]detector.CatalogEntry, 0, len(raw))
	for _, e := range raw {
		hash, err := hex.DecodeString(e.PhraseHashID)
		if err != nil {
			continue
		}
		out = append(out, detector.CatalogEntry{TagID: e.TagID, TagName: e.Name, PhraseHash: hash})
	}
	return out, nil
}

// Register runs the two-message registration for a normalized phrase and
// returns the new tag id plus the key-encryption key for provisioning
// vault keys. The caller must Zero the KEK when done.
func (c *Client) Register(ctx context.Context, name, colorHint string, phrase []byte) (tagID string, kek []byte, err error) {
	hash := crypto.IdentifierHash(phrase)
	clientID := []byte(hex.EncodeToString(hash[:]))

	params := c.stretchParams(nil)
	salt, err := crypto.RandomBytes(32)
	if err != nil {
		return "", nil, err
	}
	params.Salt = salt
	stretched := crypto.Stretch(phrase, params)
	defer crypto.Zero(stretched)

	attempt, err := pake.NewClientAttempt(clientID, []byte(c.cfg.ServerIdentity))
	if err != nil {
		return "", nil, err
	}
	m1, err := attempt.RegistrationInit(stretched)
	if err != nil {
		return "", nil, err
	}

	var initResp struct {
		TagID                string `json:"tagId"`
		RegistrationResponse []byte `json:"registrationResponse"`
	}
	err = c.postJSON(ctx, "/secret-tags/register", map[string]any{
		"name":                name,
		"colorHint":           colorHint,
		"phraseHashId":        hex.EncodeToString(hash[:]),
		"salt":                salt,
		"registrationRequest": m1,
	}, &initResp)
	if err != nil {
		return "", nil, err
	}

	record, exportKey, err := attempt.RegistrationFinalize(initResp.RegistrationResponse)
	if err != nil {
		return "", nil, err
	}
	defer crypto.Zero(exportKey)

	err = c.postJSON(ctx, "/secret-tags/register/finalize", map[string]any{
		"tagId":  initResp.TagID,
		"record": record,
	}, nil)
	if err != nil {
		return "", nil, err
	}

	kek, err = vaultkeys.DeriveKEK(exportKey, hash[:])
	if err != nil {
		return "", nil, err
	}
	return initResp.TagID, kek, nil
}

// ProvisionVault creates a fresh data key for a vault, wraps it under the
// tag's KEK and uploads it.
func (c *Client) ProvisionVault(ctx context.Context, tagID string, kek []byte, vaultID, purpose string) error {
	dk, err := vaultkeys.NewDataKey(vaultID, purpose)
	if err != nil {
		return err
	}
	defer dk.Destroy()

	rec, err := vaultkeys.WrapKey(kek, dk, tagID, 1)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/secret-tags/"+tagID+"/keys", rec, nil)
}

// Authenticate proves knowledge of the phrase, unwraps the tag's vault
// keys and leaves an active session behind. Every failure mode, network
// included, collapses to the same error.
func (c *Client) Authenticate(ctx context.Context, tagID string, phrase []byte) error {
	entry, err := c.lookupTag(ctx, tagID)
	if err != nil {
		return pake.ErrAuthFailed
	}
	hash := crypto.IdentifierHash(phrase)
	if !crypto.Equal(hash[:], mustHex(entry.PhraseHashID)) {
		return pake.ErrAuthFailed
	}

	stretched := crypto.Stretch(phrase, c.stretchParams(entry.Salt))
	defer crypto.Zero(stretched)

	clientID := []byte(hex.EncodeToString(hash[:]))
	attempt, err := pake.NewClientAttempt(clientID, []byte(c.cfg.ServerIdentity))
	if err != nil {
		return pake.ErrAuthFailed
	}
	ke1, err := attempt.AuthInit(stretched)
	if err != nil {
		return pake.ErrAuthFailed
	}

	var initResp struct {
		SessionID string `json:"sessionId"`
		KE2       []byte `json:"ke2"`
	}
	err = c.postJSON(ctx, "/secret-tags/auth/init", map[string]any{
		"tagId":        tagID,
		"phraseHashId": entry.PhraseHashID,
		"ke1":          ke1,
	}, &initResp)
	if err != nil {
		return pake.ErrAuthFailed
	}

	ke3, sessionKey, exportKey, err := attempt.AuthFinalize(initResp.KE2)
	if err != nil {
		return pake.ErrAuthFailed
	}

	var finResp struct {
		Success     bool                       `json:"success"`
		TagID       string                     `json:"tagId"`
		WrappedKeys []storage.WrappedKeyRecord `json:"wrappedKeys"`
	}
	err = c.postJSON(ctx, "/secret-tags/auth/finalize", map[string]any{
		"sessionId": initResp.SessionID,
		"ke3":       ke3,
	}, &finResp)
	if err != nil || !finResp.Success {
		crypto.ZeroAll(sessionKey, exportKey)
		return pake.ErrAuthFailed
	}

	kek, err := vaultkeys.DeriveKEK(exportKey, hash[:])
	crypto.Zero(exportKey)
	if err != nil {
		crypto.Zero(sessionKey)
		return pake.ErrAuthFailed
	}
	dks, err := vaultkeys.UnwrapAll(kek, finResp.WrappedKeys)
	crypto.Zero(kek)
	if err != nil {
		crypto.Zero(sessionKey)
		return pake.ErrAuthFailed
	}

	if c.cfg.Sessions != nil {
		if _, err := c.cfg.Sessions.Create(ctx, tagID, entry.Name, "voice", sessionKey, dks); err != nil {
			return err
		}
	} else {
		crypto.Zero(sessionKey)
		for i := range dks {
			dks[i].Destroy()
		}
	}
	return nil
}

// PutObject encrypts plaintext under the vault's data key and uploads it.
// The object id is fixed before sealing; it is bound into the ciphertext.
func (c *Client) PutObject(ctx context.Context, dk vaultkeys.DataKey, objectID, contentType string, plaintext []byte) (string, error) {
	if objectID == "" {
		objectID = uuid.NewString()
	}
	rec, err := vaultkeys.EncryptObject(dk, objectID, contentType, plaintext)
	if err != nil {
		return "", err
	}
	var resp struct {
		ObjectID string `json:"objectId"`
	}
	if err := c.postJSON(ctx, "/vaults/"+dk.VaultID+"/objects", rec, &resp); err != nil {
		return "", err
	}
	return resp.ObjectID, nil
}

// GetObject fetches and decrypts one vault blob.
func (c *Client) GetObject(ctx context.Context, dk vaultkeys.DataKey, objectID string) ([]byte, error) {
	var rec storage.ObjectRecord
	if err := c.getJSON(ctx, "/vaults/"+dk.VaultID+"/objects/"+objectID, &rec); err != nil {
		return nil, err
	}
	return vaultkeys.DecryptObject(dk, rec)
}

// ListObjects returns the encrypted records for a vault.
func (c *Client) ListObjects(ctx context.Context, vaultID string) ([]storage.ObjectRecord, error) {
	var recs []storage.ObjectRecord
	if err := c.getJSON(ctx, "/vaults/"+vaultID+"/objects", &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// DeleteTag removes a tag and its wrapped keys from the daemon.
func (c *Client) DeleteTag(ctx context.Context, tagID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.BaseURL+"/secret-tags/"+tagID, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}
	return nil
}

func (c *Client) lookupTag(ctx context.Context, tagID string) (catalogEntry, error) {
	var raw []catalogEntry
	if err := c.getJSON(ctx, "/secret-tags", &raw); err != nil {
		return catalogEntry{}, err
	}
	for _, e := range raw {
		if e.TagID == tagID {
			return e, nil
		}
	}
	return catalogEntry{}, ErrRequestFailed
}

func mustHex(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: status %d", ErrRequestFailed, req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
