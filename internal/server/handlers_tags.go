package server

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iskrov/kotori-sub005/internal/audit"
	"github.com/iskrov/kotori-sub005/internal/crypto"
	"github.com/iskrov/kotori-sub005/internal/storage"
)

const maxBodyBytes = 1 << 20

type registerRequest struct {
	Name                string `json:"name"`
	ColorHint           string `json:"colorHint"`
	PhraseHashID        string `json:"phraseHashId"`
	Salt                []byte `json:"salt"`
	RegistrationRequest []byte `json:"registrationRequest"`
}

type registerFinalizeRequest struct {
	TagID  string `json:"tagId"`
	Record []byte `json:"record"`
}

// handleRegister answers the blinded registration request and parks the
// tag's pending state until the record upload.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.rlRegIP.allow(getClientIP(r)) {
		tooMany(w, 60)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	phraseHash, err := parsePhraseHash(req.PhraseHashID)
	if err != nil {
		http.Error(w, "bad phraseHashId", http.StatusBadRequest)
		return
	}
	if len(req.Salt) == 0 || len(req.RegistrationRequest) == 0 {
		http.Error(w, "salt and registrationRequest required", http.StatusBadRequest)
		return
	}

	// Same-phrase registration is rejected up front; the phrase locator is
	// the only identity a tag has.
	existing, err := s.tags.ListTags(r.Context())
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	for _, t := range existing {
		if crypto.Equal(t.PhraseHash, phraseHash) {
			writeJSONStatus(w, http.StatusConflict, map[string]string{"error": "phrase already registered"})
			return
		}
	}

	credID, err := crypto.RandomBytes(64)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	resp, err := s.pake.RegistrationResponse(req.RegistrationRequest, credID)
	if err != nil {
		http.Error(w, "bad registration request", http.StatusBadRequest)
		return
	}

	tagID := uuid.NewString()
	s.putPendingReg(tagID, &pendingRegistration{
		name:       strings.TrimSpace(req.Name),
		colorHint:  req.ColorHint,
		salt:       req.Salt,
		phraseHash: phraseHash,
		credID:     credID,
	})

	writeJSON(w, map[string]any{
		"tagId":                tagID,
		"registrationResponse": resp,
	})
}

func (s *Server) handleRegisterFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req registerFinalizeRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	p := s.takePendingReg(req.TagID)
	if p == nil {
		http.Error(w, "unknown or expired registration", http.StatusBadRequest)
		return
	}

	clientID := []byte(hex.EncodeToString(p.phraseHash))
	if _, err := s.pake.BuildRecord(req.Record, p.credID, clientID); err != nil {
		http.Error(w, "bad record", http.StatusBadRequest)
		return
	}

	rec := storage.TagRecord{
		TagID:        req.TagID,
		Name:         p.name,
		ColorHint:    p.colorHint,
		Salt:         p.salt,
		PhraseHash:   p.phraseHash,
		CredentialID: p.credID,
		Record:       req.Record,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.tags.CreateTag(r.Context(), rec); err != nil {
		if errors.Is(err, storage.ErrDuplicatePhrase) {
			writeJSONStatus(w, http.StatusConflict, map[string]string{"error": "phrase already registered"})
			return
		}
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	s.auditor.Append(audit.EventTagRegistered, req.TagID)
	s.logger.Printf("tag registered id=%s", req.TagID)

	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"tagId":     rec.TagID,
		"createdAt": rec.CreatedAt,
	})
}

// handleTags serves the public catalog: locators only, never records.
func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tags, err := s.tags.ListTags(r.Context())
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(tags))
	for _, t := range tags {
		out = append(out, map[string]any{
			"tagId":        t.TagID,
			"name":         t.Name,
			"colorHint":    t.ColorHint,
			"phraseHashId": hex.EncodeToString(t.PhraseHash),
			"salt":         t.Salt,
			"createdAt":    t.CreatedAt,
		})
	}
	writeJSON(w, out)
}

// handleTagByID covers /secret-tags/{tagId} and /secret-tags/{tagId}/keys.
func (s *Server) handleTagByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/secret-tags/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.tags.DeleteTag(r.Context(), parts[0]); err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case len(parts) == 2 && parts[1] == "keys":
		s.handleTagKeys(w, r, parts[0])

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleTagKeys(w http.ResponseWriter, r *http.Request, tagID string) {
	switch r.Method {
	case http.MethodGet:
		keys, err := s.tags.KeysForTag(r.Context(), tagID)
		if err != nil {
			http.Error(w, "storage unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, keys)

	case http.MethodPost:
		var rec storage.WrappedKeyRecord
		if err := decodeJSON(w, r, &rec, maxBodyBytes); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if rec.VaultID == "" || rec.Purpose == "" || len(rec.Wrapped) == 0 {
			http.Error(w, "vaultId, purpose and wrappedDataKey required", http.StatusBadRequest)
			return
		}
		rec.TagID = tagID
		if err := s.tags.AddWrappedKey(r.Context(), rec); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, "storage unavailable", http.StatusInternalServerError)
			return
		}
		writeJSONStatus(w, http.StatusCreated, map[string]bool{"stored": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
