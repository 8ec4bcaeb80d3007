package server

import (
	"encoding/hex"
	"net/http"

	"github.com/bytemare/opaque"

	"github.com/iskrov/kotori-sub005/internal/audit"
	"github.com/iskrov/kotori-sub005/internal/crypto"
)

type authInitRequest struct {
	TagID        string `json:"tagId"`
	PhraseHashID string `json:"phraseHashId"`
	KE1          []byte `json:"ke1"`
}

type authFinalizeRequest struct {
	SessionID string `json:"sessionId"`
	KE3       []byte `json:"ke3"`
}

// handleAuthInit answers KE1 with KE2. Unknown tags and locator mismatches
// are evaluated against the decoy record so the response shape and timing
// never reveal whether the tag exists.
func (s *Server) handleAuthInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req authInitRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if !s.rlAuthIP.allow(getClientIP(r)) || !s.rlAuthTag.allow(req.TagID) {
		tooMany(w, 60)
		return
	}
	phraseHash, err := parsePhraseHash(req.PhraseHashID)
	if err != nil || len(req.KE1) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var record *opaque.ClientRecord
	tagID := ""
	if rec, err := s.tags.GetTag(r.Context(), req.TagID); err == nil && crypto.Equal(rec.PhraseHash, phraseHash) {
		clientID := []byte(hex.EncodeToString(rec.PhraseHash))
		if cr, err := s.pake.BuildRecord(rec.Record, rec.CredentialID, clientID); err == nil {
			record = cr
			tagID = rec.TagID
		}
	}

	ke2, token, err := s.pake.AuthInit(req.KE1, record)
	if err != nil {
		s.auditor.Append(audit.EventAuthFailed, req.TagID)
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
		return
	}
	s.putAttempt(token, tagID)

	writeJSON(w, map[string]any{
		"sessionId": token,
		"ke2":       ke2,
	})
}

// handleAuthFinalize consumes the pending attempt. Success returns the
// tag's wrapped keys; every failure mode returns the same body.
func (s *Server) handleAuthFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req authFinalizeRequest
	if err := decodeJSON(w, r, &req, maxBodyBytes); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	tagID, known := s.takeAttempt(req.SessionID)
	sessionKey, err := s.pake.AuthFinalize(req.SessionID, req.KE3)
	if err != nil || !known || tagID == "" {
		crypto.Zero(sessionKey)
		s.auditor.Append(audit.EventAuthFailed, tagID)
		writeJSONStatus(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"error":   "authentication failed",
		})
		return
	}
	// Mutual authentication is confirmed; the transcript key itself is not
	// used server-side.
	crypto.Zero(sessionKey)

	keys, err := s.tags.KeysForTag(r.Context(), tagID)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	s.auditor.Append(audit.EventSessionCreated, tagID)
	s.logger.Printf("authentication succeeded tag=%s keys=%d", tagID, len(keys))

	writeJSON(w, map[string]any{
		"success":     true,
		"tagId":       tagID,
		"wrappedKeys": keys,
	})
}
