package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iskrov/kotori-sub005/internal/crypto"
	"github.com/iskrov/kotori-sub005/internal/storage"
)

// handleVaults covers /vaults/{vaultId}/objects and
// /vaults/{vaultId}/objects/{objectId}. Bodies are ciphertext end to end;
// the server stores and returns them without ever holding a key.
func (s *Server) handleVaults(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/vaults/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "objects" {
		http.NotFound(w, r)
		return
	}
	vaultID := parts[0]

	switch {
	case len(parts) == 2:
		s.handleObjects(w, r, vaultID)
	case len(parts) == 3 && parts[2] != "":
		s.handleObjectByID(w, r, vaultID, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request, vaultID string) {
	switch r.Method {
	case http.MethodGet:
		recs, err := s.objects.ListObjects(r.Context(), vaultID)
		if err != nil {
			http.Error(w, "storage unavailable", http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []storage.ObjectRecord{}
		}
		writeJSON(w, recs)

	case http.MethodPost:
		var rec storage.ObjectRecord
		if err := decodeJSON(w, r, &rec, int64(s.cfg.MaxObjectBytes)+maxBodyBytes); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if len(rec.IV) != crypto.AEADNonceSize || len(rec.AuthTag) != crypto.AEADTagSize || len(rec.Ciphertext) == 0 {
			http.Error(w, "iv, ciphertext and authTag required", http.StatusBadRequest)
			return
		}
		if len(rec.Ciphertext) > s.cfg.MaxObjectBytes {
			http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
			return
		}
		if rec.ObjectID == "" {
			rec.ObjectID = uuid.NewString()
		}
		rec.VaultID = vaultID
		rec.CreatedAt = time.Now().UTC()
		if err := s.objects.PutObject(r.Context(), rec); err != nil {
			if errors.Is(err, storage.ErrDuplicateObject) {
				writeJSONStatus(w, http.StatusConflict, map[string]string{"error": "object already exists"})
				return
			}
			http.Error(w, "storage unavailable", http.StatusInternalServerError)
			return
		}
		writeJSONStatus(w, http.StatusCreated, map[string]string{"objectId": rec.ObjectID})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleObjectByID(w http.ResponseWriter, r *http.Request, vaultID, objectID string) {
	switch r.Method {
	case http.MethodGet:
		rec, err := s.objects.GetObject(r.Context(), vaultID, objectID)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)

	case http.MethodDelete:
		if err := s.objects.DeleteObject(r.Context(), vaultID, objectID); err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
