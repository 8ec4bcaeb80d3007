package server

import "net/http"

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	s.mux.HandleFunc("/secret-tags", s.handleTags)
	s.mux.HandleFunc("/secret-tags/register", s.handleRegister)
	s.mux.HandleFunc("/secret-tags/register/finalize", s.handleRegisterFinalize)
	s.mux.HandleFunc("/secret-tags/auth/init", s.handleAuthInit)
	s.mux.HandleFunc("/secret-tags/auth/finalize", s.handleAuthFinalize)
	s.mux.HandleFunc("/secret-tags/", s.handleTagByID)

	s.mux.HandleFunc("/vaults/", s.handleVaults)

	s.mux.HandleFunc("/stats", s.handleStats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tags, err := s.tags.ListTags(r.Context())
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"tags":            len(tags),
		"pendingAttempts": s.pake.PendingCount(),
	})
}
