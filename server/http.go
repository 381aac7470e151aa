package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vctt94/pongarena/server/serverdb"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Errorf("Failed to encode response: %v", err)
		http.Error(w, "failed to encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Rooms   int    `json:"rooms"`
		Clients int    `json:"clients"`
	}{
		Status:  "ok",
		Version: version,
		Rooms:   s.gameManager.Registry.Len(),
		Clients: s.gameManager.PlayerSessions.Len(),
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gameManager.Rooms())
}

func (s *Server) handleTournament(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.gameManager.Tournament(r.PathValue("id"))
	if !ok {
		http.Error(w, "tournament not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if err := s.validate.Var(user, "required,max=64"); err != nil {
		http.Error(w, "missing or invalid user", http.StatusBadRequest)
		return
	}

	results, err := s.db.FetchResultsByUser(r.Context(), user)
	if errors.Is(err, serverdb.ErrUserBucketNotFound) {
		results, err = []*serverdb.MatchResultRecord{}, nil
	}
	if err != nil {
		s.log.Errorf("Failed to fetch results of %s: %v", user, err)
		http.Error(w, "failed to fetch results", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}
